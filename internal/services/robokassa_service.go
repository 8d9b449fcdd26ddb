package services

import (
	"context"
	"crypto/md5"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

const (
	MethodRobokassa = "robokassa"

	defaultRobokassaPayURL   = "https://auth.robokassa.ru/Merchant/Index.aspx"
	defaultRobokassaStateURL = "https://auth.robokassa.ru/Merchant/WebService/Service.asmx/OpStateExt"
)

type RobokassaConfig struct {
	MerchantLogin string

	Password1 string
	Password2 string

	TestPassword1 string
	TestPassword2 string

	BaseURL  string // payment page, e.g. https://auth.robokassa.ru/Merchant/Index.aspx
	StateURL string // OpStateExt endpoint used for status checks
	IsTest   bool

	Client *http.Client
	Logger *slog.Logger
}

// RobokassaService is the Robokassa gateway adapter. Payments are redirect
// links signed with password 1; result callbacks are signed with password 2.
type RobokassaService struct {
	merchantLogin string
	password1     string
	password2     string
	testPassword1 string
	testPassword2 string
	baseURL       string
	stateURL      string
	isTest        bool

	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	lastID int64
}

func NewRobokassaService(cfg RobokassaConfig) (*RobokassaService, error) {
	if strings.TrimSpace(cfg.MerchantLogin) == "" || cfg.Password1 == "" || cfg.Password2 == "" {
		return nil, fmt.Errorf("robokassa: merchant_login/password1/password2 are required")
	}
	s := &RobokassaService{
		merchantLogin: cfg.MerchantLogin,
		password1:     cfg.Password1,
		password2:     cfg.Password2,
		testPassword1: cfg.TestPassword1,
		testPassword2: cfg.TestPassword2,
		baseURL:       cfg.BaseURL,
		stateURL:      cfg.StateURL,
		isTest:        cfg.IsTest,
		httpClient:    cfg.Client,
		logger:        cfg.Logger,
	}
	if s.baseURL == "" {
		s.baseURL = defaultRobokassaPayURL
	}
	if s.stateURL == "" {
		s.stateURL = defaultRobokassaStateURL
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

func (s *RobokassaService) Name() string { return MethodRobokassa }

func (s *RobokassaService) pass1() string {
	if s.isTest && s.testPassword1 != "" {
		return s.testPassword1
	}
	return s.password1
}

func (s *RobokassaService) pass2(isTest bool) string {
	if isTest && s.testPassword2 != "" {
		return s.testPassword2
	}
	return s.password2
}

func md5Hex(raw string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(raw)))
}

// nextInvID issues the numeric InvId Robokassa requires. Unix microseconds
// keep ids increasing across restarts; the mutex keeps them unique in-process.
func (s *RobokassaService) nextInvID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := time.Now().UnixMicro()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	s.lastID = id
	return id
}

// CreatePayment builds the signed payment page link. No request leaves the
// process; the link is the payment.
func (s *RobokassaService) CreatePayment(ctx context.Context, in GatewayPaymentRequest) (GatewayPayment, error) {
	if err := ctx.Err(); err != nil {
		return GatewayPayment{}, err
	}
	invID := strconv.FormatInt(s.nextInvID(), 10)
	outSum := models.FormatMajor(in.Amount)

	params := url.Values{}
	params.Set("MerchantLogin", s.merchantLogin)
	params.Set("OutSum", outSum)
	params.Set("InvId", invID)
	params.Set("Description", in.Description)

	// md5(MerchantLogin:OutSum:InvId[:OutSumCurrency]:Password1)
	parts := []string{s.merchantLogin, outSum, invID}
	if in.Currency != "" && in.Currency != "RUB" {
		params.Set("OutSumCurrency", in.Currency)
		parts = append(parts, in.Currency)
	}
	parts = append(parts, s.pass1())
	params.Set("SignatureValue", strings.ToUpper(md5Hex(strings.Join(parts, ":"))))
	if in.Customer.Email != "" {
		params.Set("Email", in.Customer.Email)
	}
	if s.isTest {
		params.Set("IsTest", "1")
	}

	return GatewayPayment{
		Reference:  invID,
		PaymentURL: fmt.Sprintf("%s?%s", s.baseURL, params.Encode()),
	}, nil
}

// VerifyResult checks md5(OutSum:InvId:Password2) from the result URL.
func (s *RobokassaService) VerifyResult(outSum, invID, signature string, isTest bool) bool {
	expected := md5Hex(fmt.Sprintf("%s:%s:%s", outSum, invID, s.pass2(isTest)))
	return strings.EqualFold(expected, signature)
}

func callbackValues(p CallbackPayload) url.Values {
	if len(p.Form) > 0 {
		return p.Form
	}
	v, _ := url.ParseQuery(string(p.Body))
	return v
}

func (s *RobokassaService) VerifyCallback(p CallbackPayload) bool {
	v := callbackValues(p)
	outSum, invID, sig := v.Get("OutSum"), v.Get("InvId"), v.Get("SignatureValue")
	if outSum == "" || invID == "" || sig == "" {
		return false
	}
	return s.VerifyResult(outSum, invID, sig, v.Get("IsTest") == "1")
}

// ParseCallback reads a result URL notification. Robokassa only calls the
// result URL for completed payments.
func (s *RobokassaService) ParseCallback(p CallbackPayload) (CallbackResult, error) {
	v := callbackValues(p)
	invID := v.Get("InvId")
	if invID == "" {
		return CallbackResult{}, models.Validationf("robokassa callback without InvId")
	}
	amount, err := models.ParseMajor(v.Get("OutSum"))
	if err != nil {
		return CallbackResult{}, models.Validationf("robokassa callback: %v", err)
	}
	return CallbackResult{
		Reference:     invID,
		Status:        GatewayStatusPaid,
		Amount:        amount,
		TransactionID: invID,
	}, nil
}

// AckCallback answers "OK<InvId>", which stops Robokassa from retrying.
func (s *RobokassaService) AckCallback(res CallbackResult) (string, []byte) {
	return "text/plain; charset=utf-8", []byte("OK" + res.Reference)
}

type opStateResponse struct {
	XMLName xml.Name `xml:"OperationStateResponse"`
	Result  struct {
		Code        int    `xml:"Code"`
		Description string `xml:"Description"`
	} `xml:"Result"`
	State struct {
		Code int `xml:"Code"`
	} `xml:"State"`
	Info struct {
		OutSum string `xml:"OutSum"`
	} `xml:"Info"`
}

// CheckStatus queries OpStateExt, signed md5(MerchantLogin:InvoiceID:Password2).
func (s *RobokassaService) CheckStatus(ctx context.Context, reference string) (GatewayPaymentStatus, error) {
	params := url.Values{}
	params.Set("MerchantLogin", s.merchantLogin)
	params.Set("InvoiceID", reference)
	params.Set("Signature", md5Hex(fmt.Sprintf("%s:%s:%s", s.merchantLogin, reference, s.pass2(s.isTest))))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.stateURL+"?"+params.Encode(), nil)
	if err != nil {
		return GatewayPaymentStatus{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return GatewayPaymentStatus{}, fmt.Errorf("robokassa state request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return GatewayPaymentStatus{}, fmt.Errorf("robokassa state: %s: %s", resp.Status, trim(string(b), 500))
	}

	var out opStateResponse
	if err := xml.Unmarshal(b, &out); err != nil {
		return GatewayPaymentStatus{}, fmt.Errorf("decode robokassa state: %w", err)
	}
	switch out.Result.Code {
	case 0:
	case 3:
		// invoice unknown to Robokassa: the payer never reached the form
		return GatewayPaymentStatus{Status: GatewayStatusPending}, nil
	default:
		return GatewayPaymentStatus{}, fmt.Errorf("robokassa state: result %d: %s", out.Result.Code, out.Result.Description)
	}

	st := GatewayPaymentStatus{Status: robokassaState(out.State.Code), TransactionID: reference}
	if out.Info.OutSum != "" {
		if amount, err := models.ParseMajor(out.Info.OutSum); err == nil {
			st.Amount = amount
		}
	}
	return st, nil
}

func robokassaState(code int) GatewayStatus {
	switch code {
	case 100:
		return GatewayStatusPaid
	case 10:
		return GatewayStatusCancelled
	case 60:
		return GatewayStatusFailed
	default: // 5 initiated, 50 processing, 80 suspended
		return GatewayStatusPending
	}
}

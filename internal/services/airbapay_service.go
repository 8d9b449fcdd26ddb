package services

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

const (
	MethodAirbapay = "airbapay"

	defaultAirbapayPublicKeyURL = "https://ps.airbapay.kz/acquiring/sign/public.pem"
)

type AirbapayConfig struct {
	Username   string
	Password   string
	TerminalID string

	// Acquiring API base, e.g. https://ps.airbapay.kz/acquiring-api
	BaseURL string

	SuccessBackURL string
	FailureBackURL string
	CallbackURL    string

	// Webhook signing key. PublicKeyPEM wins over PublicKeyURL.
	PublicKeyURL string
	PublicKeyPEM string

	DefaultEmail string
	DefaultPhone string // 11 digits, 7XXXXXXXXXX
	Language     string

	Client *http.Client
	Logger *slog.Logger
}

// AirbapayService is the AirbaPay gateway adapter.
type AirbapayService struct {
	username   string
	password   string
	terminalID string
	baseURL    *url.URL

	successBackURL string
	failureBackURL string
	callbackURL    string

	publicKeyURL string
	publicKeyPEM string

	defEmail string
	defPhone string
	language string

	httpClient *http.Client
	logger     *slog.Logger

	mu          sync.Mutex
	accessToken string
	tokenExp    time.Time

	pubKeyOnce sync.Once
	pubKeyErr  error
	pubKey     *rsa.PublicKey
}

func NewAirbapayService(cfg AirbapayConfig) (*AirbapayService, error) {
	if strings.TrimSpace(cfg.Username) == "" ||
		strings.TrimSpace(cfg.Password) == "" ||
		strings.TrimSpace(cfg.TerminalID) == "" ||
		strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("airbapay: username/password/terminal_id/base_url are required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 20 * time.Second}
	}
	keyURL := cfg.PublicKeyURL
	if keyURL == "" {
		keyURL = defaultAirbapayPublicKeyURL
	}
	lang := cfg.Language
	if lang == "" {
		lang = "ru"
	}

	s := &AirbapayService{
		username:       cfg.Username,
		password:       cfg.Password,
		terminalID:     cfg.TerminalID,
		baseURL:        u,
		successBackURL: cfg.SuccessBackURL,
		failureBackURL: cfg.FailureBackURL,
		callbackURL:    cfg.CallbackURL,
		publicKeyURL:   keyURL,
		publicKeyPEM:   cfg.PublicKeyPEM,
		defEmail:       cfg.DefaultEmail,
		defPhone:       cfg.DefaultPhone,
		language:       lang,
		httpClient:     client,
		logger:         logger,
	}
	logger.Info("AirbaPay initialized",
		"baseURL", safeURL(s.baseURL),
		"successBackURL_set", s.successBackURL != "",
		"callbackURL_set", s.callbackURL != "",
		"publicKeyPEM_set", s.publicKeyPEM != "",
	)
	return s, nil
}

func (s *AirbapayService) Name() string { return MethodAirbapay }

func (s *AirbapayService) endpoint(p string) string {
	u := *s.baseURL
	u.Path = path.Join(u.Path, p)
	return u.String()
}

// ------- AUTH (JWT) -------

func (s *AirbapayService) ensureToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.accessToken != "" && time.Until(s.tokenExp) > 2*time.Minute {
		return s.accessToken, nil
	}
	type signInReq struct {
		User       string `json:"user"`
		Password   string `json:"password"`
		TerminalID string `json:"terminal_id"`
	}
	type signInResp struct {
		AccessToken string `json:"access_token"`
	}

	body, _ := json.Marshal(signInReq{
		User:       s.username,
		Password:   s.password,
		TerminalID: s.terminalID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/api/v1/auth/sign-in"), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", &AirbapayError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}
	var out signInResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("auth decode: %w", err)
	}
	if strings.TrimSpace(out.AccessToken) == "" {
		return "", errors.New("auth: empty access_token")
	}
	s.accessToken = out.AccessToken
	// the sign-in response carries no ttl; tokens live one hour
	s.tokenExp = time.Now().Add(55 * time.Minute)
	return s.accessToken, nil
}

// ------- PAYMENTS v2 -------

type paymentV2Request struct {
	InvoiceID       string  `json:"invoice_id"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
	Description     string  `json:"description,omitempty"`
	Email           string  `json:"email,omitempty"`
	Phone           string  `json:"phone,omitempty"`
	Language        string  `json:"language,omitempty"`
	AccountID       string  `json:"account_id,omitempty"`
	CardSave        bool    `json:"card_save"`
	AutoCharge      int     `json:"auto_charge"` // 1=one-stage
	SuccessBackURL  string  `json:"success_back_url"`
	FailureBackURL  string  `json:"failure_back_url"`
	SuccessCallback string  `json:"success_callback"`
	FailureCallback string  `json:"failure_callback"`
}

type paymentV2Response struct {
	ID          string `json:"id"`
	InvoiceID   string `json:"invoice_id"`
	Status      string `json:"status"`
	RedirectURL string `json:"redirect_url"`
}

// airbapayReference is unique per payment attempt; an invoice may be paid
// in several attempts.
func airbapayReference(invoiceNumber string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return invoiceNumber + "-" + suffix
}

// CreatePayment opens a one-stage payment and returns its redirect URL.
func (s *AirbapayService) CreatePayment(ctx context.Context, in GatewayPaymentRequest) (GatewayPayment, error) {
	logger := s.logger.With("op", "CreatePayment", "invoice", in.InvoiceNumber)
	token, err := s.ensureToken(ctx)
	if err != nil {
		return GatewayPayment{}, err
	}

	reference := airbapayReference(in.InvoiceNumber)
	successBack, failureBack := s.successBackURL, s.failureBackURL
	if in.ReturnURL != "" {
		successBack, failureBack = in.ReturnURL, in.ReturnURL
	}
	callback := s.callbackURL
	if in.CallbackURL != "" {
		callback = in.CallbackURL
	}
	email, phone := s.defEmail, s.defPhone
	if in.Customer.Email != "" {
		email = in.Customer.Email
	}
	if in.Customer.Phone != "" {
		phone = in.Customer.Phone
	}

	body, _ := json.Marshal(paymentV2Request{
		InvoiceID:       reference,
		Amount:          models.ToMajor(in.Amount),
		Currency:        in.Currency,
		Description:     in.Description,
		Email:           email,
		Phone:           phone,
		Language:        s.language,
		AccountID:       strconv.FormatInt(in.Customer.ID, 10),
		AutoCharge:      1,
		SuccessBackURL:  successBack,
		FailureBackURL:  failureBack,
		SuccessCallback: callback,
		FailureCallback: callback,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint("/api/v2/payments"), bytes.NewReader(body))
	if err != nil {
		return GatewayPayment{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return GatewayPayment{}, fmt.Errorf("payments v2 request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	logger.Debug("payments v2 raw", "status", resp.Status, "body", trim(string(b), 2000))

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return GatewayPayment{}, &AirbapayError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}

	var out paymentV2Response
	if err := json.Unmarshal(b, &out); err != nil {
		return GatewayPayment{}, fmt.Errorf("decode payments v2: %w", err)
	}
	if strings.TrimSpace(out.RedirectURL) == "" {
		return GatewayPayment{}, fmt.Errorf("payments v2: empty redirect_url")
	}
	if out.InvoiceID != "" {
		reference = out.InvoiceID
	}
	return GatewayPayment{Reference: reference, PaymentURL: out.RedirectURL}, nil
}

// CheckStatus asks AirbaPay for the state of the payment opened under reference.
func (s *AirbapayService) CheckStatus(ctx context.Context, reference string) (GatewayPaymentStatus, error) {
	token, err := s.ensureToken(ctx)
	if err != nil {
		return GatewayPaymentStatus{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.endpoint("/api/v1/payments/invoice/"+url.PathEscape(reference)), nil)
	if err != nil {
		return GatewayPaymentStatus{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return GatewayPaymentStatus{}, fmt.Errorf("payment status request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		// not opened on the payment page yet
		return GatewayPaymentStatus{Status: GatewayStatusPending}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return GatewayPaymentStatus{}, &AirbapayError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(b)}
	}

	var out WebhookPayload
	if err := json.Unmarshal(b, &out); err != nil {
		return GatewayPaymentStatus{}, fmt.Errorf("decode payment status: %w", err)
	}
	return GatewayPaymentStatus{
		Status:        airbapayStatus(out.Status),
		TransactionID: out.ID,
		Amount:        models.FromMajor(out.Amount),
	}, nil
}

func airbapayStatus(s string) GatewayStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "success", "auth":
		return GatewayStatusPaid
	case "error", "expired", "fail", "failed":
		return GatewayStatusFailed
	case "cancel", "cancelled", "canceled", "return", "refund":
		return GatewayStatusCancelled
	default:
		return GatewayStatusPending
	}
}

// ------- CALLBACK (webhook) -------

type WebhookPayload struct {
	ID          string  `json:"id"`
	InvoiceID   string  `json:"invoice_id"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Status      string  `json:"status"`
	Description string  `json:"description"`
	ErrMessage  string  `json:"err_message"`
	Sign        string  `json:"sign"`
}

func (p *WebhookPayload) UnmarshalJSON(data []byte) error {
	type rawPayload struct {
		ID             string          `json:"id"`
		InvoiceID      string          `json:"invoice_id"`
		InvoiceIDCamel string          `json:"invoiceId"`
		Amount         json.RawMessage `json:"amount"`
		Currency       string          `json:"currency"`
		Status         string          `json:"status"`
		Description    string          `json:"description"`
		ErrMessage     string          `json:"err_message"`
		Sign           string          `json:"sign"`
	}

	var raw rawPayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	invoiceID := strings.TrimSpace(raw.InvoiceID)
	if invoiceID == "" {
		invoiceID = strings.TrimSpace(raw.InvoiceIDCamel)
	}

	var amount float64
	if len(raw.Amount) > 0 {
		if err := json.Unmarshal(raw.Amount, &amount); err != nil {
			var amountStr string
			if err := json.Unmarshal(raw.Amount, &amountStr); err != nil {
				return fmt.Errorf("airbapay: parse webhook amount: %w", err)
			}
			amountStr = strings.TrimSpace(amountStr)
			if amountStr != "" {
				parsed, err := strconv.ParseFloat(amountStr, 64)
				if err != nil {
					return fmt.Errorf("airbapay: parse webhook amount: %w", err)
				}
				amount = parsed
			}
		}
	}

	p.ID = strings.TrimSpace(raw.ID)
	p.InvoiceID = invoiceID
	p.Amount = amount
	p.Currency = strings.TrimSpace(raw.Currency)
	p.Status = strings.TrimSpace(raw.Status)
	p.Description = strings.TrimSpace(raw.Description)
	p.ErrMessage = strings.TrimSpace(raw.ErrMessage)
	p.Sign = strings.TrimSpace(raw.Sign)
	return nil
}

// signedString is id+invoice_id+amount+currency+status+description, with the
// amount rendered without trailing zeros.
func (p *WebhookPayload) signedString() string {
	amountStr := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", p.Amount), "0"), ".")
	return p.ID + p.InvoiceID + amountStr + p.Currency + p.Status + p.Description
}

func (s *AirbapayService) VerifyCallback(cp CallbackPayload) bool {
	var p WebhookPayload
	if err := json.Unmarshal(cp.Body, &p); err != nil {
		s.logger.Warn("airbapay callback decode failed", "err", err)
		return false
	}
	if p.Sign == "" {
		return false
	}
	if err := s.loadPublicKeyOnce(); err != nil {
		s.logger.Error("load public key failed", "err", err)
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(p.Sign)
	if err != nil {
		return false
	}
	h := sha256.Sum256([]byte(p.signedString()))
	return rsa.VerifyPKCS1v15(s.pubKey, crypto.SHA256, h[:], sig) == nil
}

func (s *AirbapayService) ParseCallback(cp CallbackPayload) (CallbackResult, error) {
	var p WebhookPayload
	if err := json.Unmarshal(cp.Body, &p); err != nil {
		return CallbackResult{}, fmt.Errorf("decode callback: %w", err)
	}
	if p.InvoiceID == "" {
		return CallbackResult{}, models.Validationf("airbapay callback without invoice_id")
	}
	return CallbackResult{
		Reference:     p.InvoiceID,
		Status:        airbapayStatus(p.Status),
		Amount:        models.FromMajor(p.Amount),
		TransactionID: p.ID,
		Reason:        p.ErrMessage,
	}, nil
}

func (s *AirbapayService) loadPublicKeyOnce() error {
	s.pubKeyOnce.Do(func() {
		b := []byte(s.publicKeyPEM)
		if len(b) == 0 {
			resp, err := s.httpClient.Get(s.publicKeyURL)
			if err != nil {
				s.pubKeyErr = err
				return
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				s.pubKeyErr = fmt.Errorf("get public key: %s", resp.Status)
				return
			}
			b, _ = io.ReadAll(resp.Body)
		}
		s.pubKey, s.pubKeyErr = parseRSAPublicKey(b)
	})
	return s.pubKeyErr
}

func parseRSAPublicKey(b []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("pem decode failed")
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rk, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not rsa public key")
	}
	return rk, nil
}

// ---------- helpers ----------

func trim(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}

func safeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.User = nil
	return c.String()
}

type AirbapayError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *AirbapayError) Error() string {
	if e == nil {
		return "<nil>"
	}
	bt := strings.TrimSpace(e.Body)
	if bt == "" {
		return fmt.Sprintf("airbapay error: %s", e.Status)
	}
	return fmt.Sprintf("airbapay error: %s: %s", e.Status, bt)
}

// HTTPStatus exposes the provider status so handlers can pass 4xx through.
func (e *AirbapayError) HTTPStatus() int { return e.StatusCode }

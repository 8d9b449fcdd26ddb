package services

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

func TestWebhookPayload_UnmarshalJSON_SnakeCase(t *testing.T) {
	payload := []byte(`{
        "id": "tx-1",
        "invoice_id": "INV-1-abcd",
        "amount": 100.5,
        "currency": "KZT",
        "status": "success",
        "description": "internet",
        "sign": "c2ln"
    }`)

	var p WebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.InvoiceID != "INV-1-abcd" {
		t.Errorf("invoice id mismatch: %q", p.InvoiceID)
	}
	if p.Amount != 100.5 {
		t.Errorf("amount mismatch: %v", p.Amount)
	}
	if p.Sign != "c2ln" {
		t.Errorf("sign mismatch: %q", p.Sign)
	}
}

func TestWebhookPayload_UnmarshalJSON_CamelCaseAndStringAmount(t *testing.T) {
	payload := []byte(`{"id":"tx-1","invoiceId":"INV-2","amount":"99.90","status":"error","err_message":"declined"}`)

	var p WebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.InvoiceID != "INV-2" {
		t.Errorf("invoice id mismatch: %q", p.InvoiceID)
	}
	if p.Amount != 99.9 {
		t.Errorf("amount mismatch: %v", p.Amount)
	}
	if p.ErrMessage != "declined" {
		t.Errorf("err_message mismatch: %q", p.ErrMessage)
	}
}

func TestWebhookPayload_SignedStringTrimsZeros(t *testing.T) {
	p := WebhookPayload{ID: "1", InvoiceID: "I", Amount: 100, Currency: "KZT", Status: "success", Description: "d"}
	if got := p.signedString(); got != "1I100KZTsuccessd" {
		t.Fatalf("unexpected signed string %q", got)
	}
	p.Amount = 10.5
	if got := p.signedString(); got != "1I10.5KZTsuccessd" {
		t.Fatalf("unexpected signed string %q", got)
	}
}

func TestAirbapayStatus(t *testing.T) {
	cases := map[string]GatewayStatus{
		"success":   GatewayStatusPaid,
		"AUTH":      GatewayStatusPaid,
		"error":     GatewayStatusFailed,
		"expired":   GatewayStatusFailed,
		"cancelled": GatewayStatusCancelled,
		"refund":    GatewayStatusCancelled,
		"new":       GatewayStatusPending,
		"":          GatewayStatusPending,
	}
	for in, want := range cases {
		if got := airbapayStatus(in); got != want {
			t.Errorf("airbapayStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func newAirbapayTestServer(t *testing.T, payments http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/auth/sign-in", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "token-1"})
	})
	if payments != nil {
		mux.HandleFunc("/api/v2/payments", payments)
	}
	mux.HandleFunc("/api/v1/payments/invoice/", func(w http.ResponseWriter, r *http.Request) {
		ref := strings.TrimPrefix(r.URL.Path, "/api/v1/payments/invoice/")
		if ref == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "tx-9", "invoice_id": ref, "amount": 80, "status": "success"})
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func newTestAirbapay(t *testing.T, baseURL, pemKey string) *AirbapayService {
	t.Helper()
	svc, err := NewAirbapayService(AirbapayConfig{
		Username:     "user",
		Password:     "pass",
		TerminalID:   "terminal",
		BaseURL:      baseURL,
		CallbackURL:  "https://billing.example/payments/callback/airbapay",
		PublicKeyPEM: pemKey,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func TestAirbapayCreatePayment(t *testing.T) {
	var got paymentV2Request
	ts := newAirbapayTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "p-1", "redirect_url": "https://pay.example/p-1"})
	})
	svc := newTestAirbapay(t, ts.URL, "")

	res, err := svc.CreatePayment(context.Background(), GatewayPaymentRequest{
		InvoiceNumber: "INV-20240101-ABCD",
		Amount:        12050,
		Currency:      "KZT",
		Customer:      Customer{ID: 42, Email: "a@b.kz"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.PaymentURL != "https://pay.example/p-1" {
		t.Errorf("payment url mismatch: %q", res.PaymentURL)
	}
	if !strings.HasPrefix(res.Reference, "INV-20240101-ABCD-") {
		t.Errorf("reference should be derived from the invoice number: %q", res.Reference)
	}
	if got.InvoiceID != res.Reference {
		t.Errorf("reference sent %q, returned %q", got.InvoiceID, res.Reference)
	}
	if got.Amount != 120.5 {
		t.Errorf("amount should be sent in major units, got %v", got.Amount)
	}
	if got.AccountID != "42" || got.Email != "a@b.kz" {
		t.Errorf("customer not forwarded: %+v", got)
	}
	if got.SuccessCallback != "https://billing.example/payments/callback/airbapay" {
		t.Errorf("callback url mismatch: %q", got.SuccessCallback)
	}
}

func TestAirbapayCreatePayment_Non2xxReturnsAirbapayError(t *testing.T) {
	ts := newAirbapayTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	})
	svc := newTestAirbapay(t, ts.URL, "")

	_, err := svc.CreatePayment(context.Background(), GatewayPaymentRequest{InvoiceNumber: "INV-1", Amount: 1000, Currency: "KZT"})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	var apiErr *AirbapayError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected AirbapayError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.HTTPStatus() != http.StatusNotFound {
		t.Errorf("unexpected status code: %d", apiErr.StatusCode)
	}
	if apiErr.Body == "" {
		t.Errorf("expected body to be populated")
	}
}

func TestAirbapayCheckStatus(t *testing.T) {
	ts := newAirbapayTestServer(t, nil)
	svc := newTestAirbapay(t, ts.URL, "")

	st, err := svc.CheckStatus(context.Background(), "INV-1-ab")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Status != GatewayStatusPaid || st.Amount != 8000 || st.TransactionID != "tx-9" {
		t.Errorf("unexpected status %+v", st)
	}

	st, err = svc.CheckStatus(context.Background(), "missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Status != GatewayStatusPending {
		t.Errorf("unknown payment should be pending, got %q", st.Status)
	}
}

func signedWebhook(t *testing.T, key *rsa.PrivateKey, p WebhookPayload) []byte {
	t.Helper()
	h := sha256.Sum256([]byte(p.signedString()))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, h[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	body, err := json.Marshal(map[string]any{
		"id":          p.ID,
		"invoice_id":  p.InvoiceID,
		"amount":      p.Amount,
		"currency":    p.Currency,
		"status":      p.Status,
		"description": p.Description,
		"sign":        base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestAirbapayVerifyAndParseCallback(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
	svc := newTestAirbapay(t, "http://127.0.0.1:1", pemKey)

	p := WebhookPayload{ID: "tx-1", InvoiceID: "INV-1-ab", Amount: 100, Currency: "KZT", Status: "success", Description: "internet"}
	body := signedWebhook(t, key, p)

	if !svc.VerifyCallback(CallbackPayload{Body: body}) {
		t.Fatalf("expected a valid signature")
	}
	res, err := svc.ParseCallback(CallbackPayload{Body: body})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reference != "INV-1-ab" || res.Status != GatewayStatusPaid || res.Amount != 10000 || res.TransactionID != "tx-1" {
		t.Errorf("unexpected result %+v", res)
	}

	tampered := strings.Replace(string(body), `"amount":100`, `"amount":1000`, 1)
	if svc.VerifyCallback(CallbackPayload{Body: []byte(tampered)}) {
		t.Errorf("tampered payload must not verify")
	}
	if svc.VerifyCallback(CallbackPayload{Body: []byte(`{"invoice_id":"x"}`)}) {
		t.Errorf("unsigned payload must not verify")
	}
}

func TestAirbapayParseCallback_RequiresInvoice(t *testing.T) {
	svc := newTestAirbapay(t, "http://127.0.0.1:1", "")
	_, err := svc.ParseCallback(CallbackPayload{Body: []byte(`{"id":"1","status":"success"}`)})
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

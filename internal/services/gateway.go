package services

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

// GatewayStatus is the normalised payment state reported by a gateway.
type GatewayStatus string

const (
	GatewayStatusPending   GatewayStatus = "pending"
	GatewayStatusPaid      GatewayStatus = "paid"
	GatewayStatusFailed    GatewayStatus = "failed"
	GatewayStatusCancelled GatewayStatus = "cancelled"
)

// Customer is what a gateway may show on its payment page.
type Customer struct {
	ID    int64  `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type GatewayPaymentRequest struct {
	InvoiceNumber string
	Amount        int64
	Currency      string
	Customer      Customer
	Description   string
	ReturnURL     string
	CallbackURL   string
}

type GatewayPayment struct {
	Reference  string
	PaymentURL string
}

type GatewayPaymentStatus struct {
	Status        GatewayStatus
	TransactionID string
	Amount        int64
}

// CallbackPayload carries an inbound gateway notification as received.
type CallbackPayload struct {
	Body   []byte
	Form   url.Values
	Header http.Header
}

// CallbackResult is a verified callback in ledger terms.
type CallbackResult struct {
	Reference     string
	Status        GatewayStatus
	Amount        int64
	TransactionID string
	Reason        string
}

// GatewayAdapter is implemented by every payment provider integration.
type GatewayAdapter interface {
	Name() string
	CreatePayment(ctx context.Context, req GatewayPaymentRequest) (GatewayPayment, error)
	CheckStatus(ctx context.Context, reference string) (GatewayPaymentStatus, error)
	VerifyCallback(p CallbackPayload) bool
	ParseCallback(p CallbackPayload) (CallbackResult, error)
}

// CallbackAcknowledger is implemented by gateways that expect a specific
// reply body to stop retrying a callback.
type CallbackAcknowledger interface {
	AckCallback(res CallbackResult) (contentType string, body []byte)
}

// GatewayRegistry maps method names to adapters.
type GatewayRegistry struct {
	mu       sync.RWMutex
	adapters map[string]GatewayAdapter
}

func NewGatewayRegistry(adapters ...GatewayAdapter) *GatewayRegistry {
	r := &GatewayRegistry{adapters: make(map[string]GatewayAdapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *GatewayRegistry) Register(a GatewayAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for method or ErrUnknownGateway.
func (r *GatewayRegistry) Get(method string) (GatewayAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[method]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrUnknownGateway, method)
	}
	return a, nil
}

func (r *GatewayRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GatewayError wraps an adapter failure so callers can match ErrGateway
// while still reaching the provider error.
type GatewayError struct {
	Method string
	Err    error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%s: %s: %v", models.ErrGateway, e.Method, e.Err)
}

func (e *GatewayError) Unwrap() []error { return []error{models.ErrGateway, e.Err} }

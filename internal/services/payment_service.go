package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rickicode/MikrotikBilling-sub004/internal/metrics"
	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
	"github.com/rickicode/MikrotikBilling-sub004/internal/repositories"
	"github.com/rickicode/MikrotikBilling-sub004/utils"
)

type PaymentConfig struct {
	TokenTTL        time.Duration
	GatewayTimeout  time.Duration
	CheckDelay      time.Duration
	DefaultCurrency string
	InvoiceDueDays  int
}

func (c PaymentConfig) withDefaults() PaymentConfig {
	if c.TokenTTL <= 0 {
		c.TokenTTL = 72 * time.Hour
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 30 * time.Second
	}
	if c.CheckDelay <= 0 {
		c.CheckDelay = 5 * time.Minute
	}
	if c.DefaultCurrency == "" {
		c.DefaultCurrency = "KZT"
	}
	if c.InvoiceDueDays <= 0 {
		c.InvoiceDueDays = 7
	}
	return c
}

// PaymentService settles payment tokens against invoices, carry-over credit
// and gateways, and finalizes gateway payments from callbacks and checks.
type PaymentService struct {
	Store     *repositories.Store
	Invoices  *repositories.InvoiceRepo
	Payments  *repositories.PaymentRepository
	Tokens    *repositories.TokenRepository
	Checks    *repositories.PaymentCheckRepository
	Outbox    *repositories.OutboxRepository
	CarryOver *CarryOverService
	Gateways  *GatewayRegistry
	Marker    ProcessingMarker
	Config    PaymentConfig
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

func NewPaymentService(store *repositories.Store, carryOver *CarryOverService, gateways *GatewayRegistry,
	marker ProcessingMarker, cfg PaymentConfig, logger *slog.Logger, m *metrics.Metrics) *PaymentService {
	if logger == nil {
		logger = slog.Default()
	}
	if marker == nil {
		marker = NoopMarker{}
	}
	return &PaymentService{
		Store:     store,
		Invoices:  repositories.NewInvoiceRepo(),
		Payments:  repositories.NewPaymentRepository(),
		Tokens:    repositories.NewTokenRepository(),
		Checks:    repositories.NewPaymentCheckRepository(),
		Outbox:    repositories.NewOutboxRepository(),
		CarryOver: carryOver,
		Gateways:  gateways,
		Marker:    marker,
		Config:    cfg.withDefaults(),
		Logger:    logger,
		Metrics:   m,
	}
}

// ------- TOKENS -------

type IssueTokenRequest struct {
	InvoiceID      string        `json:"invoice_id,omitempty"`
	CustomerID     int64         `json:"customer_id,omitempty"`
	SubscriptionID *int64        `json:"subscription_id,omitempty"`
	Amount         int64         `json:"amount,omitempty"`
	Currency       string        `json:"currency,omitempty"`
	Description    string        `json:"description,omitempty"`
	TTL            time.Duration `json:"-"`
}

// IssueToken stores a single-use payment token for an existing invoice, or
// with the metadata to create one on redemption.
func (s *PaymentService) IssueToken(ctx context.Context, req IssueTokenRequest) (models.PaymentToken, error) {
	q := s.Store.Q()
	tok := models.PaymentToken{
		CustomerID:     req.CustomerID,
		SubscriptionID: req.SubscriptionID,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(req.Currency)),
		Description:    req.Description,
	}
	if req.InvoiceID != "" {
		inv, err := s.Invoices.GetByID(ctx, q, req.InvoiceID)
		if errors.Is(err, models.ErrNoRecord) {
			return models.PaymentToken{}, models.Validationf("invoice %s not found", req.InvoiceID)
		}
		if err != nil {
			return models.PaymentToken{}, err
		}
		if inv.Outstanding() == 0 {
			return models.PaymentToken{}, fmt.Errorf("%w: %s", models.ErrInvoiceSettled, inv.InvoiceNumber)
		}
		tok.InvoiceID = &inv.ID
		tok.CustomerID = inv.CustomerID
		tok.SubscriptionID = inv.SubscriptionID
		tok.Amount = inv.Outstanding()
		tok.Currency = inv.Currency
	} else {
		if req.CustomerID <= 0 {
			return models.PaymentToken{}, models.Validationf("customer_id is required")
		}
		if req.Amount <= 0 {
			return models.PaymentToken{}, models.Validationf("amount must be positive")
		}
	}
	if tok.Currency == "" {
		tok.Currency = s.Config.DefaultCurrency
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.Config.TokenTTL
	}
	value, err := utils.NewPaymentToken()
	if err != nil {
		return models.PaymentToken{}, fmt.Errorf("generate token: %w", err)
	}
	tok.Token = value
	tok.ExpiresAt = q.Now().Add(ttl)
	if err := s.Tokens.Create(ctx, q, &tok); err != nil {
		return models.PaymentToken{}, fmt.Errorf("store token: %w", err)
	}
	return tok, nil
}

// ------- SETTLEMENT -------

type SettleOptions struct {
	ReturnURL   string
	CallbackURL string
	Customer    Customer
}

type SettlementResult struct {
	InvoiceNumber    string               `json:"invoice_number"`
	InvoiceID        string               `json:"invoice_id"`
	Status           models.InvoiceStatus `json:"status"`
	TotalAmount      int64                `json:"total_amount"`
	CarryOverApplied int64                `json:"carry_over_applied"`
	RemainingAmount  int64                `json:"remaining_amount"`
	PaymentID        string               `json:"payment_id,omitempty"`
	Reference        string               `json:"reference,omitempty"`
	PaymentURL       string               `json:"payment_url,omitempty"`
}

// Settle redeems a payment token: the invoice is covered from carry-over
// credit first and any remainder is delegated to the gateway of method.
// Every ledger change happens in one transaction; a gateway failure rolls
// back all of it, the token included.
func (s *PaymentService) Settle(ctx context.Context, token, method string, opts SettleOptions) (SettlementResult, error) {
	token = strings.TrimSpace(token)
	method = strings.TrimSpace(method)
	if token == "" {
		return SettlementResult{}, models.Validationf("token is required")
	}
	if method == "" {
		return SettlementResult{}, models.Validationf("payment method is required")
	}
	adapter, err := s.Gateways.Get(method)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}

	release, ok := s.Marker.Acquire(ctx, token)
	if !ok {
		s.Metrics.MarkerReject()
		s.Metrics.Settlement("in_flight")
		return SettlementResult{}, models.ErrTokenInFlight
	}
	defer release()

	var res SettlementResult
	err = s.Store.InTx(ctx, func(q repositories.Querier) error {
		var err error
		res, err = s.settle(ctx, q, token, adapter, opts)
		return err
	})
	if err != nil {
		s.Metrics.Settlement(settlementLabel(err))
		return SettlementResult{}, err
	}
	s.Metrics.Settlement("ok")
	s.Metrics.CarryOverApplied(res.CarryOverApplied)
	s.Logger.Info("token settled",
		"invoice", res.InvoiceNumber, "status", res.Status,
		"carry_over_applied", res.CarryOverApplied, "remaining", res.RemainingAmount, "payment_id", res.PaymentID)
	return res, nil
}

func (s *PaymentService) settle(ctx context.Context, q repositories.Querier, token string, adapter GatewayAdapter, opts SettleOptions) (SettlementResult, error) {
	now := q.Now()
	consumed, err := s.Tokens.Consume(ctx, q, token, now)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("consume token: %w", err)
	}
	if !consumed {
		return SettlementResult{}, s.classifyToken(ctx, q, token, now)
	}
	tok, err := s.Tokens.GetByToken(ctx, q, token)
	if err != nil {
		return SettlementResult{}, fmt.Errorf("load token: %w", err)
	}

	inv, err := s.resolveInvoice(ctx, q, tok)
	if err != nil {
		return SettlementResult{}, err
	}
	outstanding := inv.Outstanding()
	if outstanding == 0 {
		return SettlementResult{}, fmt.Errorf("%w: %s", models.ErrInvoiceSettled, inv.InvoiceNumber)
	}

	applied, err := s.CarryOver.ApplyCarryOver(ctx, q, ApplyRequest{
		CustomerID:     inv.CustomerID,
		InvoiceAmount:  outstanding,
		SubscriptionID: inv.SubscriptionID,
		Currency:       inv.Currency,
		InvoiceID:      &inv.ID,
	})
	if err != nil {
		return SettlementResult{}, fmt.Errorf("apply carry-over: %w", err)
	}

	res := SettlementResult{
		InvoiceNumber:    inv.InvoiceNumber,
		InvoiceID:        inv.ID,
		TotalAmount:      inv.TotalAmount,
		CarryOverApplied: applied.AppliedAmount,
		RemainingAmount:  applied.RemainingAmount,
	}

	status := models.InvoiceStatusPaid
	if applied.RemainingAmount > 0 {
		status = models.InvoiceStatusPartial
		payment, err := s.delegate(ctx, q, inv, applied.RemainingAmount, adapter, opts)
		if err != nil {
			return SettlementResult{}, err
		}
		res.PaymentID = payment.ID
		res.Reference = payment.Reference
		res.PaymentURL = payment.PaymentURL
	}

	if err := s.Invoices.ApplyAmounts(ctx, q, inv, inv.PaidAmount, inv.CarryOverAmount+applied.AppliedAmount, status); err != nil {
		return SettlementResult{}, fmt.Errorf("update invoice %s: %w", inv.InvoiceNumber, err)
	}
	res.Status = status

	if applied.AppliedAmount > 0 {
		if _, err := s.Outbox.Enqueue(ctx, q, models.OutboxKindNotification, inv.ID, models.NotificationPayload{
			CustomerID: inv.CustomerID,
			Template:   models.TemplateCarryOverApplied,
			Variables: map[string]any{
				"invoice_number": inv.InvoiceNumber,
				"applied":        models.FormatMajor(applied.AppliedAmount),
				"remaining":      models.FormatMajor(applied.RemainingAmount),
				"currency":       inv.Currency,
			},
		}); err != nil {
			return SettlementResult{}, fmt.Errorf("enqueue notification: %w", err)
		}
		if err := s.enqueueExtension(ctx, q, inv.SubscriptionID, applied.AppliedAmount, inv.ID); err != nil {
			return SettlementResult{}, err
		}
	}
	return res, nil
}

// classifyToken explains why the conditional consumption matched no row.
func (s *PaymentService) classifyToken(ctx context.Context, q repositories.Querier, token string, now time.Time) error {
	tok, err := s.Tokens.GetByToken(ctx, q, token)
	switch {
	case errors.Is(err, models.ErrNoRecord):
		return models.ErrTokenNotFound
	case err != nil:
		return fmt.Errorf("load token: %w", err)
	case tok.IsUsed:
		return models.ErrTokenUsed
	case !tok.ExpiresAt.After(now):
		return models.ErrTokenExpired
	default:
		return models.ErrTokenConflict
	}
}

func (s *PaymentService) resolveInvoice(ctx context.Context, q repositories.Querier, tok models.PaymentToken) (models.Invoice, error) {
	if tok.InvoiceID != nil {
		inv, err := s.Invoices.GetByID(ctx, q, *tok.InvoiceID)
		if err != nil {
			return models.Invoice{}, fmt.Errorf("load invoice %s: %w", *tok.InvoiceID, err)
		}
		return inv, nil
	}
	if tok.Amount <= 0 {
		return models.Invoice{}, models.Validationf("token carries neither invoice nor amount")
	}
	now := q.Now()
	inv := models.Invoice{
		InvoiceNumber:  utils.InvoiceNumber(now),
		CustomerID:     tok.CustomerID,
		SubscriptionID: tok.SubscriptionID,
		Currency:       tok.Currency,
		TotalAmount:    tok.Amount,
		Status:         models.InvoiceStatusPending,
		Description:    tok.Description,
		DueDate:        now.AddDate(0, 0, s.Config.InvoiceDueDays),
	}
	if err := s.Invoices.Create(ctx, q, &inv); err != nil {
		return models.Invoice{}, fmt.Errorf("create invoice: %w", err)
	}
	if err := s.Tokens.LinkInvoice(ctx, q, tok.ID, inv.ID); err != nil {
		return models.Invoice{}, fmt.Errorf("link token to invoice: %w", err)
	}
	return inv, nil
}

// delegate opens the gateway payment for amount and records it as pending
// together with its durable status check.
func (s *PaymentService) delegate(ctx context.Context, q repositories.Querier, inv models.Invoice, amount int64, adapter GatewayAdapter, opts SettleOptions) (models.Payment, error) {
	customer := opts.Customer
	if customer.ID == 0 {
		customer.ID = inv.CustomerID
	}
	description := inv.Description
	if description == "" {
		description = "Invoice " + inv.InvoiceNumber
	}

	gctx, cancel := context.WithTimeout(ctx, s.Config.GatewayTimeout)
	defer cancel()
	start := time.Now()
	gp, err := adapter.CreatePayment(gctx, GatewayPaymentRequest{
		InvoiceNumber: inv.InvoiceNumber,
		Amount:        amount,
		Currency:      inv.Currency,
		Customer:      customer,
		Description:   description,
		ReturnURL:     opts.ReturnURL,
		CallbackURL:   opts.CallbackURL,
	})
	s.Metrics.GatewayCall(adapter.Name(), "create_payment", start, err)
	if err != nil {
		return models.Payment{}, &GatewayError{Method: adapter.Name(), Err: err}
	}

	payment := models.Payment{
		CustomerID:     inv.CustomerID,
		SubscriptionID: inv.SubscriptionID,
		InvoiceID:      inv.ID,
		Amount:         amount,
		Currency:       inv.Currency,
		Method:         adapter.Name(),
		Reference:      gp.Reference,
		PaymentURL:     gp.PaymentURL,
	}
	if err := s.Payments.Create(ctx, q, &payment); err != nil {
		return models.Payment{}, fmt.Errorf("store payment: %w", err)
	}
	if err := s.Checks.Schedule(ctx, q, payment.ID, payment.Method, q.Now().Add(s.Config.CheckDelay)); err != nil {
		return models.Payment{}, fmt.Errorf("schedule payment check: %w", err)
	}
	return payment, nil
}

func (s *PaymentService) enqueueExtension(ctx context.Context, q repositories.Querier, subscriptionID *int64, amount int64, aggregateID string) error {
	if subscriptionID == nil || amount <= 0 {
		return nil
	}
	if _, err := s.Outbox.Enqueue(ctx, q, models.OutboxKindSubscriptionExtend, aggregateID, models.SubscriptionExtendPayload{
		SubscriptionID: *subscriptionID,
		AmountPaid:     amount,
		PaymentID:      aggregateID,
	}); err != nil {
		return fmt.Errorf("enqueue subscription extension: %w", err)
	}
	return nil
}

func settlementLabel(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, models.ErrGateway):
		return "gateway_error"
	case errors.Is(err, models.ErrInvoiceSettled):
		return "invoice_settled"
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrConcurrencyConflict):
		return "conflict"
	default:
		return "error"
	}
}

// ------- CALLBACKS -------

const (
	CallbackProcessed = "processed"
	CallbackRejected  = "rejected"
	CallbackIgnored   = "ignored"
	CallbackDuplicate = "duplicate"
	CallbackPending   = "pending"
)

type CallbackOutcome struct {
	Result    string               `json:"result"`
	PaymentID string               `json:"payment_id,omitempty"`
	Status    models.PaymentStatus `json:"status,omitempty"`

	AckContentType string `json:"-"`
	AckBody        []byte `json:"-"`
}

// HandleCallback verifies and applies a gateway notification. Only an
// unknown method or an unparseable verified payload return an error; every
// other outcome is reported so the gateway gets acknowledged.
func (s *PaymentService) HandleCallback(ctx context.Context, method string, payload CallbackPayload) (CallbackOutcome, error) {
	adapter, err := s.Gateways.Get(method)
	if err != nil {
		return CallbackOutcome{}, fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	out, err := s.handleCallback(ctx, adapter, payload)
	if err != nil {
		s.Metrics.Callback(method, "error")
		return CallbackOutcome{}, err
	}
	s.Metrics.Callback(method, out.Result)
	return out, nil
}

func (s *PaymentService) handleCallback(ctx context.Context, adapter GatewayAdapter, payload CallbackPayload) (CallbackOutcome, error) {
	logger := s.Logger.With("op", "HandleCallback", "method", adapter.Name())
	if !adapter.VerifyCallback(payload) {
		logger.Warn("callback signature rejected")
		return CallbackOutcome{Result: CallbackRejected}, nil
	}
	cb, err := adapter.ParseCallback(payload)
	if err != nil {
		return CallbackOutcome{}, fmt.Errorf("parse callback: %w", err)
	}

	out := CallbackOutcome{}
	if ack, ok := adapter.(CallbackAcknowledger); ok {
		out.AckContentType, out.AckBody = ack.AckCallback(cb)
	}

	payment, err := s.Payments.GetByReference(ctx, s.Store.Q(), cb.Reference)
	if errors.Is(err, models.ErrNoRecord) {
		logger.Warn("callback for unknown reference", "reference", cb.Reference)
		out.Result = CallbackIgnored
		return out, nil
	}
	if err != nil {
		return CallbackOutcome{}, fmt.Errorf("load payment: %w", err)
	}
	out.PaymentID = payment.ID
	out.Status = payment.Status
	if payment.Status.IsTerminal() {
		out.Result = CallbackDuplicate
		return out, nil
	}

	var applied bool
	switch cb.Status {
	case GatewayStatusPaid:
		applied, err = s.finalizeSuccess(ctx, payment.ID, cb.Amount, cb.TransactionID)
		out.Status = models.PaymentStatusPaid
	case GatewayStatusFailed, GatewayStatusCancelled:
		reason := cb.Reason
		if reason == "" {
			reason = "gateway reported " + string(cb.Status)
		}
		applied, err = s.finalizeFailure(ctx, payment.ID, reason, cb.TransactionID)
		out.Status = models.PaymentStatusFailed
	default:
		out.Result = CallbackPending
		return out, nil
	}
	if err != nil {
		return CallbackOutcome{}, err
	}
	if !applied {
		out.Result = CallbackDuplicate
		return out, nil
	}
	out.Result = CallbackProcessed
	logger.Info("payment finalized", "payment_id", payment.ID, "status", out.Status)
	return out, nil
}

// finalizeSuccess marks a pending payment paid and credits its invoice.
// Whatever the gateway collected beyond the outstanding amount becomes
// carry-over credit. It reports false when the payment was not pending.
func (s *PaymentService) finalizeSuccess(ctx context.Context, paymentID string, received int64, transactionID string) (bool, error) {
	var (
		applied bool
		created int64
	)
	err := s.Store.InTx(ctx, func(q repositories.Querier) error {
		p, err := s.Payments.GetByID(ctx, q, paymentID)
		if err != nil {
			return fmt.Errorf("load payment %s: %w", paymentID, err)
		}
		if p.Status != models.PaymentStatusPending {
			return nil
		}
		if received <= 0 {
			received = p.Amount
		}
		ok, err := s.Payments.MarkPaid(ctx, q, p.ID, received, transactionID, q.Now())
		if err != nil {
			return fmt.Errorf("mark payment paid: %w", err)
		}
		if !ok {
			return nil
		}

		inv, err := s.Invoices.GetByID(ctx, q, p.InvoiceID)
		if err != nil {
			return fmt.Errorf("load invoice %s: %w", p.InvoiceID, err)
		}
		credited := min(received, inv.Outstanding())
		if credited > 0 {
			next := inv
			next.PaidAmount += credited
			if err := s.Invoices.ApplyAmounts(ctx, q, inv, next.PaidAmount, next.CarryOverAmount, next.SettledStatus()); err != nil {
				return fmt.Errorf("update invoice %s: %w", inv.InvoiceNumber, err)
			}
			inv = next
			inv.Status = next.SettledStatus()
		}

		carry, err := s.CarryOver.ProcessPayment(ctx, q, ExcessPayment{
			Amount:         received,
			InvoiceAmount:  credited,
			CustomerID:     p.CustomerID,
			SubscriptionID: p.SubscriptionID,
			PaymentID:      &p.ID,
			InvoiceID:      &inv.ID,
			Currency:       p.Currency,
		})
		if err != nil {
			return err
		}
		created = carry.Amount

		if err := s.enqueueExtension(ctx, q, p.SubscriptionID, credited, p.ID); err != nil {
			return err
		}
		if _, err := s.Outbox.Enqueue(ctx, q, models.OutboxKindNotification, p.ID, models.NotificationPayload{
			CustomerID: p.CustomerID,
			Template:   models.TemplatePaymentSuccess,
			Variables: map[string]any{
				"invoice_number": inv.InvoiceNumber,
				"amount":         models.FormatMajor(received),
				"credited":       models.FormatMajor(credited),
				"carry_over":     models.FormatMajor(carry.Amount),
				"currency":       p.Currency,
				"invoice_status": string(inv.Status),
			},
		}); err != nil {
			return fmt.Errorf("enqueue notification: %w", err)
		}
		if err := s.Checks.MarkDone(ctx, q, p.ID); err != nil {
			return fmt.Errorf("close payment check: %w", err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if applied && created > 0 {
		s.Logger.Info("overpayment carried over", "payment_id", paymentID, "amount", created)
	}
	return applied, nil
}

// finalizeFailure marks a pending payment failed. Carry-over already
// applied to the invoice stays applied.
func (s *PaymentService) finalizeFailure(ctx context.Context, paymentID, reason, transactionID string) (bool, error) {
	var applied bool
	err := s.Store.InTx(ctx, func(q repositories.Querier) error {
		p, err := s.Payments.GetByID(ctx, q, paymentID)
		if err != nil {
			return fmt.Errorf("load payment %s: %w", paymentID, err)
		}
		ok, err := s.Payments.MarkFailed(ctx, q, p.ID, reason, transactionID)
		if err != nil {
			return fmt.Errorf("mark payment failed: %w", err)
		}
		if !ok {
			return nil
		}
		if _, err := s.Outbox.Enqueue(ctx, q, models.OutboxKindNotification, p.ID, models.NotificationPayload{
			CustomerID: p.CustomerID,
			Template:   models.TemplatePaymentFailed,
			Variables: map[string]any{
				"amount":   models.FormatMajor(p.Amount),
				"currency": p.Currency,
				"reason":   reason,
			},
		}); err != nil {
			return fmt.Errorf("enqueue notification: %w", err)
		}
		if err := s.Checks.MarkDone(ctx, q, p.ID); err != nil {
			return fmt.Errorf("close payment check: %w", err)
		}
		applied = true
		return nil
	})
	return applied, err
}

// FailPayment finalizes a pending payment as failed. It reports false when
// the payment had already reached a terminal status.
func (s *PaymentService) FailPayment(ctx context.Context, paymentID, reason string) (bool, error) {
	return s.finalizeFailure(ctx, paymentID, reason, "")
}

// ------- STATUS CHECKS -------

// SchedulePaymentCheck arms the durable status check of a pending payment
// to run after delay.
func (s *PaymentService) SchedulePaymentCheck(ctx context.Context, paymentID string, delay time.Duration) error {
	q := s.Store.Q()
	p, err := s.Payments.GetByID(ctx, q, paymentID)
	if err != nil {
		return err
	}
	if p.Status.IsTerminal() {
		return models.Validationf("payment %s is already %s", p.ID, p.Status)
	}
	return s.Checks.Schedule(ctx, q, p.ID, p.Method, q.Now().Add(delay))
}

type CheckOutcome struct {
	Resolved bool                 `json:"resolved"`
	Status   models.PaymentStatus `json:"status"`
}

// RunPaymentCheck asks the gateway for the state of a pending payment and
// finalizes it when the gateway has an answer.
func (s *PaymentService) RunPaymentCheck(ctx context.Context, paymentID string) (CheckOutcome, error) {
	q := s.Store.Q()
	p, err := s.Payments.GetByID(ctx, q, paymentID)
	if err != nil {
		return CheckOutcome{}, err
	}
	if p.Status.IsTerminal() {
		if err := s.Checks.MarkDone(ctx, q, p.ID); err != nil {
			return CheckOutcome{}, err
		}
		return CheckOutcome{Resolved: true, Status: p.Status}, nil
	}
	adapter, err := s.Gateways.Get(p.Method)
	if err != nil {
		return CheckOutcome{}, err
	}

	gctx, cancel := context.WithTimeout(ctx, s.Config.GatewayTimeout)
	defer cancel()
	start := time.Now()
	st, err := adapter.CheckStatus(gctx, p.Reference)
	s.Metrics.GatewayCall(adapter.Name(), "check_status", start, err)
	if err != nil {
		return CheckOutcome{}, &GatewayError{Method: adapter.Name(), Err: err}
	}

	switch st.Status {
	case GatewayStatusPaid:
		if _, err := s.finalizeSuccess(ctx, p.ID, st.Amount, st.TransactionID); err != nil {
			return CheckOutcome{}, err
		}
	case GatewayStatusFailed, GatewayStatusCancelled:
		if _, err := s.finalizeFailure(ctx, p.ID, "gateway reported "+string(st.Status), st.TransactionID); err != nil {
			return CheckOutcome{}, err
		}
	default:
		return CheckOutcome{Resolved: false, Status: models.PaymentStatusPending}, nil
	}

	p, err = s.Payments.GetByID(ctx, s.Store.Q(), p.ID)
	if err != nil {
		return CheckOutcome{}, err
	}
	return CheckOutcome{Resolved: true, Status: p.Status}, nil
}

// ------- QUERIES -------

func (s *PaymentService) GetCarryOverBalance(ctx context.Context, customerID int64, subscriptionID *int64) (int64, error) {
	if customerID <= 0 {
		return 0, models.Validationf("customer_id is required")
	}
	return s.CarryOver.GetCarryOverBalance(ctx, customerID, subscriptionID)
}

// GetPaymentStatistics aggregates payments, invoices and carry-over credit.
func (s *PaymentService) GetPaymentStatistics(ctx context.Context, f models.StatisticsFilter) (models.PaymentStatistics, error) {
	if f.From != nil && f.To != nil && !f.From.Before(*f.To) {
		return models.PaymentStatistics{}, models.Validationf("from must be before to")
	}
	q := s.Store.Q()
	payments, received, err := s.Payments.Stats(ctx, q, f)
	if err != nil {
		return models.PaymentStatistics{}, fmt.Errorf("payment stats: %w", err)
	}
	invoices, err := s.Invoices.Stats(ctx, q, f)
	if err != nil {
		return models.PaymentStatistics{}, fmt.Errorf("invoice stats: %w", err)
	}
	totals, err := s.CarryOver.Balances.Totals(ctx, q, f.CustomerID, q.Now())
	if err != nil {
		return models.PaymentStatistics{}, fmt.Errorf("carry-over totals: %w", err)
	}
	return models.PaymentStatistics{
		Payments:  payments,
		Invoices:  invoices,
		Received:  received,
		CarryOver: totals,
	}, nil
}

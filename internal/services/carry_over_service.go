package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickicode/MikrotikBilling-sub004/internal/metrics"
	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
	"github.com/rickicode/MikrotikBilling-sub004/internal/repositories"
)

const defaultCarryOverValidityDays = 30

// CarryOverService tracks overpayment credit: creation, FIFO allocation to
// invoices, transfers between subscriptions and expiry.
type CarryOverService struct {
	Store        *repositories.Store
	Balances     *repositories.CarryOverRepository
	Audit        *repositories.AuditRepository
	Outbox       *repositories.OutboxRepository
	ValidityDays int
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

func NewCarryOverService(store *repositories.Store, validityDays int, logger *slog.Logger, m *metrics.Metrics) *CarryOverService {
	if validityDays <= 0 {
		validityDays = defaultCarryOverValidityDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CarryOverService{
		Store:        store,
		Balances:     repositories.NewCarryOverRepository(),
		Audit:        repositories.NewAuditRepository(),
		Outbox:       repositories.NewOutboxRepository(),
		ValidityDays: validityDays,
		Logger:       logger,
		Metrics:      m,
	}
}

// ExcessPayment describes a received amount checked against what it had to cover.
type ExcessPayment struct {
	Amount         int64
	InvoiceAmount  int64
	CustomerID     int64
	SubscriptionID *int64
	PaymentID      *string
	InvoiceID      *string
	Currency       string
	ValidityDays   int
}

type CarryOverResult struct {
	CarriedOver bool                     `json:"carried_over"`
	Amount      int64                    `json:"amount"`
	Balance     *models.CarryOverBalance `json:"balance,omitempty"`
}

// ProcessPayment turns the part of Amount above InvoiceAmount into a new
// balance. It runs inside the caller's transaction.
func (s *CarryOverService) ProcessPayment(ctx context.Context, q repositories.Querier, in ExcessPayment) (CarryOverResult, error) {
	excess := in.Amount - in.InvoiceAmount
	if excess <= 0 {
		return CarryOverResult{CarriedOver: false}, nil
	}
	if in.CustomerID <= 0 {
		return CarryOverResult{}, models.Validationf("customer_id is required")
	}
	days := in.ValidityDays
	if days <= 0 {
		days = s.ValidityDays
	}
	now := q.Now()
	b := &models.CarryOverBalance{
		CustomerID:        in.CustomerID,
		SubscriptionID:    in.SubscriptionID,
		OriginalAmount:    excess,
		Amount:            excess,
		Currency:          in.Currency,
		OriginalPaymentID: in.PaymentID,
		ExpiresAt:         now.AddDate(0, 0, days),
	}
	if err := s.Balances.Create(ctx, q, b); err != nil {
		return CarryOverResult{}, fmt.Errorf("create carry-over balance: %w", err)
	}
	if err := s.Audit.Append(ctx, q, &models.CarryOverAudit{
		BalanceID: b.ID,
		Action:    models.CarryOverCreated,
		Amount:    excess,
		InvoiceID: in.InvoiceID,
		PaymentID: in.PaymentID,
		Note:      "overpayment",
	}); err != nil {
		return CarryOverResult{}, fmt.Errorf("audit carry-over creation: %w", err)
	}
	if _, err := s.Outbox.Enqueue(ctx, q, models.OutboxKindCarryOverCreated, b.ID, models.NotificationPayload{
		CustomerID: in.CustomerID,
		Template:   models.TemplateCarryOverCreated,
		Variables: map[string]any{
			"amount":     models.FormatMajor(excess),
			"currency":   in.Currency,
			"expires_at": b.ExpiresAt.Format(time.DateOnly),
		},
	}); err != nil {
		return CarryOverResult{}, fmt.Errorf("enqueue carry-over event: %w", err)
	}
	s.Metrics.CarryOverCreated(excess)
	return CarryOverResult{CarriedOver: true, Amount: excess, Balance: b}, nil
}

// spendableFilter matches the balances ApplyCarryOver may spend for an
// invoice of subscriptionID: its own credit plus unassigned credit.
func spendableFilter(customerID int64, subscriptionID *int64) repositories.AvailableFilter {
	return repositories.AvailableFilter{
		CustomerID:        customerID,
		SubscriptionID:    subscriptionID,
		IncludeUnassigned: true,
	}
}

// GetAvailableBalances lists spendable balances in allocation order.
func (s *CarryOverService) GetAvailableBalances(ctx context.Context, customerID int64, subscriptionID *int64) ([]models.CarryOverBalance, error) {
	q := s.Store.Q()
	return s.Balances.ListAvailable(ctx, q, spendableFilter(customerID, subscriptionID), q.Now())
}

// GetCarryOverBalance totals the spendable credit of a customer.
func (s *CarryOverService) GetCarryOverBalance(ctx context.Context, customerID int64, subscriptionID *int64) (int64, error) {
	q := s.Store.Q()
	return s.Balances.SumAvailable(ctx, q, spendableFilter(customerID, subscriptionID), q.Now())
}

type ApplyRequest struct {
	CustomerID     int64
	InvoiceAmount  int64
	SubscriptionID *int64
	CarryOverIDs   []string
	Currency       string
	InvoiceID      *string
}

type ApplyResult struct {
	AppliedAmount   int64                 `json:"applied_amount"`
	RemainingAmount int64                 `json:"remaining_amount"`
	UsedBalances    []models.BalanceUsage `json:"used_balances"`
}

// ApplyCarryOver spends available balances against InvoiceAmount, soonest
// expiry first, inside the caller's transaction.
func (s *CarryOverService) ApplyCarryOver(ctx context.Context, q repositories.Querier, req ApplyRequest) (ApplyResult, error) {
	if req.InvoiceAmount <= 0 {
		return ApplyResult{}, models.Validationf("invoice amount must be positive")
	}
	if req.CustomerID <= 0 {
		return ApplyResult{}, models.Validationf("customer_id is required")
	}
	f := spendableFilter(req.CustomerID, req.SubscriptionID)
	f.IDs = req.CarryOverIDs
	f.Currency = req.Currency
	balances, err := s.Balances.ListAvailable(ctx, q, f, q.Now())
	if err != nil {
		return ApplyResult{}, fmt.Errorf("list carry-over balances: %w", err)
	}

	res := ApplyResult{RemainingAmount: req.InvoiceAmount, UsedBalances: []models.BalanceUsage{}}
	for _, b := range balances {
		if res.RemainingAmount == 0 {
			break
		}
		take := min(b.Amount, res.RemainingAmount)
		ok, err := s.Balances.Consume(ctx, q, b, take)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("consume balance %s: %w", b.ID, err)
		}
		if !ok {
			return ApplyResult{}, fmt.Errorf("consume balance %s: %w", b.ID, models.ErrConcurrencyConflict)
		}
		if err := s.Audit.Append(ctx, q, &models.CarryOverAudit{
			BalanceID: b.ID,
			Action:    models.CarryOverConsumed,
			Amount:    take,
			InvoiceID: req.InvoiceID,
		}); err != nil {
			return ApplyResult{}, fmt.Errorf("audit consumption: %w", err)
		}
		res.AppliedAmount += take
		res.RemainingAmount -= take
		res.UsedBalances = append(res.UsedBalances, models.BalanceUsage{
			BalanceID: b.ID,
			Amount:    take,
			Remaining: b.Amount - take,
			FullyUsed: b.Amount == take,
		})
	}
	return res, nil
}

// Apply is ApplyCarryOver in its own transaction.
func (s *CarryOverService) Apply(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	var res ApplyResult
	err := s.Store.InTx(ctx, func(q repositories.Querier) error {
		var err error
		res, err = s.ApplyCarryOver(ctx, q, req)
		return err
	})
	if err != nil {
		return ApplyResult{}, err
	}
	s.Metrics.CarryOverApplied(res.AppliedAmount)
	return res, nil
}

type TransferRequest struct {
	CustomerID         int64 `json:"customer_id"`
	FromSubscriptionID int64 `json:"from_subscription_id"`
	ToSubscriptionID   int64 `json:"to_subscription_id"`
	Amount             int64 `json:"amount"`
}

type TransferResult struct {
	Transferred int64                     `json:"transferred"`
	Created     []models.CarryOverBalance `json:"created"`
}

// TransferBalance moves credit between two subscriptions of one customer.
// Target balances keep the expiry, currency and origin of their source.
// Either the whole amount moves or nothing does.
func (s *CarryOverService) TransferBalance(ctx context.Context, req TransferRequest) (TransferResult, error) {
	switch {
	case req.CustomerID <= 0:
		return TransferResult{}, models.Validationf("customer_id is required")
	case req.Amount <= 0:
		return TransferResult{}, models.Validationf("amount must be positive")
	case req.FromSubscriptionID <= 0 || req.ToSubscriptionID <= 0:
		return TransferResult{}, models.Validationf("both subscriptions are required")
	case req.FromSubscriptionID == req.ToSubscriptionID:
		return TransferResult{}, models.Validationf("source and target subscription are the same")
	}

	var out TransferResult
	err := s.Store.InTx(ctx, func(q repositories.Querier) error {
		from := req.FromSubscriptionID
		balances, err := s.Balances.ListAvailable(ctx, q, repositories.AvailableFilter{
			CustomerID:     req.CustomerID,
			SubscriptionID: &from,
		}, q.Now())
		if err != nil {
			return fmt.Errorf("list source balances: %w", err)
		}
		var available int64
		for _, b := range balances {
			available += b.Amount
		}
		if available < req.Amount {
			return fmt.Errorf("%w: available %d, requested %d", models.ErrInsufficientBalance, available, req.Amount)
		}

		to := req.ToSubscriptionID
		remaining := req.Amount
		for _, b := range balances {
			if remaining == 0 {
				break
			}
			take := min(b.Amount, remaining)
			ok, err := s.Balances.Consume(ctx, q, b, take)
			if err != nil {
				return fmt.Errorf("consume balance %s: %w", b.ID, err)
			}
			if !ok {
				return fmt.Errorf("consume balance %s: %w", b.ID, models.ErrConcurrencyConflict)
			}
			sourceID := b.ID
			target := &models.CarryOverBalance{
				CustomerID:        b.CustomerID,
				SubscriptionID:    &to,
				OriginalAmount:    take,
				Amount:            take,
				Currency:          b.Currency,
				OriginalPaymentID: b.OriginalPaymentID,
				SourceBalanceID:   &sourceID,
				ExpiresAt:         b.ExpiresAt,
			}
			if err := s.Balances.Create(ctx, q, target); err != nil {
				return fmt.Errorf("create target balance: %w", err)
			}
			if err := s.Audit.Append(ctx, q, &models.CarryOverAudit{
				BalanceID: b.ID,
				Action:    models.CarryOverTransferredOut,
				Amount:    take,
				Note:      fmt.Sprintf("to subscription %d, balance %s", to, target.ID),
			}); err != nil {
				return err
			}
			if err := s.Audit.Append(ctx, q, &models.CarryOverAudit{
				BalanceID: target.ID,
				Action:    models.CarryOverTransferredIn,
				Amount:    take,
				Note:      fmt.Sprintf("from subscription %d, balance %s", from, b.ID),
			}); err != nil {
				return err
			}
			remaining -= take
			out.Transferred += take
			out.Created = append(out.Created, *target)
		}
		return nil
	})
	if err != nil {
		return TransferResult{}, err
	}
	s.Logger.Info("carry-over transferred",
		"customer_id", req.CustomerID, "from", req.FromSubscriptionID, "to", req.ToSubscriptionID, "amount", out.Transferred)
	return out, nil
}

// CleanupExpiredBalances voids every unused balance past its expiry and
// returns how many it voided. Each balance is voided in its own
// transaction; failures are collected and do not stop the sweep.
func (s *CarryOverService) CleanupExpiredBalances(ctx context.Context) (int, error) {
	q := s.Store.Q()
	expired, err := s.Balances.ListExpired(ctx, q, q.Now(), 0)
	if err != nil {
		return 0, fmt.Errorf("list expired balances: %w", err)
	}

	var (
		count int
		errs  []error
	)
	for _, b := range expired {
		var voided bool
		err := s.Store.InTx(ctx, func(q repositories.Querier) error {
			ok, err := s.Balances.Void(ctx, q, b.ID, models.VoidReasonExpired)
			if err != nil || !ok {
				return err
			}
			voided = true
			return s.Audit.Append(ctx, q, &models.CarryOverAudit{
				BalanceID: b.ID,
				Action:    models.CarryOverVoided,
				Amount:    b.Amount,
				Note:      models.VoidReasonExpired,
			})
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("void balance %s: %w", b.ID, err))
			continue
		}
		if voided {
			count++
		}
	}
	s.Metrics.CarryOverExpired(count)
	if count > 0 {
		s.Logger.Info("expired carry-over balances voided", "count", count)
	}
	return count, errors.Join(errs...)
}

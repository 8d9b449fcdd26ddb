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

type PaymentCheckConfig struct {
	InitialDelay time.Duration
	MaxAttempts  int
	Lease        time.Duration
}

func (c PaymentCheckConfig) withDefaults() PaymentCheckConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	return c
}

// PaymentCheckService runs the durable status checks of pending payments.
type PaymentCheckService struct {
	Store    *repositories.Store
	Checks   *repositories.PaymentCheckRepository
	Payments *PaymentService
	Config   PaymentCheckConfig
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func NewPaymentCheckService(store *repositories.Store, payments *PaymentService, cfg PaymentCheckConfig,
	logger *slog.Logger, m *metrics.Metrics) *PaymentCheckService {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentCheckService{
		Store:    store,
		Checks:   repositories.NewPaymentCheckRepository(),
		Payments: payments,
		Config:   cfg.withDefaults(),
		Logger:   logger,
		Metrics:  m,
	}
}

// nextDelay doubles the initial delay per completed attempt.
func (s *PaymentCheckService) nextDelay(attempts int) time.Duration {
	d := s.Config.InitialDelay
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}

// RunDue claims up to limit due checks and runs them. It returns the
// number of payments resolved.
func (s *PaymentCheckService) RunDue(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.Store.Q()
	checks, err := s.Checks.ListDue(ctx, q, q.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due payment checks: %w", err)
	}

	resolved := 0
	var errs []error
	for _, c := range checks {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.Checks.Claim(ctx, q, c, q.Now().Add(s.Config.Lease))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		done, err := s.runOne(ctx, c)
		if err != nil {
			errs = append(errs, fmt.Errorf("payment check %s: %w", c.PaymentID, err))
		}
		if done {
			resolved++
		}
	}
	return resolved, errors.Join(errs...)
}

func (s *PaymentCheckService) runOne(ctx context.Context, c models.PaymentCheck) (bool, error) {
	attempts := c.Attempts + 1
	logger := s.Logger.With("payment_id", c.PaymentID, "attempt", attempts)
	q := s.Store.Q()

	out, err := s.Payments.RunPaymentCheck(ctx, c.PaymentID)
	if errors.Is(err, models.ErrNoRecord) {
		s.Metrics.PaymentCheck("orphan")
		return false, s.Checks.MarkDone(ctx, q, c.PaymentID)
	}
	if err == nil && out.Resolved {
		s.Metrics.PaymentCheck("resolved")
		return true, nil
	}
	if err != nil {
		logger.Warn("payment status check failed", "err", err)
	}

	if attempts >= s.Config.MaxAttempts {
		// The gateway may still have collected the money, so the payment
		// stays pending for a late callback or an operator re-check.
		s.Metrics.PaymentCheck("exhausted")
		logger.Error("payment left pending after exhausting status checks",
			"method", c.Method, "max_attempts", s.Config.MaxAttempts)
		if derr := s.Checks.MarkDone(ctx, q, c.PaymentID); derr != nil {
			return false, derr
		}
		return false, err
	}

	s.Metrics.PaymentCheck("rescheduled")
	if rerr := s.Checks.Reschedule(ctx, q, c.ID, q.Now().Add(s.nextDelay(attempts+1))); rerr != nil {
		return false, rerr
	}
	return false, err
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/rickicode/MikrotikBilling-sub004/internal/metrics"
	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
	"github.com/rickicode/MikrotikBilling-sub004/internal/repositories"
)

type OutboxConfig struct {
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	// Lease bounds how long a claimed event stays invisible to other workers.
	Lease time.Duration
}

func (c OutboxConfig) withDefaults() OutboxConfig {
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 30 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 8
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	return c
}

// OutboxService delivers persisted side effects at least once.
type OutboxService struct {
	Store    *repositories.Store
	Outbox   *repositories.OutboxRepository
	Notifier NotificationDispatcher
	Extender SubscriptionExtender
	Config   OutboxConfig
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

func NewOutboxService(store *repositories.Store, notifier NotificationDispatcher, extender SubscriptionExtender,
	cfg OutboxConfig, logger *slog.Logger, m *metrics.Metrics) *OutboxService {
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxService{
		Store:    store,
		Outbox:   repositories.NewOutboxRepository(),
		Notifier: notifier,
		Extender: extender,
		Config:   cfg.withDefaults(),
		Logger:   logger,
		Metrics:  m,
	}
}

// Backoff returns the wait before the next attempt after attempts failures.
func (c OutboxConfig) Backoff(attempts int) time.Duration {
	c = c.withDefaults()
	d := c.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return d
}

// DispatchPending delivers up to limit due events and returns how many
// were delivered.
func (s *OutboxService) DispatchPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	q := s.Store.Q()
	events, err := s.Outbox.ListDue(ctx, q, q.Now(), limit)
	if err != nil {
		return 0, fmt.Errorf("list due outbox events: %w", err)
	}

	delivered := 0
	for _, ev := range events {
		if ctx.Err() != nil {
			break
		}
		ok, err := s.Outbox.Claim(ctx, q, ev, q.Now().Add(s.Config.Lease))
		if err != nil {
			return delivered, fmt.Errorf("claim outbox event %s: %w", ev.ID, err)
		}
		if !ok {
			continue
		}
		attempts := ev.Attempts + 1

		if derr := s.deliver(ctx, ev); derr != nil {
			s.Logger.Warn("outbox delivery failed", "id", ev.ID, "kind", ev.Kind, "attempt", attempts, "err", derr)
			if attempts >= s.Config.MaxAttempts {
				s.Metrics.OutboxDelivery(ev.Kind, "failed")
				if err := s.Outbox.MarkFailed(ctx, q, ev.ID, derr.Error()); err != nil {
					return delivered, err
				}
				continue
			}
			s.Metrics.OutboxDelivery(ev.Kind, "retry")
			if err := s.Outbox.MarkRetry(ctx, q, ev.ID, q.Now().Add(s.Config.Backoff(attempts)), derr.Error()); err != nil {
				return delivered, err
			}
			continue
		}
		if err := s.Outbox.MarkDelivered(ctx, q, ev.ID); err != nil {
			return delivered, err
		}
		s.Metrics.OutboxDelivery(ev.Kind, "delivered")
		delivered++
	}

	if pending, err := s.Outbox.CountPending(ctx, q); err == nil {
		s.Metrics.SetOutboxPending(pending)
	}
	return delivered, nil
}

func (s *OutboxService) deliver(ctx context.Context, ev models.OutboxEvent) error {
	switch ev.Kind {
	case models.OutboxKindNotification, models.OutboxKindCarryOverCreated:
		var p models.NotificationPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.Kind, err)
		}
		if s.Notifier == nil {
			return fmt.Errorf("no notification dispatcher configured")
		}
		return s.Notifier.SendNotification(ctx, p.CustomerID, p.Template, p.Variables)
	case models.OutboxKindSubscriptionExtend:
		var p models.SubscriptionExtendPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return fmt.Errorf("decode %s payload: %w", ev.Kind, err)
		}
		if s.Extender == nil {
			return fmt.Errorf("no subscription extender configured")
		}
		return s.Extender.Extend(ctx, ev.ID, p.SubscriptionID, p.AmountPaid)
	default:
		return fmt.Errorf("unknown outbox kind %q", ev.Kind)
	}
}

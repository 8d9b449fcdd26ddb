package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/rickicode/MikrotikBilling-sub004/internal/metrics"
	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
	"github.com/rickicode/MikrotikBilling-sub004/internal/repositories"
)

var testEpoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// stubGateway records what the ledger asks of it and answers from its fields.
type stubGateway struct {
	mu        sync.Mutex
	name      string
	created   []GatewayPaymentRequest
	createErr error
	status    GatewayPaymentStatus
	statusErr error
	checks    int
	reject    bool
}

func (g *stubGateway) Name() string { return g.name }

func (g *stubGateway) CreatePayment(_ context.Context, in GatewayPaymentRequest) (GatewayPayment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return GatewayPayment{}, g.createErr
	}
	g.created = append(g.created, in)
	ref := fmt.Sprintf("%s-%d", in.InvoiceNumber, len(g.created))
	return GatewayPayment{Reference: ref, PaymentURL: "https://pay.example/" + ref}, nil
}

func (g *stubGateway) CheckStatus(context.Context, string) (GatewayPaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	return g.status, g.statusErr
}

func (g *stubGateway) VerifyCallback(p CallbackPayload) bool {
	return !g.reject && p.Form.Get("sig") == "ok"
}

func (g *stubGateway) ParseCallback(p CallbackPayload) (CallbackResult, error) {
	amount, err := models.ParseMajor(p.Form.Get("amount"))
	if err != nil {
		return CallbackResult{}, models.Validationf("bad amount")
	}
	return CallbackResult{
		Reference:     p.Form.Get("ref"),
		Status:        GatewayStatus(p.Form.Get("status")),
		Amount:        amount,
		TransactionID: p.Form.Get("tx"),
	}, nil
}

func (g *stubGateway) requests() []GatewayPaymentRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GatewayPaymentRequest(nil), g.created...)
}

// recordingNotifier collects notifications and fails the first failures calls.
type recordingNotifier struct {
	mu       sync.Mutex
	failures int
	sent     []string
}

func (n *recordingNotifier) SendNotification(_ context.Context, _ int64, template string, _ map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failures > 0 {
		n.failures--
		return errors.New("smtp unavailable")
	}
	n.sent = append(n.sent, template)
	return nil
}

type testLedger struct {
	store     *repositories.Store
	now       time.Time
	gateway   *stubGateway
	carryOver *CarryOverService
	payments  *PaymentService
	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

func newTestLedger(t *testing.T) *testLedger {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "ledger.db") + "?_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	l := &testLedger{now: testEpoch}
	l.store = repositories.NewStore(db, repositories.DialectSQLite)
	l.store.SetClock(func() time.Time { return l.now })
	require.NoError(t, l.store.Migrate(context.Background()))

	l.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	l.registry = prometheus.NewRegistry()
	l.metrics = metrics.NewMetrics(l.registry)
	l.gateway = &stubGateway{name: "stub"}
	l.carryOver = NewCarryOverService(l.store, 30, l.logger, l.metrics)
	l.payments = NewPaymentService(l.store, l.carryOver, NewGatewayRegistry(l.gateway),
		NewMemoryMarker(100, time.Minute), PaymentConfig{}, l.logger, l.metrics)
	return l
}

func (l *testLedger) advance(d time.Duration) { l.now = l.now.Add(d) }

func (l *testLedger) addBalance(t *testing.T, customerID int64, subID *int64, amount int64, expiresIn time.Duration) models.CarryOverBalance {
	t.Helper()
	b := models.CarryOverBalance{
		CustomerID:     customerID,
		SubscriptionID: subID,
		Amount:         amount,
		Currency:       "KZT",
		ExpiresAt:      l.store.Now().Add(expiresIn),
	}
	require.NoError(t, l.carryOver.Balances.Create(context.Background(), l.store.Q(), &b))
	return b
}

func (l *testLedger) balance(t *testing.T, id string) models.CarryOverBalance {
	t.Helper()
	b, err := l.carryOver.Balances.GetByID(context.Background(), l.store.Q(), id)
	require.NoError(t, err)
	return b
}

func (l *testLedger) issue(t *testing.T, customerID int64, subID *int64, amount int64) models.PaymentToken {
	t.Helper()
	tok, err := l.payments.IssueToken(context.Background(), IssueTokenRequest{
		CustomerID:     customerID,
		SubscriptionID: subID,
		Amount:         amount,
	})
	require.NoError(t, err)
	return tok
}

func (l *testLedger) outbox(t *testing.T, kind string) []models.OutboxEvent {
	t.Helper()
	evs, err := l.payments.Outbox.ListByKind(context.Background(), l.store.Q(), kind)
	require.NoError(t, err)
	return evs
}

func int64p(v int64) *int64 { return &v }

const day = 24 * time.Hour

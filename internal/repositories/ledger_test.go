package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

func int64p(v int64) *int64 { return &v }

func TestTokenConsumeIsSingleUse(t *testing.T) {
	store, setNow := newTestStore(t)
	ctx := context.Background()
	q := store.Q()
	repo := NewTokenRepository()

	tok := &models.PaymentToken{Token: "tok-1", CustomerID: 7, Amount: 1000, Currency: "KZT", ExpiresAt: testEpoch.Add(time.Hour)}
	require.NoError(t, repo.Create(ctx, q, tok))

	ok, err := repo.Consume(ctx, q, "tok-1", q.Now())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Consume(ctx, q, "tok-1", q.Now())
	require.NoError(t, err)
	assert.False(t, ok, "second consume must lose")

	got, err := repo.GetByToken(ctx, q, "tok-1")
	require.NoError(t, err)
	assert.True(t, got.IsUsed)
	require.NotNil(t, got.UsedAt)

	expired := &models.PaymentToken{Token: "tok-2", CustomerID: 7, Amount: 1000, Currency: "KZT", ExpiresAt: testEpoch.Add(time.Minute)}
	require.NoError(t, repo.Create(ctx, q, expired))
	setNow(testEpoch.Add(2 * time.Minute))
	ok, err = repo.Consume(ctx, q, "tok-2", q.Now())
	require.NoError(t, err)
	assert.False(t, ok, "expired token must not be consumed")

	_, err = repo.GetByToken(ctx, q, "missing")
	assert.ErrorIs(t, err, models.ErrNoRecord)
}

func TestTokenLinkInvoiceOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	q := store.Q()
	repo := NewTokenRepository()

	tok := &models.PaymentToken{Token: "tok-1", CustomerID: 7, Amount: 1000, Currency: "KZT", ExpiresAt: testEpoch.Add(time.Hour)}
	require.NoError(t, repo.Create(ctx, q, tok))
	require.NoError(t, repo.LinkInvoice(ctx, q, tok.ID, "inv-1"))
	assert.Error(t, repo.LinkInvoice(ctx, q, tok.ID, "inv-2"))

	got, err := repo.GetByToken(ctx, q, "tok-1")
	require.NoError(t, err)
	require.NotNil(t, got.InvoiceID)
	assert.Equal(t, "inv-1", *got.InvoiceID)
}

func TestInvoiceApplyAmountsIsPinned(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	q := store.Q()
	repo := NewInvoiceRepo()

	inv := &models.Invoice{InvoiceNumber: "INV-1", CustomerID: 7, Currency: "KZT", TotalAmount: 10000}
	require.NoError(t, repo.Create(ctx, q, inv))
	assert.Equal(t, models.InvoiceStatusPending, inv.Status)

	require.NoError(t, repo.ApplyAmounts(ctx, q, *inv, 0, 2000, models.InvoiceStatusPartial))

	// a second writer holding the stale read loses
	err := repo.ApplyAmounts(ctx, q, *inv, 0, 3000, models.InvoiceStatusPartial)
	assert.ErrorIs(t, err, models.ErrConcurrencyConflict)

	cur, err := repo.GetByNumber(ctx, q, "INV-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2000), cur.CarryOverAmount)
	assert.Equal(t, int64(8000), cur.Outstanding())

	err = repo.ApplyAmounts(ctx, q, cur, 9000, 2000, models.InvoiceStatusPaid)
	assert.ErrorIs(t, err, models.ErrValidation, "overpaying an invoice is rejected")

	require.NoError(t, repo.ApplyAmounts(ctx, q, cur, 8000, 2000, models.InvoiceStatusPaid))
	cur, err = repo.GetByID(ctx, q, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InvoiceStatusPaid, cur.Status)

	err = repo.ApplyAmounts(ctx, q, cur, 8000, 2000, models.InvoiceStatusPartial)
	assert.ErrorIs(t, err, models.ErrValidation, "status never regresses")
}

func TestCarryOverAvailableOrderAndConsume(t *testing.T) {
	store, setNow := newTestStore(t)
	ctx := context.Background()
	q := store.Q()
	repo := NewCarryOverRepository()
	sub := int64p(3)

	later := &models.CarryOverBalance{CustomerID: 7, SubscriptionID: sub, Amount: 500, Currency: "KZT", ExpiresAt: testEpoch.AddDate(0, 0, 20)}
	sooner := &models.CarryOverBalance{CustomerID: 7, SubscriptionID: sub, Amount: 300, Currency: "KZT", ExpiresAt: testEpoch.AddDate(0, 0, 10)}
	unassigned := &models.CarryOverBalance{CustomerID: 7, Amount: 50, Currency: "KZT", ExpiresAt: testEpoch.AddDate(0, 0, 30)}
	other := &models.CarryOverBalance{CustomerID: 8, SubscriptionID: sub, Amount: 900, Currency: "KZT", ExpiresAt: testEpoch.AddDate(0, 0, 1)}
	for _, b := range []*models.CarryOverBalance{later, sooner, unassigned, other} {
		require.NoError(t, repo.Create(ctx, q, b))
	}
	assert.Equal(t, int64(500), later.OriginalAmount)

	list, err := repo.ListAvailable(ctx, q, AvailableFilter{CustomerID: 7, SubscriptionID: sub}, q.Now())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, sooner.ID, list[0].ID)
	assert.Equal(t, later.ID, list[1].ID)

	list, err = repo.ListAvailable(ctx, q, AvailableFilter{CustomerID: 7, SubscriptionID: sub, IncludeUnassigned: true}, q.Now())
	require.NoError(t, err)
	assert.Len(t, list, 3)

	first := list[0]
	ok, err := repo.Consume(ctx, q, first, 300)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Consume(ctx, q, first, 100)
	require.NoError(t, err)
	assert.False(t, ok, "stale read must not consume again")

	_, err = repo.Consume(ctx, q, list[1], 501)
	assert.ErrorIs(t, err, models.ErrValidation)

	got, err := repo.GetByID(ctx, q, sooner.ID)
	require.NoError(t, err)
	assert.True(t, got.IsUsed)
	assert.Equal(t, int64(0), got.Amount)
	assert.Equal(t, int64(300), got.UsedAmount)
	assert.Equal(t, got.OriginalAmount, got.Amount+got.UsedAmount)

	ok, err = repo.Consume(ctx, q, list[1], 200)
	require.NoError(t, err)
	require.True(t, ok)
	got, err = repo.GetByID(ctx, q, later.ID)
	require.NoError(t, err)
	assert.False(t, got.IsUsed)
	assert.Equal(t, int64(300), got.Amount)

	sum, err := repo.SumAvailable(ctx, q, AvailableFilter{CustomerID: 7, SubscriptionID: sub}, q.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(300), sum)
	sum, err = repo.SumAvailable(ctx, q, AvailableFilter{CustomerID: 7, SubscriptionID: sub, IncludeUnassigned: true}, q.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(350), sum)
	sum, err = repo.SumAvailable(ctx, q, AvailableFilter{CustomerID: 7}, q.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(350), sum)

	setNow(testEpoch.AddDate(0, 0, 25))
	expired, err := repo.ListExpired(ctx, q, q.Now(), 0)
	require.NoError(t, err)
	require.Len(t, expired, 2)
	assert.Equal(t, other.ID, expired[0].ID)
	assert.Equal(t, later.ID, expired[1].ID)

	ok, err = repo.Void(ctx, q, later.ID, models.VoidReasonExpired)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Void(ctx, q, later.ID, models.VoidReasonExpired)
	require.NoError(t, err)
	assert.False(t, ok)

	totals, err := repo.Totals(ctx, q, 7, q.Now())
	require.NoError(t, err)
	assert.Equal(t, models.CarryOverTotals{Available: 50, Consumed: 500, Voided: 300, Issued: 850}, totals)
}

func TestAuditAppendAndList(t *testing.T) {
	store, setNow := newTestStore(t)
	ctx := context.Background()
	q := store.Q()
	repo := NewAuditRepository()

	inv := "inv-1"
	require.NoError(t, repo.Append(ctx, q, &models.CarryOverAudit{BalanceID: "b-1", Action: models.CarryOverCreated, Amount: 2000}))
	setNow(testEpoch.Add(time.Minute))
	require.NoError(t, repo.Append(ctx, q, &models.CarryOverAudit{BalanceID: "b-1", Action: models.CarryOverConsumed, Amount: 500, InvoiceID: &inv}))

	entries, err := repo.ListByBalance(ctx, q, "b-1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.CarryOverCreated, entries[0].Action)
	assert.Equal(t, models.CarryOverConsumed, entries[1].Action)
	require.NotNil(t, entries[1].InvoiceID)
	assert.Equal(t, inv, *entries[1].InvoiceID)
}

func TestOutboxClaimRetryDeliver(t *testing.T) {
	store, setNow := newTestStore(t)
	ctx := context.Background()
	q := store.Q()
	repo := NewOutboxRepository()

	ev, err := repo.Enqueue(ctx, q, models.OutboxKindNotification, "inv-1", models.NotificationPayload{CustomerID: 7, Template: models.TemplatePaymentSuccess})
	require.NoError(t, err)

	due, err := repo.ListDue(ctx, q, q.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.JSONEq(t, `{"customer_id":7,"template":"payment_success"}`, string(due[0].Payload))

	ok, err := repo.Claim(ctx, q, due[0], q.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Claim(ctx, q, due[0], q.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, ok, "a claimed event cannot be claimed from a stale read")

	due, err = repo.ListDue(ctx, q, q.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "leased events are not due")

	require.NoError(t, repo.MarkRetry(ctx, q, ev.ID, q.Now().Add(30*time.Second), "timeout"))
	setNow(testEpoch.Add(30 * time.Second))
	due, err = repo.ListDue(ctx, q, q.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)
	require.NotNil(t, due[0].LastError)
	assert.Equal(t, "timeout", *due[0].LastError)

	require.NoError(t, repo.MarkDelivered(ctx, q, ev.ID))
	n, err := repo.CountPending(ctx, q)
	require.NoError(t, err)
	assert.Zero(t, n)

	all, err := repo.ListByKind(ctx, q, models.OutboxKindNotification)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.NotNil(t, all[0].DeliveredAt)
	assert.Nil(t, all[0].LastError)
}

func TestPaymentCheckLifecycle(t *testing.T) {
	store, setNow := newTestStore(t)
	ctx := context.Background()
	q := store.Q()
	repo := NewPaymentCheckRepository()

	require.NoError(t, repo.Schedule(ctx, q, "pay-1", "airbapay", testEpoch.Add(5*time.Minute)))
	due, err := repo.ListDue(ctx, q, q.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	setNow(testEpoch.Add(5 * time.Minute))
	due, err = repo.ListDue(ctx, q, q.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	checkID := due[0].ID

	ok, err := repo.Claim(ctx, q, due[0], q.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.Claim(ctx, q, due[0], q.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, ok)

	due, err = repo.ListDue(ctx, q, q.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, due, "leased checks are not due")

	require.NoError(t, repo.Reschedule(ctx, q, checkID, q.Now().Add(10*time.Minute)))
	c, err := repo.GetByPayment(ctx, q, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, 1, c.Attempts)
	assert.Nil(t, c.LockedUntil)

	// re-arming resets attempts
	require.NoError(t, repo.Schedule(ctx, q, "pay-1", "airbapay", q.Now()))
	c, err = repo.GetByPayment(ctx, q, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, 0, c.Attempts)

	require.NoError(t, repo.MarkDone(ctx, q, "pay-1"))
	due, err = repo.ListDue(ctx, q, q.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = repo.GetByPayment(ctx, q, "pay-2")
	assert.ErrorIs(t, err, models.ErrNoRecord)
}

func TestPaymentMarkPaidOnce(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	q := store.Q()
	repo := NewPaymentRepository()

	p := &models.Payment{CustomerID: 7, InvoiceID: "inv-1", Amount: 8000, Currency: "KZT", Method: "airbapay", Reference: "INV-1-ab"}
	require.NoError(t, repo.Create(ctx, q, p))
	assert.Equal(t, models.PaymentStatusPending, p.Status)

	ok, err := repo.MarkPaid(ctx, q, p.ID, 10000, "tx-1", q.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.MarkPaid(ctx, q, p.ID, 10000, "tx-1", q.Now())
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = repo.MarkFailed(ctx, q, p.ID, "late failure", "")
	require.NoError(t, err)
	assert.False(t, ok, "paid payments never fail")

	got, err := repo.GetByReference(ctx, q, "INV-1-ab")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPaid, got.Status)
	assert.Equal(t, int64(10000), got.ReceivedAmount)
	require.NotNil(t, got.TransactionID)
	assert.Equal(t, "tx-1", *got.TransactionID)

	stats, received, err := repo.Stats(ctx, q, models.StatisticsFilter{})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAggregate{Count: 1, Amount: 8000}, stats[models.PaymentStatusPaid])
	assert.Equal(t, int64(10000), received)

	list, err := repo.ListByInvoice(ctx, q, "inv-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSubscriptionExtend(t *testing.T) {
	store, setNow := newTestStore(t)
	ctx := context.Background()
	repo := NewSubscriptionRepository(store)

	require.NoError(t, repo.Save(ctx, store.Q(), models.Subscription{
		ID: 3, CustomerID: 7, Price: 10000, PeriodDays: 30, ExpiresAt: testEpoch.AddDate(0, 0, 5),
	}))

	// half the price buys half the period on top of the current expiry
	require.NoError(t, repo.Extend(ctx, "ev-1", 3, 5000))
	sub, err := repo.Get(ctx, store.Q(), 3)
	require.NoError(t, err)
	assert.True(t, sub.ExpiresAt.Equal(testEpoch.AddDate(0, 0, 20)), sub.ExpiresAt)

	// the same grant applied twice extends once
	require.NoError(t, repo.Extend(ctx, "ev-1", 3, 5000))
	sub, err = repo.Get(ctx, store.Q(), 3)
	require.NoError(t, err)
	assert.True(t, sub.ExpiresAt.Equal(testEpoch.AddDate(0, 0, 20)), sub.ExpiresAt)
	applied, err := repo.ExtensionApplied(ctx, store.Q(), "ev-1")
	require.NoError(t, err)
	assert.True(t, applied)

	// a lapsed plan extends from now
	setNow(testEpoch.AddDate(0, 1, 0))
	require.NoError(t, repo.Extend(ctx, "ev-2", 3, 10000))
	sub, err = repo.Get(ctx, store.Q(), 3)
	require.NoError(t, err)
	assert.True(t, sub.ExpiresAt.Equal(testEpoch.AddDate(0, 1, 30)), sub.ExpiresAt)

	assert.ErrorIs(t, repo.Extend(ctx, "ev-3", 99, 100), models.ErrNoRecord)
	assert.Error(t, repo.Extend(ctx, "ev-4", 3, 0))
	assert.Error(t, repo.Extend(ctx, "", 3, 100))

	applied, err = repo.ExtensionApplied(ctx, store.Q(), "ev-3")
	require.NoError(t, err)
	assert.False(t, applied, "a failed grant leaves no record")
}

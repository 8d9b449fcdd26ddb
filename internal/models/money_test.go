package models

import (
	"errors"
	"testing"
	"time"
)

func TestParseMajor(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1500.75", 150075, false},
		{"1500.7", 150070, false},
		{"1500", 150000, false},
		{" 80.00 ", 8000, false},
		{".5", 50, false},
		{"100.000000", 10000, false},
		{"-12.30", -1230, false},
		{"0.001", 0, true},
		{"", 0, true},
		{"12,50", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseMajor(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMajor(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMajor(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatMajor(t *testing.T) {
	tests := map[int64]string{
		150075: "1500.75",
		8000:   "80.00",
		5:      "0.05",
		0:      "0.00",
		-1230:  "-12.30",
	}
	for in, want := range tests {
		if got := FormatMajor(in); got != want {
			t.Errorf("FormatMajor(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestMajorConversionRoundsToMinorUnits(t *testing.T) {
	if got := FromMajor(120.5); got != 12050 {
		t.Errorf("FromMajor(120.5) = %d", got)
	}
	if got := FromMajor(0.29); got != 29 {
		t.Errorf("FromMajor(0.29) = %d", got)
	}
	if got := ToMajor(150075); got != 1500.75 {
		t.Errorf("ToMajor(150075) = %v", got)
	}
}

func TestInvoiceOutstandingAndStatus(t *testing.T) {
	inv := Invoice{TotalAmount: 1000}
	if inv.Outstanding() != 1000 {
		t.Fatalf("outstanding = %d", inv.Outstanding())
	}

	inv.CarryOverAmount = 300
	if inv.Outstanding() != 700 || inv.SettledStatus() != InvoiceStatusPartial {
		t.Errorf("after carry-over: outstanding %d status %s", inv.Outstanding(), inv.SettledStatus())
	}

	inv.PaidAmount = 900
	if inv.Outstanding() != 0 {
		t.Errorf("overcovered invoice outstanding = %d", inv.Outstanding())
	}
	if inv.SettledStatus() != InvoiceStatusPaid {
		t.Errorf("status = %s", inv.SettledStatus())
	}

	if InvoiceStatusRank(InvoiceStatusPaid) <= InvoiceStatusRank(InvoiceStatusPartial) ||
		InvoiceStatusRank(InvoiceStatusPartial) <= InvoiceStatusRank(InvoiceStatusPending) {
		t.Error("status ranks are not ordered")
	}
	if InvoiceStatusRank("refunded") != -1 {
		t.Error("unknown statuses must rank below pending")
	}
}

func TestSubscriptionExtensionFor(t *testing.T) {
	sub := Subscription{Price: 10000, PeriodDays: 30}
	tests := []struct {
		paid int64
		want time.Duration
	}{
		{10000, 30 * 24 * time.Hour},
		{5000, 15 * 24 * time.Hour},
		{400, 28 * time.Hour},
		{0, 0},
	}
	for _, tt := range tests {
		if got := sub.ExtensionFor(tt.paid); got != tt.want {
			t.Errorf("ExtensionFor(%d) = %s, want %s", tt.paid, got, tt.want)
		}
	}
	if got := (Subscription{PeriodDays: 30}).ExtensionFor(100); got != 0 {
		t.Errorf("free plan extension = %s", got)
	}
}

func TestCarryOverBalanceAvailable(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	b := CarryOverBalance{Amount: 100, ExpiresAt: now.Add(time.Hour)}
	if !b.Available(now) {
		t.Error("fresh balance should be available")
	}
	if b.Available(now.Add(time.Hour)) {
		t.Error("a balance is unavailable at its expiry instant")
	}
	b.IsUsed = true
	if b.Available(now) {
		t.Error("used balance should not be available")
	}
}

func TestTokenErrorsMatchInvalidToken(t *testing.T) {
	for _, err := range []error{ErrTokenNotFound, ErrTokenExpired, ErrTokenUsed, ErrTokenInFlight, ErrTokenConflict} {
		if !errors.Is(err, ErrInvalidToken) {
			t.Errorf("%v does not match ErrInvalidToken", err)
		}
	}
	if !errors.Is(ErrTokenConflict, ErrConcurrencyConflict) {
		t.Error("token conflict should also match ErrConcurrencyConflict")
	}
	if err := Validationf("amount %d", -1); !errors.Is(err, ErrValidation) || err.Error() != "validation failed: amount -1" {
		t.Errorf("Validationf = %v", err)
	}
	if !PaymentStatusPaid.IsTerminal() || !PaymentStatusFailed.IsTerminal() || PaymentStatusPending.IsTerminal() {
		t.Error("terminal statuses are paid and failed")
	}
}

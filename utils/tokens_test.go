package utils

import (
	"regexp"
	"testing"
	"time"
)

func TestManagerRoundTrip(t *testing.T) {
	m, err := NewManager("signing-key")
	if err != nil {
		t.Fatal(err)
	}
	token, err := m.NewJWT(42, RoleAdmin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := m.Parse(token)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.UserID != 42 || claims.Role != RoleAdmin || claims.Subject != "42" {
		t.Errorf("claims = %+v", claims)
	}
}

func TestManagerRejects(t *testing.T) {
	if _, err := NewManager(""); err == nil {
		t.Error("empty signing key accepted")
	}

	m, _ := NewManager("one")
	other, _ := NewManager("two")
	token, err := other.NewJWT(1, "operator", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Parse(token); err == nil {
		t.Error("token signed with another key accepted")
	}

	expired, err := m.NewJWT(1, "operator", -time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Parse(expired); err == nil {
		t.Error("expired token accepted")
	}
	if _, err := m.Parse("not.a.jwt"); err == nil {
		t.Error("garbage accepted")
	}
}

func TestNewPaymentToken(t *testing.T) {
	seen := make(map[string]bool)
	hex64 := regexp.MustCompile(`^[0-9a-f]{64}$`)
	for range 100 {
		tok, err := NewPaymentToken()
		if err != nil {
			t.Fatal(err)
		}
		if !hex64.MatchString(tok) {
			t.Fatalf("token %q is not 64 hex characters", tok)
		}
		if seen[tok] {
			t.Fatalf("duplicate token %q", tok)
		}
		seen[tok] = true
	}
}

func TestInvoiceNumber(t *testing.T) {
	now := time.Date(2024, 3, 1, 23, 30, 0, 0, time.FixedZone("ALMT", 6*3600))
	re := regexp.MustCompile(`^INV20240301[A-HJ-NP-Z2-9]{6}$`)
	for range 50 {
		if n := InvoiceNumber(now); !re.MatchString(n) {
			t.Fatalf("invoice number %q does not match %s", n, re)
		}
	}
}

package utils

import "testing"

func TestHMACSignature(t *testing.T) {
	body := []byte(`{"customer_id":7,"template":"payment_success"}`)
	sig := SignHMAC(body, "secret")
	if len(sig) != 64 {
		t.Fatalf("signature %q is not hex sha256", sig)
	}
	if !VerifyHMAC(body, sig, "secret") {
		t.Fatal("expected signature to be valid")
	}
	if VerifyHMAC(body, sig, "other") {
		t.Fatal("signature valid under another secret")
	}
	if VerifyHMAC([]byte(`{"customer_id":8}`), sig, "secret") {
		t.Fatal("signature valid for another body")
	}
	if VerifyHMAC(body, "not-hex", "secret") {
		t.Fatal("malformed signature accepted")
	}
}

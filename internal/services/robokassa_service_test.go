package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func newTestRobokassa(t *testing.T, stateURL string) *RobokassaService {
	t.Helper()
	svc, err := NewRobokassaService(RobokassaConfig{
		MerchantLogin: "isp",
		Password1:     "p1",
		Password2:     "p2",
		StateURL:      stateURL,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func TestRobokassaCreatePayment(t *testing.T) {
	svc := newTestRobokassa(t, "")

	res, err := svc.CreatePayment(context.Background(), GatewayPaymentRequest{
		InvoiceNumber: "INV-1",
		Amount:        150075,
		Currency:      "RUB",
		Description:   "internet",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	u, err := url.Parse(res.PaymentURL)
	if err != nil {
		t.Fatalf("bad url: %v", err)
	}
	q := u.Query()
	if q.Get("OutSum") != "1500.75" {
		t.Errorf("OutSum mismatch: %q", q.Get("OutSum"))
	}
	if q.Get("InvId") != res.Reference {
		t.Errorf("InvId %q should be the reference %q", q.Get("InvId"), res.Reference)
	}
	want := strings.ToUpper(md5Hex("isp:1500.75:" + res.Reference + ":p1"))
	if q.Get("SignatureValue") != want {
		t.Errorf("signature mismatch: %q != %q", q.Get("SignatureValue"), want)
	}
	if q.Has("OutSumCurrency") {
		t.Errorf("RUB must not set OutSumCurrency")
	}

	next, _ := svc.CreatePayment(context.Background(), GatewayPaymentRequest{Amount: 100, Currency: "KZT"})
	if next.Reference == res.Reference {
		t.Errorf("references must be unique")
	}
	nq, _ := url.Parse(next.PaymentURL)
	want = strings.ToUpper(md5Hex("isp:1.00:" + next.Reference + ":KZT:p1"))
	if nq.Query().Get("SignatureValue") != want {
		t.Errorf("currency must be part of the signature")
	}
}

func TestRobokassaCallback(t *testing.T) {
	svc := newTestRobokassa(t, "")
	form := url.Values{}
	form.Set("OutSum", "100.00")
	form.Set("InvId", "1700000000000001")
	form.Set("SignatureValue", strings.ToUpper(md5Hex("100.00:1700000000000001:p2")))

	if !svc.VerifyCallback(CallbackPayload{Form: form}) {
		t.Fatalf("expected valid signature")
	}
	if !svc.VerifyCallback(CallbackPayload{Body: []byte(form.Encode())}) {
		t.Fatalf("expected valid signature from raw body")
	}

	res, err := svc.ParseCallback(CallbackPayload{Form: form})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Reference != "1700000000000001" || res.Amount != 10000 || res.Status != GatewayStatusPaid {
		t.Errorf("unexpected result %+v", res)
	}
	ct, body := svc.AckCallback(res)
	if string(body) != "OK1700000000000001" || !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected ack %q %q", ct, body)
	}

	form.Set("OutSum", "1000.00")
	if svc.VerifyCallback(CallbackPayload{Form: form}) {
		t.Errorf("tampered amount must not verify")
	}
}

func TestRobokassaCheckStatus(t *testing.T) {
	responses := map[string]string{
		"100": `<?xml version="1.0" encoding="utf-8"?>
<OperationStateResponse xmlns="http://merchant.roboxchange.com/WebService/">
  <Result><Code>0</Code></Result>
  <State><Code>100</Code></State>
  <Info><OutSum>80.00</OutSum></Info>
</OperationStateResponse>`,
		"60": `<OperationStateResponse><Result><Code>0</Code></Result><State><Code>60</Code></State></OperationStateResponse>`,
		"50": `<OperationStateResponse><Result><Code>0</Code></Result><State><Code>50</Code></State></OperationStateResponse>`,
		"3":  `<OperationStateResponse><Result><Code>3</Code><Description>not found</Description></Result></OperationStateResponse>`,
		"1":  `<OperationStateResponse><Result><Code>1</Code><Description>bad signature</Description></Result></OperationStateResponse>`,
	}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("Signature") != md5Hex("isp:"+q.Get("InvoiceID")+":p2") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(responses[q.Get("InvoiceID")]))
	}))
	defer ts.Close()
	svc := newTestRobokassa(t, ts.URL)

	cases := []struct {
		ref    string
		want   GatewayStatus
		amount int64
	}{
		{"100", GatewayStatusPaid, 8000},
		{"60", GatewayStatusFailed, 0},
		{"50", GatewayStatusPending, 0},
		{"3", GatewayStatusPending, 0},
	}
	for _, tc := range cases {
		st, err := svc.CheckStatus(context.Background(), tc.ref)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.ref, err)
		}
		if st.Status != tc.want || st.Amount != tc.amount {
			t.Errorf("%s: got %+v", tc.ref, st)
		}
	}

	if _, err := svc.CheckStatus(context.Background(), "1"); err == nil {
		t.Errorf("expected error for a failed state request")
	}
}

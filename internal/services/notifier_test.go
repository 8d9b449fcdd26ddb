package services

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rickicode/MikrotikBilling-sub004/utils"
)

func TestWebhookNotifierSignsBody(t *testing.T) {
	var (
		got       webhookNotification
		signature string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		signature = r.Header.Get("X-Signature")
		if !utils.VerifyHMAC(body, signature, "hook-secret") {
			http.Error(w, "bad signature", http.StatusUnauthorized)
			return
		}
		_ = json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Secret: "hook-secret", Client: srv.Client()}
	err := n.SendNotification(context.Background(), 7, "payment_success", map[string]any{"amount": "80.00"})
	require.NoError(t, err)
	assert.NotEmpty(t, signature)
	assert.Equal(t, int64(7), got.CustomerID)
	assert.Equal(t, "payment_success", got.Template)
	assert.Equal(t, "80.00", got.Variables["amount"])
	assert.False(t, got.SentAt.IsZero())
}

func TestWebhookNotifierReportsRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "relay offline", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	n := &WebhookNotifier{URL: srv.URL, Client: srv.Client()}
	err := n.SendNotification(context.Background(), 7, "payment_failed", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "relay offline")
}

func TestWebhookNotifierWithoutURLOnlyLogs(t *testing.T) {
	n := &WebhookNotifier{}
	assert.NoError(t, n.SendNotification(context.Background(), 7, "carry_over_created", nil))
}

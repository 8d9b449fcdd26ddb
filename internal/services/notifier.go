package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/rickicode/MikrotikBilling-sub004/utils"
)

// NotificationDispatcher delivers a templated message to a subscriber.
type NotificationDispatcher interface {
	SendNotification(ctx context.Context, customerID int64, template string, vars map[string]any) error
}

// SubscriptionExtender grants access time for a paid amount. Calls with an
// extensionID that was already applied must not extend again.
type SubscriptionExtender interface {
	Extend(ctx context.Context, extensionID string, subscriptionID, amountPaid int64) error
}

// WebhookNotifier posts notifications as JSON to an external messaging
// service (WhatsApp/SMS relay). With a Secret the body is signed with
// HMAC-SHA256 in X-Signature. With no URL it only logs.
type WebhookNotifier struct {
	URL    string
	Secret string
	Client *http.Client
	Logger *slog.Logger
}

type webhookNotification struct {
	CustomerID int64          `json:"customer_id"`
	Template   string         `json:"template"`
	Variables  map[string]any `json:"variables,omitempty"`
	SentAt     time.Time      `json:"sent_at"`
}

func (n *WebhookNotifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}

func (n *WebhookNotifier) SendNotification(ctx context.Context, customerID int64, template string, vars map[string]any) error {
	if n.URL == "" {
		n.logger().Info("notification", "customer_id", customerID, "template", template, "vars", vars)
		return nil
	}
	body, err := json.Marshal(webhookNotification{
		CustomerID: customerID,
		Template:   template,
		Variables:  vars,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.Secret != "" {
		req.Header.Set("X-Signature", utils.SignHMAC(body, n.Secret))
	}
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notification request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("notification webhook: %s: %s", resp.Status, trim(string(b), 500))
	}
	return nil
}

package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
	"github.com/rickicode/MikrotikBilling-sub004/internal/services"
)

type SettlementHandler struct {
	Service *services.PaymentService
	Logger  *slog.Logger
}

func NewSettlementHandler(s *services.PaymentService, logger *slog.Logger) *SettlementHandler {
	return &SettlementHandler{Service: s, Logger: logger}
}

// POST /payment-tokens
// { "invoice_id": "..." } or { "customer_id": 7, "subscription_id": 3, "amount": 10000 }
func (h *SettlementHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		services.IssueTokenRequest
		TTLHours int `json:"ttl_hours,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.TTLHours < 0 {
		writeError(w, h.Logger, models.Validationf("ttl_hours must not be negative"))
		return
	}
	req.IssueTokenRequest.TTL = time.Duration(req.TTLHours) * time.Hour

	tok, err := h.Service.IssueToken(r.Context(), req.IssueTokenRequest)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

// POST /pay/:token
// { "method": "airbapay", "return_url": "...", "customer": {"name": "..."} }
// The gateway callback always goes to the configured URL; a public caller
// cannot redirect it.
func (h *SettlementHandler) Settle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Method    string            `json:"method"`
		ReturnURL string            `json:"return_url"`
		Customer  services.Customer `json:"customer"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Method == "" {
		req.Method = r.URL.Query().Get("method")
	}

	res, err := h.Service.Settle(r.Context(), getParam(r, "token"), strings.ToLower(req.Method), services.SettleOptions{
		ReturnURL: req.ReturnURL,
		Customer:  req.Customer,
	})
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// POST /payments/:id/check
func (h *SettlementHandler) CheckPayment(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(getParam(r, "id"))
	if id == "" {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := h.Service.SchedulePaymentCheck(r.Context(), id, 0); err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled", "payment_id": id})
}

// GET /payments/statistics?from=...&to=...&method=...&customer_id=...
func (h *SettlementHandler) Statistics(w http.ResponseWriter, r *http.Request) {
	var f models.StatisticsFilter
	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := r.URL.Query().Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid "+name, http.StatusBadRequest)
			return
		}
		t = t.UTC()
		*dst = &t
	}
	f.Method = strings.ToLower(r.URL.Query().Get("method"))
	customerID, err := optionalInt64Param(r, "customer_id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	if customerID != nil {
		f.CustomerID = *customerID
	}

	stats, err := h.Service.GetPaymentStatistics(r.Context(), f)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

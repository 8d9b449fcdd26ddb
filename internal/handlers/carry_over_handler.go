package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
	"github.com/rickicode/MikrotikBilling-sub004/internal/services"
)

type CarryOverHandler struct {
	Service *services.CarryOverService
	Logger  *slog.Logger
}

func NewCarryOverHandler(s *services.CarryOverService, logger *slog.Logger) *CarryOverHandler {
	return &CarryOverHandler{Service: s, Logger: logger}
}

type carryOverResponse struct {
	CustomerID     int64                     `json:"customer_id"`
	SubscriptionID *int64                    `json:"subscription_id,omitempty"`
	Total          int64                     `json:"total"`
	Balances       []models.CarryOverBalance `json:"balances"`
}

// GET /customers/:customer_id/carry-over?subscription_id=...
func (h *CarryOverHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	customerID, err := int64Param(r, "customer_id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	subscriptionID, err := optionalInt64Param(r, "subscription_id")
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}

	balances, err := h.Service.GetAvailableBalances(r.Context(), customerID, subscriptionID)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	resp := carryOverResponse{
		CustomerID:     customerID,
		SubscriptionID: subscriptionID,
		Balances:       balances,
	}
	if resp.Balances == nil {
		resp.Balances = []models.CarryOverBalance{}
	}
	for _, b := range balances {
		resp.Total += b.Amount
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /carry-over/transfer
// { "customer_id": 7, "from_subscription_id": 1, "to_subscription_id": 2, "amount": 500 }
func (h *CarryOverHandler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req services.TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	res, err := h.Service.TransferBalance(r.Context(), req)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

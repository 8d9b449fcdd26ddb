package handlers

import (
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
	"github.com/rickicode/MikrotikBilling-sub004/internal/services"
)

const maxCallbackBody = 1 << 20

type CallbackHandler struct {
	Service *services.PaymentService
	Logger  *slog.Logger
}

func NewCallbackHandler(s *services.PaymentService, logger *slog.Logger) *CallbackHandler {
	return &CallbackHandler{Service: s, Logger: logger}
}

// POST /payments/callback/:method
// Gateways retry on anything but 2xx, so every outcome the ledger has
// recorded is acknowledged, rejected signatures included.
func (h *CallbackHandler) Handle(w http.ResponseWriter, r *http.Request) {
	method := strings.ToLower(getParam(r, "method"))

	payload, err := readCallback(r)
	if err != nil {
		writeError(w, h.Logger, models.Validationf("read callback: %v", err))
		return
	}

	out, err := h.Service.HandleCallback(r.Context(), method, payload)
	if err != nil {
		writeError(w, h.Logger, err)
		return
	}

	if len(out.AckBody) > 0 {
		ct := out.AckContentType
		if ct == "" {
			ct = "text/plain; charset=utf-8"
		}
		w.Header().Set("Content-Type", ct)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out.AckBody)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// readCallback keeps the raw body for signature checks and decodes form
// bodies alongside the query string.
func readCallback(r *http.Request) (services.CallbackPayload, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallbackBody))
	if err != nil {
		return services.CallbackPayload{}, err
	}

	form := url.Values{}
	for k, vs := range r.URL.Query() {
		if strings.HasPrefix(k, ":") {
			continue
		}
		form[k] = vs
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "application/x-www-form-urlencoded" && len(body) > 0 {
		parsed, err := url.ParseQuery(string(body))
		if err != nil {
			return services.CallbackPayload{}, err
		}
		for k, vs := range parsed {
			form[k] = append(form[k], vs...)
		}
	}

	return services.CallbackPayload{
		Body:   body,
		Form:   form,
		Header: r.Header.Clone(),
	}, nil
}

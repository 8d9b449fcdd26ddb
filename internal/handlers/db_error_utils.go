package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-sql-driver/mysql"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

// isDuplicateEntryError checks if the error is a MySQL/MariaDB unique key
// violation.
func isDuplicateEntryError(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

type httpStatuser interface {
	HTTPStatus() int
}

// errorStatus maps a domain error onto the HTTP status returned to clients.
func errorStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrTokenNotFound), errors.Is(err, models.ErrNoRecord):
		return http.StatusNotFound
	case errors.Is(err, models.ErrTokenExpired):
		return http.StatusGone
	case errors.Is(err, models.ErrInvalidToken),
		errors.Is(err, models.ErrInvoiceSettled),
		errors.Is(err, models.ErrConcurrencyConflict),
		isDuplicateEntryError(err):
		return http.StatusConflict
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrGateway):
		var st httpStatuser
		if errors.As(err, &st) {
			if code := st.HTTPStatus(); code >= 400 && code < 500 {
				return code
			}
		}
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError hides internal error details behind a generic message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := errorStatus(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusBadGateway {
		if logger != nil {
			logger.Error("request failed", "error", err)
		}
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

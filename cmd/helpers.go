package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
)

func (app *application) serverError(w http.ResponseWriter, err error) {
	trace := fmt.Sprintf("%s\n%s", err.Error(), debug.Stack())
	_ = app.errorLog.Output(2, trace)
	app.clientError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
}

func (app *application) clientError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// healthz reports whether the ledger database is reachable.
func (app *application) healthz(w http.ResponseWriter, r *http.Request) {
	if err := app.store.Ping(r.Context()); err != nil {
		app.errorLog.Printf("health check: %v", err)
		app.clientError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	resp := map[string]any{"status": "ok"}
	if app.redis != nil {
		resp["redis"] = "ok"
		if err := app.redis.Ping(r.Context()).Err(); err != nil {
			resp["redis"] = "unavailable"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// whoami echoes the operator claims of the caller.
func (app *application) whoami(w http.ResponseWriter, r *http.Request) {
	claims, ok := claimsFromContext(r.Context())
	if !ok {
		app.clientError(w, http.StatusUnauthorized, "not authorized")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"user_id": claims.UserID, "role": claims.Role})
}

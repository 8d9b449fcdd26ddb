package main

import (
	"net/http"

	"github.com/bmizerany/pat"
	"github.com/justinas/alice"

	"github.com/rickicode/MikrotikBilling-sub004/internal/metrics"
	"github.com/rickicode/MikrotikBilling-sub004/utils"
)

func (app *application) routes() http.Handler {
	standardMiddleware := alice.New(app.recoverPanic, app.logRequest, secureHeaders, makeResponseJSON)
	adminAuthMiddleware := standardMiddleware.Append(app.requireRole(utils.RoleAdmin))

	mux := pat.New()
	m := app.metrics

	// Operators
	mux.Post("/payment-tokens", m.Instrument("/payment-tokens", adminAuthMiddleware.ThenFunc(app.settlementHandler.IssueToken)))
	mux.Post("/payments/:id/check", m.Instrument("/payments/:id/check", adminAuthMiddleware.ThenFunc(app.settlementHandler.CheckPayment)))
	mux.Get("/payments/statistics", m.Instrument("/payments/statistics", adminAuthMiddleware.ThenFunc(app.settlementHandler.Statistics)))
	mux.Get("/customers/:customer_id/carry-over", m.Instrument("/customers/:customer_id/carry-over", adminAuthMiddleware.ThenFunc(app.carryOverHandler.GetBalance)))
	mux.Post("/carry-over/transfer", m.Instrument("/carry-over/transfer", adminAuthMiddleware.ThenFunc(app.carryOverHandler.Transfer)))
	mux.Get("/auth/whoami", adminAuthMiddleware.ThenFunc(app.whoami))

	// Subscribers
	mux.Post("/pay/:token", m.Instrument("/pay/:token", standardMiddleware.ThenFunc(app.settlementHandler.Settle)))

	// Gateways
	mux.Post("/payments/callback/:method", m.Instrument("/payments/callback/:method", standardMiddleware.ThenFunc(app.callbackHandler.Handle)))
	mux.Get("/payments/callback/:method", m.Instrument("/payments/callback/:method", standardMiddleware.ThenFunc(app.callbackHandler.Handle)))

	mux.Get("/healthz", standardMiddleware.ThenFunc(app.healthz))
	mux.Get("/metrics", metrics.Handler(app.registry))

	return mux
}

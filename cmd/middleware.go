package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
	"github.com/rickicode/MikrotikBilling-sub004/utils"
)

type contextKey string

const claimsContextKey contextKey = "claims"

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "deny")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func makeResponseJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

func (app *application) logRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		app.infoLog.Printf("%s - %s %s %s", r.RemoteAddr, r.Proto, r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

func (app *application) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				w.Header().Set("Connection", "close")
				app.serverError(w, fmt.Errorf("%s", err))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// requireRole accepts only bearer tokens signed with the configured secret
// whose role matches. Admins pass every check.
func (app *application) requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
				app.clientError(w, http.StatusUnauthorized, "Authorization header missing or invalid")
				return
			}

			claims, err := app.tokens.Parse(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				app.clientError(w, http.StatusUnauthorized, "Invalid or expired token")
				return
			}
			if claims.Role != role && claims.Role != utils.RoleAdmin {
				app.clientError(w, http.StatusForbidden, "Forbidden: only "+role+" allowed")
				return
			}

			ctx := context.WithValue(r.Context(), claimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func claimsFromContext(ctx context.Context) (*models.Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(*models.Claims)
	return c, ok
}

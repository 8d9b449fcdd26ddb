package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/rickicode/MikrotikBilling-sub004/internal/models"
)

// getParam returns a path or query parameter value regardless of whether
// the router stores it with a leading colon or not.
func getParam(r *http.Request, name string) string {
	if r == nil {
		return ""
	}
	if val := r.URL.Query().Get(":" + name); val != "" {
		return val
	}
	if val := r.URL.Query().Get(name); val != "" {
		return val
	}
	return r.PathValue(name)
}

func int64Param(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(getParam(r, name))
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v <= 0 {
		return 0, models.Validationf("invalid %s", name)
	}
	return v, nil
}

// optionalInt64Param returns nil when the parameter is absent.
func optionalInt64Param(r *http.Request, name string) (*int64, error) {
	if strings.TrimSpace(getParam(r, name)) == "" {
		return nil, nil
	}
	v, err := int64Param(r, name)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/commerce/internal/platform/auth"
	"github.com/hanko-field/commerce/internal/platform/httpx"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

var errInvalidPagination = errors.New("invalid pagination")

func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

// decodeBody decodes a JSON body. An empty body is accepted when optional is true.
func decodeBody(ctx context.Context, w http.ResponseWriter, r *http.Request, limit int64, dst any, optional bool) bool {
	err := httpx.DecodeJSON(r, limit, dst)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF):
		if optional {
			return true
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body is required", http.StatusBadRequest))
	case errors.Is(err, httpx.ErrBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON: "+err.Error(), http.StatusBadRequest))
	}
	return false
}

// parsePagination reads page and limit. Missing values take defaults, limit is capped
// at maxPageLimit, and non-positive or non-numeric values are rejected.
func parsePagination(r *http.Request) (page int, limit int, err error) {
	query := r.URL.Query()
	page, limit = 1, defaultPageLimit
	if raw := strings.TrimSpace(query.Get("page")); raw != "" {
		page, err = strconv.Atoi(raw)
		if err != nil || page < 1 {
			return 0, 0, errInvalidPagination
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return 0, 0, errInvalidPagination
		}
		if limit > maxPageLimit {
			limit = maxPageLimit
		}
	}
	return page, limit, nil
}

func parseFilterValues(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	filters := make([]string, 0, len(values))
	for _, raw := range values {
		for _, part := range strings.Split(raw, ",") {
			trimmed := strings.ToLower(strings.TrimSpace(part))
			if trimmed == "" {
				continue
			}
			if _, exists := seen[trimmed]; exists {
				continue
			}
			seen[trimmed] = struct{}{}
			filters = append(filters, trimmed)
		}
	}
	return filters
}

// parseTimeParam accepts RFC3339 or a UTC date. As an upper bound a date
// covers the whole day, so it resolves to the day's last instant.
func parseTimeParam(value string, upperBound bool) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.Parse(time.DateOnly, value); err == nil {
		if upperBound {
			ts = ts.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		return ts.UTC(), nil
	}
	return time.Time{}, errors.New("must be an RFC3339 timestamp or YYYY-MM-DD date")
}

func pointerTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatMoney(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func cloneStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	copy := *value
	return &copy
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func writeServiceUnavailable(ctx context.Context, w http.ResponseWriter, code, message string) {
	httpx.WriteError(ctx, w, httpx.NewError(code, message, http.StatusServiceUnavailable))
}

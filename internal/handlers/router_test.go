package handlers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/commerce/internal/domain"
	"github.com/hanko-field/commerce/internal/platform/auth"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestNewRouter_HealthEndpoints(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	health := NewHealthHandlers(
		WithHealthRepository(&stubHealthRepository{report: domain.SystemHealthReport{
			Status:      domain.HealthStatusDegraded,
			GeneratedAt: now,
			Checks: map[string]domain.HealthCheck{
				"postgres": {Status: domain.HealthStatusOK, Critical: true, Latency: 2 * time.Millisecond, CheckedAt: now},
				"redis":    {Status: domain.HealthStatusError, Detail: "dial tcp: refused", CheckedAt: now},
			},
		}}),
		WithHealthClock(func() time.Time { return now }),
		WithHealthStartedAt(now.Add(-90*time.Second)),
		WithHealthVersion("1.2.3"),
	)
	router := NewRouter(WithHealthHandlers(health))

	t.Run("healthz", func(t *testing.T) {
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
			t.Fatalf("expected content-type application/json, got %s", ct)
		}
		body := decodeJSON(t, rr)
		if body["status"] != "ok" || body["uptime"] != "1m30s" || body["version"] != "1.2.3" {
			t.Fatalf("unexpected healthz body %v", body)
		}
	})

	t.Run("readyz degraded stays in rotation", func(t *testing.T) {
		rr := serve(router, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		body := decodeJSON(t, rr)
		if body["status"] != "degraded" {
			t.Fatalf("expected degraded, got %v", body["status"])
		}
		details := body["details"].([]any)
		if len(details) != 1 || details[0] != "redis: dial tcp: refused" {
			t.Fatalf("unexpected details %v", details)
		}
		postgres := body["checks"].(map[string]any)["postgres"].(map[string]any)
		if postgres["latency_ms"] != float64(2) || postgres["critical"] != true {
			t.Fatalf("unexpected postgres check %v", postgres)
		}
	})
}

func TestReadyzCriticalFailure(t *testing.T) {
	health := NewHealthHandlers(WithHealthRepository(&stubHealthRepository{report: domain.SystemHealthReport{
		Status: domain.HealthStatusError,
		Checks: map[string]domain.HealthCheck{
			"postgres": {Status: domain.HealthStatusError, Critical: true, Detail: "timeout"},
		},
	}}))
	rr := serve(NewRouter(WithHealthHandlers(health)), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}

	failing := NewHealthHandlers(WithHealthRepository(&stubHealthRepository{err: errors.New("probe failed")}))
	rr = serve(NewRouter(WithHealthHandlers(failing)), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 on collect error, got %d", rr.Code)
	}
	if decodeJSON(t, rr)["status"] != "error" {
		t.Fatalf("expected error status")
	}
}

func TestNewRouter_NotFound(t *testing.T) {
	router := NewRouter()

	rr := serve(router, httptest.NewRequest(http.MethodGet, "/does/not/exist", nil))
	body := assertErrorCode(t, rr, http.StatusNotFound, "route_not_found")
	if body["request_id"] == nil {
		t.Fatalf("expected request id in error envelope, got %v", body)
	}
}

func TestNewRouter_MountsGroups(t *testing.T) {
	registrar := func(status int) RouteRegistrar {
		return func(r chi.Router) {
			r.Get("/ping", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(status)
			})
		}
	}
	router := NewRouter(
		WithCheckoutRoutes(registrar(http.StatusAccepted)),
		WithOrderRoutes(registrar(http.StatusNoContent)),
		WithAdminRoutes(registrar(http.StatusResetContent)),
		WithWebhookRoutes(registrar(http.StatusAlreadyReported)),
		WithInternalRoutes(registrar(http.StatusIMUsed)),
	)

	cases := map[string]int{
		"/checkout/ping": http.StatusAccepted,
		"/orders/ping":   http.StatusNoContent,
		"/ts-admin/ping": http.StatusResetContent,
		"/webhooks/ping": http.StatusAlreadyReported,
		"/internal/ping": http.StatusIMUsed,
	}
	for path, want := range cases {
		rr := serve(router, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != want {
			t.Fatalf("%s: expected %d, got %d", path, want, rr.Code)
		}
	}
}

func TestNewRouter_InternalMiddleware(t *testing.T) {
	guard := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithServiceIdentity(r.Context(), &auth.ServiceIdentity{Subject: "svc"})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	var seen string
	router := NewRouter(
		WithInternalMiddlewares(guard),
		WithInternalRoutes(func(r chi.Router) {
			r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
				if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok {
					seen = svc.Subject
				}
				w.WriteHeader(http.StatusNoContent)
			})
		}),
		WithOrderRoutes(func(r chi.Router) {
			r.Get("/whoami", func(w http.ResponseWriter, r *http.Request) {
				if _, ok := auth.ServiceIdentityFromContext(r.Context()); ok {
					t.Error("internal middleware leaked into /orders")
				}
				w.WriteHeader(http.StatusNoContent)
			})
		}),
	)

	serve(router, httptest.NewRequest(http.MethodGet, "/internal/whoami", nil))
	if seen != "svc" {
		t.Fatalf("expected internal middleware to run, got %q", seen)
	}
	serve(router, httptest.NewRequest(http.MethodGet, "/orders/whoami", nil))
}

func TestNewRouter_MetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	router := NewRouter(WithMetricsHandler(metrics))

	rr := serve(router, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK || rr.Body.String() != "# metrics" {
		t.Fatalf("unexpected metrics response %d %q", rr.Code, rr.Body.String())
	}

	rr = serve(NewRouter(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assertErrorCode(t, rr, http.StatusNotFound, "route_not_found")
}

package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hanko-field/commerce/internal/platform/auth"
)

var fixedTime = time.Date(2025, time.January, 9, 12, 0, 0, 0, time.UTC)

func newRequest(key, body, uid string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/checkout/create", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(DefaultHeader, key)
	}
	if uid != "" {
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
	}
	return req
}

func assertErrorCode(t *testing.T, rr *httptest.ResponseRecorder, want string) {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if payload["error"] != want {
		t.Fatalf("expected error code %s, got %v", want, payload["error"])
	}
}

func TestMiddlewareRequiresHeader(t *testing.T) {
	called := false
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest("", `{}`, "user-1"))

	if called {
		t.Fatal("handler should not run without a key")
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_required")
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return fixedTime }))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("handler should see the buffered body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"order_number":"ORD-20250109-00001"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest("key-1", `{"payment_method":"card"}`, "user-1"))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest("key-1", `{"payment_method":"card"}`, "user-1"))

	if calls != 1 {
		t.Fatalf("expected handler to run once, got %d", calls)
	}
	if first.Code != http.StatusCreated || second.Code != http.StatusCreated {
		t.Fatalf("unexpected statuses %d / %d", first.Code, second.Code)
	}
	if second.Header().Get(ReplayHeader) != "true" {
		t.Errorf("expected replay header on second response")
	}
	if first.Header().Get(ReplayHeader) != "" {
		t.Errorf("first response must not be marked as replay")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Errorf("expected stored content type, got %q", second.Header().Get("Content-Type"))
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("expected identical body, got %s vs %s", second.Body.String(), first.Body.String())
	}
}

func TestMiddlewareRejectsDifferentBodyForSameKey(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("key-1", `{"payment_method":"card"}`, "user-1"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest("key-1", `{"payment_method":"upi"}`, "user-1"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_key_conflict")
}

func TestMiddlewareScopesKeysPerUser(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("shared", `{}`, "user-1"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest("shared", `{}`, "user-2"))

	if calls != 2 || rr.Code != http.StatusCreated {
		t.Fatalf("expected independent execution per user, calls=%d status=%d", calls, rr.Code)
	}
}

func TestMiddlewareReleasesKeyOnServerError(t *testing.T) {
	status := http.StatusServiceUnavailable
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(status)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest("key-1", `{}`, "user-1"))
	status = http.StatusCreated
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest("key-1", `{}`, "user-1"))

	if first.Code != http.StatusServiceUnavailable || second.Code != http.StatusCreated {
		t.Fatalf("unexpected statuses %d / %d", first.Code, second.Code)
	}
	if calls != 2 {
		t.Fatalf("expected retry after 5xx to run the handler again, got %d calls", calls)
	}
}

func TestMiddlewareStoresClientErrors(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("key-1", `{}`, "user-1"))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest("key-1", `{}`, "user-1"))

	if calls != 1 || rr.Code != http.StatusBadRequest || rr.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected 4xx to be replayed, calls=%d status=%d", calls, rr.Code)
	}
}

func TestMiddlewarePendingKeyConflicts(t *testing.T) {
	store := NewMemoryStore()
	requester := "user/user-1"
	req := newRequest("key-1", `{}`, "user-1")
	fingerprint := requestFingerprint(req, []byte(`{}`), requester)
	if _, err := store.Reserve(context.Background(), requester+":key-1", fingerprint, time.Now().UTC(), time.Hour); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	rr := httptest.NewRecorder()
	Middleware(store)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler should not run while the key is pending")
	})).ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	assertErrorCode(t, rr, "idempotency_in_progress")
}

func TestMemoryStoreExpiresRecords(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Reserve(ctx, "k", "fp-1", fixedTime, time.Minute); err != nil {
		t.Fatalf("Reserve: %v", err)
	}
	if err := store.SaveResponse(ctx, "k", "fp-1", Response{Status: http.StatusCreated}, fixedTime, time.Minute); err != nil {
		t.Fatalf("SaveResponse: %v", err)
	}

	res, err := store.Reserve(ctx, "k", "fp-2", fixedTime.Add(2*time.Minute), time.Minute)
	if err != nil {
		t.Fatalf("expected expired record to be replaced, got %v", err)
	}
	if res.State != ReservationStateNew {
		t.Fatalf("expected new reservation after expiry, got %v", res.State)
	}
}

func TestMiddlewareReleasesKeyWhenHandlerPanics(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		w.WriteHeader(http.StatusCreated)
	}))
	recovering := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		handler.ServeHTTP(w, r)
	})

	first := httptest.NewRecorder()
	recovering.ServeHTTP(first, newRequest("key-1", `{}`, "user-1"))
	second := httptest.NewRecorder()
	recovering.ServeHTTP(second, newRequest("key-1", `{}`, "user-1"))

	if first.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 from the panicking request, got %d", first.Code)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("expected retry to run the handler, got %d: %s", second.Code, second.Body.String())
	}
	if calls != 2 {
		t.Fatalf("expected two handler calls, got %d", calls)
	}
}

func TestMiddlewarePendingLeaseExpires(t *testing.T) {
	store := NewMemoryStore()
	requester := "user/user-1"
	req := newRequest("key-1", `{}`, "user-1")
	fingerprint := requestFingerprint(req, []byte(`{}`), requester)
	if _, err := store.Reserve(context.Background(), requester+":key-1", fingerprint, fixedTime, DefaultLease); err != nil {
		t.Fatalf("Reserve: %v", err)
	}

	calls := 0
	handler := Middleware(store, WithClock(func() time.Time { return fixedTime.Add(DefaultLease + time.Second) }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated || calls != 1 {
		t.Fatalf("expected an abandoned reservation to be taken over, status=%d calls=%d", rr.Code, calls)
	}
}

func TestMiddlewareCompletedResponseOutlivesLease(t *testing.T) {
	store := NewMemoryStore()
	now := fixedTime
	calls := 0
	handler := Middleware(store, WithLease(time.Minute), WithTTL(24*time.Hour), WithClock(func() time.Time { return now }))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("key-1", `{}`, "user-1"))
	now = fixedTime.Add(time.Hour)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, newRequest("key-1", `{}`, "user-1"))

	if calls != 1 || rr.Header().Get(ReplayHeader) != "true" {
		t.Fatalf("expected replay an hour later, calls=%d replay=%q", calls, rr.Header().Get(ReplayHeader))
	}
}

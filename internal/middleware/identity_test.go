package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIdentityMiddleware_UsesHeaderWhenPresent(t *testing.T) {
	mw := NewIdentityMiddleware()

	var captured string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.Header.Set("X-User-ID", "user-42")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured != "user-42" {
		t.Errorf("identity = %q, want %q", captured, "user-42")
	}
}

func TestIdentityMiddleware_FallsBackToRemoteAddr(t *testing.T) {
	mw := NewIdentityMiddleware()

	var captured string
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = UserIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
	req.RemoteAddr = "203.0.113.7:51234"
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if captured != "addr:203.0.113.7" {
		t.Errorf("identity = %q, want %q", captured, "addr:203.0.113.7")
	}
}

func TestUserIDFromContext_MissingReturnsError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)

	if _, err := UserIDFromContext(req.Context()); err == nil {
		t.Error("expected error for missing user ID, got nil")
	}
}

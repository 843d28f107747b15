package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestAuth(t *testing.T, now func() time.Time) *Auth {
	t.Helper()
	auth, err := NewAuth(AuthConfig{
		ServiceSecret: []byte("service-secret"),
		AdminSecret:   []byte("admin-secret"),
		Issuer:        "lantern",
		Now:           now,
	})
	if err != nil {
		t.Fatalf("NewAuth() error: %v", err)
	}
	return auth
}

// okHandler records the caller it saw.
func okHandler(got *Caller) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, ok := CallerFrom(r.Context()); ok {
			*got = c
		}
		w.WriteHeader(http.StatusOK)
	})
}

func doAuthed(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/v1/test", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestAuth_ServiceTokenAdmitsServiceRoutesOnly(t *testing.T) {
	auth := newTestAuth(t, time.Now)
	token, err := auth.MintToken("agent-1", "acct-1", AudienceService, time.Hour)
	if err != nil {
		t.Fatalf("MintToken() error: %v", err)
	}

	var caller Caller
	if rec := doAuthed(auth.RequireService(okHandler(&caller)), token); rec.Code != http.StatusOK {
		t.Fatalf("service route: status = %d, want 200", rec.Code)
	}
	if caller.Subject != "agent-1" || caller.AccountID != "acct-1" || caller.Admin {
		t.Fatalf("caller = %+v", caller)
	}

	if rec := doAuthed(auth.RequireAdmin(okHandler(&caller)), token); rec.Code != http.StatusUnauthorized {
		t.Fatalf("admin route with service token: status = %d, want 401", rec.Code)
	}
}

func TestAuth_AdminTokenAdmitsBothClasses(t *testing.T) {
	auth := newTestAuth(t, time.Now)
	token, err := auth.MintToken("ops-1", "", AudienceAdmin, time.Hour)
	if err != nil {
		t.Fatalf("MintToken() error: %v", err)
	}

	var caller Caller
	if rec := doAuthed(auth.RequireAdmin(okHandler(&caller)), token); rec.Code != http.StatusOK {
		t.Fatalf("admin route: status = %d, want 200", rec.Code)
	}
	if !caller.Admin {
		t.Fatal("admin token should yield an admin caller")
	}
	if rec := doAuthed(auth.RequireService(okHandler(&caller)), token); rec.Code != http.StatusOK {
		t.Fatalf("service route with admin token: status = %d, want 200", rec.Code)
	}
}

func TestAuth_ExpiredTokenRejected(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	auth := newTestAuth(t, func() time.Time { return now })

	token, err := auth.MintToken("agent-1", "acct-1", AudienceService, time.Minute)
	if err != nil {
		t.Fatalf("MintToken() error: %v", err)
	}

	now = now.Add(2 * time.Minute)
	var caller Caller
	if rec := doAuthed(auth.RequireService(okHandler(&caller)), token); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: status = %d, want 401", rec.Code)
	}
}

func TestAuth_WrongIssuerRejected(t *testing.T) {
	other, err := NewAuth(AuthConfig{
		ServiceSecret: []byte("service-secret"),
		AdminSecret:   []byte("admin-secret"),
		Issuer:        "someone-else",
	})
	if err != nil {
		t.Fatalf("NewAuth() error: %v", err)
	}
	token, err := other.MintToken("agent-1", "acct-1", AudienceService, time.Hour)
	if err != nil {
		t.Fatalf("MintToken() error: %v", err)
	}

	auth := newTestAuth(t, time.Now)
	var caller Caller
	if rec := doAuthed(auth.RequireService(okHandler(&caller)), token); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong issuer: status = %d, want 401", rec.Code)
	}
}

func TestAuth_MissingOrMalformedBearer(t *testing.T) {
	auth := newTestAuth(t, time.Now)
	var caller Caller
	h := auth.RequireService(okHandler(&caller))

	if rec := doAuthed(h, ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("no header: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/v1/test", nil)
	req.Header.Set("Authorization", "Token abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("non-bearer scheme: status = %d, want 401", rec.Code)
	}

	if rec := doAuthed(h, "not-a-jwt"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("garbage token: status = %d, want 401", rec.Code)
	}
}

func TestNewAuth_RequiresBothSecrets(t *testing.T) {
	if _, err := NewAuth(AuthConfig{ServiceSecret: []byte("only-one")}); err == nil {
		t.Fatal("NewAuth() should reject a missing admin secret")
	}
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"lendpool/crypto"
)

var testAccount = crypto.BytesToAddress([]byte{0xa1})

func authFixture() (AuthConfig, *Authenticator) {
	cfg := AuthConfig{Enabled: true, Secret: []byte("s3cret"), Issuer: "lendpool", Audience: "gateway"}
	return cfg, NewAuthenticator(cfg, nil)
}

func serveWithToken(t *testing.T, auth *Authenticator, token string, scopes ...string) (*httptest.ResponseRecorder, crypto.Address) {
	t.Helper()
	var seen crypto.Address
	handler := auth.Middleware(scopes...)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = Account(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodPost, "/v1/deposit", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	return res, seen
}

func TestAuthAcceptsValidToken(t *testing.T) {
	cfg, auth := authFixture()
	token, err := IssueToken(cfg, testAccount, []string{"lending:user"}, time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	res, seen := serveWithToken(t, auth, token)
	if res.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if seen != testAccount {
		t.Fatalf("account not propagated: %s", seen)
	}
}

func TestAuthRejections(t *testing.T) {
	cfg, auth := authFixture()

	if res, _ := serveWithToken(t, auth, ""); res.Code != http.StatusUnauthorized {
		t.Fatalf("missing token: %d", res.Code)
	}

	expired, _ := IssueToken(cfg, testAccount, nil, time.Minute, time.Now().Add(-time.Hour))
	if res, _ := serveWithToken(t, auth, expired); res.Code != http.StatusUnauthorized {
		t.Fatalf("expired token: %d", res.Code)
	}

	other := cfg
	other.Secret = []byte("different")
	forged, _ := IssueToken(other, testAccount, nil, time.Hour, time.Now())
	if res, _ := serveWithToken(t, auth, forged); res.Code != http.StatusUnauthorized {
		t.Fatalf("forged token: %d", res.Code)
	}

	wrongAud := cfg
	wrongAud.Audience = "explorer"
	token, _ := IssueToken(wrongAud, testAccount, nil, time.Hour, time.Now())
	if res, _ := serveWithToken(t, auth, token); res.Code != http.StatusUnauthorized {
		t.Fatalf("wrong audience: %d", res.Code)
	}

	user, _ := IssueToken(cfg, testAccount, []string{"lending:user"}, time.Hour, time.Now())
	if res, _ := serveWithToken(t, auth, user, ScopeAdmin); res.Code != http.StatusForbidden {
		t.Fatalf("missing scope: %d", res.Code)
	}
	admin, _ := IssueToken(cfg, testAccount, []string{ScopeAdmin}, time.Hour, time.Now())
	if res, _ := serveWithToken(t, auth, admin, ScopeAdmin); res.Code != http.StatusOK {
		t.Fatalf("admin scope: %d", res.Code)
	}
}

func TestAuthDisabledPassesThrough(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{}, nil)
	res, seen := serveWithToken(t, auth, "")
	if res.Code != http.StatusOK {
		t.Fatalf("disabled auth blocked request: %d", res.Code)
	}
	if !seen.IsZero() {
		t.Fatalf("unexpected account %s", seen)
	}
}

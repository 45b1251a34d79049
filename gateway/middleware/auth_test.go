package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testJWTSecret = "operator-secret"

func issueToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func newTestAuthenticator() *Authenticator {
	return NewAuthenticator(AuthConfig{
		Enabled:    true,
		HMACSecret: testJWTSecret,
		Issuer:     "swapvault-identity",
		Audience:   "swap-gateway",
	}, nil)
}

func operatorClaims(scope string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   "swapvault-identity",
		"aud":   "swap-gateway",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": scope,
	}
}

func TestAuthenticatorAcceptsScopedToken(t *testing.T) {
	auth := newTestAuthenticator()
	var sawScopes []string
	handler := auth.Middleware("swap:webhooks")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawScopes = ScopesFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks", nil)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, operatorClaims("swap:webhooks swap:admin")))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected scoped token to pass, got %d: %s", res.Code, res.Body.String())
	}
	if len(sawScopes) != 2 || sawScopes[0] != "swap:webhooks" {
		t.Fatalf("unexpected scopes in context: %v", sawScopes)
	}
}

func TestAuthenticatorRejectsMissingScope(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Middleware("swap:admin")(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/v1/exports/settlements", nil)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, operatorClaims("swap:webhooks")))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusForbidden {
		t.Fatalf("expected missing scope to yield 403, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsExpiredToken(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Middleware()(okHandler())

	claims := operatorClaims("swap:webhooks")
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, claims))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected expired token to yield 401, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsWrongIssuer(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Middleware()(okHandler())

	claims := operatorClaims("swap:webhooks")
	claims["iss"] = "someone-else"
	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
	req.Header.Set("Authorization", "Bearer "+issueToken(t, claims))
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected issuer mismatch to yield 401, got %d", res.Code)
	}
}

func TestAuthenticatorRejectsMissingToken(t *testing.T) {
	auth := newTestAuthenticator()
	handler := auth.Middleware()(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusUnauthorized {
		t.Fatalf("expected missing token to yield 401, got %d", res.Code)
	}
}

func TestAuthenticatorPassesThroughWhenDisabled(t *testing.T) {
	auth := NewAuthenticator(AuthConfig{Enabled: false}, nil)
	handler := auth.Middleware("swap:admin")(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/v1/webhooks", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("expected disabled auth to pass through, got %d", res.Code)
	}
}

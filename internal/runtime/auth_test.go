package runtime

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func TestEchoAuthMiddlewareAcceptsSignedToken(t *testing.T) {
	secret := []byte("test-secret")
	tok, err := SignJWT("agent-a", secret, time.Minute, ScopeOperator)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	var gotSubject string
	var gotScopes []string
	handler := EchoAuthMiddleware(secret)(func(c echo.Context) error {
		gotSubject = c.Get("subject").(string)
		gotScopes, _ = c.Get("scopes").([]string)
		return c.NoContent(http.StatusOK)
	})
	if err := handler(ctx); err != nil {
		t.Fatalf("middleware rejected valid token: %v", err)
	}
	if gotSubject != "agent-a" {
		t.Fatalf("expected subject agent-a, got %q", gotSubject)
	}
	if !containsScope(gotScopes, ScopeOperator) {
		t.Fatalf("expected operator scope, got %v", gotScopes)
	}
}

func TestEchoAuthMiddlewareRejectsMissingToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	handler := EchoAuthMiddleware([]byte("test-secret"))(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	err := handler(ctx)
	if err == nil {
		t.Fatalf("expected unauthorized")
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 http error, got %#v", err)
	}
}

func TestEchoAuthMiddlewareRejectsWrongSecret(t *testing.T) {
	tok, err := SignJWT("agent-a", []byte("other-secret"), time.Minute)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)

	handler := EchoAuthMiddleware([]byte("test-secret"))(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	err = handler(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 http error, got %#v", err)
	}
}

func TestRequireScopesBlocksMissingScope(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("scopes", []string{"something-else"})

	handler := RequireScopes(ScopeOperator)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	err := handler(ctx)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 http error, got %#v", err)
	}
}

func TestRequireScopesAllowsMatchingScope(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.Set("scopes", []string{ScopeOperator})

	handler := RequireScopes(ScopeOperator)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	if err := handler(ctx); err != nil {
		t.Fatalf("expected scope to satisfy requirement: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestScopeClaimFormats(t *testing.T) {
	if got := scopeClaim(jwt.MapClaims{"scope": "operator admin"}); len(got) != 2 {
		t.Fatalf("space-separated scope claim: %v", got)
	}
	if got := scopeClaim(jwt.MapClaims{"scopes": []interface{}{"operator", " ", 7}}); len(got) != 1 || got[0] != "operator" {
		t.Fatalf("mixed list scopes: %v", got)
	}
	if got := scopeClaim(jwt.MapClaims{"scopes": 42}); got != nil {
		t.Fatalf("unsupported claim type must yield nil, got %v", got)
	}
	if got := scopeClaim(jwt.MapClaims{"sub": "agent-a"}); got != nil {
		t.Fatalf("absent claim must yield nil, got %v", got)
	}
}

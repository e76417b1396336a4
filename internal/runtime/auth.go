package runtime

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/arbiter/config"
)

// ScopeOperator marks tokens allowed to use the admin surface: breaker
// resets, agent budget overrides, causality inspection.
const ScopeOperator = "operator"

// LoadJWTSecret resolves the shared JWT secret from config.
func LoadJWTSecret(cfg *config.Config) ([]byte, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if cfg.General.JWTSecret != "" {
		return []byte(cfg.General.JWTSecret), nil
	}
	return nil, errors.New("jwt secret not configured (general.jwt_secret or ARBITER_GENERAL_JWT_SECRET)")
}

// SignJWT issues a signed token with the provided subject and TTL.
func SignJWT(subject string, secret []byte, ttl time.Duration, scopes ...string) (string, error) {
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": time.Now().Add(ttl).Unix(),
	}
	if len(scopes) > 0 {
		claims["scopes"] = scopes
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// EchoAuthMiddleware validates the bearer token and stores "subject" and
// "scopes" on the echo context. The subject is the agent id for agent
// tokens and the operator id for operator tokens.
func EchoAuthMiddleware(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok := bearerToken(c)
			if tok == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
			}
			parsed, err := jwt.Parse(tok, func(t *jwt.Token) (interface{}, error) { return secret, nil })
			if err != nil || !parsed.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			claims, ok := parsed.Claims.(jwt.MapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			sub, ok := claims["sub"].(string)
			if !ok || sub == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
			}
			c.Set("subject", sub)
			if scopes := scopeClaim(claims); len(scopes) > 0 {
				c.Set("scopes", scopes)
			}
			return next(c)
		}
	}
}

func bearerToken(c echo.Context) string {
	if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	if ck, err := c.Cookie("auth"); err == nil {
		return ck.Value
	}
	return ""
}

// RequireScopes ensures the caller token includes all required scopes.
// Must sit behind EchoAuthMiddleware, which is what populates "scopes".
func RequireScopes(required ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			granted, _ := c.Get("scopes").([]string)
			for _, want := range required {
				want = strings.TrimSpace(want)
				if want == "" {
					continue
				}
				if !containsScope(granted, want) {
					return echo.NewHTTPError(http.StatusForbidden, "missing scope: "+want)
				}
			}
			return next(c)
		}
	}
}

// scopeClaim reads scopes from either the "scopes" claim (JSON list) or
// the OAuth-style space-separated "scope" string.
func scopeClaim(claims jwt.MapClaims) []string {
	raw, ok := claims["scopes"]
	if !ok {
		raw, ok = claims["scope"]
	}
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = appendScope(out, s)
			}
		}
		return out
	case []string:
		var out []string
		for _, s := range v {
			out = appendScope(out, s)
		}
		return out
	case string:
		var out []string
		for _, s := range strings.Fields(v) {
			out = appendScope(out, s)
		}
		return out
	default:
		return nil
	}
}

func appendScope(scopes []string, s string) []string {
	if s = strings.TrimSpace(s); s == "" {
		return scopes
	}
	return append(scopes, s)
}

func containsScope(scopes []string, target string) bool {
	for _, scope := range scopes {
		if scope == target {
			return true
		}
	}
	return false
}

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v5"
)

type ctxKeyAccessToken struct{}

// AccessTokenFromContext returns the bearer token captured by CaptureBearer.
func AccessTokenFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(ctxKeyAccessToken{}).(string)
	return v, ok && v != ""
}

// WithAccessToken injects a bearer token into context. Useful for testing.
func WithAccessToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, ctxKeyAccessToken{}, token)
}

// Claims mirrors the access token issued by the BaaS auth server.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

type JWTVerifier struct {
	Secret []byte
}

// Enabled reports whether a secret is configured for local verification.
func (v JWTVerifier) Enabled() bool {
	return len(v.Secret) > 0
}

func (v JWTVerifier) Parse(tokenString string) (*Claims, error) {
	if !v.Enabled() {
		return nil, errors.New("jwt verifier has no secret")
	}
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, errors.New("unexpected signing method")
		}
		return v.Secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, errors.New("token has no subject")
	}
	return claims, nil
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
	parts := strings.SplitN(authz, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return "", false
	}
	tok := strings.TrimSpace(parts[1])
	return tok, tok != ""
}

// CaptureBearer stores the request's bearer token (if any) in the context without
// rejecting anonymous requests. Session probing decides what the token is worth.
func CaptureBearer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if tok, ok := BearerToken(r); ok {
			r = r.WithContext(WithAccessToken(r.Context(), tok))
		}
		next.ServeHTTP(w, r)
	})
}

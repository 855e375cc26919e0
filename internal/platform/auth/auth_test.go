package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-key-32-bytes-long!!!")

func makeToken(subject, email string, exp time.Time) string {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Email: email,
		Role:  "authenticated",
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, _ := tok.SignedString(testSecret)
	return signed
}

func newVerifier() JWTVerifier { return JWTVerifier{Secret: testSecret} }

func TestJWTVerifier_ValidToken(t *testing.T) {
	tok := makeToken("user-1", "a@example.com", time.Now().Add(time.Hour))
	claims, err := newVerifier().Parse(tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claims.Subject != "user-1" {
		t.Fatalf("expected subject 'user-1', got %q", claims.Subject)
	}
	if claims.Email != "a@example.com" {
		t.Fatalf("expected email, got %q", claims.Email)
	}
}

func TestJWTVerifier_ExpiredToken(t *testing.T) {
	tok := makeToken("user-1", "", time.Now().Add(-time.Hour))
	if _, err := newVerifier().Parse(tok); err == nil {
		t.Fatal("expected error for expired token")
	}
}

func TestJWTVerifier_WrongSecret(t *testing.T) {
	tok := makeToken("user-1", "", time.Now().Add(time.Hour))
	v := JWTVerifier{Secret: []byte("another-secret-another-secret!!!")}
	if _, err := v.Parse(tok); err == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestJWTVerifier_EmptySubject(t *testing.T) {
	tok := makeToken("", "", time.Now().Add(time.Hour))
	if _, err := newVerifier().Parse(tok); err == nil {
		t.Fatal("expected error for empty subject")
	}
}

func TestJWTVerifier_Disabled(t *testing.T) {
	v := JWTVerifier{}
	if v.Enabled() {
		t.Fatal("expected verifier without secret to be disabled")
	}
	if _, err := v.Parse("anything"); err == nil {
		t.Fatal("expected error without secret")
	}
}

func TestCaptureBearer(t *testing.T) {
	var got string
	h := CaptureBearer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = AccessTokenFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer abc.def")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "abc.def" {
		t.Fatalf("expected token captured, got %q", got)
	}

	got = ""
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic Zm9v")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if got != "" {
		t.Fatalf("expected no token for basic auth, got %q", got)
	}
}

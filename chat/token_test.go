package chat

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return token
}

func TestTokenSubject(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"sub": "alice@example.com"})

	subject, err := tokenSubject(token)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if subject != "alice@example.com" {
		t.Fatalf("expected alice@example.com, got %q", subject)
	}
}

func TestTokenSubjectMissingClaim(t *testing.T) {
	token := signedToken(t, jwt.MapClaims{"aud": "chat"})
	if _, err := tokenSubject(token); err == nil {
		t.Fatal("expected error for token without subject")
	}
}

func TestTokenSubjectOpaqueToken(t *testing.T) {
	if _, err := tokenSubject("not-a-jwt"); err == nil {
		t.Fatal("expected error for opaque token")
	}
}

func TestStaticTokenSource(t *testing.T) {
	token, err := NewStaticTokenSource("abc").Token()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "abc" {
		t.Fatalf("expected abc, got %q", token)
	}
}

func TestStaticTokenSourceEmpty(t *testing.T) {
	if _, err := NewStaticTokenSource("  ").Token(); err == nil {
		t.Fatal("expected error for blank token")
	}
}

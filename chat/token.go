package chat

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer credential for a connection attempt. The
// token is read once per attempt, never mid-session.
type TokenSource interface {
	Token() (string, error)
}

// StaticTokenSource returns a fixed token for every attempt.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource returns a new StaticTokenSource.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

// Token implements TokenSource.
func (source *StaticTokenSource) Token() (string, error) {
	if source == nil || strings.TrimSpace(source.token) == "" {
		return "", NewError(AuthMissingError, "no token available")
	}
	return source.token, nil
}

// tokenSubject extracts the subject claim from a JWT without verifying the
// signature. The client is not the verifying party; the broker rejects bad
// tokens at handshake. The subject addresses the per-user notification queue.
func tokenSubject(token string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", NewError(AuthMissingError, err)
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return "", NewError(AuthMissingError, "token has no subject claim")
	}
	return subject, nil
}

package integration

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSigningKey = []byte("integration-test-signing-key")

// mintToken signs an HS256 token expiring at exp. The jwt auth provider
// only reads the expiry claim, so the signing key is arbitrary.
func mintToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"iat": time.Now().Unix(),
		"exp": exp.Unix(),
	})
	signed, err := token.SignedString(testSigningKey)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

// freshToken returns a token valid for one hour.
func freshToken(t *testing.T) string {
	return mintToken(t, "svc-tests", time.Now().Add(time.Hour))
}

// expiredToken returns a token whose expiry is already in the past.
func expiredToken(t *testing.T) string {
	return mintToken(t, "svc-tests", time.Now().Add(-time.Hour))
}

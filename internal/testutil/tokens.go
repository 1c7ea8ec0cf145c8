package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	sharedSigningKey     *ecdsa.PrivateKey
	sharedSigningKeyOnce sync.Once
)

// SigningKey returns a cached ECDSA signing key for tests.
// This avoids the overhead of generating a new key for each test.
func SigningKey() *ecdsa.PrivateKey {
	sharedSigningKeyOnce.Do(func() {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			panic("failed to generate shared signing key: " + err.Error())
		}
		sharedSigningKey = key
	})
	return sharedSigningKey
}

// SignClaims encodes claims as an ES256 JWT, the way the backend does.
func SignClaims(claims jwt.Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(SigningKey())
}

// IssueToken encodes claims and fails the test on error.
func IssueToken(
	t *testing.T,
	claims jwt.MapClaims,
) string {
	t.Helper()
	encoded, err := SignClaims(claims)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return encoded
}

// IssueTokenExpiringAt creates a token for subject that expires at exp.
func IssueTokenExpiringAt(
	t *testing.T,
	subject string,
	exp time.Time,
) string {
	t.Helper()
	return IssueToken(t, jwt.MapClaims{
		"sub":   subject,
		"_id":   subject,
		"name":  "Test " + subject,
		"email": subject + "@example.com",
		"iat":   exp.Add(-time.Hour).Unix(),
		"exp":   exp.Unix(),
	})
}

// Package testutil provides test environment setup and utilities for package tests.
package testutil

import (
	"net/http"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/apisession/internal/mockapi"
	"git.sr.ht/~jakintosh/apisession/pkg/tokens"
	"github.com/juju/clock/testclock"
)

// TestEnv provides all dependencies needed for testing
type TestEnv struct {
	API    *mockapi.Server
	Router http.Handler
	Clock  *testclock.Clock
}

// SetupTestEnv creates an isolated mock API on a test clock
func SetupTestEnv(
	t *testing.T,
) *TestEnv {
	t.Helper()

	clk := testclock.NewClock(time.Now())

	// use cached signing key (generated once across all tests)
	server, err := mockapi.New(mockapi.Options{
		SigningKey:   SigningKey(),
		Clock:        clk,
		PasswordMode: mockapi.PasswordModeTesting,
	})
	if err != nil {
		t.Fatalf("failed to create mock api: %v", err)
	}

	return &TestEnv{
		API:    server,
		Router: server.Router(),
		Clock:  clk,
	}
}

// RegisterTestUser creates a test account on the mock API
func (env *TestEnv) RegisterTestUser(
	t *testing.T,
	name string,
	email string,
	password string,
) tokens.Identity {
	t.Helper()
	identity, err := env.API.Register(name, email, password)
	if err != nil {
		t.Fatalf("failed to register test user: %v", err)
	}
	return identity
}

// LoginTestUser logs an existing account in and returns its access token
// and renewal secret
func (env *TestEnv) LoginTestUser(
	t *testing.T,
	email string,
	password string,
) (string, string) {
	t.Helper()
	accessToken, secret, err := env.API.Login(email, password)
	if err != nil {
		t.Fatalf("failed to log in test user: %v", err)
	}
	return accessToken, secret
}

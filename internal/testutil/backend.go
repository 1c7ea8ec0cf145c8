package testutil

import (
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"git.sr.ht/~jakintosh/apisession/internal/api"
)

// Backend serves a TestEnv's mock API over HTTP, and counts and perturbs
// the calls made to it
type Backend struct {
	*TestEnv
	Server *httptest.Server

	refreshCalls atomic.Int32
	failRefresh  atomic.Bool
	rejectNext   atomic.Int32

	mu   sync.Mutex
	gate chan struct{}
}

// NewBackend starts a mock API that is closed when the test ends
func NewBackend(
	t *testing.T,
) *Backend {
	t.Helper()
	b := &Backend{TestEnv: SetupTestEnv(t)}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.Server.Close)
	return b
}

func (b *Backend) URL() string {
	return b.Server.URL
}

// Jar returns an empty cookie jar for talking to the backend
func (b *Backend) Jar(t *testing.T) http.CookieJar {
	t.Helper()
	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}
	return jar
}

// Login logs in over HTTP so jar receives the refresh cookie, and returns
// the access token
func (b *Backend) Login(
	t *testing.T,
	jar http.CookieJar,
	email string,
	password string,
) string {
	t.Helper()
	body, err := api.EncodeBody(api.LoginRequest{Email: email, Password: password})
	if err != nil {
		t.Fatalf("failed to encode login: %v", err)
	}
	c := &http.Client{Jar: jar}
	res, err := c.Post(b.URL()+api.PathLogin, "application/json", body)
	if err != nil {
		t.Fatalf("failed to post login: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("login returned %d: %s", res.StatusCode, api.ErrorMessage(res))
	}
	response := api.TokenResponse{}
	if err := api.DecodeResponse(&response, res); err != nil {
		t.Fatalf("failed to decode login: %v", err)
	}
	return response.AccessToken
}

// RefreshCalls is the number of refresh requests received
func (b *Backend) RefreshCalls() int {
	return int(b.refreshCalls.Load())
}

// FailRefresh makes every refresh request fail with 401 while on is set
func (b *Backend) FailRefresh(on bool) {
	b.failRefresh.Store(on)
}

// RejectNext answers the next n protected requests with 401, whatever
// token they carry
func (b *Backend) RejectNext(n int) {
	b.rejectNext.Store(int32(n))
}

// HoldRefresh blocks refresh requests until the returned release is called
func (b *Backend) HoldRefresh() (release func()) {
	gate := make(chan struct{})
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.gate = nil
			b.mu.Unlock()
			close(gate)
		})
	}
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == api.PathRefresh {
		b.refreshCalls.Add(1)

		b.mu.Lock()
		gate := b.gate
		b.mu.Unlock()
		if gate != nil {
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}

		if b.failRefresh.Load() {
			api.ReturnError(w, http.StatusUnauthorized, "refresh token expired")
			return
		}
	}

	if strings.HasPrefix(r.URL.Path, "/project") && b.takeRejection() {
		api.ReturnError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	b.Router.ServeHTTP(w, r)
}

func (b *Backend) takeRejection() bool {
	for {
		n := b.rejectNext.Load()
		if n <= 0 {
			return false
		}
		if b.rejectNext.CompareAndSwap(n, n-1) {
			return true
		}
	}
}

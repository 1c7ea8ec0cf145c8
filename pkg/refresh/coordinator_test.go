package refresh_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"git.sr.ht/~jakintosh/apisession/internal/metrics"
	"git.sr.ht/~jakintosh/apisession/internal/testutil"
	"git.sr.ht/~jakintosh/apisession/pkg/refresh"
	"git.sr.ht/~jakintosh/apisession/pkg/store"
	"git.sr.ht/~jakintosh/apisession/pkg/tokens"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

var errBackendDown = errors.New("backend down")

// fakeRenewer counts calls and, when release is set, blocks each call until
// release is closed
type fakeRenewer struct {
	calls   atomic.Int32
	release chan struct{}
	issue   func() (string, error)
	ctxErr  atomic.Value
}

func (f *fakeRenewer) Renew(ctx context.Context) (string, error) {
	f.calls.Add(1)
	if f.release != nil {
		<-f.release
	}
	if err := ctx.Err(); err != nil {
		f.ctxErr.Store(err)
	}
	return f.issue()
}

type testEnv struct {
	clock   *testclock.Clock
	store   store.Store
	renewer *fakeRenewer
	coord   *refresh.Coordinator

	teardowns atomic.Int32
}

func setupCoordinator(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		clock: testclock.NewClock(time.Now()),
		store: store.New(store.NewMemory()),
	}
	env.renewer = &fakeRenewer{
		issue: func() (string, error) {
			return testutil.IssueTokenExpiringAt(t, "alice", env.clock.Now().Add(time.Hour)), nil
		},
	}
	env.coord = refresh.New(env.store, env.renewer, refresh.Options{Clock: env.clock})
	env.coord.OnTeardown(func(error) { env.teardowns.Add(1) })
	return env
}

func (env *testEnv) storeToken(t *testing.T, exp time.Time) *tokens.AccessToken {
	t.Helper()
	token, err := tokens.Parse(testutil.IssueTokenExpiringAt(t, "alice", exp))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if err := env.store.Set(context.Background(), token); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	return token
}

func waitForWaiters(t *testing.T, coord *refresh.Coordinator, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for coord.Waiters() < n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d waiters, have %d", n, coord.Waiters())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEnsureFresh_FastPath(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	stored := env.storeToken(t, env.clock.Now().Add(time.Hour))

	// an unexpired token is returned without a renewal
	token, err := env.coord.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	if token.Encoded() != stored.Encoded() {
		t.Error("EnsureFresh did not return the stored token")
	}
	if calls := env.renewer.calls.Load(); calls != 0 {
		t.Errorf("renewal calls = %d, want 0", calls)
	}
	if state := env.coord.State(); state != refresh.StateIdle {
		t.Errorf("state = %v, want idle", state)
	}
}

func TestEnsureFresh_RenewsInsideBuffer(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	stored := env.storeToken(t, env.clock.Now().Add(20*time.Second))

	// a token inside the expiry buffer is renewed
	token, err := env.coord.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	if token.Encoded() == stored.Encoded() {
		t.Error("expected a renewed token")
	}
	if calls := env.renewer.calls.Load(); calls != 1 {
		t.Errorf("renewal calls = %d, want 1", calls)
	}

	// the renewed token is now the stored one
	current, _ := env.store.Get(context.Background())
	if current.Encoded() != token.Encoded() {
		t.Error("store does not hold the renewed token")
	}
	if state := env.coord.State(); state != refresh.StateSucceeded {
		t.Errorf("state = %v, want succeeded", state)
	}
}

func TestEnsureFresh_NoCredentialRenews(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)

	// an empty store still tries the renewal secret
	token, err := env.coord.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	if token.Subject() != "alice" {
		t.Errorf("Subject = %s, want alice", token.Subject())
	}
	if calls := env.renewer.calls.Load(); calls != 1 {
		t.Errorf("renewal calls = %d, want 1", calls)
	}
}

func TestEnsureFresh_SingleFlight(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	env.renewer.release = make(chan struct{})
	env.storeToken(t, env.clock.Now().Add(-time.Hour))

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan *tokens.AccessToken, n)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			token, err := env.coord.EnsureFresh(context.Background())
			if err != nil {
				errs <- err
				return
			}
			results <- token
		}()
	}

	// every caller joins the pending renewal before it resolves
	waitForWaiters(t, env.coord, n)
	if state := env.coord.State(); state != refresh.StatePending {
		t.Errorf("state = %v, want pending", state)
	}
	close(env.renewer.release)
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		t.Fatalf("unexpected error: %v", err)
	}

	var first string
	count := 0
	for token := range results {
		count++
		if first == "" {
			first = token.Encoded()
		}
		if token.Encoded() != first {
			t.Error("callers received different tokens")
		}
	}
	if count != n {
		t.Errorf("results = %d, want %d", count, n)
	}
	if calls := env.renewer.calls.Load(); calls != 1 {
		t.Errorf("renewal calls = %d, want 1", calls)
	}
}

func TestEnsureFresh_FailureCascades(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	env.renewer.release = make(chan struct{})
	env.renewer.issue = func() (string, error) { return "", errBackendDown }
	env.storeToken(t, env.clock.Now().Add(-time.Hour))

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)

	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := env.coord.EnsureFresh(context.Background())
			errs <- err
		}()
	}

	waitForWaiters(t, env.coord, n)
	close(env.renewer.release)
	wg.Wait()
	close(errs)

	// every caller observes the same failure
	for err := range errs {
		if !errors.Is(err, refresh.ErrRenewalFailed) {
			t.Errorf("err = %v, want ErrRenewalFailed", err)
		}
	}

	// the store is empty and teardown fired once
	token, err := env.store.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if token != nil {
		t.Error("expected store to be cleared")
	}
	if teardowns := env.teardowns.Load(); teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", teardowns)
	}
	if calls := env.renewer.calls.Load(); calls != 1 {
		t.Errorf("renewal calls = %d, want 1", calls)
	}
	if state := env.coord.State(); state != refresh.StateFailed {
		t.Errorf("state = %v, want failed", state)
	}
}

func TestEnsureFresh_MalformedRenewalFails(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	env.renewer.issue = func() (string, error) { return "not.a-token", nil }
	env.storeToken(t, env.clock.Now().Add(-time.Hour))

	// a renewed token that can't be decoded is a failed renewal
	_, err := env.coord.EnsureFresh(context.Background())
	if !errors.Is(err, refresh.ErrRenewalFailed) {
		t.Fatalf("err = %v, want ErrRenewalFailed", err)
	}
	token, _ := env.store.Get(context.Background())
	if token != nil {
		t.Error("expected store to be cleared")
	}
	if teardowns := env.teardowns.Load(); teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", teardowns)
	}
}

func TestEnsureFresh_TeardownReceivesError(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	env.renewer.issue = func() (string, error) { return "", errBackendDown }

	var got error
	env.coord.OnTeardown(func(err error) { got = err })

	_, _ = env.coord.EnsureFresh(context.Background())
	if !errors.Is(got, refresh.ErrRenewalFailed) {
		t.Errorf("teardown err = %v, want ErrRenewalFailed", got)
	}
}

func TestEnsureFresh_SequentialRenewals(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)

	// each expiry gets its own renewal once the previous one is done
	first, err := env.coord.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("first EnsureFresh failed: %v", err)
	}
	env.clock.Advance(2 * time.Hour)
	second, err := env.coord.EnsureFresh(context.Background())
	if err != nil {
		t.Fatalf("second EnsureFresh failed: %v", err)
	}
	if first.Encoded() == second.Encoded() {
		t.Error("expected a second renewal after expiry")
	}
	if calls := env.renewer.calls.Load(); calls != 2 {
		t.Errorf("renewal calls = %d, want 2", calls)
	}
}

func TestRenew_AlreadyRenewed(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	stored := env.storeToken(t, env.clock.Now().Add(time.Hour))

	// a rejected token that is no longer stored is not renewed again
	token, err := env.coord.Renew(context.Background(), "some-older-token")
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if token.Encoded() != stored.Encoded() {
		t.Error("Renew did not return the current token")
	}
	if calls := env.renewer.calls.Load(); calls != 0 {
		t.Errorf("renewal calls = %d, want 0", calls)
	}
}

func TestRenew_ForcesRenewalOfRejectedToken(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	stored := env.storeToken(t, env.clock.Now().Add(time.Hour))

	// the backend rejected a token that still looks fresh
	token, err := env.coord.Renew(context.Background(), stored.Encoded())
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if token.Encoded() == stored.Encoded() {
		t.Error("expected a new token")
	}
	if calls := env.renewer.calls.Load(); calls != 1 {
		t.Errorf("renewal calls = %d, want 1", calls)
	}
}

func TestEnsureFresh_CallerCancellation(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	env.renewer.release = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	leaderErr := make(chan error, 1)
	go func() {
		_, err := env.coord.EnsureFresh(ctx)
		leaderErr <- err
	}()
	waitForWaiters(t, env.coord, 1)

	followerResult := make(chan error, 1)
	go func() {
		_, err := env.coord.EnsureFresh(context.Background())
		followerResult <- err
	}()
	waitForWaiters(t, env.coord, 2)

	// the first caller gives up; the renewal carries on for the second
	cancel()
	if err := <-leaderErr; !errors.Is(err, context.Canceled) {
		t.Errorf("leader err = %v, want context.Canceled", err)
	}
	close(env.renewer.release)
	if err := <-followerResult; err != nil {
		t.Errorf("follower err = %v, want nil", err)
	}
	if err := env.renewer.ctxErr.Load(); err != nil {
		t.Errorf("renewal context was cancelled: %v", err)
	}
	if calls := env.renewer.calls.Load(); calls != 1 {
		t.Errorf("renewal calls = %d, want 1", calls)
	}
}

func TestCoordinator_Metrics(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	coord := refresh.New(env.store, env.renewer, refresh.Options{Clock: env.clock, Metrics: m})

	if _, err := coord.EnsureFresh(context.Background()); err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	env.renewer.issue = func() (string, error) { return "", errBackendDown }
	env.clock.Advance(2 * time.Hour)
	_, _ = coord.EnsureFresh(context.Background())

	// one success, one failure, one teardown
	expected := `
# HELP apisession_teardowns_total Sessions torn down after a failed renewal.
# TYPE apisession_teardowns_total counter
apisession_teardowns_total 1
`
	if err := promtest.GatherAndCompare(reg, strings.NewReader(expected), "apisession_teardowns_total"); err != nil {
		t.Errorf("unexpected teardown metric: %v", err)
	}
	count, err := promtest.GatherAndCount(reg, "apisession_renewals_total")
	if err != nil {
		t.Fatalf("GatherAndCount failed: %v", err)
	}
	if count != 2 {
		t.Errorf("renewal series = %d, want 2", count)
	}
}

// gatedStore blocks the nth Get until release is closed
type gatedStore struct {
	store.Store
	n       int32
	gets    atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context) (*tokens.AccessToken, error) {
	if g.gets.Add(1) == g.n {
		close(g.entered)
		<-g.release
	}
	return g.Store.Get(ctx)
}

func TestRenew_JoinedFlightForOtherTokenRenewsAgain(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	gated := &gatedStore{
		Store:   env.store,
		n:       2,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	coord := refresh.New(gated, env.renewer, refresh.Options{Clock: env.clock})
	env.storeToken(t, env.clock.Now().Add(-time.Hour))

	// a renewal for the expired token pauses before re-reading the store
	done := make(chan error, 1)
	go func() {
		_, err := coord.EnsureFresh(context.Background())
		done <- err
	}()
	<-gated.entered

	// meanwhile a fresh token lands, and the backend rejects it
	rejected := env.storeToken(t, env.clock.Now().Add(time.Hour))
	renewed := make(chan *tokens.AccessToken, 1)
	errs := make(chan error, 1)
	go func() {
		token, err := coord.Renew(context.Background(), rejected.Encoded())
		if err != nil {
			errs <- err
			return
		}
		renewed <- token
	}()
	waitForWaiters(t, coord, 2)
	close(gated.release)

	if err := <-done; err != nil {
		t.Fatalf("EnsureFresh failed: %v", err)
	}
	select {
	case err := <-errs:
		t.Fatalf("Renew failed: %v", err)
	case token := <-renewed:
		// the rejected token is never handed back
		if token.Encoded() == rejected.Encoded() {
			t.Error("Renew returned the rejected token")
		}
	}
	if calls := env.renewer.calls.Load(); calls != 1 {
		t.Errorf("renewal calls = %d, want 1", calls)
	}
}

func TestCoordinator_SharedCountsJoinersOnly(t *testing.T) {
	t.Parallel()
	env := setupCoordinator(t)
	env.renewer.release = make(chan struct{})
	env.storeToken(t, env.clock.Now().Add(-time.Hour))
	m := metrics.New()
	reg := prometheus.NewRegistry()
	if err := m.Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	coord := refresh.New(env.store, env.renewer, refresh.Options{Clock: env.clock, Metrics: m})

	const n = 4
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = coord.EnsureFresh(context.Background())
		}()
	}
	waitForWaiters(t, coord, n)
	close(env.renewer.release)
	wg.Wait()

	// the caller that led the renewal isn't counted as sharing it
	expected := `
# HELP apisession_renewal_shared_total Callers that received the outcome of a renewal started by another caller.
# TYPE apisession_renewal_shared_total counter
apisession_renewal_shared_total 3
`
	if err := promtest.GatherAndCompare(reg, strings.NewReader(expected), "apisession_renewal_shared_total"); err != nil {
		t.Errorf("unexpected shared metric: %v", err)
	}
}

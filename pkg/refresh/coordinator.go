// Package refresh owns renewal of the access token.
//
// A [Coordinator] allows at most one renewal at a time. Every caller that
// needs a fresh token while a renewal is pending waits for that renewal and
// receives its outcome; however many callers pile up, the backend sees one
// call. A failed renewal clears the store and notifies teardown listeners
// once.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"git.sr.ht/~jakintosh/apisession/internal/metrics"
	"git.sr.ht/~jakintosh/apisession/pkg/store"
	"git.sr.ht/~jakintosh/apisession/pkg/tokens"
	"github.com/juju/clock"
	"github.com/juju/loggo"
	"golang.org/x/sync/singleflight"
)

var logger = loggo.GetLogger("apisession.refresh")

var ErrRenewalFailed = errors.New("renewal failed")

// the coordinator only ever renews one credential
const flightKey = "renew"

type State int

const (
	StateIdle State = iota
	StatePending
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

type Options struct {
	// Clock defaults to the wall clock.
	Clock   clock.Clock
	Metrics *metrics.Metrics
}

type Coordinator struct {
	store   store.Store
	renewer Renewer
	clock   clock.Clock
	metrics *metrics.Metrics
	flight  singleflight.Group

	mu        sync.Mutex
	state     State
	waiters   int
	listeners []func(error)
}

func New(
	s store.Store,
	renewer Renewer,
	opts Options,
) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Coordinator{
		store:   s,
		renewer: renewer,
		clock:   opts.Clock,
		metrics: opts.Metrics,
	}
}

// OnTeardown registers fn to run after every failed renewal, with the
// failure. Listeners run inside the renewal and must not wait on the
// coordinator.
func (c *Coordinator) OnTeardown(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State reports whether a renewal is pending, or else how the last one ended.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Waiters is the number of callers currently waiting on a renewal.
func (c *Coordinator) Waiters() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiters
}

func (c *Coordinator) Clock() clock.Clock {
	return c.clock
}

// EnsureFresh returns the stored token if it has not expired, and otherwise
// renews it.
func (c *Coordinator) EnsureFresh(ctx context.Context) (*tokens.AccessToken, error) {
	current, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil && !current.Expired(c.clock.Now()) {
		return current, nil
	}
	return c.renew(ctx, encoded(current))
}

// Renew replaces a token the backend rejected. If the store already holds a
// different unexpired token, another caller has renewed it and that token
// is returned instead.
func (c *Coordinator) Renew(ctx context.Context, rejected string) (*tokens.AccessToken, error) {
	current, err := c.store.Get(ctx)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Encoded() != rejected && !current.Expired(c.clock.Now()) {
		logger.Debugf("token already renewed by another caller")
		return current, nil
	}
	return c.renew(ctx, rejected)
}

func (c *Coordinator) renew(ctx context.Context, stale string) (*tokens.AccessToken, error) {
	token, err := c.join(ctx, stale)
	if err != nil || stale == "" || token.Encoded() != stale {
		return token, err
	}

	// the flight we joined was started for another caller's stale token and
	// handed back the one we hold; ours has not been replaced yet
	logger.Debugf("joined renewal returned the stale token, renewing again")
	return c.join(ctx, stale)
}

// join waits on the pending renewal, or starts one for stale.
func (c *Coordinator) join(ctx context.Context, stale string) (*tokens.AccessToken, error) {
	// a caller leaving early doesn't cancel the renewal others are waiting on
	flightCtx := context.WithoutCancel(ctx)

	// only the caller whose function runs leads the flight
	var led atomic.Bool

	// DoChan never blocks, so joining and counting happen together
	c.mu.Lock()
	c.waiters++
	ch := c.flight.DoChan(flightKey, func() (any, error) {
		led.Store(true)
		return c.run(flightCtx, stale)
	})
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.waiters--
		c.mu.Unlock()
	}()

	select {
	case res := <-ch:
		if res.Shared && !led.Load() {
			c.metrics.RenewalShared()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*tokens.AccessToken), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Coordinator) run(ctx context.Context, stale string) (*tokens.AccessToken, error) {
	c.setState(StatePending)

	// a renewal that finished after our caller read the store already
	// replaced the stale token
	current, err := c.store.Get(ctx)
	if err == nil && current != nil && current.Encoded() != stale && !current.Expired(c.clock.Now()) {
		c.setState(StateSucceeded)
		return current, nil
	}

	logger.Infof("renewing access token")
	encToken, err := c.renewer.Renew(ctx)
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	token, err := tokens.Parse(encToken)
	if err != nil {
		return nil, c.fail(ctx, fmt.Errorf("%w: couldn't decode renewed token: %v", ErrRenewalFailed, err))
	}

	if err := c.store.Set(ctx, token); err != nil {
		return nil, c.fail(ctx, fmt.Errorf("%w: %v", ErrRenewalFailed, err))
	}

	c.metrics.RenewalSucceeded()
	c.setState(StateSucceeded)
	logger.Infof("access token renewed, expires %v", token.Expiration())
	return token, nil
}

func (c *Coordinator) fail(ctx context.Context, cause error) error {
	err := cause
	if !errors.Is(err, ErrRenewalFailed) {
		err = fmt.Errorf("%w: %v", ErrRenewalFailed, cause)
	}
	logger.Errorf("%v", err)

	if clearErr := c.store.Clear(ctx); clearErr != nil {
		logger.Errorf("couldn't clear store after failed renewal: %v", clearErr)
	}

	c.metrics.RenewalFailed()
	c.metrics.TornDown()

	c.mu.Lock()
	c.state = StateFailed
	listeners := make([]func(error), len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(err)
	}
	return err
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func encoded(token *tokens.AccessToken) string {
	if token == nil {
		return ""
	}
	return token.Encoded()
}

package session

import (
	"context"
	"errors"
	"sync"

	"git.sr.ht/~jakintosh/apisession/pkg/refresh"
	"git.sr.ht/~jakintosh/apisession/pkg/store"
	"git.sr.ht/~jakintosh/apisession/pkg/tokens"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("apisession.session")

const (
	RedirectLogin     = "/login"
	RedirectDashboard = "/dashboard"
)

type State int

const (
	Anonymous State = iota
	Checking
	Authenticated
)

func (s State) String() string {
	switch s {
	case Checking:
		return "checking"
	case Authenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

// Decision is the outcome of entering a protected view.
type Decision struct {
	State    State
	Redirect string
	// Identity is set when State is Authenticated.
	Identity *tokens.Identity
}

// Guard decides whether a visitor is signed in. Any failed renewal, from
// the guard or elsewhere, turns it anonymous and logs out.
type Guard struct {
	store store.Store
	coord *refresh.Coordinator
	auth  *Auth

	mu    sync.Mutex
	state State
}

func NewGuard(
	st store.Store,
	coord *refresh.Coordinator,
	auth *Auth,
) *Guard {
	g := &Guard{
		store: st,
		coord: coord,
		auth:  auth,
	}
	coord.OnTeardown(g.teardown)
	return g
}

func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Enter evaluates the session once. An existing but expired token is
// renewed first; a failed renewal is reported as an anonymous decision,
// not an error.
func (g *Guard) Enter(ctx context.Context) (Decision, error) {
	token, err := g.store.Get(ctx)
	if err != nil {
		return Decision{}, err
	}

	if token == nil {
		logger.Debugf("no credential")
		g.setState(Anonymous)
		return anonymous(), nil
	}

	if !token.Expired(g.coord.Clock().Now()) {
		logger.Debugf("credential fresh")
		return g.authenticated(ctx)
	}

	previous := g.swapState(Checking)
	if _, err := g.coord.EnsureFresh(ctx); err != nil {
		if errors.Is(err, refresh.ErrRenewalFailed) {
			// teardown has already logged out
			return anonymous(), nil
		}
		g.setState(previous)
		return Decision{}, err
	}
	return g.authenticated(ctx)
}

func (g *Guard) authenticated(ctx context.Context) (Decision, error) {
	identity, err := g.store.Identity(ctx)
	if err != nil {
		return Decision{}, err
	}
	g.setState(Authenticated)
	return Decision{
		State:    Authenticated,
		Redirect: RedirectDashboard,
		Identity: identity,
	}, nil
}

func (g *Guard) teardown(cause error) {
	logger.Infof("session torn down: %v", cause)
	g.setState(Anonymous)
	if g.auth == nil {
		return
	}
	if err := g.auth.Logout(context.Background()); err != nil {
		logger.Errorf("forced logout failed: %v", err)
	}
}

func (g *Guard) setState(s State) {
	g.swapState(s)
}

func (g *Guard) swapState(s State) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	previous := g.state
	g.state = s
	return previous
}

func anonymous() Decision {
	return Decision{State: Anonymous, Redirect: RedirectLogin}
}

// Package mockapi is an in-memory stand-in for the mock API backend's user
// and project routes. It issues ES256 access tokens, keeps the renewal secret
// in an HttpOnly cookie, and protects the project routes with bearer tokens.
package mockapi

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"
	"golang.org/x/crypto/bcrypt"
)

var logger = loggo.GetLogger("apisession.mockapi")

var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailExists        = errors.New("email already registered")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrRefreshNotFound    = errors.New("refresh token not found")
	ErrProjectNotFound    = errors.New("project not found")
	ErrInternal           = errors.New("internal error")
)

const (
	DefaultIssuer         = "mockapi.local"
	DefaultAccessLifetime = 15 * time.Minute

	// RefreshLifetime is how long the client keeps the refresh cookie.
	RefreshLifetime = 7 * 24 * time.Hour
)

// PasswordMode controls bcrypt cost for password hashing.
type PasswordMode int

const (
	// PasswordModeProduction uses bcrypt.DefaultCost.
	PasswordModeProduction PasswordMode = iota
	// PasswordModeTesting uses bcrypt.MinCost for fast tests.
	PasswordModeTesting
)

func (m PasswordMode) Cost() int {
	if m == PasswordModeTesting {
		return bcrypt.MinCost
	}
	return bcrypt.DefaultCost
}

type Options struct {
	// SigningKey is generated when nil.
	SigningKey     *ecdsa.PrivateKey
	Issuer         string
	AccessLifetime time.Duration
	Clock          clock.Clock
	PasswordMode   PasswordMode

	// SecureCookies marks the refresh cookie Secure; leave unset for plain
	// http listeners.
	SecureCookies bool
}

type user struct {
	id    string
	name  string
	email string
	hash  []byte
}

type Project struct {
	ID          string `json:"_id"`
	Owner       string `json:"owner"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type Server struct {
	key            *ecdsa.PrivateKey
	issuer         string
	accessLifetime time.Duration
	clock          clock.Clock
	passwordMode   PasswordMode
	secureCookies  bool

	mu       sync.Mutex
	users    map[string]*user  // by email
	secrets  map[string]string // refresh secret -> user email
	projects map[string]*Project
}

func New(opts Options) (*Server, error) {
	if opts.SigningKey == nil {
		key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
		opts.SigningKey = key
	}
	if opts.Issuer == "" {
		opts.Issuer = DefaultIssuer
	}
	if opts.AccessLifetime <= 0 {
		opts.AccessLifetime = DefaultAccessLifetime
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	return &Server{
		key:            opts.SigningKey,
		issuer:         opts.Issuer,
		accessLifetime: opts.AccessLifetime,
		clock:          opts.Clock,
		passwordMode:   opts.PasswordMode,
		secureCookies:  opts.SecureCookies,
		users:          make(map[string]*user),
		secrets:        make(map[string]string),
		projects:       make(map[string]*Project),
	}, nil
}

func (s *Server) PublicKey() *ecdsa.PublicKey {
	return &s.key.PublicKey
}

// SetAccessLifetime changes the lifetime of tokens issued from now on.
func (s *Server) SetAccessLifetime(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessLifetime = d
}

// RevokeAll forgets every refresh secret, so the next renewal is refused.
func (s *Server) RevokeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets = make(map[string]string)
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"git.sr.ht/~jakintosh/apisession/internal/config"
	"git.sr.ht/~jakintosh/apisession/internal/metrics"
	"git.sr.ht/~jakintosh/apisession/pkg/client"
	"git.sr.ht/~jakintosh/apisession/pkg/refresh"
	"git.sr.ht/~jakintosh/apisession/pkg/session"
	"git.sr.ht/~jakintosh/apisession/pkg/store"
	cookiejar "github.com/juju/persistent-cookiejar"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
)

// app is one process's view of the session: the durable store, the cookie
// jar holding the renewal secret, and everything built on top of them.
type app struct {
	cfg      *config.Config
	store    store.Store
	jar      *cookiejar.Jar
	coord    *refresh.Coordinator
	client   *client.Client
	auth     *session.Auth
	guard    *session.Guard
	registry *prometheus.Registry

	// sqlite is nil when the session lives in redis
	sqlite     *store.SQLite
	closeStore func() error
}

func newApp(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.CookiePath), 0700); err != nil {
		return nil, fmt.Errorf("couldn't create cookie dir: %w", err)
	}
	jar, err := cookiejar.New(&cookiejar.Options{Filename: cfg.CookiePath})
	if err != nil {
		return nil, fmt.Errorf("couldn't open cookie jar: %w", err)
	}

	a := &app{
		cfg:      cfg,
		jar:      jar,
		registry: prometheus.NewRegistry(),
	}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

// open connects the store and builds the session stack on it. The store is
// closed again if the stack can't be built.
func (a *app) open() error {
	backend, err := a.openBackend()
	if err != nil {
		return err
	}
	if err := a.wire(backend); err != nil {
		if closeErr := a.closeStore(); closeErr != nil {
			logger.Warningf("couldn't close store: %v", closeErr)
		}
		return err
	}
	return nil
}

// wire builds the session stack on an open backend.
func (a *app) wire(backend store.Backend) error {
	a.store = store.New(backend)

	m := metrics.New()
	if err := m.Register(a.registry); err != nil {
		return err
	}

	renewer := refresh.NewHTTPRenewer(a.cfg.BaseURL, a.jar, a.cfg.Timeout)
	a.coord = refresh.New(a.store, renewer, refresh.Options{Metrics: m})
	a.client = client.New(a.coord, client.Options{
		BaseURL: a.cfg.BaseURL,
		Jar:     a.jar,
		Timeout: a.cfg.Timeout,
		Metrics: m,
	})

	var err error
	a.auth, err = session.NewAuth(a.cfg.BaseURL, a.store, a.jar, a.cfg.Timeout)
	if err != nil {
		return err
	}
	a.guard = session.NewGuard(a.store, a.coord, a.auth)
	return nil
}

func (a *app) openBackend() (store.Backend, error) {
	if a.cfg.RedisURL != "" {
		opts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		a.closeStore = rdb.Close
		return store.NewRedis(rdb, a.cfg.Scope), nil
	}

	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0700); err != nil {
		return nil, fmt.Errorf("couldn't create session dir: %w", err)
	}
	db, err := store.NewSQLite(a.cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.sqlite = db
	a.closeStore = db.Close
	return db, nil
}

// close persists cookies the backend may have rotated and releases the
// store.
func (a *app) close() error {
	var errs []error
	if err := a.jar.Save(); err != nil {
		errs = append(errs, fmt.Errorf("couldn't save cookies: %w", err))
	}
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

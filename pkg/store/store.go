// Package store persists the current access token and the identity derived
// from it.
//
// [Store] is the only shared mutable session state in the module. Reads
// always go to the [Backend]; there is no cache, so a Set or Clear is
// visible to the next Get from any reader.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"git.sr.ht/~jakintosh/apisession/pkg/tokens"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("apisession.store")

const (
	KeyAccessToken = "accessToken"
	KeyIdentity    = "user"
)

var ErrClosed = errors.New("store closed")

// Store holds the client-side credential.
//
// Get and Identity return nil, nil when nothing is stored. Only the
// refresh coordinator and the login/logout flows write to a Store.
type Store interface {
	Get(ctx context.Context) (*tokens.AccessToken, error)
	Identity(ctx context.Context) (*tokens.Identity, error)
	Set(ctx context.Context, token *tokens.AccessToken) error
	Clear(ctx context.Context) error
}

// Backend is a durable key-value map. Save must write all values
// atomically; Delete of a missing key is not an error.
type Backend interface {
	Load(ctx context.Context, key string) (value string, ok bool, err error)
	Save(ctx context.Context, values map[string]string) error
	Delete(ctx context.Context, keys ...string) error
}

// KV implements Store on top of a Backend.
type KV struct {
	backend Backend
}

func New(backend Backend) *KV {
	return &KV{backend: backend}
}

func (s *KV) Get(ctx context.Context) (*tokens.AccessToken, error) {
	encoded, ok, err := s.backend.Load(ctx, KeyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("couldn't load access token: %w", err)
	}
	if !ok || encoded == "" {
		return nil, nil
	}

	// an undecodable token is returned without claims, and reads as expired
	token, err := tokens.Parse(encoded)
	if err != nil {
		logger.Debugf("stored access token is malformed: %v", err)
	}
	return token, nil
}

func (s *KV) Identity(ctx context.Context) (*tokens.Identity, error) {
	encoded, ok, err := s.backend.Load(ctx, KeyIdentity)
	if err != nil {
		return nil, fmt.Errorf("couldn't load identity: %w", err)
	}
	if !ok {
		return nil, nil
	}

	identity := new(tokens.Identity)
	if err := json.Unmarshal([]byte(encoded), identity); err != nil {
		return nil, fmt.Errorf("couldn't decode identity: %w", err)
	}
	return identity, nil
}

func (s *KV) Set(ctx context.Context, token *tokens.AccessToken) error {
	if token == nil || token.Encoded() == "" {
		return fmt.Errorf("refusing to store an empty access token")
	}

	identity, err := json.Marshal(token.Identity())
	if err != nil {
		return fmt.Errorf("couldn't encode identity: %w", err)
	}

	err = s.backend.Save(ctx, map[string]string{
		KeyAccessToken: token.Encoded(),
		KeyIdentity:    string(identity),
	})
	if err != nil {
		return fmt.Errorf("couldn't save access token: %w", err)
	}
	logger.Debugf("stored access token for %q", token.Subject())
	return nil
}

func (s *KV) Clear(ctx context.Context) error {
	if err := s.backend.Delete(ctx, KeyAccessToken, KeyIdentity); err != nil {
		return fmt.Errorf("couldn't clear access token: %w", err)
	}
	logger.Debugf("cleared access token")
	return nil
}

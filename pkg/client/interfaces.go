package client

import (
	"context"
	"net/http"

	"git.sr.ht/~jakintosh/apisession/pkg/tokens"
)

// TokenSource supplies the access token for each request.
// *refresh.Coordinator is the implementation used outside of tests.
type TokenSource interface {
	EnsureFresh(ctx context.Context) (*tokens.AccessToken, error)
	Renew(ctx context.Context, rejected string) (*tokens.AccessToken, error)
}

// Doer sends requests. Code calling the API should depend on this rather
// than *Client so it can be tested against a plain http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Compile-time check that *Client implements Doer.
var _ Doer = (*Client)(nil)

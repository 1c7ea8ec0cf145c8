package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"git.sr.ht/~jakintosh/apisession/internal/api"
	"git.sr.ht/~jakintosh/apisession/internal/metrics"
	"git.sr.ht/~jakintosh/apisession/pkg/tokens"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("apisession.client")

var (
	ErrAuthorizationFailed = errors.New("authorization failed")
	ErrRequestFailed       = errors.New("request failed")
)

const DefaultTimeout = 10 * time.Second

type Options struct {
	// BaseURL is prepended to the paths given to Get, PostJSON and Delete.
	BaseURL string
	// Jar is shared with the renewer so both see the same cookies.
	Jar       http.CookieJar
	Timeout   time.Duration
	Transport http.RoundTripper
	Metrics   *metrics.Metrics
}

// Client sends requests to the API with the current access token attached.
// A request answered with 401 is sent once more after the token is renewed.
type Client struct {
	tokens  TokenSource
	http    *http.Client
	baseURL string
	metrics *metrics.Metrics
}

func New(
	source TokenSource,
	opts Options,
) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Client{
		tokens: source,
		http: &http.Client{
			Jar:       opts.Jar,
			Timeout:   opts.Timeout,
			Transport: opts.Transport,
		},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		metrics: opts.Metrics,
	}
}

// Do sends req with a fresh access token. If the token can't be made fresh
// the request is not sent and the renewal error is returned.
//
// A 401 response triggers one renewal and one resend of the request; the
// response to the resend is returned whatever its status. Requests with a
// body that can't be replayed (no GetBody) are never resent.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := c.tokens.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.send(req, token)
	if err != nil {
		return nil, err
	}
	if !IsAuthorizationFailure(res) {
		return res, nil
	}

	if !replayable(req) {
		logger.Debugf("%s %s rejected, body can't be replayed", req.Method, req.URL.Path)
		return res, nil
	}
	discard(res)

	logger.Debugf("%s %s rejected, renewing and retrying once", req.Method, req.URL.Path)
	renewed, err := c.tokens.Renew(ctx, token.Encoded())
	if err != nil {
		return nil, err
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%w: couldn't replay body: %v", ErrRequestFailed, err)
		}
		retry.Body = body
	}

	c.metrics.Retried()
	return c.send(retry, renewed)
}

func (c *Client) send(req *http.Request, token *tokens.AccessToken) (*http.Response, error) {
	authorized := req.Clone(req.Context())
	authorized.Header.Set("Authorization", "Bearer "+token.Encoded())
	return c.http.Do(authorized)
}

func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// PostJSON encodes data as the request body. The body is replayable, so a
// rejected request is retried.
func (c *Client) PostJSON(ctx context.Context, path string, data any) (*http.Response, error) {
	body, err := api.EncodeBody(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.Do(req)
}

func (c *Client) Delete(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// IsAuthorizationFailure reports whether the API rejected the request's
// credential.
func IsAuthorizationFailure(res *http.Response) bool {
	return res != nil && res.StatusCode == http.StatusUnauthorized
}

// CheckResponse turns a non-2xx response into an error carrying the server
// message, closing its body. A 401 wraps [ErrAuthorizationFailed]; any
// other failure wraps [ErrRequestFailed].
func CheckResponse(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode <= 299 {
		return nil
	}
	msg := api.ErrorMessage(res)
	if IsAuthorizationFailure(res) {
		return fmt.Errorf("%w: %s", ErrAuthorizationFailed, msg)
	}
	return fmt.Errorf("%w: %d: %s", ErrRequestFailed, res.StatusCode, msg)
}

func replayable(req *http.Request) bool {
	return req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
}

func discard(res *http.Response) {
	_, _ = io.Copy(io.Discard, res.Body)
	_ = res.Body.Close()
}

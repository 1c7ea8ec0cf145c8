package refresh

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"git.sr.ht/~jakintosh/apisession/internal/api"
)

const DefaultTimeout = 10 * time.Second

// Renewer obtains a new encoded access token without a password.
type Renewer interface {
	Renew(ctx context.Context) (string, error)
}

type RenewerFunc func(ctx context.Context) (string, error)

func (f RenewerFunc) Renew(ctx context.Context) (string, error) { return f(ctx) }

// HTTPRenewer calls the backend's refresh route on its own http.Client.
// It never goes through the authorizing client: the request carries no
// access token, only the cookies in the jar, which hold the renewal secret.
type HTTPRenewer struct {
	url    string
	client *http.Client
}

func NewHTTPRenewer(
	baseURL string,
	jar http.CookieJar,
	timeout time.Duration,
) *HTTPRenewer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPRenewer{
		url: strings.TrimRight(baseURL, "/") + api.PathRefresh,
		client: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
	}
}

func (r *HTTPRenewer) Renew(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, nil)
	if err != nil {
		return "", fmt.Errorf("%w: couldn't build request: %v", ErrRenewalFailed, err)
	}

	logger.Debugf("posting refresh to %s", r.url)
	res, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: failed to post refresh: %v", ErrRenewalFailed, err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		msg := api.ErrorMessage(res)
		return "", fmt.Errorf("%w: refresh returned %d: %s", ErrRenewalFailed, res.StatusCode, msg)
	}

	tokenResponse := api.TokenResponse{}
	if err := api.DecodeResponse(&tokenResponse, res); err != nil {
		return "", fmt.Errorf("%w: invalid refresh response: %v", ErrRenewalFailed, err)
	}
	if tokenResponse.AccessToken == "" {
		return "", fmt.Errorf("%w: refresh response has no access token", ErrRenewalFailed)
	}
	return tokenResponse.AccessToken, nil
}

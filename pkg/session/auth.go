package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"git.sr.ht/~jakintosh/apisession/internal/api"
	"git.sr.ht/~jakintosh/apisession/pkg/store"
	"git.sr.ht/~jakintosh/apisession/pkg/tokens"
)

var (
	ErrLoginFailed        = errors.New("login failed")
	ErrRegistrationFailed = errors.New("registration failed")
)

const DefaultTimeout = 10 * time.Second

// ServerError carries the message the backend gave for a refused login or
// registration.
type ServerError struct {
	Kind    error
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Message)
}

func (e *ServerError) Unwrap() error {
	return e.Kind
}

// saver is implemented by jars that persist their cookies, such as
// persistent-cookiejar's.
type saver interface {
	Save() error
}

// Auth runs the password flows. It is the only writer of the store besides
// the refresh coordinator.
type Auth struct {
	baseURL *url.URL
	store   store.Store
	jar     http.CookieJar
	http    *http.Client
}

func NewAuth(
	baseURL string,
	st store.Store,
	jar http.CookieJar,
	timeout time.Duration,
) (*Auth, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Auth{
		baseURL: u,
		store:   st,
		jar:     jar,
		http: &http.Client{
			Jar:     jar,
			Timeout: timeout,
		},
	}, nil
}

// Login exchanges a password for an access token and stores it. The
// backend sets the renewal secret in the jar as a side effect. A refused
// login leaves the session as it was.
func (a *Auth) Login(
	ctx context.Context,
	email string,
	password string,
) (
	tokens.Identity,
	error,
) {
	res, err := a.post(ctx, api.PathLogin, api.LoginRequest{Email: email, Password: password})
	if err != nil {
		return tokens.Identity{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return tokens.Identity{}, serverError(ErrLoginFailed, res)
	}

	response := api.TokenResponse{}
	if err := api.DecodeResponse(&response, res); err != nil {
		return tokens.Identity{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if response.AccessToken == "" {
		return tokens.Identity{}, fmt.Errorf("%w: response has no access token", ErrLoginFailed)
	}
	token, err := tokens.Parse(response.AccessToken)
	if err != nil {
		return tokens.Identity{}, fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}

	if err := a.store.Set(ctx, token); err != nil {
		return tokens.Identity{}, err
	}
	a.saveJar()

	identity := token.Identity()
	logger.Infof("logged in as %s", identity.ID)
	return identity, nil
}

// Register creates an account. It does not log in.
func (a *Auth) Register(
	ctx context.Context,
	name string,
	email string,
	password string,
) error {
	req := api.RegisterRequest{Name: name, Email: email, Password: password}
	res, err := a.post(ctx, api.PathRegister, req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistrationFailed, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return serverError(ErrRegistrationFailed, res)
	}
	_ = res.Body.Close()

	logger.Infof("registered %s", email)
	return nil
}

// Logout clears the store and expires the renewal secret in the jar.
// Logging out without a session is not an error.
func (a *Auth) Logout(ctx context.Context) error {
	if err := a.store.Clear(ctx); err != nil {
		return err
	}

	if a.jar != nil {
		a.jar.SetCookies(a.baseURL, []*http.Cookie{{
			Name:   api.RefreshCookie,
			Path:   "/",
			MaxAge: -1,
		}})
		a.saveJar()
	}

	logger.Infof("logged out")
	return nil
}

func (a *Auth) post(ctx context.Context, path string, data any) (*http.Response, error) {
	body, err := api.EncodeBody(data)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL.String()+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.http.Do(req)
}

func (a *Auth) saveJar() {
	s, ok := a.jar.(saver)
	if !ok {
		return
	}
	if err := s.Save(); err != nil {
		logger.Warningf("couldn't save cookie jar: %v", err)
	}
}

func serverError(kind error, res *http.Response) error {
	return &ServerError{
		Kind:    kind,
		Status:  res.StatusCode,
		Message: api.ErrorMessage(res),
	}
}

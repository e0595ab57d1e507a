// ABOUTME: HTTP client for the parley backend with bearer credentials from the persisted user
// ABOUTME: Purges the session and redirects to the entry route on 401 or an expired token

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/parley/internal/store"
)

// EntryRoute is the unauthenticated entry route.
const EntryRoute = "/"

// ErrUnauthorized is returned when the backend rejects the credential or the
// stored token has already expired.
var ErrUnauthorized = errors.New("unauthorized")

// HTTPError is a non-2xx response. Message carries the server's "error"
// field when present.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("server returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("server returned status %d", e.Status)
}

// Is makes a 401 HTTPError match ErrUnauthorized.
func (e *HTTPError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// Navigator moves the front end between routes.
type Navigator interface {
	Location() string
	Navigate(path string)
}

// SessionStore supplies the persisted user and clears it on deauthentication.
// *store.Adapter satisfies it.
type SessionStore interface {
	CurrentUser(ctx context.Context) (*store.User, error)
	ClearSession(ctx context.Context) error
}

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIPrefix  string
	HTTPClient *http.Client
	Session    SessionStore
	Navigator  Navigator
	Logger     *slog.Logger
}

// Client issues backend requests.
type Client struct {
	baseURL   string
	apiPrefix string
	http      *http.Client
	session   SessionStore
	nav       Navigator
	logger    *slog.Logger
}

// New creates a Client. Session and Navigator may be nil.
func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		apiPrefix: "/" + strings.Trim(opts.APIPrefix, "/"),
		http:      hc,
		session:   opts.Session,
		nav:       opts.Navigator,
		logger:    logger.With("component", "api"),
	}
}

// BaseURL returns the server root without a trailing slash.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Do sends a JSON request to path under the API prefix and decodes the
// response into out (which may be nil).
func (c *Client) Do(ctx context.Context, method, path string, body, out any) error {
	return c.send(ctx, method, c.baseURL+c.apiPrefix+path, body, out)
}

// send performs one request against an absolute URL. A *[]byte out receives
// the raw body.
func (c *Client) send(ctx context.Context, method, url string, body, out any) error {
	token, err := c.bearer(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := decodeError(resp)
		c.logger.Debug("request failed", "method", method, "url", url, "status", resp.StatusCode, "error", httpErr.Message)
		if resp.StatusCode == http.StatusUnauthorized {
			c.deauthenticate(ctx)
		}
		return httpErr
	}

	switch dst := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	case *[]byte:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response: %w", err)
		}
		*dst = data
		return nil
	default:
		if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
			return fmt.Errorf("parsing response: %w", err)
		}
		return nil
	}
}

func decodeError(resp *http.Response) *HTTPError {
	httpErr := &HTTPError{Status: resp.StatusCode}
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &payload) == nil {
		httpErr.Message = payload.Error
		if httpErr.Message == "" {
			httpErr.Message = payload.Message
		}
	}
	return httpErr
}

// bearer returns the stored token, or ErrUnauthorized after purging the
// session when the token is a JWT whose exp has passed.
func (c *Client) bearer(ctx context.Context) (string, error) {
	if c.session == nil {
		return "", nil
	}
	user, err := c.session.CurrentUser(ctx)
	if err != nil || user == nil || user.Token == "" {
		return "", nil
	}
	if tokenExpired(user.Token, time.Now()) {
		c.logger.Info("stored token expired")
		c.deauthenticate(ctx)
		return "", ErrUnauthorized
	}
	return user.Token, nil
}

// tokenExpired reports whether token is a JWT with an exp claim before now.
// Opaque tokens are never considered expired; the server decides.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}

// deauthenticate clears the persisted session and returns to the entry route.
// The redirect is skipped when the front end is already there so a failed
// login cannot loop.
func (c *Client) deauthenticate(ctx context.Context) {
	if c.session != nil {
		if err := c.session.ClearSession(context.WithoutCancel(ctx)); err != nil {
			c.logger.Error("clearing session", "error", err)
		}
	}
	if c.nav != nil && c.nav.Location() != EntryRoute {
		c.nav.Navigate(EntryRoute)
	}
}

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

var (
	// ErrNotAuthenticated is returned when an authenticated call is made without a stored session.
	ErrNotAuthenticated = errors.New("client: not authenticated")

	// ErrSessionExpired is returned when the server rejected the refresh
	// token. The stored session has been cleared.
	ErrSessionExpired = errors.New("client: session expired")
)

// APIError is a non-2xx response from the auth API.
type APIError struct {
	Status  int
	Message string
	Fields  map[string]string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("client: http %d", e.Status)
	}
	return fmt.Sprintf("client: http %d: %s", e.Status, e.Message)
}

const (
	maxResponseBytes = 1 << 20
	refreshTimeout   = 15 * time.Second
)

// Client talks to the auth API and keeps the session in store.
type Client struct {
	base  *url.URL
	http  *http.Client
	store *SessionStore
	log   *slog.Logger

	// mu guards read-modify-write of the stored session.
	mu        sync.Mutex
	refreshes singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// New returns a Client for the API at baseURL.
func New(baseURL string, store *SessionStore, opts ...Option) (*Client, error) {
	if store == nil {
		return nil, errors.New("client: nil session store")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: base url must be http(s): %q", baseURL)
	}

	c := &Client{
		base:  u,
		http:  &http.Client{Timeout: 15 * time.Second},
		store: store,
		log:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Session returns the stored session, or nil.
func (c *Client) Session(ctx context.Context) (*Session, error) {
	return c.store.Load(ctx)
}

// Register creates an account and stores the returned session.
func (c *Client) Register(ctx context.Context, email, password string) (Session, error) {
	return c.authenticate(ctx, "/auth/register", email, password)
}

// Login signs in and stores the returned session.
func (c *Client) Login(ctx context.Context, email, password string) (Session, error) {
	return c.authenticate(ctx, "/auth/login", email, password)
}

func (c *Client) authenticate(ctx context.Context, path, email, password string) (Session, error) {
	var sess Session
	body := map[string]string{"email": email, "password": password}
	if err := c.call(ctx, http.MethodPost, path, "", body, &sess); err != nil {
		return Session{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.store.Save(ctx, sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

// Refresh rotates the stored refresh token. Concurrent callers share one
// request, which outlives any single caller's cancellation. When the server
// rejects the token the session is cleared and ErrSessionExpired is returned.
func (c *Client) Refresh(ctx context.Context) (Session, error) {
	ch := c.refreshes.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.refresh(rctx)
	})

	select {
	case <-ctx.Done():
		return Session{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Session{}, res.Err
		}
		return res.Val.(Session), nil
	}
}

func (c *Client) refresh(ctx context.Context) (Session, error) {
	cur, err := c.store.Load(ctx)
	if err != nil {
		return Session{}, err
	}
	if cur == nil {
		return Session{}, ErrNotAuthenticated
	}

	var next Session
	err = c.call(ctx, http.MethodPost, "/auth/refresh", "", map[string]string{"refreshToken": cur.RefreshToken}, &next)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			if _, cerr := c.replaceIfCurrent(ctx, cur.RefreshToken, nil); cerr != nil {
				c.log.WarnContext(ctx, "client.session.clear.fail", "err", cerr)
			}
			return Session{}, fmt.Errorf("%w: %w", ErrSessionExpired, err)
		}
		return Session{}, err
	}

	ok, err := c.replaceIfCurrent(ctx, cur.RefreshToken, &next)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		c.log.InfoContext(ctx, "client.session.superseded")
	}
	return next, nil
}

// replaceIfCurrent swaps the stored session for next, or clears it when next
// is nil, only while the stored refresh token is still want. A session that
// was replaced or cleared in the meantime is left alone.
func (c *Client) replaceIfCurrent(ctx context.Context, want string, next *Session) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := c.store.Load(ctx)
	if err != nil {
		return false, err
	}
	if cur == nil || cur.RefreshToken != want {
		return false, nil
	}
	if next == nil {
		return true, c.store.Clear(ctx)
	}
	return true, c.store.Save(ctx, *next)
}

// Me fetches the current user and refreshes the cached snapshot.
func (c *Client) Me(ctx context.Context) (User, error) {
	var out struct {
		User User `json:"user"`
	}
	if err := c.authed(ctx, http.MethodGet, "/auth/me", nil, &out); err != nil {
		return User{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, err := c.store.Load(ctx); err == nil && cur != nil && cur.User.ID == out.User.ID {
		cur.User = out.User
		if err := c.store.Save(ctx, *cur); err != nil {
			c.log.WarnContext(ctx, "client.session.save.fail", "err", err)
		}
	}
	return out.User, nil
}

// Logout revokes the server-side refresh tokens and always clears the
// local session. An expired access token is refreshed once so the
// revocation still reaches the server. Only a failure to clear local state
// is returned.
func (c *Client) Logout(ctx context.Context) error {
	err := c.authed(ctx, http.MethodPost, "/auth/logout", nil, nil)
	if err != nil && !errors.Is(err, ErrNotAuthenticated) {
		c.log.WarnContext(ctx, "client.logout.remote.fail", "err", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Clear(ctx)
}

// authed performs an authenticated call. On 401 it refreshes once and retries.
func (c *Client) authed(ctx context.Context, method, path string, in, out any) error {
	cur, err := c.store.Load(ctx)
	if err != nil {
		return err
	}
	if cur == nil {
		return ErrNotAuthenticated
	}

	err = c.call(ctx, method, path, cur.AccessToken, in, out)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return err
	}

	next, err := c.Refresh(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, method, path, next.AccessToken, in, out)
}

func (c *Client) call(ctx context.Context, method, path, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = res.Body.Close() }()

	rd := io.LimitReader(res.Body, maxResponseBytes)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		apiErr := &APIError{Status: res.StatusCode}
		var env struct {
			Message string            `json:"message"`
			Fields  map[string]string `json:"fields"`
		}
		if json.NewDecoder(rd).Decode(&env) == nil {
			apiErr.Message = env.Message
			apiErr.Fields = env.Fields
		}
		return apiErr
	}

	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(rd).Decode(out)
}

package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulse/cmd/identity"
	"pulse/cmd/internal/auth/account"
	"pulse/cmd/internal/auth/api"
	"pulse/cmd/internal/auth/session"
	"pulse/cmd/security/password"
	"pulse/cmd/security/token"
)

// fakeAPI accepts only the current access token and rotates on refresh.
type fakeAPI struct {
	mu        sync.Mutex
	access    string
	refresh   string
	gen       int
	refreshes atomic.Int32
	logoutErr bool
	failNext  bool

	// entered and rotated, when set, receive a signal as a refresh starts
	// and after it has rotated.
	entered chan struct{}
	rotated chan struct{}
}

func notify(ch chan struct{}) {
	if ch == nil {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (f *fakeAPI) session() Session {
	s := sampleSession()
	s.AccessToken = f.access
	s.RefreshToken = f.refresh
	return s
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	write := func(status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	authed := r.Header.Get("Authorization") == "Bearer "+f.access

	switch r.URL.Path {
	case "/auth/refresh":
		f.refreshes.Add(1)
		notify(f.entered)
		time.Sleep(50 * time.Millisecond)
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if f.failNext || req.RefreshToken != f.refresh {
			write(http.StatusUnauthorized, map[string]string{"message": "session expired"})
			return
		}
		f.gen++
		f.access = "access-" + string(rune('a'+f.gen))
		f.refresh = "refresh-" + string(rune('a'+f.gen))
		notify(f.rotated)
		write(http.StatusOK, f.session())
	case "/auth/me":
		if !authed {
			write(http.StatusUnauthorized, map[string]string{"message": "invalid token"})
			return
		}
		write(http.StatusOK, map[string]any{"user": f.session().User})
	case "/auth/logout":
		if f.logoutErr {
			write(http.StatusInternalServerError, map[string]string{"message": "internal error"})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newFakeClient(t *testing.T) (*Client, *SessionStore, *fakeAPI) {
	t.Helper()
	return newFakeClientKV(t, NewMemoryKV())
}

func newFakeClientKV(t *testing.T, kv KV) (*Client, *SessionStore, *fakeAPI) {
	t.Helper()
	f := &fakeAPI{access: "access-live", refresh: "refresh-live"}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	st := NewSessionStore(kv, quietLog())
	c, err := New(srv.URL, st, WithHTTPClient(srv.Client()), WithLogger(quietLog()))
	require.NoError(t, err)
	return c, st, f
}

func TestNew_RejectsBadInput(t *testing.T) {
	_, err := New("ftp://x", NewSessionStore(NewMemoryKV(), nil))
	assert.Error(t, err)
	_, err = New("http://x", nil)
	assert.Error(t, err)
}

func TestClient_RefreshOn401AndRetry(t *testing.T) {
	c, st, f := newFakeClient(t)
	ctx := context.Background()

	stale := sampleSession()
	stale.AccessToken = "access-stale"
	stale.RefreshToken = "refresh-live"
	require.NoError(t, st.Save(ctx, stale))

	u, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", u.Email)
	assert.EqualValues(t, 1, f.refreshes.Load())

	cur, err := st.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "refresh-b", cur.RefreshToken)
}

func TestClient_ConcurrentRefreshIsDeduplicated(t *testing.T) {
	c, st, f := newFakeClient(t)
	ctx := context.Background()

	stale := sampleSession()
	stale.AccessToken = "access-stale"
	stale.RefreshToken = "refresh-live"
	require.NoError(t, st.Save(ctx, stale))

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = c.Refresh(ctx)
		}(i)
	}
	close(start)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, f.refreshes.Load())
}

func TestClient_RefreshFailureClearsSession(t *testing.T) {
	c, st, f := newFakeClient(t)
	ctx := context.Background()

	require.NoError(t, st.Save(ctx, f.session()))
	f.failNext = true

	_, err := c.Refresh(ctx)
	require.ErrorIs(t, err, ErrSessionExpired)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "session expired", apiErr.Message)

	cur, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	_, err = c.Me(ctx)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestClient_LogoutClearsEvenWhenServerFails(t *testing.T) {
	c, st, f := newFakeClient(t)
	ctx := context.Background()

	require.NoError(t, st.Save(ctx, f.session()))
	f.logoutErr = true

	require.NoError(t, c.Logout(ctx))
	cur, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	// Logging out with no session is fine.
	require.NoError(t, c.Logout(ctx))
}

func TestClient_LogoutClearsWhenServerUnreachable(t *testing.T) {
	st := NewSessionStore(NewMemoryKV(), quietLog())
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, sampleSession()))

	c, err := New("http://127.0.0.1:1", st, WithLogger(quietLog()),
		WithHTTPClient(&http.Client{Timeout: 200 * time.Millisecond}))
	require.NoError(t, err)

	require.NoError(t, c.Logout(ctx))
	cur, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

// hookKV runs onGet before the n-th Get.
type hookKV struct {
	KV
	gets  atomic.Int32
	n     int32
	onGet func()
}

func (kv *hookKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if kv.gets.Add(1) == kv.n && kv.onGet != nil {
		kv.onGet()
	}
	return kv.KV.Get(ctx, key)
}

func TestClient_MeDoesNotOverwriteConcurrentRefresh(t *testing.T) {
	kv := &hookKV{KV: NewMemoryKV(), n: 2}
	c, st, f := newFakeClientKV(t, kv)
	ctx := context.Background()
	f.rotated = make(chan struct{}, 1)

	require.NoError(t, st.Save(ctx, f.session()))

	// Me loads the session twice: once for the bearer, once to update the
	// user snapshot. A refresh rotates the tokens in between.
	done := make(chan error, 1)
	kv.onGet = func() {
		go func() {
			_, err := c.Refresh(ctx)
			done <- err
		}()
		<-f.rotated
		select {
		case err := <-done:
			done <- err
		case <-time.After(200 * time.Millisecond):
		}
	}

	_, err := c.Me(ctx)
	require.NoError(t, err)
	require.NoError(t, <-done)

	cur, err := st.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)

	f.mu.Lock()
	live := f.refresh
	f.mu.Unlock()
	assert.Equal(t, live, cur.RefreshToken)
	assert.Equal(t, "refresh-b", cur.RefreshToken)
}

func TestClient_RefreshSurvivesCancelledCaller(t *testing.T) {
	c, st, f := newFakeClient(t)
	f.entered = make(chan struct{}, 1)
	require.NoError(t, st.Save(context.Background(), f.session()))

	first, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := c.Refresh(first)
		firstErr <- err
	}()
	<-f.entered

	secondErr := make(chan error, 1)
	var second Session
	go func() {
		var err error
		second, err = c.Refresh(context.Background())
		secondErr <- err
	}()
	cancel()

	assert.ErrorIs(t, <-firstErr, context.Canceled)
	require.NoError(t, <-secondErr)
	assert.Equal(t, "refresh-b", second.RefreshToken)
	assert.EqualValues(t, 1, f.refreshes.Load())

	cur, err := st.Load(context.Background())
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, "refresh-b", cur.RefreshToken)
}

func TestClient_RefreshDoesNotResurrectClearedSession(t *testing.T) {
	kv := &hookKV{KV: NewMemoryKV(), n: 2}
	c, st, f := newFakeClientKV(t, kv)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, f.session()))

	// The second Get is the guarded re-check before saving the rotated pair.
	kv.onGet = func() { assert.NoError(t, st.Clear(ctx)) }

	next, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, "refresh-b", next.RefreshToken)

	cur, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)
}

type realServer struct {
	URL     string
	refresh *session.MemoryStore
	offset  atomic.Int64
}

// advance moves the server clock forward.
func (s *realServer) advance(d time.Duration) { s.offset.Add(int64(d)) }

func (s *realServer) now() time.Time {
	return time.Now().UTC().Add(time.Duration(s.offset.Load()))
}

func newRealServer(t *testing.T) *realServer {
	t.Helper()

	sessCfg := session.DefaultConfig()
	sessCfg.Secret = strings.Repeat("k", session.MinSecretBytes)
	tokens, err := session.NewAccessTokenManager(sessCfg)
	require.NoError(t, err)

	pw := password.DefaultConfig()
	pw.Params.MemoryKiB = 8 * 1024
	pw.Params.Iterations = 1
	pw.Params.Parallelism = 1

	rs := &realServer{refresh: session.NewMemoryStore()}
	refresh := session.NewManager(sessCfg, rs.refresh, token.NewHasher(""))
	svc, err := account.NewService(quietLog(), identity.NewMemoryStore(), pw, tokens, refresh)
	require.NoError(t, err)

	h, err := api.NewHandler(quietLog(), api.DefaultConfig(), svc, api.WithClock(rs.now))
	require.NoError(t, err)
	r := chi.NewRouter()
	h.Register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	rs.URL = srv.URL
	return rs
}

func TestClient_EndToEnd(t *testing.T) {
	base := newRealServer(t).URL
	ctx := context.Background()

	kv, err := NewFileKV(t.TempDir())
	require.NoError(t, err)
	st := NewSessionStore(kv, quietLog())
	c, err := New(base, st, WithLogger(quietLog()))
	require.NoError(t, err)

	reg, err := c.Register(ctx, "a@x.com", "P@ssw0rd12345!")
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", reg.User.Email)

	_, err = c.Register(ctx, "a@x.com", "P@ssw0rd12345!")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	u, err := c.Me(ctx)
	require.NoError(t, err)
	assert.Equal(t, reg.User.ID, u.ID)

	next, err := c.Refresh(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, reg.RefreshToken, next.RefreshToken)

	require.NoError(t, c.Logout(ctx))
	cur, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	// The last refresh token was revoked server-side.
	require.NoError(t, st.Save(ctx, next))
	_, err = c.Refresh(ctx)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

func TestClient_LogoutWithExpiredAccessTokenRevokesServerSide(t *testing.T) {
	srv := newRealServer(t)
	ctx := context.Background()

	st := NewSessionStore(NewMemoryKV(), quietLog())
	c, err := New(srv.URL, st, WithLogger(quietLog()))
	require.NoError(t, err)

	reg, err := c.Register(ctx, "idle@x.com", "P@ssw0rd12345!")
	require.NoError(t, err)

	// Past the 7 day access TTL, inside the 30 day refresh TTL.
	srv.advance(8 * 24 * time.Hour)

	require.NoError(t, c.Logout(ctx))

	cur, err := st.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, cur)

	active, err := srv.refresh.FindActive(ctx, reg.User.ID)
	require.NoError(t, err)
	assert.Empty(t, active, "refresh tokens still active after logout")

	require.NoError(t, st.Save(ctx, reg))
	_, err = c.Refresh(ctx)
	assert.ErrorIs(t, err, ErrSessionExpired)
}

// Package api serves the auth HTTP surface on a chi router.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pulse/cmd/identity"
	"pulse/cmd/internal/auth/account"
	"pulse/cmd/internal/auth/oauth"
	"pulse/cmd/internal/auth/session"
)

// Accounts is the orchestrator surface the handlers need.
type Accounts interface {
	Register(ctx context.Context, now time.Time, email, password string) (account.Session, error)
	Login(ctx context.Context, now time.Time, email, password string) (account.Session, error)
	LoginOAuth(ctx context.Context, now time.Time, in account.OAuthIdentity) (account.Session, error)
	Refresh(ctx context.Context, now time.Time, refreshToken string) (account.Session, error)
	Logout(ctx context.Context, now time.Time, userID string) error
	Authenticate(ctx context.Context, now time.Time, accessToken string) (session.AccessClaims, error)
	Me(ctx context.Context, userID string) (identity.User, error)
	UpdateProfile(ctx context.Context, now time.Time, userID string, displayName *string) (identity.User, error)
}

// OAuthFlows runs provider redirects and callbacks.
type OAuthFlows interface {
	Enabled(p identity.Provider) bool
	Start(p identity.Provider) (oauth.AuthRequest, error)
	Complete(ctx context.Context, p identity.Provider, code, verifier string) (oauth.Profile, error)
}

// Handler wires HTTP auth endpoints to the account service.
type Handler struct {
	log      *slog.Logger
	cfg      Config
	accounts Accounts
	oauth    OAuthFlows
	rec      Recorder
	now      func() time.Time

	loginIP    *failureWindow
	loginEmail *failureWindow
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithOAuth enables the /auth/oauth routes.
func WithOAuth(flows OAuthFlows) HandlerOption {
	return func(h *Handler) {
		if flows != nil {
			h.oauth = flows
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(rec Recorder) HandlerOption {
	return func(h *Handler) {
		if rec != nil {
			h.rec = rec
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, accounts Accounts, opts ...HandlerOption) (*Handler, error) {
	if accounts == nil {
		return nil, errors.New("api: nil account service")
	}
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.normalized()

	h := &Handler{
		log:        log,
		cfg:        cfg,
		accounts:   accounts,
		rec:        nopRecorder{},
		now:        func() time.Time { return time.Now().UTC() },
		loginIP:    newFailureWindow(cfg.LoginIPMax, cfg.LoginIPWindow),
		loginEmail: newFailureWindow(cfg.LoginEmailMax, cfg.LoginEmailWindow),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h, nil
}

// Register wires the auth routes onto r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", h.handleRegister)
		r.Post("/login", h.handleLogin)
		r.Post("/refresh", h.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Post("/logout", h.handleLogout)
			r.Get("/me", h.handleMe)
			r.Patch("/me", h.handleUpdateProfile)
		})

		r.Get("/oauth/{provider}/start", h.handleOAuthStart)
		r.Get("/oauth/{provider}/callback", h.handleOAuthCallback)
	})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)

	s, err := h.accounts.Register(ctx, h.now(), req.Email, req.Password)
	if err != nil {
		h.audit(ctx, "register", outcomeOf(err), ip)
		h.writeAccountError(w, r, "auth.register", err)
		return
	}

	h.audit(ctx, "register", "ok", ip, "user_id", s.User.ID)
	writeJSON(w, http.StatusCreated, toSessionResponse(s))
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	ctx := r.Context()
	now := h.now()
	ip := clientIP(r, h.cfg.TrustProxy)
	ipKey := ""
	if ip != nil {
		ipKey = ip.String()
	}
	emailKey := identity.NormalizeEmail(req.Email)

	// Throttle before touching the store or hashing.
	if blocked, retry := h.loginIP.Blocked(ipKey, now); blocked {
		h.audit(ctx, "login", "rate_limited", ip, "scope", "ip")
		writeRateLimited(w, retry)
		return
	}
	if blocked, retry := h.loginEmail.Blocked(emailKey, now); blocked {
		h.audit(ctx, "login", "rate_limited", ip, "scope", "email")
		writeRateLimited(w, retry)
		return
	}

	s, err := h.accounts.Login(ctx, now, req.Email, req.Password)
	if err != nil {
		if account.KindOf(err) == account.KindUnauthorized {
			h.loginIP.Fail(ipKey, now)
			h.loginEmail.Fail(emailKey, now)
		}
		h.audit(ctx, "login", outcomeOf(err), ip)
		h.writeAccountError(w, r, "auth.login", err)
		return
	}

	h.loginEmail.Reset(emailKey)
	h.audit(ctx, "login", "ok", ip, "user_id", s.User.ID)
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)

	s, err := h.accounts.Refresh(ctx, h.now(), req.RefreshToken)
	if err != nil {
		var reuse session.ReuseError
		switch {
		case errors.As(err, &reuse):
			h.rec.RefreshRotation("reuse")
			h.audit(ctx, "refresh", "reuse_detected", ip, "user_id", reuse.UserID, "revoked", reuse.Revoked)
		case account.KindOf(err) == account.KindUnauthorized:
			h.rec.RefreshRotation("invalid")
			h.audit(ctx, "refresh", "unauthorized", ip)
		default:
			h.audit(ctx, "refresh", outcomeOf(err), ip)
		}
		h.writeAccountError(w, r, "auth.refresh", err)
		return
	}

	h.rec.RefreshRotation("ok")
	h.audit(ctx, "refresh", "ok", ip, "user_id", s.User.ID)
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims := claimsFrom(ctx)

	if err := h.accounts.Logout(ctx, h.now(), claims.UserID); err != nil {
		h.audit(ctx, "logout", outcomeOf(err), clientIP(r, h.cfg.TrustProxy), "user_id", claims.UserID)
		h.writeAccountError(w, r, "auth.logout", err)
		return
	}

	h.audit(ctx, "logout", "ok", clientIP(r, h.cfg.TrustProxy), "user_id", claims.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	u, err := h.accounts.Me(ctx, claimsFrom(ctx).UserID)
	if err != nil {
		h.writeAccountError(w, r, "auth.me", err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(u)})
}

func (h *Handler) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	ctx := r.Context()
	u, err := h.accounts.UpdateProfile(ctx, h.now(), claimsFrom(ctx).UserID, req.DisplayName)
	if err != nil {
		h.writeAccountError(w, r, "auth.profile", err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(u)})
}

func (h *Handler) oauthProvider(w http.ResponseWriter, r *http.Request) (identity.Provider, bool) {
	p, ok := identity.ParseProvider(chi.URLParam(r, "provider"))
	if !ok || !p.IsOAuth() || h.oauth == nil || !h.oauth.Enabled(p) {
		writeError(w, http.StatusNotFound, "unknown provider", nil)
		return "", false
	}
	return p, true
}

func (h *Handler) handleOAuthStart(w http.ResponseWriter, r *http.Request) {
	p, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	req, err := h.oauth.Start(p)
	if err != nil {
		h.log.ErrorContext(r.Context(), "auth.oauth.start.fail", "err", err, "provider", p)
		WriteInternalError(w)
		return
	}

	h.setOAuthCookies(w, p, req.State, req.Verifier)
	http.Redirect(w, r, req.URL, http.StatusFound)
}

func (h *Handler) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	p, ok := h.oauthProvider(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	ip := clientIP(r, h.cfg.TrustProxy)
	q := r.URL.Query()

	verifier, ok := oauthFlowFromRequest(r)
	h.clearOAuthCookies(w, p)
	if !ok {
		h.audit(ctx, "oauth", "bad_state", ip, "provider", p)
		writeError(w, http.StatusBadRequest, "invalid oauth state", nil)
		return
	}
	if e := q.Get("error"); e != "" {
		h.audit(ctx, "oauth", "denied", ip, "provider", p, "reason", e)
		writeError(w, http.StatusUnauthorized, "oauth login cancelled", nil)
		return
	}
	code := strings.TrimSpace(q.Get("code"))
	if code == "" {
		writeError(w, http.StatusBadRequest, "invalid input", map[string]string{"code": "code is required"})
		return
	}

	prof, err := h.oauth.Complete(ctx, p, code, verifier)
	if err != nil {
		h.audit(ctx, "oauth", "provider_error", ip, "provider", p)
		if errors.Is(err, oauth.ErrUnverifiedEmail) {
			writeError(w, http.StatusUnauthorized, "provider returned no verified email", nil)
			return
		}
		h.log.WarnContext(ctx, "auth.oauth.complete.fail", "err", err, "provider", p)
		writeError(w, http.StatusUnauthorized, "oauth login failed", nil)
		return
	}

	var name *string
	if prof.Name != "" {
		name = &prof.Name
	}
	s, err := h.accounts.LoginOAuth(ctx, h.now(), account.OAuthIdentity{
		Provider:       prof.Provider,
		ProviderUserID: prof.Subject,
		Email:          prof.Email,
		DisplayName:    name,
	})
	if err != nil {
		h.audit(ctx, "oauth", outcomeOf(err), ip, "provider", p)
		h.writeAccountError(w, r, "auth.oauth", err)
		return
	}

	h.audit(ctx, "oauth", "ok", ip, "provider", p, "user_id", s.User.ID)
	writeJSON(w, http.StatusOK, toSessionResponse(s))
}

type claimsKey struct{}

// requireAuth verifies the bearer access token and stores its claims in the request context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token", nil)
			return
		}
		claims, err := h.accounts.Authenticate(r.Context(), h.now(), tok)
		if err != nil {
			h.writeAccountError(w, r, "auth.authenticate", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
	})
}

func claimsFrom(ctx context.Context) session.AccessClaims {
	c, _ := ctx.Value(claimsKey{}).(session.AccessClaims)
	return c
}

// outcomeOf names a failed operation for audit lines and metrics labels.
func outcomeOf(err error) string {
	return account.KindOf(err).String()
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	if raw == "" {
		return nil
	}
	for _, p := range strings.Split(raw, ",") {
		if ip := net.ParseIP(strings.TrimSpace(p)); ip != nil {
			return ip
		}
	}
	return nil
}

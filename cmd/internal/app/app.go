// Package app wires the Pulse server runtime: config, logging, storage,
// the auth HTTP surface and operational endpoints.
package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/cmd/identity"
	"pulse/cmd/internal/auth/account"
	"pulse/cmd/internal/auth/api"
	"pulse/cmd/internal/auth/oauth"
	"pulse/cmd/internal/auth/session"
	"pulse/cmd/internal/metrics"
)

// App owns the HTTP server and the resources behind it.
type App struct {
	cfg Config
	log *slog.Logger

	pool    *pgxpool.Pool
	metrics *metrics.Metrics
	handler http.Handler
}

// New validates cfg and builds a fully wired App. Without db.url it runs on
// in-memory stores, which is meant for development and tests.
func New(ctx context.Context, cfg Config, log *slog.Logger) (*App, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	hasher, err := NewTokenHasher(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	users, refresh, err := a.newStores(ctx)
	if err != nil {
		return nil, err
	}

	accessTokens, err := session.NewAccessTokenManager(cfg.Session())
	if err != nil {
		a.close()
		return nil, err
	}
	svc, err := account.NewService(log, users, cfg.Passwords(), accessTokens,
		session.NewManager(cfg.Session(), refresh, hasher))
	if err != nil {
		a.close()
		return nil, err
	}

	registry := oauth.NewRegistry(cfg.OAuthProviders(), &http.Client{Timeout: 10 * time.Second})
	auth, err := api.NewHandler(log, cfg.API(), svc,
		api.WithOAuth(registry),
		api.WithRecorder(a.metrics),
	)
	if err != nil {
		a.close()
		return nil, err
	}

	a.handler = a.routes(auth)
	log.Info("app.ready",
		"db_enabled", a.pool != nil,
		"token_format", cfg.Session().TokenFormat,
		"token_hmac", hasher.HMAC(),
		"oauth_providers", registry.Providers(),
		"metrics", a.metrics != nil,
	)
	return a, nil
}

func (a *App) newStores(ctx context.Context) (identity.Store, session.Store, error) {
	if a.cfg.DB.URL == "" {
		a.log.Info("db.disabled.inmemory_store")
		return identity.NewMemoryStore(), session.NewMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, a.cfg.DB, a.log)
	if err != nil {
		return nil, nil, err
	}
	a.pool = pool

	schema := schemaName(a.cfg.DB)
	users, err := identity.NewPostgresStore(pool, identity.WithSchema(schema))
	if err != nil {
		a.close()
		return nil, nil, err
	}
	refresh, err := session.NewPostgresStore(pool, session.WithSchema(schema))
	if err != nil {
		a.close()
		return nil, nil, err
	}
	a.log.Info("db.enabled.postgres_store", "schema", schema)
	return users, refresh, nil
}

func (a *App) routes(auth *api.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(func(next http.Handler) http.Handler { return WithRequestLogging(next, a.log, a.metrics) })
	r.Use(func(next http.Handler) http.Handler { return WithRecover(next, a.log) })
	r.Use(WithSecurityHeaders)
	r.Use(func(next http.Handler) http.Handler { return WithCORS(next, a.cfg.CORS, a.log) })

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Get("/readyz", a.handleReady)
	if a.metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.metrics.Handler())
	}

	auth.Register(r)
	return r
}

func (a *App) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.cfg.DB.RequireForReadiness && a.pool == nil {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if a.pool != nil {
		if err := PingDB(r.Context(), a.pool, 2*time.Second); err != nil {
			a.log.Warn("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// Handler exposes the fully wrapped router, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Run serves HTTP until ctx is cancelled, then drains in-flight requests
// within http.shutdown_timeout and releases the pool.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	c := a.cfg.HTTP
	srv := &http.Server{
		Addr:              c.Addr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(c.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(c.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(c.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(c.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(c.MaxHeaderBytes, 1<<20),
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	a.log.Info("server.start", "addr", c.Addr, "db_enabled", a.pool != nil)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(c.ShutdownTimeout, 10*time.Second))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}
	a.log.Info("server.stopped")
	return nil
}

func (a *App) close() {
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

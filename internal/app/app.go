package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/inferxgate/gateway/internal/accounting"
	"github.com/inferxgate/gateway/internal/auth"
	npCache "github.com/inferxgate/gateway/internal/cache"
	"github.com/inferxgate/gateway/internal/config"
	"github.com/inferxgate/gateway/internal/health"
	"github.com/inferxgate/gateway/internal/logger"
	"github.com/inferxgate/gateway/internal/metrics"
	"github.com/inferxgate/gateway/internal/providers"
	anthropicprov "github.com/inferxgate/gateway/internal/providers/anthropic"
	azureprov "github.com/inferxgate/gateway/internal/providers/azure"
	geminiprov "github.com/inferxgate/gateway/internal/providers/gemini"
	openaiprov "github.com/inferxgate/gateway/internal/providers/openai"
	"github.com/inferxgate/gateway/internal/proxy"
	"github.com/inferxgate/gateway/internal/ratelimit"
	"github.com/inferxgate/gateway/internal/router"
	"github.com/inferxgate/gateway/internal/store"

	"github.com/jackc/pgx/v5/pgxpool"
)

// App wires every subsystem in the gateway's request pipeline
// (Authenticator, RateGate, Router, Cache, Accountant, HealthTracker) into a
// single runnable HTTP server.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	pool *pgxpool.Pool
	st   *store.Store
	rdb  *redis.Client

	reqLogger *logger.Logger
	chConn    driverCloser

	prom *metrics.Registry

	provs map[string]providers.Provider

	sessions   *auth.SessionManager
	github     *auth.GitHubOAuth
	authn      *auth.Authenticator
	rategate   *ratelimit.Gate
	routes     *router.Table
	respCache  npCache.Cache
	tracker    *health.Tracker
	costs      *accounting.CostCalculator
	accountant *accounting.Accountant

	server *proxy.Server
}

// driverCloser matches the subset of clickhouse-go's driver.Conn App needs
// at shutdown, so app.go doesn't have to import the driver package directly.
type driverCloser interface {
	Close() error
}

// New builds and wires the full App, but does not start serving.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	a := &App{version: version, cfg: cfg, baseCtx: ctx, log: log}

	if err := a.initInfra(ctx); err != nil {
		return nil, fmt.Errorf("app: init infra: %w", err)
	}
	if err := a.initProviders(ctx); err != nil {
		return nil, fmt.Errorf("app: init providers: %w", err)
	}
	if err := a.initServices(ctx); err != nil {
		return nil, fmt.Errorf("app: init services: %w", err)
	}
	if err := a.initGateway(ctx); err != nil {
		return nil, fmt.Errorf("app: init gateway: %w", err)
	}

	return a, nil
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server returns an error.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	a.log.Info("starting gateway",
		slog.String("addr", addr),
		slog.String("version", a.version),
		slog.Bool("require_auth", a.cfg.RequireAuth),
		slog.Int("providers_configured", len(a.provs)),
		slog.String("redis", redactURL(a.cfg.Redis.URL)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.ListenAndServe(addr)
	})
	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})
	return g.Wait()
}

// Close releases every held resource. Safe to call multiple times.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Warn("request logger close failed", slog.String("error", err.Error()))
		}
	}
	if a.chConn != nil {
		_ = a.chConn.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// buildProviders constructs exactly the four adapters the gateway supports.
// None carry a fixed credential: every call resolves its API key per-request
// through the Router, so a single process can serve many tenants' provider
// credentials concurrently.
func buildProviders() map[string]providers.Provider {
	return map[string]providers.Provider{
		"anthropic": anthropicprov.New(),
		"gemini":    geminiprov.New(),
		"openai":    openaiprov.New(),
		"azure":     azureprov.New(),
	}
}

// redactURL strips userinfo (user:pass@) from a connection URL before it is
// written to a log line.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	at := -1
	schemeEnd := -1
	for i := 0; i < len(raw); i++ {
		if raw[i] == '@' {
			at = i
		}
		if schemeEnd == -1 && i+2 < len(raw) && raw[i] == ':' && raw[i+1] == '/' && raw[i+2] == '/' {
			schemeEnd = i + 3
		}
	}
	if at == -1 || schemeEnd == -1 || at < schemeEnd {
		return raw
	}
	return raw[:schemeEnd] + "***@" + raw[at+1:]
}

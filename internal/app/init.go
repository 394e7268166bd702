package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/inferxgate/gateway/internal/accounting"
	"github.com/inferxgate/gateway/internal/auth"
	npCache "github.com/inferxgate/gateway/internal/cache"
	"github.com/inferxgate/gateway/internal/health"
	"github.com/inferxgate/gateway/internal/logger"
	"github.com/inferxgate/gateway/internal/metrics"
	"github.com/inferxgate/gateway/internal/proxy"
	"github.com/inferxgate/gateway/internal/ratelimit"
	"github.com/inferxgate/gateway/internal/router"
	"github.com/inferxgate/gateway/internal/store"
)

// initInfra opens the durable connections every other subsystem depends on:
// the Postgres pool backing the Store, and the Redis client backing the
// response cache, the rate gate, and the auth resolution cache.
func (a *App) initInfra(ctx context.Context) error {
	pool, err := store.NewPool(ctx, a.cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.pool = pool
	a.st = store.NewStore(pool)

	if err := a.st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	a.rdb = rdb

	sessions, err := auth.NewSessionManager(a.cfg.JWTSecret, time.Duration(a.cfg.JWTExpiryHours)*time.Hour)
	if err != nil {
		return fmt.Errorf("build session manager: %w", err)
	}
	a.sessions = sessions

	if a.cfg.GitHubClientID != "" && a.cfg.GitHubClientSecret != "" {
		a.github = auth.NewGitHubOAuth(a.cfg.GitHubClientID, a.cfg.GitHubClientSecret, a.cfg.OAuthRedirectURL)
	}

	return nil
}

// initProviders builds the fixed set of provider adapters. Credentials are
// never attached here — each one is resolved per-request through the Router.
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders()
	return nil
}

// initServices builds the stateless/semi-stateless support subsystems:
// metrics, response cache, rate gate, route table, health tracker, cost
// calculator, and the optional async usage logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	if a.cfg.EnableCaching {
		a.respCache = npCache.NewExactCacheFromClient(a.rdb)
	} else {
		a.respCache = noopCache{}
	}

	a.rategate = ratelimit.NewGate(a.rdb, a.log)

	a.routes = router.NewTable(a.st, a.log)
	if err := a.routes.LoadFromStore(ctx); err != nil {
		a.log.Warn("load provider routes from store failed", slog.String("error", err.Error()))
	}
	if a.cfg.AnthropicAPIKey != "" {
		a.routes.LoadFromEnv("anthropic", a.cfg.AnthropicAPIKey, "")
	}
	if a.cfg.GeminiAPIKey != "" {
		a.routes.LoadFromEnv("gemini", a.cfg.GeminiAPIKey, "")
	}
	if a.cfg.OpenAIAPIKey != "" {
		a.routes.LoadFromEnv("openai", a.cfg.OpenAIAPIKey, "")
	}
	if a.cfg.AzureAPIKey != "" {
		a.routes.LoadFromEnv("azure", a.cfg.AzureAPIKey, a.cfg.AzureResource)
	}

	a.tracker = health.NewTracker()
	a.costs = accounting.NewCostCalculator()

	// CLICKHOUSE_DSN has no dedicated Config field: usage logging is an
	// optional add-on sink, so it is read directly from the environment
	// rather than widening the validated Config surface for one optional var.
	if dsn := os.Getenv("CLICKHOUSE_DSN"); dsn != "" {
		conn, err := logger.NewClickHouseConn(dsn)
		if err != nil {
			a.log.Warn("clickhouse connect failed, usage logging disabled", slog.String("error", err.Error()))
		} else {
			lg, err := logger.New(ctx, a.log, conn)
			if err != nil {
				a.log.Warn("usage logger init failed, usage logging disabled", slog.String("error", err.Error()))
				_ = conn.Close()
			} else {
				a.reqLogger = lg
				a.chConn = conn
			}
		}
	}

	return nil
}

// initGateway wires the Authenticator and Accountant from the pieces built
// above, then assembles the HTTP server.
func (a *App) initGateway(_ context.Context) error {
	a.authn = auth.NewAuthenticator(a.st, a.respCache, a.sessions, a.cfg.MasterKey, a.log)
	a.accountant = accounting.NewAccountant(a.costs, a.st, a.tracker, a.rategate, a.reqLogger, a.log)

	corsOrigins := corsOriginsOrWildcard(a.cfg.FrontendURL)

	gw := proxy.NewGateway(
		a.baseCtx, a.log, a.provs, a.authn, a.rategate, a.routes, a.respCache,
		a.tracker, a.accountant, a.st, a.prom,
		proxy.Options{
			RequireAuth: a.cfg.RequireAuth,
			CacheTTL:    a.cfg.CacheTTL,
			MasterKey:   a.cfg.MasterKey,
			CORSOrigins: corsOrigins,
		},
	)

	authAPI := proxy.NewAuthAPI(a.st, a.authn, a.sessions, a.github, a.cfg.AllowedEmailDomains, a.cfg.FrontendURL)
	providerAPI := proxy.NewProviderAPI(a.authn, a.routes, a.tracker, a.st)

	a.server = proxy.NewServer(gw, authAPI, providerAPI, a.prom.Handler(), corsOrigins)

	return nil
}

// corsOriginsOrWildcard builds the CORS allow-list: the configured frontend
// origin when set, otherwise "*" so local/dev use without a frontend still
// works.
func corsOriginsOrWildcard(frontendURL string) []string {
	if frontendURL == "" {
		return []string{"*"}
	}
	return []string{frontendURL}
}

// noopCache is used when EnableCaching is false: every Get misses, every
// Set/Delete is a no-op, so the gateway's cache stage degrades to "always
// call the provider" without a nil check at every call site.
type noopCache struct{}

func (noopCache) Get(context.Context, string) ([]byte, bool)        { return nil, false }
func (noopCache) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (noopCache) Delete(context.Context, string) error              { return nil }

package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// Server wires the Gateway's chat-completions dispatcher together with the
// auth and provider-admin handler sets into one fasthttp.Server.
type Server struct {
	gateway     *Gateway
	authAPI     *AuthAPI
	providerAPI *ProviderAPI
	metrics     RouteHandler
	corsOrigins []string
}

// NewServer builds the full HTTP surface. metrics may be nil to omit
// /metrics (e.g. in a test harness without a registered Prometheus registry).
func NewServer(gw *Gateway, authAPI *AuthAPI, providerAPI *ProviderAPI, metrics RouteHandler, corsOrigins []string) *Server {
	return &Server{gateway: gw, authAPI: authAPI, providerAPI: providerAPI, metrics: metrics, corsOrigins: corsOrigins}
}

// Handler builds the fully wrapped fasthttp handler (routes + middleware
// chain), for use directly in tests via fasthttputil.InmemoryListener or in
// production via fasthttp.Server.
func (s *Server) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/auth/register", s.authAPI.handleRegister)
	r.POST("/auth/login", s.authAPI.handleLogin)
	r.GET("/auth/oauth/github", s.authAPI.handleOAuthGitHubStart)
	r.GET("/auth/oauth/callback", s.authAPI.handleOAuthGitHubCallback)
	r.POST("/auth/logout", s.authAPI.handleLogout)
	r.GET("/auth/me", s.authAPI.handleMe)
	r.POST("/auth/key/generate", s.authAPI.handleKeyGenerate)
	r.GET("/auth/key/info", s.authAPI.handleKeyInfo)
	r.POST("/auth/key/update", s.authAPI.handleKeyUpdate)
	r.POST("/auth/key/delete", s.authAPI.handleKeyDelete)
	r.GET("/auth/keys", s.authAPI.handleKeysList)

	r.POST("/v1/providers/configure", s.providerAPI.handleConfigureProvider)
	r.POST("/v1/providers/delete", s.providerAPI.handleDeleteProvider)
	r.GET("/v1/providers", s.providerAPI.handleListProviders)

	r.POST("/v1/chat/completions", s.gateway.handleChatCompletions)
	r.POST("/v1/models", s.providerAPI.handleListModels)

	r.POST("/health", handleHealth)
	r.GET("/stats", s.providerAPI.handleStats)

	if s.metrics != nil {
		r.GET("/metrics", s.metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(s.corsOrigins),
		securityHeaders,
	)
}

// ListenAndServe starts the HTTP server on addr (e.g. ":8080").
func (s *Server) ListenAndServe(addr string) error {
	srv := &fasthttp.Server{
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

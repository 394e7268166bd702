// Package proxy is the core LLM request dispatcher.
//
// On every inbound chat-completions call the Gateway runs, in strict order:
// Authenticator resolves a principal; RateGate admits or rejects on the RPM
// dimension; Router resolves the logical model to an upstream route; Cache
// is consulted for non-streaming requests; on miss, the ProviderAdapter
// translates the canonical request into the vendor wire format; Accountant
// records cost/tokens/latency and updates HealthTracker.
//
// Key design constraints:
//   - No blocking I/O outside the stages above; rate-limit and cache errors
//     degrade gracefully rather than failing the request.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/inferxgate/gateway/internal/accounting"
	"github.com/inferxgate/gateway/internal/auth"
	"github.com/inferxgate/gateway/internal/cache"
	"github.com/inferxgate/gateway/internal/health"
	"github.com/inferxgate/gateway/internal/metrics"
	"github.com/inferxgate/gateway/internal/providers"
	"github.com/inferxgate/gateway/internal/ratelimit"
	"github.com/inferxgate/gateway/internal/router"
	"github.com/inferxgate/gateway/internal/store"
	"github.com/inferxgate/gateway/pkg/apierr"
)

// Gateway is the main proxy — all dependencies are injected via the
// constructor so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	providers map[string]providers.Provider

	authn      *auth.Authenticator
	rategate   *ratelimit.Gate
	routes     *router.Table
	respCache  cache.Cache
	health     *health.Tracker
	accountant *accounting.Accountant
	store      *store.Store

	requireAuth bool
	cacheTTL    time.Duration
	masterKey   string

	corsOrigins []string
}

// Options holds constructor-time tuning parameters.
type Options struct {
	RequireAuth bool
	CacheTTL    time.Duration
	MasterKey   string
	CORSOrigins []string
}

// NewGateway builds a fully wired Gateway.
func NewGateway(
	baseCtx context.Context,
	log *slog.Logger,
	provs map[string]providers.Provider,
	authn *auth.Authenticator,
	rategate *ratelimit.Gate,
	routes *router.Table,
	respCache cache.Cache,
	h *health.Tracker,
	accountant *accounting.Accountant,
	st *store.Store,
	m *metrics.Registry,
	opts Options,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	return &Gateway{
		baseCtx:     baseCtx,
		log:         log,
		metrics:     m,
		providers:   provs,
		authn:       authn,
		rategate:    rategate,
		routes:      routes,
		respCache:   respCache,
		health:      h,
		accountant:  accountant,
		store:       st,
		requireAuth: opts.RequireAuth,
		cacheTTL:    cacheTTL,
		masterKey:   opts.MasterKey,
		corsOrigins: opts.CORSOrigins,
	}
}

const defaultProviderTimeout = 120 * time.Second

// handleChatCompletions implements the 8-stage dispatch flow of POST
// /v1/chat/completions.
func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	const route = "chat_completions"
	reqBytes := len(ctx.PostBody())
	servedProvider := "unknown"
	cacheLabel := "bypass"
	inputTokens, outputTokens := 0, 0
	streaming := false
	respBytes := -1

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return
		}
		g.metrics.DecInFlight()
		status := ctx.Response.StatusCode()
		dur := time.Since(start)
		if respBytes < 0 {
			respBytes = len(ctx.Response.Body())
		}
		g.metrics.ObserveHTTP(route, status, dur, reqBytes, respBytes)
		g.metrics.RecordRequest(servedProvider, status, dur.Milliseconds())
		g.metrics.ObserveGatewayRequest(servedProvider, route, cacheLabel, dur)
		g.metrics.AddTokens(servedProvider, route, inputTokens, outputTokens, cacheLabel == "hit")
	}()

	// Stage 1: Authenticator.
	principal, err := g.authenticate(ctx)
	if err != nil {
		g.writeAuthError(ctx, err)
		return
	}

	var req providers.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Model == "" {
		apierr.WriteBadRequest(ctx, "field 'model' is required")
		return
	}

	// Stage 2: RateGate (RPM admission).
	if principal != nil && principal.Kind == auth.PrincipalAPIKey && principal.VirtualKey != nil {
		if !principal.VirtualKey.AllowsModel(req.Model) {
			apierr.WriteForbidden(ctx, fmt.Sprintf("key is not permitted to use model %q", req.Model))
			return
		}
		if rpm := principal.VirtualKey.RPMLimit; rpm != nil && g.rategate != nil {
			decision, _ := g.rategate.AllowRequest(ctx, principal.VirtualKey.ID, *rpm)
			setRateLimitHeaders(ctx, decision, principal.VirtualKey.TPMLimit)
			if g.metrics != nil {
				if decision.Allowed {
					g.metrics.RecordRateLimit("rpm", "allowed")
				} else {
					g.metrics.RecordRateLimit("rpm", "rejected")
				}
			}
			if !decision.Allowed {
				apierr.WriteRateLimitRetryAfter(ctx, int(decision.RetryAfter.Seconds()))
				return
			}
		}
	}

	// Stage 3: Router.
	resolvedRoute, ok := g.routes.Lookup(req.Model)
	if !ok {
		apierr.WriteNotFound(ctx, fmt.Sprintf("model %q is not configured", req.Model), apierr.CodeModelNotFound)
		return
	}
	servedProvider = resolvedRoute.Provider

	prov, ok := g.providers[resolvedRoute.Provider]
	if !ok {
		apierr.WriteServiceUnavailable(ctx, fmt.Sprintf("provider %q is not available", resolvedRoute.Provider))
		return
	}

	reqID, _ := ctx.UserValue("request_id").(string)
	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider", resolvedRoute.Provider),
		slog.Bool("stream", req.Stream),
	)

	// Stage 4: Cache (non-streaming only).
	cacheEligible := !req.Stream && g.respCache != nil
	if g.metrics != nil && !cacheEligible {
		g.metrics.CacheGetBypass()
	}
	var cacheKey string
	if cacheEligible {
		cacheKey = buildCacheKey(resolvedRoute.Provider, &req)
		if cachedBody, hit := g.respCache.Get(ctx, cacheKey); hit {
			cacheLabel = "hit"
			respBytes = len(cachedBody)
			if g.metrics != nil {
				g.metrics.CacheGetHit()
			}

			var cr providers.ChatResponse
			if err := json.Unmarshal(cachedBody, &cr); err == nil {
				inputTokens = cr.Usage.PromptTokens
				outputTokens = cr.Usage.CompletionTokens
			}

			ctx.Response.Header.Set("X-Cache", "HIT")
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)

			g.settle(ctx, principal, resolvedRoute, req.Model, inputTokens, outputTokens, time.Since(start), true, nil)
			return
		}
		cacheLabel = "miss"
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	}

	// Stage 5: ProviderAdapter.
	provCtx, cancel := context.WithTimeout(ctx, defaultProviderTimeout)
	defer cancel()

	if req.Stream {
		streaming = true
		stream, err := prov.StreamComplete(provCtx, &req, resolvedRoute.Credential)
		if err != nil {
			g.log.ErrorContext(ctx, "provider_error",
				slog.String("request_id", reqID),
				slog.String("provider", resolvedRoute.Provider),
				slog.String("error", err.Error()),
			)
			g.settle(ctx, principal, resolvedRoute, req.Model, 0, 0, time.Since(start), false, err)
			handleProviderError(ctx, err)
			if g.metrics != nil {
				g.metrics.DecInFlight()
			}
			return
		}
		g.writeSSE(ctx, resolvedRoute, req.Model, principal, start, stream)
		return
	}

	upStart := time.Now()
	resp, err := prov.Complete(provCtx, &req, resolvedRoute.Credential)
	upDur := time.Since(upStart)
	if err != nil {
		if g.metrics != nil {
			g.metrics.ObserveUpstreamAttempt(resolvedRoute.Provider, route, "error", upDur)
		}
		g.log.ErrorContext(ctx, "provider_error",
			slog.String("request_id", reqID),
			slog.String("provider", resolvedRoute.Provider),
			slog.String("error", err.Error()),
		)
		g.settle(ctx, principal, resolvedRoute, req.Model, 0, 0, time.Since(start), false, err)
		handleProviderError(ctx, err)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveUpstreamAttempt(resolvedRoute.Provider, route, "success", upDur)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		apierr.WriteInternal(ctx, "failed to serialize response")
		return
	}

	if cacheEligible {
		if err := g.respCache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	inputTokens = resp.Usage.PromptTokens
	outputTokens = resp.Usage.CompletionTokens

	g.settle(ctx, principal, resolvedRoute, req.Model, inputTokens, outputTokens, time.Since(start), false, nil)

	ctx.Response.Header.Set("X-Cache", "MISS")
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	respBytes = len(body)
}

// settle applies Accountant + HealthTracker side effects for one request.
func (g *Gateway) settle(
	ctx context.Context,
	principal *auth.Principal,
	r router.Route,
	model string,
	promptTokens, completionTokens int,
	latency time.Duration,
	cached bool,
	provErr error,
) {
	if g.accountant == nil {
		return
	}
	outcome := accounting.Outcome{
		Provider:         r.Provider,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		LatencyMS:        latency.Milliseconds(),
		Cached:           cached,
		Err:              provErr,
	}
	if principal != nil {
		outcome.UserID = principal.UserID
		if principal.VirtualKey != nil {
			outcome.VirtualKeyID = principal.VirtualKey.ID
		}
	}
	if provErr != nil {
		g.accountant.SettleError(ctx, outcome)
		return
	}
	g.accountant.Settle(ctx, outcome)
}

// writeSSE streams provider chunks verbatim to the client as Server-Sent
// Events, then settles accounting once the stream ends, using the usage the
// last usage-carrying frame reported (zero tokens when no frame carried any).
func (g *Gateway) writeSSE(
	ctx *fasthttp.RequestCtx,
	r router.Route,
	model string,
	principal *auth.Principal,
	start time.Time,
	stream <-chan providers.StreamFrame,
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		var usage *providers.Usage
		for frame := range stream {
			if _, err := w.Write(frame.Data); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
			if frame.Usage != nil {
				usage = frame.Usage
			}
		}
		w.Write(providers.SSEDone) //nolint:errcheck
		w.Flush()                  //nolint:errcheck

		promptTokens, completionTokens := 0, 0
		if usage != nil {
			promptTokens = usage.PromptTokens
			completionTokens = usage.CompletionTokens
		}

		g.settle(g.baseCtx, principal, r, model, promptTokens, completionTokens, time.Since(start), false, nil)

		if g.metrics != nil {
			dur := time.Since(start)
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP("chat_completions", fasthttp.StatusOK, dur, -1, -1)
			g.metrics.RecordRequest(r.Provider, fasthttp.StatusOK, dur.Milliseconds())
			g.metrics.ObserveGatewayRequest(r.Provider, "chat_completions", "bypass", dur)
			g.metrics.AddTokens(r.Provider, "chat_completions", promptTokens, completionTokens, false)
		}
	})
}

// authenticate resolves a principal per REQUIRE_AUTH; when auth is not
// required and no Authorization header is present, requests are treated as
// an anonymous system principal.
func (g *Gateway) authenticate(ctx *fasthttp.RequestCtx) (*auth.Principal, error) {
	header := string(ctx.Request.Header.Peek("Authorization"))
	if !g.requireAuth && header == "" {
		return nil, nil
	}
	return g.authn.RequireAny(ctx, header)
}

func (g *Gateway) writeAuthError(ctx *fasthttp.RequestCtx, err error) {
	writeAuthErr(ctx, err)
}

// buildCacheKey derives a deterministic cache key from provider + canonical
// request. The hash need not be cryptographic; SHA-256 is used for its
// negligible collision probability at this scale.
func buildCacheKey(providerTag string, req *providers.ChatRequest) string {
	data, _ := json.Marshal(struct {
		P    string              `json:"p"`
		M    string              `json:"m"`
		T    string              `json:"t"`
		MT   *int                `json:"mt"`
		Msgs []providers.Message `json:"msgs"`
	}{
		providerTag,
		req.Model,
		temperatureKey(req.Temperature),
		req.MaxTokens,
		req.Messages,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}

func temperatureKey(t *float64) string {
	if t == nil {
		return ""
	}
	return strconv.FormatFloat(*t, 'f', 2, 64)
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, d ratelimit.Decision, tpmLimit *int) {
	ctx.Response.Header.Set("X-RateLimit-Limit-Requests", strconv.Itoa(d.Limit))
	if tpmLimit != nil {
		ctx.Response.Header.Set("X-RateLimit-Limit-Tokens", strconv.Itoa(*tpmLimit))
	}
	ctx.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
}

// handleProviderError maps provider errors to the appropriate HTTP response.
func handleProviderError(ctx *fasthttp.RequestCtx, err error) {
	if sc, ok := err.(providers.StatusCoder); ok {
		apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.WriteProviderError(ctx, fasthttp.StatusBadGateway, err.Error())
}

package proxy

import (
	"encoding/json"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/inferxgate/gateway/internal/auth"
	"github.com/inferxgate/gateway/internal/health"
	"github.com/inferxgate/gateway/internal/providers"
	"github.com/inferxgate/gateway/internal/router"
	"github.com/inferxgate/gateway/internal/store"
	"github.com/inferxgate/gateway/pkg/apierr"
)

// ProviderAPI implements the /v1/providers/* admin surface over the route
// table, and the read-only /v1/models, /health, /stats endpoints.
type ProviderAPI struct {
	authn  *auth.Authenticator
	routes *router.Table
	health *health.Tracker
	store  *store.Store
}

// NewProviderAPI builds the provider/admin handler set.
func NewProviderAPI(authn *auth.Authenticator, routes *router.Table, h *health.Tracker, st *store.Store) *ProviderAPI {
	return &ProviderAPI{authn: authn, routes: routes, health: h, store: st}
}

type configureProviderRequest struct {
	ProviderID      string `json:"provider_id"`
	APIKey          string `json:"api_key"`
	AzureResourceName string `json:"azure_resource_name,omitempty"`
}

type configureProviderResponse struct {
	Success          bool `json:"success"`
	ModelsConfigured int  `json:"models_configured"`
}

// handleConfigureProvider implements POST /v1/providers/configure. Requires
// an admin or authenticated session principal — any admin or signed-in user
// may register provider credentials, matching the spec's "admin/session" row;
// a virtual API key is refused with 403.
func (p *ProviderAPI) handleConfigureProvider(ctx *fasthttp.RequestCtx) {
	principal, err := p.authn.RequireAny(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		writeAuthErr(ctx, err)
		return
	}
	if principal.Kind != auth.PrincipalUser && !principal.IsAdmin() {
		apierr.WriteForbidden(ctx, "only a user session or admin may configure providers")
		return
	}

	var req configureProviderRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON body")
		return
	}
	if !providers.IsRecognizedProvider(req.ProviderID) {
		apierr.WriteNotFound(ctx, "unrecognized provider", "provider_not_found")
		return
	}
	if req.APIKey == "" {
		apierr.WriteBadRequest(ctx, "api_key is required")
		return
	}

	n, err := p.routes.ConfigureProvider(ctx, req.ProviderID, req.APIKey, req.AzureResourceName)
	if err != nil {
		apierr.WriteBadRequest(ctx, err.Error())
		return
	}

	// A reconfigure is treated as an operator-initiated recovery: every
	// primary model's health entry is reset so a previously degraded
	// provider comes back available under its new credential.
	for _, model := range providers.PrimaryModels[req.ProviderID] {
		p.health.Reset(req.ProviderID, model)
	}

	writeJSON(ctx, fasthttp.StatusOK, configureProviderResponse{Success: true, ModelsConfigured: n})
}

type deleteProviderRequest struct {
	ProviderID string `json:"provider_id"`
}

type deleteProviderResponse struct {
	Success       bool `json:"success"`
	ModelsRemoved int  `json:"models_removed"`
}

// handleDeleteProvider implements POST /v1/providers/delete.
func (p *ProviderAPI) handleDeleteProvider(ctx *fasthttp.RequestCtx) {
	if _, err := p.authn.RequireAny(ctx, string(ctx.Request.Header.Peek("Authorization"))); err != nil {
		writeAuthErr(ctx, err)
		return
	}

	var req deleteProviderRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.WriteBadRequest(ctx, "invalid JSON body")
		return
	}
	if !providers.IsRecognizedProvider(req.ProviderID) {
		apierr.WriteBadRequest(ctx, "unrecognized provider")
		return
	}

	n := p.routes.DeleteProvider(ctx, req.ProviderID)
	writeJSON(ctx, fasthttp.StatusOK, deleteProviderResponse{Success: true, ModelsRemoved: n})
}

type providerStatus struct {
	ProviderID string   `json:"provider_id"`
	Configured bool     `json:"configured"`
	Models     []string `json:"models"`
}

// handleListProviders implements GET /v1/providers.
func (p *ProviderAPI) handleListProviders(ctx *fasthttp.RequestCtx) {
	configured := p.routes.ConfiguredProviders()
	out := make([]providerStatus, 0, len(providers.ProviderTags))
	for _, tag := range providers.ProviderTags {
		out = append(out, providerStatus{
			ProviderID: tag,
			Configured: configured[tag],
			Models:     providers.PrimaryModels[tag],
		})
	}
	writeJSON(ctx, fasthttp.StatusOK, out)
}

type modelsResponse struct {
	Models []string `json:"models"`
}

// handleListModels implements POST /v1/models — every model belonging to a
// currently configured provider.
func (p *ProviderAPI) handleListModels(ctx *fasthttp.RequestCtx) {
	if _, err := p.authenticateIfRequired(ctx); err != nil {
		writeAuthErr(ctx, err)
		return
	}

	configured := p.routes.ConfiguredProviders()
	var models []string
	for _, tag := range providers.ProviderTags {
		if configured[tag] {
			models = append(models, providers.PrimaryModels[tag]...)
		}
	}
	writeJSON(ctx, fasthttp.StatusOK, modelsResponse{Models: models})
}

func (p *ProviderAPI) authenticateIfRequired(ctx *fasthttp.RequestCtx) (*auth.Principal, error) {
	header := string(ctx.Request.Header.Peek("Authorization"))
	if header == "" {
		return nil, nil
	}
	return p.authn.RequireAny(ctx, header)
}

type healthResponse struct {
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
}

// handleHealth implements POST /health.
func handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, fasthttp.StatusOK, healthResponse{Status: "healthy", Timestamp: time.Now().Unix()})
}

type usageSummary struct {
	RequestsSampled       int     `json:"requests_sampled"`
	CacheHits             int     `json:"cache_hits"`
	CacheMisses           int     `json:"cache_misses"`
	TotalPromptTokens     int64   `json:"total_prompt_tokens"`
	TotalCompletionTokens int64   `json:"total_completion_tokens"`
	TotalCostUSD          float64 `json:"total_cost_usd"`
}

type statsResponse struct {
	ProviderHealth []health.Status `json:"provider_health"`
	Usage          usageSummary    `json:"usage"`
}

// usageSampleSize bounds how many of the most recent usage records /stats
// aggregates over — a running total over the whole ledger would require a
// dedicated aggregate query this endpoint doesn't warrant.
const usageSampleSize = 1000

// handleStats implements GET /stats: the health snapshot plus a usage/cache
// summary over the most recent usage records, so a cache hit is reflected
// here immediately after the request that produced it.
func (p *ProviderAPI) handleStats(ctx *fasthttp.RequestCtx) {
	resp := statsResponse{ProviderHealth: p.health.Snapshot()}

	if p.store != nil {
		records, err := p.store.RecentUsage(ctx, usageSampleSize)
		if err == nil {
			var u usageSummary
			for _, r := range records {
				u.RequestsSampled++
				if r.Cached {
					u.CacheHits++
				} else {
					u.CacheMisses++
				}
				u.TotalPromptTokens += int64(r.PromptTokens)
				u.TotalCompletionTokens += int64(r.CompletionTokens)
				u.TotalCostUSD += r.CostUSD
			}
			resp.Usage = u
		}
	}

	writeJSON(ctx, fasthttp.StatusOK, resp)
}

// Package router holds the lock-free model → route table, mutated only by
// admin configure/delete operations and read on every chat-completions call.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/inferxgate/gateway/internal/providers"
	"github.com/inferxgate/gateway/internal/store"
)

// Route is one model's resolved dispatch target.
type Route struct {
	Provider      string
	UpstreamModel string
	Credential    string
}

// Table is the concurrent model → Route index. Reads never block writes and
// vice versa: each key is replaced atomically via sync.Map, never locked for
// a read-modify-write spanning multiple keys.
type Table struct {
	routes sync.Map // model (string) -> Route
	store  *store.Store
	log    *slog.Logger
}

// NewTable builds an empty route table.
func NewTable(st *store.Store, log *slog.Logger) *Table {
	return &Table{store: st, log: log}
}

// Lookup resolves a model name to its route, if any provider has been
// configured for it.
func (t *Table) Lookup(model string) (Route, bool) {
	v, ok := t.routes.Load(model)
	if !ok {
		return Route{}, false
	}
	return v.(Route), true
}

// ConfigureProvider validates the provider tag and credential, builds a
// Route for every primary model the provider exposes, inserts them into the
// table, and persists the credential (ignoring persistence errors with a
// logged warning — the in-memory table is authoritative for the running
// process).
func (t *Table) ConfigureProvider(ctx context.Context, providerTag, secret, azureResource string) (int, error) {
	if !providers.IsRecognizedProvider(providerTag) {
		return 0, fmt.Errorf("router: unrecognized provider %q", providerTag)
	}
	if secret == "" {
		return 0, fmt.Errorf("router: credential must not be empty")
	}

	credential := secret
	if providerTag == "azure" {
		if azureResource == "" {
			return 0, fmt.Errorf("router: azure provider requires a resource name")
		}
		credential = azureResource + ":" + secret
	}

	models := providers.PrimaryModels[providerTag]
	for _, model := range models {
		t.routes.Store(model, Route{
			Provider:      providerTag,
			UpstreamModel: model,
			Credential:    credential,
		})
	}

	if t.store != nil {
		if err := t.store.UpsertProviderCredential(ctx, providerTag, credential); err != nil {
			t.log.Warn("router: persisting provider credential failed", "provider", providerTag, "error", err)
		}
	}

	return len(models), nil
}

// DeleteProvider removes every route belonging to providerTag and its
// persisted credential.
func (t *Table) DeleteProvider(ctx context.Context, providerTag string) int {
	removed := 0
	for _, model := range providers.PrimaryModels[providerTag] {
		if _, ok := t.routes.LoadAndDelete(model); ok {
			removed++
		}
	}
	if t.store != nil {
		if err := t.store.DeleteProviderCredential(ctx, providerTag); err != nil {
			t.log.Warn("router: deleting persisted provider credential failed", "provider", providerTag, "error", err)
		}
	}
	return removed
}

// ConfiguredProviders lists provider tags with at least one active route,
// and whether each is currently configured.
func (t *Table) ConfiguredProviders() map[string]bool {
	seen := make(map[string]bool)
	for _, tag := range providers.ProviderTags {
		seen[tag] = false
	}
	t.routes.Range(func(key, value any) bool {
		r := value.(Route)
		seen[r.Provider] = true
		return true
	})
	return seen
}

// LoadFromStore repopulates the table from persisted credentials, giving
// them precedence over the env-var fallback a caller applies afterward via
// LoadFromEnv for any provider still unconfigured.
func (t *Table) LoadFromStore(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	creds, err := t.store.ListProviderCredentials(ctx)
	if err != nil {
		return fmt.Errorf("router: load persisted provider credentials: %w", err)
	}
	for _, c := range creds {
		for _, model := range providers.PrimaryModels[c.Provider] {
			t.routes.Store(model, Route{
				Provider:      c.Provider,
				UpstreamModel: model,
				Credential:    c.Credential,
			})
		}
	}
	return nil
}

// LoadFromEnv seeds routes for any provider tag with a non-empty secret that
// has no route configured yet (persisted store entries win over env vars).
func (t *Table) LoadFromEnv(providerTag, secret, azureResource string) {
	if secret == "" {
		return
	}
	if _, configured := t.routes.Load(firstModelOrEmpty(providerTag)); configured {
		return
	}
	credential := secret
	if providerTag == "azure" {
		if azureResource == "" {
			return
		}
		credential = azureResource + ":" + secret
	}
	for _, model := range providers.PrimaryModels[providerTag] {
		if _, exists := t.routes.Load(model); exists {
			continue
		}
		t.routes.Store(model, Route{Provider: providerTag, UpstreamModel: model, Credential: credential})
	}
}

func firstModelOrEmpty(providerTag string) string {
	models := providers.PrimaryModels[providerTag]
	if len(models) == 0 {
		return ""
	}
	return models[0]
}

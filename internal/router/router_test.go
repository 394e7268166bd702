package router

import (
	"context"
	"log/slog"
	"testing"
)

func newTestTable() *Table {
	return NewTable(nil, slog.Default())
}

// TestConfigureProviderCreatesRoutesForEveryPrimaryModel verifies that
// configuring a provider creates a route for each of its primary models,
// with the expected credential.
func TestConfigureProviderCreatesRoutesForEveryPrimaryModel(t *testing.T) {
	tbl := newTestTable()
	ctx := context.Background()

	n, err := tbl.ConfigureProvider(ctx, "openai", "sk-test-secret", "")
	if err != nil {
		t.Fatalf("ConfigureProvider: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one model configured for openai")
	}

	r, ok := tbl.Lookup("gpt-5")
	if !ok {
		t.Fatal("expected gpt-5 to be routable after configuring openai")
	}
	if r.Provider != "openai" || r.Credential != "sk-test-secret" {
		t.Fatalf("unexpected route: %+v", r)
	}
}

// TestConfigureProviderRejectsUnrecognized verifies that an unknown provider
// tag is rejected without mutating the table.
func TestConfigureProviderRejectsUnrecognized(t *testing.T) {
	tbl := newTestTable()

	if _, err := tbl.ConfigureProvider(context.Background(), "not-a-provider", "secret", ""); err == nil {
		t.Fatal("expected an error for an unrecognized provider tag")
	}
}

// TestConfigureProviderRejectsEmptyCredential verifies that an empty secret
// is rejected.
func TestConfigureProviderRejectsEmptyCredential(t *testing.T) {
	tbl := newTestTable()

	if _, err := tbl.ConfigureProvider(context.Background(), "openai", "", ""); err == nil {
		t.Fatal("expected an error for an empty credential")
	}
}

// TestConfigureProviderAzureRequiresResourceName verifies that Azure
// configuration without a resource name is rejected.
func TestConfigureProviderAzureRequiresResourceName(t *testing.T) {
	tbl := newTestTable()

	if _, err := tbl.ConfigureProvider(context.Background(), "azure", "secret", ""); err == nil {
		t.Fatal("expected an error when azure resource name is missing")
	}
}

// TestConfigureProviderAzureCombinesCredential verifies the azure credential
// is built as "resourceName:secret", keeping the resolved credential opaque
// to callers outside the router.
func TestConfigureProviderAzureCombinesCredential(t *testing.T) {
	tbl := newTestTable()

	if _, err := tbl.ConfigureProvider(context.Background(), "azure", "az-secret", "my-resource"); err != nil {
		t.Fatalf("ConfigureProvider: %v", err)
	}

	r, ok := tbl.Lookup("azure-gpt-35-turbo")
	if !ok {
		t.Fatal("expected azure-gpt-35-turbo to be routable after configuring azure")
	}
	if r.Credential != "my-resource:az-secret" {
		t.Fatalf("expected combined azure credential, got %q", r.Credential)
	}
}

// TestDeleteProviderRemovesAllRoutes verifies that deleting a provider
// removes every route it previously installed.
func TestDeleteProviderRemovesAllRoutes(t *testing.T) {
	tbl := newTestTable()
	ctx := context.Background()

	n, _ := tbl.ConfigureProvider(ctx, "gemini", "gm-secret", "")
	removed := tbl.DeleteProvider(ctx, "gemini")
	if removed != n {
		t.Fatalf("expected DeleteProvider to remove %d routes, removed %d", n, removed)
	}

	if _, ok := tbl.Lookup("gemini-2.5-pro"); ok {
		t.Fatal("expected gemini-2.5-pro to be unroutable after DeleteProvider")
	}
}

// TestConfiguredProvidersReflectsState verifies that ConfiguredProviders
// accurately reports which provider tags have at least one active route.
func TestConfiguredProvidersReflectsState(t *testing.T) {
	tbl := newTestTable()
	ctx := context.Background()

	if _, err := tbl.ConfigureProvider(ctx, "anthropic", "an-secret", ""); err != nil {
		t.Fatalf("ConfigureProvider: %v", err)
	}

	configured := tbl.ConfiguredProviders()
	if !configured["anthropic"] {
		t.Fatal("expected anthropic to be reported configured")
	}
	if configured["openai"] {
		t.Fatal("expected openai to be reported unconfigured")
	}
}

// TestLoadFromEnvDoesNotOverrideExistingRoute verifies that LoadFromEnv
// never overwrites a route already present (e.g. loaded from the store).
func TestLoadFromEnvDoesNotOverrideExistingRoute(t *testing.T) {
	tbl := newTestTable()
	ctx := context.Background()

	if _, err := tbl.ConfigureProvider(ctx, "openai", "store-secret", ""); err != nil {
		t.Fatalf("ConfigureProvider: %v", err)
	}

	tbl.LoadFromEnv("openai", "env-secret", "")

	r, _ := tbl.Lookup("gpt-5")
	if r.Credential != "store-secret" {
		t.Fatalf("expected the pre-existing store credential to win, got %q", r.Credential)
	}
}

// TestLoadFromEnvSeedsUnconfiguredProvider verifies that LoadFromEnv
// populates routes for a provider with no existing route.
func TestLoadFromEnvSeedsUnconfiguredProvider(t *testing.T) {
	tbl := newTestTable()

	tbl.LoadFromEnv("openai", "env-secret", "")

	r, ok := tbl.Lookup("gpt-5")
	if !ok {
		t.Fatal("expected LoadFromEnv to seed a route for an unconfigured provider")
	}
	if r.Credential != "env-secret" {
		t.Fatalf("expected env-secret, got %q", r.Credential)
	}
}

// TestLoadFromEnvIgnoresEmptySecret verifies that an empty secret is a no-op.
func TestLoadFromEnvIgnoresEmptySecret(t *testing.T) {
	tbl := newTestTable()

	tbl.LoadFromEnv("openai", "", "")

	if _, ok := tbl.Lookup("gpt-5"); ok {
		t.Fatal("expected no route from an empty-secret LoadFromEnv call")
	}
}

// TestLookupMissingModel verifies Lookup reports false for a model with no
// configured route.
func TestLookupMissingModel(t *testing.T) {
	tbl := newTestTable()

	if _, ok := tbl.Lookup("no-such-model"); ok {
		t.Fatal("expected Lookup to report false for an unconfigured model")
	}
}

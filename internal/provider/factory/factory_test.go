package factory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mate-gateway/internal/config"
	"mate-gateway/internal/provider"
	"mate-gateway/internal/transport"
)

func TestRegisterConfiguredProviders(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Providers: []config.ProviderConfig{
		{
			Name: "claude", APIStyle: config.APIStyleClaude, APIKey: "k", BaseURL: "https://api.anthropic.com",
			Models: []string{"claude-3-haiku"}, Timeout: time.Minute,
			RateLimit: config.RateLimitConfig{MaxCalls: 10, Period: time.Second},
			Retry:     config.RetryConfig{Attempts: 3, BackoffBase: time.Second},
		},
		{
			Name: "local", APIStyle: config.APIStyleOpenAI, APIKey: "k", BaseURL: "http://localhost:1234/v1",
			Models: []string{"llama"}, Timeout: time.Minute,
			RateLimit: config.RateLimitConfig{MaxCalls: 1, Period: time.Second},
		},
	}}

	registry := provider.NewRegistry()
	if err := RegisterConfiguredProviders(cfg, registry); err != nil {
		t.Fatalf("RegisterConfiguredProviders: %v", err)
	}

	adapters := registry.Providers()
	if len(adapters) != 2 || adapters[0].Name() != "claude" || adapters[1].Name() != "local" {
		t.Fatalf("providers = %v", adapters)
	}
	binding, err := registry.Lookup("local")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if binding.Adapter.APIStyle() != config.APIStyleOpenAI || binding.Adapter.SupportsCache() {
		t.Errorf("local adapter = %s cache=%v", binding.Adapter.APIStyle(), binding.Adapter.SupportsCache())
	}
	if _, err := registry.Lookup("missing"); !errors.Is(err, provider.ErrUnknownProvider) {
		t.Errorf("Lookup(missing) err = %v", err)
	}
}

func TestRegisterConfiguredProvidersRejectsBadRateLimit(t *testing.T) {
	t.Parallel()

	cfg := config.Config{Providers: []config.ProviderConfig{{
		Name: "claude", APIStyle: config.APIStyleClaude, APIKey: "k", BaseURL: "https://api.anthropic.com",
		Models: []string{"m"},
	}}}
	if err := RegisterConfiguredProviders(cfg, provider.NewRegistry()); err == nil {
		t.Error("expected error for zero rate limit")
	}
}

func TestProvidersSharingACredentialShareARateLimit(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	entry := func(name, key string) config.ProviderConfig {
		return config.ProviderConfig{
			Name: name, APIStyle: config.APIStyleOpenAI, APIKey: key, BaseURL: upstream.URL,
			Models: []string{"m"}, Timeout: time.Minute,
			RateLimit: config.RateLimitConfig{MaxCalls: 1, Period: time.Hour},
			Retry:     config.RetryConfig{Attempts: 1, BackoffBase: time.Millisecond},
		}
	}
	cfg := config.Config{Providers: []config.ProviderConfig{
		entry("primary", "shared-key"),
		entry("secondary", "shared-key"),
		entry("other", "other-key"),
	}}

	registry := provider.NewRegistry()
	if err := RegisterConfiguredProviders(cfg, registry); err != nil {
		t.Fatalf("RegisterConfiguredProviders: %v", err)
	}
	call := func(name string) error {
		binding, err := registry.Lookup(name)
		if err != nil {
			t.Fatalf("Lookup(%s): %v", name, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err = binding.Caller.Do(ctx, transport.Request{URL: upstream.URL})
		return err
	}

	if err := call("primary"); err != nil {
		t.Fatalf("primary: %v", err)
	}
	if err := call("secondary"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("secondary err = %v, want it throttled by the shared window", err)
	}
	if err := call("other"); err != nil {
		t.Errorf("other credential: %v", err)
	}
}

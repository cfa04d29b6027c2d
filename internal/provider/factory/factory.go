package factory

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"mate-gateway/internal/config"
	"mate-gateway/internal/provider"
	claudeProvider "mate-gateway/internal/provider/claude"
	openaiProvider "mate-gateway/internal/provider/openai"
	"mate-gateway/internal/ratelimit"
	"mate-gateway/internal/transport"
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
)

type constructor func(cfg config.ProviderConfig) (provider.Adapter, error)

var constructors = map[string]constructor{
	config.APIStyleClaude: func(cfg config.ProviderConfig) (provider.Adapter, error) {
		return claudeProvider.New(cfg)
	},
	config.APIStyleOpenAI: func(cfg config.ProviderConfig) (provider.Adapter, error) {
		return openaiProvider.New(cfg)
	},
}

// credential identifies one upstream account. Providers configured with the
// same endpoint and key draw from one rate limit window.
type credential struct {
	baseURL string
	apiKey  string
}

// RegisterConfiguredProviders constructs one adapter and transport per
// configured provider, with one rate limiter per credential, and stores them
// in the registry.
func RegisterConfiguredProviders(cfg config.Config, registry *provider.Registry) error {
	if registry == nil {
		return errors.New("registry must not be nil")
	}

	client := newHTTPClient()
	limiters := make(map[credential]*ratelimit.Limiter)
	for _, pc := range cfg.Providers {
		build, ok := constructors[pc.APIStyle]
		if !ok {
			return fmt.Errorf("provider %s: unsupported api_style %q", pc.Name, pc.APIStyle)
		}

		adapter, err := build(pc)
		if err != nil {
			return fmt.Errorf("initialise %s provider: %w", pc.Name, err)
		}

		key := credential{baseURL: strings.TrimRight(pc.BaseURL, "/"), apiKey: pc.APIKey}
		limiter, shared := limiters[key]
		if !shared {
			limiter, err = ratelimit.New(pc.RateLimit.MaxCalls, pc.RateLimit.Period)
			if err != nil {
				return fmt.Errorf("provider %s rate limit: %w", pc.Name, err)
			}
			limiters[key] = limiter
		} else {
			slog.Info("provider shares a rate limit with an earlier entry", "provider", pc.Name)
		}

		tr, err := transport.New(pc.Name, client, limiter, transport.Options{
			Attempts:    pc.Retry.Attempts,
			BackoffBase: pc.Retry.BackoffBase,
			Timeout:     pc.Timeout,
		})
		if err != nil {
			return fmt.Errorf("provider %s transport: %w", pc.Name, err)
		}

		if err := registry.Register(adapter, tr); err != nil {
			return fmt.Errorf("register %s provider: %w", pc.Name, err)
		}
	}

	return nil
}

// newHTTPClient has no overall timeout: streams stay open for as long as the
// provider keeps sending, and transport enforces per-attempt deadlines.
func newHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Transport: tr,
	}
}

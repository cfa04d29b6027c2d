package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"mate-gateway/internal/emitter"
	"mate-gateway/internal/models"
	"mate-gateway/internal/normalize"
	"mate-gateway/internal/provider"
	"mate-gateway/internal/toolcall"
	"mate-gateway/internal/translator"
)

// Router validates conversation requests and dispatches them to the provider
// they name.
type Router struct {
	registry *provider.Registry
}

// New constructs a router backed by the provided registry.
func New(registry *provider.Registry) *Router {
	return &Router{
		registry: registry,
	}
}

// Providers lists the registered provider adapters.
func (r *Router) Providers() []provider.Adapter {
	return r.registry.Providers()
}

// Ask performs a non-streaming call and returns the aggregated response.
func (r *Router) Ask(ctx context.Context, req models.ConversationRequest) (*models.Response, error) {
	binding, prepared, err := r.prepare(req, false)
	if err != nil {
		return nil, err
	}

	httpReq, err := binding.Adapter.Translate(prepared)
	if err != nil {
		return nil, err
	}

	body, err := binding.Caller.Do(ctx, httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider %s ask request: %w", binding.Adapter.Name(), err)
	}

	result, err := binding.Adapter.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("provider %s response: %w", binding.Adapter.Name(), err)
	}

	slog.Info("provider usage",
		"provider", binding.Adapter.Name(),
		"model", prepared.Provider.Model,
		"input_tokens", result.Usage.InputTokens,
		"output_tokens", result.Usage.OutputTokens,
		"stop_reason", result.StopReason,
	)

	for _, item := range result.Content {
		if missing := toolcall.MissingRequired(prepared.Tools, item.ToolUse); len(missing) > 0 {
			slog.Warn("tool call lacks required arguments", "provider", binding.Adapter.Name(), "tool", item.ToolUse.Name, "missing", missing)
		}
	}

	resp := emitter.Collect(result.Content, nil)
	return &resp, nil
}

// Stream opens a streaming call. Validation and transport failures are
// returned before any item is produced; the caller must Close the session.
func (r *Router) Stream(ctx context.Context, req models.ConversationRequest) (*normalize.Session, error) {
	binding, prepared, err := r.prepare(req, true)
	if err != nil {
		return nil, err
	}

	httpReq, err := binding.Adapter.Translate(prepared)
	if err != nil {
		return nil, err
	}

	lines, err := binding.Caller.Stream(ctx, httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider %s stream request: %w", binding.Adapter.Name(), err)
	}

	return normalize.NewSession(binding.Adapter.Name(), lines, binding.Adapter.NewStreamParser(), prepared.Tools), nil
}

func (r *Router) prepare(req models.ConversationRequest, stream bool) (provider.Binding, models.ConversationRequest, error) {
	if err := translator.Validate(req); err != nil {
		return provider.Binding{}, req, err
	}

	binding, err := r.registry.Lookup(req.Provider.Name)
	if err != nil {
		if errors.Is(err, provider.ErrUnknownProvider) {
			return provider.Binding{}, req, &models.ValidationError{Field: "provider.name", Reason: err.Error(), Err: err}
		}
		return provider.Binding{}, req, err
	}

	if req.Cache && !binding.Adapter.SupportsCache() {
		return provider.Binding{}, req, models.Invalid("cache", "provider %s does not support prompt caching", binding.Adapter.Name())
	}

	modelID, err := binding.Adapter.ResolveModel(req.Provider.Model)
	if err != nil {
		return provider.Binding{}, req, err
	}

	prepared := req
	prepared.Provider.Model = modelID
	prepared.Stream = stream
	return binding, prepared, nil
}

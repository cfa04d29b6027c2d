package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"mate-gateway/internal/models"
	"mate-gateway/internal/transport"
)

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// Caller executes translated provider requests.
type Caller interface {
	Do(ctx context.Context, req transport.Request) ([]byte, error)
	Stream(ctx context.Context, req transport.Request) (*transport.LineStream, error)
}

// Binding pairs a provider adapter with the transport that carries its calls.
type Binding struct {
	Adapter Adapter
	Caller  Caller
}

// Registry maps provider names to their bindings.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Binding
}

// NewRegistry constructs an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]Binding),
	}
}

// Register adds a provider under its adapter name.
func (r *Registry) Register(adapter Adapter, caller Caller) error {
	if adapter == nil {
		return errors.New("provider adapter must not be nil")
	}
	if caller == nil {
		return fmt.Errorf("provider %q: caller must not be nil", adapter.Name())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[adapter.Name()]; exists {
		return fmt.Errorf("provider %q already registered", adapter.Name())
	}
	r.byName[adapter.Name()] = Binding{Adapter: adapter, Caller: caller}
	return nil
}

// Lookup returns the binding registered under name.
func (r *Registry) Lookup(name string) (Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	binding, ok := r.byName[name]
	if !ok {
		return Binding{}, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return binding, nil
}

// Providers returns all registered adapters sorted by name.
func (r *Registry) Providers() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Adapter, 0, len(r.byName))
	for _, b := range r.byName {
		out = append(out, b.Adapter)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Catalog is the set of models one provider serves, with optional aliases.
type Catalog struct {
	provider string
	apiStyle string
	models   []models.Model
	entries  map[string]string
	aliases  map[string]string
}

// NewCatalog builds a catalog, rejecting duplicate models and aliases that
// shadow a model or point at an unknown one.
func NewCatalog(provider, apiStyle string, ids []string, aliases map[string]string) (*Catalog, error) {
	c := &Catalog{
		provider: provider,
		apiStyle: apiStyle,
		models:   make([]models.Model, 0, len(ids)),
		entries:  make(map[string]string, len(ids)+len(aliases)),
		aliases:  make(map[string]string, len(aliases)),
	}

	for _, id := range ids {
		if _, exists := c.entries[id]; exists {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateModel, id)
		}
		c.entries[id] = id
		c.models = append(c.models, models.Model{ID: id, Provider: provider, APIStyle: apiStyle})
	}

	for alias, target := range aliases {
		if _, exists := c.entries[alias]; exists {
			return nil, fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		if _, ok := c.entries[target]; !ok {
			return nil, fmt.Errorf("alias %q references unknown model %q", alias, target)
		}
		c.aliases[alias] = target
	}
	for alias, target := range c.aliases {
		c.entries[alias] = target
	}

	return c, nil
}

// Models returns a copy of the configured models.
func (c *Catalog) Models() []models.Model {
	out := make([]models.Model, len(c.models))
	copy(out, c.models)
	return out
}

// Aliases returns a copy of the alias table.
func (c *Catalog) Aliases() map[string]string {
	out := make(map[string]string, len(c.aliases))
	for k, v := range c.aliases {
		out[k] = v
	}
	return out
}

// Resolve maps a model id or alias onto a configured model id.
func (c *Catalog) Resolve(model string) (string, error) {
	id, ok := c.entries[model]
	if !ok {
		return "", &models.ValidationError{
			Field:  "provider.model",
			Reason: fmt.Sprintf("provider %s does not serve model %q", c.provider, model),
			Err:    ErrUnknownModel,
		}
	}
	return id, nil
}

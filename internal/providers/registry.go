package providers

import (
	"context"
	"fmt"
	"sync"

	"warden/internal/config"
)

// Request is one backend completion call.
type Request struct {
	Model  string
	System string
	Prompt string
}

// Response is what a backend returns.
type Response struct {
	Text  string
	Model string
}

// Backend performs completions against one provider.
type Backend interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Constructor builds a backend from provider configuration.
type Constructor func(cfg config.ProviderConfig) (Backend, error)

type lazyBackend struct {
	once    sync.Once
	backend Backend
	err     error
}

// Registry holds provider configs and constructs backends on first use.
// Construction happens at most once per provider; a failed construction
// sticks so callers see a consistent error.
type Registry struct {
	mu           sync.Mutex
	configs      map[string]config.ProviderConfig
	constructors map[Type]Constructor
	backends     map[string]*lazyBackend
}

// NewRegistry creates a registry over the configured providers.
func NewRegistry(configs map[string]config.ProviderConfig) *Registry {
	return &Registry{
		configs:      configs,
		constructors: make(map[Type]Constructor),
		backends:     make(map[string]*lazyBackend),
	}
}

// RegisterConstructor binds a provider type to its backend constructor.
func (r *Registry) RegisterConstructor(t Type, c Constructor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[t] = c
}

// Backend returns the backend for a provider id, constructing it lazily.
func (r *Registry) Backend(id string) (Backend, error) {
	r.mu.Lock()
	lb, ok := r.backends[id]
	if !ok {
		lb = &lazyBackend{}
		r.backends[id] = lb
	}
	cfg, haveCfg := r.configs[id]
	ctor, haveCtor := r.constructors[Type(cfg.Type)]
	r.mu.Unlock()

	lb.once.Do(func() {
		if !haveCfg {
			lb.err = &ErrUnknownProvider{ID: id}
			return
		}
		if !haveCtor {
			lb.err = fmt.Errorf("no backend constructor for provider type %q", cfg.Type)
			return
		}
		lb.backend, lb.err = ctor(cfg)
	})
	if lb.err != nil {
		return nil, lb.err
	}
	return lb.backend, nil
}

// Descriptors builds provider descriptors from the registry's configs,
// suitable for seeding a health tracker.
func (r *Registry) Descriptors() []Provider {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Provider, 0, len(r.configs))
	for id, cfg := range r.configs {
		p := Provider{
			ID:     id,
			Name:   cfg.Name,
			Type:   Type(cfg.Type),
			Model:  cfg.Model,
			Parent: cfg.Parent,
			Group:  cfg.Group,
		}
		if len(cfg.Models) > 0 {
			p.ActionModels = make(map[Action]string, len(cfg.Models))
			for action, model := range cfg.Models {
				p.ActionModels[Action(action)] = model
			}
		}
		out = append(out, p)
	}
	return out
}

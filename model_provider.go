package taxchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

type ConverseRequest struct {
	ModelID     string         `json:"model_id"`
	ModelParams map[string]any `json:"model_params,omitempty"`
	*NormalizedRequest
}

// ModelProvider is a client for one LLM backend.
// An error returned by ConverseStream means the call failed before streaming;
// errors yielded by the returned EventStream are failures mid-stream.
type ModelProvider interface {
	ConverseStream(ctx context.Context, req *ConverseRequest) (EventStream, error)
}

type ProviderOptions struct {
	APIKey  string
	BaseURL string
	Region  string
	Logger  *slog.Logger
}

type NewModelProviderFunc func(ctx context.Context, opts ProviderOptions) (ModelProvider, error)

var (
	ErrModelProviderNameEmpty         = errors.New("model provider name is empty")
	ErrModelProviderAlreadyRegistered = errors.New("model provider already registered")
	ErrModelProviderNotFound          = errors.New("model provider not found")
)

type ModelProviderRegistry struct {
	mu       sync.RWMutex
	newFuncs map[string]NewModelProviderFunc
}

func NewModelProviderRegistry() *ModelProviderRegistry {
	return &ModelProviderRegistry{
		newFuncs: make(map[string]NewModelProviderFunc),
	}
}

func (r *ModelProviderRegistry) Register(name string, f NewModelProviderFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if name == "" {
		return ErrModelProviderNameEmpty
	}
	if _, ok := r.newFuncs[name]; ok {
		return ErrModelProviderAlreadyRegistered
	}
	r.newFuncs[name] = f
	return nil
}

func (r *ModelProviderRegistry) Exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.newFuncs[name]
	return ok
}

func (r *ModelProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.newFuncs))
	for name := range r.newFuncs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New constructs the named provider. Callers build one per process and share it.
func (r *ModelProviderRegistry) New(ctx context.Context, name string, opts ProviderOptions) (ModelProvider, error) {
	r.mu.RLock()
	f, ok := r.newFuncs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("model provider `%s`: %w", name, ErrModelProviderNotFound)
	}
	return f(ctx, opts)
}

var defaultModelProviderRegistry = NewModelProviderRegistry()

func RegisterModelProvider(name string, f NewModelProviderFunc) error {
	return defaultModelProviderRegistry.Register(name, f)
}

func NewModelProvider(ctx context.Context, name string, opts ProviderOptions) (ModelProvider, error) {
	return defaultModelProviderRegistry.New(ctx, name, opts)
}

func ModelProviders() []string {
	return defaultModelProviderRegistry.List()
}

type ModelProviderFunc func(ctx context.Context, req *ConverseRequest) (EventStream, error)

func (f ModelProviderFunc) ConverseStream(ctx context.Context, req *ConverseRequest) (EventStream, error) {
	return f(ctx, req)
}

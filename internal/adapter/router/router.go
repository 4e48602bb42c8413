package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tokligence/paygate/internal/adapter"
	"github.com/tokligence/paygate/internal/openai"
)

var _ adapter.ChatAdapter = (*Router)(nil)

type route struct {
	pattern string
	adapter string
}

// Router picks a backend adapter by model name.
type Router struct {
	mu       sync.RWMutex
	adapters map[string]adapter.ChatAdapter
	routes   []route // checked in registration order
	fallback string
}

// New creates a new Router instance.
func New() *Router {
	return &Router{adapters: make(map[string]adapter.ChatAdapter)}
}

// RegisterAdapter registers an adapter with a name.
func (r *Router) RegisterAdapter(name string, a adapter.ChatAdapter) error {
	if name == "" {
		return errors.New("router: adapter name cannot be empty")
	}
	if a == nil {
		return errors.New("router: adapter cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
	return nil
}

// RegisterRoute maps a model pattern to a registered adapter.
// Patterns: exact "demo", prefix "I3-*", suffix "*-llm", contains "*code*".
func (r *Router) RegisterRoute(pattern, adapterName string) error {
	if pattern == "" {
		return errors.New("router: model pattern cannot be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[adapterName]; !ok {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}
	r.routes = append(r.routes, route{pattern: strings.ToLower(pattern), adapter: adapterName})
	return nil
}

// SetFallback names the adapter used for unmatched models.
func (r *Router) SetFallback(adapterName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[adapterName]; !ok {
		return fmt.Errorf("router: adapter %q not registered", adapterName)
	}
	r.fallback = adapterName
	return nil
}

// CreateCompletion routes the request to the matching adapter.
func (r *Router) CreateCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	a, _, err := r.Resolve(req.Model)
	if err != nil {
		return openai.ChatCompletionResponse{}, err
	}
	return a.CreateCompletion(ctx, req)
}

// Resolve returns the adapter and its name for model.
func (r *Router) Resolve(model string) (adapter.ChatAdapter, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	model = strings.ToLower(strings.TrimSpace(model))
	for _, rt := range r.routes {
		if matchPattern(model, rt.pattern) {
			return r.adapters[rt.adapter], rt.adapter, nil
		}
	}
	if r.fallback != "" {
		return r.adapters[r.fallback], r.fallback, nil
	}
	return nil, "", fmt.Errorf("router: no adapter found for model %q", model)
}

func matchPattern(model, pattern string) bool {
	if model == pattern {
		return true
	}
	if !strings.Contains(pattern, "*") {
		return false
	}
	prefix := strings.HasSuffix(pattern, "*")
	suffix := strings.HasPrefix(pattern, "*")
	core := strings.Trim(pattern, "*")
	switch {
	case prefix && suffix:
		return strings.Contains(model, core)
	case prefix:
		return strings.HasPrefix(model, core)
	case suffix:
		return strings.HasSuffix(model, core)
	}
	return false
}

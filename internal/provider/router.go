package provider

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"mel/internal/config"
	"mel/internal/logging"
)

// Router dispatches queries to the active provider and falls back down
// a configured provider order when a provider fails. Clients are built
// lazily and cached per provider. Identical in-flight queries are
// deduplicated so a burst of editor events costs one API call.
type Router struct {
	cfg *config.UserConfig

	mu      sync.Mutex
	clients map[Provider]LLMClient

	group singleflight.Group
}

// NewRouter creates a router over the given config.
func NewRouter(cfg *config.UserConfig) *Router {
	return &Router{
		cfg:     cfg,
		clients: make(map[Provider]LLMClient),
	}
}

// clientFor returns a cached client for p, building one on first use.
func (r *Router) clientFor(p Provider) (LLMClient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[p]; ok {
		return client, nil
	}

	credential := credentialFor(r.cfg, p)
	if p.RequiresKey() && credential == "" {
		return nil, fmt.Errorf("%s: %w", p, ErrNoAPIKey)
	}

	client, err := NewClient(p, credential)
	if err != nil {
		return nil, err
	}

	if r.cfg != nil && r.cfg.Model != "" {
		// Model overrides only apply to the primary provider; fallback
		// providers use their own defaults.
		if primary, _ := DetectProvider(r.cfg); primary == p {
			if setter, ok := client.(interface{ SetModel(string) }); ok {
				setter.SetModel(r.cfg.Model)
			}
		}
	}

	r.clients[p] = client
	return client, nil
}

// order returns the providers to try, primary first.
func (r *Router) order() []Provider {
	primary, _ := DetectProvider(r.cfg)
	order := []Provider{primary}

	if r.cfg != nil {
		for _, name := range r.cfg.FallbackProviders {
			p := Provider(name)
			if !p.Valid() || p == primary {
				continue
			}
			order = append(order, p)
		}
	}
	return order
}

// Complete routes a prompt to the first provider that succeeds.
func (r *Router) Complete(ctx context.Context, prompt string) (string, error) {
	return r.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem routes a prompt with a system message. Concurrent
// identical calls share a single upstream request.
func (r *Router) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	key := systemPrompt + "\x00" + userPrompt

	result, err, shared := r.group.Do(key, func() (interface{}, error) {
		return r.completeOnce(ctx, systemPrompt, userPrompt)
	})
	if shared {
		logging.ProviderDebug("[Router] deduplicated in-flight query (len=%d)", len(userPrompt))
	}
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (r *Router) completeOnce(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	var lastErr error

	for _, p := range r.order() {
		client, err := r.clientFor(p)
		if err != nil {
			logging.ProviderDebug("[Router] skipping %s: %v", p, err)
			lastErr = err
			continue
		}

		response, err := client.CompleteWithSystem(ctx, systemPrompt, userPrompt)
		if err == nil {
			return response, nil
		}

		// Context cancellation is not a provider failure; do not fall back.
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		logging.Get(logging.CategoryProvider).Warn("[Router] provider %s failed: %v", p, err)
		lastErr = err
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no providers configured")
	}
	return "", fmt.Errorf("all providers failed: %w", lastErr)
}

// ActiveProvider returns the provider the router will try first.
func (r *Router) ActiveProvider() Provider {
	p, _ := DetectProvider(r.cfg)
	return p
}

package toolregistry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultDiscoveryTimeout is the per-provider budget for a single list-tools
// probe (spec §4.1).
const DefaultDiscoveryTimeout = 5 * time.Second

// probeResult is what one provider's discovery probe yields.
type probeResult struct {
	provider Provider
	tools    []ToolSchema
}

// baseURLer is satisfied by providerclient.Client. Checked via type
// assertion rather than added to the Client interface, so test doubles
// that only implement ListTools/CallTool still satisfy Client.
type baseURLer interface {
	BaseURL() string
}

func baseURLOf(client Client) string {
	if b, ok := client.(baseURLer); ok {
		return b.BaseURL()
	}
	return ""
}

// LoadAll probes every configured provider in parallel, with timeout, and
// publishes the resulting catalog. Individual provider failures are
// recorded as unhealthy and logged, never fatal to the call (spec §4.1).
// Intended to be called once at startup.
func (r *Registry) LoadAll(ctx context.Context, timeout time.Duration) {
	catalog, _ := r.probeAll(ctx, timeout)
	r.publish(catalog)
}

// Refresh re-probes every provider and swaps in a new catalog only if at
// least one provider responded; on total failure the previous catalog is
// retained untouched (spec §4.1).
func (r *Registry) Refresh(ctx context.Context, timeout time.Duration) {
	catalog, anyOK := r.probeAll(ctx, timeout)
	if !anyOK {
		slog.Warn("toolregistry: refresh found no healthy providers, keeping previous catalog")
		return
	}
	r.publish(catalog)
}

func (r *Registry) probeAll(ctx context.Context, timeout time.Duration) (*Catalog, bool) {
	if timeout <= 0 {
		timeout = DefaultDiscoveryTimeout
	}

	ids := r.providerIDs()
	results := make([]probeResult, len(ids))

	var mu sync.Mutex
	group, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		client, _ := r.clients.get(id)
		baseURL := baseURLOf(client)
		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			tools, err := client.ListTools(probeCtx)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				slog.Warn("toolregistry: discovery probe failed", "provider", id, "error", err)
				results[i] = probeResult{provider: Provider{ID: id, BaseURL: baseURL, Status: StatusUnhealthy, LastErr: err.Error(), ProbedAt: time.Now()}}
				return nil // a single provider failing is not fatal to the pass
			}
			results[i] = probeResult{
				provider: Provider{ID: id, BaseURL: baseURL, Status: StatusHealthy, ProbedAt: time.Now()},
				tools:    validateSchemas(id, tools),
			}
			return nil
		})
	}
	_ = group.Wait() // errors are captured per-provider above, never surfaced here

	catalog := newCatalog()
	anyOK := false
	for _, res := range results {
		catalog.providers[res.provider.ID] = res.provider
		if res.provider.Status == StatusHealthy {
			anyOK = true
		}
		for _, schema := range res.tools {
			if _, exists := catalog.tools[schema.Name]; exists {
				slog.Warn("toolregistry: tool name collision, later provider loses", "tool", schema.Name, "provider", schema.ProviderID)
				continue
			}
			catalog.tools[schema.Name] = schema
		}
	}
	return catalog, anyOK
}

// validateSchemas drops schemas that fail the minimal discovery validation
// (non-empty name, parameter schema present) and stamps the provider id.
func validateSchemas(providerID string, schemas []ToolSchema) []ToolSchema {
	out := make([]ToolSchema, 0, len(schemas))
	for _, s := range schemas {
		if s.Name == "" {
			slog.Warn("toolregistry: dropping schema with empty name", "provider", providerID)
			continue
		}
		if s.Parameters == nil {
			slog.Warn("toolregistry: dropping schema with no parameter schema", "provider", providerID, "tool", s.Name)
			continue
		}
		s.ProviderID = providerID
		out = append(out, s)
	}
	return out
}

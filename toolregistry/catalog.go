package toolregistry

import (
	"sort"
	"sync/atomic"
)

// Catalog is an immutable snapshot of everything known about the configured
// providers: their declared health and the tool schemas they exposed during
// the discovery pass that produced this snapshot. Registry.Surface returns
// one of these; readers never block because the Registry only ever swaps
// the pointer, it never mutates a published Catalog.
type Catalog struct {
	tools     map[string]ToolSchema
	providers map[string]Provider
}

func newCatalog() *Catalog {
	return &Catalog{
		tools:     make(map[string]ToolSchema),
		providers: make(map[string]Provider),
	}
}

// Tools returns all tools in the catalog, sorted alphabetically by name so
// output is reproducible across warm starts (spec §4.2).
func (c *Catalog) Tools() []ToolSchema {
	out := make([]ToolSchema, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tool looks up a single schema by name.
func (c *Catalog) Tool(name string) (ToolSchema, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Providers returns the declared health of every configured provider,
// including ones that failed discovery.
func (c *Catalog) Providers() []Provider {
	out := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Registry holds the set of configured tool providers and the catalog built
// from the most recent successful discovery pass. It is process-wide state:
// the only mutation is an atomic pointer swap (Registry.publish), so catalog
// reads never take a lock. Client lookups take the client container's read
// lock.
type Registry struct {
	clients *baseContainer[Client] // provider id -> RPC client, fixed at construction
	current atomic.Pointer[Catalog]
}

// NewRegistry creates a registry over the given provider clients. clients is
// the PROVIDER_ENDPOINTS mapping resolved to concrete RPC clients; it is the
// only source of truth for which providers exist (spec §4.1).
func NewRegistry(clients map[string]Client) *Registry {
	r := &Registry{clients: newBaseContainer[Client]()}
	for id, c := range clients {
		r.clients.set(id, c)
	}
	r.current.Store(newCatalog())
	return r
}

// Surface returns the most recently published catalog snapshot.
func (r *Registry) Surface() *Catalog {
	return r.current.Load()
}

func (r *Registry) publish(c *Catalog) {
	r.current.Store(c)
}

// providerIDs returns the configured provider ids in no particular order.
func (r *Registry) providerIDs() []string {
	return r.clients.keys()
}

// Client returns the RPC client configured for providerID, so callers that
// already know which provider a tool belongs to (the Tool Invoker, via the
// Access Filter's Surface.ProviderFor) can dispatch without the Registry
// exposing its internal client map.
func (r *Registry) Client(providerID string) (Client, bool) {
	return r.clients.get(providerID)
}

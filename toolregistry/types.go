package toolregistry

import (
	"context"
	"time"
)

// ToolSchema describes one callable tool exposed by a provider.
// Name is unique across the union of all providers; collisions are
// resolved by load order (later provider loses) and logged.
type ToolSchema struct {
	Name          string
	ProviderID    string
	Description   string
	Parameters    map[string]any // JSON-Schema-like object describing arguments
	AllowedRoles  []string
	Metadata      map[string]any
}

// ProviderStatus is the declared health of a ToolProvider.
type ProviderStatus string

const (
	StatusHealthy   ProviderStatus = "healthy"
	StatusUnhealthy ProviderStatus = "unhealthy"
	StatusUnknown   ProviderStatus = "unknown"
)

// Provider is a configured tool server: its id, base URL, and the health
// last observed during discovery.
type Provider struct {
	ID       string
	BaseURL  string
	Status   ProviderStatus
	LastErr  string
	ProbedAt time.Time
}

// Client is the narrow capability every tool provider must satisfy for the
// registry to discover and later invoke it. Modeling providers this way
// keeps the registry a homogeneous collection keyed by id -- no inheritance
// hierarchy is needed to support heterogeneous tool servers.
type Client interface {
	// ListTools issues the list-tools RPC (spec §6.1) against the
	// provider's base URL.
	ListTools(ctx context.Context) ([]ToolSchema, error)

	// CallTool issues the call-tool RPC (spec §6.1).
	CallTool(ctx context.Context, name string, arguments map[string]any) (result any, toolErr *ToolCallError, err error)
}

// ToolCallError is a structured error payload returned by a tool server
// itself (as opposed to a transport failure). It is never retried.
type ToolCallError struct {
	Message string
	Kind    string
}

func (e *ToolCallError) Error() string { return e.Message }

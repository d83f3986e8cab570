// Package accessfilter projects a Tool Registry surface down to the tools
// one caller may see and invoke (spec §4.2).
package accessfilter

import (
	"sort"

	"github.com/kadirpekel/orcacore/toolregistry"
)

// AccessContext is the caller's identity and authorization data used for
// filtering and row-scoping. RowScope is forwarded opaquely to the Tool
// Invoker and never interpreted here.
type AccessContext struct {
	UserID   string
	Roles    []string
	DevMode  bool // true when the synthetic admin/dev-mode bypass applies
	RowScope map[string]any
}

// HasRole reports whether the context carries the given role.
func (a AccessContext) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Descriptor is a tool shaped for a function-calling reasoning model.
type Descriptor struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Surface is the filtered view of the registry for one AccessContext: the
// descriptors to hand the reasoning model, and the reverse lookup the Tool
// Invoker needs to route a call back to its provider.
type Surface struct {
	Descriptors      []Descriptor
	toolToProvider   map[string]string
	filteredSchemas  map[string]toolregistry.ToolSchema
}

// ProviderFor returns the provider id a tool in this surface belongs to.
func (s *Surface) ProviderFor(toolName string) (string, bool) {
	id, ok := s.toolToProvider[toolName]
	return id, ok
}

// Schema returns the full schema for a tool visible in this surface, used
// by the Tool Invoker for argument validation (spec §4.3 requires the
// invoker validate against the *filtered* surface's schema, not the raw
// registry, so that an unauthorized tool can never be dispatched even if
// its name happens to validate).
func (s *Surface) Schema(toolName string) (toolregistry.ToolSchema, bool) {
	schema, ok := s.filteredSchemas[toolName]
	return schema, ok
}

// Visible reports whether toolName is present in this surface.
func (s *Surface) Visible(toolName string) bool {
	_, ok := s.filteredSchemas[toolName]
	return ok
}

// globalDevMode, when true, makes every tool visible to every caller
// regardless of role (spec §4.2 rule (c)). Set once at process startup
// from the DEV_MODE config key.
type Filter struct {
	globalDevMode bool
}

// New creates an Access Filter. globalDevMode mirrors the DEV_MODE config
// key; when true, all tools are visible to all callers.
func New(globalDevMode bool) *Filter {
	return &Filter{globalDevMode: globalDevMode}
}

// Project filters catalog down to the tools visible to ctx, per the
// visibility rule in spec §4.2: visible iff role intersection, OR the
// context carries the synthetic "admin" role from a dev-mode bypass, OR
// dev-mode is globally enabled. Output ordering is alphabetical by name so
// reasoning-model outputs stay reproducible across warm starts.
func (f *Filter) Project(catalog *toolregistry.Catalog, ctx AccessContext) *Surface {
	tools := catalog.Tools() // already alphabetical

	surface := &Surface{
		toolToProvider:  make(map[string]string, len(tools)),
		filteredSchemas: make(map[string]toolregistry.ToolSchema, len(tools)),
	}

	admin := ctx.DevMode || ctx.HasRole("admin")
	for _, t := range tools {
		if !f.globalDevMode && !admin && !rolesIntersect(t.AllowedRoles, ctx.Roles) {
			continue
		}
		surface.Descriptors = append(surface.Descriptors, Descriptor{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
		surface.toolToProvider[t.Name] = t.ProviderID
		surface.filteredSchemas[t.Name] = t
	}

	sort.Slice(surface.Descriptors, func(i, j int) bool {
		return surface.Descriptors[i].Name < surface.Descriptors[j].Name
	})
	return surface
}

func rolesIntersect(allowed, have []string) bool {
	if len(allowed) == 0 {
		// A tool with no declared allowed_roles is never implicitly public;
		// it requires dev-mode or admin to see, consistent with spec §4.2
		// which defines visibility only in terms of role intersection.
		return false
	}
	haveSet := make(map[string]struct{}, len(have))
	for _, r := range have {
		haveSet[r] = struct{}{}
	}
	for _, r := range allowed {
		if _, ok := haveSet[r]; ok {
			return true
		}
	}
	return false
}

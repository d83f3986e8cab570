// Package invoker executes exactly one tool call against one provider and
// returns a LineageRecord, applying pre-dispatch validation, caching and
// retry (spec §4.3).
package invoker

import (
	"time"

	"github.com/kadirpekel/orcacore/accessfilter"
	"github.com/kadirpekel/orcacore/sessionstore"
)

// DefaultCallTimeout is the per-call timeout applied to a provider
// dispatch, including any retries (spec §4.3: "default 30s").
const DefaultCallTimeout = 30 * time.Second

// DefaultCacheTTLSeconds is how long a successful result is cached before
// it is treated as stale (spec §4.3: "TTL default 300s").
const DefaultCacheTTLSeconds = 300

// MaxRetries is the number of additional attempts after the first, for
// transport-level failures only (spec §4.3: "up to 2 additional times").
const MaxRetries = 2

// Request is one tool call requested by the reasoning model for one turn.
type Request struct {
	ToolName  string
	Arguments map[string]any
	Access    accessfilter.AccessContext
}

// Result is everything the Planner Loop needs to thread a completed call
// back into the conversation and into the Turn's ExecutionMetadata.
type Result struct {
	Lineage sessionstore.LineageRecord

	// ResultForModel is the value to hand back to the reasoning model as
	// the tool result -- the cached/fresh payload on success, or the
	// structured error payload on failure, per spec §7 ("TransportErrors
	// after retry exhaustion are also threaded back ... rather than
	// terminating the turn").
	ResultForModel any
}

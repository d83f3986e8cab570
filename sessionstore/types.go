// Package sessionstore persists Sessions, Turns, Feedback and the cache
// substrate the Tool Invoker reads and writes (spec §4.5, §6.5).
package sessionstore

import "time"

// Session is a user's ongoing conversation: an ordered list of Turns.
type Session struct {
	SessionID string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
	Metadata  map[string]any
	Turns     []Turn
}

// Turn is one user-message/assistant-response cycle, including everything
// the Planner Loop did to produce the response.
type Turn struct {
	TurnID      string
	TurnNumber  int
	UserMessage string
	Response    string
	Success     bool
	Metadata    ExecutionMetadata
	CreatedAt   time.Time
}

// ExecutionMetadata is built incrementally by the Planner Loop and frozen
// into the Turn once the turn terminates.
type ExecutionMetadata struct {
	Rounds         int
	ProvidersUsed  []string // canonicalized as a set, serialized sorted
	DurationMillis int64
	Lineage        []LineageRecord
}

// Outcome is the result classification of one completed tool call.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeCached  Outcome = "cached"
	OutcomeError   Outcome = "error"
)

// LineageRecord is one completed tool call, the unit of the execution
// trace (spec Invariant I2: every LineageRecord.ToolName must appear in
// the filtered surface computed for that turn's AccessContext).
type LineageRecord struct {
	Step          int
	ToolName      string
	ProviderID    string
	Arguments     map[string]any
	ResultSummary string
	Result        any
	Timestamp     time.Time
	Outcome       Outcome
	ErrorKind     string
	DurationMs    int64
}

// Feedback is independent of the Turn record; PutFeedback upserts by
// TurnID and never mutates the referenced Turn.
type Feedback struct {
	TurnID    string
	SessionID string
	Rating    int
	Comment   string
	Timestamp time.Time
}

// SessionSummary is the lightweight view returned by ListSessions.
type SessionSummary struct {
	SessionID string
	CreatedAt time.Time
	UpdatedAt time.Time
	TurnCount int
}

// CacheEntry is the value side of a Tool Invoker cache hit.
type CacheEntry struct {
	Value     any
	ExpiresAt time.Time
}

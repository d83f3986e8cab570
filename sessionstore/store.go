package sessionstore

import "context"

// Store is the interface the rest of the orchestration core depends on.
// Invoker only needs the Cache half; Planner/httpapi need the rest.
type Store interface {
	// LoadSession returns the session if owned by userID, else nil. A
	// mismatched caller receives nil, never an error distinguishing "not
	// yours" from "not found" (spec §4.5 ownership check).
	LoadSession(ctx context.Context, userID, sessionID string) (*Session, error)

	// AppendTurn atomically appends turn to the session, creating the
	// session if it does not exist. TurnNumber is assigned as
	// (existing turns) + 1 regardless of what the caller set. Either the
	// full turn (including lineage) is stored or the session is left
	// unchanged (spec Invariant I4).
	AppendTurn(ctx context.Context, userID, sessionID string, turn Turn) (Turn, error)

	// ListSessions returns summaries for every session owned by userID.
	ListSessions(ctx context.Context, userID string) ([]SessionSummary, error)

	GetFeedback(ctx context.Context, turnID string) (*Feedback, error)
	PutFeedback(ctx context.Context, fb Feedback) error

	Cache
}

// Cache is the concurrency-safe cache substrate the Tool Invoker uses.
// Implementations must guarantee TTL-expired entries are never returned
// (spec Testable Property 4).
type Cache interface {
	CacheGet(ctx context.Context, key string) (CacheEntry, bool, error)
	CachePut(ctx context.Context, key string, value any, ttlSeconds int) error
}

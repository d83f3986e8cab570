// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	// SQL drivers -- registered for side effect, selected by dialect.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	createSessionsTable = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	metadata_json TEXT NOT NULL DEFAULT '{}',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
`

	createTurnsTable = `
CREATE TABLE IF NOT EXISTS turns (
	turn_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	turn_number INTEGER NOT NULL,
	user_message TEXT NOT NULL,
	response TEXT NOT NULL,
	success BOOLEAN NOT NULL,
	rounds INTEGER NOT NULL,
	providers_used_json TEXT NOT NULL DEFAULT '[]',
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session_id ON turns(session_id, turn_number);
`

	createLineageTable = `
CREATE TABLE IF NOT EXISTS lineage_records (
	turn_id TEXT NOT NULL,
	step INTEGER NOT NULL,
	tool_name TEXT NOT NULL,
	provider_id TEXT NOT NULL,
	arguments_json TEXT NOT NULL DEFAULT '{}',
	result_summary TEXT NOT NULL DEFAULT '',
	result_json TEXT NOT NULL DEFAULT 'null',
	outcome TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (turn_id, step)
);
`

	createFeedbackTable = `
CREATE TABLE IF NOT EXISTS feedback (
	turn_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	rating INTEGER NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
`

	createCacheTable = `
CREATE TABLE IF NOT EXISTS cache_entries (
	cache_key TEXT PRIMARY KEY,
	value_json TEXT NOT NULL,
	expires_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_entries_expires_at ON cache_entries(expires_at);
`
)

// SQLStore implements Store over database/sql, supporting postgres, mysql
// and sqlite, following the teacher's session/ratelimit store shape:
// normalized tables instead of one opaque JSON blob per session, a dialect
// string that selects `?` vs `$N` placeholders, and schema creation that
// runs idempotently on construction.
type SQLStore struct {
	db      *sql.DB
	dialect string

	// sessionLocks serializes concurrent AppendTurn calls against the same
	// session so turn_number assignment never races (spec §5: "concurrent
	// turn appends to the same session are serialized by the Session
	// Store"). A per-session mutex is sufficient since a session is
	// processed by a single core instance at a time (spec §1 Non-goals).
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSQLStore opens (and schema-initializes) a session store. dialect is
// one of "postgres", "mysql", "sqlite".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect, locks: make(map[string]*sync.Mutex)}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("session store schema init: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, stmt := range []string{createSessionsTable, createTurnsTable, createLineageTable, createFeedbackTable, createCacheTable} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// ph returns the n-th (1-based) placeholder for the store's dialect.
func (s *SQLStore) ph(n int) string {
	if s.dialect == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) lockFor(sessionID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[sessionID] = l
	}
	return l
}

// LoadSession implements Store.
func (s *SQLStore) LoadSession(ctx context.Context, userID, sessionID string) (*Session, error) {
	query := fmt.Sprintf(`SELECT session_id, user_id, metadata_json, created_at, updated_at FROM sessions WHERE session_id = %s AND user_id = %s`, s.ph(1), s.ph(2))

	var sess Session
	var metadataJSON string
	err := s.db.QueryRowContext(ctx, query, sessionID, userID).Scan(&sess.SessionID, &sess.UserID, &metadataJSON, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil // ownership mismatch and not-found are indistinguishable, per spec
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	_ = json.Unmarshal([]byte(metadataJSON), &sess.Metadata)

	turns, err := s.loadTurns(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.Turns = turns
	return &sess, nil
}

func (s *SQLStore) loadTurns(ctx context.Context, sessionID string) ([]Turn, error) {
	query := fmt.Sprintf(`SELECT turn_id, turn_number, user_message, response, success, rounds, providers_used_json, duration_ms, created_at
		FROM turns WHERE session_id = %s ORDER BY turn_number ASC`, s.ph(1))

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load turns: %w", err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var providersJSON string
		if err := rows.Scan(&t.TurnID, &t.TurnNumber, &t.UserMessage, &t.Response, &t.Success, &t.Metadata.Rounds, &providersJSON, &t.Metadata.DurationMillis, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		_ = json.Unmarshal([]byte(providersJSON), &t.Metadata.ProvidersUsed)
		lineage, err := s.loadLineage(ctx, t.TurnID)
		if err != nil {
			return nil, err
		}
		t.Metadata.Lineage = lineage
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *SQLStore) loadLineage(ctx context.Context, turnID string) ([]LineageRecord, error) {
	query := fmt.Sprintf(`SELECT step, tool_name, provider_id, arguments_json, result_summary, result_json, outcome, error_kind, duration_ms, created_at
		FROM lineage_records WHERE turn_id = %s ORDER BY step ASC`, s.ph(1))

	rows, err := s.db.QueryContext(ctx, query, turnID)
	if err != nil {
		return nil, fmt.Errorf("load lineage: %w", err)
	}
	defer rows.Close()

	var out []LineageRecord
	for rows.Next() {
		var rec LineageRecord
		var argsJSON, resultJSON string
		var outcome string
		if err := rows.Scan(&rec.Step, &rec.ToolName, &rec.ProviderID, &argsJSON, &rec.ResultSummary, &resultJSON, &outcome, &rec.ErrorKind, &rec.DurationMs, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan lineage: %w", err)
		}
		rec.Outcome = Outcome(outcome)
		_ = json.Unmarshal([]byte(argsJSON), &rec.Arguments)
		_ = json.Unmarshal([]byte(resultJSON), &rec.Result)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// AppendTurn implements Store. The whole append is one transaction so a
// Turn is never partially visible (spec Invariant I4); turn_number is
// assigned from the current max within that same transaction so it stays
// strictly monotonic and gapless even under concurrent callers (spec
// Invariant I3), serialized per-session by lockFor.
func (s *SQLStore) AppendTurn(ctx context.Context, userID, sessionID string, turn Turn) (Turn, error) {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Turn{}, fmt.Errorf("begin append_turn: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	now := time.Now()
	if err := s.ensureSession(ctx, tx, userID, sessionID, now); err != nil {
		return Turn{}, err
	}

	nextNumber, err := s.nextTurnNumber(ctx, tx, sessionID)
	if err != nil {
		return Turn{}, err
	}
	turn.TurnNumber = nextNumber
	if turn.TurnID == "" {
		turn.TurnID = uuid.NewString()
	}
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = now
	}

	providersJSON, _ := json.Marshal(sortedSet(turn.Metadata.ProvidersUsed))
	insertTurn := fmt.Sprintf(`INSERT INTO turns
		(turn_id, session_id, turn_number, user_message, response, success, rounds, providers_used_json, duration_ms, created_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))
	if _, err := tx.ExecContext(ctx, insertTurn, turn.TurnID, sessionID, turn.TurnNumber, turn.UserMessage, turn.Response,
		turn.Success, turn.Metadata.Rounds, string(providersJSON), turn.Metadata.DurationMillis, turn.CreatedAt); err != nil {
		return Turn{}, fmt.Errorf("insert turn: %w", err)
	}

	for i, rec := range turn.Metadata.Lineage {
		rec.Step = i + 1
		argsJSON, _ := json.Marshal(rec.Arguments)
		resultJSON, _ := json.Marshal(rec.Result)
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now
		}
		insertLineage := fmt.Sprintf(`INSERT INTO lineage_records
			(turn_id, step, tool_name, provider_id, arguments_json, result_summary, result_json, outcome, error_kind, duration_ms, created_at)
			VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
			s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10), s.ph(11))
		if _, err := tx.ExecContext(ctx, insertLineage, turn.TurnID, rec.Step, rec.ToolName, rec.ProviderID,
			string(argsJSON), rec.ResultSummary, string(resultJSON), string(rec.Outcome), rec.ErrorKind, rec.DurationMs, rec.Timestamp); err != nil {
			return Turn{}, fmt.Errorf("insert lineage: %w", err)
		}
		turn.Metadata.Lineage[i] = rec
	}

	updateSession := fmt.Sprintf(`UPDATE sessions SET updated_at = %s WHERE session_id = %s`, s.ph(1), s.ph(2))
	if _, err := tx.ExecContext(ctx, updateSession, now, sessionID); err != nil {
		return Turn{}, fmt.Errorf("touch session: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Turn{}, fmt.Errorf("commit append_turn: %w", err)
	}
	committed = true
	return turn, nil
}

func (s *SQLStore) ensureSession(ctx context.Context, tx *sql.Tx, userID, sessionID string, now time.Time) error {
	existsQuery := fmt.Sprintf(`SELECT 1 FROM sessions WHERE session_id = %s`, s.ph(1))
	var dummy int
	err := tx.QueryRowContext(ctx, existsQuery, sessionID).Scan(&dummy)
	if err == nil {
		return nil // already exists
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check session existence: %w", err)
	}

	insert := fmt.Sprintf(`INSERT INTO sessions (session_id, user_id, metadata_json, created_at, updated_at) VALUES (%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	if _, err := tx.ExecContext(ctx, insert, sessionID, userID, "{}", now, now); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	slog.Info("sessionstore: created session", "session_id", sessionID, "user_id", userID)
	return nil
}

func (s *SQLStore) nextTurnNumber(ctx context.Context, tx *sql.Tx, sessionID string) (int, error) {
	query := fmt.Sprintf(`SELECT COALESCE(MAX(turn_number), 0) FROM turns WHERE session_id = %s`, s.ph(1))
	var max int
	if err := tx.QueryRowContext(ctx, query, sessionID).Scan(&max); err != nil {
		return 0, fmt.Errorf("compute next turn_number: %w", err)
	}
	return max + 1, nil
}

// ListSessions implements Store.
func (s *SQLStore) ListSessions(ctx context.Context, userID string) ([]SessionSummary, error) {
	query := fmt.Sprintf(`SELECT s.session_id, s.created_at, s.updated_at, COUNT(t.turn_id)
		FROM sessions s LEFT JOIN turns t ON t.session_id = s.session_id
		WHERE s.user_id = %s GROUP BY s.session_id, s.created_at, s.updated_at ORDER BY s.updated_at DESC`, s.ph(1))

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionSummary
	for rows.Next() {
		var sum SessionSummary
		if err := rows.Scan(&sum.SessionID, &sum.CreatedAt, &sum.UpdatedAt, &sum.TurnCount); err != nil {
			return nil, fmt.Errorf("scan session summary: %w", err)
		}
		out = append(out, sum)
	}
	return out, rows.Err()
}

// GetFeedback implements Store.
func (s *SQLStore) GetFeedback(ctx context.Context, turnID string) (*Feedback, error) {
	query := fmt.Sprintf(`SELECT turn_id, session_id, rating, comment, created_at FROM feedback WHERE turn_id = %s`, s.ph(1))
	var fb Feedback
	err := s.db.QueryRowContext(ctx, query, turnID).Scan(&fb.TurnID, &fb.SessionID, &fb.Rating, &fb.Comment, &fb.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get feedback: %w", err)
	}
	return &fb, nil
}

// PutFeedback implements Store: upserts by TurnID, last-write-wins, and
// never touches the turns table (feedback is independent of the Turn).
func (s *SQLStore) PutFeedback(ctx context.Context, fb Feedback) error {
	if fb.Timestamp.IsZero() {
		fb.Timestamp = time.Now()
	}

	var upsert string
	switch s.dialect {
	case "postgres":
		upsert = `INSERT INTO feedback (turn_id, session_id, rating, comment, created_at) VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (turn_id) DO UPDATE SET rating = EXCLUDED.rating, comment = EXCLUDED.comment, created_at = EXCLUDED.created_at`
	case "mysql":
		upsert = `INSERT INTO feedback (turn_id, session_id, rating, comment, created_at) VALUES (?,?,?,?,?)
			ON DUPLICATE KEY UPDATE rating = VALUES(rating), comment = VALUES(comment), created_at = VALUES(created_at)`
	default: // sqlite
		upsert = `INSERT INTO feedback (turn_id, session_id, rating, comment, created_at) VALUES (?,?,?,?,?)
			ON CONFLICT (turn_id) DO UPDATE SET rating = excluded.rating, comment = excluded.comment, created_at = excluded.created_at`
	}

	if _, err := s.db.ExecContext(ctx, upsert, fb.TurnID, fb.SessionID, fb.Rating, fb.Comment, fb.Timestamp); err != nil {
		return fmt.Errorf("put feedback: %w", err)
	}
	return nil
}

// CacheGet implements Cache. A row whose expires_at has passed is treated
// as absent -- it is not returned, and it is opportunistically deleted so
// the table does not grow unbounded (spec Testable Property 4: no stale
// hits).
func (s *SQLStore) CacheGet(ctx context.Context, key string) (CacheEntry, bool, error) {
	query := fmt.Sprintf(`SELECT value_json, expires_at FROM cache_entries WHERE cache_key = %s`, s.ph(1))
	var valueJSON string
	var expiresAt time.Time
	err := s.db.QueryRowContext(ctx, query, key).Scan(&valueJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return CacheEntry{}, false, nil
	}
	if err != nil {
		return CacheEntry{}, false, fmt.Errorf("cache get: %w", err)
	}

	if !time.Now().Before(expiresAt) {
		del := fmt.Sprintf(`DELETE FROM cache_entries WHERE cache_key = %s`, s.ph(1))
		if _, err := s.db.ExecContext(ctx, del, key); err != nil {
			slog.Warn("sessionstore: failed to evict expired cache entry", "key", key, "err", err)
		}
		return CacheEntry{}, false, nil
	}

	var value any
	if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
		return CacheEntry{}, false, fmt.Errorf("cache get: decode value: %w", err)
	}
	return CacheEntry{Value: value, ExpiresAt: expiresAt}, true, nil
}

// CachePut implements Cache, upserting by key. ttlSeconds <= 0 stores an
// already-expired entry, which is a convenient way for tests to exercise
// the TTL-miss path without sleeping.
func (s *SQLStore) CachePut(ctx context.Context, key string, value any, ttlSeconds int) error {
	valueJSON, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache put: encode value: %w", err)
	}
	expiresAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second)

	var upsert string
	switch s.dialect {
	case "postgres":
		upsert = `INSERT INTO cache_entries (cache_key, value_json, expires_at) VALUES ($1,$2,$3)
			ON CONFLICT (cache_key) DO UPDATE SET value_json = EXCLUDED.value_json, expires_at = EXCLUDED.expires_at`
	case "mysql":
		upsert = `INSERT INTO cache_entries (cache_key, value_json, expires_at) VALUES (?,?,?)
			ON DUPLICATE KEY UPDATE value_json = VALUES(value_json), expires_at = VALUES(expires_at)`
	default: // sqlite
		upsert = `INSERT INTO cache_entries (cache_key, value_json, expires_at) VALUES (?,?,?)
			ON CONFLICT (cache_key) DO UPDATE SET value_json = excluded.value_json, expires_at = excluded.expires_at`
	}

	if _, err := s.db.ExecContext(ctx, upsert, key, string(valueJSON), expiresAt); err != nil {
		return fmt.Errorf("cache put: %w", err)
	}
	return nil
}

// sortedSet deduplicates and sorts a set of strings for stable JSON output
// (spec Open Question (a): providers_used is canonicalized as a set).
func sortedSet(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

package sessionstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	_ "github.com/mattn/go-sqlite3"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLStore(db, "sqlite")
	require.NoError(t, err)
	return store
}

func TestAppendTurnCreatesSessionAndAssignsTurnNumbers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t1, err := store.AppendTurn(ctx, "u1", "s1", Turn{UserMessage: "hi", Response: "hello"})
	require.NoError(t, err)
	require.Equal(t, 1, t1.TurnNumber)
	require.NotEmpty(t, t1.TurnID)

	t2, err := store.AppendTurn(ctx, "u1", "s1", Turn{UserMessage: "again", Response: "ok"})
	require.NoError(t, err)
	require.Equal(t, 2, t2.TurnNumber)

	sess, err := store.LoadSession(ctx, "u1", "s1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	require.Len(t, sess.Turns, 2)
	require.Equal(t, 1, sess.Turns[0].TurnNumber)
	require.Equal(t, 2, sess.Turns[1].TurnNumber)
}

func TestLoadSessionOwnershipMismatchReturnsNil(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendTurn(ctx, "owner", "s1", Turn{UserMessage: "hi", Response: "hello"})
	require.NoError(t, err)

	sess, err := store.LoadSession(ctx, "someone-else", "s1")
	require.NoError(t, err)
	require.Nil(t, sess)
}

func TestAppendTurnPersistsLineage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	turn := Turn{
		UserMessage: "what's the weather",
		Response:    "sunny",
		Success:     true,
		Metadata: ExecutionMetadata{
			Rounds:         1,
			ProvidersUsed:  []string{"weather", "weather"}, // duplicate on purpose
			DurationMillis: 120,
			Lineage: []LineageRecord{
				{ToolName: "get_forecast", ProviderID: "weather", Arguments: map[string]any{"city": "nyc"}, Outcome: OutcomeSuccess, DurationMs: 80},
			},
		},
	}

	saved, err := store.AppendTurn(ctx, "u1", "s1", turn)
	require.NoError(t, err)
	require.Len(t, saved.Metadata.Lineage, 1)
	require.Equal(t, 1, saved.Metadata.Lineage[0].Step)

	sess, err := store.LoadSession(ctx, "u1", "s1")
	require.NoError(t, err)
	require.Len(t, sess.Turns, 1)
	require.Equal(t, []string{"weather"}, sess.Turns[0].Metadata.ProvidersUsed)
	require.Len(t, sess.Turns[0].Metadata.Lineage, 1)
	require.Equal(t, "get_forecast", sess.Turns[0].Metadata.Lineage[0].ToolName)
	require.Equal(t, "nyc", sess.Turns[0].Metadata.Lineage[0].Arguments["city"])
}

func TestListSessionsOrdersByUpdatedAtDescending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.AppendTurn(ctx, "u1", "first", Turn{UserMessage: "a", Response: "b"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = store.AppendTurn(ctx, "u1", "second", Turn{UserMessage: "a", Response: "b"})
	require.NoError(t, err)

	summaries, err := store.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	require.Equal(t, "second", summaries[0].SessionID)
	require.Equal(t, 1, summaries[0].TurnCount)
}

func TestFeedbackUpsertByTurnID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	turn, err := store.AppendTurn(ctx, "u1", "s1", Turn{UserMessage: "a", Response: "b"})
	require.NoError(t, err)

	err = store.PutFeedback(ctx, Feedback{TurnID: turn.TurnID, SessionID: "s1", Rating: 1, Comment: "meh"})
	require.NoError(t, err)

	err = store.PutFeedback(ctx, Feedback{TurnID: turn.TurnID, SessionID: "s1", Rating: 5, Comment: "great"})
	require.NoError(t, err)

	fb, err := store.GetFeedback(ctx, turn.TurnID)
	require.NoError(t, err)
	require.NotNil(t, fb)
	require.Equal(t, 5, fb.Rating)
	require.Equal(t, "great", fb.Comment)
}

func TestGetFeedbackUnknownTurnReturnsNil(t *testing.T) {
	store := newTestStore(t)
	fb, err := store.GetFeedback(context.Background(), "no-such-turn")
	require.NoError(t, err)
	require.Nil(t, fb)
}

func TestCacheGetPutRespectsTTL(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CachePut(ctx, "key-1", map[string]any{"result": 42}, 60))

	entry, ok, err := store.CacheGet(ctx, "key-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, entry.Value)

	require.NoError(t, store.CachePut(ctx, "key-expired", "value", -1))
	_, ok, err = store.CacheGet(ctx, "key-expired")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheGetMissingKey(t *testing.T) {
	store := newTestStore(t)
	_, ok, err := store.CacheGet(context.Background(), "does-not-exist")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestConcurrentAppendTurnSerializesNumbering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := store.AppendTurn(ctx, "u1", "shared", Turn{UserMessage: "x", Response: "y"})
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-errs)
	}

	sess, err := store.LoadSession(ctx, "u1", "shared")
	require.NoError(t, err)
	require.Len(t, sess.Turns, n)
	seen := make(map[int]bool, n)
	for _, turn := range sess.Turns {
		require.False(t, seen[turn.TurnNumber], "duplicate turn_number %d", turn.TurnNumber)
		seen[turn.TurnNumber] = true
	}
	for i := 1; i <= n; i++ {
		require.True(t, seen[i], "missing turn_number %d", i)
	}
}

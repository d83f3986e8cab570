package planner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orcacore/accessfilter"
	"github.com/kadirpekel/orcacore/invoker"
	"github.com/kadirpekel/orcacore/sessionstore"
	"github.com/kadirpekel/orcacore/toolregistry"
)

// fakeModel scripts a fixed sequence of PlanRound outcomes, one per call.
type fakeModel struct {
	mu    sync.Mutex
	calls int
	plan  []func(conversation Conversation) (string, []ToolCall, error)
}

func (f *fakeModel) PlanRound(ctx context.Context, conversation Conversation, tools []accessfilter.Descriptor) (string, []ToolCall, error) {
	f.mu.Lock()
	i := f.calls
	f.calls++
	f.mu.Unlock()
	if i >= len(f.plan) {
		return "", nil, errors.New("fakeModel: no more scripted rounds")
	}
	type planResult struct {
		text string
		tc   []ToolCall
		err  error
	}
	done := make(chan planResult, 1)
	go func() {
		text, tc, err := f.plan[i](conversation)
		done <- planResult{text, tc, err}
	}()
	select {
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case r := <-done:
		return r.text, r.tc, r.err
	}
}

func plainAnswer(text string) func(Conversation) (string, []ToolCall, error) {
	return func(Conversation) (string, []ToolCall, error) { return text, nil, nil }
}

func callTools(calls ...ToolCall) func(Conversation) (string, []ToolCall, error) {
	return func(Conversation) (string, []ToolCall, error) { return "", calls, nil }
}

func failRound(msg string) func(Conversation) (string, []ToolCall, error) {
	return func(Conversation) (string, []ToolCall, error) { return "", nil, errors.New(msg) }
}

// fakeExecutor scripts per-tool-name results; delay widens the window to
// assert ExecuteRound actually dispatches concurrently, and toolDelay adds
// a per-tool-name sleep to control completion order.
type fakeExecutor struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	delay       time.Duration
	toolDelay   map[string]time.Duration
	results     map[string]any
}

func (f *fakeExecutor) Invoke(ctx context.Context, surface *accessfilter.Surface, req invoker.Request) invoker.Result {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if d := f.toolDelay[req.ToolName]; d > 0 {
		time.Sleep(d)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	val := f.results[req.ToolName]
	return invoker.Result{
		ResultForModel: val,
		Lineage: sessionstore.LineageRecord{
			ToolName:   req.ToolName,
			ProviderID: "alpha",
			Arguments:  req.Arguments,
			Outcome:    sessionstore.OutcomeSuccess,
			Timestamp:  time.Now(),
		},
	}
}

func testSurface(t *testing.T) *accessfilter.Surface {
	t.Helper()
	schemas := []toolregistry.ToolSchema{
		{Name: "lookup", ProviderID: "alpha", AllowedRoles: []string{"user"}, Parameters: map[string]any{}},
		{Name: "search", ProviderID: "alpha", AllowedRoles: []string{"user"}, Parameters: map[string]any{}},
	}
	reg := toolregistry.NewRegistry(map[string]toolregistry.Client{"alpha": &fakeRegistryClient{tools: schemas}})
	reg.LoadAll(context.Background(), 0)
	return accessfilter.New(false).Project(reg.Surface(), accessfilter.AccessContext{UserID: "u1", Roles: []string{"user"}})
}

type fakeRegistryClient struct{ tools []toolregistry.ToolSchema }

func (f *fakeRegistryClient) ListTools(ctx context.Context) ([]toolregistry.ToolSchema, error) {
	return f.tools, nil
}

func (f *fakeRegistryClient) CallTool(ctx context.Context, name string, args map[string]any) (any, *toolregistry.ToolCallError, error) {
	return nil, nil, nil
}

func TestLoopDoneOnPlainAnswer(t *testing.T) {
	model := &fakeModel{plan: []func(Conversation) (string, []ToolCall, error){plainAnswer("hello there")}}
	loop := New(model, &fakeExecutor{})

	conv := &Conversation{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	outcome := loop.Run(context.Background(), conv, testSurface(t), accessfilter.AccessContext{UserID: "u1"})

	require.Equal(t, StatusDone, outcome.Status)
	require.Equal(t, "hello there", outcome.ResponseText)
	require.Equal(t, 1, outcome.Rounds)
	require.Empty(t, outcome.Lineage)
}

func TestLoopExecutesToolsAcrossRounds(t *testing.T) {
	model := &fakeModel{plan: []func(Conversation) (string, []ToolCall, error){
		callTools(ToolCall{ID: "call_1", ToolName: "lookup", Arguments: map[string]any{"q": "x"}}),
		plainAnswer("done"),
	}}
	exec := &fakeExecutor{results: map[string]any{"lookup": "found it"}}
	loop := New(model, exec)

	conv := &Conversation{Messages: []Message{{Role: RoleUser, Content: "find x"}}}
	outcome := loop.Run(context.Background(), conv, testSurface(t), accessfilter.AccessContext{UserID: "u1"})

	require.Equal(t, StatusDone, outcome.Status)
	require.Equal(t, 2, outcome.Rounds)
	require.Len(t, outcome.Lineage, 1)
	require.Equal(t, "lookup", outcome.Lineage[0].ToolName)
	require.Equal(t, 1, outcome.Lineage[0].Step)
	require.Equal(t, []string{"alpha"}, outcome.ProvidersUsed)
}

func TestLoopPreservesCanonicalToolCallOrderRegardlessOfCompletionOrder(t *testing.T) {
	// "search" intentionally sleeps longer than "lookup" so completion
	// order is reversed; the fed-back conversation must still read
	// search-then-lookup, matching the model's own tool_call_id order.
	model := &fakeModel{plan: []func(Conversation) (string, []ToolCall, error){
		callTools(
			ToolCall{ID: "call_1", ToolName: "search", Arguments: map[string]any{}},
			ToolCall{ID: "call_2", ToolName: "lookup", Arguments: map[string]any{}},
		),
		plainAnswer("done"),
	}}
	exec := &fakeExecutor{
		toolDelay: map[string]time.Duration{"search": 30 * time.Millisecond},
		results:   map[string]any{"search": "slow", "lookup": "fast"},
	}
	loop := New(model, exec)

	conv := &Conversation{Messages: []Message{{Role: RoleUser, Content: "go"}}}
	outcome := loop.Run(context.Background(), conv, testSurface(t), accessfilter.AccessContext{UserID: "u1"})

	require.Equal(t, StatusDone, outcome.Status)
	require.Len(t, outcome.Lineage, 2)
	require.Equal(t, "search", outcome.Lineage[0].ToolName)
	require.Equal(t, "lookup", outcome.Lineage[1].ToolName)

	// Tool-result messages in the conversation must be in the same order.
	var toolMsgIDs []string
	for _, m := range conv.Messages {
		if m.Role == RoleTool {
			toolMsgIDs = append(toolMsgIDs, m.ToolCallID)
		}
	}
	require.Equal(t, []string{"call_1", "call_2"}, toolMsgIDs)
}

func TestLoopDispatchesToolCallsConcurrently(t *testing.T) {
	model := &fakeModel{plan: []func(Conversation) (string, []ToolCall, error){
		callTools(
			ToolCall{ID: "call_1", ToolName: "lookup", Arguments: map[string]any{}},
			ToolCall{ID: "call_2", ToolName: "search", Arguments: map[string]any{}},
		),
		plainAnswer("done"),
	}}
	exec := &fakeExecutor{delay: 30 * time.Millisecond, results: map[string]any{}}
	loop := New(model, exec)

	conv := &Conversation{Messages: []Message{{Role: RoleUser, Content: "go"}}}
	start := time.Now()
	outcome := loop.Run(context.Background(), conv, testSurface(t), accessfilter.AccessContext{UserID: "u1"})
	elapsed := time.Since(start)

	require.Equal(t, StatusDone, outcome.Status)
	require.Less(t, elapsed, 50*time.Millisecond, "two tool calls should overlap, not run sequentially")
	require.Equal(t, 2, exec.maxInFlight)
}

func TestLoopTruncatesAtMaxRounds(t *testing.T) {
	everCallsTools := callTools(ToolCall{ID: "call_1", ToolName: "lookup", Arguments: map[string]any{}})
	model := &fakeModel{plan: []func(Conversation) (string, []ToolCall, error){
		everCallsTools, everCallsTools, everCallsTools,
	}}
	exec := &fakeExecutor{results: map[string]any{"lookup": "x"}}
	loop := New(model, exec, WithMaxRounds(2))

	conv := &Conversation{Messages: []Message{{Role: RoleUser, Content: "loop forever"}}}
	outcome := loop.Run(context.Background(), conv, testSurface(t), accessfilter.AccessContext{UserID: "u1"})

	require.Equal(t, StatusTruncated, outcome.Status)
	require.Equal(t, 2, outcome.Rounds)
	require.Len(t, outcome.Lineage, 2)
}

func TestLoopFailsOnReasoningModelError(t *testing.T) {
	model := &fakeModel{plan: []func(Conversation) (string, []ToolCall, error){failRound("upstream exploded")}}
	loop := New(model, &fakeExecutor{})

	conv := &Conversation{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	outcome := loop.Run(context.Background(), conv, testSurface(t), accessfilter.AccessContext{UserID: "u1"})

	require.Equal(t, StatusFailed, outcome.Status)
	require.Contains(t, outcome.FailureReason, "upstream exploded")
}

func TestLoopRespectsTurnTimeout(t *testing.T) {
	model := &fakeModel{plan: []func(Conversation) (string, []ToolCall, error){
		func(Conversation) (string, []ToolCall, error) {
			time.Sleep(20 * time.Millisecond)
			return "too slow", nil, nil
		},
	}}
	loop := New(model, &fakeExecutor{}, WithTurnTimeout(5*time.Millisecond), WithReasoningTimeout(5*time.Millisecond))

	conv := &Conversation{Messages: []Message{{Role: RoleUser, Content: "hi"}}}
	outcome := loop.Run(context.Background(), conv, testSurface(t), accessfilter.AccessContext{UserID: "u1"})

	require.Equal(t, StatusFailed, outcome.Status)
}

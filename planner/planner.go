package planner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/orcacore/accessfilter"
	"github.com/kadirpekel/orcacore/invoker"
	"github.com/kadirpekel/orcacore/sessionstore"
)

// Loop drives one turn's Init -> PlanRound -> {Done | ExecuteRound |
// Failed} -> ... -> {Done | Truncated | Failed} state machine (spec §4.4).
type Loop struct {
	model            ReasoningModel
	executor         ToolExecutor
	maxRounds        int
	turnTimeout      time.Duration
	reasoningTimeout time.Duration
}

// Option configures a Loop.
type Option func(*Loop)

// WithMaxRounds overrides DefaultMaxRounds (MAX_ROUNDS).
func WithMaxRounds(n int) Option {
	return func(l *Loop) { l.maxRounds = n }
}

// WithTurnTimeout overrides DefaultTurnTimeout (TURN_TIMEOUT_MS).
func WithTurnTimeout(d time.Duration) Option {
	return func(l *Loop) { l.turnTimeout = d }
}

// WithReasoningTimeout overrides DefaultReasoningTimeout (REASONING_CALL_TIMEOUT_MS).
func WithReasoningTimeout(d time.Duration) Option {
	return func(l *Loop) { l.reasoningTimeout = d }
}

// New builds a Loop over model (the reasoning model adapter) and executor
// (the Tool Invoker).
func New(model ReasoningModel, executor ToolExecutor, opts ...Option) *Loop {
	l := &Loop{
		model:            model,
		executor:         executor,
		maxRounds:        DefaultMaxRounds,
		turnTimeout:      DefaultTurnTimeout,
		reasoningTimeout: DefaultReasoningTimeout,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes one full turn: Init, then PlanRound/ExecuteRound until
// Done, Truncated or Failed. conversation already carries [system prompt,
// prior turns, current user message] (Init, per spec §4.4); Run appends
// to it in place as the turn progresses.
//
// Cancellation: if ctx is cancelled (client disconnect), Run returns as
// soon as the in-flight round observes it; the caller must discard the
// turn without writing to the Session Store, per the Cancellation clause
// -- Run itself never writes to storage, so this falls out naturally.
func (l *Loop) Run(ctx context.Context, conversation *Conversation, surface *accessfilter.Surface, access accessfilter.AccessContext) Outcome {
	ctx, cancel := context.WithTimeout(ctx, l.turnTimeout)
	defer cancel()

	start := time.Now()
	var lineage []sessionstore.LineageRecord
	providers := map[string]struct{}{}

	for round := 1; ; round++ {
		if err := ctx.Err(); err != nil {
			return l.failed(round-1, lineage, providers, fmt.Sprintf("turn cancelled or timed out: %v", err))
		}

		roundCtx, roundCancel := context.WithTimeout(ctx, l.reasoningTimeout)
		text, toolCalls, err := l.model.PlanRound(roundCtx, *conversation, surface.Descriptors)
		roundCancel()
		if err != nil {
			return l.failed(round, lineage, providers, fmt.Sprintf("reasoning model failed: %v", err))
		}

		if len(toolCalls) == 0 {
			conversation.Append(Message{Role: RoleAssistant, Content: text})
			return Outcome{
				Status:        StatusDone,
				ResponseText:  text,
				Rounds:        round,
				ProvidersUsed: sortedKeys(providers),
				Lineage:       lineage,
			}
		}

		conversation.Append(Message{Role: RoleAssistant, Content: text, ToolCalls: toolCalls})

		results, execErr := l.executeRound(ctx, surface, access, toolCalls)
		if execErr != nil {
			return l.failed(round, lineage, providers, fmt.Sprintf("tool execution cancelled: %v", execErr))
		}

		for i, tc := range toolCalls {
			res := results[i]
			lineage = append(lineage, withStep(res.Lineage, len(lineage)+1))
			if res.Lineage.ProviderID != "" {
				providers[res.Lineage.ProviderID] = struct{}{}
			}
			conversation.Append(Message{
				Role:       RoleTool,
				Content:    summarizeForModel(res.ResultForModel),
				ToolCallID: tc.ID,
			})
		}

		if round+1 > l.maxRounds {
			return Outcome{
				Status:        StatusTruncated,
				ResponseText:  truncatedMessage(l.maxRounds),
				Rounds:        l.maxRounds,
				ProvidersUsed: sortedKeys(providers),
				Lineage:       lineage,
				FailureReason: "round cap reached",
			}
		}
	}
}

// executeRound dispatches toolCalls concurrently via errgroup, writing each
// result to its own slice index so there is no shared-map write race; the
// slice index already equals the model-assigned order of toolCalls, so
// reassembly below is canonical regardless of completion order (spec
// Determinism clause, scenario S3). Mirrors the teacher's
// workflowagent.NewParallel fan-out/fan-in shape, generalized from
// sub-agents to tool calls.
func (l *Loop) executeRound(ctx context.Context, surface *accessfilter.Surface, access accessfilter.AccessContext, toolCalls []ToolCall) ([]invoker.Result, error) {
	results := make([]invoker.Result, len(toolCalls))
	g, gctx := errgroup.WithContext(ctx)
	for i, tc := range toolCalls {
		i, tc := i, tc
		g.Go(func() error {
			results[i] = l.executor.Invoke(gctx, surface, invoker.Request{
				ToolName:  tc.ToolName,
				Arguments: tc.Arguments,
				Access:    access,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	// Invoke never returns an error itself (failures become an error
	// outcome on the Result), so the only way g.Wait() above observes
	// success while the round should still fail is an external
	// cancellation of ctx during dispatch.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (l *Loop) failed(roundsCompleted int, lineage []sessionstore.LineageRecord, providers map[string]struct{}, reason string) Outcome {
	slog.Warn("planner: turn failed", "reason", reason, "rounds", roundsCompleted)
	return Outcome{
		Status:        StatusFailed,
		ResponseText:  failedMessage,
		Rounds:        roundsCompleted,
		ProvidersUsed: sortedKeys(providers),
		Lineage:       lineage,
		FailureReason: reason,
	}
}

func truncatedMessage(maxRounds int) string {
	return fmt.Sprintf("I wasn't able to finish within the allotted %d rounds of tool use. Here is what I found so far.", maxRounds)
}

// failedMessage is the user-facing response for a failed turn. Spec §7
// keeps it concise and domain-agnostic; the actual cause (reason) stays in
// Outcome.FailureReason and the lineage/logs, never the response text.
const failedMessage = "I wasn't able to complete this turn. Please try again."

func withStep(rec sessionstore.LineageRecord, step int) sessionstore.LineageRecord {
	rec.Step = step
	return rec
}

func summarizeForModel(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

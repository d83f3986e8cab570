// Package planner drives the multi-round function-calling conversation
// with a reasoning model, dispatches the tool calls it emits through the
// Tool Invoker, and enforces the round cap (spec §4.4).
package planner

import (
	"context"
	"time"

	"github.com/kadirpekel/orcacore/accessfilter"
	"github.com/kadirpekel/orcacore/invoker"
	"github.com/kadirpekel/orcacore/sessionstore"
)

// DefaultMaxRounds is MAX_ROUNDS when config does not override it.
const DefaultMaxRounds = 5

// DefaultTurnTimeout is TURN_TIMEOUT_MS's default.
const DefaultTurnTimeout = 180 * time.Second

// DefaultReasoningTimeout is REASONING_CALL_TIMEOUT_MS's default, applied
// by the loop around each PlanRound call to the reasoning model.
const DefaultReasoningTimeout = 60 * time.Second

// Role identifies the speaker of a Message in the conversation fed to the
// reasoning model.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of the conversation handed to the reasoning model.
// ToolCallID is set only on RoleTool messages, matching it back to the
// ToolCall the assistant emitted; ToolCalls is set only on RoleAssistant
// messages that requested tool use.
type Message struct {
	Role       Role
	Content    string
	ToolCallID string
	ToolCalls  []ToolCall
}

// ToolCall is one function-call directive emitted by the reasoning model.
// ID is the model-assigned identifier copied onto the matching RoleTool
// result message. Results are fed back in the order the model emitted its
// calls, regardless of completion order (spec Determinism clause).
type ToolCall struct {
	ID        string
	ToolName  string
	Arguments map[string]any
}

// Conversation is the ordered message history submitted to the reasoning
// model on every PlanRound call: system prompt, prior turns, current user
// message, and this turn's accumulated assistant/tool messages.
type Conversation struct {
	Messages []Message
}

// Append adds msg to the conversation in place.
func (c *Conversation) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
}

// ReasoningModel is the narrow interface the Planner Loop depends on: one
// round-trip to a function-calling chat completion API. Any such client
// can be plugged in behind it; planner/anthropicadapter and
// planner/openaiadapter are the two reference implementations (spec §4.4
// implementation notes).
//
// A non-nil error is a Model failure (the loop enters Failed). Otherwise
// len(toolCalls) > 0 is a request to execute tools (assistantText may
// accompany it), and an empty toolCalls makes assistantText the plain
// answer.
type ReasoningModel interface {
	PlanRound(ctx context.Context, conversation Conversation, tools []accessfilter.Descriptor) (assistantText string, toolCalls []ToolCall, err error)
}

// ToolExecutor is the narrow interface the loop uses to run one tool call;
// satisfied directly by *invoker.Invoker.
type ToolExecutor interface {
	Invoke(ctx context.Context, surface *accessfilter.Surface, req invoker.Request) invoker.Result
}

// Status is the terminal state the loop reaches for one turn.
type Status string

const (
	StatusDone      Status = "done"
	StatusTruncated Status = "truncated"
	StatusFailed    Status = "failed"
)

// Outcome is the result of running one full turn through the loop.
type Outcome struct {
	Status        Status
	ResponseText  string
	Rounds        int
	ProvidersUsed []string
	Lineage       []sessionstore.LineageRecord
	FailureReason string
}

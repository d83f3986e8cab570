// Package anthropicadapter implements planner.ReasoningModel over Claude's
// tool-use API, via github.com/anthropics/anthropic-sdk-go. Grounded on
// haasonsaas-nexus's internal/agent/providers/anthropic.go: the same
// client construction, message/tool conversion, and SSE event
// accumulation, adapted from a streaming-channel shape to a single
// synchronous PlanRound call since the orchestration core does not stream
// partial assistant output to its own caller.
package anthropicadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kadirpekel/orcacore/accessfilter"
	"github.com/kadirpekel/orcacore/planner"
)

const defaultModel = "claude-sonnet-4-20250514"
const defaultMaxTokens = 4096

// Config holds the parameters needed to construct an Adapter.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxTokens  int64
	MaxRetries int
	RetryDelay time.Duration
}

// Adapter implements planner.ReasoningModel over the Anthropic SDK.
type Adapter struct {
	client     anthropic.Client
	model      string
	maxTokens  int64
	maxRetries int
	retryDelay time.Duration
}

// New validates cfg, applies defaults mirroring the teacher's provider
// constructor, and builds the underlying SDK client.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropicadapter: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}

	return &Adapter{
		client:     anthropic.NewClient(options...),
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// PlanRound submits conversation and tools to Claude and returns either
// plain assistant text or the tool calls it requested.
func (a *Adapter) PlanRound(ctx context.Context, conversation planner.Conversation, tools []accessfilter.Descriptor) (string, []planner.ToolCall, error) {
	toolParams, err := convertTools(tools)
	if err != nil {
		return "", nil, fmt.Errorf("anthropicadapter: convert tools: %w", err)
	}
	messages, system, err := convertMessages(conversation)
	if err != nil {
		return "", nil, fmt.Errorf("anthropicadapter: convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		Messages:  messages,
		Tools:     toolParams,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	var text string
	var toolCalls []planner.ToolCall
	var lastErr error

	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		text, toolCalls, lastErr = a.runOnce(ctx, params)
		if lastErr == nil {
			return text, toolCalls, nil
		}
		if !isRetryableError(lastErr) {
			return "", nil, lastErr
		}
		if attempt < a.maxRetries {
			backoff := a.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
	}
	return "", nil, fmt.Errorf("anthropicadapter: max retries exceeded: %w", lastErr)
}

// runOnce opens one streaming request and accumulates it into a final
// (text, toolCalls) pair, following the teacher's content_block_start /
// content_block_delta / content_block_stop event sequence.
func (a *Adapter) runOnce(ctx context.Context, params anthropic.MessageNewParams) (string, []planner.ToolCall, error) {
	stream := a.client.Messages.NewStreaming(ctx, params)

	var textBuilder strings.Builder
	var toolCalls []planner.ToolCall
	var currentTool *planner.ToolCall
	var currentInput strings.Builder

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentTool = &planner.ToolCall{ID: toolUse.ID, ToolName: toolUse.Name}
				currentInput.Reset()
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				textBuilder.WriteString(delta.Text)
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			}
		case "content_block_stop":
			if currentTool != nil {
				var args map[string]any
				if raw := currentInput.String(); raw != "" {
					if err := json.Unmarshal([]byte(raw), &args); err != nil {
						return "", nil, fmt.Errorf("anthropicadapter: decode tool input: %w", err)
					}
				}
				currentTool.Arguments = args
				toolCalls = append(toolCalls, *currentTool)
				currentTool = nil
			}
		case "error":
			return "", nil, errors.New("anthropicadapter: stream error")
		}
	}
	if err := stream.Err(); err != nil {
		return "", nil, err
	}
	return textBuilder.String(), toolCalls, nil
}

// convertMessages mirrors the teacher's convertMessages: system messages
// are pulled out into the System param, tool-role messages become
// ToolResultBlocks, and assistant tool-call directives become
// ToolUseBlocks, all addressed back to the reasoning model in the
// conversation's own order.
func convertMessages(conversation planner.Conversation) ([]anthropic.MessageParam, string, error) {
	var result []anthropic.MessageParam
	var system string

	for _, msg := range conversation.Messages {
		if msg.Role == planner.RoleSystem {
			system = msg.Content
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" && msg.Role != planner.RoleTool {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		if msg.Role == planner.RoleTool {
			content = append(content, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))
		}
		for _, tc := range msg.ToolCalls {
			content = append(content, anthropic.NewToolUseBlock(tc.ID, tc.Arguments, tc.ToolName))
		}

		var message anthropic.MessageParam
		if msg.Role == planner.RoleAssistant {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			// User and tool roles both map to Anthropic user messages.
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}
	return result, system, nil
}

// convertTools turns the Access Filter's descriptors into Anthropic tool
// params by round-tripping each Parameters map through JSON into
// anthropic.ToolInputSchemaParam, exactly as the teacher does from its own
// tool.Schema() bytes.
func convertTools(tools []accessfilter.Descriptor) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %q: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %q: %w", t.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %q: missing tool definition", t.Name)
		}
		toolParam.OfTool.Description = anthropic.String(t.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// isRetryableError classifies transient Anthropic failures (rate limits,
// 5xx, timeouts, connection errors) the same way the teacher's
// isRetryableError does, minus its ProviderError-specific fast path which
// this adapter has no equivalent type for.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, substr := range []string{
		"rate_limit", "429", "too many requests",
		"500", "502", "503", "504",
		"internal server error", "bad gateway", "service unavailable", "gateway timeout",
		"timeout", "deadline exceeded",
		"connection reset", "connection refused", "no such host",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

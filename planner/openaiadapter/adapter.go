// Package openaiadapter implements planner.ReasoningModel over an
// OpenAI-compatible chat completions endpoint, via
// github.com/sashabaranov/go-openai. Grounded on haasonsaas-nexus's
// internal/agent/providers/openai.go: the same client construction,
// message/tool conversion and retry classification, adapted from its
// streaming-delta accumulation to a single non-streaming
// CreateChatCompletion call since the orchestration core needs one
// complete assistant turn per round, not partial text deltas.
package openaiadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kadirpekel/orcacore/accessfilter"
	"github.com/kadirpekel/orcacore/planner"
)

const defaultModel = "gpt-4o"

// Config holds the parameters needed to construct an Adapter.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	MaxRetries int
	RetryDelay time.Duration
}

// Adapter implements planner.ReasoningModel over the go-openai client.
type Adapter struct {
	client     *openai.Client
	model      string
	maxRetries int
	retryDelay time.Duration
}

// New validates cfg, applies defaults mirroring the teacher's provider
// constructor, and builds the underlying SDK client.
func New(cfg Config) (*Adapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openaiadapter: API key is required")
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

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}

	return &Adapter{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
	}, nil
}

// PlanRound submits conversation and tools to the chat completions
// endpoint and returns either plain assistant text or the tool calls it
// requested.
func (a *Adapter) PlanRound(ctx context.Context, conversation planner.Conversation, tools []accessfilter.Descriptor) (string, []planner.ToolCall, error) {
	messages := convertMessages(conversation)
	req := openai.ChatCompletionRequest{
		Model:    a.model,
		Messages: messages,
	}
	if len(tools) > 0 {
		req.Tools = convertTools(tools)
	}

	var resp openai.ChatCompletionResponse
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		resp, lastErr = a.client.CreateChatCompletion(ctx, req)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return "", nil, fmt.Errorf("openaiadapter: non-retryable error: %w", lastErr)
		}
		if attempt < a.maxRetries {
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			case <-time.After(a.retryDelay * time.Duration(attempt+1)):
			}
		}
	}
	if lastErr != nil {
		return "", nil, fmt.Errorf("openaiadapter: max retries exceeded: %w", lastErr)
	}
	if len(resp.Choices) == 0 {
		return "", nil, errors.New("openaiadapter: empty response")
	}

	choice := resp.Choices[0]
	if len(choice.Message.ToolCalls) == 0 {
		return choice.Message.Content, nil, nil
	}

	toolCalls := make([]planner.ToolCall, 0, len(choice.Message.ToolCalls))
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return "", nil, fmt.Errorf("openaiadapter: decode tool arguments for %q: %w", tc.Function.Name, err)
			}
		}
		toolCalls = append(toolCalls, planner.ToolCall{ID: tc.ID, ToolName: tc.Function.Name, Arguments: args})
	}
	return "", toolCalls, nil
}

// convertMessages mirrors the teacher's convertToOpenAIMessages: a system
// message, one message per prior user/assistant turn (assistant messages
// carry their ToolCalls), and one ChatMessageRoleTool message per tool
// result, matched back to its call via ToolCallID.
func convertMessages(conversation planner.Conversation) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(conversation.Messages))
	for _, msg := range conversation.Messages {
		switch msg.Role {
		case planner.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: msg.Content})
		case planner.RoleUser:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		case planner.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					argsJSON, _ := json.Marshal(tc.Arguments)
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.ToolName,
							Arguments: string(argsJSON),
						},
					}
				}
			}
			result = append(result, oaiMsg)
		case planner.RoleTool:
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    msg.Content,
				ToolCallID: msg.ToolCallID,
			})
		}
	}
	return result
}

// convertTools mirrors the teacher's convertToOpenAITools: each
// accessfilter.Descriptor becomes a function-typed openai.Tool with its
// parameter schema passed through unparsed (it already arrived decoded as
// map[string]any from the Tool Registry, unlike the teacher's raw JSON
// tool.Schema() bytes).
func convertTools(tools []accessfilter.Descriptor) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, t := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		}
	}
	return result
}

// isRetryableError classifies transient OpenAI failures the same way the
// teacher's isRetryableError does.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, substr := range []string{
		"rate limit", "429",
		"500", "502", "503", "504",
		"timeout", "deadline exceeded",
	} {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

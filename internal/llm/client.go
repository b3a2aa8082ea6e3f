// Package llm provides the reasoning backends the chat orchestrator asks
// which task tools to call and how to phrase the reply.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage represents a chat message for LLM.
//
// Assistant messages may carry ToolCalls. Tool messages carry the JSON
// result of one call in Content and reference it through ToolCallID.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// DecodeArguments unmarshals the call arguments into a map. Empty
// arguments decode to an empty map.
func (c ToolCall) DecodeArguments() (map[string]any, error) {
	args := map[string]any{}
	if len(c.Arguments) == 0 || string(c.Arguments) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(c.Arguments, &args); err != nil {
		return nil, fmt.Errorf("decode %s arguments: %w", c.Name, err)
	}
	return args, nil
}

// ToolSpec describes a tool offered to the model. Parameters is a JSON
// Schema object.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
}

// CompletionRequest represents a completion request.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []ChatMessage
	Tools       []ToolSpec
	MaxTokens   int
	Temperature float64
}

// CompletionResponse represents a completion response.
type CompletionResponse struct {
	Content    string
	ToolCalls  []ToolCall
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// Client is the interface for reasoning providers.
type Client interface {
	// Complete sends the conversation and tool schema and returns either a
	// final reply or a set of tool calls to run before asking again.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderRules     Provider = "rules"
)

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, apiKey string) (Client, error) {
	switch provider {
	case ProviderAnthropic:
		c, err := NewAnthropicClient(apiKey)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderOpenAI:
		c, err := NewOpenAIClient(apiKey)
		if err != nil {
			return nil, err
		}
		return c, nil
	case ProviderRules:
		return NewRulesClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", provider)
	}
}

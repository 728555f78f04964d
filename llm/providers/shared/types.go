package shared

import (
	"context"
)

// Role is the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a reasoning transcript
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content,omitempty"`
	// Tool calls parsed from an assistant message, recorded for transcript consumers.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation decoded from model output
type ToolCall struct {
	Name string `json:"name"`
	ID   string `json:"id,omitempty"`
	// Normalized JSON arguments.
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CompletionOptions are the sampling settings sent with every request
type CompletionOptions struct {
	Model       string
	MaxTokens   int
	Temperature float32
	TopP        float32
	Stop        []string
}

// CompletionRequest is a transcript plus sampling settings
type CompletionRequest struct {
	Messages []Message
	Options  CompletionOptions
}

// TokenUsage is the token count reported by the provider
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the model output of one request
type CompletionResponse struct {
	Content    string
	Usage      TokenUsage
	StopReason string // normalized stop reason (e.g., "stop", "length")
}

// ErrorCode classifies provider failures
type ErrorCode string

const (
	ErrRateLimited    ErrorCode = "rate_limited"
	ErrOverloaded     ErrorCode = "overloaded"
	ErrTimeout        ErrorCode = "timeout"
	ErrAuth           ErrorCode = "auth"
	ErrInvalidRequest ErrorCode = "invalid_request"
	ErrModelNotFound  ErrorCode = "model_not_found"
	ErrContextLength  ErrorCode = "context_length_exceeded"
	ErrUnavailable    ErrorCode = "service_unavailable"
	ErrUnknown        ErrorCode = "unknown"
)

// ProviderError is a provider failure with a normalized code
type ProviderError struct {
	Code    ErrorCode
	Message string
	// Optional: original HTTP status
	HTTPStatus int
}

func (e *ProviderError) Error() string { return e.Message }

// Retryable reports whether a request that failed with this error may succeed on a later attempt.
func (e *ProviderError) Retryable() bool {
	switch e.Code {
	case ErrAuth, ErrInvalidRequest, ErrModelNotFound, ErrContextLength:
		return false
	default:
		return true
	}
}

// LLMProvider sends one completion request to a model backend
type LLMProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
	Name() string
}

// ProviderType names an OpenAI-compatible backend
type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderVLLM   ProviderType = "vllm"
	ProviderOllama ProviderType = "ollama"
)

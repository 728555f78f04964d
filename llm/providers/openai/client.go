package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"internal-perplexity/research/llm/providers/shared"

	"github.com/sashabaranov/go-openai"
)

// Config holds OpenAI-compatible provider configuration
type Config struct {
	Type    shared.ProviderType
	APIKey  string
	BaseURL string
	OrgID   string
	// Timeout bounds a single request; zero leaves it to the caller's context
	Timeout time.Duration
}

// Provider implements the unified LLMProvider interface for OpenAI-compatible endpoints
type Provider struct {
	client *openai.Client
	config Config
}

// DefaultBaseURL returns the conventional local endpoint for self-hosted provider types
func DefaultBaseURL(t shared.ProviderType) string {
	switch t {
	case shared.ProviderVLLM:
		return "http://localhost:8000/v1"
	case shared.ProviderOllama:
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}

// NewProvider creates a new OpenAI-compatible provider
func NewProvider(cfg Config) (*Provider, error) {
	if cfg.Type == "" {
		cfg.Type = shared.ProviderOpenAI
	}
	switch cfg.Type {
	case shared.ProviderOpenAI, shared.ProviderVLLM, shared.ProviderOllama:
	default:
		return nil, fmt.Errorf("unsupported provider type: %s", cfg.Type)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL(cfg.Type)
	}
	if cfg.APIKey == "" && cfg.Type == shared.ProviderOpenAI {
		return nil, errors.New("openai provider requires an api key")
	}

	openaiConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		openaiConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.OrgID != "" {
		openaiConfig.OrgID = cfg.OrgID
	}

	return &Provider{
		client: openai.NewClientWithConfig(openaiConfig),
		config: cfg,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string { return string(p.config.Type) }

// Complete performs a completion request
func (p *Provider) Complete(ctx context.Context, req *shared.CompletionRequest) (*shared.CompletionResponse, error) {
	if err := shared.ValidateCompletionRequest(req); err != nil {
		return nil, err
	}

	if p.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()
	}

	resp, err := p.client.CreateChatCompletion(ctx, ToOpenAIRequest(req))
	if err != nil {
		return nil, NormalizeOpenAIError(err)
	}

	out, err := FromOpenAIResponse(resp)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NormalizeOpenAIError converts OpenAI errors to normalized ProviderError
func NormalizeOpenAIError(err error) *shared.ProviderError {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &shared.ProviderError{Code: shared.ErrTimeout, Message: err.Error()}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := shared.ErrorCodeForStatus(apiErr.HTTPStatusCode)
		if c, ok := apiErr.Code.(string); ok && c == string(shared.ErrContextLength) {
			code = shared.ErrContextLength
		}
		return &shared.ProviderError{
			Code:       code,
			Message:    apiErr.Message,
			HTTPStatus: apiErr.HTTPStatusCode,
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &shared.ProviderError{
			Code:       shared.ErrorCodeForStatus(reqErr.HTTPStatusCode),
			Message:    reqErr.Error(),
			HTTPStatus: reqErr.HTTPStatusCode,
		}
	}

	return &shared.ProviderError{
		Code:    shared.ErrUnknown,
		Message: err.Error(),
	}
}

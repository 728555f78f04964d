package openai

import (
	"internal-perplexity/research/llm/providers/shared"

	"github.com/sashabaranov/go-openai"
)

// ToOpenAIRequest converts a shared CompletionRequest to OpenAI format.
// Tool calls travel inside message text, so tool observations are sent as user turns.
func ToOpenAIRequest(req *shared.CompletionRequest) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := string(m.Role)
		if m.Role == shared.RoleTool {
			role = openai.ChatMessageRoleUser
		}
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
		})
	}

	o := req.Options
	return openai.ChatCompletionRequest{
		Model:       o.Model,
		Messages:    msgs,
		MaxTokens:   o.MaxTokens,
		Temperature: o.Temperature,
		TopP:        o.TopP,
		Stop:        o.Stop,
	}
}

// FromOpenAIResponse converts an OpenAI response to shared format
func FromOpenAIResponse(resp openai.ChatCompletionResponse) (*shared.CompletionResponse, error) {
	if len(resp.Choices) == 0 {
		return nil, &shared.ProviderError{
			Code:    shared.ErrUnknown,
			Message: "response contained no choices",
		}
	}

	choice := resp.Choices[0]
	return &shared.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: shared.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

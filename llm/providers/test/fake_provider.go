package test

import (
	"context"
	"strings"
	"sync"
	"time"

	"internal-perplexity/research/llm/providers/shared"
)

// Step is one scripted provider reply
type Step struct {
	Content string
	Err     error
	Delay   time.Duration
}

// Responder computes a reply from the request, used when replies depend on the prompt
type Responder func(req *shared.CompletionRequest) (string, error)

// FakeProvider implements LLMProvider for testing purposes
type FakeProvider struct {
	mu          sync.Mutex
	script      []Step
	responses   map[string]Step
	responder   Responder
	fallback    string
	callCount   int
	lastRequest *shared.CompletionRequest
	requests    []*shared.CompletionRequest
}

// NewFakeProvider creates a new fake provider that replays the given steps in order
func NewFakeProvider(steps ...Step) *FakeProvider {
	return &FakeProvider{
		script:    steps,
		responses: make(map[string]Step),
		fallback:  "fake response",
	}
}

// Enqueue appends scripted replies
func (fp *FakeProvider) Enqueue(steps ...Step) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.script = append(fp.script, steps...)
}

// AddResponse adds a canned response returned when the first user message contains prompt
func (fp *FakeProvider) AddResponse(prompt, content string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.responses[prompt] = Step{Content: content}
}

// AddError adds an error returned when the first user message contains prompt
func (fp *FakeProvider) AddError(prompt string, err error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.responses[prompt] = Step{Err: err}
}

// AddDelay adds a delay before replying when the first user message contains prompt
func (fp *FakeProvider) AddDelay(prompt string, delay time.Duration) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	step := fp.responses[prompt]
	step.Delay = delay
	fp.responses[prompt] = step
}

// SetResponder installs a function that overrides scripted and canned replies
func (fp *FakeProvider) SetResponder(fn Responder) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.responder = fn
}

// SetFallback sets the reply used when nothing else matches
func (fp *FakeProvider) SetFallback(content string) {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	fp.fallback = content
}

// GetCallCount returns the number of calls made to the provider
func (fp *FakeProvider) GetCallCount() int {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.callCount
}

// GetLastRequest returns the last request made to the provider
func (fp *FakeProvider) GetLastRequest() *shared.CompletionRequest {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.lastRequest
}

// Requests returns every request seen so far
func (fp *FakeProvider) Requests() []*shared.CompletionRequest {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return append([]*shared.CompletionRequest(nil), fp.requests...)
}

// Name returns the provider name
func (fp *FakeProvider) Name() string { return "fake" }

// Complete performs a mock completion request
func (fp *FakeProvider) Complete(ctx context.Context, req *shared.CompletionRequest) (*shared.CompletionResponse, error) {
	snapshot := &shared.CompletionRequest{Messages: shared.CloneMessages(req.Messages), Options: req.Options}

	fp.mu.Lock()
	fp.callCount++
	fp.lastRequest = snapshot
	fp.requests = append(fp.requests, snapshot)
	step, responder := fp.next(snapshot)
	fp.mu.Unlock()

	if responder != nil {
		content, err := responder(snapshot)
		if err != nil {
			return nil, err
		}
		return response(content), nil
	}

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if step.Err != nil {
		return nil, step.Err
	}
	return response(step.Content), nil
}

// next must be called with fp.mu held
func (fp *FakeProvider) next(req *shared.CompletionRequest) (Step, Responder) {
	if fp.responder != nil {
		return Step{}, fp.responder
	}
	if len(fp.script) > 0 {
		step := fp.script[0]
		fp.script = fp.script[1:]
		return step, nil
	}

	key := firstUserMessage(req)
	for prompt, step := range fp.responses {
		if strings.Contains(key, prompt) {
			return step, nil
		}
	}
	return Step{Content: fp.fallback}, nil
}

func firstUserMessage(req *shared.CompletionRequest) string {
	for _, msg := range req.Messages {
		if msg.Role == shared.RoleUser && msg.Content != "" {
			return msg.Content
		}
	}
	return ""
}

func response(content string) *shared.CompletionResponse {
	return &shared.CompletionResponse{
		Content:    content,
		StopReason: "stop",
		Usage: shared.TokenUsage{
			CompletionTokens: len(content) / 4,
			TotalTokens:      len(content) / 4,
		},
	}
}

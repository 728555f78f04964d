package react

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/budget"
	"internal-perplexity/research/llm/events"
	"internal-perplexity/research/llm/providers/shared"
	"internal-perplexity/research/llm/tools"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultMaxRounds applies when Limits.MaxRounds is not positive
const DefaultMaxRounds = 30

// Config tunes event output of the loop
type Config struct {
	// PreviewChars bounds tool argument and result previews in events
	PreviewChars int
	// AnswerChunkSize is the rune length of each answer_chunk and thinking_chunk event
	AnswerChunkSize  int
	AnswerChunkDelay time.Duration
}

// DefaultConfig returns the loop defaults
func DefaultConfig() Config {
	return Config{
		PreviewChars:     500,
		AnswerChunkSize:  64,
		AnswerChunkDelay: 0,
	}
}

// Options configure a single run
type Options struct {
	Limits         budget.Limits
	ParentQuestion string
	Prompt         agents.PromptKind
	Publisher      events.Publisher
}

// Loop drives a question to an answer by alternating model calls and tool calls
type Loop struct {
	llm     agents.LLM
	tools   *tools.Registry
	prompts *agents.SystemPromptManager
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time
}

// NewLoop creates a reasoning loop
func NewLoop(llm agents.LLM, registry *tools.Registry, prompts *agents.SystemPromptManager, cfg Config, logger zerolog.Logger) *Loop {
	if prompts == nil {
		prompts = agents.NewSystemPromptManager()
	}
	if registry == nil {
		registry = tools.NewRegistry()
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = DefaultConfig().PreviewChars
	}
	if cfg.AnswerChunkSize <= 0 {
		cfg.AnswerChunkSize = DefaultConfig().AnswerChunkSize
	}
	return &Loop{
		llm:     llm,
		tools:   registry,
		prompts: prompts,
		cfg:     cfg,
		logger:  logger.With().Str("component", "react_loop").Logger(),
		now:     time.Now,
	}
}

// run holds the state of one Run call. It is never shared between goroutines.
type run struct {
	loop     *Loop
	pub      events.Publisher
	budget   *budget.Budget
	messages []shared.Message
	rounds   int
	thinking []string
	last     string
	result   agents.RunResult
}

// Run executes the loop for one question. It never returns an error; every
// outcome is encoded in the result's termination.
func (l *Loop) Run(ctx context.Context, question string, plan []string, opts Options) agents.RunResult {
	limits := opts.Limits
	if limits.MaxRounds <= 0 {
		limits.MaxRounds = DefaultMaxRounds
	}
	pub := opts.Publisher
	if pub == nil {
		pub = events.Discard
	}
	kind := opts.Prompt
	if kind == "" {
		kind = agents.PromptResearch
	}

	r := &run{
		loop:   l,
		pub:    pub,
		budget: budget.NewWithClock(limits, l.now),
		result: agents.RunResult{Question: question, Plan: plan},
	}
	r.messages = []shared.Message{
		{Role: shared.RoleSystem, Content: l.prompts.GetPrompt(kind).GetFullPrompt(l.tools.Descriptions(), l.now())},
		{Role: shared.RoleUser, Content: agents.BuildUserPrompt(question, plan, opts.ParentQuestion)},
	}

	for r.rounds < limits.MaxRounds {
		if ctx.Err() != nil {
			return r.cancelled()
		}

		switch r.budget.Check(r.messages) {
		case budget.ContextExceeded:
			return r.forceAnswer(ctx, true)
		case budget.TimeExceeded:
			return r.forceAnswer(ctx, false)
		}

		r.rounds++
		output := l.llm.Complete(ctx, r.messages)
		if ctx.Err() != nil {
			return r.cancelled()
		}

		parsed := r.observe(ctx, output)

		if answer, ok := parsed.Answer(); ok {
			r.streamAnswer(ctx, answer)
			return r.finish(answer, agents.TerminationAnswer)
		}

		if body, ok := parsed.ToolCall(); ok {
			r.dispatch(ctx, body)
		}
	}

	l.logger.Info().Int("rounds", r.rounds).Msg("round limit reached without answer")
	return r.finish(agents.NoAnswer, agents.TerminationMaxRounds)
}

// observe parses output, forwards reasoning, and records the assistant turn
func (r *run) observe(ctx context.Context, output string) Parsed {
	parsed := Parse(output)
	r.last = parsed.Raw
	r.messages = append(r.messages, shared.Message{Role: shared.RoleAssistant, Content: parsed.Raw})

	if thinking := parsed.Thinking(); thinking != "" {
		r.thinking = append(r.thinking, thinking)
		for _, chunk := range chunkText(thinking, r.loop.cfg.AnswerChunkSize) {
			r.publish(ctx, events.TypeThinkingChunk, "", map[string]any{"content": chunk})
		}
		r.publish(ctx, events.TypeThinkingComplete, "", map[string]any{"length": utf8.RuneCountInString(thinking)})
	}
	return parsed
}

func (r *run) dispatch(ctx context.Context, body string) {
	call, err := DecodeToolCall(body)
	if err != nil {
		r.toolFailure(ctx, "", "", fmt.Sprintf("Error: %v. Reply with a valid tool call JSON object.", err))
		return
	}
	if !r.loop.tools.Has(call.Name) {
		r.toolFailure(ctx, call.Name, "", fmt.Sprintf("Error: tool %q is not available. Available tools: %s.",
			call.Name, strings.Join(r.loop.tools.Names(), ", ")))
		return
	}

	callID := uuid.NewString()
	r.messages[len(r.messages)-1].ToolCalls = []shared.ToolCall{{Name: call.Name, ID: callID, Arguments: call.Arguments}}

	r.publish(ctx, events.TypeToolCall, "", map[string]any{
		"tool":      call.Name,
		"call_id":   callID,
		"arguments": r.preview(fmt.Sprint(call.Arguments)),
	})
	if call.Name == tools.SearchTool {
		r.publish(ctx, events.TypeWebSearch, "", map[string]any{"query": call.Arguments["query"]})
	}

	out, err := r.loop.tools.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		r.loop.logger.Warn().Err(err).Str("tool", call.Name).Msg("tool call failed")
		r.toolFailure(ctx, call.Name, callID, tools.FormatError(err))
		return
	}

	r.publish(ctx, events.TypeToolResult, "", map[string]any{
		"tool":    call.Name,
		"call_id": callID,
		"preview": r.preview(out),
		"length":  utf8.RuneCountInString(out),
	})
	r.appendObservation(out)
}

func (r *run) toolFailure(ctx context.Context, name, callID, observation string) {
	fields := map[string]any{"error": r.preview(observation)}
	if name != "" {
		fields["tool"] = name
	}
	if callID != "" {
		fields["call_id"] = callID
	}
	r.publish(ctx, events.TypeToolError, "", fields)
	r.appendObservation(observation)
}

func (r *run) appendObservation(text string) {
	r.messages = append(r.messages, shared.Message{
		Role:    shared.RoleTool,
		Content: openTag(tagToolResponse) + "\n" + text + "\n" + closeTag(tagToolResponse),
	})
}

// forceAnswer makes one final model call after a budget limit is hit. The
// call counts as a round.
func (r *run) forceAnswer(ctx context.Context, contextLimit bool) agents.RunResult {
	reason := "time_limit"
	if contextLimit {
		reason = "context_limit"
	}
	r.loop.logger.Info().Str("reason", reason).Int("rounds", r.rounds).Msg("budget exceeded, forcing answer")
	r.publish(ctx, events.TypeStatus, "budget exceeded, requesting final answer", map[string]any{"status": reason})

	r.messages = append(r.messages, shared.Message{Role: shared.RoleUser, Content: agents.ForceAnswerPrompt})
	r.rounds++
	output := r.loop.llm.Complete(ctx, r.messages)
	if ctx.Err() != nil {
		return r.cancelled()
	}
	parsed := r.observe(ctx, output)
	answer, ok := parsed.Answer()

	switch {
	case contextLimit && ok:
		r.streamAnswer(ctx, answer)
		return r.finish(answer, agents.TerminationAnswerContextLimit)
	case contextLimit:
		return r.finish(parsed.Raw, agents.TerminationContextFormatError)
	case ok:
		r.streamAnswer(ctx, answer)
		return r.finish(answer, agents.TerminationTimeLimit)
	default:
		return r.finish(parsed.Raw, agents.TerminationTimeLimit)
	}
}

func (r *run) cancelled() agents.RunResult {
	r.loop.logger.Info().Int("rounds", r.rounds).Msg("run cancelled")
	prediction := r.last
	if prediction == "" {
		prediction = agents.NoAnswer
	}
	return r.finish(prediction, agents.TerminationTimeLimit)
}

func (r *run) finish(prediction string, termination agents.Termination) agents.RunResult {
	res := r.result
	res.Prediction = prediction
	res.Termination = termination
	res.Rounds = r.rounds
	res.ElapsedSeconds = r.budget.Elapsed().Seconds()
	res.Thinking = strings.Join(r.thinking, "\n\n")
	res.Messages = r.messages
	return res
}

func (r *run) streamAnswer(ctx context.Context, answer string) {
	chunks := chunkText(answer, r.loop.cfg.AnswerChunkSize)
	for i, chunk := range chunks {
		r.publish(ctx, events.TypeAnswerChunk, "", map[string]any{"content": chunk})
		if r.loop.cfg.AnswerChunkDelay > 0 && i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.loop.cfg.AnswerChunkDelay):
			}
		}
	}
}

func (r *run) publish(ctx context.Context, t events.Type, message string, extra map[string]any) {
	err := r.pub.Publish(ctx, events.New(t, r.rounds, message, extra))
	if err != nil && !errors.Is(err, context.Canceled) {
		r.loop.logger.Debug().Err(err).Str("event", string(t)).Msg("publish failed")
	}
}

func (r *run) preview(s string) string {
	return Preview(s, r.loop.cfg.PreviewChars)
}

// Preview truncates s to at most n runes, marking the cut with "..."
func Preview(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}

func chunkText(s string, size int) []string {
	runes := []rune(s)
	if size <= 0 || len(runes) <= size {
		return []string{s}
	}
	chunks := make([]string, 0, len(runes)/size+1)
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
	}
	return chunks
}

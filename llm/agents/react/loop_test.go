package react

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/budget"
	"internal-perplexity/research/llm/events"
	"internal-perplexity/research/llm/providers/shared"
	fake "internal-perplexity/research/llm/providers/test"
	"internal-perplexity/research/llm/providers/transport"
	"internal-perplexity/research/llm/tools"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	provider *fake.FakeProvider
	registry *tools.Registry
	loop     *Loop
	buf      *events.Buffer
	searched []map[string]any
}

func newHarness(t *testing.T, steps ...fake.Step) *harness {
	t.Helper()
	h := &harness{
		provider: fake.NewFakeProvider(steps...),
		registry: tools.NewRegistry(),
		buf:      events.NewBuffer(),
	}
	require.NoError(t, h.registry.Register(tools.Func(tools.SearchTool, "web search", func(ctx context.Context, args map[string]any) (string, error) {
		h.searched = append(h.searched, args)
		return "1. [Go](https://go.dev)\nThe Go programming language.", nil
	})))
	require.NoError(t, h.registry.Register(tools.Func(tools.VisitTool, "read a page", func(ctx context.Context, args map[string]any) (string, error) {
		return "", errors.New("page timed out")
	})))
	require.NoError(t, h.registry.Register(tools.Func(tools.CodeInterpreterTool, "run python", func(ctx context.Context, args map[string]any) (string, error) {
		return "stdout: 2", nil
	})))

	caller := transport.NewCaller(h.provider, shared.CompletionOptions{Model: "test"}, transport.RetryConfig{Attempts: 1})
	h.loop = NewLoop(caller, h.registry, nil, Config{PreviewChars: 40, AnswerChunkSize: 8}, zerolog.Nop())
	return h
}

func (h *harness) run(ctx context.Context, limits budget.Limits) agents.RunResult {
	return h.loop.Run(ctx, "What is Go?", []string{"What is Go?"}, Options{Limits: limits, Publisher: h.buf})
}

func (h *harness) eventsOf(t events.Type) []events.Event {
	var out []events.Event
	for _, ev := range h.buf.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func answerText(evs []events.Event) string {
	var b strings.Builder
	for _, ev := range evs {
		b.WriteString(ev.String("content"))
	}
	return b.String()
}

func TestLoopAnswersFirstRound(t *testing.T) {
	h := newHarness(t, fake.Step{Content: "<think>I know this</think><answer>Go is a programming language.</answer>"})
	res := h.run(context.Background(), budget.Limits{MaxRounds: 5})

	assert.Equal(t, agents.TerminationAnswer, res.Termination)
	assert.Equal(t, "Go is a programming language.", res.Prediction)
	assert.Equal(t, 1, res.Rounds)
	assert.Equal(t, "I know this", res.Thinking)
	assert.Equal(t, []string{"What is Go?"}, res.Plan)

	types := h.buf.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeThinkingChunk, types[0])
	assert.Len(t, h.eventsOf(events.TypeThinkingComplete), 1)
	chunks := h.eventsOf(events.TypeAnswerChunk)
	assert.Greater(t, len(chunks), 1)
	assert.Equal(t, "Go is a programming language.", answerText(chunks))

	require.Len(t, res.Messages, 3)
	assert.Equal(t, shared.RoleSystem, res.Messages[0].Role)
	assert.Contains(t, res.Messages[0].Content, "- search: web search")
	assert.Equal(t, shared.RoleUser, res.Messages[1].Role)
}

func TestLoopToolThenAnswer(t *testing.T) {
	h := newHarness(t,
		fake.Step{Content: `<think>search first</think><tool_call>{"name": "search", "arguments": {"query": ["golang"]}}</tool_call>`},
		fake.Step{Content: "<answer>Go is from Google [1].</answer>"},
	)
	res := h.run(context.Background(), budget.Limits{MaxRounds: 5})

	assert.Equal(t, agents.TerminationAnswer, res.Termination)
	assert.Equal(t, 2, res.Rounds)
	require.Len(t, h.searched, 1)
	assert.Equal(t, []any{"golang"}, h.searched[0]["query"])

	calls := h.eventsOf(events.TypeToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, "search", calls[0].String("tool"))
	assert.Equal(t, 1, calls[0].Step)
	assert.Len(t, h.eventsOf(events.TypeWebSearch), 1)
	results := h.eventsOf(events.TypeToolResult)
	require.Len(t, results, 1)
	assert.LessOrEqual(t, len([]rune(results[0].String("preview"))), 43)

	assistant := res.Messages[2]
	require.Len(t, assistant.ToolCalls, 1)
	assert.Equal(t, "search", assistant.ToolCalls[0].Name)
	assert.Equal(t, calls[0].String("call_id"), assistant.ToolCalls[0].ID)

	observation := res.Messages[3]
	assert.Equal(t, shared.RoleTool, observation.Role)
	assert.True(t, strings.HasPrefix(observation.Content, "<tool_response>"))
	assert.Contains(t, observation.Content, "https://go.dev")

	last := h.provider.GetLastRequest()
	assert.Len(t, last.Messages, 4)
}

func TestLoopMalformedToolCall(t *testing.T) {
	h := newHarness(t,
		fake.Step{Content: `<tool_call>{"name": "search", "arguments": {</tool_call>`},
		fake.Step{Content: "<answer>recovered</answer>"},
	)
	res := h.run(context.Background(), budget.Limits{MaxRounds: 5})

	assert.Equal(t, agents.TerminationAnswer, res.Termination)
	assert.Equal(t, "recovered", res.Prediction)
	assert.Equal(t, 2, res.Rounds)
	assert.Empty(t, h.searched)
	assert.Empty(t, h.eventsOf(events.TypeToolCall))

	errs := h.eventsOf(events.TypeToolError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].String("error"), "malformed")

	observation := res.Messages[3]
	assert.Equal(t, shared.RoleTool, observation.Role)
	assert.Contains(t, observation.Content, "malformed tool call")
}

func TestLoopUnknownToolAndToolFailure(t *testing.T) {
	h := newHarness(t,
		fake.Step{Content: `<tool_call>{"name": "calculator", "arguments": {}}</tool_call>`},
		fake.Step{Content: `<tool_call>{"name": "visit", "arguments": {"url": "https://slow.example"}}</tool_call>`},
		fake.Step{Content: "<answer>done</answer>"},
	)
	res := h.run(context.Background(), budget.Limits{MaxRounds: 5})

	assert.Equal(t, agents.TerminationAnswer, res.Termination)
	errs := h.eventsOf(events.TypeToolError)
	require.Len(t, errs, 2)
	assert.Equal(t, "calculator", errs[0].String("tool"))
	assert.Contains(t, res.Messages[3].Content, `tool "calculator" is not available`)
	assert.Equal(t, "visit", errs[1].String("tool"))
	assert.Contains(t, res.Messages[5].Content, "[tool error]")
	assert.Contains(t, res.Messages[5].Content, "page timed out")
	assert.Len(t, h.eventsOf(events.TypeToolCall), 1)
}

func TestLoopCodeInterpreter(t *testing.T) {
	h := newHarness(t,
		fake.Step{Content: "<tool_call>\n<code>print(1 + 1)</code>\n</tool_call>"},
		fake.Step{Content: "<answer>2</answer>"},
	)
	res := h.run(context.Background(), budget.Limits{MaxRounds: 5})

	assert.Equal(t, "2", res.Prediction)
	calls := h.eventsOf(events.TypeToolCall)
	require.Len(t, calls, 1)
	assert.Equal(t, tools.CodeInterpreterTool, calls[0].String("tool"))
	assert.Contains(t, res.Messages[3].Content, "stdout: 2")
}

func TestLoopMaxRounds(t *testing.T) {
	h := newHarness(t)
	h.provider.SetFallback("<think>still thinking</think>")
	res := h.run(context.Background(), budget.Limits{MaxRounds: 3})

	assert.Equal(t, agents.TerminationMaxRounds, res.Termination)
	assert.Equal(t, agents.NoAnswer, res.Prediction)
	assert.Equal(t, 3, res.Rounds)
	assert.Equal(t, 3, h.provider.GetCallCount())
}

func TestLoopContextLimit(t *testing.T) {
	t.Run("answer", func(t *testing.T) {
		h := newHarness(t, fake.Step{Content: "<answer>short answer</answer>"})
		res := h.run(context.Background(), budget.Limits{MaxRounds: 5, MaxContextTokens: 10})

		assert.Equal(t, agents.TerminationAnswerContextLimit, res.Termination)
		assert.Equal(t, "short answer", res.Prediction)
		assert.Equal(t, 1, res.Rounds)

		last := h.provider.GetLastRequest()
		assert.Equal(t, agents.ForceAnswerPrompt, last.Messages[len(last.Messages)-1].Content)
		status := h.eventsOf(events.TypeStatus)
		require.Len(t, status, 1)
		assert.Equal(t, "context_limit", status[0].String("status"))
	})

	t.Run("format error", func(t *testing.T) {
		h := newHarness(t, fake.Step{Content: "I refuse to use tags"})
		res := h.run(context.Background(), budget.Limits{MaxRounds: 5, MaxContextTokens: 10})

		assert.Equal(t, agents.TerminationContextFormatError, res.Termination)
		assert.Equal(t, "I refuse to use tags", res.Prediction)
		assert.Equal(t, 1, res.Rounds)
	})
}

func TestLoopTimeLimit(t *testing.T) {
	h := newHarness(t,
		fake.Step{Content: "<think>slow</think>", Delay: 30 * time.Millisecond},
		fake.Step{Content: "<answer>best effort</answer>"},
	)
	res := h.run(context.Background(), budget.Limits{MaxRounds: 10, MaxTime: 10 * time.Millisecond})

	assert.Equal(t, agents.TerminationTimeLimit, res.Termination)
	assert.Equal(t, "best effort", res.Prediction)
	assert.Equal(t, 2, res.Rounds)
	assert.Equal(t, 2, h.provider.GetCallCount())
}

func TestLoopCancelledContext(t *testing.T) {
	h := newHarness(t, fake.Step{Content: "<answer>never</answer>"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := h.run(ctx, budget.Limits{MaxRounds: 5})
	assert.Equal(t, agents.TerminationTimeLimit, res.Termination)
	assert.Equal(t, agents.NoAnswer, res.Prediction)
	assert.Equal(t, 0, res.Rounds)
	assert.Equal(t, 0, h.provider.GetCallCount())
}

func TestLoopTreatsLLMFailureAsOutput(t *testing.T) {
	h := newHarness(t,
		fake.Step{Err: errors.New("upstream exploded")},
		fake.Step{Content: "<answer>ok after all</answer>"},
	)
	res := h.run(context.Background(), budget.Limits{MaxRounds: 5})

	assert.Equal(t, agents.TerminationAnswer, res.Termination)
	assert.Equal(t, 2, res.Rounds)
	assert.Contains(t, res.Messages[2].Content, transport.ErrorSentinelPrefix)
}

func TestLoopRoundsNeverExceedMax(t *testing.T) {
	h := newHarness(t)
	h.provider.SetFallback(`<tool_call>{"name": "search", "arguments": {"query": "x"}}</tool_call>`)
	res := h.run(context.Background(), budget.Limits{MaxRounds: 4, MaxContextTokens: 1_000_000})

	assert.Equal(t, agents.TerminationMaxRounds, res.Termination)
	assert.Equal(t, 4, res.Rounds)
	for _, ev := range h.buf.Events() {
		assert.LessOrEqual(t, ev.Step, 4)
	}
}

package primary

import (
	"context"
	"strings"
	"testing"

	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/budget"
	"internal-perplexity/research/llm/agents/planner"
	"internal-perplexity/research/llm/agents/react"
	"internal-perplexity/research/llm/events"
	"internal-perplexity/research/llm/providers/shared"
	fake "internal-perplexity/research/llm/providers/test"
	"internal-perplexity/research/llm/providers/transport"
	"internal-perplexity/research/llm/tools"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const searchResults = `1. [Go at Google](https://go.dev/talks/splash)
Go was designed at Google to improve programming productivity.
2. [Go FAQ](https://go.dev/doc/faq)
Frequently asked questions about the Go project.
3. https://en.wikipedia.org/wiki/Go_(programming_language)`

func newAgent(t *testing.T, provider *fake.FakeProvider, withPlanner bool) *PrimaryAgent {
	t.Helper()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Func(tools.SearchTool, "web search", func(ctx context.Context, args map[string]any) (string, error) {
		return searchResults, nil
	})))

	caller := transport.NewCaller(provider, shared.CompletionOptions{Model: "test"}, transport.RetryConfig{Attempts: 1})
	loop := react.NewLoop(caller, registry, nil, react.DefaultConfig(), zerolog.Nop())
	var p *planner.Planner
	if withPlanner {
		p = planner.NewPlanner(caller, nil, 3, zerolog.Nop())
	}
	return NewPrimaryAgent(p, loop, budget.Limits{MaxRounds: 5}, zerolog.Nop())
}

func TestRunCitesCollectedSources(t *testing.T) {
	provider := fake.NewFakeProvider(
		fake.Step{Content: `["Who designed Go?", "Why was Go created?"]`},
		fake.Step{Content: `<think>search first</think><tool_call>{"name": "search", "arguments": {"query": "go history"}}</tool_call>`},
		fake.Step{Content: "<answer>Go was designed at Google.\n\nIt aimed to improve productivity.</answer>"},
	)
	buf := events.NewBuffer()

	res, err := newAgent(t, provider, true).Run(context.Background(), "Why was Go created?", buf)
	require.NoError(t, err)

	assert.Equal(t, agents.TerminationAnswer, res.Termination)
	assert.Equal(t, []string{"Who designed Go?", "Why was Go created?"}, res.Plan)
	require.Len(t, res.Sources, 3)
	for _, marker := range []string{"[1]", "[2]", "[3]"} {
		assert.Contains(t, res.Prediction, marker)
	}
	assert.Contains(t, res.Prediction, "## References")

	types := buf.Types()
	require.NotEmpty(t, types)
	assert.Equal(t, events.TypeStatus, types[0])
	assert.Contains(t, types, events.TypePlan)
	assert.Contains(t, types, events.TypeToolCall)
	assert.Equal(t, events.TypeComplete, types[len(types)-1])

	final := buf.Events()[len(types)-1]
	assert.Equal(t, res.Prediction, final.String("answer"))
	assert.Equal(t, "answer", final.String("termination"))
	assert.Equal(t, 2, final.Int("rounds"))
}

func TestRunCitationsPointAtSourcesUsed(t *testing.T) {
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(tools.Func(tools.SearchTool, "web search", func(ctx context.Context, args map[string]any) (string, error) {
		return "1. [Alpha](https://a.example/x)\nAlpha figures.\n2. [Beta](https://b.example/y)\nBeta figures.", nil
	})))
	require.NoError(t, registry.Register(tools.Func(tools.VisitTool, "read a page", func(ctx context.Context, args map[string]any) (string, error) {
		return "The figure is 42.", nil
	})))
	provider := fake.NewFakeProvider(
		fake.Step{Content: `<tool_call>{"name": "search", "arguments": {"query": "figure"}}</tool_call>`},
		fake.Step{Content: `<tool_call>{"name": "visit", "arguments": {"url": "https://b.example/y"}}</tool_call>`},
		fake.Step{Content: "<answer>Beta reports the figure [2].\n\nAlpha disagrees [1].</answer>"},
	)
	caller := transport.NewCaller(provider, shared.CompletionOptions{Model: "test"}, transport.RetryConfig{Attempts: 1})
	loop := react.NewLoop(caller, registry, nil, react.DefaultConfig(), zerolog.Nop())
	agent := NewPrimaryAgent(nil, loop, budget.Limits{MaxRounds: 5}, zerolog.Nop())

	res, err := agent.Run(context.Background(), "What is the figure?", nil)
	require.NoError(t, err)

	require.Len(t, res.Sources, 2)
	assert.Equal(t, "https://b.example/y", res.Sources[0].URL)
	paragraphs := strings.Split(res.Prediction, "\n\n")
	assert.Equal(t, "Beta reports the figure. [1]", paragraphs[0])
	assert.Equal(t, "Alpha disagrees. [2]", paragraphs[1])
	assert.Contains(t, res.Prediction, "[1] Beta: https://b.example/y")
	assert.Contains(t, res.Prediction, "[2] Alpha: https://a.example/x")
}

func TestRunWithoutPlannerOrSources(t *testing.T) {
	provider := fake.NewFakeProvider(fake.Step{Content: "<answer>Four.</answer>"})
	res, err := newAgent(t, provider, false).Run(context.Background(), "What is 2+2?", nil)
	require.NoError(t, err)

	assert.Equal(t, "Four.", res.Prediction)
	assert.Empty(t, res.Sources)
	assert.Nil(t, res.Plan)
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestRunRoundLimitKeepsNoAnswer(t *testing.T) {
	provider := fake.NewFakeProvider()
	provider.SetFallback("<think>still thinking about https://example.com/page</think>")
	buf := events.NewBuffer()

	res, err := newAgent(t, provider, false).Run(context.Background(), "Unanswerable?", buf)
	require.NoError(t, err)
	assert.Equal(t, agents.TerminationMaxRounds, res.Termination)
	assert.Equal(t, agents.NoAnswer, res.Prediction)
	assert.Equal(t, 5, res.Rounds)

	evs := buf.Events()
	assert.Equal(t, events.TypeComplete, evs[len(evs)-1].Type)
}

func TestRunRejectsBadInput(t *testing.T) {
	agent := newAgent(t, fake.NewFakeProvider(), false)

	_, err := agent.Run(context.Background(), "   ", nil)
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	buf := events.NewBuffer()
	_, err = agent.Run(ctx, "Anything?", buf)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, buf.Events(), 1)
	assert.Equal(t, events.TypeError, buf.Events()[0].Type)
	assert.True(t, strings.Contains(buf.Events()[0].String("error"), "canceled"))
}

package synthesis

import (
	"context"
	"errors"
	"strings"
	"testing"

	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/sources"
	"internal-perplexity/research/llm/providers/shared"
	fake "internal-perplexity/research/llm/providers/test"
	"internal-perplexity/research/llm/providers/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSynthesizer(provider *fake.FakeProvider) *Synthesizer {
	caller := transport.NewCaller(provider, shared.CompletionOptions{Model: "m"}, transport.RetryConfig{Attempts: 1})
	return New(caller, nil, zerolog.Nop())
}

func results() []agents.SubtaskResult {
	y := agents.SubtaskResult{Index: 1, SubtaskID: "job-1", SubQuestion: "What is Y?"}
	y.Termination = agents.TerminationTimeout
	y.Prediction = "This sub-question did not finish."

	x := agents.SubtaskResult{Index: 0, SubtaskID: "job-0", SubQuestion: "What is X?"}
	x.Termination = agents.TerminationAnswer
	x.Prediction = "X is fast [2] and simple [1]."
	x.Sources = []sources.Source{
		{ID: 1, URL: "https://x.example/a", Title: "X A", Domain: "x.example"},
		{ID: 2, URL: "https://x.example/b", Domain: "x.example"},
	}
	return []agents.SubtaskResult{y, x}
}

func TestSynthesizeOrdersByIndex(t *testing.T) {
	provider := fake.NewFakeProvider(fake.Step{Content: "<think>merge</think><answer>X is fast [2]. Y is unknown [7].</answer>"})
	res, err := newSynthesizer(provider).Synthesize(context.Background(), "Compare X and Y", []string{"What is X?", "What is Y?"}, results())
	require.NoError(t, err)

	assert.Equal(t, agents.TerminationSynthesized, res.Termination)
	assert.Equal(t, "X is fast [2]. Y is unknown .", res.Prediction)
	assert.Equal(t, "merge", res.Thinking)
	assert.Equal(t, 1, res.Rounds)
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "https://x.example/a", res.Sources[0].URL)

	prompt := provider.GetLastRequest().Messages[1].Content
	ix := strings.Index(prompt, "What is X?")
	iy := strings.Index(prompt, "What is Y?")
	require.True(t, ix >= 0 && iy >= 0)
	assert.Less(t, ix, iy)
	assert.Contains(t, prompt, "X is fast [2] and simple [1].")
	assert.Contains(t, prompt, "timeout")
	assert.Contains(t, prompt, "[1] X A: https://x.example/a")
	assert.Contains(t, prompt, "[2] x.example: https://x.example/b")
}

func TestSynthesizeDeterministicPrompt(t *testing.T) {
	a := fake.NewFakeProvider(fake.Step{Content: "<answer>a</answer>"})
	b := fake.NewFakeProvider(fake.Step{Content: "<answer>a</answer>"})

	in := results()
	reversed := []agents.SubtaskResult{in[1], in[0]}

	_, err := newSynthesizer(a).Synthesize(context.Background(), "Q", nil, in)
	require.NoError(t, err)
	_, err = newSynthesizer(b).Synthesize(context.Background(), "Q", nil, reversed)
	require.NoError(t, err)

	assert.Equal(t, a.GetLastRequest().Messages[1].Content, b.GetLastRequest().Messages[1].Content)
}

func TestSynthesizeRenumbersAcrossSubtasks(t *testing.T) {
	first := agents.SubtaskResult{Index: 0, SubQuestion: "A?"}
	first.Prediction = "A [1]."
	first.Sources = []sources.Source{{ID: 1, URL: "https://a.example/"}}
	second := agents.SubtaskResult{Index: 1, SubQuestion: "B?"}
	second.Prediction = "B [1], also A [2]."
	second.Sources = []sources.Source{{ID: 1, URL: "https://b.example/"}, {ID: 2, URL: "https://a.example"}}

	provider := fake.NewFakeProvider(fake.Step{Content: "<answer>ok [1][2]</answer>"})
	res, err := newSynthesizer(provider).Synthesize(context.Background(), "Q", nil, []agents.SubtaskResult{first, second})
	require.NoError(t, err)
	require.Len(t, res.Sources, 2)

	prompt := provider.GetLastRequest().Messages[1].Content
	assert.Contains(t, prompt, "B [2], also A [1].")
}

func TestSynthesizeFallsBackToStrippedText(t *testing.T) {
	provider := fake.NewFakeProvider(fake.Step{Content: "<think>hmm</think>Plain synthesized text."})
	res, err := newSynthesizer(provider).Synthesize(context.Background(), "Q", nil, results())
	require.NoError(t, err)
	assert.Equal(t, "Plain synthesized text.", res.Prediction)
}

func TestSynthesizeFailures(t *testing.T) {
	failing := fake.NewFakeProvider(fake.Step{Err: errors.New("overloaded")})
	_, err := newSynthesizer(failing).Synthesize(context.Background(), "Q", nil, results())
	assert.ErrorContains(t, err, "overloaded")

	empty := fake.NewFakeProvider(fake.Step{Content: "<think>nothing to say</think><answer>  </answer>"})
	_, err = newSynthesizer(empty).Synthesize(context.Background(), "Q", nil, results())
	assert.ErrorIs(t, err, ErrSynthesisEmpty)
}

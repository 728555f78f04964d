package planner

import (
	"context"
	"errors"
	"testing"

	"internal-perplexity/research/llm/providers/shared"
	fake "internal-perplexity/research/llm/providers/test"
	"internal-perplexity/research/llm/providers/transport"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlan(t *testing.T) {
	tests := []struct {
		name     string
		response string
		want     []string
	}{
		{
			name:     "json array",
			response: `["What is X?", "What is Y?"]`,
			want:     []string{"What is X?", "What is Y?"},
		},
		{
			name:     "think block and fence",
			response: "<think>two parts</think>\n```json\n[\"Research X\", \"Research Y\"]\n```",
			want:     []string{"Research X", "Research Y"},
		},
		{
			name:     "array of objects",
			response: `Here you go: [{"sub_question": "A?"}, {"question": "B?"}, {"id": 3}]`,
			want:     []string{"A?", "B?"},
		},
		{
			name:     "object with plan key",
			response: `{"plan": ["first", "second"]}`,
			want:     []string{"first", "second"},
		},
		{
			name:     "numbered list",
			response: "Plan:\n1. History of Go\n2) Adoption of Go\n- Tooling",
			want:     []string{"History of Go", "Adoption of Go", "Tooling"},
		},
		{
			name:     "duplicates and blanks dropped",
			response: `["same", "", "Same", "other"]`,
			want:     []string{"same", "other"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePlan(tt.response)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParsePlanFailures(t *testing.T) {
	for _, response := range []string{"", "<think>only thinking</think>", "no structure here", "[]"} {
		_, err := ParsePlan(response)
		assert.ErrorIs(t, err, ErrNoPlan, response)
	}
}

func newPlanner(provider *fake.FakeProvider) *Planner {
	caller := transport.NewCaller(provider, shared.CompletionOptions{Model: "m"}, transport.RetryConfig{Attempts: 1})
	return NewPlanner(caller, nil, 3, zerolog.Nop())
}

func TestPlannerPlan(t *testing.T) {
	provider := fake.NewFakeProvider(fake.Step{Content: `["Research X", "Research Y"]`})
	plan := newPlanner(provider).Plan(context.Background(), "Compare X and Y")
	assert.Equal(t, []string{"Research X", "Research Y"}, plan)

	req := provider.GetLastRequest()
	require.Len(t, req.Messages, 2)
	assert.Contains(t, req.Messages[0].Content, "at most 3 sub-questions")
	assert.Equal(t, "Compare X and Y", req.Messages[1].Content)
}

func TestPlannerFallsBackToQuestion(t *testing.T) {
	failing := fake.NewFakeProvider(fake.Step{Err: errors.New("down")})
	assert.Equal(t, []string{"Q?"}, newPlanner(failing).Plan(context.Background(), "Q?"))

	garbage := fake.NewFakeProvider(fake.Step{Content: "I cannot plan this"})
	assert.Equal(t, []string{"Q?"}, newPlanner(garbage).Plan(context.Background(), "Q?"))
}

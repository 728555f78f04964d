// Package planner decomposes a research question into sub-questions.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/react"
	"internal-perplexity/research/llm/providers/shared"

	"github.com/rs/zerolog"
)

// ErrNoPlan is returned by ParsePlan when no sub-questions can be recovered
var ErrNoPlan = errors.New("no sub-questions found in planner response")

// Planner turns a question into an ordered list of sub-questions
type Planner struct {
	llm             agents.LLM
	prompts         *agents.SystemPromptManager
	maxSubQuestions int
	logger          zerolog.Logger
}

// NewPlanner creates a planner that asks for at most maxSubQuestions entries
func NewPlanner(llm agents.LLM, prompts *agents.SystemPromptManager, maxSubQuestions int, logger zerolog.Logger) *Planner {
	if prompts == nil {
		prompts = agents.NewSystemPromptManager()
	}
	return &Planner{
		llm:             llm,
		prompts:         prompts,
		maxSubQuestions: maxSubQuestions,
		logger:          logger.With().Str("component", "planner").Logger(),
	}
}

// Plan returns the sub-questions for question. It never fails: any provider
// or parse problem yields the single-entry plan [question].
func (p *Planner) Plan(ctx context.Context, question string) []string {
	fallback := []string{question}

	response, err := p.llm.TryComplete(ctx, p.buildMessages(question))
	if err != nil {
		p.logger.Warn().Err(err).Msg("planning call failed, using question as plan")
		return fallback
	}

	plan, err := ParsePlan(response)
	if err != nil {
		p.logger.Warn().Err(err).Msg("could not parse plan, using question as plan")
		return fallback
	}

	p.logger.Debug().Int("sub_questions", len(plan)).Msg("plan created")
	return plan
}

func (p *Planner) buildMessages(question string) []shared.Message {
	system := p.prompts.GetPrompt(agents.PromptPlanner).GetFullPrompt(nil, time.Now())
	if p.maxSubQuestions > 0 {
		system += fmt.Sprintf("\n\nReturn at most %d sub-questions.", p.maxSubQuestions)
	}
	return []shared.Message{
		{Role: shared.RoleSystem, Content: system},
		{Role: shared.RoleUser, Content: question},
	}
}

var (
	arrayRe    = regexp.MustCompile(`(?s)\[.*\]`)
	objectRe   = regexp.MustCompile(`(?s)\{.*\}`)
	listItemRe = regexp.MustCompile(`^\s*(?:\d+[.)]|[-*•])\s+(.+?)\s*$`)
)

var objectListKeys = []string{"sub_questions", "subquestions", "plan", "questions", "steps"}
var itemTextKeys = []string{"sub_question", "question", "query", "task"}

// ParsePlan recovers sub-questions from a planner response. It accepts a JSON
// array of strings or objects, a JSON object holding such an array, or a
// numbered or bulleted list, optionally wrapped in think blocks or fences.
func ParsePlan(response string) ([]string, error) {
	text := strings.TrimSpace(react.StripThink(response))
	if text == "" {
		return nil, ErrNoPlan
	}

	for _, candidate := range []string{text, arrayRe.FindString(text), objectRe.FindString(text)} {
		if candidate == "" {
			continue
		}
		var decoded any
		if err := json.Unmarshal([]byte(candidate), &decoded); err != nil {
			continue
		}
		if items := clean(fromJSON(decoded)); len(items) > 0 {
			return items, nil
		}
	}

	var items []string
	for _, line := range strings.Split(text, "\n") {
		if m := listItemRe.FindStringSubmatch(line); m != nil {
			items = append(items, strings.Trim(m[1], "*` "))
		}
	}
	if items = clean(items); len(items) > 0 {
		return items, nil
	}
	return nil, ErrNoPlan
}

func fromJSON(v any) []string {
	switch val := v.(type) {
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			switch it := item.(type) {
			case string:
				out = append(out, it)
			case map[string]any:
				for _, key := range itemTextKeys {
					if s, ok := it[key].(string); ok {
						out = append(out, s)
						break
					}
				}
			}
		}
		return out
	case map[string]any:
		for _, key := range objectListKeys {
			if list, ok := val[key]; ok {
				return fromJSON(list)
			}
		}
	}
	return nil
}

func clean(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
	}
	return out
}

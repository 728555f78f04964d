// Package synthesis merges subtask findings into one cited answer.
package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/react"
	"internal-perplexity/research/llm/agents/sources"
	"internal-perplexity/research/llm/providers/shared"

	"github.com/rs/zerolog"
)

// ErrSynthesisEmpty is returned when the model produced no usable answer
var ErrSynthesisEmpty = errors.New("synthesis produced an empty answer")

// Synthesizer combines subtask results with one model call
type Synthesizer struct {
	llm     agents.LLM
	prompts *agents.SystemPromptManager
	logger  zerolog.Logger
}

// New creates a synthesizer
func New(llm agents.LLM, prompts *agents.SystemPromptManager, logger zerolog.Logger) *Synthesizer {
	if prompts == nil {
		prompts = agents.NewSystemPromptManager()
	}
	return &Synthesizer{
		llm:     llm,
		prompts: prompts,
		logger:  logger.With().Str("component", "synthesis").Logger(),
	}
}

// Synthesize orders results by index, renumbers their sources into one list,
// and asks the model for a single answer citing that list.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, plan []string, results []agents.SubtaskResult) (agents.RunResult, error) {
	start := time.Now()

	ordered := append([]agents.SubtaskResult(nil), results...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Index < ordered[j].Index })

	groups := make([][]sources.Source, len(ordered))
	for i, res := range ordered {
		groups[i] = res.Sources
	}
	merged, mappings := sources.Merge(groups...)

	messages := []shared.Message{
		{Role: shared.RoleSystem, Content: s.prompts.GetPrompt(agents.PromptSynthesis).GetFullPrompt(nil, time.Now())},
		{Role: shared.RoleUser, Content: buildSynthesisPrompt(question, ordered, mappings, merged)},
	}

	output, err := s.llm.TryComplete(ctx, messages)
	if err != nil {
		return agents.RunResult{}, fmt.Errorf("synthesis call: %w", err)
	}
	messages = append(messages, shared.Message{Role: shared.RoleAssistant, Content: output})

	parsed := react.Parse(output)
	answer, ok := parsed.Answer()
	if !ok {
		s.logger.Warn().Msg("synthesis output had no answer region, using stripped text")
		answer = react.StripTags(output)
	}
	answer = strings.TrimSpace(dropUnknownCitations(answer, len(merged)))
	if answer == "" {
		return agents.RunResult{}, ErrSynthesisEmpty
	}

	return agents.RunResult{
		Question:       question,
		Prediction:     answer,
		Termination:    agents.TerminationSynthesized,
		Rounds:         1,
		ElapsedSeconds: time.Since(start).Seconds(),
		Plan:           plan,
		Sources:        merged,
		Thinking:       parsed.Thinking(),
		Messages:       messages,
	}, nil
}

// buildSynthesisPrompt lists every sub-question with its outcome, findings and
// globally numbered sources, followed by the full source list
func buildSynthesisPrompt(question string, ordered []agents.SubtaskResult, mappings []map[int]int, merged []sources.Source) string {
	var prompt strings.Builder

	prompt.WriteString(fmt.Sprintf("Original question: %s\n\n", question))
	prompt.WriteString("Findings from each researcher:\n\n")

	for i, res := range ordered {
		prompt.WriteString(fmt.Sprintf("### Sub-question %d: %s\n", res.Index+1, res.SubQuestion))
		prompt.WriteString(fmt.Sprintf("Outcome: %s\n", describe(res.Termination)))

		findings := strings.TrimSpace(sources.RemapCitations(res.Prediction, mappings[i]))
		if findings == "" {
			findings = "(no findings)"
		}
		prompt.WriteString("Findings:\n")
		prompt.WriteString(findings)
		prompt.WriteString("\n")

		if len(mappings[i]) > 0 {
			ids := make([]int, 0, len(mappings[i]))
			for _, id := range mappings[i] {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			refs := make([]string, len(ids))
			for j, id := range ids {
				refs[j] = fmt.Sprintf("[%d]", id)
			}
			prompt.WriteString(fmt.Sprintf("Sources consulted: %s\n", strings.Join(refs, " ")))
		}
		prompt.WriteString("\n")
	}

	if len(merged) > 0 {
		prompt.WriteString("Numbered sources:\n")
		for _, src := range merged {
			prompt.WriteString(fmt.Sprintf("[%d] %s: %s\n", src.ID, src.Label(), src.URL))
		}
		prompt.WriteString("\n")
		prompt.WriteString("Write one answer to the original question. End every factual sentence with the [n] markers of the sources above that support it.")
	} else {
		prompt.WriteString("No sources were collected. Answer from the findings and say that they are unsourced.")
	}

	return prompt.String()
}

func describe(t agents.Termination) string {
	switch t {
	case agents.TerminationTimeout:
		return "timeout (did not finish before the deadline)"
	case agents.TerminationError:
		return "error (research failed)"
	case agents.TerminationMaxRounds:
		return "incomplete (ran out of research rounds)"
	case "":
		return "unknown"
	default:
		return string(t)
	}
}

// dropUnknownCitations removes markers outside 1..n
func dropUnknownCitations(text string, n int) string {
	valid := make(map[int]int, n)
	for i := 1; i <= n; i++ {
		valid[i] = i
	}
	return sources.RemapCitations(text, valid)
}

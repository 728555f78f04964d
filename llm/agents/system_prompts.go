package agents

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// PromptKind names a system prompt
type PromptKind string

const (
	PromptResearch  PromptKind = "research"
	PromptSubtask   PromptKind = "subtask"
	PromptPlanner   PromptKind = "planner"
	PromptSynthesis PromptKind = "synthesis"
)

// ForceAnswerPrompt is appended when a run must stop using tools
const ForceAnswerPrompt = `You have reached the limit for this research session. Stop calling tools now. ` +
	`Based on everything gathered so far, give your best final answer inside <answer></answer> tags.`

// SystemPrompt is a base prompt plus constraints and examples
type SystemPrompt struct {
	BasePrompt  string
	Constraints []string
	Examples    []string
}

// SystemPromptManager manages system prompts for the research agents
type SystemPromptManager struct {
	prompts map[PromptKind]*SystemPrompt
}

// NewSystemPromptManager creates a manager loaded with the default prompts
func NewSystemPromptManager() *SystemPromptManager {
	spm := &SystemPromptManager{
		prompts: make(map[PromptKind]*SystemPrompt),
	}
	spm.initializeDefaultPrompts()
	return spm
}

// GetPrompt retrieves a prompt by kind, falling back to the research prompt
func (spm *SystemPromptManager) GetPrompt(kind PromptKind) *SystemPrompt {
	if prompt, exists := spm.prompts[kind]; exists {
		return prompt
	}
	return spm.prompts[PromptResearch]
}

// RegisterPrompt registers a custom system prompt
func (spm *SystemPromptManager) RegisterPrompt(kind PromptKind, prompt *SystemPrompt) {
	spm.prompts[kind] = prompt
}

func (spm *SystemPromptManager) initializeDefaultPrompts() {
	tagRules := []string{
		"Think step by step inside <think></think> before every action.",
		`Call exactly one tool per turn as <tool_call>{"name": "<tool>", "arguments": {...}}</tool_call>.`,
		"To run Python, write <tool_call><code>...</code></tool_call>.",
		"Tool output is returned to you inside <tool_response></tool_response>. Never write that tag yourself.",
		"When you are confident, give the final answer inside <answer></answer>. Name the site or page behind each claim; numbered references are added for you.",
	}

	spm.prompts[PromptResearch] = &SystemPrompt{
		BasePrompt: `You are a deep research assistant. You answer open-ended questions by searching the web,
reading pages and running code, then writing a thorough, well-sourced answer.
Prefer primary sources, cross-check facts across pages, and keep going until the evidence is sufficient.`,
		Constraints: tagRules,
		Examples: []string{
			`<think>I need recent figures first.</think>
<tool_call>{"name": "search", "arguments": {"query": ["global EV sales 2024"]}}</tool_call>`,
		},
	}

	spm.prompts[PromptSubtask] = &SystemPrompt{
		BasePrompt: `You are a research worker investigating one focused sub-question that is part of a larger question.
Stay on your sub-question. Report concrete findings with the URLs that support them; another agent will combine your findings with others.`,
		Constraints: tagRules,
	}

	spm.prompts[PromptPlanner] = &SystemPrompt{
		BasePrompt: `You are an expert research planner. Break the user's question into independent sub-questions
that can be researched in parallel and together cover everything needed to answer it.`,
		Constraints: []string{
			"Return only a JSON array of strings, one sub-question per entry.",
			"Each sub-question must be answerable on its own.",
			"Use a single entry when the question is already narrow.",
		},
	}

	spm.prompts[PromptSynthesis] = &SystemPrompt{
		BasePrompt: `You are a research editor. You combine findings from several researchers into one coherent,
well-structured answer to the original question.`,
		Constraints: []string{
			"Cite every factual sentence with the numbered sources provided, as [n].",
			"Only use the numbers from the source list; never invent sources.",
			"Point out where findings disagree or a sub-question found nothing.",
			"Put the final answer inside <answer></answer>.",
		},
	}
}

// GetFullPrompt returns the complete formatted system prompt
func (sp *SystemPrompt) GetFullPrompt(tools map[string]string, now time.Time) string {
	var builder strings.Builder

	builder.WriteString(sp.BasePrompt)
	builder.WriteString("\n\n")
	builder.WriteString(fmt.Sprintf("Current date: %s\n\n", now.Format("2006-01-02")))

	if len(tools) > 0 {
		names := make([]string, 0, len(tools))
		for name := range tools {
			names = append(names, name)
		}
		sort.Strings(names)

		builder.WriteString("Available Tools:\n")
		for _, name := range names {
			if desc := tools[name]; desc != "" {
				builder.WriteString(fmt.Sprintf("- %s: %s\n", name, desc))
			} else {
				builder.WriteString(fmt.Sprintf("- %s\n", name))
			}
		}
		builder.WriteString("\n")
	}

	if len(sp.Constraints) > 0 {
		builder.WriteString("Rules:\n")
		for _, c := range sp.Constraints {
			builder.WriteString(fmt.Sprintf("- %s\n", c))
		}
		builder.WriteString("\n")
	}

	if len(sp.Examples) > 0 {
		builder.WriteString("Examples:\n")
		for _, example := range sp.Examples {
			builder.WriteString(example)
			builder.WriteString("\n")
		}
	}

	return strings.TrimSpace(builder.String())
}

// BuildUserPrompt renders the opening user turn of a research run
func BuildUserPrompt(question string, plan []string, parentQuestion string) string {
	var builder strings.Builder

	if parentQuestion != "" && parentQuestion != question {
		builder.WriteString(fmt.Sprintf("Overall question (for context): %s\n\n", parentQuestion))
		builder.WriteString(fmt.Sprintf("Your sub-question: %s\n", question))
	} else {
		builder.WriteString(fmt.Sprintf("Question: %s\n", question))
	}

	if len(plan) > 1 {
		builder.WriteString("\nResearch plan:\n")
		for i, step := range plan {
			builder.WriteString(fmt.Sprintf("%d. %s\n", i+1, step))
		}
	}

	return strings.TrimSpace(builder.String())
}

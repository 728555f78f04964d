// Package agents holds the types shared by the research agents: the LLM
// contract, run results, subtasks and the system prompts.
package agents

import (
	"context"
	"time"

	"internal-perplexity/research/llm/agents/sources"
	"internal-perplexity/research/llm/providers/shared"
)

// LLM is the model access used by agents. Complete never fails: after retries
// are exhausted it returns a sentinel string the caller treats as model output.
type LLM interface {
	Complete(ctx context.Context, messages []shared.Message) string
	TryComplete(ctx context.Context, messages []shared.Message) (string, error)
}

// Termination says why a run stopped
type Termination string

const (
	TerminationAnswer             Termination = "answer"
	TerminationAnswerContextLimit Termination = "answer_context_limit"
	TerminationContextFormatError Termination = "context_limit_format_error"
	TerminationTimeLimit          Termination = "time_limit"
	TerminationMaxRounds          Termination = "max_rounds_exceeded"
	// Subtask-only outcomes
	TerminationError   Termination = "error"
	TerminationTimeout Termination = "timeout"
	// Job-level outcome
	TerminationSynthesized Termination = "synthesized"
)

// NoAnswer is the prediction of a run that used every round without answering
const NoAnswer = "No answer found."

// RunResult is the outcome of one reasoning run
type RunResult struct {
	Question       string           `json:"question"`
	Prediction     string           `json:"prediction"`
	Termination    Termination      `json:"termination"`
	Rounds         int              `json:"rounds"`
	ElapsedSeconds float64          `json:"elapsed_seconds"`
	Plan           []string         `json:"plan,omitempty"`
	Sources        []sources.Source `json:"sources,omitempty"`
	Thinking       string           `json:"thinking,omitempty"`
	Messages       []shared.Message `json:"-"`
}

// Elapsed returns the elapsed time as a duration
func (r RunResult) Elapsed() time.Duration {
	return time.Duration(r.ElapsedSeconds * float64(time.Second))
}

// Subtask is one sub-question of a distributed job
type Subtask struct {
	JobID       string `json:"job_id"`
	SubtaskID   string `json:"subtask_id"`
	Index       int    `json:"index"`
	Question    string `json:"question"`
	SubQuestion string `json:"sub_question"`
}

// SubtaskResult is the outcome of one subtask
type SubtaskResult struct {
	RunResult
	JobID       string `json:"job_id"`
	SubtaskID   string `json:"subtask_id"`
	SubQuestion string `json:"sub_question"`
	Index       int    `json:"index"`
	Error       string `json:"error,omitempty"`
}

// ResultFor starts a SubtaskResult carrying the identity of a subtask
func ResultFor(task Subtask) SubtaskResult {
	return SubtaskResult{
		RunResult: RunResult{
			Question: task.SubQuestion,
		},
		JobID:       task.JobID,
		SubtaskID:   task.SubtaskID,
		SubQuestion: task.SubQuestion,
		Index:       task.Index,
	}
}

// TimeoutResult is the placeholder for a subtask that missed the job barrier
func TimeoutResult(task Subtask) SubtaskResult {
	res := ResultFor(task)
	res.Termination = TerminationTimeout
	res.Prediction = "This sub-question did not finish before the job deadline; no findings are available."
	return res
}

// Package researcher runs the reasoning loop for a single sub-question of a
// distributed job.
package researcher

import (
	"context"
	"fmt"
	"time"

	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/budget"
	"internal-perplexity/research/llm/agents/react"
	"internal-perplexity/research/llm/agents/sources"
	"internal-perplexity/research/llm/events"
	"internal-perplexity/research/llm/queue"
	"internal-perplexity/research/llm/tools"

	"github.com/rs/zerolog"
)

// Runner executes subtasks with a per-subtask budget
type Runner struct {
	loop   *react.Loop
	limits budget.Limits
	logger zerolog.Logger
}

// NewRunner creates a subtask runner
func NewRunner(loop *react.Loop, limits budget.Limits, logger zerolog.Logger) *Runner {
	return &Runner{
		loop:   loop,
		limits: limits,
		logger: logger.With().Str("component", "researcher").Logger(),
	}
}

// Run researches one sub-question. It never panics or returns an error:
// internal failures produce a result with termination "error".
func (r *Runner) Run(ctx context.Context, task agents.Subtask, pub events.Publisher) (res agents.SubtaskResult) {
	if pub == nil {
		pub = events.Discard
	}
	pub = events.WithFields(pub, map[string]any{
		"subtask_id": task.SubtaskID,
		"index":      task.Index,
	})
	logger := r.logger.With().Str("job_id", task.JobID).Str("subtask_id", task.SubtaskID).Logger()
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error().Interface("panic", rec).Msg("subtask panicked")
			res = queue.ErrorResult(task, fmt.Errorf("subtask panicked: %v", rec), time.Since(start))
		}
		r.publish(ctx, pub, events.New(events.TypeSubtaskCompleted, res.Rounds, "", map[string]any{
			"termination":     string(res.Termination),
			"rounds":          res.Rounds,
			"elapsed_seconds": res.ElapsedSeconds,
			"sources":         len(res.Sources),
			"preview":         react.Preview(res.Prediction, 200),
		}), logger)
	}()

	r.publish(ctx, pub, events.New(events.TypeSubtaskProgress, 0, "subtask started", map[string]any{
		"status":       "started",
		"sub_question": task.SubQuestion,
	}), logger)

	run := r.loop.Run(ctx, task.SubQuestion, nil, react.Options{
		Limits:         r.limits,
		ParentQuestion: task.Question,
		Prompt:         agents.PromptSubtask,
		Publisher:      pub,
	})
	run.Sources = sources.Extract(run.Messages, tools.VisitTool)
	// Findings carry markers in this subtask's numbering for synthesis to remap.
	if run.Prediction != agents.NoAnswer {
		run.Prediction = sources.InjectCitations(sources.StripCitations(run.Prediction), run.Sources)
	}

	res = agents.ResultFor(task)
	res.RunResult = run
	logger.Info().
		Str("termination", string(run.Termination)).
		Int("rounds", run.Rounds).
		Int("sources", len(run.Sources)).
		Msg("subtask finished")
	return res
}

// Handler adapts the runner to a queue handler publishing on the job's
// channel of b
func (r *Runner) Handler(b events.Broadcaster) queue.Handler {
	return func(ctx context.Context, task agents.Subtask) agents.SubtaskResult {
		return r.Run(ctx, task, b.Channel(task.JobID))
	}
}

func (r *Runner) publish(ctx context.Context, pub events.Publisher, ev events.Event, logger zerolog.Logger) {
	if err := pub.Publish(ctx, ev); err != nil {
		logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("publish failed")
	}
}

// Package primary answers a question in a single process: plan, run the
// reasoning loop, attach citations, and report completion.
package primary

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/budget"
	"internal-perplexity/research/llm/agents/planner"
	"internal-perplexity/research/llm/agents/react"
	"internal-perplexity/research/llm/agents/sources"
	"internal-perplexity/research/llm/events"
	"internal-perplexity/research/llm/tools"

	"github.com/rs/zerolog"
)

// ErrEmptyQuestion is returned when Run is called without a question
var ErrEmptyQuestion = errors.New("question is empty")

// PrimaryAgent runs single-process research
type PrimaryAgent struct {
	planner *planner.Planner
	loop    *react.Loop
	limits  budget.Limits
	logger  zerolog.Logger
}

// NewPrimaryAgent creates the agent. A nil planner skips planning.
func NewPrimaryAgent(p *planner.Planner, loop *react.Loop, limits budget.Limits, logger zerolog.Logger) *PrimaryAgent {
	return &PrimaryAgent{
		planner: p,
		loop:    loop,
		limits:  limits,
		logger:  logger.With().Str("component", "primary_agent").Logger(),
	}
}

// Run answers question, publishing progress to pub. The only errors are an
// empty question or a context that is already done; every other outcome is a
// result followed by a complete event.
func (a *PrimaryAgent) Run(ctx context.Context, question string, pub events.Publisher) (agents.RunResult, error) {
	if pub == nil {
		pub = events.Discard
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return agents.RunResult{}, ErrEmptyQuestion
	}
	if err := ctx.Err(); err != nil {
		a.publish(ctx, pub, events.New(events.TypeError, 0, "research cancelled", map[string]any{"error": err.Error()}))
		return agents.RunResult{}, fmt.Errorf("research cancelled: %w", err)
	}

	start := time.Now()
	a.publish(ctx, pub, events.New(events.TypeStatus, 0, "planning research", map[string]any{"status": "planning"}))

	var plan []string
	if a.planner != nil {
		plan = a.planner.Plan(ctx, question)
	}
	a.publish(ctx, pub, events.New(events.TypePlan, 0, "", map[string]any{"plan": plan}))

	// A single-entry plan is the question itself and adds nothing to the prompt.
	loopPlan := plan
	if len(loopPlan) <= 1 {
		loopPlan = nil
	}
	a.publish(ctx, pub, events.New(events.TypeStatus, 0, "researching", map[string]any{"status": "researching"}))

	res := a.loop.Run(ctx, question, loopPlan, react.Options{
		Limits:    a.limits,
		Prompt:    agents.PromptResearch,
		Publisher: pub,
	})
	res.Plan = plan
	res.Sources = sources.Extract(res.Messages, tools.VisitTool)
	if res.Prediction != agents.NoAnswer {
		res.Prediction = sources.Cite(res.Prediction, res.Sources)
	}
	res.ElapsedSeconds = time.Since(start).Seconds()

	a.logger.Info().
		Str("termination", string(res.Termination)).
		Int("rounds", res.Rounds).
		Int("sources", len(res.Sources)).
		Int("cited", len(sources.CitedIDs(res.Prediction))).
		Float64("elapsed_seconds", res.ElapsedSeconds).
		Msg("research finished")

	a.publish(ctx, pub, events.New(events.TypeComplete, res.Rounds, "", map[string]any{
		"answer":          res.Prediction,
		"sources":         res.Sources,
		"termination":     string(res.Termination),
		"rounds":          res.Rounds,
		"elapsed_seconds": res.ElapsedSeconds,
	}))
	return res, nil
}

func (a *PrimaryAgent) publish(ctx context.Context, pub events.Publisher, ev events.Event) {
	// The terminal event must still go out when ctx was cancelled mid-run.
	if ev.Terminal() {
		ctx = context.WithoutCancel(ctx)
	}
	if err := pub.Publish(ctx, ev); err != nil {
		a.logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("publish failed")
	}
}

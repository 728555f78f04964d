// Package orchestrator runs distributed research jobs: plan, fan subtasks out
// to a queue, wait at a barrier, then synthesize one cited answer.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"internal-perplexity/research/llm/agents"
	"internal-perplexity/research/llm/agents/planner"
	"internal-perplexity/research/llm/agents/sources"
	"internal-perplexity/research/llm/agents/sub-agents/synthesis"
	"internal-perplexity/research/llm/events"
	"internal-perplexity/research/llm/queue"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrEmptyQuestion is returned when a job is submitted without a question
var ErrEmptyQuestion = errors.New("question is empty")

// Config bounds a job
type Config struct {
	MaxParallelSubtasks int
	JobTimeout          time.Duration
	// ChannelPrefix names the event channel reported in Job
	ChannelPrefix string
}

// Job identifies a submitted job and the channel its events go to
type Job struct {
	ID      string `json:"job_id"`
	Channel string `json:"channel"`
}

// SubtaskSummary is the per-subtask outcome reported with the complete event
type SubtaskSummary struct {
	SubtaskID      string             `json:"subtask_id"`
	Index          int                `json:"index"`
	SubQuestion    string             `json:"sub_question"`
	Termination    agents.Termination `json:"termination"`
	Rounds         int                `json:"rounds"`
	ElapsedSeconds float64            `json:"elapsed_seconds"`
	Sources        int                `json:"sources"`
	Error          string             `json:"error,omitempty"`
}

// JobResult is the outcome of a finished job
type JobResult struct {
	agents.RunResult
	JobID       string           `json:"job_id"`
	WallSeconds float64          `json:"wall_seconds"`
	Subtasks    []SubtaskSummary `json:"subtasks"`
}

// Option customizes an Orchestrator
type Option func(*Orchestrator)

// WithIDGenerator replaces the job id source
func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) { o.newID = fn }
}

// Orchestrator coordinates distributed jobs
type Orchestrator struct {
	planner     *planner.Planner
	queue       queue.Queue
	synthesizer *synthesis.Synthesizer
	broadcaster events.Broadcaster
	cfg         Config
	logger      zerolog.Logger
	newID       func() string

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator
func New(p *planner.Planner, q queue.Queue, s *synthesis.Synthesizer, b events.Broadcaster, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if cfg.MaxParallelSubtasks < 1 {
		cfg.MaxParallelSubtasks = 1
	}
	base, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		planner:     p,
		queue:       q,
		synthesizer: s,
		broadcaster: b,
		cfg:         cfg,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
		newID:       uuid.NewString,
		base:        base,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit starts a job in the background and returns its handle. The job
// outlives ctx's cancellation; Close stops it.
func (o *Orchestrator) Submit(ctx context.Context, question string) (Job, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Job{}, ErrEmptyQuestion
	}
	if err := o.base.Err(); err != nil {
		return Job{}, fmt.Errorf("orchestrator closed: %w", err)
	}
	job := o.newJob()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(o.base, cancel)
		defer stop()

		if _, err := o.execute(runCtx, job, question); err != nil {
			o.logger.Error().Err(err).Str("job_id", job.ID).Msg("job failed")
		}
	}()
	return job, nil
}

// Run executes a job and waits for its result
func (o *Orchestrator) Run(ctx context.Context, question string) (JobResult, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return JobResult{}, ErrEmptyQuestion
	}
	return o.execute(ctx, o.newJob(), question)
}

// Wait blocks until every submitted job has finished
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close cancels submitted jobs and waits for them to publish their terminal event
func (o *Orchestrator) Close() {
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) newJob() Job {
	id := o.newID()
	return Job{ID: id, Channel: events.ChannelName(o.cfg.ChannelPrefix, id)}
}

func (o *Orchestrator) execute(ctx context.Context, job Job, question string) (JobResult, error) {
	start := time.Now()
	logger := o.logger.With().Str("job_id", job.ID).Logger()
	pub := o.broadcaster.Channel(job.ID)
	publish := func(ev events.Event) {
		if ev.Terminal() {
			ctx := context.WithoutCancel(ctx)
			if err := pub.Publish(ctx, ev); err != nil {
				logger.Warn().Err(err).Str("event", string(ev.Type)).Msg("publish terminal event failed")
			}
			return
		}
		if err := pub.Publish(ctx, ev); err != nil {
			logger.Debug().Err(err).Str("event", string(ev.Type)).Msg("publish failed")
		}
	}

	publish(events.New(events.TypeStatus, 0, "job queued", map[string]any{
		"status":   events.StatusQueued,
		"job_id":   job.ID,
		"question": question,
	}))

	plan := o.planner.Plan(ctx, question)
	if len(plan) > o.cfg.MaxParallelSubtasks {
		logger.Warn().
			Int("planned", len(plan)).
			Int("max_parallel_subtasks", o.cfg.MaxParallelSubtasks).
			Msg("truncating plan")
		plan = plan[:o.cfg.MaxParallelSubtasks]
	}
	publish(events.New(events.TypePlan, 0, "", map[string]any{"plan": plan}))

	tasks := make([]agents.Subtask, len(plan))
	for i, sub := range plan {
		tasks[i] = agents.Subtask{
			JobID:       job.ID,
			SubtaskID:   job.ID + "-" + strconv.Itoa(i),
			Index:       i,
			Question:    question,
			SubQuestion: sub,
		}
		publish(events.New(events.TypeSubtaskStarted, i, "", map[string]any{
			"subtask_id":   tasks[i].SubtaskID,
			"index":        i,
			"sub_question": sub,
		}))
	}

	results := o.gather(ctx, tasks, logger)

	synthesized, err := o.synthesizer.Synthesize(ctx, question, plan, results)
	if err != nil {
		publish(events.New(events.TypeError, 0, "synthesis failed", map[string]any{
			"error":  err.Error(),
			"job_id": job.ID,
		}))
		return JobResult{}, fmt.Errorf("job %s: %w", job.ID, err)
	}

	out := JobResult{
		RunResult: synthesized,
		JobID:     job.ID,
		Subtasks:  make([]SubtaskSummary, len(results)),
	}
	out.Prediction = sources.Format(synthesized.Prediction, synthesized.Sources)
	for i, res := range results {
		out.Rounds += res.Rounds
		out.ElapsedSeconds += res.ElapsedSeconds
		out.Subtasks[i] = SubtaskSummary{
			SubtaskID:      res.SubtaskID,
			Index:          res.Index,
			SubQuestion:    res.SubQuestion,
			Termination:    res.Termination,
			Rounds:         res.Rounds,
			ElapsedSeconds: res.ElapsedSeconds,
			Sources:        len(res.Sources),
			Error:          res.Error,
		}
	}
	out.WallSeconds = time.Since(start).Seconds()

	logger.Info().
		Int("subtasks", len(results)).
		Int("rounds", out.Rounds).
		Int("sources", len(out.Sources)).
		Float64("wall_seconds", out.WallSeconds).
		Msg("job complete")

	publish(events.New(events.TypeComplete, out.Rounds, "", map[string]any{
		"job_id":          job.ID,
		"answer":          out.Prediction,
		"sources":         out.Sources,
		"termination":     string(out.Termination),
		"rounds":          out.Rounds,
		"elapsed_seconds": out.ElapsedSeconds,
		"wall_seconds":    out.WallSeconds,
		"subtasks":        out.Subtasks,
	}))
	return out, nil
}

// gather enqueues every task and waits until all results arrive, the job
// timeout fires, or ctx ends. Missing results become timeout results. The
// returned slice is ordered by index.
func (o *Orchestrator) gather(ctx context.Context, tasks []agents.Subtask, logger zerolog.Logger) []agents.SubtaskResult {
	var (
		barrierCtx context.Context
		cancel     context.CancelFunc
	)
	if o.cfg.JobTimeout > 0 {
		barrierCtx, cancel = context.WithTimeout(ctx, o.cfg.JobTimeout)
	} else {
		barrierCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Buffered so late results never block a worker after the barrier.
	done := make(chan agents.SubtaskResult, len(tasks))
	for _, task := range tasks {
		if err := o.queue.Enqueue(barrierCtx, task, func(res agents.SubtaskResult) { done <- res }); err != nil {
			logger.Error().Err(err).Str("subtask_id", task.SubtaskID).Msg("enqueue failed")
			done <- queue.ErrorResult(task, fmt.Errorf("enqueue: %w", err), 0)
		}
	}

	got := make(map[int]agents.SubtaskResult, len(tasks))
	for len(got) < len(tasks) {
		select {
		case res := <-done:
			if res.Index < 0 || res.Index >= len(tasks) {
				logger.Warn().Int("index", res.Index).Msg("ignoring result with unknown index")
				continue
			}
			if _, dup := got[res.Index]; dup {
				continue
			}
			got[res.Index] = res
		case <-barrierCtx.Done():
			logger.Warn().
				Int("received", len(got)).
				Int("expected", len(tasks)).
				Msg("barrier closed before every subtask finished")
			return collect(tasks, got)
		}
	}
	return collect(tasks, got)
}

func collect(tasks []agents.Subtask, got map[int]agents.SubtaskResult) []agents.SubtaskResult {
	out := make([]agents.SubtaskResult, len(tasks))
	for i, task := range tasks {
		if res, ok := got[i]; ok {
			out[i] = res
			continue
		}
		out[i] = agents.TimeoutResult(task)
	}
	return out
}

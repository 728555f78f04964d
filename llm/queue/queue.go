// Package queue dispatches subtasks to workers, in process or through Redis.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"internal-perplexity/research/llm/agents"
)

// ErrQueueClosed is returned when enqueueing on a closed queue
var ErrQueueClosed = errors.New("queue is closed")

// Handler executes one subtask. Implementations encode failures in the result.
type Handler func(ctx context.Context, task agents.Subtask) agents.SubtaskResult

// Queue hands subtasks to workers and reports each result through onComplete.
// onComplete is called at most once per task, from any goroutine.
type Queue interface {
	Enqueue(ctx context.Context, task agents.Subtask, onComplete func(agents.SubtaskResult)) error
}

// safeRun executes h, converting a panic into an error result
func safeRun(ctx context.Context, h Handler, task agents.Subtask) (res agents.SubtaskResult) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			res = ErrorResult(task, fmt.Errorf("handler panicked: %v", rec), time.Since(start))
		}
	}()
	return h(ctx, task)
}

// ErrorResult builds the result of a subtask that failed internally
func ErrorResult(task agents.Subtask, err error, elapsed time.Duration) agents.SubtaskResult {
	res := agents.ResultFor(task)
	res.Termination = agents.TerminationError
	res.Prediction = fmt.Sprintf("Research on this sub-question failed: %v", err)
	res.Error = err.Error()
	res.ElapsedSeconds = elapsed.Seconds()
	return res
}

package queue

import (
	"context"
	"sync"

	"internal-perplexity/research/llm/agents"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Pool runs subtasks on goroutines in this process, at most size at a time.
// Handlers run detached from the enqueue context's cancellation; Close
// cancels them cooperatively.
type Pool struct {
	sem     *semaphore.Weighted
	handler Handler
	logger  zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ Queue = (*Pool)(nil)

// NewPool creates a pool running handler with the given concurrency
func NewPool(size int, handler Handler, logger zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:     semaphore.NewWeighted(int64(size)),
		handler: handler,
		logger:  logger.With().Str("component", "queue_pool").Logger(),
		base:    base,
		cancel:  cancel,
	}
}

// Enqueue schedules task and returns immediately
func (p *Pool) Enqueue(ctx context.Context, task agents.Subtask, onComplete func(agents.SubtaskResult)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrQueueClosed
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(p.base, cancel)
		defer stop()

		if err := p.sem.Acquire(runCtx, 1); err != nil {
			p.logger.Warn().Str("subtask_id", task.SubtaskID).Msg("pool closed before subtask started")
			onComplete(ErrorResult(task, err, 0))
			return
		}
		defer p.sem.Release(1)

		onComplete(safeRun(runCtx, p.handler, task))
	}()
	return nil
}

// Wait blocks until every enqueued subtask has finished
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close rejects new work, cancels running handlers and waits for them
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}

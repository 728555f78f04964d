package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"internal-perplexity/research/llm/agents"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

const (
	defaultPollInterval = time.Second
	defaultResultTTL    = time.Hour
)

// TasksKey is the Redis list subtasks are pushed onto
func TasksKey(prefix string) string { return prefix + ":tasks" }

// ResultKey is the Redis list a subtask's result is pushed onto
func ResultKey(prefix, subtaskID string) string { return prefix + ":results:" + subtaskID }

// RedisQueue sends subtasks to worker processes through Redis lists
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	poll   time.Duration
	logger zerolog.Logger
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue using keys under prefix
func NewRedisQueue(client redis.UniversalClient, prefix string, logger zerolog.Logger) *RedisQueue {
	return &RedisQueue{
		client: client,
		prefix: prefix,
		poll:   defaultPollInterval,
		logger: logger.With().Str("component", "queue_redis").Logger(),
	}
}

// Enqueue pushes the task and waits for its result in the background until ctx ends
func (q *RedisQueue) Enqueue(ctx context.Context, task agents.Subtask, onComplete func(agents.SubtaskResult)) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode subtask: %w", err)
	}
	if err := q.client.LPush(ctx, TasksKey(q.prefix), payload).Err(); err != nil {
		return fmt.Errorf("push subtask %s: %w", task.SubtaskID, err)
	}
	go q.await(ctx, task, onComplete)
	return nil
}

func (q *RedisQueue) await(ctx context.Context, task agents.Subtask, onComplete func(agents.SubtaskResult)) {
	key := ResultKey(q.prefix, task.SubtaskID)
	for ctx.Err() == nil {
		vals, err := q.client.BLPop(ctx, q.poll, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn().Err(err).Str("subtask_id", task.SubtaskID).Msg("waiting for result failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.poll):
			}
			continue
		}

		var res agents.SubtaskResult
		if err := json.Unmarshal([]byte(vals[1]), &res); err != nil {
			onComplete(ErrorResult(task, fmt.Errorf("decode result: %w", err), 0))
			return
		}
		onComplete(res)
		return
	}
}

// WorkerOptions tune a Worker
type WorkerOptions struct {
	Concurrency  int
	ResultTTL    time.Duration
	PollInterval time.Duration
}

// Worker pulls subtasks from Redis, runs them and pushes their results
type Worker struct {
	client  redis.UniversalClient
	prefix  string
	handler Handler
	opts    WorkerOptions
	logger  zerolog.Logger
}

// NewWorker creates a worker for the queue under prefix
func NewWorker(client redis.UniversalClient, prefix string, handler Handler, opts WorkerOptions, logger zerolog.Logger) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = defaultResultTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Worker{
		client:  client,
		prefix:  prefix,
		handler: handler,
		opts:    opts,
		logger:  logger.With().Str("component", "queue_worker").Logger(),
	}
}

// Run processes tasks until ctx ends, then waits for running tasks to finish
func (w *Worker) Run(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(w.opts.Concurrency))
	var wg sync.WaitGroup
	defer wg.Wait()

	w.logger.Info().Int("concurrency", w.opts.Concurrency).Str("queue", TasksKey(w.prefix)).Msg("worker started")
	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}

		task, ok, err := w.next(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("fetching task failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		if !ok {
			sem.Release(1)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			w.process(ctx, task)
		}()
	}
}

func (w *Worker) next(ctx context.Context) (agents.Subtask, bool, error) {
	vals, err := w.client.BRPop(ctx, w.opts.PollInterval, TasksKey(w.prefix)).Result()
	if errors.Is(err, redis.Nil) {
		return agents.Subtask{}, false, nil
	}
	if err != nil {
		return agents.Subtask{}, false, err
	}

	var task agents.Subtask
	if err := json.Unmarshal([]byte(vals[1]), &task); err != nil {
		w.logger.Error().Err(err).Msg("dropping undecodable task")
		return agents.Subtask{}, false, nil
	}
	return task, true, nil
}

func (w *Worker) process(ctx context.Context, task agents.Subtask) {
	logger := w.logger.With().Str("job_id", task.JobID).Str("subtask_id", task.SubtaskID).Logger()
	logger.Info().Msg("subtask started")

	res := safeRun(ctx, w.handler, task)

	payload, err := json.Marshal(res)
	if err != nil {
		logger.Error().Err(err).Msg("encode result failed")
		return
	}

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	key := ResultKey(w.prefix, task.SubtaskID)
	pipe := w.client.TxPipeline()
	pipe.RPush(pushCtx, key, payload)
	pipe.Expire(pushCtx, key, w.opts.ResultTTL)
	if _, err := pipe.Exec(pushCtx); err != nil {
		logger.Error().Err(err).Msg("push result failed")
		return
	}
	logger.Info().Str("termination", string(res.Termination)).Msg("subtask finished")
}

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"internal-perplexity/research/llm/agents"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func answerHandler(ctx context.Context, task agents.Subtask) agents.SubtaskResult {
	res := agents.ResultFor(task)
	res.Termination = agents.TerminationAnswer
	res.Prediction = "findings for " + task.SubQuestion
	return res
}

func runWorker(t *testing.T, w *Worker) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, w.Run(ctx))
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("worker did not stop")
		}
	}
}

func TestWorkerPushesResultWithTTL(t *testing.T) {
	mr, client := newRedis(t)
	ctx := context.Background()

	task := agents.Subtask{JobID: "job", SubtaskID: "job-0", Index: 0, Question: "Q", SubQuestion: "What is X?"}
	payload, err := json.Marshal(task)
	require.NoError(t, err)
	require.NoError(t, client.LPush(ctx, TasksKey("research"), payload).Err())

	w := NewWorker(client, "research", answerHandler, WorkerOptions{Concurrency: 2, ResultTTL: time.Minute}, zerolog.Nop())
	stop := runWorker(t, w)
	defer stop()

	key := ResultKey("research", "job-0")
	require.Eventually(t, func() bool { return mr.Exists(key) }, 3*time.Second, 10*time.Millisecond)

	items, err := mr.List(key)
	require.NoError(t, err)
	require.Len(t, items, 1)

	var res agents.SubtaskResult
	require.NoError(t, json.Unmarshal([]byte(items[0]), &res))
	assert.Equal(t, "findings for What is X?", res.Prediction)
	assert.Equal(t, time.Minute, mr.TTL(key))
}

func TestRedisQueueRoundTrip(t *testing.T) {
	_, client := newRedis(t)

	w := NewWorker(client, "research", answerHandler, WorkerOptions{Concurrency: 2}, zerolog.Nop())
	stop := runWorker(t, w)
	defer stop()

	q := NewRedisQueue(client, "research", zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan agents.SubtaskResult, 2)
	for i, sub := range []string{"What is X?", "What is Y?"} {
		task := agents.Subtask{JobID: "job", SubtaskID: "job-" + string(rune('0'+i)), Index: i, Question: "Compare X and Y", SubQuestion: sub}
		require.NoError(t, q.Enqueue(ctx, task, func(res agents.SubtaskResult) { results <- res }))
	}

	got := map[int]agents.SubtaskResult{}
	for len(got) < 2 {
		select {
		case res := <-results:
			got[res.Index] = res
		case <-ctx.Done():
			t.Fatal("results did not arrive")
		}
	}
	assert.Equal(t, "findings for What is X?", got[0].Prediction)
	assert.Equal(t, "findings for What is Y?", got[1].Prediction)
	assert.Equal(t, "job-1", got[1].SubtaskID)
}

func TestRedisQueueStopsWaitingWhenContextEnds(t *testing.T) {
	_, client := newRedis(t)
	q := NewRedisQueue(client, "research", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	called := make(chan struct{}, 1)
	require.NoError(t, q.Enqueue(ctx, agents.Subtask{SubtaskID: "lonely"}, func(agents.SubtaskResult) { called <- struct{}{} }))

	n, err := client.LLen(context.Background(), TasksKey("research")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cancel()
	select {
	case <-called:
		t.Fatal("onComplete must not run without a result")
	case <-time.After(1500 * time.Millisecond):
	}
}

func TestRedisQueueWaiterStopsDuringErrorBackoff(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	mr.Close()

	q := NewRedisQueue(client, "research", zerolog.Nop())
	q.poll = 10 * time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		q.await(ctx, agents.Subtask{SubtaskID: "unreachable"}, func(agents.SubtaskResult) {
			t.Error("onComplete must not run without a result")
		})
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("waiter kept sleeping after the context ended")
	}
}

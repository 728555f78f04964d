package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"internal-perplexity/research/llm/providers/shared"
	fake "internal-perplexity/research/llm/providers/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordSleeps(delays *[]time.Duration) CallerOption {
	return WithSleep(func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	})
}

func userMessages() []shared.Message {
	return []shared.Message{{Role: shared.RoleUser, Content: "hello"}}
}

func TestCallerRetriesThenSucceeds(t *testing.T) {
	provider := fake.NewFakeProvider(
		fake.Step{Err: &shared.ProviderError{Code: shared.ErrRateLimited, Message: "slow"}},
		fake.Step{Content: "   "},
		fake.Step{Content: "done"},
	)
	var delays []time.Duration
	c := NewCaller(provider, shared.CompletionOptions{Model: "m"},
		RetryConfig{Attempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second},
		recordSleeps(&delays))

	out, err := c.TryComplete(context.Background(), userMessages())
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	assert.Equal(t, 3, provider.GetCallCount())

	require.Len(t, delays, 2)
	assert.GreaterOrEqual(t, delays[0], 100*time.Millisecond)
	assert.Less(t, delays[0], 150*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 200*time.Millisecond)
	assert.Less(t, delays[1], 300*time.Millisecond)
}

func TestCallerReturnsSentinelOnExhaustion(t *testing.T) {
	provider := fake.NewFakeProvider()
	provider.SetResponder(func(*shared.CompletionRequest) (string, error) {
		return "", errors.New("connection refused")
	})
	var delays []time.Duration
	c := NewCaller(provider, shared.CompletionOptions{Model: "m"},
		RetryConfig{Attempts: 4, BaseDelay: time.Millisecond}, recordSleeps(&delays))

	out := c.Complete(context.Background(), userMessages())
	assert.Contains(t, out, ErrorSentinelPrefix)
	assert.Contains(t, out, "connection refused")
	assert.Equal(t, 4, provider.GetCallCount())
	assert.Len(t, delays, 3)
}

func TestCallerStopsOnNonRetryableError(t *testing.T) {
	provider := fake.NewFakeProvider(
		fake.Step{Err: &shared.ProviderError{Code: shared.ErrAuth, Message: "bad key"}},
		fake.Step{Content: "never"},
	)
	c := NewCaller(provider, shared.CompletionOptions{Model: "m"}, RetryConfig{Attempts: 3})

	_, err := c.TryComplete(context.Background(), userMessages())
	require.Error(t, err)
	var pe *shared.ProviderError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, shared.ErrAuth, pe.Code)
	assert.Equal(t, 1, provider.GetCallCount())
}

func TestCallerStopsOnCancelledContext(t *testing.T) {
	provider := fake.NewFakeProvider(fake.Step{Err: errors.New("flaky")})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewCaller(provider, shared.CompletionOptions{Model: "m"}, RetryConfig{Attempts: 5})
	_, err := c.TryComplete(ctx, userMessages())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, provider.GetCallCount())
}

func TestCallerBackoffCapped(t *testing.T) {
	c := NewCaller(fake.NewFakeProvider(), shared.CompletionOptions{}, RetryConfig{Attempts: 10, BaseDelay: time.Second, MaxDelay: 2 * time.Second})
	for attempt := 1; attempt < 10; attempt++ {
		assert.Less(t, c.backoff(attempt), 3*time.Second)
	}
}

func TestLimiter(t *testing.T) {
	unlimited := NewLimiter(0, 0)
	assert.Zero(t, unlimited.Rate())
	for i := 0; i < 50; i++ {
		waited, err := unlimited.Wait(context.Background())
		require.NoError(t, err)
		assert.Less(t, waited, 50*time.Millisecond)
	}

	l := NewLimiter(1, 1)
	assert.Equal(t, 1.0, l.Rate())
	_, err := l.Wait(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = l.Wait(ctx)
	assert.Error(t, err, "second request within a second must not fit the deadline")

	var nilLimiter *Limiter
	waited, err := nilLimiter.Wait(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, waited)
}

func TestLimiterPoolSharesEndpoint(t *testing.T) {
	pool := NewLimiterPool()
	a := pool.For("http://vllm:8000/v1/", 5, 1)
	assert.Same(t, a, pool.For("HTTP://vllm:8000/v1", 1, 1))
	assert.Equal(t, 5.0, a.Rate())
	assert.NotSame(t, a, pool.For("http://other:8000/v1", 5, 1))
}

package transport

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"internal-perplexity/research/llm/providers/shared"

	"github.com/rs/zerolog"
)

// ErrorSentinelPrefix marks Complete output produced after every attempt failed
const ErrorSentinelPrefix = "[llm error]"

// ErrEmptyCompletion is returned when the provider answers with no content
var ErrEmptyCompletion = errors.New("empty completion")

// RetryConfig controls attempts and backoff for Caller
type RetryConfig struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryConfig returns the retry settings used when none are configured
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		Attempts:  3,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  10 * time.Second,
	}
}

// Caller sends message histories to a provider with retry, backoff and rate limiting
type Caller struct {
	provider shared.LLMProvider
	options  shared.CompletionOptions
	retry    RetryConfig
	limiter  *Limiter
	logger   zerolog.Logger
	sleep    func(ctx context.Context, d time.Duration) error
}

// CallerOption customizes a Caller
type CallerOption func(*Caller)

// WithLimiter rate limits every attempt
func WithLimiter(l *Limiter) CallerOption {
	return func(c *Caller) { c.limiter = l }
}

// WithLogger sets the logger used for retry warnings
func WithLogger(logger zerolog.Logger) CallerOption {
	return func(c *Caller) { c.logger = logger.With().Str("component", "llm_caller").Logger() }
}

// WithSleep replaces the backoff sleep, used by tests
func WithSleep(fn func(ctx context.Context, d time.Duration) error) CallerOption {
	return func(c *Caller) { c.sleep = fn }
}

// NewCaller creates a Caller for the given provider and request options
func NewCaller(provider shared.LLMProvider, options shared.CompletionOptions, retry RetryConfig, opts ...CallerOption) *Caller {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	if retry.MaxDelay <= 0 {
		retry.MaxDelay = DefaultRetryConfig().MaxDelay
	}
	c := &Caller{
		provider: provider,
		options:  options,
		retry:    retry,
		logger:   zerolog.Nop(),
		sleep:    sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete returns the model output, or a sentinel string starting with ErrorSentinelPrefix
// once every attempt has failed.
func (c *Caller) Complete(ctx context.Context, messages []shared.Message) string {
	out, err := c.TryComplete(ctx, messages)
	if err != nil {
		return fmt.Sprintf("%s %v", ErrorSentinelPrefix, err)
	}
	return out
}

// TryComplete returns the model output or the last error after all attempts
func (c *Caller) TryComplete(ctx context.Context, messages []shared.Message) (string, error) {
	req := &shared.CompletionRequest{
		Messages: shared.CloneMessages(messages),
		Options:  c.options,
	}

	var lastErr error
	for attempt := 0; attempt < c.retry.Attempts; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt)
			c.logger.Warn().
				Err(lastErr).
				Int("attempt", attempt+1).
				Dur("delay", delay).
				Msg("retrying llm call")
			if err := c.sleep(ctx, delay); err != nil {
				return "", fmt.Errorf("llm call aborted: %w", err)
			}
		}

		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("llm call aborted: %w", err)
		}
		waited, err := c.limiter.Wait(ctx)
		if err != nil {
			return "", fmt.Errorf("rate limiter: %w", err)
		}
		if waited > time.Millisecond {
			c.logger.Debug().Dur("waited", waited).Msg("rate limited llm call")
		}

		resp, err := c.provider.Complete(ctx, req)
		if err == nil && strings.TrimSpace(resp.Content) == "" {
			err = ErrEmptyCompletion
		}
		if err == nil {
			return resp.Content, nil
		}

		lastErr = err
		if !shouldRetry(ctx, err) {
			break
		}
	}

	return "", fmt.Errorf("llm call failed after %d attempt(s): %w", c.retry.Attempts, lastErr)
}

// backoff returns base*2^(attempt-1) capped at MaxDelay, plus up to 50% jitter
func (c *Caller) backoff(attempt int) time.Duration {
	delay := c.retry.BaseDelay << (attempt - 1)
	if delay <= 0 || delay > c.retry.MaxDelay {
		delay = c.retry.MaxDelay
	}
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(rand.Int63n(half))
	}
	return delay
}

func shouldRetry(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *shared.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable()
	}
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

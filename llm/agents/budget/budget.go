// Package budget tracks the time and context limits of a reasoning run.
package budget

import (
	"time"

	"internal-perplexity/research/llm/providers/shared"
)

// Status is the result of a budget check
type Status int

const (
	OK Status = iota
	TimeExceeded
	ContextExceeded
)

func (s Status) String() string {
	switch s {
	case TimeExceeded:
		return "time_exceeded"
	case ContextExceeded:
		return "context_exceeded"
	default:
		return "ok"
	}
}

// charsPerToken is the approximation used for token estimates
const charsPerToken = 4

// Limits bound a run. Zero values mean unlimited.
type Limits struct {
	MaxRounds        int
	MaxTime          time.Duration
	MaxContextTokens int
}

// Budget measures a run against its limits
type Budget struct {
	limits Limits
	start  time.Time
	now    func() time.Time
}

// New starts a budget clock
func New(limits Limits) *Budget {
	return NewWithClock(limits, time.Now)
}

// NewWithClock starts a budget using the given clock
func NewWithClock(limits Limits, now func() time.Time) *Budget {
	return &Budget{limits: limits, start: now(), now: now}
}

// Elapsed returns the time since the budget started
func (b *Budget) Elapsed() time.Duration { return b.now().Sub(b.start) }

// EstimateTokens approximates the token count of messages as total characters / 4
func EstimateTokens(messages []shared.Message) int {
	chars := 0
	for _, msg := range messages {
		chars += len(msg.Content)
	}
	return chars / charsPerToken
}

// Check reports which limit, if any, the run has crossed. Context is checked first.
func (b *Budget) Check(messages []shared.Message) Status {
	if b.limits.MaxContextTokens > 0 && EstimateTokens(messages) > b.limits.MaxContextTokens {
		return ContextExceeded
	}
	if b.limits.MaxTime > 0 && b.Elapsed() > b.limits.MaxTime {
		return TimeExceeded
	}
	return OK
}

// Exceeded reports whether any limit is crossed
func (b *Budget) Exceeded(messages []shared.Message) bool {
	return b.Check(messages) != OK
}

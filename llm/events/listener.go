package events

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrListenTimeout is returned when no terminal event arrives in time
	ErrListenTimeout = errors.New("timed out waiting for job to finish")
	// ErrSubscriptionClosed is returned when the feed ends before a terminal event
	ErrSubscriptionClosed = errors.New("subscription closed before job finished")
)

// Listen subscribes to a job and calls fn for each event in arrival order. It
// returns the terminal complete or error event. A non-positive timeout waits
// until ctx ends.
func Listen(ctx context.Context, b Broadcaster, jobID string, timeout time.Duration, fn func(Event)) (Event, error) {
	sub, err := b.Subscribe(ctx, jobID)
	if err != nil {
		return Event{}, err
	}
	defer sub.Close()
	return Drain(ctx, sub, timeout, fn)
}

// Drain consumes an existing subscription until a terminal event, timeout or ctx end
func Drain(ctx context.Context, sub Subscription, timeout time.Duration, fn func(Event)) (Event, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-deadline:
			return Event{}, ErrListenTimeout
		case ev, ok := <-sub.Events():
			if !ok {
				if err := ctx.Err(); err != nil {
					return Event{}, err
				}
				return Event{}, ErrSubscriptionClosed
			}
			if fn != nil {
				fn(ev)
			}
			if ev.Terminal() {
				return ev, nil
			}
		}
	}
}

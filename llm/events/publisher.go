package events

import (
	"context"
	"sync"
)

// Publisher delivers events to some destination
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher
type PublisherFunc func(ctx context.Context, ev Event) error

// Publish calls f
func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Discard drops every event
var Discard Publisher = PublisherFunc(func(context.Context, Event) error { return nil })

// WithFields returns a publisher that merges fixed fields into every event
func WithFields(p Publisher, fields map[string]any) Publisher {
	fixed := copyFields(fields)
	return PublisherFunc(func(ctx context.Context, ev Event) error {
		return p.Publish(ctx, ev.With(fixed))
	})
}

// Subscription is a live feed of one job's events
type Subscription interface {
	Events() <-chan Event
	Close() error
}

// Broadcaster fans job events out to any number of subscribers
type Broadcaster interface {
	Channel(jobID string) Publisher
	Subscribe(ctx context.Context, jobID string) (Subscription, error)
}

// ChannelName returns the broadcast channel name of a job
func ChannelName(prefix, jobID string) string {
	return prefix + ":events:" + jobID
}

// Buffer stores published events in memory in arrival order
type Buffer struct {
	mu     sync.RWMutex
	events []Event
}

// NewBuffer creates an empty buffer
func NewBuffer() *Buffer {
	return &Buffer{events: make([]Event, 0)}
}

// Publish appends the event
func (b *Buffer) Publish(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev.With(nil))
	return nil
}

// Events returns a snapshot of every buffered event
func (b *Buffer) Events() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.events))
	copy(out, b.events)
	return out
}

// Drain returns buffered events and clears the buffer
func (b *Buffer) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.events
	b.events = make([]Event, 0)
	return out
}

// Types returns the type of every buffered event in order
func (b *Buffer) Types() []Type {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Type, len(b.events))
	for i, ev := range b.events {
		out[i] = ev.Type
	}
	return out
}

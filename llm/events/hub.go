package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

const defaultSubscriberBuffer = 256

// Hub broadcasts events to subscribers in the same process. Delivery is
// best-effort: a subscriber whose buffer is full misses progress events, but
// complete and error events displace older ones instead of being dropped.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[*hubSubscription]struct{}
	buffer int
	logger zerolog.Logger
}

var _ Broadcaster = (*Hub)(nil)

// NewHub creates a hub with the given per-subscriber buffer size
func NewHub(buffer int, logger zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{
		subs:   make(map[string]map[*hubSubscription]struct{}),
		buffer: buffer,
		logger: logger.With().Str("component", "event_hub").Logger(),
	}
}

// Channel returns the publisher for a job
func (h *Hub) Channel(jobID string) Publisher {
	return PublisherFunc(func(ctx context.Context, ev Event) error {
		return h.publish(ctx, jobID, ev)
	})
}

func (h *Hub) publish(ctx context.Context, jobID string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[jobID] {
		if !sub.offer(ev) {
			h.logger.Warn().
				Str("job_id", jobID).
				Str("event", string(ev.Type)).
				Msg("subscriber buffer full, dropping event")
		}
	}
	return nil
}

// Subscribe registers a subscriber for a job. The subscription closes when
// ctx ends or Close is called.
func (h *Hub) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &hubSubscription{
		hub:   h,
		jobID: jobID,
		ch:    make(chan Event, h.buffer),
	}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*hubSubscription]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	h.mu.Unlock()

	sub.stop = context.AfterFunc(ctx, func() { _ = sub.Close() })
	return sub, nil
}

// Subscribers returns the number of live subscribers of a job
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

type hubSubscription struct {
	hub   *Hub
	jobID string
	ch    chan Event
	once  sync.Once
	stop  func() bool
}

func (s *hubSubscription) Events() <-chan Event { return s.ch }

// offer queues ev without blocking. A terminal event evicts the oldest
// buffered events until it fits, so a slow subscriber still sees the end of
// the job. Called with the hub's read lock held, which keeps ch open.
func (s *hubSubscription) offer(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	default:
	}
	if !ev.Terminal() {
		return false
	}
	for i := 0; i <= cap(s.ch); i++ {
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- ev:
			return true
		default:
		}
	}
	return false
}

func (s *hubSubscription) Close() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		h := s.hub
		h.mu.Lock()
		delete(h.subs[s.jobID], s)
		if len(h.subs[s.jobID]) == 0 {
			delete(h.subs, s.jobID)
		}
		close(s.ch)
		h.mu.Unlock()
	})
	return nil
}

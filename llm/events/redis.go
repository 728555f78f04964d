package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Redis broadcasts events over Redis pub/sub so publishers and subscribers
// may live in different processes. There is no acknowledgement or replay.
type Redis struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger
}

var _ Broadcaster = (*Redis)(nil)

// NewRedis creates a Redis-backed broadcaster using channels under prefix
func NewRedis(client redis.UniversalClient, prefix string, logger zerolog.Logger) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "event_redis").Logger(),
	}
}

// Channel returns the publisher for a job
func (r *Redis) Channel(jobID string) Publisher {
	channel := ChannelName(r.prefix, jobID)
	return PublisherFunc(func(ctx context.Context, ev Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
			return fmt.Errorf("publish %s: %w", channel, err)
		}
		return nil
	})
}

// Subscribe subscribes to a job channel. It returns after Redis confirms the
// subscription, so events published afterwards are observed.
func (r *Redis) Subscribe(ctx context.Context, jobID string) (Subscription, error) {
	channel := ChannelName(r.prefix, jobID)
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	sub := &redisSubscription{
		ps:   ps,
		out:  make(chan Event, defaultSubscriberBuffer),
		done: make(chan struct{}),
	}
	sub.stop = context.AfterFunc(ctx, func() { _ = sub.Close() })
	go sub.pump(ps.Channel(), r.logger.With().Str("channel", channel).Logger())
	return sub, nil
}

type redisSubscription struct {
	ps   *redis.PubSub
	out  chan Event
	done chan struct{}
	once sync.Once
	stop func() bool
	err  error
}

func (s *redisSubscription) pump(in <-chan *redis.Message, logger zerolog.Logger) {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				logger.Warn().Err(err).Msg("dropping undecodable event")
				continue
			}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Event { return s.out }

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		close(s.done)
		s.err = s.ps.Close()
	})
	return s.err
}

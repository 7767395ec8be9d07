package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"campusadmin.org/internal/ids"
)

const DefaultChannel = "authcore:permcache:invalidate"

// Invalidation is the message exchanged between instances.
type Invalidation struct {
	Origin  string   `json:"origin"`
	UserIDs []string `json:"user_ids,omitempty"`
	All     bool     `json:"all,omitempty"`
}

// Broadcaster fans local invalidations out to other instances over Redis
// pub/sub. It is best effort: the local cache is always invalidated first and
// never depends on delivery.
type Broadcaster struct {
	client  *redis.Client
	channel string
	origin  string
	log     *zap.Logger
}

// NewBroadcaster returns a broadcaster publishing on channel.
func NewBroadcaster(client *redis.Client, channel string, log *zap.Logger) (*Broadcaster, error) {
	if client == nil {
		return nil, errors.New("permcache: redis client is required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Broadcaster{client: client, channel: channel, origin: ids.New(), log: log}, nil
}

// Origin identifies this instance in published messages.
func (b *Broadcaster) Origin() string { return b.origin }

// Publish announces an invalidation.
func (b *Broadcaster) Publish(ctx context.Context, msg Invalidation) error {
	msg.Origin = b.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("permcache: encode invalidation: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("permcache: publish invalidation: %w", err)
	}
	return nil
}

// Subscription receives invalidations from other instances.
type Subscription struct {
	sub    *redis.PubSub
	origin string
	log    *zap.Logger
}

// Subscribe opens a confirmed subscription; messages published after it
// returns are delivered to Run.
func (b *Broadcaster) Subscribe(ctx context.Context) (*Subscription, error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("permcache: subscribe: %w", err)
	}
	return &Subscription{sub: sub, origin: b.origin, log: b.log}, nil
}

// Run applies invalidations published by other instances until ctx is done
// or the subscription is closed.
func (s *Subscription) Run(ctx context.Context, apply func(Invalidation)) {
	ch := s.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			var msg Invalidation
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				s.log.Warn("discarding malformed invalidation", zap.Error(err))
				continue
			}
			if msg.Origin == s.origin {
				continue
			}
			apply(msg)
		}
	}
}

// Close ends the subscription.
func (s *Subscription) Close() error {
	return s.sub.Close()
}

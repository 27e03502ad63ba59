package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"pmwflow/internal/logging"
)

const publishTimeout = 2 * time.Second

// RedisBus publishes envelopes to a Redis pub/sub channel. Publish only
// enqueues; a single goroutine drains the buffer, and envelopes are dropped
// when the buffer is full.
type RedisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger

	mu      sync.RWMutex
	closed  bool
	pending chan []byte
	done    chan struct{}
	dropped atomic.Uint64
}

// NewRedisBus starts the publish loop. Close stops it after draining.
func NewRedisBus(client redis.UniversalClient, channel string, buffer int, logger *slog.Logger) *RedisBus {
	if logger == nil {
		logger = logging.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	bus := &RedisBus{
		client:  client,
		channel: channel,
		logger:  logging.NewComponentLogger(logger, "event-bus"),
		pending: make(chan []byte, buffer),
		done:    make(chan struct{}),
	}
	go bus.loop()
	return bus
}

// Publish implements Publisher.
func (b *RedisBus) Publish(ctx context.Context, env Envelope) {
	if b == nil {
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		logging.WarnWithContext(logging.WithContext(ctx, b.logger), "event not serializable", "event_publish_failed",
			append(logging.ErrorAttrs(err),
				logging.String("event", env.Type),
				logging.String(logging.FieldImpact, "observers miss this event"),
			)...,
		)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.pending <- data:
	default:
		b.dropped.Add(1)
		logging.WarnWithContext(logging.WithContext(ctx, b.logger), "event buffer full, dropping event", "event_dropped",
			logging.String("event", env.Type),
			logging.RunID(env.RunID),
			logging.String(logging.FieldErrorHint, "check redis latency or raise redis.publish_buffer"),
			logging.String(logging.FieldImpact, "observers miss this event"),
		)
	}
}

// Dropped reports how many envelopes were discarded on a full buffer.
func (b *RedisBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting envelopes and waits for buffered ones to be sent.
func (b *RedisBus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.pending)
	b.mu.Unlock()
	<-b.done
}

func (b *RedisBus) loop() {
	defer close(b.done)
	for data := range b.pending {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := b.client.Publish(ctx, b.channel, data).Err()
		cancel()
		if err != nil {
			logging.WarnWithContext(b.logger, "event publish failed", "event_publish_failed",
				append(logging.ErrorAttrs(err),
					logging.String("channel", b.channel),
					logging.String(logging.FieldErrorHint, "check redis connectivity"),
					logging.String(logging.FieldImpact, "observers miss this event"),
				)...,
			)
		}
	}
}

// Subscribe delivers envelopes from channel to handle until ctx ends.
// Malformed messages are logged and skipped.
func Subscribe(ctx context.Context, client redis.UniversalClient, channel string, logger *slog.Logger, handle func(Envelope)) error {
	if logger == nil {
		logger = logging.NewNop()
	}
	logger = logging.NewComponentLogger(logger, "event-subscriber")
	sub := client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("event subscription closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				logger.Debug("skipping malformed event", logging.Error(err))
				continue
			}
			handle(env)
		}
	}
}

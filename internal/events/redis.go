package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/raphaelgruber/atomgraph/internal/metrics"
)

const (
	defaultRedisBuffer  = 256
	redisPublishTimeout = 5 * time.Second
)

// RedisBroadcaster publishes events to a Redis pub/sub channel from a
// background goroutine. Events are dropped when the buffer is full.
type RedisBroadcaster struct {
	rdb     *goredis.Client
	channel string
	logger  *slog.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr string) (*goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

// NewRedisBroadcaster starts a broadcaster on channel. Close flushes it.
func NewRedisBroadcaster(rdb *goredis.Client, channel string, logger *slog.Logger, collector *metrics.Collector) *RedisBroadcaster {
	b := &RedisBroadcaster{
		rdb:     rdb,
		channel: channel,
		logger:  logger.With("component", "events.redis"),
		metrics: collector,
		queue:   make(chan Event, defaultRedisBuffer),
		done:    make(chan struct{}),
	}
	go b.loop()
	return b
}

// Publish implements Broadcaster.
func (b *RedisBroadcaster) Publish(_ context.Context, topic string, payload any) {
	ev, err := NewEvent(topic, payload)
	if err != nil {
		b.logger.Warn("dropping unencodable event", "topic", topic, "error", err)
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.metrics.Inc(metrics.CounterEventsDropped)
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.metrics.Inc(metrics.CounterEventsDropped)
		b.logger.Warn("event buffer full, dropping", "topic", topic)
	}
}

func (b *RedisBroadcaster) loop() {
	defer close(b.done)
	for ev := range b.queue {
		raw, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), redisPublishTimeout)
		err = b.rdb.Publish(ctx, b.channel, raw).Err()
		cancel()
		if err != nil {
			b.metrics.Inc(metrics.CounterEventsDropped)
			b.logger.Warn("redis publish failed", "topic", ev.Topic, "error", err)
		}
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (b *RedisBroadcaster) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
}

// Subscribe forwards events published on channel to onEvent until ctx is
// done. It returns once the subscription is confirmed.
func Subscribe(ctx context.Context, rdb *goredis.Client, channel string, logger *slog.Logger, onEvent func(Event)) error {
	sub := rdb.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}
				var ev Event
				if err := json.Unmarshal([]byte(m.Payload), &ev); err != nil {
					logger.Warn("bad redis event payload", "error", err)
					continue
				}
				onEvent(ev)
			}
		}
	}()
	return nil
}

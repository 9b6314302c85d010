package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/creditx/platform-core/internal/domain/event"
)

// Streams is the subset of redis stream commands the bus uses.
// Satisfied by *redis.Client.
type Streams interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XAutoClaim(ctx context.Context, a *redis.XAutoClaimArgs) *redis.XAutoClaimCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Handler consumes one event. A non-nil error leaves the entry unacknowledged
// for redelivery or stale claim; handlers are expected to be idempotent.
type Handler func(ctx context.Context, e *event.Event) error

// Config holds bus settings.
type Config struct {
	Addr        string
	ServiceName string
	PoolSize    int
	DialTimeout time.Duration
}

// Bus is a durable multi-consumer publish/subscribe layer over a stream log.
// Delivery is at-least-once, ordered within a stream.
type Bus struct {
	cfg    Config
	rdb    Streams
	logger zerolog.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an unconnected bus.
func New(cfg Config, logger zerolog.Logger) *Bus {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 20
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	return &Bus{
		cfg:    cfg,
		logger: logger.With().Str("service", "eventbus").Logger(),
	}
}

// Connect establishes the connection pool and verifies reachability.
func (b *Bus) Connect(ctx context.Context) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:        b.cfg.Addr,
		PoolSize:    b.cfg.PoolSize,
		DialTimeout: b.cfg.DialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("eventbus connect: %w", err)
	}
	b.rdb = rdb
	b.logger.Info().Str("addr", b.cfg.Addr).Msg("connected to event log")
	return nil
}

// Close cancels all subscriptions, waits for their loops to exit, and
// releases the connection pool. Unacknowledged entries stay pending.
func (b *Bus) Close() error {
	b.mu.Lock()
	for _, cancel := range b.cancels {
		cancel()
	}
	b.cancels = nil
	b.mu.Unlock()
	b.wg.Wait()

	if closer, ok := b.rdb.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Publish appends the event to a stream trimmed to approximately maxLen
// entries and returns the assigned entry id.
func (b *Bus) Publish(ctx context.Context, stream string, e *event.Event, maxLen int64) (string, error) {
	if e.SourceService == "" {
		e.SourceService = b.cfg.ServiceName
	}
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: e.StreamValues(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", stream, err)
	}
	b.logger.Debug().
		Str("stream", stream).
		Str("event_type", string(e.EventType)).
		Str("event_id", e.EventID).
		Str("entry_id", id).
		Msg("published event")
	return id, nil
}

// Subscribe ensures the consumer group exists and starts a long-lived read
// loop for (stream, group, consumer). Entries are acknowledged only after the
// handler returns nil; handler failures are logged and the entry left pending.
// The loop stops promptly when ctx or the bus is closed.
func (b *Bus) Subscribe(ctx context.Context, stream string, handler Handler, group, consumer string, batchSize int64, block time.Duration) error {
	if err := b.ensureGroup(ctx, stream, group); err != nil {
		return err
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if block <= 0 {
		block = 5 * time.Second
	}

	subCtx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancels = append(b.cancels, cancel)
	b.mu.Unlock()

	b.wg.Add(1)
	go b.consume(subCtx, stream, handler, group, consumer, batchSize, block)

	b.logger.Info().
		Str("stream", stream).
		Str("group", group).
		Str("consumer", consumer).
		Msg("subscribed")
	return nil
}

func (b *Bus) ensureGroup(ctx context.Context, stream, group string) error {
	err := b.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (b *Bus) consume(ctx context.Context, stream string, handler Handler, group, consumer string, batchSize int64, block time.Duration) {
	defer b.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := b.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    batchSize,
			Block:    block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			b.logger.Error().Err(err).Str("stream", stream).Str("group", group).Msg("consumer read failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				e := event.FromStreamValues(msg.Values)
				if err := handler(ctx, e); err != nil {
					b.logger.Error().Err(err).
						Str("stream", stream).
						Str("group", group).
						Str("entry_id", msg.ID).
						Str("event_type", string(e.EventType)).
						Msg("handler failed; entry left pending")
					continue
				}
				if err := b.rdb.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
					b.logger.Warn().Err(err).Str("entry_id", msg.ID).Msg("ack failed")
				}
			}
		}
	}
}

// Pending lists entries delivered to the group but not yet acknowledged.
func (b *Bus) Pending(ctx context.Context, stream, group string, count int64) ([]event.PendingEntry, error) {
	if count <= 0 {
		count = 100
	}
	pending, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("pending on %s/%s: %w", stream, group, err)
	}
	entries := make([]event.PendingEntry, 0, len(pending))
	for _, p := range pending {
		entries = append(entries, event.PendingEntry{
			MessageID:     p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return entries, nil
}

// ClaimStale reassigns entries idle longer than minIdle to consumer,
// recovering work from crashed consumers.
func (b *Bus) ClaimStale(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]*event.Event, error) {
	if count <= 0 {
		count = 10
	}
	msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim stale on %s/%s: %w", stream, group, err)
	}
	events := make([]*event.Event, 0, len(msgs))
	for _, msg := range msgs {
		if len(msg.Values) == 0 {
			continue
		}
		events = append(events, event.FromStreamValues(msg.Values))
	}
	return events, nil
}

// Replay re-reads historical entries without moving consumer-group cursors.
func (b *Bus) Replay(ctx context.Context, stream, startID, endID string, count int64) ([]*event.Event, error) {
	if startID == "" {
		startID = "-"
	}
	if endID == "" {
		endID = "+"
	}
	if count <= 0 {
		count = 100
	}
	msgs, err := b.rdb.XRangeN(ctx, stream, startID, endID, count).Result()
	if err != nil {
		return nil, fmt.Errorf("replay %s: %w", stream, err)
	}
	events := make([]*event.Event, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, event.FromStreamValues(msg.Values))
	}
	return events, nil
}

// HealthCheck reports log reachability.
func (b *Bus) HealthCheck(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

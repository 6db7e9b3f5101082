package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBus publishes domain events onto a single Redis stream and consumes
// them through consumer groups. XADD preserves publish order; unacked entries
// are redelivered when a consumer restarts, so delivery is at-least-once.
type RedisBus struct {
	client   *redis.Client
	stream   string
	consumer string
	logger   *slog.Logger
}

func NewRedisBus(addr, stream, consumer string, logger *slog.Logger) *RedisBus {
	client := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisBus{
		client:   client,
		stream:   stream,
		consumer: consumer,
		logger:   logger,
	}
}

func (b *RedisBus) Publish(ctx context.Context, ev DomainEvent) error {
	body, err := Encode(ev)
	if err != nil {
		return err
	}
	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]any{"event": string(body)},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", b.stream, err)
	}
	return nil
}

// pendingRescanEvery bounds how long an unacked entry can sit in this
// consumer's pending list before it is replayed.
const pendingRescanEvery = time.Minute

// Subscribe joins (creating if needed) the consumer group and processes
// entries until ctx is canceled. Entries are acked only after the handler
// returns nil. Pending entries for this consumer are replayed at startup and
// re-scanned periodically, so an entry whose handler failed does not wait for
// a process restart.
func (b *RedisBus) Subscribe(ctx context.Context, group string, h Handler) error {
	err := b.client.XGroupCreateMkStream(ctx, b.stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", group, err)
	}

	cursor := "0"
	lastRescan := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: b.consumer,
			Streams:  []string{b.stream, cursor},
			Count:    16,
			Block:    5 * time.Second,
		}).Result()
		if errors.Is(err, redis.Nil) {
			cursor, lastRescan = nextCursor(cursor, 0, lastRescan, time.Now())
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Warn("xreadgroup failed, retrying", "group", group, "error", err)
			time.Sleep(time.Second)
			continue
		}

		delivered := 0
		for _, s := range streams {
			for _, msg := range s.Messages {
				delivered++
				b.handle(ctx, group, msg, h)
			}
		}
		cursor, lastRescan = nextCursor(cursor, delivered, lastRescan, time.Now())
	}
}

// nextCursor moves the consumer between its two read positions: "0" replays
// this consumer's pending entries until a pass delivers nothing, ">" tails
// new entries until the rescan interval elapses.
func nextCursor(cursor string, delivered int, lastRescan, now time.Time) (string, time.Time) {
	if cursor == "0" {
		if delivered == 0 {
			return ">", now
		}
		return "0", lastRescan
	}
	if now.Sub(lastRescan) >= pendingRescanEvery {
		return "0", lastRescan
	}
	return ">", lastRescan
}

func (b *RedisBus) handle(ctx context.Context, group string, msg redis.XMessage, h Handler) {
	raw, ok := msg.Values["event"].(string)
	if !ok {
		b.logger.Error("malformed stream entry, acking to skip", "group", group, "id", msg.ID)
		b.ack(ctx, group, msg.ID)
		return
	}
	var ev DomainEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		b.logger.Error("undecodable stream entry, acking to skip",
			"group", group, "id", msg.ID, "error", err)
		b.ack(ctx, group, msg.ID)
		return
	}
	if err := h(ctx, ev); err != nil {
		// Left unacked; redelivered on the next pending pass.
		b.logger.Warn("event handler failed, leaving unacked",
			"group", group, "event_type", ev.EventType, "event_id", ev.EventID, "error", err)
		return
	}
	b.ack(ctx, group, msg.ID)
}

func (b *RedisBus) ack(ctx context.Context, group, id string) {
	if err := b.client.XAck(ctx, b.stream, group, id).Err(); err != nil {
		b.logger.Warn("xack failed", "group", group, "id", id, "error", err)
	}
}

func (b *RedisBus) Close() error {
	return b.client.Close()
}

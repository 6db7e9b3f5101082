package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryBus is an in-process bus. Events are delivered to every group in
// publish order, synchronously when no subscriber loop is running (tests)
// and via a buffered channel otherwise.
type MemoryBus struct {
	mu     sync.Mutex
	groups map[string]chan DomainEvent
	closed bool
	logger *slog.Logger
}

func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	return &MemoryBus{
		groups: make(map[string]chan DomainEvent),
		logger: logger,
	}
}

func (b *MemoryBus) channel(group string) chan DomainEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.groups[group]
	if !ok {
		ch = make(chan DomainEvent, 1024)
		b.groups[group] = ch
	}
	return ch
}

// Publish fans the event out to every registered group. Groups that have not
// been registered yet do not see the event; call Register before publishing.
func (b *MemoryBus) Publish(ctx context.Context, ev DomainEvent) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	channels := make([]chan DomainEvent, 0, len(b.groups))
	for _, ch := range b.groups {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	for _, ch := range channels {
		select {
		case ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Register creates a group's buffer without starting a consumer, so events
// published before the consumer loop starts are retained.
func (b *MemoryBus) Register(group string) {
	b.channel(group)
}

// retryDelay paces redelivery so a persistently failing event cannot spin the
// subscriber loop.
const retryDelay = 100 * time.Millisecond

// Subscribe consumes the group's buffer until ctx is canceled. A handler
// error requeues the event at the back of the buffer, so delivery is
// at-least-once while the process lives; an event is lost only when the
// buffer is full or the process exits with it queued. Cross-process
// durability is RedisBus's job.
func (b *MemoryBus) Subscribe(ctx context.Context, group string, h Handler) error {
	ch := b.channel(group)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if err := h(ctx, ev); err != nil {
				b.logger.Warn("event handler failed, requeueing",
					"group", group, "event_type", ev.EventType, "event_id", ev.EventID, "error", err)
				select {
				case ch <- ev:
				default:
					b.logger.Error("group buffer full, dropping event",
						"group", group, "event_type", ev.EventType, "event_id", ev.EventID)
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(retryDelay):
				}
			}
		}
	}
}

// Drain synchronously delivers every buffered event for group to h. Test
// helper for driving workers without a subscriber goroutine.
func (b *MemoryBus) Drain(ctx context.Context, group string, h Handler) error {
	ch := b.channel(group)
	for {
		select {
		case ev := <-ch:
			if err := h(ctx, ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, ch := range b.groups {
		close(ch)
	}
	return nil
}

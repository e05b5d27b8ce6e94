package events

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Subscription receives events on C until Unsubscribe.
type Subscription struct {
	ID    uuid.UUID
	C     <-chan Event
	ch    chan Event
	types map[Type]bool
}

func (s *Subscription) wants(t Type) bool {
	return len(s.types) == 0 || s.types[t]
}

// Bus fans events out to subscribers. Slow subscribers lose events rather
// than stall a worker.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*Subscription
	logger      *zap.Logger
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		subscribers: make(map[uuid.UUID]*Subscription),
		logger:      logger,
	}
}

// Subscribe registers a subscriber with the given buffer. With no types
// every event is delivered.
func (b *Bus) Subscribe(buffer int, types ...Type) *Subscription {
	ch := make(chan Event, buffer)
	sub := &Subscription{
		ID:    uuid.New(),
		C:     ch,
		ch:    ch,
		types: make(map[Type]bool, len(types)),
	}
	for _, t := range types {
		sub.types[t] = true
	}

	b.mu.Lock()
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	return sub
}

func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub.ID]; ok {
		delete(b.subscribers, sub.ID)
		close(sub.ch)
	}
}

// Publish delivers ev to every interested subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.logger.Warn("Subscriber buffer full, event dropped",
				zap.String("subscriber", sub.ID.String()),
				zap.String("type", string(ev.Type)))
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}

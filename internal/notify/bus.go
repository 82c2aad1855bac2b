package notify

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lfrfrfr/beon-ipshield/pkg/logger"
)

// SubscriberID identifies a bus subscription
type SubscriberID string

type subscriber struct {
	id SubscriberID
	ch chan Event
}

// Bus delivers events to in-process subscribers without blocking the publisher
type Bus struct {
	mu          sync.RWMutex
	subscribers map[SubscriberID]*subscriber
	buffer      int
}

// NewBus creates a bus whose subscriber channels hold buffer events
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 50
	}
	return &Bus{
		subscribers: make(map[SubscriberID]*subscriber),
		buffer:      buffer,
	}
}

// Subscribe registers a new subscriber
func (b *Bus) Subscribe() (SubscriberID, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := SubscriberID(uuid.Must(uuid.NewV7()).String())
	s := &subscriber{id: id, ch: make(chan Event, b.buffer)}
	b.subscribers[id] = s

	logger.Debug("Notification subscriber added",
		zap.String("subscriber_id", string(id)),
		zap.Int("total_subscribers", len(b.subscribers)))

	return id, s.ch
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(id SubscriberID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subscribers[id]
	if !ok {
		return false
	}
	delete(b.subscribers, id)
	close(s.ch)
	return true
}

// Publish delivers ev to every subscriber with room in its buffer.
// Full subscribers miss the event.
func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, s := range b.subscribers {
		select {
		case s.ch <- ev:
		default:
			logger.Warn("Notification subscriber channel full",
				zap.String("subscriber_id", string(id)),
				zap.String("ip", ev.IP))
		}
	}
	return nil
}

// Subscribers returns the number of active subscriptions
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// ABOUTME: In-memory topic fan-out broadcaster shared by the session manager and audio controller
// ABOUTME: One channel per subscriber covers any set of topics so per-subscriber order is preserved

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

const (
	// SubscriberBufferSize is the channel buffer for each subscriber.
	SubscriberBufferSize = 64
)

type subscription[E any] struct {
	ch     chan E
	topics []string // empty means every topic
}

func (s *subscription[E]) wants(topic string) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, t := range s.topics {
		if t == topic {
			return true
		}
	}
	return false
}

// Broadcaster provides in-memory pub/sub keyed by topic name. A subscriber
// registers for one or more topics and receives matching events on a single
// channel in publish order.
type Broadcaster[E any] struct {
	mu     sync.RWMutex
	subs   map[string]*subscription[E] // subID -> subscription
	closed bool
	logger *slog.Logger
}

// New creates a broadcaster. Pass nil logger for default.
func New[E any](logger *slog.Logger) *Broadcaster[E] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster[E]{
		subs:   make(map[string]*subscription[E]),
		logger: logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for the given topics (all topics when
// none are given). Returns a channel that receives events and a subscription
// ID for later unsubscription. The subscription is automatically cleaned up
// when ctx is cancelled.
func (b *Broadcaster[E]) Subscribe(ctx context.Context, topics ...string) (<-chan E, string) {
	subID := uuid.New().String()
	ch := make(chan E, SubscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subs[subID] = &subscription[E]{ch: ch, topics: append([]string(nil), topics...)}
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "topics", topics)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to every subscriber of topic.
// Non-blocking: events are dropped for subscribers whose channels are full.
func (b *Broadcaster[E]) Publish(topic string, event E) {
	// Sends happen under the read lock so Unsubscribe cannot close a channel
	// mid-send; every send is non-blocking.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber", "topic", topic, "sub_id", id)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster[E]) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[subID]
	if !ok {
		return
	}
	delete(b.subs, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Len returns the number of live subscriptions.
func (b *Broadcaster[E]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster[E]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, subID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}

// ABOUTME: In-memory fan-out broadcaster for agent status transitions.
// ABOUTME: Bounded non-blocking delivery to subscribers; the audit recorder is called synchronously.

package status

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"mcp-broker/internal/registry"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Recorder receives every status event synchronously before subscriber
// fan-out. The collaboration log attaches here so it never misses an event.
type Recorder interface {
	OnStatusChange(ev registry.StatusEvent)
}

// Broadcaster publishes agent status transitions to subscribed listeners.
// Delivery to subscribers is best-effort: a slow or disconnected subscriber
// never stalls the publisher, and dropped deliveries are not retried.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan registry.StatusEvent // subID -> ch
	recorders   []Recorder
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan registry.StatusEvent),
		logger:      logger.With("component", "broadcaster"),
	}
}

// AttachRecorder adds a synchronous recorder. Wiring-time only, not safe to
// call concurrently with Publish.
func (b *Broadcaster) AttachRecorder(r Recorder) {
	b.recorders = append(b.recorders, r)
}

// Subscribe registers a listener for status events. Returns the event
// channel and a subscription ID. The subscription is cleaned up when ctx is
// cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan registry.StatusEvent, string) {
	subID := uuid.New().String()
	ch := make(chan registry.StatusEvent, subscriberBufferSize)

	b.mu.Lock()
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish delivers a status event to the recorders and then to every current
// subscriber. Sends happen under the read lock: they are non-blocking, so the
// critical section stays bounded, and Unsubscribe cannot close a channel
// between the snapshot and the send.
func (b *Broadcaster) Publish(ev registry.StatusEvent) {
	for _, r := range b.recorders {
		r.OnStatusChange(ev)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- ev:
		default:
			// Subscriber channel full — drop the event for this subscriber.
			b.logger.Debug("dropped status event for slow subscriber",
				"agent", ev.Agent,
				"new_status", ev.NewStatus,
			)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}

	b.logger.Debug("broadcaster closed")
}

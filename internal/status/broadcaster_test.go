// ABOUTME: Tests for the status broadcaster fan-out behavior.
// ABOUTME: Validates drop-on-full delivery, synchronous recorders, and cleanup.

package status

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcp-broker/internal/registry"
)

func testEvent(agent string) registry.StatusEvent {
	return registry.StatusEvent{
		Agent:     agent,
		Group:     "coder",
		OldStatus: registry.StatusOnline,
		NewStatus: registry.StatusOffline,
		Timestamp: time.Now(),
	}
}

func TestBroadcaster_SubscriberReceivesEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()
	events, _ := b.Subscribe(ctx)

	b.Publish(testEvent("coder-1"))

	select {
	case ev := <-events:
		assert.Equal(t, "coder-1", ev.Agent)
		assert.Equal(t, registry.StatusOffline, ev.NewStatus)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBroadcaster_MultipleSubscribersReceiveSameEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx := context.Background()
	ch1, _ := b.Subscribe(ctx)
	ch2, _ := b.Subscribe(ctx)

	b.Publish(testEvent("coder-1"))

	for _, ch := range []<-chan registry.StatusEvent{ch1, ch2} {
		select {
		case ev := <-ch:
			assert.Equal(t, "coder-1", ev.Agent)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestBroadcaster_SlowConsumerDoesNotBlockPublisher(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	// Never drained: its buffer fills and further sends are dropped.
	_, _ = b.Subscribe(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBufferSize*3; i++ {
			b.Publish(testEvent("coder-1"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a full subscriber")
	}
}

func TestBroadcaster_RecorderAlwaysReceivesSynchronously(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var mu sync.Mutex
	var seen []string
	b.AttachRecorder(recorderFunc(func(ev registry.StatusEvent) {
		mu.Lock()
		seen = append(seen, ev.Agent)
		mu.Unlock()
	}))

	// A saturated subscriber must not cost the recorder any events.
	_, _ = b.Subscribe(context.Background())
	for i := 0; i < subscriberBufferSize*2; i++ {
		b.Publish(testEvent("coder-1"))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, subscriberBufferSize*2)
}

func TestBroadcaster_ContextCancellationUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	events, _ := b.Subscribe(ctx)
	cancel()

	// Channel closes once the cancellation is observed.
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription not cleaned up after cancel")
		}
	}
}

func TestBroadcaster_ManualUnsubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	events, subID := b.Subscribe(context.Background())
	b.Unsubscribe(subID)

	_, ok := <-events
	require.False(t, ok, "channel should be closed after unsubscribe")
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, _ := b.Subscribe(ctx)
			for j := 0; j < 10; j++ {
				b.Publish(testEvent("coder-1"))
				select {
				case <-ch:
				default:
				}
			}
		}()
	}
	wg.Wait()
}

func TestBroadcaster_PublishDuringUnsubscribeChurn(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			b.Publish(testEvent("coder-1"))
		}
	}()

	// Disconnecting subscribers race the publisher; a send on a channel
	// closed by Unsubscribe would panic the publisher goroutine.
	for i := 0; i < 200; i++ {
		_, subID := b.Subscribe(context.Background())
		b.Unsubscribe(subID)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher did not finish")
	}
}

// recorderFunc adapts a function to the Recorder interface.
type recorderFunc func(registry.StatusEvent)

func (f recorderFunc) OnStatusChange(ev registry.StatusEvent) { f(ev) }

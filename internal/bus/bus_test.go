package bus

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversToEverySubscriber(t *testing.T) {
	b := NewEventBus()
	var hits atomic.Int32

	for i := 0; i < 2; i++ {
		b.Subscribe(EventTypeMoodChanged, func(e Event) {
			assert.Equal(t, "low", e.Data["mood"])
			hits.Add(1)
		})
	}
	b.Subscribe(EventTypeAudioReady, func(Event) { hits.Add(100) })

	b.Publish(Event{Type: EventTypeMoodChanged, Data: map[string]any{"mood": "low"}})
	b.Drain()

	assert.Equal(t, int32(2), hits.Load())
}

func TestPublishDoesNotWaitForHandlers(t *testing.T) {
	b := NewEventBus()
	release := make(chan struct{})
	b.Subscribe(EventTypeTurnCompleted, func(Event) { <-release })

	returned := make(chan struct{})
	go func() {
		b.Publish(Event{Type: EventTypeTurnCompleted})
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow handler")
	}
	close(release)
	b.Drain()
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := NewEventBus()
	b.Publish(Event{Type: EventTypeCalibrationUpdated})
	b.Drain()
}

func TestNilBusIsNoop(t *testing.T) {
	var b *EventBus
	b.Publish(Event{Type: EventTypeEmotionSampled})
	b.Drain()
}

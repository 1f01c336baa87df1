// Package bus fans companion events out to in-process listeners.
//
// Handlers run on their own goroutines so a slow listener (a websocket
// writer, say) never stalls the emotion sampler or a conversation turn.
package bus

import (
	"sync"
)

// EventType names a kind of event.
type EventType string

const (
	EventTypeEmotionSampled EventType = "emotion.sampled"
	EventTypeMoodChanged    EventType = "mood.changed"

	EventTypeCameraEnabled  EventType = "vision.camera_enabled"
	EventTypeCameraDisabled EventType = "vision.camera_disabled"
	EventTypeFrameCaptured  EventType = "vision.frame_captured"

	EventTypeTurnCompleted EventType = "turn.completed"
	EventTypeTurnCancelled EventType = "turn.cancelled"
	EventTypeAudioReady    EventType = "audio.ready"

	EventTypeCalibrationUpdated EventType = "calibration.updated"
)

// Event carries a type and a loosely typed payload.
type Event struct {
	Type EventType
	Data map[string]any
}

// Handler receives events it subscribed to.
type Handler func(Event)

// EventBus is safe for concurrent use. The nil *EventBus drops everything,
// which lets components treat the bus as optional.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	inflight sync.WaitGroup
}

func NewEventBus() *EventBus {
	return &EventBus{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers handler for eventType. Handlers live as long as the bus.
func (b *EventBus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.mu.Unlock()
}

// Publish hands event to every subscriber and returns without waiting.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	targets := b.handlers[event.Type]
	b.inflight.Add(len(targets))
	for _, h := range targets {
		go func(h Handler) {
			defer b.inflight.Done()
			h(event)
		}(h)
	}
	b.mu.RUnlock()
}

// Drain blocks until every handler started by Publish has returned.
func (b *EventBus) Drain() {
	if b == nil {
		return
	}
	b.inflight.Wait()
}

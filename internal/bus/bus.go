package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// EventType names every event carried on the bus.
type EventType string

const (
	TripCreated    EventType = "trip.created"
	InviteDriver   EventType = "invite.driver"
	DriverAccepted EventType = "driver.accepted"
	DriverRejected EventType = "driver.rejected"
	TripStarted    EventType = "trip.started"
	TripCompleted  EventType = "trip.completed"
	TripCancelled  EventType = "trip.cancelled"
)

// Event is the envelope published on the bus. Trip carries a full
// snapshot for trip.created and invite.driver; the lifecycle events
// only need the ids. Consumers must be idempotent: delivery is
// at-least-once and duplicates are possible.
type Event struct {
	Type        EventType    `json:"type"`
	TripID      string       `json:"trip_id"`
	DriverID    string       `json:"driver_id,omitempty"`
	PassengerID string       `json:"passenger_id,omitempty"`
	Trip        *models.Trip `json:"trip,omitempty"`
	AutoCancel  bool         `json:"auto_cancel,omitempty"`
}

func (e Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// Publisher is the write side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler consumes a single event. Errors are logged by the consumer
// loop, not retried; handlers guard their side effects against
// duplicates themselves.
type Handler func(ctx context.Context, e Event) error

// InProc is a synchronous in-process bus used when no brokers are
// configured and in tests. Publish runs every matching handler before
// returning, so test assertions observe a settled system.
type InProc struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

func NewInProc() *InProc {
	return &InProc{handlers: make(map[EventType][]Handler)}
}

func (b *InProc) Subscribe(t EventType, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

func (b *InProc) Publish(ctx context.Context, e Event) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[e.Type]...)
	b.mu.RUnlock()
	var firstErr error
	for _, h := range hs {
		if err := h(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

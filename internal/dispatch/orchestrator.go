// Package dispatch implements the sequential invitation protocol: on
// trip.created it builds a candidate queue from the geo search and
// offers the trip to one driver at a time until someone accepts or the
// queue runs dry.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/bus"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// TripService is the slice of the trip domain the orchestrator needs.
type TripService interface {
	Get(ctx context.Context, tripID string) (*models.Trip, error)
	Assign(ctx context.Context, tripID, driverID string) (*models.Trip, error)
	Cancel(ctx context.Context, tripID string, by models.CancelActor) (*models.Trip, error)
}

// DriverService is the slice of the driver domain the orchestrator
// needs.
type DriverService interface {
	FindNearby(ctx context.Context, lng, lat, radiusKm float64, limit int) ([]models.DriverWithDistance, error)
	HandleTripCancelled(ctx context.Context, driverID string) error
	HandleTripCompleted(ctx context.Context, driverID string, fare float64) error
}

// QueueStore persists the candidate queue on the trip row.
type QueueStore interface {
	SetCandidates(ctx context.Context, tripID string, drivers []string) error
	PopCandidate(ctx context.Context, tripID, driverID string) ([]string, error)
}

// Subscriber registers event handlers; both the kafka consumer and the
// in-process bus satisfy it.
type Subscriber interface {
	Subscribe(t bus.EventType, h bus.Handler)
}

type pendingInvite struct {
	driverID string
	timer    *time.Timer
}

// Orchestrator reacts to bus events. Every handler is idempotent: side
// effects are guarded by the persisted trip status, so duplicated or
// replayed events settle without damage.
type Orchestrator struct {
	trips   TripService
	drivers DriverService
	queue   QueueStore
	bus     bus.Publisher
	ws      *WSRegistry // optional realtime invite delivery
	logger  *slog.Logger

	radiusKm  float64
	limit     int
	inviteTTL time.Duration

	mu      sync.Mutex
	invites map[string]*pendingInvite // by trip id
}

func NewOrchestrator(trips TripService, drivers DriverService, queue QueueStore, publisher bus.Publisher, ws *WSRegistry, radiusKm float64, limit int, inviteTTL time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		trips:     trips,
		drivers:   drivers,
		queue:     queue,
		bus:       publisher,
		ws:        ws,
		logger:    logger,
		radiusKm:  radiusKm,
		limit:     limit,
		inviteTTL: inviteTTL,
		invites:   make(map[string]*pendingInvite),
	}
}

// Register wires the orchestrator's handlers into a subscriber.
func (o *Orchestrator) Register(s Subscriber) {
	s.Subscribe(bus.TripCreated, o.OnTripCreated)
	s.Subscribe(bus.DriverRejected, o.OnDriverRejected)
	s.Subscribe(bus.DriverAccepted, o.OnDriverAccepted)
	s.Subscribe(bus.TripCancelled, o.OnTripCancelled)
	s.Subscribe(bus.TripCompleted, o.OnTripCompleted)
}

// OnTripCreated builds the candidate queue from a radius search around
// the pickup, ordered by ascending distance at query time. The queue
// is never re-sorted afterwards even if drivers move. An empty search
// auto-cancels the trip immediately.
func (o *Orchestrator) OnTripCreated(ctx context.Context, e bus.Event) error {
	t := e.Trip
	if t == nil {
		var err error
		t, err = o.trips.Get(ctx, e.TripID)
		if err != nil {
			return err
		}
	}
	if t.Status != models.TripSearching {
		return nil
	}

	hits, err := o.drivers.FindNearby(ctx, t.Pickup.Lng, t.Pickup.Lat, o.radiusKm, o.limit)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.DriverID)
	}
	if err := o.queue.SetCandidates(ctx, t.ID, ids); err != nil {
		return err
	}
	o.logger.Info("candidate queue built", "trip_id", t.ID, "candidates", len(ids))

	if len(ids) == 0 {
		return o.autoCancel(ctx, t.ID)
	}
	return o.invite(ctx, t, ids[0])
}

// OnDriverRejected pops the rejecting head off the queue and invites
// the new head. Rejections are only honored while the trip is still
// SEARCHING; anything later is a stale event and is dropped. The pop
// is guarded by the rejecting driver still being the queue head, so a
// redelivered rejection cannot skip the next candidate.
func (o *Orchestrator) OnDriverRejected(ctx context.Context, e bus.Event) error {
	o.clearInvite(e.TripID)

	t, err := o.trips.Get(ctx, e.TripID)
	if err != nil {
		return err
	}
	if t.Status != models.TripSearching {
		return nil
	}

	remaining, err := o.queue.PopCandidate(ctx, e.TripID, e.DriverID)
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	if len(remaining) == 0 {
		return o.autoCancel(ctx, e.TripID)
	}
	t.CandidateQueue = remaining
	return o.invite(ctx, t, remaining[0])
}

// OnDriverAccepted runs the guarded assignment. Losing the race (the
// trip was already assigned or cancelled) releases this driver back to
// ONLINE, unless the conflict is just a duplicate of this driver's own
// winning accept.
func (o *Orchestrator) OnDriverAccepted(ctx context.Context, e bus.Event) error {
	o.clearInvite(e.TripID)

	_, err := o.trips.Assign(ctx, e.TripID, e.DriverID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return err
	}

	t, getErr := o.trips.Get(ctx, e.TripID)
	if getErr != nil {
		return getErr
	}
	if t.DriverID == e.DriverID {
		// duplicate of the winning accept
		return nil
	}
	o.logger.Warn("accept lost the race", "trip_id", e.TripID, "driver_id", e.DriverID, "trip_status", t.Status)
	return o.drivers.HandleTripCancelled(ctx, e.DriverID)
}

// OnTripCancelled releases the bound driver, if any, back to ONLINE.
func (o *Orchestrator) OnTripCancelled(ctx context.Context, e bus.Event) error {
	o.clearInvite(e.TripID)
	return o.drivers.HandleTripCancelled(ctx, e.DriverID)
}

// OnTripCompleted releases the driver and credits the fare to the
// daily stats.
func (o *Orchestrator) OnTripCompleted(ctx context.Context, e bus.Event) error {
	fare := 0.0
	if t, err := o.trips.Get(ctx, e.TripID); err == nil {
		fare = t.FinalPrice
	}
	return o.drivers.HandleTripCompleted(ctx, e.DriverID, fare)
}

// invite offers the trip to one driver: an invite.driver event on the
// bus, a best-effort realtime push when the driver has a live socket,
// and an expiry clock. An unanswered invitation behaves exactly like
// an explicit rejection.
func (o *Orchestrator) invite(ctx context.Context, t *models.Trip, driverID string) error {
	o.logger.Info("inviting driver", "trip_id", t.ID, "driver_id", driverID)
	observability.InvitesSent.Inc()

	if o.ws != nil {
		if err := o.ws.Offer(driverID, t); err != nil && !errors.Is(err, ErrNoSession) {
			o.logger.Warn("ws invite failed", "driver_id", driverID, "error", err)
		}
	}

	err := o.bus.Publish(ctx, bus.Event{Type: bus.InviteDriver, TripID: t.ID, DriverID: driverID, PassengerID: t.PassengerID, Trip: t})
	if err != nil {
		return err
	}

	o.scheduleExpiry(t.ID, driverID)
	return nil
}

func (o *Orchestrator) scheduleExpiry(tripID, driverID string) {
	if o.inviteTTL <= 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.invites[tripID]; ok {
		prev.timer.Stop()
	}
	p := &pendingInvite{driverID: driverID}
	p.timer = time.AfterFunc(o.inviteTTL, func() { o.expireInvite(tripID, driverID) })
	o.invites[tripID] = p
}

func (o *Orchestrator) clearInvite(tripID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.invites[tripID]; ok {
		p.timer.Stop()
		delete(o.invites, tripID)
	}
}

// expireInvite fires when an invitation outlives its window without an
// answer. The trip status re-check makes a late accept and the expiry
// commute: whoever transitions the status first wins.
func (o *Orchestrator) expireInvite(tripID, driverID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o.mu.Lock()
	p, ok := o.invites[tripID]
	if !ok || p.driverID != driverID {
		o.mu.Unlock()
		return
	}
	delete(o.invites, tripID)
	o.mu.Unlock()

	t, err := o.trips.Get(ctx, tripID)
	if err != nil || t.Status != models.TripSearching {
		return
	}

	observability.InviteTimeouts.Inc()
	o.logger.Info("invitation expired", "trip_id", tripID, "driver_id", driverID)
	if err := o.OnDriverRejected(ctx, bus.Event{Type: bus.DriverRejected, TripID: tripID, DriverID: driverID}); err != nil {
		o.logger.Error("expiry handling failed", "trip_id", tripID, "error", err)
	}
}

// autoCancel ends a trip whose candidate queue is exhausted. The
// cancellation is system-attributed so the passenger notification says
// "no driver found" rather than blaming anyone.
func (o *Orchestrator) autoCancel(ctx context.Context, tripID string) error {
	observability.DispatchEmpty.Inc()
	o.logger.Info("candidate queue exhausted, cancelling trip", "trip_id", tripID)
	_, err := o.trips.Cancel(ctx, tripID, models.CancelledBySystem)
	if errors.Is(err, storage.ErrConflict) {
		return nil
	}
	return err
}

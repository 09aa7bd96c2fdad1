package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/bus"
	"github.com/example/trip-dispatch/internal/driver"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/routing"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedEstimator struct{}

func (fixedEstimator) GetRoute(context.Context, models.Coord, models.Coord, string) routing.Route {
	return routing.Route{DistanceKm: 3, DurationSeconds: 360}
}

// inviteLog records every invitation in order, so tests can assert the
// sequential protocol offered drivers one at a time.
type inviteLog struct {
	mu      sync.Mutex
	drivers []string
}

func (l *inviteLog) record(_ context.Context, e bus.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.drivers = append(l.drivers, e.DriverID)
	return nil
}

func (l *inviteLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.drivers...)
}

type world struct {
	store   *storage.Memory
	index   *geo.Memory
	events  *bus.InProc
	trips   *trip.Service
	drivers *driver.Service
	invites *inviteLog
}

func newWorld(t *testing.T, inviteTTL time.Duration) *world {
	t.Helper()
	store := storage.NewMemory()
	index := geo.NewMemory()
	b := bus.NewInProc()

	trips := trip.NewService(store, store, fixedEstimator{}, b, nil, 10000, discard())
	drivers := driver.NewService(store, index, b, discard())

	orch := NewOrchestrator(trips, drivers, store, b, nil, 5, 10, inviteTTL, discard())
	orch.Register(b)

	log := &inviteLog{}
	b.Subscribe(bus.InviteDriver, log.record)

	return &world{store: store, index: index, events: b, trips: trips, drivers: drivers, invites: log}
}

func (w *world) onlineDriver(t *testing.T, id string, lng, lat float64) {
	t.Helper()
	ctx := context.Background()
	if _, err := w.drivers.UpdateStatus(ctx, id, models.DriverOnline); err != nil {
		t.Fatalf("UpdateStatus %s: %v", id, err)
	}
	if err := w.drivers.UpdateLocation(ctx, id, lng, lat); err != nil {
		t.Fatalf("UpdateLocation %s: %v", id, err)
	}
}

func (w *world) createTrip(t *testing.T) *models.Trip {
	t.Helper()
	tr, err := w.trips.Create(context.Background(), "p1",
		models.Location{Lat: 10.0, Lng: 106.0},
		models.Location{Lat: 10.05, Lng: 106.05},
		models.VehicleSedan)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return tr
}

func TestNearestDriverInvitedFirst(t *testing.T) {
	w := newWorld(t, 0)
	w.onlineDriver(t, "far", 106.02, 10.02)
	w.onlineDriver(t, "near", 106.001, 10.001)
	w.onlineDriver(t, "mid", 106.01, 10.01)

	tr := w.createTrip(t)

	got, _ := w.store.GetTrip(context.Background(), tr.ID)
	if got.Status != models.TripSearching {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.CandidateQueue) != 3 {
		t.Fatalf("queue = %v", got.CandidateQueue)
	}
	if got.CandidateQueue[0] != "near" {
		t.Fatalf("queue head = %s, want near", got.CandidateQueue[0])
	}

	inv := w.invites.all()
	if len(inv) != 1 || inv[0] != "near" {
		t.Fatalf("invites = %v, want exactly [near]", inv)
	}
}

func TestRejectionAdvancesQueue(t *testing.T) {
	w := newWorld(t, 0)
	w.onlineDriver(t, "d1", 106.001, 10.001)
	w.onlineDriver(t, "d2", 106.005, 10.005)
	w.onlineDriver(t, "d3", 106.009, 10.009)

	tr := w.createTrip(t)
	ctx := context.Background()

	if err := w.drivers.Reject(ctx, "d1", tr.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	got, _ := w.store.GetTrip(ctx, tr.ID)
	if len(got.CandidateQueue) != 2 {
		t.Fatalf("queue after reject = %v, want 2 left", got.CandidateQueue)
	}
	if got.CandidateQueue[0] != "d2" {
		t.Fatalf("new head = %s", got.CandidateQueue[0])
	}

	inv := w.invites.all()
	if len(inv) != 2 || inv[1] != "d2" {
		t.Fatalf("invites = %v, want [d1 d2]", inv)
	}

	// d1 stays searchable for other trips
	d, _ := w.store.GetDriver(ctx, "d1")
	if d.Status != models.DriverOnline {
		t.Fatalf("d1 status = %s", d.Status)
	}
}

func TestAcceptBindsDriverAndTrip(t *testing.T) {
	w := newWorld(t, 0)
	w.onlineDriver(t, "d1", 106.001, 10.001)
	w.onlineDriver(t, "d2", 106.005, 10.005)

	tr := w.createTrip(t)
	ctx := context.Background()

	if err := w.drivers.Reject(ctx, "d1", tr.ID); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if _, err := w.drivers.Accept(ctx, "d2", tr.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	got, _ := w.store.GetTrip(ctx, tr.ID)
	if got.Status != models.TripAccepted || got.DriverID != "d2" {
		t.Fatalf("trip %s driver %s", got.Status, got.DriverID)
	}
	d, _ := w.store.GetDriver(ctx, "d2")
	if d.Status != models.DriverBusy || d.CurrentTripID != tr.ID {
		t.Fatalf("driver %s trip %q", d.Status, d.CurrentTripID)
	}
}

func TestEmptySearchAutoCancels(t *testing.T) {
	w := newWorld(t, 0)
	// one driver, but out of the 5km radius
	w.onlineDriver(t, "remote", 107.0, 11.0)

	tr := w.createTrip(t)

	got, _ := w.store.GetTrip(context.Background(), tr.ID)
	if got.Status != models.TripCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.CancelledBy != models.CancelledBySystem {
		t.Fatalf("cancelled by = %s, want system", got.CancelledBy)
	}
	if got.CancelledAt == nil {
		t.Fatal("CancelledAt not set")
	}
	if len(w.invites.all()) != 0 {
		t.Fatalf("invites = %v, want none", w.invites.all())
	}
}

func TestQueueExhaustionAutoCancels(t *testing.T) {
	w := newWorld(t, 0)
	w.onlineDriver(t, "d1", 106.001, 10.001)
	w.onlineDriver(t, "d2", 106.005, 10.005)

	tr := w.createTrip(t)
	ctx := context.Background()

	if err := w.drivers.Reject(ctx, "d1", tr.ID); err != nil {
		t.Fatalf("Reject d1: %v", err)
	}
	if err := w.drivers.Reject(ctx, "d2", tr.ID); err != nil {
		t.Fatalf("Reject d2: %v", err)
	}

	got, _ := w.store.GetTrip(ctx, tr.ID)
	if got.Status != models.TripCancelled || got.CancelledBy != models.CancelledBySystem {
		t.Fatalf("trip %s by %s", got.Status, got.CancelledBy)
	}
	if len(got.CandidateQueue) != 0 {
		t.Fatalf("queue = %v, want empty", got.CandidateQueue)
	}
}

func TestRedeliveredRejectionPopsOnce(t *testing.T) {
	w := newWorld(t, 0)
	w.onlineDriver(t, "d1", 106.001, 10.001)
	w.onlineDriver(t, "d2", 106.005, 10.005)
	w.onlineDriver(t, "d3", 106.009, 10.009)

	tr := w.createTrip(t)
	ctx := context.Background()

	// the bus is at-least-once: the same rejection can arrive twice
	reject := bus.Event{Type: bus.DriverRejected, TripID: tr.ID, DriverID: "d1"}
	if err := w.events.Publish(ctx, reject); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := w.events.Publish(ctx, reject); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	got, _ := w.store.GetTrip(ctx, tr.ID)
	if got.Status != models.TripSearching {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.CandidateQueue) != 2 || got.CandidateQueue[0] != "d2" {
		t.Fatalf("queue = %v, want [d2 d3]", got.CandidateQueue)
	}

	inv := w.invites.all()
	if len(inv) != 2 || inv[1] != "d2" {
		t.Fatalf("invites = %v, want [d1 d2]", inv)
	}
}

func TestRejectionFromNonHeadIsIgnored(t *testing.T) {
	w := newWorld(t, 0)
	w.onlineDriver(t, "d1", 106.001, 10.001)
	w.onlineDriver(t, "d2", 106.005, 10.005)

	tr := w.createTrip(t)
	ctx := context.Background()

	// d2 was never invited; its rejection must not touch the queue
	if err := w.events.Publish(ctx, bus.Event{Type: bus.DriverRejected, TripID: tr.ID, DriverID: "d2"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got, _ := w.store.GetTrip(ctx, tr.ID)
	if len(got.CandidateQueue) != 2 || got.CandidateQueue[0] != "d1" {
		t.Fatalf("queue = %v, want [d1 d2]", got.CandidateQueue)
	}
	if inv := w.invites.all(); len(inv) != 1 || inv[0] != "d1" {
		t.Fatalf("invites = %v, want [d1]", inv)
	}
}

func TestDuplicateAcceptDoesNotReleaseWinner(t *testing.T) {
	w := newWorld(t, 0)
	w.onlineDriver(t, "d1", 106.001, 10.001)

	tr := w.createTrip(t)
	ctx := context.Background()

	if _, err := w.drivers.Accept(ctx, "d1", tr.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// redelivered driver.accepted for the driver who already won
	b := bus.NewInProc()
	orch := NewOrchestrator(w.trips, w.drivers, w.store, b, nil, 5, 10, 0, discard())
	if err := orch.OnDriverAccepted(ctx, bus.Event{Type: bus.DriverAccepted, TripID: tr.ID, DriverID: "d1"}); err != nil {
		t.Fatalf("duplicate accept: %v", err)
	}

	d, _ := w.store.GetDriver(ctx, "d1")
	if d.Status != models.DriverBusy || d.CurrentTripID != tr.ID {
		t.Fatalf("winner was released: %+v", d)
	}
	got, _ := w.store.GetTrip(ctx, tr.ID)
	if got.Status != models.TripAccepted || got.DriverID != "d1" {
		t.Fatalf("trip changed: %s driver %s", got.Status, got.DriverID)
	}
}

func TestLosingAcceptReleasesLoser(t *testing.T) {
	w := newWorld(t, 0)
	w.onlineDriver(t, "d1", 106.001, 10.001)
	w.onlineDriver(t, "d2", 106.005, 10.005)

	tr := w.createTrip(t)
	ctx := context.Background()

	if _, err := w.drivers.Accept(ctx, "d1", tr.ID); err != nil {
		t.Fatalf("Accept d1: %v", err)
	}
	// d2 answers the same invitation too late
	if _, err := w.drivers.Accept(ctx, "d2", tr.ID); err != nil {
		t.Fatalf("Accept d2: %v", err)
	}

	got, _ := w.store.GetTrip(ctx, tr.ID)
	if got.DriverID != "d1" {
		t.Fatalf("assignment moved to %s", got.DriverID)
	}
	d2, _ := w.store.GetDriver(ctx, "d2")
	if d2.Status != models.DriverOnline || d2.CurrentTripID != "" {
		t.Fatalf("loser not released: %+v", d2)
	}
	d1, _ := w.store.GetDriver(ctx, "d1")
	if d1.Status != models.DriverBusy {
		t.Fatalf("winner disturbed: %+v", d1)
	}
}

func TestCancellationReleasesBoundDriver(t *testing.T) {
	w := newWorld(t, 0)
	w.onlineDriver(t, "d1", 106.001, 10.001)

	tr := w.createTrip(t)
	ctx := context.Background()

	if _, err := w.drivers.Accept(ctx, "d1", tr.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := w.trips.Cancel(ctx, tr.ID, models.CancelledByPassenger); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	d, _ := w.store.GetDriver(ctx, "d1")
	if d.Status != models.DriverOnline || d.CurrentTripID != "" {
		t.Fatalf("driver not released: %+v", d)
	}
}

func TestCompletionCreditsDailyStats(t *testing.T) {
	w := newWorld(t, 0)
	w.onlineDriver(t, "d1", 106.001, 10.001)

	tr := w.createTrip(t)
	ctx := context.Background()

	if _, err := w.drivers.Accept(ctx, "d1", tr.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := w.trips.Start(ctx, tr.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	done, err := w.trips.Complete(ctx, tr.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}

	d, _ := w.store.GetDriver(ctx, "d1")
	if d.Status != models.DriverOnline {
		t.Fatalf("driver not released: %s", d.Status)
	}
	if d.DailyTrips != 1 || d.DailyRevenue != done.FinalPrice {
		t.Fatalf("stats = %d trips, %v revenue, want 1 trip, %v", d.DailyTrips, d.DailyRevenue, done.FinalPrice)
	}
}

func TestUnansweredInvitationExpiresLikeRejection(t *testing.T) {
	w := newWorld(t, 100*time.Millisecond)
	w.onlineDriver(t, "d1", 106.001, 10.001)
	w.onlineDriver(t, "d2", 106.005, 10.005)

	tr := w.createTrip(t)
	ctx := context.Background()

	deadline := time.Now().Add(2 * time.Second)
	for {
		inv := w.invites.all()
		if len(inv) >= 2 {
			if inv[1] != "d2" {
				t.Fatalf("invites = %v", inv)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second invitation never sent, invites = %v", inv)
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, _ := w.store.GetTrip(ctx, tr.ID)
	if len(got.CandidateQueue) != 1 || got.CandidateQueue[0] != "d2" {
		t.Fatalf("queue = %v", got.CandidateQueue)
	}
}

func TestExpiryOnLastCandidateAutoCancels(t *testing.T) {
	w := newWorld(t, 20*time.Millisecond)
	w.onlineDriver(t, "d1", 106.001, 10.001)

	tr := w.createTrip(t)
	ctx := context.Background()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, _ := w.store.GetTrip(ctx, tr.ID)
		if got.Status == models.TripCancelled {
			if got.CancelledBy != models.CancelledBySystem {
				t.Fatalf("cancelled by %s", got.CancelledBy)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("trip never auto-cancelled, status = %s", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAcceptBeforeExpiryStopsTimer(t *testing.T) {
	w := newWorld(t, 25*time.Millisecond)
	w.onlineDriver(t, "d1", 106.001, 10.001)

	tr := w.createTrip(t)
	ctx := context.Background()

	if _, err := w.drivers.Accept(ctx, "d1", tr.ID); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	time.Sleep(80 * time.Millisecond)

	got, _ := w.store.GetTrip(ctx, tr.ID)
	if got.Status != models.TripAccepted || got.DriverID != "d1" {
		t.Fatalf("expiry disturbed an accepted trip: %s driver %s", got.Status, got.DriverID)
	}
	d, _ := w.store.GetDriver(ctx, "d1")
	if d.Status != models.DriverBusy {
		t.Fatalf("driver was released: %s", d.Status)
	}
}

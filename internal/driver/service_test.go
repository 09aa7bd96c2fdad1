package driver

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/example/trip-dispatch/internal/bus"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/storage"
)

type capturingBus struct {
	events []bus.Event
}

func (c *capturingBus) Publish(_ context.Context, e bus.Event) error {
	c.events = append(c.events, e)
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *storage.Memory, *geo.Memory, *capturingBus) {
	t.Helper()
	store := storage.NewMemory()
	index := geo.NewMemory()
	b := &capturingBus{}
	return NewService(store, index, b, discard()), store, index, b
}

func TestUpdateStatusEvictsOfflineDriverFromIndex(t *testing.T) {
	svc, _, index, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOnline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := svc.UpdateLocation(ctx, "d1", 106.0, 10.0); err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	if _, ok, _ := index.Position(ctx, "d1"); !ok {
		t.Fatal("driver missing from index after location update")
	}

	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOffline); err != nil {
		t.Fatalf("UpdateStatus offline: %v", err)
	}
	if _, ok, _ := index.Position(ctx, "d1"); ok {
		t.Fatal("offline driver still present in index")
	}
}

func TestGoingOfflineWhileBusyDropsTripBinding(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOnline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := svc.Accept(ctx, "d1", "t1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	d, err := svc.UpdateStatus(ctx, "d1", models.DriverOffline)
	if err != nil {
		t.Fatalf("UpdateStatus offline: %v", err)
	}
	if d.Status != models.DriverOffline || d.CurrentTripID != "" {
		t.Fatalf("after offline: %+v", d)
	}
	got, _ := store.GetDriver(ctx, "d1")
	if got.CurrentTripID != "" {
		t.Fatalf("binding persisted: %q", got.CurrentTripID)
	}
}

func TestUpdateLocationRequiresKnownDriver(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	if err := svc.UpdateLocation(context.Background(), "ghost", 106.0, 10.0); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("got %v, want not found", err)
	}
}

func TestUpdateLocationIndexesOnlyWhileSearchable(t *testing.T) {
	svc, store, index, _ := newTestService(t)
	ctx := context.Background()

	// OFFLINE: stored on the record, not indexed
	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOffline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := svc.UpdateLocation(ctx, "d1", 106.0, 10.0); err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	if _, ok, _ := index.Position(ctx, "d1"); ok {
		t.Fatal("offline driver was indexed")
	}
	d, _ := store.GetDriver(ctx, "d1")
	if d.CurrentLat != 10.0 || d.CurrentLng != 106.0 {
		t.Fatalf("fallback coords not stored: %v,%v", d.CurrentLat, d.CurrentLng)
	}

	// BUSY drivers keep streaming positions
	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOnline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := store.BindTrip(ctx, "d1", "t1"); err != nil {
		t.Fatalf("BindTrip: %v", err)
	}
	if err := svc.UpdateLocation(ctx, "d1", 106.1, 10.1); err != nil {
		t.Fatalf("UpdateLocation busy: %v", err)
	}
	if pos, ok, _ := index.Position(ctx, "d1"); !ok || pos.Lat != 10.1 {
		t.Fatalf("busy driver position not refreshed: %+v ok=%v", pos, ok)
	}
}

func TestFindNearbyPrunesStaleEntries(t *testing.T) {
	svc, _, index, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"near", "far", "off"} {
		if _, err := svc.UpdateStatus(ctx, id, models.DriverOnline); err != nil {
			t.Fatalf("UpdateStatus %s: %v", id, err)
		}
	}
	mustLoc := func(id string, lng, lat float64) {
		t.Helper()
		if err := svc.UpdateLocation(ctx, id, lng, lat); err != nil {
			t.Fatalf("UpdateLocation %s: %v", id, err)
		}
	}
	mustLoc("near", 106.001, 10.001)
	mustLoc("far", 106.02, 10.02)
	mustLoc("off", 106.003, 10.003)

	// stale index entries: "gone" has no store record at all, "off"
	// went OFFLINE but got re-added to the index afterwards
	if _, err := svc.UpdateStatus(ctx, "off", models.DriverOffline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	index.Upsert(ctx, "off", 106.003, 10.003)
	index.Upsert(ctx, "gone", 106.002, 10.002)

	hits, err := svc.FindNearby(ctx, 106.0, 10.0, 5, 10)
	if err != nil {
		t.Fatalf("FindNearby: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2: %+v", len(hits), hits)
	}
	if hits[0].DriverID != "near" || hits[1].DriverID != "far" {
		t.Fatalf("order wrong: %s then %s", hits[0].DriverID, hits[1].DriverID)
	}
	if hits[0].DistanceKm > hits[1].DistanceKm {
		t.Fatal("results not sorted by ascending distance")
	}

	// pruned entries are evicted from the index, not just filtered
	if _, ok, _ := index.Position(ctx, "gone"); ok {
		t.Fatal("missing driver still in index")
	}
	if _, ok, _ := index.Position(ctx, "off"); ok {
		t.Fatal("offline driver still in index")
	}
}

func TestAcceptRequiresOnline(t *testing.T) {
	svc, store, _, b := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Accept(ctx, "ghost", "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("accept unknown driver: %v", err)
	}

	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOffline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := svc.Accept(ctx, "d1", "t1"); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("accept while offline: %v, want ErrNotAvailable", err)
	}

	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOnline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	d, err := svc.Accept(ctx, "d1", "t1")
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if d.Status != models.DriverBusy || d.CurrentTripID != "t1" {
		t.Fatalf("after accept: %+v", d)
	}
	last := b.events[len(b.events)-1]
	if last.Type != bus.DriverAccepted || last.TripID != "t1" || last.DriverID != "d1" {
		t.Fatalf("event %+v", last)
	}

	// now BUSY: a second overlapping invitation cannot bind
	if _, err := svc.Accept(ctx, "d1", "t2"); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("accept while busy: %v, want ErrNotAvailable", err)
	}
	got, _ := store.GetDriver(ctx, "d1")
	if got.CurrentTripID != "t1" {
		t.Fatalf("binding clobbered: %q", got.CurrentTripID)
	}
}

func TestRejectRequiresOnline(t *testing.T) {
	svc, _, _, b := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOnline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := svc.Reject(ctx, "d1", "t1"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	last := b.events[len(b.events)-1]
	if last.Type != bus.DriverRejected || last.TripID != "t1" {
		t.Fatalf("event %+v", last)
	}

	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOffline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := svc.Reject(ctx, "d1", "t1"); !errors.Is(err, ErrNotAvailable) {
		t.Fatalf("reject while offline: %v", err)
	}
}

func TestReleaseAndDailyStats(t *testing.T) {
	svc, store, _, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOnline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if _, err := svc.Accept(ctx, "d1", "t1"); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	if err := svc.HandleTripCompleted(ctx, "d1", 45000); err != nil {
		t.Fatalf("HandleTripCompleted: %v", err)
	}
	d, _ := store.GetDriver(ctx, "d1")
	if d.Status != models.DriverOnline || d.CurrentTripID != "" {
		t.Fatalf("driver not released: %+v", d)
	}
	if d.DailyTrips != 1 || d.DailyRevenue != 45000 {
		t.Fatalf("stats = %d trips, %v revenue", d.DailyTrips, d.DailyRevenue)
	}

	// cancellation path releases without crediting stats
	if _, err := svc.Accept(ctx, "d1", "t2"); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := svc.HandleTripCancelled(ctx, "d1"); err != nil {
		t.Fatalf("HandleTripCancelled: %v", err)
	}
	d, _ = store.GetDriver(ctx, "d1")
	if d.Status != models.DriverOnline || d.DailyTrips != 1 {
		t.Fatalf("after cancel release: %+v", d)
	}

	// unassigned cancellations carry no driver id
	if err := svc.HandleTripCancelled(ctx, ""); err != nil {
		t.Fatalf("empty driver id should be a no-op: %v", err)
	}
}

func TestProfileOverlaysIndexPosition(t *testing.T) {
	svc, _, index, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.UpdateStatus(ctx, "d1", models.DriverOnline); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := svc.UpdateLocation(ctx, "d1", 106.0, 10.0); err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	// index moves ahead of the record
	index.Upsert(ctx, "d1", 106.5, 10.5)

	d, err := svc.Profile(ctx, "d1")
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if d.CurrentLat != 10.5 || d.CurrentLng != 106.5 {
		t.Fatalf("profile position = %v,%v, want index overlay", d.CurrentLat, d.CurrentLng)
	}
}

// Package driver implements the driver availability state machine
// (OFFLINE <-> ONLINE <-> BUSY) and the geo-indexed nearby search.
// The store is authoritative for searchability; the geo index is only
// a position cache tied to the ONLINE/BUSY lifetime.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/trip-dispatch/internal/bus"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/storage"
)

// ErrNotAvailable means the driver is not ONLINE and so cannot accept
// or reject an invitation.
var ErrNotAvailable = errors.New("driver not available")

type Service struct {
	store  storage.DriverStore
	index  geo.Index
	bus    bus.Publisher
	logger *slog.Logger
}

func NewService(store storage.DriverStore, index geo.Index, publisher bus.Publisher, logger *slog.Logger) *Service {
	return &Service{store: store, index: index, bus: publisher, logger: logger}
}

// UpdateStatus upserts the driver record with the new status. Leaving
// BUSY drops the trip binding, and going OFFLINE evicts the geo index
// entry immediately instead of waiting for lazy pruning on lookups.
func (s *Service) UpdateStatus(ctx context.Context, driverID string, status models.DriverStatus) (*models.Driver, error) {
	prev, err := s.store.GetDriver(ctx, driverID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	d, err := s.store.UpsertStatus(ctx, driverID, status)
	if err != nil {
		return nil, err
	}

	if status == models.DriverOffline {
		if err := s.index.Remove(ctx, driverID); err != nil {
			s.logger.Warn("geo index evict failed", "driver_id", driverID, "error", err)
		}
	}

	prevStatus := models.DriverOffline
	if prev != nil {
		prevStatus = prev.Status
	}
	if prevStatus != models.DriverOnline && status == models.DriverOnline {
		observability.DriversOnline.Inc()
	} else if prevStatus == models.DriverOnline && status != models.DriverOnline {
		observability.DriversOnline.Dec()
	}

	s.logger.Info("driver status updated", "driver_id", driverID, "status", status)
	return d, nil
}

// UpdateLocation stores the fallback coordinates and, while the driver
// is searchable (ONLINE or BUSY), refreshes the geo index entry.
func (s *Service) UpdateLocation(ctx context.Context, driverID string, lng, lat float64) error {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if err := s.store.SetLocation(ctx, driverID, lat, lng, time.Now()); err != nil {
		return err
	}
	if d.Status == models.DriverOnline || d.Status == models.DriverBusy {
		return s.index.Upsert(ctx, driverID, lng, lat)
	}
	return nil
}

// FindNearby runs a radius query ordered by ascending distance and
// verifies every hit against the driver store. Hits whose record is
// gone or OFFLINE are stale cache entries: they are evicted from the
// index and dropped from the result.
func (s *Service) FindNearby(ctx context.Context, lng, lat, radiusKm float64, limit int) ([]models.DriverWithDistance, error) {
	hits, err := s.index.Search(ctx, lng, lat, radiusKm, limit)
	if err != nil {
		return nil, err
	}

	out := make([]models.DriverWithDistance, 0, len(hits))
	for _, h := range hits {
		d, err := s.store.GetDriver(ctx, h.DriverID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && d.Status == models.DriverOffline) {
			if rmErr := s.index.Remove(ctx, h.DriverID); rmErr != nil {
				s.logger.Warn("stale geo entry removal failed", "driver_id", h.DriverID, "error", rmErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// Profile merges the live geo index position, when present, over the
// fallback coordinates stored on the record.
func (s *Service) Profile(ctx context.Context, driverID string) (*models.Driver, error) {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if pos, ok, err := s.index.Position(ctx, driverID); err == nil && ok {
		d.CurrentLat = pos.Lat
		d.CurrentLng = pos.Lng
	}
	return d, nil
}

// Accept is the driver-side accept: only an ONLINE driver may take a
// trip. The ONLINE -> BUSY transition is a conditional update, so two
// overlapping invitations cannot both bind the same driver.
func (s *Service) Accept(ctx context.Context, driverID, tripID string) (*models.Driver, error) {
	d, err := s.store.BindTrip(ctx, driverID, tripID)
	if errors.Is(err, storage.ErrConflict) {
		return nil, ErrNotAvailable
	}
	if err != nil {
		return nil, err
	}
	s.logger.Info("driver accepted trip", "driver_id", driverID, "trip_id", tripID)

	if err := s.bus.Publish(ctx, bus.Event{Type: bus.DriverAccepted, TripID: tripID, DriverID: driverID}); err != nil {
		s.logger.Error("publish failed", "type", bus.DriverAccepted, "trip_id", tripID, "error", err)
	}
	if pos, ok, err := s.index.Position(ctx, driverID); err == nil && ok {
		d.CurrentLat = pos.Lat
		d.CurrentLng = pos.Lng
	}
	return d, nil
}

// Reject announces the refusal so dispatch advances to the next
// candidate. The driver stays ONLINE and remains searchable for other
// trips.
func (s *Service) Reject(ctx context.Context, driverID, tripID string) error {
	d, err := s.store.GetDriver(ctx, driverID)
	if err != nil {
		return err
	}
	if d.Status != models.DriverOnline {
		return ErrNotAvailable
	}
	s.logger.Info("driver rejected trip", "driver_id", driverID, "trip_id", tripID)
	if err := s.bus.Publish(ctx, bus.Event{Type: bus.DriverRejected, TripID: tripID, DriverID: driverID}); err != nil {
		s.logger.Error("publish failed", "type", bus.DriverRejected, "trip_id", tripID, "error", err)
	}
	return nil
}

// HandleTripCancelled returns the bound driver to ONLINE. Idempotent:
// releasing an already-ONLINE driver changes nothing.
func (s *Service) HandleTripCancelled(ctx context.Context, driverID string) error {
	if driverID == "" {
		return nil
	}
	_, err := s.store.ReleaseTrip(ctx, driverID)
	return err
}

// HandleTripCompleted returns the driver to ONLINE and credits the
// day's stats with the fare.
func (s *Service) HandleTripCompleted(ctx context.Context, driverID string, fare float64) error {
	if driverID == "" {
		return nil
	}
	if _, err := s.store.ReleaseTrip(ctx, driverID); err != nil {
		return err
	}
	return s.store.AddDailyStats(ctx, driverID, 1, fare)
}

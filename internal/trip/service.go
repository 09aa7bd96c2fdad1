// Package trip implements the trip lifecycle state machine:
//
//	SEARCHING -> ACCEPTED -> IN_PROGRESS -> COMPLETED
//	SEARCHING | ACCEPTED | IN_PROGRESS -> CANCELLED
//
// COMPLETED and CANCELLED are terminal. Transition validity is
// enforced by conditional store updates: a transition only applies
// while the row is still in the expected source status, so concurrent
// callers cannot both win.
package trip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/example/trip-dispatch/internal/bus"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/observability"
	"github.com/example/trip-dispatch/internal/routing"
	"github.com/example/trip-dispatch/internal/storage"
)

var (
	ErrInvalidScore = errors.New("score must be between 1 and 5")
	// ErrInvalidTransition is returned when an operation is requested
	// against a trip in an incompatible status.
	ErrInvalidTransition = storage.ErrConflict
)

// PaymentProvider holds, captures, and releases funds for a trip.
// A nil provider disables payment side effects entirely.
type PaymentProvider interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, ref string) error
	Cancel(ctx context.Context, ref string) error
}

type Service struct {
	store    storage.TripStore
	ratings  storage.RatingStore
	routes   routing.Estimator
	bus      bus.Publisher
	payments PaymentProvider // optional
	logger   *slog.Logger

	ratePerKm float64
}

func NewService(store storage.TripStore, ratings storage.RatingStore, routes routing.Estimator, publisher bus.Publisher, payments PaymentProvider, ratePerKm float64, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		ratings:   ratings,
		routes:    routes,
		bus:       publisher,
		payments:  payments,
		logger:    logger,
		ratePerKm: ratePerKm,
	}
}

// Create computes the route and price, persists the trip in SEARCHING
// with an empty candidate queue, and announces it on the bus. Dispatch
// picks the announcement up asynchronously.
func (s *Service) Create(ctx context.Context, passengerID string, pickup, dropoff models.Location, vehicleType models.VehicleType) (*models.Trip, error) {
	route := s.routes.GetRoute(ctx,
		models.Coord{Lat: pickup.Lat, Lng: pickup.Lng},
		models.Coord{Lat: dropoff.Lat, Lng: dropoff.Lng},
		"car")

	now := time.Now()
	t := &models.Trip{
		ID:                models.NewID(),
		PassengerID:       passengerID,
		Pickup:            pickup,
		Dropoff:           dropoff,
		VehicleType:       vehicleType,
		Status:            models.TripSearching,
		DistanceKm:        route.DistanceKm,
		EstimatedDuration: int(route.DurationSeconds),
		EstimatedPrice:    math.Round(route.DistanceKm * s.ratePerKm),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateTrip(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting trip: %w", err)
	}

	observability.TripsCreated.Inc()
	s.logger.Info("trip created", "trip_id", t.ID, "passenger_id", passengerID, "distance_km", t.DistanceKm)

	s.publish(ctx, bus.Event{Type: bus.TripCreated, TripID: t.ID, PassengerID: passengerID, Trip: t})
	return t, nil
}

func (s *Service) Get(ctx context.Context, tripID string) (*models.Trip, error) {
	return s.store.GetTrip(ctx, tripID)
}

// Assign binds a driver to a SEARCHING trip. The conditional update is
// the accept critical section: a second assign, or an assign racing a
// cancellation, fails with ErrInvalidTransition. On success the
// estimated fare is held with the payment provider and driver.accepted
// is announced.
func (s *Service) Assign(ctx context.Context, tripID, driverID string) (*models.Trip, error) {
	t, err := s.store.AssignDriver(ctx, tripID, driverID, time.Now())
	if err != nil {
		return nil, err
	}
	s.logger.Info("driver assigned", "trip_id", tripID, "driver_id", driverID)

	if s.payments != nil {
		ref, err := s.payments.Hold(ctx, int64(t.EstimatedPrice), "vnd", t.PassengerID)
		if err != nil {
			s.logger.Error("payment hold failed", "trip_id", tripID, "error", err)
		} else if err := s.store.SetPaymentRef(ctx, tripID, ref); err == nil {
			t.PaymentRef = ref
		}
	}

	s.publish(ctx, bus.Event{Type: bus.DriverAccepted, TripID: tripID, DriverID: driverID, PassengerID: t.PassengerID})
	return t, nil
}

// Start transitions ACCEPTED -> IN_PROGRESS.
func (s *Service) Start(ctx context.Context, tripID string) (*models.Trip, error) {
	t, err := s.store.StartTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, bus.Event{Type: bus.TripStarted, TripID: tripID, DriverID: t.DriverID, PassengerID: t.PassengerID})
	return t, nil
}

// Complete transitions IN_PROGRESS -> COMPLETED: the final price is
// frozen at the linear-distance estimate, a held payment is captured,
// and trip.completed notifies both the passenger and driver paths.
// The driver domain returns the driver to ONLINE when it consumes the
// event.
func (s *Service) Complete(ctx context.Context, tripID string) (*models.Trip, error) {
	cur, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	t, err := s.store.CompleteTrip(ctx, tripID, cur.EstimatedPrice, time.Now())
	if err != nil {
		return nil, err
	}
	observability.TripsCompleted.Inc()
	s.logger.Info("trip completed", "trip_id", tripID, "driver_id", t.DriverID, "final_price", t.FinalPrice)

	if s.payments != nil && t.PaymentRef != "" {
		if err := s.payments.Capture(ctx, t.PaymentRef); err != nil {
			s.logger.Error("payment capture failed", "trip_id", tripID, "error", err)
		}
	}

	s.publish(ctx, bus.Event{Type: bus.TripCompleted, TripID: tripID, DriverID: t.DriverID, PassengerID: t.PassengerID})
	return t, nil
}

// Cancel transitions any non-terminal status -> CANCELLED and releases
// a held payment. A system-attributed cancellation marks the
// notification as an auto-cancel so the passenger message differs from
// a manual one.
func (s *Service) Cancel(ctx context.Context, tripID string, by models.CancelActor) (*models.Trip, error) {
	t, err := s.store.CancelTrip(ctx, tripID, by, time.Now())
	if err != nil {
		return nil, err
	}
	observability.TripsCancelled.WithLabelValues(string(by)).Inc()
	s.logger.Info("trip cancelled", "trip_id", tripID, "by", by)

	if s.payments != nil && t.PaymentRef != "" {
		if err := s.payments.Cancel(ctx, t.PaymentRef); err != nil {
			s.logger.Error("payment release failed", "trip_id", tripID, "error", err)
		}
	}

	s.publish(ctx, bus.Event{
		Type:        bus.TripCancelled,
		TripID:      tripID,
		DriverID:    t.DriverID,
		PassengerID: t.PassengerID,
		AutoCancel:  by == models.CancelledBySystem,
	})
	return t, nil
}

// Reject is the trip-side rejection entry point. Valid only while the
// trip is still SEARCHING; it announces driver.rejected so dispatch
// advances the candidate queue.
func (s *Service) Reject(ctx context.Context, tripID, driverID string) error {
	t, err := s.store.GetTrip(ctx, tripID)
	if err != nil {
		return err
	}
	if t.Status != models.TripSearching {
		return ErrInvalidTransition
	}
	s.publish(ctx, bus.Event{Type: bus.DriverRejected, TripID: tripID, DriverID: driverID, PassengerID: t.PassengerID})
	return nil
}

// Rate appends a rating to a trip. No status side effects.
func (s *Service) Rate(ctx context.Context, tripID, ratedBy, ratedUser string, role models.Role, score int, comment string) (*models.Rating, error) {
	if score < 1 || score > 5 {
		return nil, ErrInvalidScore
	}
	if _, err := s.store.GetTrip(ctx, tripID); err != nil {
		return nil, err
	}
	r := &models.Rating{
		ID:        models.NewID(),
		TripID:    tripID,
		RatedBy:   ratedBy,
		RatedUser: ratedUser,
		RaterRole: role,
		Score:     score,
		Comment:   comment,
		CreatedAt: time.Now(),
	}
	if err := s.ratings.AddRating(ctx, r); err != nil {
		return nil, err
	}
	return r, nil
}

// History returns the user's trips as a passenger, falling back to
// their trips as a driver when none exist. The two roles are not
// merged.
func (s *Service) History(ctx context.Context, userID string) ([]*models.Trip, error) {
	trips, err := s.store.TripsByPassenger(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return s.store.TripsByDriver(ctx, userID)
	}
	return trips, nil
}

// publish is best-effort at the call site: the bus itself retries, and
// consumers tolerate both loss and duplication.
func (s *Service) publish(ctx context.Context, e bus.Event) {
	if err := s.bus.Publish(ctx, e); err != nil {
		s.logger.Error("publish failed", "type", e.Type, "trip_id", e.TripID, "error", err)
	}
}

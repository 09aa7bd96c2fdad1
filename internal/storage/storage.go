package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

var (
	// ErrNotFound means the trip or driver id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrConflict means a guarded update found the row in a different
	// state than required, e.g. an accept racing a cancellation.
	ErrConflict = errors.New("state conflict")
)

// TripStore is the durable record of trip lifecycles. Every state
// transition is a conditional update: the row must still be in the
// expected source status or the call fails with ErrConflict. That is
// the serialization point for concurrent accepts and cancellations.
type TripStore interface {
	CreateTrip(ctx context.Context, t *models.Trip) error
	GetTrip(ctx context.Context, id string) (*models.Trip, error)

	// AssignDriver transitions SEARCHING -> ACCEPTED.
	AssignDriver(ctx context.Context, id, driverID string, at time.Time) (*models.Trip, error)
	// StartTrip transitions ACCEPTED -> IN_PROGRESS.
	StartTrip(ctx context.Context, id string) (*models.Trip, error)
	// CompleteTrip transitions IN_PROGRESS -> COMPLETED and freezes the
	// final price.
	CompleteTrip(ctx context.Context, id string, finalPrice float64, at time.Time) (*models.Trip, error)
	// CancelTrip transitions any non-terminal status -> CANCELLED.
	CancelTrip(ctx context.Context, id string, by models.CancelActor, at time.Time) (*models.Trip, error)

	SetPaymentRef(ctx context.Context, id, ref string) error

	// SetCandidates stores the ordered invitation queue. Valid once,
	// right after dispatch ran the geo query.
	SetCandidates(ctx context.Context, id string, drivers []string) error
	// PopCandidate drops the queue head and returns the remaining
	// queue. Only legal while the trip is still SEARCHING and while
	// driverID is the current head; a redelivered rejection therefore
	// fails with ErrConflict instead of popping twice.
	PopCandidate(ctx context.Context, id, driverID string) ([]string, error)

	TripsByPassenger(ctx context.Context, userID string) ([]*models.Trip, error)
	TripsByDriver(ctx context.Context, userID string) ([]*models.Trip, error)
}

// DriverStore is the durable record of driver availability. BindTrip
// is the accept critical section: it succeeds only while the driver is
// still ONLINE.
type DriverStore interface {
	GetDriver(ctx context.Context, id string) (*models.Driver, error)
	UpsertStatus(ctx context.Context, id string, status models.DriverStatus) (*models.Driver, error)
	SetLocation(ctx context.Context, id string, lat, lng float64, at time.Time) error

	// BindTrip transitions ONLINE -> BUSY and records the trip binding.
	BindTrip(ctx context.Context, id, tripID string) (*models.Driver, error)
	// ReleaseTrip returns a driver to ONLINE and clears the binding.
	ReleaseTrip(ctx context.Context, id string) (*models.Driver, error)

	AddDailyStats(ctx context.Context, id string, trips int, revenue float64) error
}

// RatingStore holds append-only trip ratings.
type RatingStore interface {
	AddRating(ctx context.Context, r *models.Rating) error
	RatingsByTrip(ctx context.Context, tripID string) ([]*models.Rating, error)
}

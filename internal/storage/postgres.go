package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

// Postgres backs all three stores with one database. Conditional
// transitions are single UPDATE statements guarded by the current
// status column, so two racing transitions cannot both succeed.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Close() error { return p.db.Close() }

const tripColumns = `id, passenger_id, driver_id, candidate_queue,
	pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
	vehicle_type, trip_status, distance_km, estimated_duration_seconds,
	estimated_price, final_price, payment_ref, cancelled_by,
	created_at, accepted_at, completed_at, cancelled_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(row rowScanner) (*models.Trip, error) {
	var t models.Trip
	var driverID, paymentRef, cancelledBy sql.NullString
	var finalPrice sql.NullFloat64
	var acceptedAt, completedAt, cancelledAt sql.NullTime
	var queue pq.StringArray

	err := row.Scan(
		&t.ID, &t.PassengerID, &driverID, &queue,
		&t.Pickup.Lat, &t.Pickup.Lng, &t.Pickup.Address,
		&t.Dropoff.Lat, &t.Dropoff.Lng, &t.Dropoff.Address,
		&t.VehicleType, &t.Status, &t.DistanceKm, &t.EstimatedDuration,
		&t.EstimatedPrice, &finalPrice, &paymentRef, &cancelledBy,
		&t.CreatedAt, &acceptedAt, &completedAt, &cancelledAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.CandidateQueue = []string(queue)
	t.DriverID = driverID.String
	t.PaymentRef = paymentRef.String
	t.CancelledBy = models.CancelActor(cancelledBy.String)
	t.FinalPrice = finalPrice.Float64
	if acceptedAt.Valid {
		t.AcceptedAt = &acceptedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		t.CancelledAt = &cancelledAt.Time
	}
	return &t, nil
}

func (p *Postgres) CreateTrip(ctx context.Context, t *models.Trip) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO trips (id, passenger_id, candidate_queue,
			pickup_lat, pickup_lng, pickup_address, dropoff_lat, dropoff_lng, dropoff_address,
			vehicle_type, trip_status, distance_km, estimated_duration_seconds, estimated_price,
			created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)`,
		t.ID, t.PassengerID, pq.Array(t.CandidateQueue),
		t.Pickup.Lat, t.Pickup.Lng, t.Pickup.Address,
		t.Dropoff.Lat, t.Dropoff.Lng, t.Dropoff.Address,
		t.VehicleType, t.Status, t.DistanceKm, t.EstimatedDuration, t.EstimatedPrice,
		t.CreatedAt,
	)
	return err
}

func (p *Postgres) GetTrip(ctx context.Context, id string) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+tripColumns+` FROM trips WHERE id=$1`, id)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// tripConflictOrMissing maps a zero-row conditional update to the
// right sentinel: the trip either does not exist or is in another
// status.
func (p *Postgres) tripConflictOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM trips WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *Postgres) conditionalTrip(ctx context.Context, id, query string, args ...any) (*models.Trip, error) {
	row := p.db.QueryRowContext(ctx, query, args...)
	t, err := scanTrip(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.tripConflictOrMissing(ctx, id)
	}
	return t, err
}

func (p *Postgres) AssignDriver(ctx context.Context, id, driverID string, at time.Time) (*models.Trip, error) {
	return p.conditionalTrip(ctx, id, `
		UPDATE trips SET driver_id=$2, trip_status=$3, accepted_at=$4, updated_at=now()
		WHERE id=$1 AND trip_status=$5
		RETURNING `+tripColumns,
		id, driverID, models.TripAccepted, at, models.TripSearching)
}

func (p *Postgres) StartTrip(ctx context.Context, id string) (*models.Trip, error) {
	return p.conditionalTrip(ctx, id, `
		UPDATE trips SET trip_status=$2, updated_at=now()
		WHERE id=$1 AND trip_status=$3
		RETURNING `+tripColumns,
		id, models.TripInProgress, models.TripAccepted)
}

func (p *Postgres) CompleteTrip(ctx context.Context, id string, finalPrice float64, at time.Time) (*models.Trip, error) {
	return p.conditionalTrip(ctx, id, `
		UPDATE trips SET trip_status=$2, final_price=$3, completed_at=$4, updated_at=now()
		WHERE id=$1 AND trip_status=$5
		RETURNING `+tripColumns,
		id, models.TripCompleted, finalPrice, at, models.TripInProgress)
}

func (p *Postgres) CancelTrip(ctx context.Context, id string, by models.CancelActor, at time.Time) (*models.Trip, error) {
	return p.conditionalTrip(ctx, id, `
		UPDATE trips SET trip_status=$2, cancelled_by=$3, cancelled_at=$4, updated_at=now()
		WHERE id=$1 AND trip_status IN ($5,$6,$7)
		RETURNING `+tripColumns,
		id, models.TripCancelled, by, at,
		models.TripSearching, models.TripAccepted, models.TripInProgress)
}

func (p *Postgres) SetPaymentRef(ctx context.Context, id, ref string) error {
	res, err := p.db.ExecContext(ctx, `UPDATE trips SET payment_ref=$2 WHERE id=$1`, id, ref)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) SetCandidates(ctx context.Context, id string, drivers []string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE trips SET candidate_queue=$2, updated_at=now() WHERE id=$1`,
		id, pq.Array(drivers))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) PopCandidate(ctx context.Context, id, driverID string) ([]string, error) {
	var remaining pq.StringArray
	err := p.db.QueryRowContext(ctx, `
		UPDATE trips SET candidate_queue=candidate_queue[2:], updated_at=now()
		WHERE id=$1 AND trip_status=$2 AND candidate_queue[1]=$3
		RETURNING candidate_queue`,
		id, models.TripSearching, driverID).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.tripConflictOrMissing(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return []string(remaining), nil
}

func (p *Postgres) tripsWhere(ctx context.Context, where string, arg any) ([]*models.Trip, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+tripColumns+` FROM trips WHERE `+where+` ORDER BY created_at DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *Postgres) TripsByPassenger(ctx context.Context, userID string) ([]*models.Trip, error) {
	return p.tripsWhere(ctx, `passenger_id=$1`, userID)
}

func (p *Postgres) TripsByDriver(ctx context.Context, userID string) ([]*models.Trip, error) {
	return p.tripsWhere(ctx, `driver_id=$1`, userID)
}

const driverColumns = `id, status, current_lat, current_lng, current_trip_id,
	last_location_update, daily_trips, daily_revenue, created_at, updated_at`

func scanDriver(row rowScanner) (*models.Driver, error) {
	var d models.Driver
	var lat, lng sql.NullFloat64
	var tripID sql.NullString
	var lastLoc sql.NullTime

	err := row.Scan(&d.ID, &d.Status, &lat, &lng, &tripID,
		&lastLoc, &d.DailyTrips, &d.DailyRevenue, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.CurrentLat = lat.Float64
	d.CurrentLng = lng.Float64
	d.CurrentTripID = tripID.String
	if lastLoc.Valid {
		d.LastLocationUpdate = &lastLoc.Time
	}
	return &d, nil
}

func (p *Postgres) GetDriver(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id=$1`, id)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

// UpsertStatus writes the new status. Any status other than BUSY also
// clears the trip binding, keeping current_trip_id set iff BUSY.
func (p *Postgres) UpsertStatus(ctx context.Context, id string, status models.DriverStatus) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO drivers (id, status, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status,
			current_trip_id=CASE WHEN EXCLUDED.status=$3 THEN drivers.current_trip_id ELSE NULL END,
			updated_at=now()
		RETURNING `+driverColumns,
		id, status, models.DriverBusy)
	return scanDriver(row)
}

func (p *Postgres) SetLocation(ctx context.Context, id string, lat, lng float64, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE drivers SET current_lat=$2, current_lng=$3, last_location_update=$4, updated_at=now()
		WHERE id=$1`,
		id, lat, lng, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) driverConflictOrMissing(ctx context.Context, id string) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM drivers WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func (p *Postgres) BindTrip(ctx context.Context, id, tripID string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE drivers SET status=$2, current_trip_id=$3, updated_at=now()
		WHERE id=$1 AND status=$4
		RETURNING `+driverColumns,
		id, models.DriverBusy, tripID, models.DriverOnline)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.driverConflictOrMissing(ctx, id)
	}
	return d, err
}

func (p *Postgres) ReleaseTrip(ctx context.Context, id string) (*models.Driver, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE drivers SET status=$2, current_trip_id=NULL, updated_at=now()
		WHERE id=$1
		RETURNING `+driverColumns,
		id, models.DriverOnline)
	d, err := scanDriver(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (p *Postgres) AddDailyStats(ctx context.Context, id string, trips int, revenue float64) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE drivers SET daily_trips=daily_trips+$2, daily_revenue=daily_revenue+$3, updated_at=now()
		WHERE id=$1`,
		id, trips, revenue)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) AddRating(ctx context.Context, r *models.Rating) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO ratings (id, trip_id, rated_by, rated_user, rater_role, score, comment, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		r.ID, r.TripID, r.RatedBy, r.RatedUser, r.RaterRole, r.Score, r.Comment, r.CreatedAt)
	return err
}

func (p *Postgres) RatingsByTrip(ctx context.Context, tripID string) ([]*models.Rating, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, trip_id, rated_by, rated_user, rater_role, score, comment, created_at
		FROM ratings WHERE trip_id=$1 ORDER BY created_at`, tripID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Rating
	for rows.Next() {
		var r models.Rating
		var comment sql.NullString
		if err := rows.Scan(&r.ID, &r.TripID, &r.RatedBy, &r.RatedUser, &r.RaterRole, &r.Score, &comment, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Comment = comment.String
		out = append(out, &r)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"sync"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// Memory implements every store interface in-process. Used for tests
// and broker-less standalone runs.
type Memory struct {
	mu      sync.RWMutex
	trips   map[string]*models.Trip
	drivers map[string]*models.Driver
	ratings map[string][]*models.Rating // by trip id
}

func NewMemory() *Memory {
	return &Memory{
		trips:   make(map[string]*models.Trip),
		drivers: make(map[string]*models.Driver),
		ratings: make(map[string][]*models.Rating),
	}
}

func cloneTrip(t *models.Trip) *models.Trip {
	c := *t
	c.CandidateQueue = append([]string(nil), t.CandidateQueue...)
	return &c
}

func cloneDriver(d *models.Driver) *models.Driver {
	c := *d
	return &c
}

func (m *Memory) CreateTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trips[t.ID] = cloneTrip(t)
	return nil
}

func (m *Memory) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTrip(t), nil
}

// transition applies mutate under the lock if the trip is currently in
// one of the from statuses.
func (m *Memory) transition(id string, from []models.TripStatus, mutate func(*models.Trip)) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	matched := false
	for _, s := range from {
		if t.Status == s {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrConflict
	}
	mutate(t)
	t.UpdatedAt = time.Now()
	return cloneTrip(t), nil
}

func (m *Memory) AssignDriver(_ context.Context, id, driverID string, at time.Time) (*models.Trip, error) {
	return m.transition(id, []models.TripStatus{models.TripSearching}, func(t *models.Trip) {
		t.DriverID = driverID
		t.Status = models.TripAccepted
		t.AcceptedAt = &at
	})
}

func (m *Memory) StartTrip(_ context.Context, id string) (*models.Trip, error) {
	return m.transition(id, []models.TripStatus{models.TripAccepted}, func(t *models.Trip) {
		t.Status = models.TripInProgress
	})
}

func (m *Memory) CompleteTrip(_ context.Context, id string, finalPrice float64, at time.Time) (*models.Trip, error) {
	return m.transition(id, []models.TripStatus{models.TripInProgress}, func(t *models.Trip) {
		t.Status = models.TripCompleted
		t.FinalPrice = finalPrice
		t.CompletedAt = &at
	})
}

func (m *Memory) CancelTrip(_ context.Context, id string, by models.CancelActor, at time.Time) (*models.Trip, error) {
	nonTerminal := []models.TripStatus{models.TripSearching, models.TripAccepted, models.TripInProgress}
	return m.transition(id, nonTerminal, func(t *models.Trip) {
		t.Status = models.TripCancelled
		t.CancelledBy = by
		t.CancelledAt = &at
	})
}

func (m *Memory) SetPaymentRef(_ context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return ErrNotFound
	}
	t.PaymentRef = ref
	return nil
}

func (m *Memory) SetCandidates(_ context.Context, id string, drivers []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return ErrNotFound
	}
	t.CandidateQueue = append([]string(nil), drivers...)
	t.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) PopCandidate(_ context.Context, id, driverID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TripSearching {
		return nil, ErrConflict
	}
	if len(t.CandidateQueue) == 0 || t.CandidateQueue[0] != driverID {
		return nil, ErrConflict
	}
	t.CandidateQueue = t.CandidateQueue[1:]
	t.UpdatedAt = time.Now()
	return append([]string(nil), t.CandidateQueue...), nil
}

func (m *Memory) TripsByPassenger(_ context.Context, userID string) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if t.PassengerID == userID {
			out = append(out, cloneTrip(t))
		}
	}
	return out, nil
}

func (m *Memory) TripsByDriver(_ context.Context, userID string) ([]*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Trip
	for _, t := range m.trips {
		if t.DriverID == userID {
			out = append(out, cloneTrip(t))
		}
	}
	return out, nil
}

func (m *Memory) GetDriver(_ context.Context, id string) (*models.Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDriver(d), nil
}

func (m *Memory) UpsertStatus(_ context.Context, id string, status models.DriverStatus) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		now := time.Now()
		d = &models.Driver{ID: id, CreatedAt: now}
		m.drivers[id] = d
	}
	d.Status = status
	if status != models.DriverBusy {
		d.CurrentTripID = ""
	}
	d.UpdatedAt = time.Now()
	return cloneDriver(d), nil
}

func (m *Memory) SetLocation(_ context.Context, id string, lat, lng float64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.CurrentLat = lat
	d.CurrentLng = lng
	d.LastLocationUpdate = &at
	d.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) BindTrip(_ context.Context, id, tripID string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	if d.Status != models.DriverOnline {
		return nil, ErrConflict
	}
	d.Status = models.DriverBusy
	d.CurrentTripID = tripID
	d.UpdatedAt = time.Now()
	return cloneDriver(d), nil
}

func (m *Memory) ReleaseTrip(_ context.Context, id string) (*models.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, ErrNotFound
	}
	d.Status = models.DriverOnline
	d.CurrentTripID = ""
	d.UpdatedAt = time.Now()
	return cloneDriver(d), nil
}

func (m *Memory) AddDailyStats(_ context.Context, id string, trips int, revenue float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return ErrNotFound
	}
	d.DailyTrips += trips
	d.DailyRevenue += revenue
	return nil
}

func (m *Memory) AddRating(_ context.Context, r *models.Rating) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *r
	m.ratings[r.TripID] = append(m.ratings[r.TripID], &c)
	return nil
}

func (m *Memory) RatingsByTrip(_ context.Context, tripID string) ([]*models.Rating, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Rating, 0, len(m.ratings[tripID]))
	for _, r := range m.ratings[tripID] {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

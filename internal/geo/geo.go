package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/trip-dispatch/internal/models"
)

// Index is the ephemeral driver position cache. Entries exist only
// while a driver is searchable (online or busy); the driver store
// remains authoritative for searchability, the index only answers
// "where" and "who is near".
type Index interface {
	Upsert(ctx context.Context, driverID string, lng, lat float64) error
	Remove(ctx context.Context, driverID string) error
	Search(ctx context.Context, lng, lat, radiusKm float64, limit int) ([]models.DriverWithDistance, error)
	Position(ctx context.Context, driverID string) (models.Coord, bool, error)
}

// Memory is a process-local Index used for tests and standalone runs.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]models.Coord
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]models.Coord)}
}

func (m *Memory) Upsert(_ context.Context, driverID string, lng, lat float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[driverID] = models.Coord{Lat: lat, Lng: lng}
	return nil
}

func (m *Memory) Remove(_ context.Context, driverID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, driverID)
	return nil
}

func (m *Memory) Position(_ context.Context, driverID string) (models.Coord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.entries[driverID]
	return c, ok, nil
}

func (m *Memory) Search(_ context.Context, lng, lat, radiusKm float64, limit int) ([]models.DriverWithDistance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]models.DriverWithDistance, 0, len(m.entries))
	for id, c := range m.entries {
		d := HaversineKm(lat, lng, c.Lat, c.Lng)
		if d > radiusKm {
			continue
		}
		hits = append(hits, models.DriverWithDistance{DriverID: id, DistanceKm: d, Coord: c})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].DistanceKm < hits[j].DistanceKm })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

const earthRadiusKm = 6371.0

// HaversineKm returns the great-circle distance in kilometers between
// two points given in decimal degrees.
func HaversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLng := (lng2 - lng1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

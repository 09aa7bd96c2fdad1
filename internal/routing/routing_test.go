package routing

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFallbackStraightLine(t *testing.T) {
	from := models.Coord{Lat: 10.00, Lng: 106.00}
	to := models.Coord{Lat: 10.05, Lng: 106.05}
	r := Fallback(from, to)
	if math.Abs(r.DistanceKm-7.8) > 0.3 {
		t.Fatalf("unexpected distance: %f", r.DistanceKm)
	}
	// 30 km/h assumed speed, minutes rounded up
	wantMin := math.Ceil(r.DistanceKm / 30 * 60)
	if r.DurationSeconds != wantMin*60 {
		t.Fatalf("duration=%f want=%f", r.DurationSeconds, wantMin*60)
	}
	if len(r.Geometry) != 2 {
		t.Fatalf("expected two-point geometry, got %d", len(r.Geometry))
	}
	if r.Geometry[0] != [2]float64{106.00, 10.00} {
		t.Fatalf("geometry starts at %v", r.Geometry[0])
	}
}

type failingClient struct{ calls int }

func (f *failingClient) Route(ctx context.Context, from, to models.Coord, profile string) (Route, error) {
	f.calls++
	return Route{}, errors.New("upstream down")
}

func TestServiceFallsBackOnClientError(t *testing.T) {
	fc := &failingClient{}
	s := NewService(fc, nil, 0, discard())
	r := s.GetRoute(context.Background(), models.Coord{Lat: 0, Lng: 0}, models.Coord{Lat: 1, Lng: 1}, "car")
	if fc.calls != 1 {
		t.Fatalf("expected one upstream attempt, got %d", fc.calls)
	}
	if r.DistanceKm <= 0 {
		t.Fatal("fallback route has no distance")
	}
}

type fixedClient struct {
	r     Route
	calls int
}

func (f *fixedClient) Route(ctx context.Context, from, to models.Coord, profile string) (Route, error) {
	f.calls++
	return f.r, nil
}

func TestServiceCachesRemoteRoutes(t *testing.T) {
	fc := &fixedClient{r: Route{DistanceKm: 3.2, DurationSeconds: 600}}
	s := NewService(fc, nil, time.Minute, discard())
	from, to := models.Coord{Lat: 1, Lng: 2}, models.Coord{Lat: 3, Lng: 4}

	first := s.GetRoute(context.Background(), from, to, "car")
	second := s.GetRoute(context.Background(), from, to, "car")
	if fc.calls != 1 {
		t.Fatalf("expected single upstream call, got %d", fc.calls)
	}
	if first.DistanceKm != second.DistanceKm {
		t.Fatal("cached route differs")
	}
}

func TestOSRMRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"Ok","routes":[{"distance":7500,"duration":900,
			"geometry":{"coordinates":[[106.0,10.0],[106.05,10.05]]},
			"legs":[{"steps":[{"name":"Main St","distance":7500,"duration":900,"maneuver":{"type":"depart"}}]}]}]}`))
	}))
	defer srv.Close()

	c := NewOSRMClient(srv.URL)
	r, err := c.Route(context.Background(), models.Coord{Lat: 10, Lng: 106}, models.Coord{Lat: 10.05, Lng: 106.05}, "car")
	if err != nil {
		t.Fatal(err)
	}
	if r.DistanceKm != 7.5 || r.DurationSeconds != 900 {
		t.Fatalf("unexpected route: %+v", r)
	}
	if len(r.Steps) != 1 || r.Steps[0].StreetName != "Main St" {
		t.Fatalf("unexpected steps: %+v", r.Steps)
	}
}

func TestOSRMNearestEchoesInputOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"code":"NoSegment"}`))
	}))
	defer srv.Close()

	s := NewService(nil, NewOSRMClient(srv.URL), 0, discard())
	in := models.Coord{Lat: 10, Lng: 106}
	got := s.FindNearestRoad(context.Background(), in)
	if got != in {
		t.Fatalf("expected input echoed, got %+v", got)
	}
}

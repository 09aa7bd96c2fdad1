package routing

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/trip-dispatch/internal/models"
)

// GoogleClient is an alternative routing backend using the Google Maps
// Directions API. Selected via ROUTING_BACKEND=google.
type GoogleClient struct {
	client *maps.Client
}

func NewGoogleClient(apiKey string) (*GoogleClient, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating maps client: %w", err)
	}
	return &GoogleClient{client: c}, nil
}

func travelMode(profile string) maps.Mode {
	switch profile {
	case "bicycle":
		return maps.TravelModeBicycling
	case "foot":
		return maps.TravelModeWalking
	default:
		return maps.TravelModeDriving
	}
}

func (g *GoogleClient) Route(ctx context.Context, from, to models.Coord, profile string) (Route, error) {
	r := &maps.DirectionsRequest{
		Origin:      fmt.Sprintf("%f,%f", from.Lat, from.Lng),
		Destination: fmt.Sprintf("%f,%f", to.Lat, to.Lng),
		Mode:        travelMode(profile),
	}

	routes, _, err := g.client.Directions(ctx, r)
	if err != nil {
		return Route{}, fmt.Errorf("directions api: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return Route{}, fmt.Errorf("no route found")
	}

	leg := routes[0].Legs[0]
	route := Route{
		DistanceMeters:  float64(leg.Distance.Meters),
		DistanceKm:      float64(leg.Distance.Meters) / 1000,
		DurationSeconds: leg.Duration.Seconds(),
	}
	if pts, err := routes[0].OverviewPolyline.Decode(); err == nil {
		route.Geometry = make([][2]float64, 0, len(pts))
		for _, p := range pts {
			route.Geometry = append(route.Geometry, [2]float64{p.Lng, p.Lat})
		}
	}
	for _, st := range leg.Steps {
		route.Steps = append(route.Steps, Step{
			Instruction:     st.HTMLInstructions,
			DistanceMeters:  float64(st.Distance.Meters),
			DurationSeconds: st.Duration.Seconds(),
		})
	}
	return route, nil
}

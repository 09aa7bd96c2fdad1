package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/trip-dispatch/internal/models"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: endpoint, Client: &http.Client{Timeout: 5 * time.Second}}
}

// Route queries OSRM /route between points. OSRM takes lng,lat order.
func (o *OSRMClient) Route(ctx context.Context, from, to models.Coord, profile string) (Route, error) {
	if profile == "" {
		profile = "car"
	}
	url := fmt.Sprintf("%s/route/v1/%s/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson&steps=true",
		o.Endpoint, profile, from.Lng, from.Lat, to.Lng, to.Lat)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return Route{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Route{}, fmt.Errorf("osrm status %d", resp.StatusCode)
	}

	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry struct {
				Coordinates [][2]float64 `json:"coordinates"`
			} `json:"geometry"`
			Legs []struct {
				Steps []struct {
					Name     string  `json:"name"`
					Distance float64 `json:"distance"`
					Duration float64 `json:"duration"`
					Maneuver struct {
						Type string `json:"type"`
					} `json:"maneuver"`
				} `json:"steps"`
			} `json:"legs"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Route{}, err
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %s", out.Code)
	}

	r := out.Routes[0]
	route := Route{
		DistanceMeters:  r.Distance,
		DistanceKm:      r.Distance / 1000,
		DurationSeconds: r.Duration,
		Geometry:        r.Geometry.Coordinates,
	}
	if len(r.Legs) > 0 {
		for _, st := range r.Legs[0].Steps {
			route.Steps = append(route.Steps, Step{
				Instruction:     st.Maneuver.Type,
				StreetName:      st.Name,
				DistanceMeters:  st.Distance,
				DurationSeconds: st.Duration,
			})
		}
	}
	return route, nil
}

// Nearest snaps a coordinate to the closest road point.
func (o *OSRMClient) Nearest(ctx context.Context, c models.Coord) (models.Coord, error) {
	url := fmt.Sprintf("%s/nearest/v1/car/%.6f,%.6f?number=1", o.Endpoint, c.Lng, c.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return c, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return c, err
	}
	defer resp.Body.Close()

	var out struct {
		Code      string `json:"code"`
		Waypoints []struct {
			Location [2]float64 `json:"location"` // lng, lat
		} `json:"waypoints"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return c, err
	}
	if out.Code != "Ok" || len(out.Waypoints) == 0 {
		return c, fmt.Errorf("osrm nearest: %s", out.Code)
	}
	return models.Coord{Lng: out.Waypoints[0].Location[0], Lat: out.Waypoints[0].Location[1]}, nil
}

// Health probes the server with a trivial route query.
func (o *OSRMClient) Health(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.Endpoint+"/route/v1/car/0,0;1,1", nil)
	if err != nil {
		return false
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

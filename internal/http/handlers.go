package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/driver"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/routing"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

// Server exposes the synchronous trip and driver APIs. Dispatch itself
// is asynchronous; these handlers only enter and observe the system.
type Server struct {
	trips   *trip.Service
	drivers *driver.Service
	routes  *routing.Service
	wsReg   *dispatch.WSRegistry
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(trips *trip.Service, drivers *driver.Service, routes *routing.Service, wsReg *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{trips: trips, drivers: drivers, routes: routes, wsReg: wsReg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routesTable()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routesTable() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/trips", s.handleCreateTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}", s.handleGetTrip).Methods("GET")
	api.HandleFunc("/trips/{trip_id}/cancel", s.handleCancelTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/assign", s.handleAssignDriver).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/start", s.handleStartTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/complete", s.handleCompleteTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/reject", s.handleRejectTrip).Methods("POST")
	api.HandleFunc("/trips/{trip_id}/rating", s.handleRateTrip).Methods("POST")
	api.HandleFunc("/users/{user_id}/trips", s.handleTripHistory).Methods("GET")

	api.HandleFunc("/drivers/nearby", s.handleFindNearby).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}", s.handleDriverProfile).Methods("GET")
	api.HandleFunc("/drivers/{driver_id}/status", s.handleUpdateStatus).Methods("PUT")
	api.HandleFunc("/drivers/{driver_id}/location", s.handleUpdateLocation).Methods("PUT")
	api.HandleFunc("/drivers/{driver_id}/accept", s.handleAcceptTrip).Methods("POST")
	api.HandleFunc("/drivers/{driver_id}/reject", s.handleDriverRejectTrip).Methods("POST")

	s.mux.HandleFunc("/ws/drivers/{driver_id}", s.handleDriverWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

type createTripRequest struct {
	PassengerID string             `json:"passenger_id"`
	Pickup      models.Location    `json:"pickup"`
	Dropoff     models.Location    `json:"dropoff"`
	VehicleType models.VehicleType `json:"vehicle_type"`
}

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req createTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.PassengerID == "" {
		http.Error(w, "passenger_id required", http.StatusBadRequest)
		return
	}
	t, err := s.trips.Create(r.Context(), req.PassengerID, req.Pickup, req.Dropoff, req.VehicleType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Get(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CancelledBy models.CancelActor `json:"cancelled_by"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.CancelledBy == "" {
		req.CancelledBy = models.CancelledByPassenger
	}
	t, err := s.trips.Cancel(r.Context(), mux.Vars(r)["trip_id"], req.CancelledBy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAssignDriver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DriverID == "" {
		http.Error(w, "driver_id required", http.StatusBadRequest)
		return
	}
	t, err := s.trips.Assign(r.Context(), mux.Vars(r)["trip_id"], req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStartTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Start(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Complete(r.Context(), mux.Vars(r)["trip_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleRejectTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if err := s.trips.Reject(r.Context(), mux.Vars(r)["trip_id"], req.DriverID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

type rateTripRequest struct {
	RatedBy   string      `json:"rated_by"`
	RatedUser string      `json:"rated_user"`
	RaterRole models.Role `json:"rater_role"`
	Score     int         `json:"score"`
	Comment   string      `json:"comment"`
}

func (s *Server) handleRateTrip(w http.ResponseWriter, r *http.Request) {
	var req rateTripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rating, err := s.trips.Rate(r.Context(), mux.Vars(r)["trip_id"], req.RatedBy, req.RatedUser, req.RaterRole, req.Score, req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (s *Server) handleTripHistory(w http.ResponseWriter, r *http.Request) {
	trips, err := s.trips.History(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if trips == nil {
		trips = []*models.Trip{}
	}
	writeJSON(w, http.StatusOK, trips)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Status models.DriverStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	switch req.Status {
	case models.DriverOffline, models.DriverOnline, models.DriverBusy:
	default:
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	d, err := s.drivers.UpdateStatus(r.Context(), mux.Vars(r)["driver_id"], req.Status)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Lng float64 `json:"lng"`
		Lat float64 `json:"lat"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.drivers.UpdateLocation(r.Context(), mux.Vars(r)["driver_id"], req.Lng, req.Lat); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "location updated"})
}

func (s *Server) handleFindNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lng, err1 := strconv.ParseFloat(q.Get("lng"), 64)
	lat, err2 := strconv.ParseFloat(q.Get("lat"), 64)
	if err1 != nil || err2 != nil {
		http.Error(w, "lng and lat required", http.StatusBadRequest)
		return
	}
	radius := 5.0
	if v := q.Get("radius_km"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			radius = f
		}
	}
	hits, err := s.drivers.FindNearby(r.Context(), lng, lat, radius, 10)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if hits == nil {
		hits = []models.DriverWithDistance{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (s *Server) handleDriverProfile(w http.ResponseWriter, r *http.Request) {
	d, err := s.drivers.Profile(r.Context(), mux.Vars(r)["driver_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleAcceptTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripID string `json:"trip_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TripID == "" {
		http.Error(w, "trip_id required", http.StatusBadRequest)
		return
	}
	d, err := s.drivers.Accept(r.Context(), mux.Vars(r)["driver_id"], req.TripID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleDriverRejectTrip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TripID string `json:"trip_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TripID == "" {
		http.Error(w, "trip_id required", http.StatusBadRequest)
		return
	}
	if err := s.drivers.Reject(r.Context(), mux.Vars(r)["driver_id"], req.TripID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleDriverWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.wsReg.Add(id, conn)
	defer func() {
		s.wsReg.Remove(id)
		conn.Close()
	}()

	// read pump: drains incoming frames so close frames are handled
	// and a dead socket evicts the session
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.routes != nil && !s.routes.HealthCheck(r.Context()) {
		http.Error(w, "routing backend not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ready"))
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	case errors.Is(err, storage.ErrConflict):
		http.Error(w, "conflicting state", http.StatusConflict)
	case errors.Is(err, driver.ErrNotAvailable):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, trip.ErrInvalidScore):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("internal error", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

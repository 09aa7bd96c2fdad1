package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Location is a coordinate with a human-readable address, used for
// trip pickup and dropoff points.
type Location struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

type TripStatus string

const (
	TripSearching  TripStatus = "searching"
	TripAccepted   TripStatus = "accepted"
	TripInProgress TripStatus = "in_progress"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

// Terminal reports whether no further transition is permitted from s.
func (s TripStatus) Terminal() bool {
	return s == TripCompleted || s == TripCancelled
}

type DriverStatus string

const (
	DriverOffline DriverStatus = "offline"
	DriverOnline  DriverStatus = "online"
	DriverBusy    DriverStatus = "busy"
)

type VehicleType string

const (
	VehicleBike      VehicleType = "bike"
	VehicleSedan     VehicleType = "sedan"
	VehicleSUV       VehicleType = "suv"
	VehicleSevenSeat VehicleType = "7seat"
)

// CancelActor tags who requested a trip cancellation.
type CancelActor string

const (
	CancelledByPassenger CancelActor = "passenger"
	CancelledByDriver    CancelActor = "driver"
	CancelledBySystem    CancelActor = "system"
)

type Role string

const (
	RolePassenger Role = "passenger"
	RoleDriver    Role = "driver"
)

// Trip is a single passenger transport request tracked end-to-end by
// its state machine. CandidateQueue holds the ordered driver ids still
// eligible for the sequential invitation protocol; it only shrinks
// after creation.
type Trip struct {
	ID          string      `json:"id"`
	PassengerID string      `json:"passenger_id"`
	DriverID    string      `json:"driver_id,omitempty"`
	Pickup      Location    `json:"pickup"`
	Dropoff     Location    `json:"dropoff"`
	VehicleType VehicleType `json:"vehicle_type"`
	Status      TripStatus  `json:"status"`

	CandidateQueue []string `json:"candidate_queue,omitempty"`

	DistanceKm        float64 `json:"distance_km"`
	EstimatedDuration int     `json:"estimated_duration_seconds"`
	EstimatedPrice    float64 `json:"estimated_price"`
	FinalPrice        float64 `json:"final_price"`
	PaymentRef        string  `json:"payment_ref,omitempty"`

	CancelledBy CancelActor `json:"cancelled_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Driver is a registered vehicle operator. CurrentLat/CurrentLng are
// fallback coordinates; the geo index is the primary position source
// while the driver is online or busy.
type Driver struct {
	ID                 string       `json:"id"`
	Status             DriverStatus `json:"status"`
	CurrentLat         float64      `json:"current_lat"`
	CurrentLng         float64      `json:"current_lng"`
	CurrentTripID      string       `json:"current_trip_id,omitempty"`
	LastLocationUpdate *time.Time   `json:"last_location_update,omitempty"`

	DailyTrips   int     `json:"daily_trips"`
	DailyRevenue float64 `json:"daily_revenue"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DriverWithDistance is a geo query hit: a searchable driver with its
// distance from the query point in kilometers.
type DriverWithDistance struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
	Coord      Coord   `json:"coord"`
}

// Rating is an append-only score attached to a trip.
type Rating struct {
	ID        string    `json:"id"`
	TripID    string    `json:"trip_id"`
	RatedBy   string    `json:"rated_by"`
	RatedUser string    `json:"rated_user"`
	RaterRole Role      `json:"rater_role"`
	Score     int       `json:"score"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

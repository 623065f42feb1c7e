package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// IsZero reports whether the coordinate was never set.
func (c Coord) IsZero() bool { return c.Lat == 0 && c.Lon == 0 }

// Place is a coordinate with the human readable address shown to users.
type Place struct {
	Coord
	Address string `json:"address"`
}

type RideStatus string

const (
	RideStatusPending     RideStatus = "pending"
	RideStatusNegotiating RideStatus = "negotiating"
	RideStatusAccepted    RideStatus = "accepted"
	RideStatusInProgress  RideStatus = "in_progress"
	RideStatusCompleted   RideStatus = "completed"
	RideStatusCancelled   RideStatus = "cancelled"
	RideStatusRejected    RideStatus = "rejected"
)

// OpenStatuses are the statuses of a ride that no driver holds yet.
var OpenStatuses = []RideStatus{RideStatusPending, RideStatusNegotiating}

// ActiveStatuses are the statuses of a ride that is still running.
var ActiveStatuses = []RideStatus{RideStatusPending, RideStatusNegotiating, RideStatusAccepted, RideStatusInProgress}

// CancellableStatuses lists where a cancellation may start from.
var CancellableStatuses = ActiveStatuses

func (s RideStatus) Open() bool {
	return s == RideStatusPending || s == RideStatusNegotiating
}

func (s RideStatus) Terminal() bool {
	return s == RideStatusCompleted || s == RideStatusCancelled || s == RideStatusRejected
}

// In reports whether s is one of set.
func (s RideStatus) In(set ...RideStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}

type Ride struct {
	ID                string     `json:"id"`
	CustomerID        string     `json:"customer_id"`
	DriverID          string     `json:"driver_id,omitempty"`
	RequestedDriverID string     `json:"requested_driver_id,omitempty"` // preview-targeted driver, if any
	Pickup            Place      `json:"pickup"`
	Destination       Place      `json:"destination"`
	DistanceKm        float64    `json:"distance"`
	DurationMin       float64    `json:"duration"`
	Price             float64    `json:"price"`
	OfferedPrice      *float64   `json:"offered_price,omitempty"`
	Bidding           bool       `json:"bidding"`
	AutoAcceptPrice   *float64   `json:"auto_accept_price,omitempty"`
	Status            RideStatus `json:"status"`
	Rating            *int       `json:"rating,omitempty"`
	CancelledBy       string     `json:"cancelled_by,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// FinalPrice is the negotiated price when one exists, the proposed price otherwise.
func (r *Ride) FinalPrice() float64 {
	if r.OfferedPrice != nil {
		return *r.OfferedPrice
	}
	return r.Price
}

// RidePatch carries the optional field changes applied together with a status transition.
type RidePatch struct {
	DriverID     *string
	OfferedPrice *float64
	CompletedAt  *time.Time
	CancelledBy  *string
	Rating       *int
}

type OfferStatus string

const (
	OfferStatusPending  OfferStatus = "pending"
	OfferStatusAccepted OfferStatus = "accepted"
	OfferStatusRejected OfferStatus = "rejected"
)

type Offer struct {
	ID        string      `json:"id"`
	RideID    string      `json:"ride_id"`
	DriverID  string      `json:"driver_id"`
	Amount    float64     `json:"amount"`
	Status    OfferStatus `json:"status"`
	CreatedAt time.Time   `json:"created_at"`
}

type Role string

const (
	RoleCustomer Role = "customer"
	RoleDriver   Role = "driver"
	RoleAdmin    Role = "admin"
)

type User struct {
	ID                    string     `json:"id"`
	AuthID                string     `json:"auth_id,omitempty"`
	Role                  Role       `json:"role"`
	FullName              string     `json:"full_name"`
	Phone                 string     `json:"phone"`
	PasswordHash          string     `json:"-"`
	AvatarURL             string     `json:"avatar_url,omitempty"`
	Rating                float64    `json:"rating"`
	TotalRides            int        `json:"total_rides"`
	CurrentLat            *float64   `json:"current_lat,omitempty"`
	CurrentLng            *float64   `json:"current_lng,omitempty"`
	IsOnline              bool       `json:"is_online"`
	IsVerified            bool       `json:"is_verified"`
	DocumentsSubmitted    bool       `json:"documents_submitted"`
	DocumentURLs          []string   `json:"document_urls,omitempty"`
	SubscriptionEndDate   *time.Time `json:"subscription_end_date,omitempty"`
	AccumulatedCommission float64    `json:"accumulated_commission"`
	IsSuspended           bool       `json:"is_suspended"`
	CreatedAt             time.Time  `json:"created_at"`
}

// Location returns the last known driver position.
func (u *User) Location() (Coord, bool) {
	if u.CurrentLat == nil || u.CurrentLng == nil {
		return Coord{}, false
	}
	return Coord{Lat: *u.CurrentLat, Lon: *u.CurrentLng}, true
}

type Review struct {
	ID         string    `json:"id"`
	RideID     string    `json:"ride_id"`
	ReviewerID string    `json:"reviewer_id"`
	DriverID   string    `json:"driver_id"`
	Rating     int       `json:"rating"`
	Comment    string    `json:"comment,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// RunningAverage folds one new rating into a mean computed over count previous ratings.
func RunningAverage(old float64, count int, rating int) float64 {
	return (old*float64(count) + float64(rating)) / float64(count+1)
}

// DriverLocation is the payload published on every driver GPS fix.
type DriverLocation struct {
	DriverID string    `json:"driver_id"`
	Loc      Coord     `json:"loc"`
	Rating   float64   `json:"rating"`
	Online   bool      `json:"online"`
	Updated  time.Time `json:"updated"`
}

// Driver is the projection used by the candidate index.
type Driver struct {
	ID      string    `json:"id"`
	Loc     Coord     `json:"loc"`
	Rating  float64   `json:"rating"` // 0..5
	Online  bool      `json:"online"`
	Updated time.Time `json:"updated"`
}

type Candidate struct {
	DriverID   string  `json:"driver_id"`
	ETA        float64 `json:"eta_seconds"`
	DistanceKm float64 `json:"distance_km"`
	Rating     float64 `json:"rating"`
	Cost       float64 `json:"cost"`
}

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ridehail/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyClaimed reports a conditional update that matched zero rows because
	// the row left the expected prior status first.
	ErrAlreadyClaimed = errors.New("storage: already claimed")
	ErrDuplicate      = errors.New("storage: duplicate")
)

type RideStore interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListOpenRides(ctx context.Context) ([]models.Ride, error)
	// ActiveRide returns the running ride of a customer or driver, or ErrNotFound.
	ActiveRide(ctx context.Context, userID string, role models.Role) (*models.Ride, error)
	// TransitionRide moves a ride to status `to` only if its current status is one of `from`.
	TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, patch models.RidePatch) (*models.Ride, error)
	SetAutoAcceptPrice(ctx context.Context, rideID string, price *float64) (*models.Ride, error)
}

type OfferStore interface {
	CreateOffer(ctx context.Context, o *models.Offer) error
	ListOffers(ctx context.Context, rideID string) ([]models.Offer, error)
	// AcceptOffer claims the offer and its ride together. Either both move to accepted or
	// neither does and ErrAlreadyClaimed is returned.
	AcceptOffer(ctx context.Context, offerID string) (*models.Ride, *models.Offer, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, u *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*models.User, error)
	DeleteUser(ctx context.Context, id string) error
	UpdateProfile(ctx context.Context, id, fullName, phone, avatarURL string) (*models.User, error)
	UpdateDriverLocation(ctx context.Context, id string, c models.Coord) (*models.User, error)
	SetDriverOnline(ctx context.Context, id string, online bool) (*models.User, error)
	SubmitDocuments(ctx context.Context, id string, urls []string) (*models.User, error)
	SetVerified(ctx context.Context, id string, verified bool) (*models.User, error)
	SetSuspended(ctx context.Context, id string, suspended bool) (*models.User, error)
	AddCommission(ctx context.Context, id string, amount float64) (*models.User, error)
	// RenewSubscription moves the subscription end date and clears accumulated commission.
	RenewSubscription(ctx context.Context, id string, until time.Time) (*models.User, error)
}

type ReviewStore interface {
	// AddReview stores the review, stamps the ride rating and folds the rating into the
	// driver's running average.
	AddReview(ctx context.Context, rv *models.Review) (*models.User, error)
}

// Store defines persistence operations for the ride lifecycle.
type Store interface {
	RideStore
	OfferStore
	UserStore
	ReviewStore
	Close() error
}

func applyPatch(r *models.Ride, to models.RideStatus, p models.RidePatch, now time.Time) {
	r.Status = to
	r.UpdatedAt = now
	if p.DriverID != nil {
		r.DriverID = *p.DriverID
	}
	if p.OfferedPrice != nil {
		v := *p.OfferedPrice
		r.OfferedPrice = &v
	}
	if p.CompletedAt != nil {
		v := *p.CompletedAt
		r.CompletedAt = &v
	}
	if p.CancelledBy != nil {
		r.CancelledBy = *p.CancelledBy
	}
	if p.Rating != nil {
		v := *p.Rating
		r.Rating = &v
	}
}

package storage

import (
	"context"
	"time"

	"github.com/example/ridehail/internal/models"
)

// Publisher receives row changes after they are committed.
type Publisher interface {
	Publish(c models.Change)
}

// Published wraps a Store and emits a change event for every successful write,
// the way a hosted backend's replication feed would.
type Published struct {
	Store
	pub Publisher
}

func NewPublished(s Store, pub Publisher) *Published {
	return &Published{Store: s, pub: pub}
}

func (p *Published) ride(op models.ChangeOp, r *models.Ride) {
	p.pub.Publish(models.Change{Table: models.TableRides, Op: op, Ride: r})
}

func (p *Published) user(u *models.User, err error) (*models.User, error) {
	if err == nil {
		p.pub.Publish(models.Change{Table: models.TableUsers, Op: models.OpUpdate, User: u})
	}
	return u, err
}

func (p *Published) CreateRide(ctx context.Context, r *models.Ride) error {
	if err := p.Store.CreateRide(ctx, r); err != nil {
		return err
	}
	p.ride(models.OpInsert, cloneRide(r))
	return nil
}

func (p *Published) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, patch models.RidePatch) (*models.Ride, error) {
	r, err := p.Store.TransitionRide(ctx, id, from, to, patch)
	if err == nil {
		p.ride(models.OpUpdate, cloneRide(r))
	}
	return r, err
}

func (p *Published) SetAutoAcceptPrice(ctx context.Context, rideID string, price *float64) (*models.Ride, error) {
	r, err := p.Store.SetAutoAcceptPrice(ctx, rideID, price)
	if err == nil {
		p.ride(models.OpUpdate, cloneRide(r))
	}
	return r, err
}

func (p *Published) CreateOffer(ctx context.Context, o *models.Offer) error {
	if err := p.Store.CreateOffer(ctx, o); err != nil {
		return err
	}
	c := *o
	p.pub.Publish(models.Change{Table: models.TableOffers, Op: models.OpInsert, Offer: &c})
	return nil
}

func (p *Published) AcceptOffer(ctx context.Context, offerID string) (*models.Ride, *models.Offer, error) {
	r, o, err := p.Store.AcceptOffer(ctx, offerID)
	if err != nil {
		return nil, nil, err
	}
	oc := *o
	p.pub.Publish(models.Change{Table: models.TableOffers, Op: models.OpUpdate, Offer: &oc})
	p.ride(models.OpUpdate, cloneRide(r))
	return r, o, nil
}

func (p *Published) DeleteUser(ctx context.Context, id string) error {
	if err := p.Store.DeleteUser(ctx, id); err != nil {
		return err
	}
	p.pub.Publish(models.Change{Table: models.TableUsers, Op: models.OpDelete, User: &models.User{ID: id}})
	return nil
}

func (p *Published) UpdateProfile(ctx context.Context, id, fullName, phone, avatarURL string) (*models.User, error) {
	return p.user(p.Store.UpdateProfile(ctx, id, fullName, phone, avatarURL))
}

func (p *Published) UpdateDriverLocation(ctx context.Context, id string, c models.Coord) (*models.User, error) {
	return p.user(p.Store.UpdateDriverLocation(ctx, id, c))
}

func (p *Published) SetDriverOnline(ctx context.Context, id string, online bool) (*models.User, error) {
	return p.user(p.Store.SetDriverOnline(ctx, id, online))
}

func (p *Published) SubmitDocuments(ctx context.Context, id string, urls []string) (*models.User, error) {
	return p.user(p.Store.SubmitDocuments(ctx, id, urls))
}

func (p *Published) SetVerified(ctx context.Context, id string, verified bool) (*models.User, error) {
	return p.user(p.Store.SetVerified(ctx, id, verified))
}

func (p *Published) SetSuspended(ctx context.Context, id string, suspended bool) (*models.User, error) {
	return p.user(p.Store.SetSuspended(ctx, id, suspended))
}

func (p *Published) AddCommission(ctx context.Context, id string, amount float64) (*models.User, error) {
	return p.user(p.Store.AddCommission(ctx, id, amount))
}

func (p *Published) RenewSubscription(ctx context.Context, id string, until time.Time) (*models.User, error) {
	return p.user(p.Store.RenewSubscription(ctx, id, until))
}

func (p *Published) AddReview(ctx context.Context, rv *models.Review) (*models.User, error) {
	u, err := p.user(p.Store.AddReview(ctx, rv))
	if err == nil {
		if r, getErr := p.Store.GetRide(ctx, rv.RideID); getErr == nil {
			p.ride(models.OpUpdate, r)
		}
	}
	return u, err
}

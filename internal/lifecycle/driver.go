package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/example/ridehail/internal/geo"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/notify"
	"github.com/example/ridehail/internal/observability"
	"github.com/example/ridehail/internal/realtime"
	"github.com/example/ridehail/internal/storage"
)

type DriverPhase string

const (
	DriverOffline    DriverPhase = "offline"
	DriverIdle       DriverPhase = "idle"
	DriverOfferSent  DriverPhase = "offer_sent"
	DriverAccepted   DriverPhase = "accepted"
	DriverInProgress DriverPhase = "in_progress"
)

type DriverView struct {
	Status              models.DriverStatus `json:"status"`
	Screen              ScreenState         `json:"screen"`
	Phase               DriverPhase         `json:"phase"`
	Location            *models.Coord       `json:"location,omitempty"`
	Candidate           *models.Ride        `json:"candidate,omitempty"`
	CandidateDistanceKm float64             `json:"candidate_distance_km,omitempty"`
	PendingOffer        *models.Offer       `json:"pending_offer,omitempty"`
	Ride                *models.Ride        `json:"ride,omitempty"`
}

// Driver is one driver's session: gating, the location watch, ride discovery, claiming,
// the pickup geofence and completion. Rides assigned to the driver arrive on the feed.
type Driver struct {
	deps     Deps
	driverID string
	log      *slog.Logger

	mu             sync.Mutex
	status         models.DriverStatus
	online         bool
	loc            *models.Coord
	rating         float64
	rejected       map[string]struct{}
	candidate      *models.Ride
	candidateDist  float64
	offer          *models.Offer
	ride           *models.Ride
	lastStatus     models.RideStatus
	arrived        bool
	locationWarned bool
	stopWatch      context.CancelFunc
	stopLoop       context.CancelFunc
	assignSub      *realtime.Subscription
	offerSub       *realtime.Subscription
	closed         bool

	wg sync.WaitGroup
}

// NewDriver starts listening for rides assigned to driverID. Call Close to release it.
func NewDriver(deps Deps, driverID string) *Driver {
	deps = deps.withDefaults()
	d := &Driver{
		deps:     deps,
		driverID: driverID,
		log:      deps.Logger.With("driver_id", driverID),
		rejected: make(map[string]struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.stopLoop = cancel
	d.assignSub = deps.Feed.Subscribe(realtime.Filter{Table: models.TableRides, Field: "driver_id", Value: driverID})
	d.wg.Add(1)
	go d.loop(ctx, d.assignSub)
	return d
}

func (d *Driver) DriverID() string { return d.driverID }

func (d *Driver) loop(ctx context.Context, sub *realtime.Subscription) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub.C:
			if !ok {
				return
			}
			if c.Ride != nil {
				d.applyRide(ctx, c.Ride)
			}
		}
	}
}

// Refresh reloads the profile, recomputes the gating status and reattaches to a running
// ride if there is one.
func (d *Driver) Refresh(ctx context.Context) (models.DriverStatus, error) {
	u, err := d.deps.Store.GetUser(ctx, d.driverID)
	if err != nil {
		return "", err
	}
	if u.Role != models.RoleDriver {
		return "", fmt.Errorf("%w: user is not a driver", ErrInvalidState)
	}
	status := models.ClassifyDriver(u, d.deps.Now(), d.deps.Config.CommissionLimit)
	d.mu.Lock()
	d.status = status
	d.rating = u.Rating
	if d.loc == nil {
		if loc, ok := u.Location(); ok {
			d.loc = &loc
		}
	}
	engaged := d.ride != nil
	d.mu.Unlock()
	if !engaged {
		r, err := d.deps.Store.ActiveRide(ctx, d.driverID, models.RoleDriver)
		switch {
		case err == nil:
			d.applyRide(ctx, r)
		case !errors.Is(err, storage.ErrNotFound):
			d.log.Warn("active ride lookup failed", "error", err)
		}
	}
	return status, nil
}

// Screen is the gating screen for the last computed status.
func (d *Driver) Screen() ScreenState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return ScreenFor(d.status)
}

// GoOnline marks the driver available and starts consuming fixes from src. Only active
// drivers may go online. A refused location watch degrades to the default center.
func (d *Driver) GoOnline(ctx context.Context, src LocationSource) error {
	status, err := d.Refresh(ctx)
	if err != nil {
		return err
	}
	if status != models.DriverStatusActive {
		return fmt.Errorf("%w: %s", ErrNotActive, status)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	if d.online {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	u, err := d.deps.Store.SetDriverOnline(ctx, d.driverID, true)
	if err != nil {
		d.deps.notify(d.driverID, errorNotice("could not go online", "", err))
		return err
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	fixes, werr := src.Watch(watchCtx)
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cancel()
		return ErrClosed
	}
	d.online = true
	d.stopWatch = cancel
	if werr == nil {
		d.wg.Add(1)
		go d.watchLoop(watchCtx, fixes)
	}
	d.mu.Unlock()
	observability.DriversOnline.Inc()
	d.log.Info("driver online")

	if werr != nil {
		d.log.Warn("location watch unavailable", "error", werr)
		d.degradeLocation()
	}
	d.publish(ctx, u, true)
	return nil
}

func (d *Driver) degradeLocation() {
	d.mu.Lock()
	warned := d.locationWarned
	d.locationWarned = true
	if d.loc == nil {
		c := d.deps.Config.DefaultCenter
		d.loc = &c
	}
	d.mu.Unlock()
	if !warned {
		d.deps.notify(d.driverID, notify.Notification{
			Kind:    notify.KindPermission,
			Message: "location unavailable, enable location services to receive rides",
		})
	}
}

func (d *Driver) watchLoop(ctx context.Context, fixes <-chan models.Coord) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-fixes:
			if !ok {
				return
			}
			d.HandleFix(ctx, c)
		}
	}
}

// GoOffline stops the location watch. It is refused while a ride is running.
func (d *Driver) GoOffline(ctx context.Context) error {
	d.mu.Lock()
	if !d.online {
		d.mu.Unlock()
		return nil
	}
	if d.ride != nil {
		d.mu.Unlock()
		return fmt.Errorf("%w: finish the current ride first", ErrInvalidState)
	}
	d.stopWatchLocked()
	d.online = false
	d.candidate = nil
	d.mu.Unlock()
	observability.DriversOnline.Dec()
	d.log.Info("driver offline")

	u, err := d.deps.Store.SetDriverOnline(ctx, d.driverID, false)
	if err != nil {
		d.deps.notify(d.driverID, errorNotice("could not go offline", "", err))
		return err
	}
	d.publish(ctx, u, false)
	return nil
}

func (d *Driver) stopWatchLocked() {
	if d.stopWatch != nil {
		d.stopWatch()
		d.stopWatch = nil
	}
}

// HandleFix records a position fix: it is pushed upstream, checked against the pickup
// geofence and, when the driver is free, used to look for a nearby ride.
func (d *Driver) HandleFix(ctx context.Context, c models.Coord) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.loc = &c
	r := d.ride
	fire := false
	if r != nil && d.lastStatus == models.RideStatusAccepted && !d.arrived &&
		geo.Between(c, r.Pickup.Coord) <= d.deps.Config.PickupGeofenceKm {
		d.arrived = true
		fire = true
	}
	idle := d.online && r == nil && d.offer == nil
	d.mu.Unlock()

	u, err := d.deps.Store.UpdateDriverLocation(ctx, d.driverID, c)
	if err != nil {
		d.log.Warn("location update failed", "error", err)
	}
	d.publish(ctx, u, true)

	if fire {
		d.startRide(ctx, r)
	}
	if idle {
		if _, _, err := d.Discover(ctx); err != nil && ctx.Err() == nil {
			d.log.Warn("ride discovery failed", "error", err)
		}
	}
}

// publish sends the current fix downstream. u is the freshly written profile; when the write
// failed it is nil and the last known rating is sent.
func (d *Driver) publish(ctx context.Context, u *models.User, online bool) {
	if d.deps.Locations == nil {
		return
	}
	d.mu.Lock()
	if u != nil {
		d.rating = u.Rating
	}
	loc, rating := d.loc, d.rating
	d.mu.Unlock()
	if loc == nil {
		return
	}
	msg := models.DriverLocation{DriverID: d.driverID, Loc: *loc, Rating: rating, Online: online, Updated: d.deps.Now()}
	if err := d.deps.Locations.PublishLocation(ctx, msg); err != nil {
		d.log.Warn("publish location failed", "error", err)
	}
}

// startRide moves the ride to in_progress on arrival at the pickup. A failed write that was
// not a lost race is retried on the next fix.
func (d *Driver) startRide(ctx context.Context, r *models.Ride) {
	updated, err := d.deps.Store.TransitionRide(ctx, r.ID, []models.RideStatus{models.RideStatusAccepted}, models.RideStatusInProgress, models.RidePatch{})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			observability.ClaimConflicts.WithLabelValues("start").Inc()
			if fresh, ferr := d.deps.Store.GetRide(ctx, r.ID); ferr == nil {
				d.applyRide(ctx, fresh)
			}
			return
		}
		d.log.Warn("start ride failed", "ride_id", r.ID, "error", err)
		d.mu.Lock()
		if d.ride != nil && d.ride.ID == r.ID {
			d.arrived = false
		}
		d.mu.Unlock()
		return
	}
	observability.GeofenceArrivals.Inc()
	observability.RideTransitions.WithLabelValues(string(models.RideStatusInProgress)).Inc()
	d.log.Info("arrived at pickup, ride started", "ride_id", r.ID)
	d.applyRide(ctx, updated)
}

// Discover selects the nearest open ride within the discovery radius, skipping rides
// this session rejected and rides targeted at another driver.
func (d *Driver) Discover(ctx context.Context) (*models.Ride, float64, error) {
	d.mu.Lock()
	loc, online := d.loc, d.online
	engaged := d.ride != nil || d.offer != nil
	d.mu.Unlock()
	if !online {
		return nil, 0, fmt.Errorf("%w: go online first", ErrInvalidState)
	}
	if engaged || loc == nil {
		return nil, 0, nil
	}
	open, err := d.deps.Store.ListOpenRides(ctx)
	if err != nil {
		return nil, 0, err
	}

	d.mu.Lock()
	rides := make([]models.Ride, 0, len(open))
	points := make([]models.Coord, 0, len(open))
	for _, r := range open {
		if _, skip := d.rejected[r.ID]; skip {
			continue
		}
		if r.RequestedDriverID != "" && r.RequestedDriverID != d.driverID {
			continue
		}
		if r.CustomerID == d.driverID {
			continue
		}
		rides = append(rides, r)
		points = append(points, r.Pickup.Coord)
	}
	idx, dist, ok := geo.Nearest(*loc, points, d.deps.Config.DiscoveryRadiusKm)
	prev := d.candidate
	if !ok {
		d.candidate, d.candidateDist = nil, 0
		d.mu.Unlock()
		return nil, 0, nil
	}
	c := rides[idx]
	d.candidate, d.candidateDist = &c, dist
	d.mu.Unlock()

	if prev == nil || prev.ID != c.ID {
		d.deps.notify(d.driverID, notify.Notification{
			Kind:    notify.KindRideAvailable,
			Message: fmt.Sprintf("new ride %.1f km away", dist),
			RideID:  c.ID,
			Data:    c,
		})
	}
	out := c
	return &out, dist, nil
}

// Reject hides a ride from this session's discovery. Nothing is written.
func (d *Driver) Reject(rideID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejected[rideID] = struct{}{}
	if d.candidate != nil && d.candidate.ID == rideID {
		d.candidate, d.candidateDist = nil, 0
	}
}

// Accept takes a ride. Fixed-price rides are claimed outright with a conditional update;
// bidding rides get an offer of amount (the proposed price when nil) and wait for the
// passenger.
func (d *Driver) Accept(ctx context.Context, rideID string, amount *float64) error {
	d.mu.Lock()
	switch {
	case d.status != models.DriverStatusActive:
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotActive, d.status)
	case !d.online:
		d.mu.Unlock()
		return fmt.Errorf("%w: go online first", ErrInvalidState)
	case d.ride != nil || d.offer != nil:
		d.mu.Unlock()
		return fmt.Errorf("%w: already engaged", ErrInvalidState)
	}
	d.mu.Unlock()

	r, err := d.deps.Store.GetRide(ctx, rideID)
	if err != nil {
		return err
	}
	if r.RequestedDriverID != "" && r.RequestedDriverID != d.driverID {
		return fmt.Errorf("%w: ride was requested from another driver", ErrInvalidState)
	}
	if !r.Status.Open() {
		d.lostRide(rideID)
		return ErrAlreadyClaimed
	}

	if !r.Bidding {
		me := d.driverID
		claimed, err := d.deps.Store.TransitionRide(ctx, r.ID, models.OpenStatuses, models.RideStatusAccepted, models.RidePatch{DriverID: &me})
		if err != nil {
			if errors.Is(err, storage.ErrAlreadyClaimed) {
				observability.ClaimConflicts.WithLabelValues("ride").Inc()
				d.lostRide(rideID)
			}
			d.deps.notify(d.driverID, errorNotice("could not accept the ride", rideID, err))
			return err
		}
		observability.RideTransitions.WithLabelValues(string(models.RideStatusAccepted)).Inc()
		d.log.Info("ride claimed", "ride_id", r.ID)
		d.applyRide(ctx, claimed)
		return nil
	}

	price := r.Price
	if amount != nil {
		price = *amount
	}
	if price <= 0 {
		return fmt.Errorf("%w: offer amount must be positive", ErrValidation)
	}
	o := &models.Offer{
		ID:        uuid.NewString(),
		RideID:    r.ID,
		DriverID:  d.driverID,
		Amount:    price,
		Status:    models.OfferStatusPending,
		CreatedAt: d.deps.Now(),
	}
	// Watch the ride before inserting so a fast acceptance or cancellation is not missed.
	sub := d.deps.Feed.Subscribe(realtime.Filter{Table: models.TableRides, Field: "id", Value: r.ID})
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.Close()
		return ErrClosed
	}
	d.offer = o
	d.offerSub = sub
	d.candidate = nil
	d.wg.Add(1)
	go d.watchOffer(sub)
	d.mu.Unlock()

	if err := d.deps.Store.CreateOffer(ctx, o); err != nil {
		d.clearOffer(o.ID)
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			observability.ClaimConflicts.WithLabelValues("offer").Inc()
			d.lostRide(rideID)
		}
		d.deps.notify(d.driverID, errorNotice("could not send the offer", rideID, err))
		return err
	}
	observability.OffersSubmitted.Inc()
	d.log.Info("offer sent", "ride_id", r.ID, "amount", price)
	return nil
}

func (d *Driver) lostRide(rideID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.candidate != nil && d.candidate.ID == rideID {
		d.candidate, d.candidateDist = nil, 0
	}
}

func (d *Driver) clearOffer(offerID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.offer == nil || d.offer.ID != offerID {
		return
	}
	d.offer = nil
	d.offerSub.Close()
	d.offerSub = nil
}

func (d *Driver) watchOffer(sub *realtime.Subscription) {
	defer d.wg.Done()
	for c := range sub.C {
		if c.Ride != nil {
			d.applyRide(context.Background(), c.Ride)
		}
	}
}

// applyRide folds a ride row concerning this driver into the session. Rows equal to or
// behind the last applied status are ignored.
func (d *Driver) applyRide(ctx context.Context, r *models.Ride) {
	me := d.driverID
	d.mu.Lock()
	wonOffer := false
	if d.offer != nil && d.offer.RideID == r.ID {
		switch {
		case r.Status.Open():
			d.mu.Unlock()
			return
		case r.DriverID == me && r.Status.In(models.RideStatusAccepted, models.RideStatusInProgress):
			wonOffer = true
			d.offer = nil
			d.offerSub.Close()
			d.offerSub = nil
		default:
			d.offer = nil
			d.offerSub.Close()
			d.offerSub = nil
			d.mu.Unlock()
			d.deps.notify(me, notify.Notification{
				Kind:    notify.KindRideCancelled,
				Message: "the ride is no longer available",
				RideID:  r.ID,
			})
			return
		}
	}
	if r.DriverID != me {
		d.mu.Unlock()
		return
	}
	if d.ride == nil || d.ride.ID != r.ID {
		if !r.Status.In(models.RideStatusAccepted, models.RideStatusInProgress) {
			d.mu.Unlock()
			return
		}
		d.ride = r
		d.lastStatus = ""
		d.arrived = r.Status == models.RideStatusInProgress
		d.candidate, d.candidateDist = nil, 0
	}
	if stale(d.lastStatus, r.Status) {
		if r.Status == d.lastStatus {
			d.ride = r
		}
		d.mu.Unlock()
		return
	}
	d.lastStatus = r.Status
	d.ride = r
	if r.Status.Terminal() {
		d.ride, d.lastStatus = nil, ""
		d.arrived = false
	}
	d.mu.Unlock()

	switch r.Status {
	case models.RideStatusAccepted:
		if wonOffer {
			d.deps.notify(me, notify.Notification{
				Kind:    notify.KindOfferAccepted,
				Message: "the passenger accepted your offer",
				RideID:  r.ID,
				Data:    r,
			})
		}
	case models.RideStatusCancelled:
		if r.CancelledBy != me {
			d.deps.notify(me, notify.Notification{
				Kind:    notify.KindRideCancelled,
				Message: "the passenger cancelled the ride",
				RideID:  r.ID,
			})
		}
	}
}

// Complete ends the running ride, stamps completed_at and accrues the platform commission.
func (d *Driver) Complete(ctx context.Context) (*models.Ride, error) {
	d.mu.Lock()
	r, status := d.ride, d.lastStatus
	d.mu.Unlock()
	if r == nil || status != models.RideStatusInProgress {
		return nil, fmt.Errorf("%w: no ride in progress", ErrInvalidState)
	}
	now := d.deps.Now()
	updated, err := d.deps.Store.TransitionRide(ctx, r.ID, []models.RideStatus{models.RideStatusInProgress}, models.RideStatusCompleted, models.RidePatch{CompletedAt: &now})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			observability.ClaimConflicts.WithLabelValues("complete").Inc()
			if fresh, ferr := d.deps.Store.GetRide(ctx, r.ID); ferr == nil {
				d.applyRide(ctx, fresh)
			}
		}
		d.deps.notify(d.driverID, errorNotice("could not complete the ride", r.ID, err))
		return nil, err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideStatusCompleted)).Inc()
	d.log.Info("ride completed", "ride_id", r.ID, "price", updated.FinalPrice())
	if rate := d.deps.Config.CommissionRate; rate > 0 {
		if _, err := d.deps.Store.AddCommission(ctx, d.driverID, updated.FinalPrice()*rate); err != nil {
			d.log.Error("commission accrual failed", "ride_id", r.ID, "error", err)
		}
	}
	d.applyRide(ctx, updated)
	return updated, nil
}

// Cancel drops the ride the driver holds.
func (d *Driver) Cancel(ctx context.Context) error {
	d.mu.Lock()
	r, status := d.ride, d.lastStatus
	d.mu.Unlock()
	from := []models.RideStatus{models.RideStatusAccepted, models.RideStatusInProgress}
	if r == nil || !status.In(from...) {
		return fmt.Errorf("%w: no ride to cancel", ErrInvalidState)
	}
	me := d.driverID
	updated, err := d.deps.Store.TransitionRide(ctx, r.ID, from, models.RideStatusCancelled, models.RidePatch{CancelledBy: &me})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			observability.ClaimConflicts.WithLabelValues("cancel").Inc()
			if fresh, ferr := d.deps.Store.GetRide(ctx, r.ID); ferr == nil {
				d.applyRide(ctx, fresh)
			}
		}
		d.deps.notify(d.driverID, errorNotice("could not cancel the ride", r.ID, err))
		return err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideStatusCancelled)).Inc()
	d.log.Info("ride cancelled by driver", "ride_id", r.ID)
	d.applyRide(ctx, updated)
	return nil
}

// Close stops the watch and every subscription and marks the driver offline.
func (d *Driver) Close(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	wasOnline := d.online
	d.online = false
	d.stopWatchLocked()
	if d.stopLoop != nil {
		d.stopLoop()
	}
	d.assignSub.Close()
	d.offerSub.Close()
	d.offerSub = nil
	d.mu.Unlock()

	if wasOnline {
		observability.DriversOnline.Dec()
		u, err := d.deps.Store.SetDriverOnline(ctx, d.driverID, false)
		if err != nil {
			d.log.Warn("set offline on close failed", "error", err)
		}
		d.publish(ctx, u, false)
	}
	d.wg.Wait()
}

func (d *Driver) Snapshot() DriverView {
	d.mu.Lock()
	defer d.mu.Unlock()
	v := DriverView{Status: d.status, Screen: ScreenFor(d.status), Phase: DriverOffline}
	if d.online {
		v.Phase = DriverIdle
	}
	if d.loc != nil {
		c := *d.loc
		v.Location = &c
	}
	if d.candidate != nil {
		r := *d.candidate
		v.Candidate = &r
		v.CandidateDistanceKm = d.candidateDist
	}
	if d.offer != nil {
		o := *d.offer
		v.PendingOffer = &o
		v.Phase = DriverOfferSent
	}
	if d.ride != nil {
		r := *d.ride
		v.Ride = &r
		switch d.lastStatus {
		case models.RideStatusAccepted:
			v.Phase = DriverAccepted
		case models.RideStatusInProgress:
			v.Phase = DriverInProgress
		}
	}
	return v
}

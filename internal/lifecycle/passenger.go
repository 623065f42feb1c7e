package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/notify"
	"github.com/example/ridehail/internal/observability"
	"github.com/example/ridehail/internal/pricing"
	"github.com/example/ridehail/internal/realtime"
	"github.com/example/ridehail/internal/storage"
)

const (
	PhaseIdle   = "idle"
	PhaseRouted = "routed"
)

type RequestInput struct {
	Pickup          models.Place `json:"pickup"`
	Destination     models.Place `json:"destination"`
	DriverID        string       `json:"driver_id,omitempty"`
	Bidding         bool         `json:"bidding"`
	AutoAcceptPrice *float64     `json:"auto_accept_price,omitempty"`
}

// PassengerView is the render state of a passenger session.
type PassengerView struct {
	Phase          string           `json:"phase"`
	Pickup         *models.Place    `json:"pickup,omitempty"`
	Destination    *models.Place    `json:"destination,omitempty"`
	Quote          *pricing.Quote   `json:"quote,omitempty"`
	Ride           *models.Ride     `json:"ride,omitempty"`
	Driver         *models.User     `json:"driver,omitempty"`
	DriverLocation *models.Coord    `json:"driver_location,omitempty"`
	Offers         []DisplayedOffer `json:"offers,omitempty"`
	SearchExpired  bool             `json:"search_expired"`
	RatingPrompt   bool             `json:"rating_prompt"`
}

// Passenger tracks one customer's ride from request to rating. Ride updates arrive both
// from the change feed and from a fallback poll; both go through apply, which ignores
// anything it has already seen.
type Passenger struct {
	deps       Deps
	customerID string
	log        *slog.Logger

	mu             sync.Mutex
	pickup         *models.Place
	destination    *models.Place
	quote          *pricing.Quote
	ride           *models.Ride
	lastStatus     models.RideStatus
	driver         *models.User
	driverLoc      *models.Coord
	ratingPrompt   bool
	locationWarned bool
	requesting     bool
	board          *OfferBoard
	stopTrack      context.CancelFunc
	rideSub        *realtime.Subscription
	locSub         *realtime.Subscription
	locDriverID    string
	closed         bool

	wg sync.WaitGroup
}

func NewPassenger(deps Deps, customerID string) *Passenger {
	deps = deps.withDefaults()
	return &Passenger{
		deps:       deps,
		customerID: customerID,
		log:        deps.Logger.With("customer_id", customerID),
	}
}

func (p *Passenger) CustomerID() string { return p.customerID }

// resolvePickup substitutes the default center for a missing device position and tells the
// user once per session.
func (p *Passenger) resolvePickup(pl models.Place) models.Place {
	if !pl.IsZero() {
		return pl
	}
	p.mu.Lock()
	warned := p.locationWarned
	p.locationWarned = true
	p.mu.Unlock()
	if !warned {
		p.deps.notify(p.customerID, notify.Notification{
			Kind:    notify.KindPermission,
			Message: "location unavailable, using the default pickup point",
		})
	}
	return models.Place{Coord: p.deps.Config.DefaultCenter}
}

// Plan prices a trip and fetches its road geometry. A failed route lookup leaves the
// quote without a polyline.
func (p *Passenger) Plan(ctx context.Context, pickup, destination models.Place) (pricing.Quote, error) {
	if destination.IsZero() {
		return pricing.Quote{}, fmt.Errorf("%w: destination is required", ErrValidation)
	}
	p.mu.Lock()
	busy := p.ride != nil
	p.mu.Unlock()
	if busy {
		return pricing.Quote{}, fmt.Errorf("%w: a ride is already in progress", ErrInvalidState)
	}
	pickup = p.resolvePickup(pickup)
	q := pricing.QuoteFor(pickup.Coord, destination.Coord)
	if p.deps.Router != nil {
		route, err := p.deps.Router.Route(ctx, pickup.Coord, destination.Coord)
		if err != nil {
			p.log.Warn("route lookup failed", "error", err)
		} else {
			q.Route = route.Geometry
		}
	}
	p.mu.Lock()
	p.pickup, p.destination, p.quote = &pickup, &destination, &q
	p.mu.Unlock()
	return q, nil
}

// Request creates the ride row and starts tracking it. Bidding rides open in negotiating.
func (p *Passenger) Request(ctx context.Context, in RequestInput) (*models.Ride, error) {
	if in.Destination.IsZero() {
		return nil, fmt.Errorf("%w: destination is required", ErrValidation)
	}
	if in.AutoAcceptPrice != nil && *in.AutoAcceptPrice <= 0 {
		return nil, fmt.Errorf("%w: auto-accept price must be positive", ErrValidation)
	}
	p.mu.Lock()
	switch {
	case p.closed:
		p.mu.Unlock()
		return nil, ErrClosed
	case p.requesting || p.ride != nil:
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: a ride is already in progress", ErrInvalidState)
	}
	p.requesting = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.requesting = false
		p.mu.Unlock()
	}()

	pickup := p.resolvePickup(in.Pickup)
	q := pricing.QuoteFor(pickup.Coord, in.Destination.Coord)
	now := p.deps.Now()
	status := models.RideStatusPending
	if in.Bidding {
		status = models.RideStatusNegotiating
	}
	ride := &models.Ride{
		ID:                uuid.NewString(),
		CustomerID:        p.customerID,
		RequestedDriverID: in.DriverID,
		Pickup:            pickup,
		Destination:       in.Destination,
		DistanceKm:        q.DistanceKm,
		DurationMin:       q.DurationMin,
		Price:             q.Price,
		Bidding:           in.Bidding,
		Status:            status,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if in.AutoAcceptPrice != nil {
		v := *in.AutoAcceptPrice
		ride.AutoAcceptPrice = &v
	}
	if err := p.deps.Store.CreateRide(ctx, ride); err != nil {
		p.log.Error("create ride failed", "error", err)
		p.deps.notify(p.customerID, errorNotice("could not request the ride", "", err))
		return nil, err
	}
	observability.RidesRequested.Inc()
	p.log.Info("ride requested", "ride_id", ride.ID, "bidding", ride.Bidding, "price", ride.Price)
	p.adopt(ctx, ride)
	return ride, nil
}

// Resume reattaches to the customer's running ride after a reconnect. It returns nil
// without error when there is none.
func (p *Passenger) Resume(ctx context.Context) (*models.Ride, error) {
	p.mu.Lock()
	if p.ride != nil {
		r := *p.ride
		p.mu.Unlock()
		return &r, nil
	}
	p.mu.Unlock()
	r, err := p.deps.Store.ActiveRide(ctx, p.customerID, models.RoleCustomer)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.adopt(ctx, r)
	return r, nil
}

// adopt makes r the tracked ride and replays its current status through apply.
func (p *Passenger) adopt(ctx context.Context, r *models.Ride) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.ride = r
	p.lastStatus = ""
	p.driver, p.driverLoc = nil, nil
	p.ratingPrompt = false
	p.quote = nil
	p.startTrackingLocked(r.ID)
	p.mu.Unlock()
	p.apply(ctx, r)
}

func (p *Passenger) startTrackingLocked(rideID string) {
	ctx, cancel := context.WithCancel(context.Background())
	sub := p.deps.Feed.Subscribe(realtime.Filter{Table: models.TableRides, Field: "id", Value: rideID})
	p.stopTrack = cancel
	p.rideSub = sub
	p.wg.Add(1)
	go p.trackLoop(ctx, sub)
}

func (p *Passenger) stopTrackingLocked() {
	if p.stopTrack != nil {
		p.stopTrack()
		p.stopTrack = nil
	}
	p.rideSub.Close()
	p.rideSub = nil
	p.locSub.Close()
	p.locSub = nil
	p.locDriverID = ""
}

func (p *Passenger) trackLoop(ctx context.Context, sub *realtime.Subscription) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.deps.Config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub.C:
			if !ok {
				return
			}
			if c.Ride != nil {
				p.apply(ctx, c.Ride)
			}
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll refetches the ride while the passenger is waiting on someone else.
func (p *Passenger) poll(ctx context.Context) {
	p.mu.Lock()
	r, status := p.ride, p.lastStatus
	p.mu.Unlock()
	if r == nil || !status.In(models.RideStatusPending, models.RideStatusNegotiating, models.RideStatusAccepted) {
		return
	}
	observability.PollFetches.Inc()
	fresh, err := p.deps.Store.GetRide(ctx, r.ID)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("ride poll failed", "ride_id", r.ID, "error", err)
		}
		return
	}
	p.apply(ctx, fresh)
}

// apply folds one observed ride row into the session. A status equal to or behind the
// last applied one only refreshes the stored row and, while a driver is assigned but their
// profile is still missing, retries loading it.
func (p *Passenger) apply(ctx context.Context, r *models.Ride) {
	p.mu.Lock()
	if p.ride == nil || p.ride.ID != r.ID {
		p.mu.Unlock()
		return
	}
	prev := p.lastStatus
	if stale(prev, r.Status) {
		retry := false
		if r.Status == prev {
			p.ride = r
			retry = p.driver == nil && r.DriverID != "" &&
				r.Status.In(models.RideStatusAccepted, models.RideStatusInProgress)
		}
		p.mu.Unlock()
		if retry {
			p.ensureDriver(ctx, r)
		}
		return
	}
	p.lastStatus = r.Status
	p.ride = r
	p.mu.Unlock()

	switch r.Status {
	case models.RideStatusPending, models.RideStatusNegotiating:
		p.startBoard(ctx, r)
	case models.RideStatusAccepted:
		p.closeBoard()
		p.ensureDriver(ctx, r)
		p.mu.Lock()
		driver := p.driver
		p.mu.Unlock()
		p.deps.notify(p.customerID, notify.Notification{
			Kind:    notify.KindDriverAssigned,
			Message: "a driver accepted your ride",
			RideID:  r.ID,
			Data:    driver,
		})
	case models.RideStatusInProgress:
		p.closeBoard()
		p.ensureDriver(ctx, r)
		p.deps.notify(p.customerID, notify.Notification{
			Kind:    notify.KindRideStarted,
			Message: "your ride has started",
			RideID:  r.ID,
		})
	case models.RideStatusCompleted:
		p.closeBoard()
		p.mu.Lock()
		p.stopTrackingLocked()
		p.ratingPrompt = true
		p.mu.Unlock()
		p.deps.notify(p.customerID, notify.Notification{
			Kind:    notify.KindRatePrompt,
			Message: "how was your ride?",
			RideID:  r.ID,
			Data:    map[string]float64{"price": r.FinalPrice()},
		})
	case models.RideStatusCancelled, models.RideStatusRejected:
		p.closeBoard()
		p.mu.Lock()
		p.stopTrackingLocked()
		p.ride, p.lastStatus = nil, ""
		p.driver, p.driverLoc = nil, nil
		p.mu.Unlock()
		if r.CancelledBy != p.customerID {
			p.deps.notify(p.customerID, notify.Notification{
				Kind:    notify.KindDriverCancelled,
				Message: "your ride was cancelled by the driver",
				RideID:  r.ID,
			})
		}
	}
}

// ensureDriver loads the assigned driver's profile. When the lookup fails the ride is
// refetched once in case the driver reference changed; after that the profile stays empty.
func (p *Passenger) ensureDriver(ctx context.Context, r *models.Ride) {
	p.mu.Lock()
	have := p.driver != nil && p.driver.ID == r.DriverID
	p.mu.Unlock()
	if have {
		return
	}
	driver, err := p.deps.Store.GetUser(ctx, r.DriverID)
	if err != nil {
		p.log.Warn("driver lookup failed, refetching ride", "ride_id", r.ID, "driver_id", r.DriverID, "error", err)
		fresh, ferr := p.deps.Store.GetRide(ctx, r.ID)
		if ferr != nil || fresh.DriverID == "" {
			return
		}
		driver, err = p.deps.Store.GetUser(ctx, fresh.DriverID)
		if err != nil {
			p.log.Warn("driver profile unavailable", "ride_id", r.ID, "error", err)
			return
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.ride == nil || p.ride.ID != r.ID {
		return
	}
	p.driver = driver
	if loc, ok := driver.Location(); ok {
		p.driverLoc = &loc
	}
	p.followDriverLocked(driver.ID)
}

// followDriverLocked mirrors the driver's position while the ride runs. Switching driver
// replaces the previous subscription.
func (p *Passenger) followDriverLocked(driverID string) {
	if p.locDriverID == driverID {
		return
	}
	p.locSub.Close()
	sub := p.deps.Feed.Subscribe(realtime.Filter{Table: models.TableUsers, Op: models.OpUpdate, Field: "id", Value: driverID})
	p.locSub = sub
	p.locDriverID = driverID
	p.wg.Add(1)
	go p.followLoop(sub, driverID)
}

func (p *Passenger) followLoop(sub *realtime.Subscription, driverID string) {
	defer p.wg.Done()
	for c := range sub.C {
		if c.User == nil {
			continue
		}
		loc, ok := c.User.Location()
		if !ok {
			continue
		}
		p.mu.Lock()
		if p.locDriverID != driverID || p.ride == nil {
			p.mu.Unlock()
			continue
		}
		p.driverLoc = &loc
		rideID := p.ride.ID
		p.mu.Unlock()
		p.deps.notify(p.customerID, notify.Notification{
			Kind:   notify.KindDriverLocation,
			RideID: rideID,
			Data:   loc,
		})
	}
}

func (p *Passenger) startBoard(ctx context.Context, r *models.Ride) {
	p.mu.Lock()
	if p.board != nil || p.closed {
		p.mu.Unlock()
		return
	}
	b := newOfferBoard(p.deps, r, &p.wg, p.log)
	b.onAccepted = p.apply
	p.board = b
	b.start()
	p.mu.Unlock()
	b.loadExisting(ctx)
}

func (p *Passenger) closeBoard() {
	p.mu.Lock()
	b := p.board
	p.board = nil
	p.mu.Unlock()
	if b != nil {
		b.Stop()
	}
}

func (p *Passenger) currentBoard() (*OfferBoard, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.board == nil {
		return nil, fmt.Errorf("%w: no ride is waiting for a driver", ErrInvalidState)
	}
	return p.board, nil
}

func (p *Passenger) AcceptOffer(ctx context.Context, offerID string) error {
	b, err := p.currentBoard()
	if err != nil {
		return err
	}
	return b.Accept(ctx, offerID)
}

func (p *Passenger) RejectOffer(offerID string) error {
	b, err := p.currentBoard()
	if err != nil {
		return err
	}
	if !b.Reject(offerID) {
		return fmt.Errorf("%w: offer %s is not on the board", ErrInvalidState, offerID)
	}
	return nil
}

func (p *Passenger) SetAutoAccept(ctx context.Context, price *float64) error {
	b, err := p.currentBoard()
	if err != nil {
		return err
	}
	return b.SetAutoAccept(ctx, price)
}

func (p *Passenger) KeepSearching() error {
	b, err := p.currentBoard()
	if err != nil {
		return err
	}
	return b.KeepSearching()
}

// Cancel withdraws the ride while it is still waiting or before pickup. Losing the race to
// a driver transition returns ErrAlreadyClaimed and resyncs the local state.
func (p *Passenger) Cancel(ctx context.Context) error {
	p.mu.Lock()
	r, status := p.ride, p.lastStatus
	p.mu.Unlock()
	from := []models.RideStatus{models.RideStatusPending, models.RideStatusNegotiating, models.RideStatusAccepted}
	if r == nil || !status.In(from...) {
		return fmt.Errorf("%w: nothing to cancel", ErrInvalidState)
	}
	me := p.customerID
	updated, err := p.deps.Store.TransitionRide(ctx, r.ID, from, models.RideStatusCancelled, models.RidePatch{CancelledBy: &me})
	if err != nil {
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			observability.ClaimConflicts.WithLabelValues("cancel").Inc()
			if fresh, ferr := p.deps.Store.GetRide(ctx, r.ID); ferr == nil {
				p.apply(ctx, fresh)
			}
		}
		p.deps.notify(p.customerID, errorNotice("could not cancel the ride", r.ID, err))
		return err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideStatusCancelled)).Inc()
	p.log.Info("ride cancelled by passenger", "ride_id", r.ID)
	p.apply(ctx, updated)
	return nil
}

// Rate submits the 1..5 star review for the completed ride and returns the driver with the
// updated average.
func (p *Passenger) Rate(ctx context.Context, stars int, comment string) (*models.User, error) {
	if stars < 1 || stars > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", ErrValidation)
	}
	p.mu.Lock()
	r, prompt := p.ride, p.ratingPrompt
	p.mu.Unlock()
	if r == nil || !prompt || r.Status != models.RideStatusCompleted {
		return nil, fmt.Errorf("%w: no completed ride to rate", ErrInvalidState)
	}
	rv := &models.Review{
		ID:         uuid.NewString(),
		RideID:     r.ID,
		ReviewerID: p.customerID,
		DriverID:   r.DriverID,
		Rating:     stars,
		Comment:    comment,
		CreatedAt:  p.deps.Now(),
	}
	driver, err := p.deps.Store.AddReview(ctx, rv)
	if err != nil {
		p.deps.notify(p.customerID, errorNotice("could not save the rating", r.ID, err))
		return nil, err
	}
	p.finish(r.ID)
	return driver, nil
}

// DismissRating closes the rating prompt without a review.
func (p *Passenger) DismissRating() {
	p.mu.Lock()
	r := p.ride
	p.mu.Unlock()
	if r != nil && r.Status == models.RideStatusCompleted {
		p.finish(r.ID)
	}
}

func (p *Passenger) finish(rideID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ride == nil || p.ride.ID != rideID {
		return
	}
	p.ride, p.lastStatus = nil, ""
	p.driver, p.driverLoc = nil, nil
	p.ratingPrompt = false
	p.pickup, p.destination, p.quote = nil, nil, nil
}

// Close ends the session. A ride nobody has taken yet is cancelled, once; all
// subscriptions, timers and goroutines are released before Close returns.
func (p *Passenger) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	r, status := p.ride, p.lastStatus
	p.stopTrackingLocked()
	b := p.board
	p.board = nil
	p.mu.Unlock()
	if b != nil {
		b.Stop()
	}
	if r != nil && status.Open() {
		me := p.customerID
		if _, err := p.deps.Store.TransitionRide(ctx, r.ID, models.OpenStatuses, models.RideStatusCancelled, models.RidePatch{CancelledBy: &me}); err != nil {
			p.log.Warn("cancel on close failed", "ride_id", r.ID, "error", err)
		} else {
			observability.RideTransitions.WithLabelValues(string(models.RideStatusCancelled)).Inc()
		}
	}
	p.wg.Wait()
}

func (p *Passenger) Snapshot() PassengerView {
	p.mu.Lock()
	v := PassengerView{Phase: PhaseIdle, RatingPrompt: p.ratingPrompt}
	if p.quote != nil {
		v.Phase = PhaseRouted
		q := *p.quote
		v.Quote = &q
	}
	if p.pickup != nil {
		pl := *p.pickup
		v.Pickup = &pl
	}
	if p.destination != nil {
		pl := *p.destination
		v.Destination = &pl
	}
	if p.ride != nil {
		r := *p.ride
		v.Ride = &r
		v.Phase = string(p.lastStatus)
	}
	if p.driver != nil {
		d := *p.driver
		v.Driver = &d
	}
	if p.driverLoc != nil {
		c := *p.driverLoc
		v.DriverLocation = &c
	}
	b := p.board
	p.mu.Unlock()
	if b != nil {
		v.Offers = b.Offers()
		v.SearchExpired = b.SearchExpired()
	}
	return v
}

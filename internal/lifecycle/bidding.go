package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/notify"
	"github.com/example/ridehail/internal/observability"
	"github.com/example/ridehail/internal/realtime"
	"github.com/example/ridehail/internal/storage"
)

// DisplayedOffer is a driver offer as shown on the passenger's board.
type DisplayedOffer struct {
	models.Offer
	Driver    *models.User `json:"driver,omitempty"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// OfferBoard collects driver offers for one open ride. It also owns the search timeout:
// a ride that attracts nothing for SearchTimeout asks the passenger to keep waiting or cancel.
type OfferBoard struct {
	deps       Deps
	rideID     string
	customerID string
	bidding    bool
	log        *slog.Logger
	wg         *sync.WaitGroup
	onAccepted func(context.Context, *models.Ride)

	mu            sync.Mutex
	ceiling       *float64
	offers        map[string]*DisplayedOffer
	timers        map[string]*time.Timer
	seen          map[string]struct{}
	searchTimer   *time.Timer
	searchExpired bool
	accepting     bool
	stopped       bool
	sub           *realtime.Subscription
	cancel        context.CancelFunc
}

func newOfferBoard(deps Deps, ride *models.Ride, wg *sync.WaitGroup, log *slog.Logger) *OfferBoard {
	b := &OfferBoard{
		deps:       deps,
		rideID:     ride.ID,
		customerID: ride.CustomerID,
		bidding:    ride.Bidding,
		log:        log.With("ride_id", ride.ID),
		wg:         wg,
		offers:     make(map[string]*DisplayedOffer),
		timers:     make(map[string]*time.Timer),
		seen:       make(map[string]struct{}),
	}
	if ride.AutoAcceptPrice != nil {
		v := *ride.AutoAcceptPrice
		b.ceiling = &v
	}
	return b
}

// start subscribes to new offers and arms the search timeout. It does not block.
func (b *OfferBoard) start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		cancel()
		return
	}
	b.cancel = cancel
	b.searchTimer = time.AfterFunc(b.deps.Config.SearchTimeout, b.searchTimedOut)
	if !b.bidding {
		return
	}
	b.sub = b.deps.Feed.Subscribe(realtime.Filter{
		Table: models.TableOffers,
		Op:    models.OpInsert,
		Field: "ride_id",
		Value: b.rideID,
	})
	b.wg.Add(1)
	go b.loop(ctx, b.sub)
}

// loadExisting picks up offers inserted before the subscription was live.
func (b *OfferBoard) loadExisting(ctx context.Context) {
	if !b.bidding {
		return
	}
	offers, err := b.deps.Store.ListOffers(ctx, b.rideID)
	if err != nil {
		b.log.Warn("list offers failed", "error", err)
		return
	}
	for i := range offers {
		b.handle(ctx, &offers[i])
	}
}

func (b *OfferBoard) loop(ctx context.Context, sub *realtime.Subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-sub.C:
			if !ok {
				return
			}
			if c.Offer != nil {
				b.handle(ctx, c.Offer)
			}
		}
	}
}

func (b *OfferBoard) handle(ctx context.Context, o *models.Offer) {
	if o.Status != models.OfferStatusPending || o.RideID != b.rideID {
		return
	}
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if _, ok := b.seen[o.ID]; ok {
		b.mu.Unlock()
		return
	}
	b.seen[o.ID] = struct{}{}
	if b.searchTimer != nil {
		b.searchTimer.Stop()
		b.searchTimer = nil
	}
	b.searchExpired = false
	ceiling := b.ceiling
	b.mu.Unlock()

	// A failed auto-accept leaves the offer on the board for a manual retry.
	if ceiling != nil && o.Amount <= *ceiling {
		b.log.Info("auto-accepting offer", "offer_id", o.ID, "amount", o.Amount, "ceiling", *ceiling)
		err := b.claim(ctx, o.ID)
		if err == nil {
			observability.OffersAutoAccepted.Inc()
			return
		}
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			return
		}
		b.log.Warn("auto-accept failed, showing offer", "offer_id", o.ID, "error", err)
	}

	driver, err := b.deps.Store.GetUser(ctx, o.DriverID)
	if err != nil {
		b.log.Warn("offer driver profile unavailable", "driver_id", o.DriverID, "error", err)
		driver = nil
	}
	d := &DisplayedOffer{Offer: *o, Driver: driver, ExpiresAt: b.deps.Now().Add(b.deps.Config.OfferTTL)}
	id := o.ID

	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.offers[id] = d
	b.timers[id] = time.AfterFunc(b.deps.Config.OfferTTL, func() { b.expire(id) })
	b.mu.Unlock()

	b.deps.notify(b.customerID, notify.Notification{
		Kind:    notify.KindOfferReceived,
		Message: fmt.Sprintf("new offer: %.0f", o.Amount),
		RideID:  b.rideID,
		Data:    d,
	})
}

func (b *OfferBoard) expire(id string) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	if _, ok := b.offers[id]; !ok {
		b.mu.Unlock()
		return
	}
	b.dropLocked(id)
	b.mu.Unlock()

	observability.OffersExpired.Inc()
	b.deps.notify(b.customerID, notify.Notification{
		Kind:    notify.KindOfferExpired,
		Message: "an offer expired",
		RideID:  b.rideID,
		Data:    map[string]string{"offer_id": id},
	})
}

// dropLocked hides an offer for good and re-arms the search timeout once the board is empty.
func (b *OfferBoard) dropLocked(id string) {
	delete(b.offers, id)
	if t, ok := b.timers[id]; ok {
		t.Stop()
		delete(b.timers, id)
	}
	if len(b.offers) == 0 && b.searchTimer == nil && !b.searchExpired && !b.accepting {
		b.searchTimer = time.AfterFunc(b.deps.Config.SearchTimeout, b.searchTimedOut)
	}
}

func (b *OfferBoard) searchTimedOut() {
	b.mu.Lock()
	if b.stopped || b.accepting || len(b.offers) > 0 {
		b.mu.Unlock()
		return
	}
	b.searchTimer = nil
	b.searchExpired = true
	b.mu.Unlock()

	b.deps.notify(b.customerID, notify.Notification{
		Kind:    notify.KindSearchTimeout,
		Message: "no driver found yet, keep searching or cancel",
		RideID:  b.rideID,
	})
}

// Accept claims a displayed offer on behalf of the passenger.
func (b *OfferBoard) Accept(ctx context.Context, offerID string) error {
	b.mu.Lock()
	_, ok := b.offers[offerID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: offer %s is not on the board", ErrInvalidState, offerID)
	}
	return b.claim(ctx, offerID)
}

func (b *OfferBoard) claim(ctx context.Context, offerID string) error {
	b.mu.Lock()
	if b.stopped || b.accepting {
		b.mu.Unlock()
		return ErrInvalidState
	}
	b.accepting = true
	b.mu.Unlock()

	ride, _, err := b.deps.Store.AcceptOffer(ctx, offerID)
	if err != nil {
		b.mu.Lock()
		b.accepting = false
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			b.dropLocked(offerID)
		}
		b.mu.Unlock()
		if errors.Is(err, storage.ErrAlreadyClaimed) {
			observability.ClaimConflicts.WithLabelValues("offer").Inc()
		}
		b.log.Warn("accept offer failed", "offer_id", offerID, "error", err)
		b.deps.notify(b.customerID, errorNotice("could not accept the offer", b.rideID, err))
		return err
	}
	observability.RideTransitions.WithLabelValues(string(models.RideStatusAccepted)).Inc()
	// The callback closes this board, which cancels the loop context.
	if b.onAccepted != nil {
		b.onAccepted(context.WithoutCancel(ctx), ride)
	}
	return nil
}

// Reject hides an offer locally. Nothing is written; the driver sees the offer lapse.
func (b *OfferBoard) Reject(offerID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.offers[offerID]; !ok {
		return false
	}
	b.dropLocked(offerID)
	return true
}

// SetAutoAccept persists the ceiling and accepts the cheapest visible offer under it.
// A nil price turns auto-accept off.
func (b *OfferBoard) SetAutoAccept(ctx context.Context, price *float64) error {
	if price != nil && *price <= 0 {
		return fmt.Errorf("%w: auto-accept price must be positive", ErrValidation)
	}
	if _, err := b.deps.Store.SetAutoAcceptPrice(ctx, b.rideID, price); err != nil {
		b.deps.notify(b.customerID, errorNotice("could not save auto-accept price", b.rideID, err))
		return err
	}
	b.mu.Lock()
	if price == nil {
		b.ceiling = nil
		b.mu.Unlock()
		return nil
	}
	v := *price
	b.ceiling = &v
	var best *DisplayedOffer
	for _, o := range b.offers {
		if o.Amount <= v && (best == nil || o.Amount < best.Amount) {
			best = o
		}
	}
	b.mu.Unlock()
	if best == nil {
		return nil
	}
	if err := b.claim(ctx, best.ID); err != nil {
		return err
	}
	observability.OffersAutoAccepted.Inc()
	return nil
}

// KeepSearching dismisses the timeout prompt and restarts the countdown.
func (b *OfferBoard) KeepSearching() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrInvalidState
	}
	b.searchExpired = false
	if b.searchTimer != nil {
		b.searchTimer.Stop()
	}
	b.searchTimer = time.AfterFunc(b.deps.Config.SearchTimeout, b.searchTimedOut)
	return nil
}

// Offers returns the visible offers cheapest first.
func (b *OfferBoard) Offers() []DisplayedOffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]DisplayedOffer, 0, len(b.offers))
	for _, o := range b.offers {
		out = append(out, *o)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount == out[j].Amount {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Amount < out[j].Amount
	})
	return out
}

func (b *OfferBoard) SearchExpired() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.searchExpired
}

// Stop releases the subscription and timers. It never blocks on the board goroutine, so it
// is safe to call from an accept callback.
func (b *OfferBoard) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	b.stopped = true
	if b.cancel != nil {
		b.cancel()
	}
	b.sub.Close()
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	if b.searchTimer != nil {
		b.searchTimer.Stop()
		b.searchTimer = nil
	}
}

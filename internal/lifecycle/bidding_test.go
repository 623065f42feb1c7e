package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/notify"
	"github.com/example/ridehail/internal/storage"
)

func sendOffer(t *testing.T, env *testEnv, id, rideID, driverID string, amount float64) {
	t.Helper()
	o := &models.Offer{ID: id, RideID: rideID, DriverID: driverID, Amount: amount, Status: models.OfferStatusPending, CreatedAt: time.Now()}
	if err := env.store.CreateOffer(context.Background(), o); err != nil {
		t.Fatalf("create offer %s: %v", id, err)
	}
}

func TestAutoAcceptOnlyUnderCeiling(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Config.OfferTTL = time.Minute
	env.seedDriver(t, "d1", pickupPoint)
	env.seedDriver(t, "d2", pickupPoint)
	p := NewPassenger(env.deps, "c1")
	defer p.Close(context.Background())
	ceiling := 500.0
	r := requestRide(t, p, true, &ceiling)

	sendOffer(t, env, "o-600", r.ID, "d1", 600)
	waitFor(t, "offer on the board", func() bool { return len(p.Snapshot().Offers) == 1 })
	if v := p.Snapshot(); v.Phase != string(models.RideStatusNegotiating) || v.Offers[0].Driver == nil {
		t.Fatalf("600 must be displayed with its driver, got %+v", v)
	}

	sendOffer(t, env, "o-450", r.ID, "d2", 450)
	waitFor(t, "auto-accept", func() bool { return p.Snapshot().Phase == string(models.RideStatusAccepted) })

	got, _ := env.mem.GetRide(context.Background(), r.ID)
	if got.DriverID != "d2" || got.OfferedPrice == nil || *got.OfferedPrice != 450 {
		t.Fatalf("expected d2 at 450, got driver=%s offered=%v", got.DriverID, got.OfferedPrice)
	}
	offers, _ := env.mem.ListOffers(context.Background(), r.ID)
	for _, o := range offers {
		if o.ID == "o-600" && o.Status != models.OfferStatusRejected {
			t.Fatalf("losing offer should be rejected, got %s", o.Status)
		}
	}
}

// ctxStore fails reads on a finished context the way database/sql does.
type ctxStore struct{ storage.Store }

func (s ctxStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.GetUser(ctx, id)
}

func (s ctxStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.GetRide(ctx, id)
}

func TestAutoAcceptLoadsDriverWithContextAwareStore(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Store = ctxStore{Store: env.store}
	env.seedDriver(t, "d1", pickupPoint)
	p := NewPassenger(env.deps, "c1")
	defer p.Close(context.Background())
	r := requestRide(t, p, true, ptr(500))

	sendOffer(t, env, "o-450", r.ID, "d1", 450)
	waitFor(t, "driver profile", func() bool {
		v := p.Snapshot()
		return v.Phase == string(models.RideStatusAccepted) && v.Driver != nil && v.Driver.ID == "d1"
	})
	n, ok := env.rec.last("c1", notify.KindDriverAssigned)
	if !ok {
		t.Fatalf("expected a driver-assigned notification")
	}
	if u, _ := n.Data.(*models.User); u == nil || u.ID != "d1" {
		t.Fatalf("driver-assigned notification must carry the driver, got %#v", n.Data)
	}
	if got := env.rec.count("c1", notify.KindDriverAssigned); got != 1 {
		t.Fatalf("expected one driver-assigned notification, got %d", got)
	}
}

// flakyAcceptStore fails the first n offer acceptances with a transport error.
type flakyAcceptStore struct {
	storage.Store
	failures atomic.Int32
}

func (s *flakyAcceptStore) AcceptOffer(ctx context.Context, offerID string) (*models.Ride, *models.Offer, error) {
	if s.failures.Add(-1) >= 0 {
		return nil, nil, errors.New("network timeout")
	}
	return s.Store.AcceptOffer(ctx, offerID)
}

func TestFailedAutoAcceptKeepsOfferForManualAccept(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Config.OfferTTL = time.Minute
	flaky := &flakyAcceptStore{Store: env.store}
	flaky.failures.Store(1)
	env.deps.Store = flaky
	env.seedDriver(t, "d1", pickupPoint)
	p := NewPassenger(env.deps, "c1")
	defer p.Close(context.Background())
	r := requestRide(t, p, true, ptr(500))

	sendOffer(t, env, "o-450", r.ID, "d1", 450)
	waitFor(t, "offer on the board", func() bool { return len(p.Snapshot().Offers) == 1 })
	if v := p.Snapshot(); v.Phase != string(models.RideStatusNegotiating) {
		t.Fatalf("ride must stay open after a failed auto-accept, got %s", v.Phase)
	}
	if got := env.rec.count("c1", notify.KindError); got != 1 {
		t.Fatalf("expected one error notice, got %d", got)
	}

	if err := p.AcceptOffer(context.Background(), "o-450"); err != nil {
		t.Fatalf("manual accept: %v", err)
	}
	waitFor(t, "accepted", func() bool { return p.Snapshot().Phase == string(models.RideStatusAccepted) })
	got, _ := env.mem.GetRide(context.Background(), r.ID)
	if got.DriverID != "d1" || got.OfferedPrice == nil || *got.OfferedPrice != 450 {
		t.Fatalf("expected d1 at 450, got driver=%s offered=%v", got.DriverID, got.OfferedPrice)
	}
}

func TestLoweringCeilingAcceptsVisibleOffer(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Config.OfferTTL = time.Minute
	env.seedDriver(t, "d1", pickupPoint)
	p := NewPassenger(env.deps, "c1")
	defer p.Close(context.Background())
	r := requestRide(t, p, true, nil)

	sendOffer(t, env, "o1", r.ID, "d1", 350)
	waitFor(t, "offer on the board", func() bool { return len(p.Snapshot().Offers) == 1 })

	if err := p.SetAutoAccept(context.Background(), ptr(-1)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if err := p.SetAutoAccept(context.Background(), ptr(400)); err != nil {
		t.Fatalf("set auto-accept: %v", err)
	}
	waitFor(t, "accepted", func() bool { return p.Snapshot().Phase == string(models.RideStatusAccepted) })
	got, _ := env.mem.GetRide(context.Background(), r.ID)
	if got.AutoAcceptPrice == nil || *got.AutoAcceptPrice != 400 {
		t.Fatalf("ceiling must be persisted, got %v", got.AutoAcceptPrice)
	}
}

func TestOfferExpiresAfterTTL(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Config.SearchTimeout = time.Minute
	env.seedDriver(t, "d1", pickupPoint)
	p := NewPassenger(env.deps, "c1")
	defer p.Close(context.Background())
	r := requestRide(t, p, true, nil)

	sendOffer(t, env, "o1", r.ID, "d1", 320)
	waitFor(t, "offer on the board", func() bool { return len(p.Snapshot().Offers) == 1 })
	waitFor(t, "offer expiry", func() bool { return len(p.Snapshot().Offers) == 0 })

	if got := env.rec.count("c1", notify.KindOfferExpired); got != 1 {
		t.Fatalf("expected one expiry notification, got %d", got)
	}
	if err := p.AcceptOffer(context.Background(), "o1"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expired offer must not be acceptable, got %v", err)
	}
	// the same offer delivered again stays hidden
	env.hub.Publish(models.Change{Table: models.TableOffers, Op: models.OpInsert, Offer: &models.Offer{ID: "o1", RideID: r.ID, DriverID: "d1", Amount: 320, Status: models.OfferStatusPending}})
	time.Sleep(30 * time.Millisecond)
	if n := len(p.Snapshot().Offers); n != 0 {
		t.Fatalf("re-delivered offer should stay hidden, got %d", n)
	}
}

func TestManualAcceptAndReject(t *testing.T) {
	env := newTestEnv(t)
	env.deps.Config.OfferTTL = time.Minute
	env.seedDriver(t, "d1", pickupPoint)
	env.seedDriver(t, "d2", pickupPoint)
	p := NewPassenger(env.deps, "c1")
	defer p.Close(context.Background())
	r := requestRide(t, p, true, nil)

	sendOffer(t, env, "o1", r.ID, "d1", 300)
	sendOffer(t, env, "o2", r.ID, "d2", 280)
	waitFor(t, "two offers", func() bool { return len(p.Snapshot().Offers) == 2 })
	if offers := p.Snapshot().Offers; offers[0].ID != "o2" {
		t.Fatalf("offers must be sorted cheapest first, got %s", offers[0].ID)
	}

	if err := p.RejectOffer("o2"); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if err := p.AcceptOffer(context.Background(), "o1"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	waitFor(t, "accepted", func() bool { return p.Snapshot().Phase == string(models.RideStatusAccepted) })
	got, _ := env.mem.GetRide(context.Background(), r.ID)
	if got.DriverID != "d1" || *got.OfferedPrice != 300 {
		t.Fatalf("unexpected ride: %+v", got)
	}
	if err := p.AcceptOffer(context.Background(), "o2"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("board is closed after acceptance, got %v", err)
	}
}

func TestSearchTimeoutAndKeepSearching(t *testing.T) {
	env := newTestEnv(t)
	p := NewPassenger(env.deps, "c1")
	defer p.Close(context.Background())
	requestRide(t, p, false, nil)

	waitFor(t, "search timeout", func() bool { return p.Snapshot().SearchExpired })
	if got := env.rec.count("c1", notify.KindSearchTimeout); got != 1 {
		t.Fatalf("expected one timeout prompt, got %d", got)
	}
	if err := p.KeepSearching(); err != nil {
		t.Fatalf("keep searching: %v", err)
	}
	if p.Snapshot().SearchExpired {
		t.Fatalf("keep searching must reset the prompt")
	}
	waitFor(t, "second timeout", func() bool { return env.rec.count("c1", notify.KindSearchTimeout) == 2 })
}

func ptr(v float64) *float64 { return &v }

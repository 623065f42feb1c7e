package lifecycle

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/notify"
	"github.com/example/ridehail/internal/realtime"
	"github.com/example/ridehail/internal/storage"
)

var (
	pickupPoint = models.Coord{Lat: 36.75, Lon: 3.05}
	destPoint   = models.Coord{Lat: 36.77, Lon: 3.07}
)

type recorder struct {
	mu   sync.Mutex
	sent map[string][]notify.Notification
}

func newRecorder() *recorder { return &recorder{sent: make(map[string][]notify.Notification)} }

func (r *recorder) Notify(userID string, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent[userID] = append(r.sent[userID], n)
	return nil
}

func (r *recorder) count(userID string, kind notify.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, x := range r.sent[userID] {
		if x.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) last(userID string, kind notify.Kind) (notify.Notification, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.sent[userID]) - 1; i >= 0; i-- {
		if r.sent[userID][i].Kind == kind {
			return r.sent[userID][i], true
		}
	}
	return notify.Notification{}, false
}

// countingStore records every conditional transition by target status.
type countingStore struct {
	storage.Store
	mu          sync.Mutex
	transitions map[models.RideStatus]int
}

func (c *countingStore) TransitionRide(ctx context.Context, id string, from []models.RideStatus, to models.RideStatus, patch models.RidePatch) (*models.Ride, error) {
	c.mu.Lock()
	c.transitions[to]++
	c.mu.Unlock()
	return c.Store.TransitionRide(ctx, id, from, to, patch)
}

func (c *countingStore) calls(to models.RideStatus) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transitions[to]
}

type testEnv struct {
	mem   *storage.MemoryStore
	store *countingStore
	hub   *realtime.Hub
	rec   *recorder
	deps  Deps
}

func testConfig() Config {
	return Config{
		PollInterval:      20 * time.Millisecond,
		OfferTTL:          150 * time.Millisecond,
		SearchTimeout:     200 * time.Millisecond,
		DiscoveryRadiusKm: 5,
		PickupGeofenceKm:  0.05,
		DefaultCenter:     models.Coord{Lat: 36.7538, Lon: 3.0588},
		CommissionRate:    0.1,
		CommissionLimit:   5000,
	}
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	hub := realtime.NewHub(64, nil)
	mem := storage.NewMemoryStore()
	cs := &countingStore{Store: storage.NewPublished(mem, hub), transitions: make(map[models.RideStatus]int)}
	rec := newRecorder()
	return &testEnv{
		mem:   mem,
		store: cs,
		hub:   hub,
		rec:   rec,
		deps: Deps{
			Store:    cs,
			Feed:     hub,
			Notifier: rec,
			Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
			Config:   testConfig(),
		},
	}
}

func (e *testEnv) seedCustomer(t *testing.T, id string) {
	t.Helper()
	u := &models.User{ID: id, Role: models.RoleCustomer, FullName: "Customer " + id, CreatedAt: time.Now()}
	if err := e.mem.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
}

// seedDriver stores a verified driver with a valid subscription at loc.
func (e *testEnv) seedDriver(t *testing.T, id string, loc models.Coord) {
	t.Helper()
	until := time.Now().Add(30 * 24 * time.Hour)
	lat, lng := loc.Lat, loc.Lon
	u := &models.User{
		ID:                  id,
		Role:                models.RoleDriver,
		FullName:            "Driver " + id,
		Rating:              4.2,
		TotalRides:          10,
		CurrentLat:          &lat,
		CurrentLng:          &lng,
		IsVerified:          true,
		DocumentsSubmitted:  true,
		SubscriptionEndDate: &until,
		CreatedAt:           time.Now(),
	}
	if err := e.mem.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("seed driver: %v", err)
	}
}

func (e *testEnv) seedRide(t *testing.T, id string, pickup models.Coord, bidding bool) {
	t.Helper()
	status := models.RideStatusPending
	if bidding {
		status = models.RideStatusNegotiating
	}
	r := &models.Ride{
		ID:          id,
		CustomerID:  "c-" + id,
		Pickup:      models.Place{Coord: pickup},
		Destination: models.Place{Coord: destPoint},
		Price:       300,
		Bidding:     bidding,
		Status:      status,
		CreatedAt:   time.Now(),
	}
	if err := e.store.CreateRide(context.Background(), r); err != nil {
		t.Fatalf("seed ride: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// offset returns a point distKm north of c.
func offset(c models.Coord, distKm float64) models.Coord {
	return models.Coord{Lat: c.Lat + distKm/111.19, Lon: c.Lon}
}

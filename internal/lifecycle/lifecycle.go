// Package lifecycle holds the ride state machines seen by passengers and drivers: ride
// request and tracking, offer negotiation, driver gating, going online, discovery, the
// pickup geofence and completion. Every session reacts to the realtime change feed and
// tolerates duplicate or missing deliveries.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ridehail/internal/maps"
	"github.com/example/ridehail/internal/models"
	"github.com/example/ridehail/internal/notify"
	"github.com/example/ridehail/internal/realtime"
	"github.com/example/ridehail/internal/storage"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotActive    = errors.New("driver account is not active")
	ErrInvalidState = errors.New("action not allowed in the current state")
	ErrClosed       = errors.New("session closed")
	// ErrAlreadyClaimed is returned when another client moved the ride or offer first.
	ErrAlreadyClaimed = storage.ErrAlreadyClaimed
)

// Feed is the realtime change stream sessions subscribe to.
type Feed interface {
	Subscribe(f realtime.Filter) *realtime.Subscription
}

// LocationPublisher forwards driver fixes to the location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, loc models.DriverLocation) error
}

type Config struct {
	PollInterval      time.Duration
	OfferTTL          time.Duration
	SearchTimeout     time.Duration
	DiscoveryRadiusKm float64
	PickupGeofenceKm  float64
	DefaultCenter     models.Coord
	CommissionRate    float64
	CommissionLimit   float64
}

func DefaultConfig() Config {
	return Config{
		PollInterval:      3 * time.Second,
		OfferTTL:          15 * time.Second,
		SearchTimeout:     120 * time.Second,
		DiscoveryRadiusKm: 5,
		PickupGeofenceKm:  0.05,
		DefaultCenter:     models.Coord{Lat: 36.7538, Lon: 3.0588},
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.OfferTTL <= 0 {
		c.OfferTTL = def.OfferTTL
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = def.SearchTimeout
	}
	if c.DiscoveryRadiusKm <= 0 {
		c.DiscoveryRadiusKm = def.DiscoveryRadiusKm
	}
	if c.PickupGeofenceKm <= 0 {
		c.PickupGeofenceKm = def.PickupGeofenceKm
	}
	if c.DefaultCenter.IsZero() {
		c.DefaultCenter = def.DefaultCenter
	}
	return c
}

// Deps are the collaborators shared by all sessions.
type Deps struct {
	Store     storage.Store
	Feed      Feed
	Notifier  notify.Notifier
	Router    maps.Router       // optional
	Locations LocationPublisher // optional
	Logger    *slog.Logger
	Config    Config
	Now       func() time.Time
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, notify.Notification) error { return nil }

func (d Deps) withDefaults() Deps {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Notifier == nil {
		d.Notifier = nopNotifier{}
	}
	d.Config = d.Config.withDefaults()
	return d
}

// notify is best effort: a user without a live channel simply misses the toast.
func (d Deps) notify(userID string, n notify.Notification) {
	if n.SentAt.IsZero() {
		n.SentAt = d.Now()
	}
	if err := d.Notifier.Notify(userID, n); err != nil {
		d.Logger.Debug("notification not delivered", "user_id", userID, "kind", n.Kind, "error", err)
	}
}

func errorNotice(msg, rideID string, err error) notify.Notification {
	n := notify.Notification{Kind: notify.KindError, Message: msg, RideID: rideID}
	if err != nil {
		n.Data = map[string]string{"error": err.Error()}
	}
	return n
}

// statusRank orders statuses along the lifecycle so stale deliveries can be ignored.
func statusRank(s models.RideStatus) int {
	switch s {
	case models.RideStatusPending, models.RideStatusNegotiating:
		return 0
	case models.RideStatusAccepted:
		return 1
	case models.RideStatusInProgress:
		return 2
	case models.RideStatusCompleted, models.RideStatusCancelled, models.RideStatusRejected:
		return 3
	}
	return -1
}

// stale reports whether next should be dropped given the last applied status.
func stale(prev, next models.RideStatus) bool {
	if prev == "" {
		return false
	}
	return next == prev || statusRank(next) < statusRank(prev)
}

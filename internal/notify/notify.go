package notify

import (
	"errors"
	"log/slog"
	"time"

	"github.com/example/ridehail/internal/observability"
)

type Kind string

const (
	KindDriverAssigned  Kind = "driver_assigned"
	KindRideStarted     Kind = "ride_started"
	KindRideCompleted   Kind = "ride_completed"
	KindRatePrompt      Kind = "rate_prompt"
	KindDriverCancelled Kind = "driver_cancelled"
	KindRideCancelled   Kind = "ride_cancelled"
	KindOfferReceived   Kind = "offer_received"
	KindOfferExpired    Kind = "offer_expired"
	KindOfferAccepted   Kind = "offer_accepted"
	KindSearchTimeout   Kind = "search_timeout"
	KindRideAvailable   Kind = "ride_available"
	KindDriverLocation  Kind = "driver_location"
	KindPermission      Kind = "location_permission"
	KindError           Kind = "error"
)

// Notification is a transient message shown to one user.
type Notification struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	RideID  string    `json:"ride_id,omitempty"`
	Data    any       `json:"data,omitempty"`
	SentAt  time.Time `json:"sent_at"`
}

// Notifier delivers a notification to a user.
type Notifier interface {
	Notify(userID string, n Notification) error
}

var ErrNoSession = errors.New("no ws session")

// Dispatcher tries the live websocket first and falls back to HTTP push.
type Dispatcher struct {
	WS     *WSRegistry
	Push   *PushDispatcher
	Logger *slog.Logger
}

func (d *Dispatcher) Notify(userID string, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	if d.WS != nil {
		err := d.WS.Notify(userID, n)
		if err == nil {
			observability.NotificationsSent.WithLabelValues(string(n.Kind), "ws").Inc()
			return nil
		}
		if !errors.Is(err, ErrNoSession) && d.Logger != nil {
			d.Logger.Warn("ws notify failed", "user_id", userID, "kind", n.Kind, "error", err)
		}
	}
	if d.Push == nil {
		return ErrNoSession
	}
	if err := d.Push.Notify(userID, n); err != nil {
		return err
	}
	observability.NotificationsSent.WithLabelValues(string(n.Kind), "push").Inc()
	return nil
}

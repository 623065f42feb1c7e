package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ridehail/internal/models"
)

var (
	ErrNotDriver     = errors.New("payments: only drivers hold subscriptions")
	ErrPaymentFailed = errors.New("payments: payment failed")
)

// SubscriptionStore is the slice of the user store renewal needs.
type SubscriptionStore interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	RenewSubscription(ctx context.Context, id string, until time.Time) (*models.User, error)
}

// Subscriptions charges the driver fee and extends the subscription. A successful renewal
// also settles accumulated commission.
type Subscriptions struct {
	Charger  Charger
	Users    SubscriptionStore
	Fee      int64
	Currency string
	Period   time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

func (s *Subscriptions) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Renew extends from the current end date when it is still in the future, from now otherwise.
func (s *Subscriptions) Renew(ctx context.Context, driverID, paymentMethodID string) (*models.User, error) {
	u, err := s.Users.GetUser(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if u.Role != models.RoleDriver {
		return nil, ErrNotDriver
	}
	start := s.now()
	if u.SubscriptionEndDate != nil && u.SubscriptionEndDate.After(start) {
		start = *u.SubscriptionEndDate
	}
	until := start.Add(s.Period)

	paymentID, err := s.Charger.Charge(ctx, ChargeInput{
		Amount:          s.Fee,
		Currency:        s.Currency,
		PaymentMethodID: paymentMethodID,
		Description:     "driver subscription",
		Metadata:        map[string]string{"driver_id": driverID, "until": until.Format(time.RFC3339)},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	updated, err := s.Users.RenewSubscription(ctx, driverID, until)
	if err != nil {
		if rerr := s.Charger.Refund(ctx, paymentID); rerr != nil && s.Logger != nil {
			s.Logger.Error("refund after failed renewal", "driver_id", driverID, "payment_id", paymentID, "error", rerr)
		}
		return nil, fmt.Errorf("renew subscription: %w", err)
	}
	if s.Logger != nil {
		s.Logger.Info("subscription renewed", "driver_id", driverID, "payment_id", paymentID, "until", until)
	}
	return updated, nil
}

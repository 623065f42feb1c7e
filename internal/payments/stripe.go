package payments

import (
	"context"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
	"github.com/stripe/stripe-go/v74/refund"
)

// ChargeInput describes one immediate card charge.
type ChargeInput struct {
	Amount          int64 // smallest currency unit
	Currency        string
	PaymentMethodID string
	Description     string
	Metadata        map[string]string
}

// Charger takes and returns money.
type Charger interface {
	Charge(ctx context.Context, in ChargeInput) (string, error)
	Refund(ctx context.Context, paymentID string) error
}

// StripeClient is a thin wrapper around stripe-go PaymentIntents.
type StripeClient struct{}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(apiKey string) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{}
}

// Charge creates and confirms a PaymentIntent in one call and returns its ID.
func (s *StripeClient) Charge(ctx context.Context, in ChargeInput) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(in.Amount),
		Currency:      stripe.String(in.Currency),
		PaymentMethod: stripe.String(in.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(in.Description),
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Refund returns a captured PaymentIntent in full.
func (s *StripeClient) Refund(ctx context.Context, paymentID string) error {
	params := &stripe.RefundParams{PaymentIntent: stripe.String(paymentID)}
	params.Context = ctx
	_, err := refund.New(params)
	return err
}

package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProcessor charges fees as off-session PaymentIntents.
type StripeProcessor struct {
	api *client.API
}

func NewStripeProcessor(secretKey string) *StripeProcessor {
	return &StripeProcessor{api: client.New(secretKey, nil)}
}

func (p *StripeProcessor) DefaultPaymentMethod(ctx context.Context, customerRef string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	params.AddExpand("invoice_settings.default_payment_method")

	cust, err := p.api.Customers.Get(customerRef, params)
	if err != nil {
		return "", fmt.Errorf("stripe: get customer %s: %w", customerRef, err)
	}
	if cust.InvoiceSettings != nil && cust.InvoiceSettings.DefaultPaymentMethod != nil {
		return cust.InvoiceSettings.DefaultPaymentMethod.ID, nil
	}

	// fall back to the first saved card
	listParams := &stripe.PaymentMethodListParams{
		Customer: stripe.String(customerRef),
		Type:     stripe.String(string(stripe.PaymentMethodTypeCard)),
	}
	listParams.Context = ctx
	listParams.Limit = stripe.Int64(1)
	iter := p.api.PaymentMethods.List(listParams)
	if iter.Next() {
		return iter.PaymentMethod().ID, nil
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("stripe: list payment methods for %s: %w", customerRef, err)
	}
	return "", nil
}

func (p *StripeProcessor) CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.AmountCents),
		Currency:      stripe.String(req.Currency),
		Customer:      stripe.String(req.CustomerRef),
		PaymentMethod: stripe.String(req.PaymentMethodID),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.api.PaymentIntents.New(params)
	return chargeResult(pi, err)
}

func (p *StripeProcessor) RetrieveCharge(ctx context.Context, chargeID string) (*Charge, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := p.api.PaymentIntents.Get(chargeID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe: get payment intent %s: %w", chargeID, err)
	}
	return &Charge{ID: pi.ID, Status: ChargeStatus(pi.Status)}, nil
}

func (p *StripeProcessor) ConfirmCharge(ctx context.Context, chargeID, paymentMethodID, idempotencyKey string) (*Charge, error) {
	params := &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(paymentMethodID),
		OffSession:    stripe.Bool(true),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)
	pi, err := p.api.PaymentIntents.Confirm(chargeID, params)
	return chargeResult(pi, err)
}

// chargeResult maps a PaymentIntent call result onto the processor contract.
// Card errors still carry the PaymentIntent so its id can be reused on retry.
func chargeResult(pi *stripe.PaymentIntent, err error) (*Charge, error) {
	if err == nil {
		return &Charge{ID: pi.ID, Status: ChargeStatus(pi.Status)}, nil
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return nil, fmt.Errorf("stripe: %w", err)
	}

	var charge *Charge
	if stripeErr.PaymentIntent != nil {
		charge = &Charge{ID: stripeErr.PaymentIntent.ID, Status: ChargeStatus(stripeErr.PaymentIntent.Status)}
	}
	if stripeErr.Code == stripe.ErrorCodeAuthenticationRequired {
		return charge, fmt.Errorf("%w: %s", ErrActionRequired, stripeErr.Msg)
	}
	if stripeErr.HTTPStatusCode >= 500 || stripeErr.HTTPStatusCode == 409 || stripeErr.HTTPStatusCode == 429 {
		return charge, fmt.Errorf("stripe: %s: %s", stripeErr.Code, stripeErr.Msg)
	}
	return charge, fmt.Errorf("%w: stripe: %s: %s", ErrRejected, stripeErr.Code, stripeErr.Msg)
}

// Package payments defines the payment processor contract used to collect
// fees and the Stripe implementation of it.
package payments

import (
	"context"
	"errors"
)

type ChargeStatus string

const (
	ChargeSucceeded             ChargeStatus = "succeeded"
	ChargeProcessing            ChargeStatus = "processing"
	ChargeRequiresAction        ChargeStatus = "requires_action"
	ChargeRequiresConfirmation  ChargeStatus = "requires_confirmation"
	ChargeRequiresPaymentMethod ChargeStatus = "requires_payment_method"
	ChargeCanceled              ChargeStatus = "canceled"
	ChargeFailed                ChargeStatus = "failed"
)

// Actionable reports whether the charge can still be completed by confirming
// it, possibly with a different payment method.
func (s ChargeStatus) Actionable() bool {
	switch s {
	case ChargeRequiresAction, ChargeRequiresConfirmation, ChargeRequiresPaymentMethod:
		return true
	}
	return false
}

// ErrActionRequired means the customer must act (e.g. authenticate the card)
// before the charge can complete. The fee stays pending.
var ErrActionRequired = errors.New("payment requires customer action")

// ErrRejected means the processor answered and refused the request. Errors
// without it (timeouts, resets, 5xx) leave the outcome at the processor unknown.
var ErrRejected = errors.New("payment processor rejected the request")

// Charge is the processor's view of one charge attempt.
type Charge struct {
	ID     string
	Status ChargeStatus
}

// ChargeRequest describes a charge. IdempotencyKey makes repeated requests
// with the same key collapse into one charge at the processor.
type ChargeRequest struct {
	AmountCents     int64
	Currency        string
	CustomerRef     string
	PaymentMethodID string
	IdempotencyKey  string
	Description     string
	Metadata        map[string]string
}

// Processor is the external payment processor.
type Processor interface {
	// DefaultPaymentMethod returns "" when the customer has none on file.
	DefaultPaymentMethod(ctx context.Context, customerRef string) (string, error)
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	RetrieveCharge(ctx context.Context, chargeID string) (*Charge, error)
	ConfirmCharge(ctx context.Context, chargeID, paymentMethodID, idempotencyKey string) (*Charge, error)
}

// ErrNotConfigured is returned by Unconfigured for every call.
var ErrNotConfigured = errors.New("payment processor not configured")

// Unconfigured is used when no processor credentials are set. Fees are still
// assessed and stay pending until a real processor is configured.
type Unconfigured struct{}

func (Unconfigured) DefaultPaymentMethod(context.Context, string) (string, error) {
	return "", ErrNotConfigured
}

func (Unconfigured) CreateCharge(context.Context, ChargeRequest) (*Charge, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) RetrieveCharge(context.Context, string) (*Charge, error) {
	return nil, ErrNotConfigured
}

func (Unconfigured) ConfirmCharge(context.Context, string, string, string) (*Charge, error) {
	return nil, ErrNotConfigured
}

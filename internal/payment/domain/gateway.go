// Package domain defines the payment gateway boundary used by automatic
// renewals. A concrete processor adapter (Stripe, Braintree, ...) implements
// Gateway; the simulated adapter ships for development.
package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DeclineReason classifies why a charge was refused.
type DeclineReason string

const (
	DeclineInsufficientFunds DeclineReason = "insufficient_funds"
	DeclineCardExpired       DeclineReason = "card_expired"
	DeclineCardLost          DeclineReason = "card_lost"
	DeclineGeneric           DeclineReason = "generic_decline"
)

// DeclineError is a business decline, distinct from a transport failure.
type DeclineError struct {
	Reason DeclineReason
}

func (e *DeclineError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

// AsDecline unwraps a DeclineError when err is one.
func AsDecline(err error) (*DeclineError, bool) {
	var decline *DeclineError
	if errors.As(err, &decline) {
		return decline, true
	}
	return nil, false
}

type ChargeRequest struct {
	OrganizationID  string
	InvoiceNumber   string
	PaymentMethodID string
	AmountCents     int64
	Currency        string
}

type Charge struct {
	TransactionID string
	AmountCents   int64
	ChargedAt     time.Time
}

type Gateway interface {
	// Charge attempts to collect the amount. A *DeclineError means the
	// processor refused the payment; any other error is infrastructure.
	Charge(ctx context.Context, req ChargeRequest) (Charge, error)
}

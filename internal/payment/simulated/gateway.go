// Package simulated provides a deterministic payment gateway for
// development and tests. Behavior is keyed off the payment method token so
// scenarios are reproducible, unlike a random success stub.
package simulated

import (
	"context"
	"fmt"
	"strings"

	"github.com/uppalcrm/billing/internal/clock"
	paymentdomain "github.com/uppalcrm/billing/internal/payment/domain"
)

type Gateway struct {
	clock clock.Clock
	seq   int64
}

func New(clk clock.Clock) *Gateway {
	return &Gateway{clock: clk}
}

// Charge succeeds unless the payment method token carries a decline
// marker. Tokens ending in "-declined" fail with a generic decline and
// "-expired" with a card-expired decline.
func (g *Gateway) Charge(ctx context.Context, req paymentdomain.ChargeRequest) (paymentdomain.Charge, error) {
	if err := ctx.Err(); err != nil {
		return paymentdomain.Charge{}, err
	}

	switch {
	case strings.HasSuffix(req.PaymentMethodID, "-declined"):
		return paymentdomain.Charge{}, &paymentdomain.DeclineError{Reason: paymentdomain.DeclineGeneric}
	case strings.HasSuffix(req.PaymentMethodID, "-expired"):
		return paymentdomain.Charge{}, &paymentdomain.DeclineError{Reason: paymentdomain.DeclineCardExpired}
	case strings.HasSuffix(req.PaymentMethodID, "-nsf"):
		return paymentdomain.Charge{}, &paymentdomain.DeclineError{Reason: paymentdomain.DeclineInsufficientFunds}
	}

	g.seq++
	now := g.clock.Now()
	return paymentdomain.Charge{
		TransactionID: fmt.Sprintf("sim_%s_%d", now.Format("20060102150405"), g.seq),
		AmountCents:   req.AmountCents,
		ChargedAt:     now,
	}, nil
}

var _ paymentdomain.Gateway = (*Gateway)(nil)

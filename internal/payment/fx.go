package payment

import (
	"fmt"

	"github.com/uppalcrm/billing/internal/clock"
	"github.com/uppalcrm/billing/internal/config"
	paymentdomain "github.com/uppalcrm/billing/internal/payment/domain"
	"github.com/uppalcrm/billing/internal/payment/simulated"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, clk clock.Clock) (paymentdomain.Gateway, error) {
	switch cfg.PaymentGateway {
	case "", "simulated":
		return simulated.New(clk), nil
	default:
		return nil, fmt.Errorf("unsupported payment gateway %q", cfg.PaymentGateway)
	}
}

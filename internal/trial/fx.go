package trial

import (
	"github.com/uppalcrm/billing/internal/trial/service"
	"go.uber.org/fx"
)

var Module = fx.Module("trial",
	fx.Provide(service.NewService),
)

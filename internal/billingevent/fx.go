package billingevent

import (
	"github.com/uppalcrm/billing/internal/billingevent/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billingevent",
	fx.Provide(service.New),
)

package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/uppalcrm/billing/internal/clock"
	plandomain "github.com/uppalcrm/billing/internal/plan/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migration",
	fx.Invoke(register),
)

func register(lc fx.Lifecycle, db *gorm.DB, log *zap.Logger, genID *snowflake.Node, clk clock.Clock, plans plandomain.Repository) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return Run(ctx, db, log, genID, clk, plans)
		},
	})
}

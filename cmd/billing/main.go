package main

import (
	"github.com/uppalcrm/billing/internal/billing"
	"github.com/uppalcrm/billing/internal/billingevent"
	"github.com/uppalcrm/billing/internal/clock"
	"github.com/uppalcrm/billing/internal/config"
	"github.com/uppalcrm/billing/internal/invoice"
	"github.com/uppalcrm/billing/internal/migration"
	"github.com/uppalcrm/billing/internal/notification"
	"github.com/uppalcrm/billing/internal/observability"
	"github.com/uppalcrm/billing/internal/organization"
	"github.com/uppalcrm/billing/internal/payment"
	"github.com/uppalcrm/billing/internal/plan"
	"github.com/uppalcrm/billing/internal/providers/email"
	"github.com/uppalcrm/billing/internal/scheduler"
	"github.com/uppalcrm/billing/internal/subscription"
	"github.com/uppalcrm/billing/internal/trial"
	"github.com/uppalcrm/billing/internal/usage"
	"github.com/uppalcrm/billing/pkg/db"
	"github.com/uppalcrm/billing/pkg/ids"
	"go.uber.org/fx"
)

// The monolith: migrates the schema on startup, then runs every billing job
// in one process.
func main() {
	fx.New(
		config.Module,
		observability.Module,
		ids.Module,
		db.Module,
		clock.Module,
		migration.Module,

		organization.Module,
		subscription.Module,
		plan.Module,
		usage.Module,
		invoice.Module,
		billingevent.Module,
		payment.Module,
		email.Module,
		notification.Module,
		trial.Module,
		billing.Module,
		scheduler.Module,
	).Run()
}

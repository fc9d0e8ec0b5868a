// Package migration creates the billing schema and seeds the plan catalog.
package migration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/uppalcrm/billing/internal/billingevent/domain"
	"github.com/uppalcrm/billing/internal/clock"
	invoicedomain "github.com/uppalcrm/billing/internal/invoice/domain"
	orgdomain "github.com/uppalcrm/billing/internal/organization/domain"
	plandomain "github.com/uppalcrm/billing/internal/plan/domain"
	subdomain "github.com/uppalcrm/billing/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Run migrates the schema and seeds the plan catalog. Seeding upserts by
// plan code, so price changes here roll out on the next deploy without
// touching existing subscriptions.
func Run(ctx context.Context, db *gorm.DB, log *zap.Logger, genID *snowflake.Node, clk clock.Clock, plans plandomain.Repository) error {
	if err := db.WithContext(ctx).AutoMigrate(
		&orgdomain.Organization{},
		&orgdomain.TrialArchive{},
		&plandomain.Plan{},
		&subdomain.Subscription{},
		&invoicedomain.Invoice{},
		&invoicedomain.Sequence{},
		&eventdomain.Event{},
	); err != nil {
		return err
	}

	if err := seedPlans(ctx, db, genID, clk, plans); err != nil {
		return err
	}

	log.Info("schema migration completed")
	return nil
}

func seedPlans(ctx context.Context, db *gorm.DB, genID *snowflake.Node, clk clock.Clock, plans plandomain.Repository) error {
	now := clk.Now()
	catalog := []plandomain.Plan{
		{
			Code:             "starter",
			Name:             "Starter",
			PricePerMonth:    2900,
			IncludedUsers:    3,
			IncludedContacts: 1000,
			IncludedLeads:    500,
		},
		{
			Code:             "professional",
			Name:             "Professional",
			PricePerMonth:    7900,
			IncludedUsers:    10,
			IncludedContacts: 10000,
			IncludedLeads:    5000,
		},
		{
			Code:             "enterprise",
			Name:             "Enterprise",
			PricePerMonth:    19900,
			IncludedUsers:    50,
			IncludedContacts: 100000,
			IncludedLeads:    50000,
		},
	}

	for i := range catalog {
		plan := &catalog[i]
		plan.ID = genID.Generate()
		plan.IsActive = true
		plan.CreatedAt = now
		plan.UpdatedAt = now
		if err := plans.Upsert(ctx, db, plan); err != nil {
			return err
		}
	}
	return nil
}

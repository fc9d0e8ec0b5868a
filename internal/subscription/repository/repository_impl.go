package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/uppalcrm/billing/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

const subscriptionColumns = `id, organization_id, plan_code, status, billing_cycle,
	price_per_month, trial_ends_at, next_billing_date, grace_period_ends_at,
	payment_method_id, metadata, created_at, updated_at`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO organization_subscriptions (
			id, organization_id, plan_code, status, billing_cycle, price_per_month,
			trial_ends_at, next_billing_date, grace_period_ends_at, payment_method_id,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.OrganizationID,
		subscription.PlanCode,
		subscription.Status,
		subscription.BillingCycle,
		subscription.PricePerMonth,
		subscription.TrialEndsAt,
		subscription.NextBillingDate,
		subscription.GracePeriodEndsAt,
		subscription.PaymentMethodID,
		subscription.Metadata,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM organization_subscriptions
		 WHERE id = ?`,
		id,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) FindCurrentByOrganization(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findCurrent(ctx, db, orgID, "")
}

func (r *repo) FindCurrentByOrganizationForUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*subscriptiondomain.Subscription, error) {
	return r.findCurrent(ctx, db, orgID, " FOR UPDATE")
}

func (r *repo) findCurrent(ctx context.Context, db *gorm.DB, orgID snowflake.ID, suffix string) (*subscriptiondomain.Subscription, error) {
	var sub subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+`
		 FROM organization_subscriptions
		 WHERE organization_id = ?
		   AND status NOT IN (?, ?)
		 ORDER BY created_at DESC
		 LIMIT 1`+suffix,
		orgID,
		subscriptiondomain.StatusSuspended,
		subscriptiondomain.StatusCancelled,
	).Scan(&sub).Error
	if err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	return &sub, nil
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_subscriptions
		 SET plan_code = ?, status = ?, billing_cycle = ?, price_per_month = ?,
		     trial_ends_at = ?, next_billing_date = ?, grace_period_ends_at = ?,
		     payment_method_id = ?, updated_at = ?
		 WHERE id = ?`,
		subscription.PlanCode,
		subscription.Status,
		subscription.BillingCycle,
		subscription.PricePerMonth,
		subscription.TrialEndsAt,
		subscription.NextBillingDate,
		subscription.GracePeriodEndsAt,
		subscription.PaymentMethodID,
		subscription.UpdatedAt,
		subscription.ID,
	).Error
}

func (r *repo) Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to subscriptiondomain.Status, now time.Time) (bool, error) {
	if !subscriptiondomain.IsValidStatus(to) {
		return false, subscriptiondomain.ErrInvalidTargetStatus
	}
	if !subscriptiondomain.IsTransitionAllowed(from, to) {
		return false, subscriptiondomain.ErrInvalidTransition
	}
	result := db.WithContext(ctx).Exec(
		`UPDATE organization_subscriptions
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		to,
		now,
		id,
		from,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) AdvanceNextBillingDate(ctx context.Context, db *gorm.DB, id snowflake.ID, next time.Time, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organization_subscriptions
		 SET next_billing_date = ?, updated_at = ?
		 WHERE id = ?`,
		next,
		now,
		id,
	).Error
}

func (r *repo) CountByStatus(ctx context.Context, db *gorm.DB, status subscriptiondomain.Status) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM organization_subscriptions WHERE status = ?`,
		status,
	).Scan(&count).Error
	return count, err
}

package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	orgdomain "github.com/uppalcrm/billing/internal/organization/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() orgdomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, org *orgdomain.Organization) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO organizations (
			id, name, email, is_active, trial_status, trial_started_at, trial_ends_at,
			trial_days, total_trial_count, payment_status, subscription_ends_at,
			grace_period_ends_at, metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		org.ID,
		org.Name,
		org.Email,
		org.IsActive,
		org.TrialStatus,
		org.TrialStartedAt,
		org.TrialEndsAt,
		org.TrialDays,
		org.TotalTrialCount,
		org.PaymentStatus,
		org.SubscriptionEndsAt,
		org.GracePeriodEndsAt,
		org.Metadata,
		org.CreatedAt,
		org.UpdatedAt,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*orgdomain.Organization, error) {
	return r.findByID(ctx, db, id, "")
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*orgdomain.Organization, error) {
	return r.findByID(ctx, db, id, " FOR UPDATE")
}

func (r *repo) findByID(ctx context.Context, db *gorm.DB, id snowflake.ID, suffix string) (*orgdomain.Organization, error) {
	var org orgdomain.Organization
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, email, is_active, trial_status, trial_started_at, trial_ends_at,
		        trial_days, total_trial_count, payment_status, subscription_ends_at,
		        grace_period_ends_at, metadata, created_at, updated_at
		 FROM organizations
		 WHERE id = ?`+suffix,
		id,
	).Scan(&org).Error
	if err != nil {
		return nil, err
	}
	if org.ID == 0 {
		return nil, nil
	}
	return &org, nil
}

func (r *repo) UpdateTrialFields(ctx context.Context, db *gorm.DB, org *orgdomain.Organization) error {
	return db.WithContext(ctx).Exec(
		`UPDATE organizations
		 SET is_active = ?, trial_status = ?, trial_started_at = ?, trial_ends_at = ?,
		     trial_days = ?, total_trial_count = ?, payment_status = ?,
		     subscription_ends_at = ?, grace_period_ends_at = ?, updated_at = ?
		 WHERE id = ?`,
		org.IsActive,
		org.TrialStatus,
		org.TrialStartedAt,
		org.TrialEndsAt,
		org.TrialDays,
		org.TotalTrialCount,
		org.PaymentStatus,
		org.SubscriptionEndsAt,
		org.GracePeriodEndsAt,
		org.UpdatedAt,
		org.ID,
	).Error
}

func (r *repo) ListActiveTrialsEndingWithin(ctx context.Context, db *gorm.DB, now time.Time, window time.Duration) ([]orgdomain.Organization, error) {
	var orgs []orgdomain.Organization
	err := db.WithContext(ctx).Raw(
		`SELECT id, name, email, is_active, trial_status, trial_started_at, trial_ends_at,
		        trial_days, total_trial_count, payment_status, subscription_ends_at,
		        grace_period_ends_at, metadata, created_at, updated_at
		 FROM organizations
		 WHERE is_active = ?
		   AND trial_status = ?
		   AND trial_ends_at > ?
		   AND trial_ends_at <= ?
		 ORDER BY trial_ends_at ASC`,
		true,
		orgdomain.TrialStatusActive,
		now,
		now.Add(window),
	).Scan(&orgs).Error
	if err != nil {
		return nil, err
	}
	return orgs, nil
}

func (r *repo) ExpireActiveTrials(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE organizations
		 SET trial_status = ?, updated_at = ?
		 WHERE is_active = ?
		   AND trial_status = ?
		   AND trial_ends_at <= ?`,
		orgdomain.TrialStatusExpired,
		now,
		true,
		orgdomain.TrialStatusActive,
		now,
	)
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

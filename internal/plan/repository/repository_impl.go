package repository

import (
	"context"

	plandomain "github.com/uppalcrm/billing/internal/plan/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() plandomain.Repository {
	return &repo{}
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*plandomain.Plan, error) {
	var plan plandomain.Plan
	err := db.WithContext(ctx).Raw(
		`SELECT id, code, name, price_per_month, included_users, included_contacts,
		        included_leads, is_active, created_at, updated_at
		 FROM subscription_plans
		 WHERE code = ? AND is_active = ?
		 LIMIT 1`,
		code,
		true,
	).Scan(&plan).Error
	if err != nil {
		return nil, err
	}
	if plan.ID == 0 {
		return nil, nil
	}
	return &plan, nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, plan *plandomain.Plan) error {
	result := db.WithContext(ctx).Exec(
		`UPDATE subscription_plans
		 SET name = ?, price_per_month = ?, included_users = ?, included_contacts = ?,
		     included_leads = ?, is_active = ?, updated_at = ?
		 WHERE code = ?`,
		plan.Name,
		plan.PricePerMonth,
		plan.IncludedUsers,
		plan.IncludedContacts,
		plan.IncludedLeads,
		plan.IsActive,
		plan.UpdatedAt,
		plan.Code,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscription_plans (
			id, code, name, price_per_month, included_users, included_contacts,
			included_leads, is_active, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID,
		plan.Code,
		plan.Name,
		plan.PricePerMonth,
		plan.IncludedUsers,
		plan.IncludedContacts,
		plan.IncludedLeads,
		plan.IsActive,
		plan.CreatedAt,
		plan.UpdatedAt,
	).Error
}

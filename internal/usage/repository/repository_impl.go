package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	usagedomain "github.com/uppalcrm/billing/internal/usage/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() usagedomain.Repository {
	return &repo{}
}

func (r *repo) Counts(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (usagedomain.Snapshot, error) {
	var snapshot usagedomain.Snapshot

	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM users WHERE organization_id = ? AND is_active = ?`,
		orgID, true,
	).Scan(&snapshot.ActiveUsers).Error
	if err != nil {
		return usagedomain.Snapshot{}, err
	}

	err = db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM contacts WHERE organization_id = ?`,
		orgID,
	).Scan(&snapshot.Contacts).Error
	if err != nil {
		return usagedomain.Snapshot{}, err
	}

	err = db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM leads WHERE organization_id = ?`,
		orgID,
	).Scan(&snapshot.Leads).Error
	if err != nil {
		return usagedomain.Snapshot{}, err
	}

	return snapshot, nil
}

// Package domain defines the usage snapshot consumed by invoice generation.
package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Snapshot is a point-in-time count of the CRM entities a plan meters.
type Snapshot struct {
	ActiveUsers int64
	Contacts    int64
	Leads       int64
}

type Repository interface {
	Counts(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (Snapshot, error)
}

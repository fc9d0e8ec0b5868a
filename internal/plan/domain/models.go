// Package domain contains the subscription plan catalog.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Plan is a sellable tier with a flat monthly price and included usage
// limits. Usage beyond the limits is billed as overage.
type Plan struct {
	ID               snowflake.ID `gorm:"primaryKey"`
	Code             string       `gorm:"type:text;not null;uniqueIndex"`
	Name             string       `gorm:"type:text;not null"`
	PricePerMonth    int64        `gorm:"not null"`
	IncludedUsers    int64        `gorm:"not null"`
	IncludedContacts int64        `gorm:"not null"`
	IncludedLeads    int64        `gorm:"not null"`
	IsActive         bool         `gorm:"not null;default:true"`
	CreatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "subscription_plans" }

type Repository interface {
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Plan, error)
	Upsert(ctx context.Context, db *gorm.DB, plan *Plan) error
}

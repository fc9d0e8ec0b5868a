// Package domain contains persistence models for organization subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status represents lifecycle states for a subscription.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusExpired   Status = "expired"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// BillingCycle is the invoicing cadence.
type BillingCycle string

const (
	BillingCycleMonthly BillingCycle = "monthly"
	BillingCycleYearly  BillingCycle = "yearly"
)

// Subscription captures an organization's billing relationship. At most one
// non-terminal row per organization drives scheduling.
type Subscription struct {
	ID                snowflake.ID      `gorm:"primaryKey"`
	OrganizationID    snowflake.ID      `gorm:"not null;index"`
	PlanCode          string            `gorm:"type:text;not null"`
	Status            Status            `gorm:"type:text;not null"`
	BillingCycle      BillingCycle      `gorm:"type:text;not null;default:'monthly'"`
	PricePerMonth     int64             `gorm:"not null;default:0"`
	TrialEndsAt       *time.Time        `gorm:""`
	NextBillingDate   *time.Time        `gorm:"index"`
	GracePeriodEndsAt *time.Time        `gorm:""`
	PaymentMethodID   *string           `gorm:"type:text"`
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt         time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "organization_subscriptions" }

var allowedTransitions = map[Status][]Status{
	StatusTrial:   {StatusActive, StatusExpired, StatusCancelled},
	StatusActive:  {StatusExpired, StatusCancelled},
	StatusExpired: {StatusActive, StatusSuspended, StatusCancelled},
	// suspended and cancelled are terminal for sweeps; an admin
	// reactivation creates a fresh subscription row instead.
}

// IsTransitionAllowed reports whether the status machine permits from→to.
func IsTransitionAllowed(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsValidStatus reports whether s is a known status value.
func IsValidStatus(s Status) bool {
	switch s {
	case StatusTrial, StatusActive, StatusExpired, StatusSuspended, StatusCancelled:
		return true
	}
	return false
}

// Package domain contains persistence models for organizations, the tenant
// root of the CRM.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// TrialStatus tracks where an organization is in its trial lifecycle.
type TrialStatus string

const (
	TrialStatusNeverStarted TrialStatus = "never_started"
	TrialStatusActive       TrialStatus = "active"
	TrialStatusExpired      TrialStatus = "expired"
	TrialStatusConverted    TrialStatus = "converted"
	TrialStatusCancelled    TrialStatus = "cancelled"
)

// PaymentStatus tracks the organization-level billing standing.
type PaymentStatus string

const (
	PaymentStatusNone      PaymentStatus = "none"
	PaymentStatusActive    PaymentStatus = "active"
	PaymentStatusCancelled PaymentStatus = "cancelled"
	PaymentStatusSuspended PaymentStatus = "suspended"
)

// Organization is the tenant root. Billing never hard-deletes it; sweeps
// only flip soft state.
type Organization struct {
	ID                 snowflake.ID      `gorm:"primaryKey"`
	Name               string            `gorm:"type:text;not null"`
	Email              string            `gorm:"type:text;not null"`
	IsActive           bool              `gorm:"not null;default:true"`
	TrialStatus        TrialStatus       `gorm:"type:text;not null;default:'never_started'"`
	TrialStartedAt     *time.Time        `gorm:""`
	TrialEndsAt        *time.Time        `gorm:""`
	TrialDays          int               `gorm:"not null;default:0"`
	TotalTrialCount    int               `gorm:"not null;default:0"`
	PaymentStatus      PaymentStatus     `gorm:"type:text;not null;default:'none'"`
	SubscriptionEndsAt *time.Time        `gorm:""`
	GracePeriodEndsAt  *time.Time        `gorm:""`
	Metadata           datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt          time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Organization) TableName() string { return "organizations" }

// TrialArchive is a snapshot row written by the archival job once a trial
// is past its retention window.
type TrialArchive struct {
	ID              snowflake.ID `gorm:"primaryKey"`
	OrganizationID  snowflake.ID `gorm:"not null;index"`
	TrialStatus     TrialStatus  `gorm:"type:text;not null"`
	TrialStartedAt  *time.Time   `gorm:""`
	TrialEndsAt     *time.Time   `gorm:""`
	TrialDays       int          `gorm:"not null"`
	ArchivedAt      time.Time    `gorm:"not null"`
	CreatedAt       time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (TrialArchive) TableName() string { return "trial_archives" }

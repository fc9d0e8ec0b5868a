// Package domain contains the append-only subscription event trail.
package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	TypeTrialStarted       = "trial_started"
	TypeTrialExtended      = "trial_extended"
	TypeTrialConverted     = "trial_converted"
	TypeTrialCancelled     = "trial_cancelled"
	TypeTrialExpired       = "trial_expired"
	TypeTrialWarningSent   = "trial_warning_sent"
	TypeGracePeriodExpired = "grace_period_expired"
	TypeInvoiceGenerated   = "invoice_generated"
	TypePaymentSuccessful  = "payment_successful"
	TypePaymentFailed      = "payment_failed"
)

// Event is an audit record of a billing state transition. Rows are never
// mutated or deleted.
type Event struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	OrganizationID snowflake.ID      `gorm:"not null;index"`
	SubscriptionID *snowflake.ID     `gorm:"index"`
	EventType      string            `gorm:"type:text;not null"`
	Description    string            `gorm:"type:text"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Event) TableName() string { return "subscription_events" }

// Recorder appends events. Writes are best-effort: implementations log and
// swallow persistence failures rather than failing the sweep that emitted
// the event.
type Recorder interface {
	Record(ctx context.Context, db *gorm.DB, event Event)
	// HasEvent reports whether an event with the same type and description
	// already exists for the organization. Used to keep repeat sweeps from
	// re-emitting one-shot notifications.
	HasEvent(ctx context.Context, db *gorm.DB, organizationID snowflake.ID, eventType, description string) (bool, error)
}

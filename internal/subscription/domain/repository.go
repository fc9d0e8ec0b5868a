package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidTransition    = errors.New("invalid_transition")
	ErrInvalidTargetStatus  = errors.New("invalid_target_status")
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	// FindCurrentByOrganization returns the newest non-terminal
	// subscription for the organization, nil when there is none.
	FindCurrentByOrganization(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Subscription, error)
	FindCurrentByOrganizationForUpdate(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*Subscription, error)
	Update(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	// Transition applies a guarded status change. The WHERE clause pins the
	// source status so a concurrent sweep cannot double-apply; returns
	// whether a row changed.
	Transition(ctx context.Context, db *gorm.DB, id snowflake.ID, from, to Status, now time.Time) (bool, error)
	AdvanceNextBillingDate(ctx context.Context, db *gorm.DB, id snowflake.ID, next time.Time, now time.Time) error
	CountByStatus(ctx context.Context, db *gorm.DB, status Status) (int64, error)
}

package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrOrganizationNotFound = errors.New("organization_not_found")
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, org *Organization) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Organization, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Organization, error)
	UpdateTrialFields(ctx context.Context, db *gorm.DB, org *Organization) error
	// ListActiveTrialsEndingWithin returns active, non-cancelled
	// organizations whose trial ends inside (now, now+window].
	ListActiveTrialsEndingWithin(ctx context.Context, db *gorm.DB, now time.Time, window time.Duration) ([]Organization, error)
	// ExpireActiveTrials flips every active trial past its end date to
	// expired and returns the number of rows touched.
	ExpireActiveTrials(ctx context.Context, db *gorm.DB, now time.Time) (int64, error)
}

package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/uppalcrm/billing/internal/billingevent/domain"
	"github.com/uppalcrm/billing/internal/clock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recorder struct {
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
}

func New(log *zap.Logger, genID *snowflake.Node, clk clock.Clock) eventdomain.Recorder {
	return &recorder{
		log:   log.Named("billingevent"),
		genID: genID,
		clock: clk,
	}
}

func (r *recorder) Record(ctx context.Context, db *gorm.DB, event eventdomain.Event) {
	if event.ID == 0 {
		event.ID = r.genID.Generate()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = r.clock.Now()
	}

	err := db.WithContext(ctx).Exec(
		`INSERT INTO subscription_events (
			id, organization_id, subscription_id, event_type, description, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.OrganizationID,
		event.SubscriptionID,
		event.EventType,
		event.Description,
		event.Metadata,
		event.CreatedAt,
	).Error
	if err != nil {
		// Audit writes never fail the surrounding sweep.
		r.log.Warn("subscription event write failed",
			zap.String("event_type", event.EventType),
			zap.String("organization_id", event.OrganizationID.String()),
			zap.Error(err),
		)
	}
}

func (r *recorder) HasEvent(ctx context.Context, db *gorm.DB, organizationID snowflake.ID, eventType, description string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM subscription_events
		WHERE organization_id = ? AND event_type = ? AND description = ?`,
		organizationID, eventType, description,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

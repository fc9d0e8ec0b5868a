package scheduler

import (
	"context"

	orgdomain "github.com/uppalcrm/billing/internal/organization/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// archiveAfterDays is how long a finished trial stays unarchived. Archive
// rows feed conversion reporting after the live trial fields get reused by
// a repeat trial.
const archiveAfterDays = 90

// ArchiveFinishedTrials snapshots expired and cancelled trials older than
// the retention window into trial_archives. An organization is archived at
// most once per trial end date.
func (s *Scheduler) ArchiveFinishedTrials(ctx context.Context) (int, error) {
	now := s.clock.Now()
	cutoff := now.AddDate(0, 0, -archiveAfterDays)

	var archived int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var orgs []orgdomain.Organization
		err := tx.WithContext(ctx).Raw(
			`SELECT o.id, o.trial_status, o.trial_started_at, o.trial_ends_at, o.trial_days
			 FROM organizations o
			 WHERE o.trial_status IN (?, ?)
			   AND o.trial_ends_at IS NOT NULL
			   AND o.trial_ends_at <= ?
			   AND NOT EXISTS (
			       SELECT 1 FROM trial_archives a
			       WHERE a.organization_id = o.id AND a.trial_ends_at = o.trial_ends_at
			   )
			 ORDER BY o.trial_ends_at ASC
			 LIMIT ?`,
			orgdomain.TrialStatusExpired,
			orgdomain.TrialStatusCancelled,
			cutoff,
			500,
		).Scan(&orgs).Error
		if err != nil {
			return err
		}

		for i := range orgs {
			org := &orgs[i]
			err := tx.WithContext(ctx).Exec(
				`INSERT INTO trial_archives (
					id, organization_id, trial_status, trial_started_at, trial_ends_at,
					trial_days, archived_at, created_at
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				s.genID.Generate(),
				org.ID,
				org.TrialStatus,
				org.TrialStartedAt,
				org.TrialEndsAt,
				org.TrialDays,
				now,
				now,
			).Error
			if err != nil {
				return err
			}
			archived++
		}
		return nil
	})
	if err != nil {
		return archived, err
	}

	if archived > 0 {
		s.log.Info("finished trials archived", zap.Int("count", archived))
	}
	return archived, nil
}

package scheduler

import (
	"context"
	"time"

	invoicedomain "github.com/uppalcrm/billing/internal/invoice/domain"
	"github.com/uppalcrm/billing/internal/observability/metrics"
	subdomain "github.com/uppalcrm/billing/internal/subscription/domain"
	"github.com/uppalcrm/billing/pkg/db"
	"go.uber.org/zap"
)

// RunHealthCheck samples the counts that indicate billing drift and exports
// them as gauges. Thresholds come from policy so operators can tune alarms
// without a deploy. A tenant database that is not provisioned yet is not an
// error; missing tables are skipped quietly.
func (s *Scheduler) RunHealthCheck(ctx context.Context) error {
	now := s.clock.Now()
	m := metrics.Scheduler()
	health := s.policy.Get().Health

	suspended, err := s.subs.CountByStatus(ctx, s.db, subdomain.StatusSuspended)
	if err != nil {
		if db.IsUndefinedTableErr(err) {
			s.log.Debug("health check skipped, schema not provisioned", zap.Error(err))
			return nil
		}
		return err
	}
	m.SetHealthSignal(metrics.HealthSignalSuspendedSubscriptions, suspended)
	if suspended > health.MaxSuspendedSubscriptions {
		s.log.Warn("suspended subscription count above threshold",
			zap.Int64("count", suspended),
			zap.Int64("threshold", health.MaxSuspendedSubscriptions),
		)
	}

	var overdueDrafts int64
	err = s.db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM subscription_invoices
		 WHERE status = ? AND due_date < ?`,
		invoicedomain.StatusDraft,
		now,
	).Scan(&overdueDrafts).Error
	if err != nil {
		return err
	}
	m.SetHealthSignal(metrics.HealthSignalOverdueDraftInvoices, overdueDrafts)
	if overdueDrafts > health.MaxOverdueDraftInvoices {
		s.log.Warn("overdue draft invoice count above threshold",
			zap.Int64("count", overdueDrafts),
			zap.Int64("threshold", health.MaxOverdueDraftInvoices),
		)
	}

	expiring, err := s.orgs.ListActiveTrialsEndingWithin(ctx, s.db, now, 24*time.Hour)
	if err != nil {
		return err
	}
	m.SetHealthSignal(metrics.HealthSignalTrialsExpiringSoon, int64(len(expiring)))

	s.log.Debug("health check completed",
		zap.Int64("suspended_subscriptions", suspended),
		zap.Int64("overdue_draft_invoices", overdueDrafts),
		zap.Int("trials_expiring_24h", len(expiring)),
	)
	return nil
}

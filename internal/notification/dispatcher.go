// Package notification sends trial lifecycle emails to organization admins.
package notification

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	eventdomain "github.com/uppalcrm/billing/internal/billingevent/domain"
	"github.com/uppalcrm/billing/internal/clock"
	"github.com/uppalcrm/billing/internal/config"
	orgdomain "github.com/uppalcrm/billing/internal/organization/domain"
	"github.com/uppalcrm/billing/internal/providers/email"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const trialWarningTemplate = "trial_expiration_warning"

// Dispatcher matches active trials against the configured warning-day marks
// and emails each organization once per mark.
type Dispatcher struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	policy *config.BillingPolicyHolder
	orgs   orgdomain.Repository
	email  email.Provider
	events eventdomain.Recorder
}

func NewDispatcher(
	db *gorm.DB,
	log *zap.Logger,
	clk clock.Clock,
	policy *config.BillingPolicyHolder,
	orgs orgdomain.Repository,
	provider email.Provider,
	events eventdomain.Recorder,
) *Dispatcher {
	return &Dispatcher{
		db:     db,
		log:    log.Named("notification"),
		clock:  clk,
		policy: policy,
		orgs:   orgs,
		email:  provider,
		events: events,
	}
}

// SendTrialExpirationWarnings scans active trials ending within the largest
// warning window and sends a warning to each organization whose remaining
// days hit one of the configured marks. A failed send skips that
// organization and the sweep continues.
func (d *Dispatcher) SendTrialExpirationWarnings(ctx context.Context) (int, error) {
	policy := d.policy.Get()
	warningDays := policy.Trial.WarningDays
	if len(warningDays) == 0 {
		return 0, nil
	}

	maxDays := warningDays[0]
	for _, days := range warningDays[1:] {
		if days > maxDays {
			maxDays = days
		}
	}

	now := d.clock.Now()
	window := time.Duration(maxDays) * 24 * time.Hour

	orgs, err := d.orgs.ListActiveTrialsEndingWithin(ctx, d.db, now, window)
	if err != nil {
		return 0, fmt.Errorf("failed to list ending trials: %w", err)
	}

	var sent int
	var errs error
	for i := range orgs {
		org := &orgs[i]
		if org.TrialEndsAt == nil {
			continue
		}

		daysRemaining := daysUntil(now, *org.TrialEndsAt)
		if !containsDay(warningDays, daysRemaining) {
			continue
		}

		ok, err := d.SendTrialExpirationWarning(ctx, org, daysRemaining)
		if err != nil {
			d.log.Warn("trial warning send failed",
				zap.String("organization_id", org.ID.String()),
				zap.Int("days_remaining", daysRemaining),
				zap.Error(err),
			)
			errs = errors.Join(errs, err)
			continue
		}
		if ok {
			sent++
		}
	}

	return sent, errs
}

// SendTrialExpirationWarning emails one organization for one warning mark.
// Returns false when the same mark was already sent.
func (d *Dispatcher) SendTrialExpirationWarning(ctx context.Context, org *orgdomain.Organization, daysRemaining int) (bool, error) {
	description := fmt.Sprintf("trial expiration warning (%d days remaining)", daysRemaining)

	already, err := d.events.HasEvent(ctx, d.db, org.ID, eventdomain.TypeTrialWarningSent, description)
	if err != nil {
		return false, fmt.Errorf("failed to check warning history: %w", err)
	}
	if already {
		return false, nil
	}

	data := map[string]interface{}{
		"org_name":       org.Name,
		"days_remaining": daysRemaining,
		"trial_ends_at":  org.TrialEndsAt.Format("January 2, 2006"),
	}
	if err := d.email.SendTemplate(ctx, []string{org.Email}, trialWarningTemplate, data); err != nil {
		return false, fmt.Errorf("failed to send trial warning: %w", err)
	}

	d.events.Record(ctx, d.db, eventdomain.Event{
		OrganizationID: org.ID,
		EventType:      eventdomain.TypeTrialWarningSent,
		Description:    description,
		Metadata: map[string]interface{}{
			"days_remaining": daysRemaining,
		},
	})

	d.log.Info("trial expiration warning sent",
		zap.String("organization_id", org.ID.String()),
		zap.Int("days_remaining", daysRemaining),
	)
	return true, nil
}

// daysUntil counts remaining whole-or-partial days, so a trial ending in
// 6.5 days is at the 7-day mark.
func daysUntil(now, endsAt time.Time) int {
	return int(math.Ceil(endsAt.Sub(now).Hours() / 24))
}

func containsDay(days []int, day int) bool {
	for _, d := range days {
		if d == day {
			return true
		}
	}
	return false
}

package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/bwmarrin/snowflake"
	eventdomain "github.com/uppalcrm/billing/internal/billingevent/domain"
	"github.com/uppalcrm/billing/internal/clock"
	"github.com/uppalcrm/billing/internal/config"
	orgdomain "github.com/uppalcrm/billing/internal/organization/domain"
	plandomain "github.com/uppalcrm/billing/internal/plan/domain"
	subdomain "github.com/uppalcrm/billing/internal/subscription/domain"
	trialdomain "github.com/uppalcrm/billing/internal/trial/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	genID  *snowflake.Node
	policy *config.BillingPolicyHolder
	orgs   orgdomain.Repository
	subs   subdomain.Repository
	plans  plandomain.Repository
	events eventdomain.Recorder
}

func NewService(
	db *gorm.DB,
	log *zap.Logger,
	clk clock.Clock,
	genID *snowflake.Node,
	policy *config.BillingPolicyHolder,
	orgs orgdomain.Repository,
	subs subdomain.Repository,
	plans plandomain.Repository,
	events eventdomain.Recorder,
) trialdomain.Service {
	return &service{
		db:     db,
		log:    log.Named("trial"),
		clock:  clk,
		genID:  genID,
		policy: policy,
		orgs:   orgs,
		subs:   subs,
		plans:  plans,
		events: events,
	}
}

// lookupOrganization maps the repository's nil result for an absent row to
// ErrOrganizationNotFound.
func lookupOrganization(org *orgdomain.Organization, err error) (*orgdomain.Organization, error) {
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, orgdomain.ErrOrganizationNotFound
	}
	return org, nil
}

func (s *service) GetTrialStatus(ctx context.Context, organizationID snowflake.ID) (*trialdomain.TrialStatusResponse, error) {
	org, err := lookupOrganization(s.orgs.FindByID(ctx, s.db, organizationID))
	if err != nil {
		return nil, err
	}
	return s.buildStatus(org), nil
}

func (s *service) buildStatus(org *orgdomain.Organization) *trialdomain.TrialStatusResponse {
	resp := &trialdomain.TrialStatusResponse{
		OrganizationID: org.ID,
		TrialStatus:    string(org.TrialStatus),
		TrialStartedAt: org.TrialStartedAt,
		TrialEndsAt:    org.TrialEndsAt,
		TrialDays:      org.TrialDays,
	}

	if org.TrialStatus != orgdomain.TrialStatusActive || org.TrialEndsAt == nil {
		return resp
	}

	now := s.clock.Now()
	remaining := org.TrialEndsAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	resp.IsTrialActive = remaining > 0
	resp.SecondsRemaining = int64(remaining.Seconds())
	resp.DaysRemaining = int(math.Ceil(remaining.Hours() / 24))

	if org.TrialStartedAt != nil {
		total := org.TrialEndsAt.Sub(*org.TrialStartedAt)
		if total > 0 {
			elapsed := now.Sub(*org.TrialStartedAt)
			pct := elapsed.Seconds() / total.Seconds() * 100
			// Clock skew or a backdated extension can push the ratio out of
			// range; the dashboard expects [0, 100].
			resp.TrialProgressPercentage = math.Min(100, math.Max(0, pct))
		}
	}
	return resp
}

func (s *service) CanStartTrial(ctx context.Context, organizationID snowflake.ID) (trialdomain.Eligibility, error) {
	org, err := lookupOrganization(s.orgs.FindByID(ctx, s.db, organizationID))
	if err != nil {
		return trialdomain.Eligibility{}, err
	}
	return s.eligibility(org), nil
}

func (s *service) eligibility(org *orgdomain.Organization) trialdomain.Eligibility {
	switch org.TrialStatus {
	case orgdomain.TrialStatusActive:
		return trialdomain.Eligibility{Reason: trialdomain.ReasonTrialInProgress}
	case orgdomain.TrialStatusConverted:
		return trialdomain.Eligibility{Reason: trialdomain.ReasonAlreadyConverted}
	}
	if limit := s.policy.Get().Trial.MaxTrialsPerOrganization; org.TotalTrialCount >= limit {
		return trialdomain.Eligibility{Reason: trialdomain.ReasonTrialLimitReached}
	}
	return trialdomain.Eligibility{Allowed: true}
}

func (s *service) StartTrial(ctx context.Context, req trialdomain.StartTrialRequest) (*trialdomain.TrialStatusResponse, error) {
	days := req.Days
	if days <= 0 {
		days = s.policy.Get().Trial.DefaultDays
	}

	var started *orgdomain.Organization
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := lookupOrganization(s.orgs.FindByIDForUpdate(ctx, tx, req.OrganizationID))
		if err != nil {
			return err
		}
		if elig := s.eligibility(org); !elig.Allowed {
			return fmt.Errorf("%w: %s", trialdomain.ErrTrialNotEligible, elig.Reason)
		}

		plan, err := s.plans.FindByCode(ctx, tx, req.PlanCode)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		endsAt := now.AddDate(0, 0, days)

		org.TrialStatus = orgdomain.TrialStatusActive
		org.TrialStartedAt = &now
		org.TrialEndsAt = &endsAt
		org.TrialDays = days
		org.TotalTrialCount++
		org.UpdatedAt = now
		if err := s.orgs.UpdateTrialFields(ctx, tx, org); err != nil {
			return err
		}

		sub := &subdomain.Subscription{
			ID:             s.genID.Generate(),
			OrganizationID: org.ID,
			PlanCode:       plan.Code,
			Status:         subdomain.StatusTrial,
			BillingCycle:   subdomain.BillingCycleMonthly,
			PricePerMonth:  plan.PricePerMonth,
			TrialEndsAt:    &endsAt,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.subs.Insert(ctx, tx, sub); err != nil {
			return err
		}

		s.events.Record(ctx, tx, eventdomain.Event{
			OrganizationID: org.ID,
			SubscriptionID: &sub.ID,
			EventType:      eventdomain.TypeTrialStarted,
			Description:    fmt.Sprintf("%d-day trial started on plan %s", days, plan.Code),
			Metadata: map[string]interface{}{
				"plan_code":  plan.Code,
				"trial_days": days,
			},
		})

		started = org
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("trial started",
		zap.String("organization_id", started.ID.String()),
		zap.Int("trial_days", days),
	)
	return s.buildStatus(started), nil
}

func (s *service) ExtendTrial(ctx context.Context, organizationID snowflake.ID, extraDays int) (*trialdomain.TrialStatusResponse, error) {
	if extraDays <= 0 {
		return nil, fmt.Errorf("%w: extension must be positive", trialdomain.ErrTrialNotEligible)
	}

	var extended *orgdomain.Organization
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := lookupOrganization(s.orgs.FindByIDForUpdate(ctx, tx, organizationID))
		if err != nil {
			return err
		}
		if org.TrialStatus != orgdomain.TrialStatusActive || org.TrialEndsAt == nil {
			return trialdomain.ErrNoActiveTrial
		}

		now := s.clock.Now()
		endsAt := org.TrialEndsAt.AddDate(0, 0, extraDays)
		org.TrialEndsAt = &endsAt
		org.TrialDays += extraDays
		org.UpdatedAt = now
		if err := s.orgs.UpdateTrialFields(ctx, tx, org); err != nil {
			return err
		}

		if sub, err := s.subs.FindCurrentByOrganizationForUpdate(ctx, tx, org.ID); err != nil {
			return err
		} else if sub != nil && sub.Status == subdomain.StatusTrial {
			sub.TrialEndsAt = &endsAt
			sub.UpdatedAt = now
			if err := s.subs.Update(ctx, tx, sub); err != nil {
				return err
			}
		}

		s.events.Record(ctx, tx, eventdomain.Event{
			OrganizationID: org.ID,
			EventType:      eventdomain.TypeTrialExtended,
			Description:    fmt.Sprintf("trial extended by %d days", extraDays),
			Metadata: map[string]interface{}{
				"extra_days":    extraDays,
				"trial_ends_at": endsAt.Format(time.RFC3339),
			},
		})

		extended = org
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("trial extended",
		zap.String("organization_id", extended.ID.String()),
		zap.Int("extra_days", extraDays),
	)
	return s.buildStatus(extended), nil
}

func (s *service) ConvertTrial(ctx context.Context, organizationID snowflake.ID, paymentMethodID string) (*subdomain.Subscription, error) {
	var converted *subdomain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := lookupOrganization(s.orgs.FindByIDForUpdate(ctx, tx, organizationID))
		if err != nil {
			return err
		}
		if org.TrialStatus != orgdomain.TrialStatusActive {
			return trialdomain.ErrNoActiveTrial
		}

		sub, err := s.subs.FindCurrentByOrganizationForUpdate(ctx, tx, org.ID)
		if err != nil {
			return err
		}
		if sub == nil || sub.Status != subdomain.StatusTrial {
			return trialdomain.ErrNoActiveTrial
		}

		now := s.clock.Now()
		changed, err := s.subs.Transition(ctx, tx, sub.ID, subdomain.StatusTrial, subdomain.StatusActive, now)
		if err != nil {
			return err
		}
		if !changed {
			return subdomain.ErrInvalidTransition
		}

		next := now.AddDate(0, 1, 0)
		sub.Status = subdomain.StatusActive
		sub.NextBillingDate = &next
		sub.PaymentMethodID = &paymentMethodID
		sub.GracePeriodEndsAt = nil
		sub.UpdatedAt = now
		if err := s.subs.Update(ctx, tx, sub); err != nil {
			return err
		}

		org.TrialStatus = orgdomain.TrialStatusConverted
		org.PaymentStatus = orgdomain.PaymentStatusActive
		org.GracePeriodEndsAt = nil
		org.UpdatedAt = now
		if err := s.orgs.UpdateTrialFields(ctx, tx, org); err != nil {
			return err
		}

		s.events.Record(ctx, tx, eventdomain.Event{
			OrganizationID: org.ID,
			SubscriptionID: &sub.ID,
			EventType:      eventdomain.TypeTrialConverted,
			Description:    fmt.Sprintf("trial converted to paid plan %s", sub.PlanCode),
			Metadata: map[string]interface{}{
				"plan_code":         sub.PlanCode,
				"next_billing_date": next.Format(time.RFC3339),
			},
		})

		converted = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("trial converted",
		zap.String("organization_id", organizationID.String()),
		zap.String("subscription_id", converted.ID.String()),
	)
	return converted, nil
}

func (s *service) CancelTrial(ctx context.Context, organizationID snowflake.ID, reason string) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := lookupOrganization(s.orgs.FindByIDForUpdate(ctx, tx, organizationID))
		if err != nil {
			return err
		}
		if org.TrialStatus != orgdomain.TrialStatusActive {
			return trialdomain.ErrNoActiveTrial
		}

		now := s.clock.Now()
		org.TrialStatus = orgdomain.TrialStatusCancelled
		org.PaymentStatus = orgdomain.PaymentStatusCancelled
		org.IsActive = false
		org.UpdatedAt = now
		if err := s.orgs.UpdateTrialFields(ctx, tx, org); err != nil {
			return err
		}

		sub, err := s.subs.FindCurrentByOrganizationForUpdate(ctx, tx, org.ID)
		if err != nil {
			return err
		}
		var subID *snowflake.ID
		if sub != nil && sub.Status == subdomain.StatusTrial {
			if _, err := s.subs.Transition(ctx, tx, sub.ID, subdomain.StatusTrial, subdomain.StatusCancelled, now); err != nil {
				return err
			}
			subID = &sub.ID
		}

		event := eventdomain.Event{
			OrganizationID: org.ID,
			SubscriptionID: subID,
			EventType:      eventdomain.TypeTrialCancelled,
			Description:    "trial cancelled by organization",
		}
		if reason != "" {
			event.Metadata = map[string]interface{}{"reason": reason}
		}
		s.events.Record(ctx, tx, event)
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Info("trial cancelled", zap.String("organization_id", organizationID.String()))
	return nil
}

func (s *service) ExpireTrials(ctx context.Context) (int64, error) {
	now := s.clock.Now()
	expired, err := s.orgs.ExpireActiveTrials(ctx, s.db, now)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		s.log.Info("active trials expired", zap.Int64("count", expired))
	}
	return expired, nil
}

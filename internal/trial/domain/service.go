// Package domain defines the trial lifecycle API.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subdomain "github.com/uppalcrm/billing/internal/subscription/domain"
)

var (
	// ErrTrialNotEligible is returned when the organization already used a
	// trial, exhausted its retry allowance, or is in a state that forbids one.
	ErrTrialNotEligible = errors.New("trial_not_eligible")
	// ErrNoActiveTrial is returned by operations that require a running trial.
	ErrNoActiveTrial = errors.New("no_active_trial")
)

// Eligibility is the answer to "can this organization start a trial now".
// Reason is a machine-readable code, empty when Allowed.
type Eligibility struct {
	Allowed bool
	Reason  string
}

const (
	ReasonTrialInProgress   = "trial_in_progress"
	ReasonAlreadyConverted  = "already_converted"
	ReasonTrialLimitReached = "trial_limit_reached"
)

// StartTrialRequest starts a trial on the named plan. Days of zero means the
// configured default trial length.
type StartTrialRequest struct {
	OrganizationID snowflake.ID
	PlanCode       string
	Days           int
}

// TrialStatusResponse is the dashboard-facing view of a trial.
type TrialStatusResponse struct {
	OrganizationID          snowflake.ID `json:"organization_id"`
	TrialStatus             string       `json:"trial_status"`
	TrialStartedAt          *time.Time   `json:"trial_started_at,omitempty"`
	TrialEndsAt             *time.Time   `json:"trial_ends_at,omitempty"`
	TrialDays               int          `json:"trial_days"`
	IsTrialActive           bool         `json:"is_trial_active"`
	DaysRemaining           int          `json:"days_remaining"`
	SecondsRemaining        int64        `json:"seconds_remaining"`
	TrialProgressPercentage float64      `json:"trial_progress_percentage"`
}

type Service interface {
	GetTrialStatus(ctx context.Context, organizationID snowflake.ID) (*TrialStatusResponse, error)
	CanStartTrial(ctx context.Context, organizationID snowflake.ID) (Eligibility, error)
	StartTrial(ctx context.Context, req StartTrialRequest) (*TrialStatusResponse, error)
	ExtendTrial(ctx context.Context, organizationID snowflake.ID, extraDays int) (*TrialStatusResponse, error)
	// ConvertTrial flips the trial to a paid subscription in one transaction:
	// organization converted, subscription active, first billing date set.
	ConvertTrial(ctx context.Context, organizationID snowflake.ID, paymentMethodID string) (*subdomain.Subscription, error)
	CancelTrial(ctx context.Context, organizationID snowflake.ID, reason string) error
	// ExpireTrials bulk-flips every overdue active trial to expired and
	// returns the row count. The subscription-side consequences run in the
	// billing engine.
	ExpireTrials(ctx context.Context) (int64, error)
}

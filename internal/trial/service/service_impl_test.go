package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	eventdomain "github.com/uppalcrm/billing/internal/billingevent/domain"
	eventservice "github.com/uppalcrm/billing/internal/billingevent/service"
	"github.com/uppalcrm/billing/internal/clock"
	"github.com/uppalcrm/billing/internal/config"
	orgdomain "github.com/uppalcrm/billing/internal/organization/domain"
	orgrepo "github.com/uppalcrm/billing/internal/organization/repository"
	plandomain "github.com/uppalcrm/billing/internal/plan/domain"
	planrepo "github.com/uppalcrm/billing/internal/plan/repository"
	subdomain "github.com/uppalcrm/billing/internal/subscription/domain"
	subrepo "github.com/uppalcrm/billing/internal/subscription/repository"
	trialdomain "github.com/uppalcrm/billing/internal/trial/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type trialTestEnv struct {
	svc   trialdomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	genID *snowflake.Node
	orgs  orgdomain.Repository
	subs  subdomain.Repository
}

func newTrialTestEnv(t *testing.T) *trialTestEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	stripRowLocks(db)

	require.NoError(t, db.AutoMigrate(
		&orgdomain.Organization{},
		&plandomain.Plan{},
		&subdomain.Subscription{},
		&eventdomain.Event{},
	))

	genID, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	policy := config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy())
	orgs := orgrepo.Provide()
	subs := subrepo.Provide()
	plans := planrepo.Provide()
	events := eventservice.New(zap.NewNop(), genID, clk)

	seedPlan(t, db, genID, clk.Now())

	return &trialTestEnv{
		svc:   NewService(db, zap.NewNop(), clk, genID, policy, orgs, subs, plans, events),
		db:    db,
		clock: clk,
		genID: genID,
		orgs:  orgs,
		subs:  subs,
	}
}

// sqlite has no row locks; strip the FOR UPDATE clauses before execution.
func stripRowLocks(db *gorm.DB) {
	strip := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			sql = strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			sql = strings.ReplaceAll(sql, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(sql)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_strip_row_locks", strip)
	db.Callback().Row().Before("gorm:row").Register("sqlite_strip_row_locks_row", strip)
}

func seedPlan(t *testing.T, db *gorm.DB, genID *snowflake.Node, now time.Time) {
	t.Helper()
	require.NoError(t, planrepo.Provide().Upsert(context.Background(), db, &plandomain.Plan{
		ID:               genID.Generate(),
		Code:             "starter",
		Name:             "Starter",
		PricePerMonth:    2900,
		IncludedUsers:    3,
		IncludedContacts: 1000,
		IncludedLeads:    500,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}))
}

func (e *trialTestEnv) seedOrganization(t *testing.T) *orgdomain.Organization {
	t.Helper()
	now := e.clock.Now()
	org := &orgdomain.Organization{
		ID:            e.genID.Generate(),
		Name:          "Acme Licensing",
		Email:         "admin@acme.test",
		IsActive:      true,
		TrialStatus:   orgdomain.TrialStatusNeverStarted,
		PaymentStatus: orgdomain.PaymentStatusNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, e.orgs.Insert(context.Background(), e.db, org))
	return org
}

func (e *trialTestEnv) startTrial(t *testing.T, orgID snowflake.ID) *trialdomain.TrialStatusResponse {
	t.Helper()
	status, err := e.svc.StartTrial(context.Background(), trialdomain.StartTrialRequest{
		OrganizationID: orgID,
		PlanCode:       "starter",
	})
	require.NoError(t, err)
	return status
}

func TestTrialOperations_UnknownOrganization(t *testing.T) {
	env := newTrialTestEnv(t)
	unknown := env.genID.Generate()

	_, err := env.svc.GetTrialStatus(context.Background(), unknown)
	assert.ErrorIs(t, err, orgdomain.ErrOrganizationNotFound)

	_, err = env.svc.CanStartTrial(context.Background(), unknown)
	assert.ErrorIs(t, err, orgdomain.ErrOrganizationNotFound)

	_, err = env.svc.StartTrial(context.Background(), trialdomain.StartTrialRequest{
		OrganizationID: unknown,
		PlanCode:       "starter",
	})
	assert.ErrorIs(t, err, orgdomain.ErrOrganizationNotFound)

	_, err = env.svc.ExtendTrial(context.Background(), unknown, 7)
	assert.ErrorIs(t, err, orgdomain.ErrOrganizationNotFound)

	_, err = env.svc.ConvertTrial(context.Background(), unknown, "pm_test_123")
	assert.ErrorIs(t, err, orgdomain.ErrOrganizationNotFound)

	err = env.svc.CancelTrial(context.Background(), unknown, "never signed up")
	assert.ErrorIs(t, err, orgdomain.ErrOrganizationNotFound)
}

func TestStartTrial_DefaultLength(t *testing.T) {
	env := newTrialTestEnv(t)
	org := env.seedOrganization(t)

	status := env.startTrial(t, org.ID)

	assert.Equal(t, string(orgdomain.TrialStatusActive), status.TrialStatus)
	assert.Equal(t, 30, status.TrialDays)
	assert.True(t, status.IsTrialActive)
	assert.Equal(t, 30, status.DaysRemaining)

	sub, err := env.subs.FindCurrentByOrganization(context.Background(), env.db, org.ID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.Equal(t, subdomain.StatusTrial, sub.Status)
	assert.Equal(t, int64(2900), sub.PricePerMonth)
	require.NotNil(t, sub.TrialEndsAt)
	assert.WithinDuration(t, env.clock.Now().AddDate(0, 0, 30), *sub.TrialEndsAt, time.Second)
}

func TestStartTrial_RejectsRunningTrial(t *testing.T) {
	env := newTrialTestEnv(t)
	org := env.seedOrganization(t)
	env.startTrial(t, org.ID)

	_, err := env.svc.StartTrial(context.Background(), trialdomain.StartTrialRequest{
		OrganizationID: org.ID,
		PlanCode:       "starter",
	})
	assert.ErrorIs(t, err, trialdomain.ErrTrialNotEligible)
}

func TestStartTrial_EnforcesRetryLimit(t *testing.T) {
	env := newTrialTestEnv(t)
	org := env.seedOrganization(t)

	// Two trials allowed by default policy.
	env.startTrial(t, org.ID)
	require.NoError(t, env.svc.CancelTrial(context.Background(), org.ID, "not a fit"))

	// Cancellation deactivates the org; a returning customer gets
	// reactivated before the retry.
	stored, err := env.orgs.FindByID(context.Background(), env.db, org.ID)
	require.NoError(t, err)
	stored.IsActive = true
	require.NoError(t, env.orgs.UpdateTrialFields(context.Background(), env.db, stored))

	env.startTrial(t, org.ID)
	require.NoError(t, env.svc.CancelTrial(context.Background(), org.ID, "not a fit"))

	elig, err := env.svc.CanStartTrial(context.Background(), org.ID)
	require.NoError(t, err)
	assert.False(t, elig.Allowed)
	assert.Equal(t, trialdomain.ReasonTrialLimitReached, elig.Reason)
}

func TestExtendTrial_MovesEndDate(t *testing.T) {
	env := newTrialTestEnv(t)
	org := env.seedOrganization(t)
	started := env.startTrial(t, org.ID)

	status, err := env.svc.ExtendTrial(context.Background(), org.ID, 7)
	require.NoError(t, err)

	assert.Equal(t, 37, status.TrialDays)
	assert.WithinDuration(t, started.TrialEndsAt.AddDate(0, 0, 7), *status.TrialEndsAt, time.Second)

	sub, err := env.subs.FindCurrentByOrganization(context.Background(), env.db, org.ID)
	require.NoError(t, err)
	require.NotNil(t, sub.TrialEndsAt)
	assert.WithinDuration(t, *status.TrialEndsAt, *sub.TrialEndsAt, time.Second)
}

func TestExtendTrial_RequiresActiveTrial(t *testing.T) {
	env := newTrialTestEnv(t)
	org := env.seedOrganization(t)

	_, err := env.svc.ExtendTrial(context.Background(), org.ID, 7)
	assert.ErrorIs(t, err, trialdomain.ErrNoActiveTrial)
}

func TestConvertTrial_ActivatesSubscription(t *testing.T) {
	env := newTrialTestEnv(t)
	org := env.seedOrganization(t)
	env.startTrial(t, org.ID)

	sub, err := env.svc.ConvertTrial(context.Background(), org.ID, "pm_test_123")
	require.NoError(t, err)

	assert.Equal(t, subdomain.StatusActive, sub.Status)
	require.NotNil(t, sub.NextBillingDate)
	assert.WithinDuration(t, env.clock.Now().AddDate(0, 1, 0), *sub.NextBillingDate, time.Second)
	require.NotNil(t, sub.PaymentMethodID)
	assert.Equal(t, "pm_test_123", *sub.PaymentMethodID)

	stored, err := env.orgs.FindByID(context.Background(), env.db, org.ID)
	require.NoError(t, err)
	assert.Equal(t, orgdomain.TrialStatusConverted, stored.TrialStatus)
	assert.Equal(t, orgdomain.PaymentStatusActive, stored.PaymentStatus)

	// Converted organizations never trial again.
	elig, err := env.svc.CanStartTrial(context.Background(), org.ID)
	require.NoError(t, err)
	assert.False(t, elig.Allowed)
	assert.Equal(t, trialdomain.ReasonAlreadyConverted, elig.Reason)
}

func TestConvertTrial_RequiresActiveTrial(t *testing.T) {
	env := newTrialTestEnv(t)
	org := env.seedOrganization(t)

	_, err := env.svc.ConvertTrial(context.Background(), org.ID, "pm_test_123")
	assert.ErrorIs(t, err, trialdomain.ErrNoActiveTrial)
}

func TestCancelTrial_DeactivatesOrganization(t *testing.T) {
	env := newTrialTestEnv(t)
	org := env.seedOrganization(t)
	env.startTrial(t, org.ID)

	require.NoError(t, env.svc.CancelTrial(context.Background(), org.ID, "not a fit"))

	stored, err := env.orgs.FindByID(context.Background(), env.db, org.ID)
	require.NoError(t, err)
	assert.Equal(t, orgdomain.TrialStatusCancelled, stored.TrialStatus)
	assert.Equal(t, orgdomain.PaymentStatusCancelled, stored.PaymentStatus)
	assert.False(t, stored.IsActive)

	sub, err := env.subs.FindByID(context.Background(), env.db, orgSubscriptionID(t, env, org.ID))
	require.NoError(t, err)
	assert.Equal(t, subdomain.StatusCancelled, sub.Status)
}

func orgSubscriptionID(t *testing.T, env *trialTestEnv, orgID snowflake.ID) snowflake.ID {
	t.Helper()
	var id snowflake.ID
	require.NoError(t, env.db.Raw(
		`SELECT id FROM organization_subscriptions WHERE organization_id = ? ORDER BY created_at DESC LIMIT 1`,
		orgID,
	).Scan(&id).Error)
	return id
}

func TestExpireTrials_BulkSweep(t *testing.T) {
	env := newTrialTestEnv(t)
	org := env.seedOrganization(t)
	env.startTrial(t, org.ID)

	expired, err := env.svc.ExpireTrials(context.Background())
	require.NoError(t, err)
	assert.Zero(t, expired)

	env.clock.Advance(31 * 24 * time.Hour)
	expired, err = env.svc.ExpireTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	status, err := env.svc.GetTrialStatus(context.Background(), org.ID)
	require.NoError(t, err)
	assert.Equal(t, string(orgdomain.TrialStatusExpired), status.TrialStatus)
	assert.False(t, status.IsTrialActive)
}

func TestGetTrialStatus_ProgressClamped(t *testing.T) {
	env := newTrialTestEnv(t)
	org := env.seedOrganization(t)
	env.startTrial(t, org.ID)

	status, err := env.svc.GetTrialStatus(context.Background(), org.ID)
	require.NoError(t, err)
	assert.Zero(t, status.TrialProgressPercentage)

	env.clock.Advance(15 * 24 * time.Hour)
	status, err = env.svc.GetTrialStatus(context.Background(), org.ID)
	require.NoError(t, err)
	assert.InDelta(t, 50, status.TrialProgressPercentage, 0.1)
	assert.Equal(t, 15, status.DaysRemaining)
}

package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uppalcrm/billing/internal/billing"
	eventdomain "github.com/uppalcrm/billing/internal/billingevent/domain"
	eventservice "github.com/uppalcrm/billing/internal/billingevent/service"
	"github.com/uppalcrm/billing/internal/clock"
	"github.com/uppalcrm/billing/internal/config"
	invoicedomain "github.com/uppalcrm/billing/internal/invoice/domain"
	invoiceservice "github.com/uppalcrm/billing/internal/invoice/service"
	"github.com/uppalcrm/billing/internal/notification"
	orgdomain "github.com/uppalcrm/billing/internal/organization/domain"
	orgrepo "github.com/uppalcrm/billing/internal/organization/repository"
	"github.com/uppalcrm/billing/internal/payment/simulated"
	plandomain "github.com/uppalcrm/billing/internal/plan/domain"
	planrepo "github.com/uppalcrm/billing/internal/plan/repository"
	"github.com/uppalcrm/billing/internal/providers/email"
	subdomain "github.com/uppalcrm/billing/internal/subscription/domain"
	subrepo "github.com/uppalcrm/billing/internal/subscription/repository"
	usagerepo "github.com/uppalcrm/billing/internal/usage/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type schedulerTestEnv struct {
	scheduler *Scheduler
	db        *gorm.DB
	clock     *clock.FakeClock
	genID     *snowflake.Node
	orgs      orgdomain.Repository
}

func newSchedulerTestEnv(t *testing.T, cfg Config, migrate bool) *schedulerTestEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	if migrate {
		require.NoError(t, db.AutoMigrate(
			&orgdomain.Organization{},
			&orgdomain.TrialArchive{},
			&plandomain.Plan{},
			&subdomain.Subscription{},
			&invoicedomain.Invoice{},
			&invoicedomain.Sequence{},
			&eventdomain.Event{},
		))
	}

	genID, err := snowflake.NewNode(4)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 6, 1, 4, 0, 0, 0, time.UTC))
	holder := config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy())
	log := zap.NewNop()

	orgs := orgrepo.Provide()
	subs := subrepo.Provide()
	plans := planrepo.Provide()
	events := eventservice.New(log, genID, clk)
	invoices := invoiceservice.NewService(log, clk, genID, holder, plans, usagerepo.Provide())
	notifier := notification.NewDispatcher(db, log, clk, holder, orgs, &email.NoOpProvider{}, events)
	engine := billing.NewEngine(db, log, clk, holder, orgs, subs, invoices, simulated.New(clk), events, notifier)

	s, err := NewWithConfig(cfg, log, db, clk, genID, holder, engine, subs, orgs)
	require.NoError(t, err)

	return &schedulerTestEnv{
		scheduler: s,
		db:        db,
		clock:     clk,
		genID:     genID,
		orgs:      orgs,
	}
}

func defaultSchedulerConfig() Config {
	return Config{Timezone: "America/New_York"}
}

func TestNew_RegistersAllJobs(t *testing.T) {
	env := newSchedulerTestEnv(t, defaultSchedulerConfig(), true)

	statuses := env.scheduler.Status()
	names := make([]string, 0, len(statuses))
	for _, status := range statuses {
		names = append(names, status.Name)
		assert.True(t, status.Enabled, "job %s should be enabled", status.Name)
	}
	assert.ElementsMatch(t, []string{
		"autoRenewals",
		"dailyBilling",
		"gracePeriodCleanup",
		"healthCheck",
		"monthlyInvoicing",
		"trialArchival",
		"trialNotifications",
	}, names)
}

func TestNew_EnabledJobsFilter(t *testing.T) {
	cfg := defaultSchedulerConfig()
	cfg.EnabledJobs = []string{"healthCheck", "dailyBilling"}
	env := newSchedulerTestEnv(t, cfg, true)

	for _, status := range env.scheduler.Status() {
		switch status.Name {
		case "healthCheck", "dailyBilling":
			assert.True(t, status.Enabled)
		default:
			assert.False(t, status.Enabled, "job %s should be disabled", status.Name)
		}
	}
}

func TestNew_RejectsBadTimezone(t *testing.T) {
	cfg := Config{Timezone: "Mars/Olympus_Mons"}
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	genID, err := snowflake.NewNode(4)
	require.NoError(t, err)

	_, err = NewWithConfig(cfg, zap.NewNop(), db, clock.NewFakeClock(time.Now()), genID,
		config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy()), nil, nil, nil)
	assert.Error(t, err)
}

func TestRunJob_UnknownName(t *testing.T) {
	env := newSchedulerTestEnv(t, defaultSchedulerConfig(), true)
	err := env.scheduler.RunJob(context.Background(), "nightlyReindex")
	assert.ErrorIs(t, err, ErrUnknownJob)
}

func TestRunJob_HealthCheck(t *testing.T) {
	env := newSchedulerTestEnv(t, defaultSchedulerConfig(), true)
	assert.NoError(t, env.scheduler.RunJob(context.Background(), "healthCheck"))
}

func TestRunHealthCheck_SkipsUnprovisionedSchema(t *testing.T) {
	env := newSchedulerTestEnv(t, defaultSchedulerConfig(), false)
	assert.NoError(t, env.scheduler.RunHealthCheck(context.Background()))
}

func TestArchiveFinishedTrials(t *testing.T) {
	env := newSchedulerTestEnv(t, defaultSchedulerConfig(), true)
	now := env.clock.Now()

	seed := func(email string, status orgdomain.TrialStatus, endedDaysAgo int) {
		endsAt := now.AddDate(0, 0, -endedDaysAgo)
		startedAt := endsAt.AddDate(0, 0, -30)
		require.NoError(t, env.orgs.Insert(context.Background(), env.db, &orgdomain.Organization{
			ID:             env.genID.Generate(),
			Name:           email,
			Email:          email,
			IsActive:       status == orgdomain.TrialStatusExpired,
			TrialStatus:    status,
			TrialStartedAt: &startedAt,
			TrialEndsAt:    &endsAt,
			TrialDays:      30,
			PaymentStatus:  orgdomain.PaymentStatusNone,
			CreatedAt:      now,
			UpdatedAt:      now,
		}))
	}

	seed("old-expired@test", orgdomain.TrialStatusExpired, 120)
	seed("old-cancelled@test", orgdomain.TrialStatusCancelled, 100)
	// Inside the retention window, stays live.
	seed("recent@test", orgdomain.TrialStatusExpired, 30)
	// Converted trials are never archived.
	seed("converted@test", orgdomain.TrialStatusConverted, 120)

	archived, err := env.scheduler.ArchiveFinishedTrials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, archived)

	// Rerun is a no-op; each trial is archived once.
	archived, err = env.scheduler.ArchiveFinishedTrials(context.Background())
	require.NoError(t, err)
	assert.Zero(t, archived)

	var count int64
	require.NoError(t, env.db.Raw(`SELECT COUNT(*) FROM trial_archives`).Scan(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestStartStop(t *testing.T) {
	env := newSchedulerTestEnv(t, defaultSchedulerConfig(), true)

	env.scheduler.Start()
	statuses := env.scheduler.Status()
	for _, status := range statuses {
		require.NotNil(t, status.Next, "job %s should have a next fire time", status.Name)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, env.scheduler.Stop(ctx))
}

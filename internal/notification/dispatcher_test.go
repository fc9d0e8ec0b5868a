package notification

import (
	"context"
	"errors"
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
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingProvider struct {
	templates []string
	to        []string
	fail      map[string]error
}

func (p *recordingProvider) Send(ctx context.Context, to []string, subject, htmlBody string) error {
	return nil
}

func (p *recordingProvider) SendTemplate(ctx context.Context, to []string, templateName string, data interface{}) error {
	if err, ok := p.fail[to[0]]; ok {
		return err
	}
	p.templates = append(p.templates, templateName)
	p.to = append(p.to, to[0])
	return nil
}

type dispatcherTestEnv struct {
	dispatcher *Dispatcher
	db         *gorm.DB
	clock      *clock.FakeClock
	genID      *snowflake.Node
	orgs       orgdomain.Repository
	provider   *recordingProvider
}

func newDispatcherTestEnv(t *testing.T) *dispatcherTestEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&orgdomain.Organization{},
		&eventdomain.Event{},
	))

	genID, err := snowflake.NewNode(3)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC))
	policy := config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy())
	orgs := orgrepo.Provide()
	provider := &recordingProvider{fail: map[string]error{}}
	events := eventservice.New(zap.NewNop(), genID, clk)

	return &dispatcherTestEnv{
		dispatcher: NewDispatcher(db, zap.NewNop(), clk, policy, orgs, provider, events),
		db:         db,
		clock:      clk,
		genID:      genID,
		orgs:       orgs,
		provider:   provider,
	}
}

func (e *dispatcherTestEnv) seedTrialEndingIn(t *testing.T, email string, until time.Duration) *orgdomain.Organization {
	t.Helper()
	now := e.clock.Now()
	endsAt := now.Add(until)
	startedAt := endsAt.AddDate(0, 0, -30)
	org := &orgdomain.Organization{
		ID:             e.genID.Generate(),
		Name:           "Org " + email,
		Email:          email,
		IsActive:       true,
		TrialStatus:    orgdomain.TrialStatusActive,
		TrialStartedAt: &startedAt,
		TrialEndsAt:    &endsAt,
		TrialDays:      30,
		PaymentStatus:  orgdomain.PaymentStatusNone,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, e.orgs.Insert(context.Background(), e.db, org))
	return org
}

func TestSendTrialExpirationWarnings_HitsConfiguredMarks(t *testing.T) {
	env := newDispatcherTestEnv(t)
	env.seedTrialEndingIn(t, "seven@test", 7*24*time.Hour)
	env.seedTrialEndingIn(t, "three@test", 3*24*time.Hour)
	env.seedTrialEndingIn(t, "one@test", 24*time.Hour)
	// Five days out is not a warning mark.
	env.seedTrialEndingIn(t, "five@test", 5*24*time.Hour)

	sent, err := env.dispatcher.SendTrialExpirationWarnings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, sent)
	assert.ElementsMatch(t, []string{"seven@test", "three@test", "one@test"}, env.provider.to)
	for _, template := range env.provider.templates {
		assert.Equal(t, trialWarningTemplate, template)
	}
}

func TestSendTrialExpirationWarnings_OncePerMark(t *testing.T) {
	env := newDispatcherTestEnv(t)
	org := env.seedTrialEndingIn(t, "seven@test", 7*24*time.Hour)

	sent, err := env.dispatcher.SendTrialExpirationWarnings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	// A rerun the same day stays quiet.
	sent, err = env.dispatcher.SendTrialExpirationWarnings(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)

	// Four days later the trial hits the next mark and warns again.
	env.clock.Advance(4 * 24 * time.Hour)
	sent, err = env.dispatcher.SendTrialExpirationWarnings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)

	var count int64
	require.NoError(t, env.db.Raw(
		`SELECT COUNT(*) FROM subscription_events WHERE organization_id = ? AND event_type = ?`,
		org.ID, eventdomain.TypeTrialWarningSent,
	).Scan(&count).Error)
	assert.Equal(t, int64(2), count)
}

func TestSendTrialExpirationWarnings_FailedSendDoesNotStopSweep(t *testing.T) {
	env := newDispatcherTestEnv(t)
	env.seedTrialEndingIn(t, "broken@test", 24*time.Hour)
	env.seedTrialEndingIn(t, "fine@test", 3*24*time.Hour)
	env.provider.fail["broken@test"] = errors.New("smtp connection refused")

	sent, err := env.dispatcher.SendTrialExpirationWarnings(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, sent)
	assert.Equal(t, []string{"fine@test"}, env.provider.to)
}

func TestSendTrialExpirationWarnings_IgnoresInactiveAndConverted(t *testing.T) {
	env := newDispatcherTestEnv(t)
	org := env.seedTrialEndingIn(t, "gone@test", 24*time.Hour)
	org.TrialStatus = orgdomain.TrialStatusConverted
	require.NoError(t, env.orgs.UpdateTrialFields(context.Background(), env.db, org))

	sent, err := env.dispatcher.SendTrialExpirationWarnings(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sent)
}

package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uppalcrm/billing/internal/clock"
	"github.com/uppalcrm/billing/internal/config"
	invoicedomain "github.com/uppalcrm/billing/internal/invoice/domain"
	plandomain "github.com/uppalcrm/billing/internal/plan/domain"
	planrepo "github.com/uppalcrm/billing/internal/plan/repository"
	subscriptiondomain "github.com/uppalcrm/billing/internal/subscription/domain"
	usagerepo "github.com/uppalcrm/billing/internal/usage/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type invoiceTestEnv struct {
	svc   invoicedomain.Service
	db    *gorm.DB
	clock *clock.FakeClock
	genID *snowflake.Node
	plans plandomain.Repository
}

func newInvoiceTestEnv(t *testing.T) *invoiceTestEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&plandomain.Plan{},
		&invoicedomain.Invoice{},
		&invoicedomain.Sequence{},
	))
	for _, ddl := range []string{
		`CREATE TABLE users (id INTEGER PRIMARY KEY, organization_id INTEGER, is_active BOOLEAN)`,
		`CREATE TABLE contacts (id INTEGER PRIMARY KEY, organization_id INTEGER)`,
		`CREATE TABLE leads (id INTEGER PRIMARY KEY, organization_id INTEGER)`,
	} {
		require.NoError(t, db.Exec(ddl).Error)
	}

	genID, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC))
	policy := config.NewStaticBillingPolicyHolder(config.DefaultBillingPolicy())
	plans := planrepo.Provide()

	return &invoiceTestEnv{
		svc:   NewService(zap.NewNop(), clk, genID, policy, plans, usagerepo.Provide()),
		db:    db,
		clock: clk,
		genID: genID,
		plans: plans,
	}
}

func (e *invoiceTestEnv) seedPlan(t *testing.T) *plandomain.Plan {
	t.Helper()
	now := e.clock.Now()
	plan := &plandomain.Plan{
		ID:               e.genID.Generate(),
		Code:             "starter",
		Name:             "Starter",
		PricePerMonth:    2900,
		IncludedUsers:    3,
		IncludedContacts: 1000,
		IncludedLeads:    500,
		IsActive:         true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, e.plans.Upsert(context.Background(), e.db, plan))
	return plan
}

func (e *invoiceTestEnv) seedUsage(t *testing.T, orgID snowflake.ID, users, contacts, leads int) {
	t.Helper()
	for i := 0; i < users; i++ {
		require.NoError(t, e.db.Exec(
			`INSERT INTO users (organization_id, is_active) VALUES (?, ?)`, orgID, true,
		).Error)
	}
	for i := 0; i < contacts; i++ {
		require.NoError(t, e.db.Exec(
			`INSERT INTO contacts (organization_id) VALUES (?)`, orgID,
		).Error)
	}
	for i := 0; i < leads; i++ {
		require.NoError(t, e.db.Exec(
			`INSERT INTO leads (organization_id) VALUES (?)`, orgID,
		).Error)
	}
}

func (e *invoiceTestEnv) subscription(plan *plandomain.Plan) *subscriptiondomain.Subscription {
	return &subscriptiondomain.Subscription{
		ID:             e.genID.Generate(),
		OrganizationID: e.genID.Generate(),
		PlanCode:       plan.Code,
		Status:         subscriptiondomain.StatusActive,
		BillingCycle:   subscriptiondomain.BillingCycleMonthly,
		PricePerMonth:  plan.PricePerMonth,
	}
}

func TestGenerateForPeriod_BaseAmountOnly(t *testing.T) {
	env := newInvoiceTestEnv(t)
	plan := env.seedPlan(t)
	sub := env.subscription(plan)
	env.seedUsage(t, sub.OrganizationID, 3, 0, 0)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	invoice, err := env.svc.GenerateForPeriod(context.Background(), env.db, sub, start, end)
	require.NoError(t, err)

	assert.Equal(t, "INV-2026030001", invoice.InvoiceNumber)
	assert.Equal(t, invoicedomain.StatusDraft, invoice.Status)
	assert.Equal(t, int64(2900), invoice.Subtotal)
	assert.Zero(t, invoice.OverageAmount)
	assert.Equal(t, int64(2900), invoice.TotalAmount)
	assert.Equal(t, int64(2900), invoice.AmountDue)
	assert.Len(t, invoice.LineItems, 1)
	assert.Equal(t, env.clock.Now().AddDate(0, 0, 14), invoice.DueDate)
}

func TestGenerateForPeriod_IncludesOverage(t *testing.T) {
	env := newInvoiceTestEnv(t)
	plan := env.seedPlan(t)
	sub := env.subscription(plan)
	// 2 users over, 150 contacts over (2 blocks), 1 lead over (1 block).
	env.seedUsage(t, sub.OrganizationID, 5, 1150, 501)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	invoice, err := env.svc.GenerateForPeriod(context.Background(), env.db, sub, start, start.AddDate(0, 1, -1))
	require.NoError(t, err)

	assert.Equal(t, int64(1250), invoice.OverageAmount)
	assert.Equal(t, int64(4150), invoice.TotalAmount)
	assert.Len(t, invoice.LineItems, 4)
}

func TestGenerateForPeriod_NumbersIncrementWithinMonth(t *testing.T) {
	env := newInvoiceTestEnv(t)
	plan := env.seedPlan(t)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	first, err := env.svc.GenerateForPeriod(context.Background(), env.db, env.subscription(plan), start, start.AddDate(0, 1, -1))
	require.NoError(t, err)
	second, err := env.svc.GenerateForPeriod(context.Background(), env.db, env.subscription(plan), start, start.AddDate(0, 1, -1))
	require.NoError(t, err)

	assert.Equal(t, "INV-2026030001", first.InvoiceNumber)
	assert.Equal(t, "INV-2026030002", second.InvoiceNumber)
}

func TestGenerateForPeriod_BumpsExistingSequenceRow(t *testing.T) {
	env := newInvoiceTestEnv(t)
	plan := env.seedPlan(t)

	// The month's sequence row already exists, so the allocation conflicts
	// on year_month and must increment instead of failing the insert.
	require.NoError(t, env.db.Exec(
		`INSERT INTO invoice_sequences (id, year_month, last_value, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)`,
		env.genID.Generate(), "202603", 7, env.clock.Now(), env.clock.Now(),
	).Error)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	invoice, err := env.svc.GenerateForPeriod(context.Background(), env.db, env.subscription(plan), start, start.AddDate(0, 1, -1))
	require.NoError(t, err)
	assert.Equal(t, "INV-2026030008", invoice.InvoiceNumber)

	var count int64
	require.NoError(t, env.db.Raw(
		`SELECT COUNT(*) FROM invoice_sequences WHERE year_month = ?`, "202603",
	).Scan(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestGenerateForPeriod_SequenceResetsAcrossMonths(t *testing.T) {
	env := newInvoiceTestEnv(t)
	plan := env.seedPlan(t)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	first, err := env.svc.GenerateForPeriod(context.Background(), env.db, env.subscription(plan), start, start.AddDate(0, 1, -1))
	require.NoError(t, err)
	assert.Equal(t, "INV-2026030001", first.InvoiceNumber)

	env.clock.Advance(31 * 24 * time.Hour)
	second, err := env.svc.GenerateForPeriod(context.Background(), env.db, env.subscription(plan), start.AddDate(0, 1, 0), start.AddDate(0, 2, -1))
	require.NoError(t, err)
	assert.Equal(t, "INV-2026040001", second.InvoiceNumber)
}

func TestGenerateForPeriod_UnknownPlanFallsBackToStoredPrice(t *testing.T) {
	env := newInvoiceTestEnv(t)
	sub := &subscriptiondomain.Subscription{
		ID:             env.genID.Generate(),
		OrganizationID: env.genID.Generate(),
		PlanCode:       "legacy",
		Status:         subscriptiondomain.StatusActive,
		BillingCycle:   subscriptiondomain.BillingCycleMonthly,
		PricePerMonth:  1900,
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	invoice, err := env.svc.GenerateForPeriod(context.Background(), env.db, sub, start, start.AddDate(0, 1, -1))
	require.NoError(t, err)

	assert.Equal(t, int64(1900), invoice.TotalAmount)
	assert.Zero(t, invoice.OverageAmount)
}

func TestGenerateForPeriod_MissingPrice(t *testing.T) {
	env := newInvoiceTestEnv(t)
	sub := &subscriptiondomain.Subscription{
		ID:             env.genID.Generate(),
		OrganizationID: env.genID.Generate(),
		PlanCode:       "legacy",
		Status:         subscriptiondomain.StatusActive,
		BillingCycle:   subscriptiondomain.BillingCycleMonthly,
	}

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	_, err := env.svc.GenerateForPeriod(context.Background(), env.db, sub, start, start.AddDate(0, 1, -1))
	assert.ErrorIs(t, err, invoicedomain.ErrMissingPlanPrice)
}

func TestMarkPaid_OnlyTouchesDrafts(t *testing.T) {
	env := newInvoiceTestEnv(t)
	plan := env.seedPlan(t)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	invoice, err := env.svc.GenerateForPeriod(context.Background(), env.db, env.subscription(plan), start, start.AddDate(0, 1, -1))
	require.NoError(t, err)

	paidAt := env.clock.Now()
	require.NoError(t, env.svc.MarkPaid(context.Background(), env.db, invoice.ID, invoice.AmountDue, paidAt))

	stored, err := env.svc.FindByID(context.Background(), env.db, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, stored.Status)
	assert.Zero(t, stored.AmountDue)
	assert.Equal(t, invoice.TotalAmount, stored.AmountPaid)

	// A second settlement attempt must not rewrite a paid invoice.
	err = env.svc.MarkPaid(context.Background(), env.db, invoice.ID, invoice.AmountDue, paidAt)
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotDraft)
	err = env.svc.MarkFailed(context.Background(), env.db, invoice.ID, paidAt)
	assert.ErrorIs(t, err, invoicedomain.ErrInvoiceNotDraft)
}

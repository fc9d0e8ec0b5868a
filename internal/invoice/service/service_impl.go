package service

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/uppalcrm/billing/internal/clock"
	"github.com/uppalcrm/billing/internal/config"
	invoicedomain "github.com/uppalcrm/billing/internal/invoice/domain"
	plandomain "github.com/uppalcrm/billing/internal/plan/domain"
	subscriptiondomain "github.com/uppalcrm/billing/internal/subscription/domain"
	usagedomain "github.com/uppalcrm/billing/internal/usage/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type service struct {
	log      *zap.Logger
	clock    clock.Clock
	genID    *snowflake.Node
	policy   *config.BillingPolicyHolder
	planRepo plandomain.Repository
	usage    usagedomain.Repository
}

func NewService(
	log *zap.Logger,
	clk clock.Clock,
	genID *snowflake.Node,
	policy *config.BillingPolicyHolder,
	planRepo plandomain.Repository,
	usageRepo usagedomain.Repository,
) invoicedomain.Service {
	return &service{
		log:      log.Named("invoice"),
		clock:    clk,
		genID:    genID,
		policy:   policy,
		planRepo: planRepo,
		usage:    usageRepo,
	}
}

func (s *service) GenerateForPeriod(
	ctx context.Context,
	tx *gorm.DB,
	sub *subscriptiondomain.Subscription,
	periodStart, periodEnd time.Time,
) (*invoicedomain.Invoice, error) {
	policy := s.policy.Get()
	now := s.clock.Now()

	plan, err := s.planRepo.FindByCode(ctx, tx, sub.PlanCode)
	if err != nil {
		return nil, err
	}

	baseAmount := sub.PricePerMonth
	planName := sub.PlanCode
	if plan != nil {
		baseAmount = plan.PricePerMonth
		planName = plan.Name
	}
	if baseAmount <= 0 {
		return nil, invoicedomain.ErrMissingPlanPrice
	}

	lines := invoicedomain.LineItems{{
		Description: planName + " plan, monthly subscription",
		Quantity:    1,
		UnitPrice:   baseAmount,
		Total:       baseAmount,
	}}

	var overage int64
	if plan != nil {
		snapshot, err := s.usage.Counts(ctx, tx, sub.OrganizationID)
		if err != nil {
			return nil, err
		}
		var overageLines invoicedomain.LineItems
		overage, overageLines = computeOverage(policy.Overage, plan, snapshot)
		lines = append(lines, overageLines...)
	}

	number, err := s.nextInvoiceNumber(ctx, tx, now)
	if err != nil {
		return nil, err
	}

	invoice := &invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		OrganizationID: sub.OrganizationID,
		SubscriptionID: sub.ID,
		InvoiceNumber:  number,
		Status:         invoicedomain.StatusDraft,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		Subtotal:       baseAmount,
		OverageAmount:  overage,
		TotalAmount:    baseAmount + overage,
		AmountDue:      baseAmount + overage,
		AmountPaid:     0,
		LineItems:      lines,
		DueDate:        now.AddDate(0, 0, policy.Invoicing.DueDays),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.insert(ctx, tx, invoice); err != nil {
		return nil, err
	}

	s.log.Info("invoice generated",
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("organization_id", invoice.OrganizationID.String()),
		zap.Int64("total_amount", invoice.TotalAmount),
		zap.Int64("overage_amount", invoice.OverageAmount),
	)
	return invoice, nil
}

func (s *service) insert(ctx context.Context, tx *gorm.DB, invoice *invoicedomain.Invoice) error {
	return tx.WithContext(ctx).Exec(
		`INSERT INTO subscription_invoices (
			id, organization_id, subscription_id, invoice_number, status, period_start,
			period_end, subtotal, overage_amount, total_amount, amount_due, amount_paid,
			line_items, due_date, paid_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		invoice.ID,
		invoice.OrganizationID,
		invoice.SubscriptionID,
		invoice.InvoiceNumber,
		invoice.Status,
		invoice.PeriodStart,
		invoice.PeriodEnd,
		invoice.Subtotal,
		invoice.OverageAmount,
		invoice.TotalAmount,
		invoice.AmountDue,
		invoice.AmountPaid,
		invoice.LineItems,
		invoice.DueDate,
		invoice.PaidAt,
		invoice.CreatedAt,
		invoice.UpdatedAt,
	).Error
}

func (s *service) MarkPaid(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, amount int64, paidAt time.Time) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE subscription_invoices
		 SET status = ?, amount_paid = ?, amount_due = 0, paid_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		invoicedomain.StatusPaid,
		amount,
		paidAt,
		paidAt,
		invoiceID,
		invoicedomain.StatusDraft,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return invoicedomain.ErrInvoiceNotDraft
	}
	return nil
}

func (s *service) MarkFailed(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, now time.Time) error {
	result := tx.WithContext(ctx).Exec(
		`UPDATE subscription_invoices
		 SET status = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		invoicedomain.StatusFailed,
		now,
		invoiceID,
		invoicedomain.StatusDraft,
	)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return invoicedomain.ErrInvoiceNotDraft
	}
	return nil
}

func (s *service) FindByID(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*invoicedomain.Invoice, error) {
	var invoice invoicedomain.Invoice
	err := db.WithContext(ctx).Raw(
		`SELECT id, organization_id, subscription_id, invoice_number, status, period_start,
		        period_end, subtotal, overage_amount, total_amount, amount_due, amount_paid,
		        line_items, due_date, paid_at, created_at, updated_at
		 FROM subscription_invoices
		 WHERE id = ?`,
		invoiceID,
	).Scan(&invoice).Error
	if err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

package billing

import (
	"context"
	"time"

	invoicedomain "github.com/uppalcrm/billing/internal/invoice/domain"
	subdomain "github.com/uppalcrm/billing/internal/subscription/domain"
	"gorm.io/gorm"
)

// claimBatchSize bounds one sweep invocation. Rows left behind are picked up
// by the next scheduled run.
const claimBatchSize = 500

const claimedSubscriptionColumns = `id, organization_id, plan_code, status, billing_cycle,
	price_per_month, trial_ends_at, next_billing_date, grace_period_ends_at,
	payment_method_id, metadata, created_at, updated_at`

// claimExpiredTrials row-locks trial subscriptions past their end date.
// SKIP LOCKED lets concurrent sweep instances partition the backlog instead
// of serializing on it.
func claimExpiredTrials(ctx context.Context, tx *gorm.DB, now time.Time) ([]subdomain.Subscription, error) {
	var subs []subdomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+claimedSubscriptionColumns+`
		 FROM organization_subscriptions
		 WHERE status = ?
		   AND trial_ends_at IS NOT NULL
		   AND trial_ends_at <= ?
		 ORDER BY trial_ends_at ASC
		 LIMIT ? FOR UPDATE SKIP LOCKED`,
		subdomain.StatusTrial,
		now,
		claimBatchSize,
	).Scan(&subs).Error
	return subs, err
}

// claimExpiredGracePeriods row-locks expired subscriptions whose grace
// window has closed.
func claimExpiredGracePeriods(ctx context.Context, tx *gorm.DB, now time.Time) ([]subdomain.Subscription, error) {
	var subs []subdomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+claimedSubscriptionColumns+`
		 FROM organization_subscriptions
		 WHERE status = ?
		   AND grace_period_ends_at IS NOT NULL
		   AND grace_period_ends_at <= ?
		 ORDER BY grace_period_ends_at ASC
		 LIMIT ? FOR UPDATE SKIP LOCKED`,
		subdomain.StatusExpired,
		now,
		claimBatchSize,
	).Scan(&subs).Error
	return subs, err
}

// claimBillableSubscriptions row-locks active monthly subscriptions whose
// billing date has arrived.
func claimBillableSubscriptions(ctx context.Context, tx *gorm.DB, now time.Time) ([]subdomain.Subscription, error) {
	var subs []subdomain.Subscription
	err := tx.WithContext(ctx).Raw(
		`SELECT `+claimedSubscriptionColumns+`
		 FROM organization_subscriptions
		 WHERE status = ?
		   AND billing_cycle = ?
		   AND next_billing_date IS NOT NULL
		   AND next_billing_date <= ?
		 ORDER BY next_billing_date ASC
		 LIMIT ? FOR UPDATE SKIP LOCKED`,
		subdomain.StatusActive,
		subdomain.BillingCycleMonthly,
		now,
		claimBatchSize,
	).Scan(&subs).Error
	return subs, err
}

// claimChargeableInvoices row-locks due draft invoices whose subscription
// is still active and has a stored payment method. A subscription suspended
// between invoicing and renewal is never charged.
func claimChargeableInvoices(ctx context.Context, tx *gorm.DB, now time.Time) ([]invoicedomain.Invoice, error) {
	var invoices []invoicedomain.Invoice
	err := tx.WithContext(ctx).Raw(
		`SELECT i.id, i.organization_id, i.subscription_id, i.invoice_number, i.status,
		        i.period_start, i.period_end, i.subtotal, i.overage_amount, i.total_amount,
		        i.amount_due, i.amount_paid, i.line_items, i.due_date, i.paid_at,
		        i.created_at, i.updated_at
		 FROM subscription_invoices i
		 JOIN organization_subscriptions s ON s.id = i.subscription_id
		 WHERE i.status = ?
		   AND i.due_date <= ?
		   AND s.status = ?
		   AND s.payment_method_id IS NOT NULL
		 ORDER BY i.due_date ASC
		 LIMIT ? FOR UPDATE OF i SKIP LOCKED`,
		invoicedomain.StatusDraft,
		now,
		subdomain.StatusActive,
		claimBatchSize,
	).Scan(&invoices).Error
	return invoices, err
}

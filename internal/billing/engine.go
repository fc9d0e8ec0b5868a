// Package billing runs the subscription lifecycle sweeps: trial expiry,
// grace closure, invoice generation, and automatic renewals.
package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	eventdomain "github.com/uppalcrm/billing/internal/billingevent/domain"
	"github.com/uppalcrm/billing/internal/clock"
	"github.com/uppalcrm/billing/internal/config"
	invoicedomain "github.com/uppalcrm/billing/internal/invoice/domain"
	"github.com/uppalcrm/billing/internal/notification"
	"github.com/uppalcrm/billing/internal/observability/metrics"
	orgdomain "github.com/uppalcrm/billing/internal/organization/domain"
	paymentdomain "github.com/uppalcrm/billing/internal/payment/domain"
	subdomain "github.com/uppalcrm/billing/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine owns the write path of the billing lifecycle. Every sweep claims
// rows with SKIP LOCKED and applies status-pinned transitions, so concurrent
// runs cannot double-apply a change.
type Engine struct {
	db       *gorm.DB
	log      *zap.Logger
	clock    clock.Clock
	policy   *config.BillingPolicyHolder
	orgs     orgdomain.Repository
	subs     subdomain.Repository
	invoices invoicedomain.Service
	gateway  paymentdomain.Gateway
	events   eventdomain.Recorder
	notifier *notification.Dispatcher
}

func NewEngine(
	db *gorm.DB,
	log *zap.Logger,
	clk clock.Clock,
	policy *config.BillingPolicyHolder,
	orgs orgdomain.Repository,
	subs subdomain.Repository,
	invoices invoicedomain.Service,
	gateway paymentdomain.Gateway,
	events eventdomain.Recorder,
	notifier *notification.Dispatcher,
) *Engine {
	return &Engine{
		db:       db,
		log:      log.Named("billing"),
		clock:    clk,
		policy:   policy,
		orgs:     orgs,
		subs:     subs,
		invoices: invoices,
		gateway:  gateway,
		events:   events,
		notifier: notifier,
	}
}

// Summary reports what one automation run changed.
type Summary struct {
	ExpiredTrials       int   `json:"expired_trials"`
	OrganizationsSwept  int64 `json:"organizations_swept"`
	ExpiredGracePeriods int   `json:"expired_grace_periods"`
	InvoicesGenerated   int   `json:"invoices_generated"`
	WarningsSent        int   `json:"warnings_sent"`
	RenewalsCharged     int   `json:"renewals_charged"`
	RenewalsFailed      int   `json:"renewals_failed"`
}

// RunBillingAutomation executes the full nightly sequence. Steps are
// isolated: a failing step is recorded and the remaining steps still run.
// The order matters, trial expiry must precede grace closure and invoicing
// must precede renewals.
func (e *Engine) RunBillingAutomation(ctx context.Context) (Summary, error) {
	var summary Summary
	var errs error

	expired, orgsSwept, err := e.ProcessExpiredTrials(ctx)
	summary.ExpiredTrials = expired
	summary.OrganizationsSwept = orgsSwept
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("expired trials: %w", err))
	}

	graced, err := e.ProcessExpiredGracePeriods(ctx)
	summary.ExpiredGracePeriods = graced
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("grace periods: %w", err))
	}

	invoiced, err := e.GenerateMonthlyInvoices(ctx)
	summary.InvoicesGenerated = invoiced
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("monthly invoices: %w", err))
	}

	warned, err := e.SendTrialExpirationNotifications(ctx)
	summary.WarningsSent = warned
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("trial notifications: %w", err))
	}

	charged, failed, err := e.ProcessAutomaticRenewals(ctx)
	summary.RenewalsCharged = charged
	summary.RenewalsFailed = failed
	if err != nil {
		errs = errors.Join(errs, fmt.Errorf("automatic renewals: %w", err))
	}

	e.log.Info("billing automation run finished",
		zap.Int("expired_trials", summary.ExpiredTrials),
		zap.Int64("organizations_swept", summary.OrganizationsSwept),
		zap.Int("expired_grace_periods", summary.ExpiredGracePeriods),
		zap.Int("invoices_generated", summary.InvoicesGenerated),
		zap.Int("warnings_sent", summary.WarningsSent),
		zap.Int("renewals_charged", summary.RenewalsCharged),
		zap.Int("renewals_failed", summary.RenewalsFailed),
		zap.Bool("had_errors", errs != nil),
	)
	return summary, errs
}

// ProcessExpiredTrials moves overdue trial subscriptions to expired, opens
// their grace window, and mirrors the state onto the organization. Returns
// the subscription count and the count of organization rows flipped by the
// catch-all sweep (organizations that never got a subscription row).
func (e *Engine) ProcessExpiredTrials(ctx context.Context) (int, int64, error) {
	now := e.clock.Now()
	graceEnds := now.AddDate(0, 0, e.policy.Get().Grace.Days)

	var processed int
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subs, err := claimExpiredTrials(ctx, tx, now)
		if err != nil {
			return err
		}
		for i := range subs {
			sub := &subs[i]
			changed, err := e.subs.Transition(ctx, tx, sub.ID, subdomain.StatusTrial, subdomain.StatusExpired, now)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}

			sub.Status = subdomain.StatusExpired
			sub.GracePeriodEndsAt = &graceEnds
			sub.UpdatedAt = now
			if err := e.subs.Update(ctx, tx, sub); err != nil {
				return err
			}

			org, err := e.orgs.FindByIDForUpdate(ctx, tx, sub.OrganizationID)
			if err != nil {
				return err
			}
			if org != nil {
				if org.TrialStatus == orgdomain.TrialStatusActive {
					org.TrialStatus = orgdomain.TrialStatusExpired
				}
				org.GracePeriodEndsAt = &graceEnds
				org.UpdatedAt = now
				if err := e.orgs.UpdateTrialFields(ctx, tx, org); err != nil {
					return err
				}
			}

			e.events.Record(ctx, tx, eventdomain.Event{
				OrganizationID: sub.OrganizationID,
				SubscriptionID: &sub.ID,
				EventType:      eventdomain.TypeTrialExpired,
				Description:    "trial expired, grace period opened",
				Metadata: map[string]interface{}{
					"grace_period_ends_at": graceEnds.Format(time.RFC3339),
				},
			})
			metrics.Scheduler().IncSubscriptionTransition(string(subdomain.StatusTrial), string(subdomain.StatusExpired))
			processed++
		}
		return nil
	})
	if err != nil {
		return processed, 0, err
	}

	// Organizations whose trial lapsed without a subscription row still need
	// their status flipped.
	orgsSwept, err := e.orgs.ExpireActiveTrials(ctx, e.db, now)
	if err != nil {
		return processed, 0, err
	}

	if processed > 0 || orgsSwept > 0 {
		e.log.Info("expired trials processed",
			zap.Int("subscriptions", processed),
			zap.Int64("organizations", orgsSwept),
		)
	}
	return processed, orgsSwept, nil
}

// ProcessExpiredGracePeriods suspends expired subscriptions whose grace
// window has closed. Suspension blocks access but keeps all tenant data.
func (e *Engine) ProcessExpiredGracePeriods(ctx context.Context) (int, error) {
	now := e.clock.Now()

	var processed int
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subs, err := claimExpiredGracePeriods(ctx, tx, now)
		if err != nil {
			return err
		}
		for i := range subs {
			sub := &subs[i]
			changed, err := e.subs.Transition(ctx, tx, sub.ID, subdomain.StatusExpired, subdomain.StatusSuspended, now)
			if err != nil {
				return err
			}
			if !changed {
				continue
			}

			org, err := e.orgs.FindByIDForUpdate(ctx, tx, sub.OrganizationID)
			if err != nil {
				return err
			}
			if org != nil {
				org.PaymentStatus = orgdomain.PaymentStatusSuspended
				org.UpdatedAt = now
				if err := e.orgs.UpdateTrialFields(ctx, tx, org); err != nil {
					return err
				}
			}

			e.events.Record(ctx, tx, eventdomain.Event{
				OrganizationID: sub.OrganizationID,
				SubscriptionID: &sub.ID,
				EventType:      eventdomain.TypeGracePeriodExpired,
				Description:    "grace period expired, subscription suspended",
			})
			metrics.Scheduler().IncSubscriptionTransition(string(subdomain.StatusExpired), string(subdomain.StatusSuspended))
			processed++
		}
		return nil
	})
	if err != nil {
		return processed, err
	}

	if processed > 0 {
		e.log.Info("grace periods closed", zap.Int("subscriptions", processed))
	}
	return processed, nil
}

// GenerateMonthlyInvoices creates the current period's invoice for every
// active monthly subscription whose billing date has arrived, then advances
// next_billing_date from the period end rather than from the run time so a
// late run does not drift the cycle. With backfill enabled, one invoice per
// missed period is generated; otherwise one per run.
func (e *Engine) GenerateMonthlyInvoices(ctx context.Context) (int, error) {
	now := e.clock.Now()
	backfill := e.policy.Get().Invoicing.Backfill

	var generated int
	var skipped error
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subs, err := claimBillableSubscriptions(ctx, tx, now)
		if err != nil {
			return err
		}
		for i := range subs {
			sub := &subs[i]
			n, err := e.invoiceSubscription(ctx, tx, sub, now, backfill)
			if err != nil {
				if errors.Is(err, invoicedomain.ErrMissingPlanPrice) {
					// A misconfigured plan must not wedge everyone else's
					// invoicing. The row stays due and surfaces every run.
					e.log.Warn("invoice generation skipped",
						zap.String("subscription_id", sub.ID.String()),
						zap.String("plan_code", sub.PlanCode),
						zap.Error(err),
					)
					skipped = errors.Join(skipped, fmt.Errorf("subscription %s: %w", sub.ID, err))
					continue
				}
				return err
			}
			generated += n
		}
		return nil
	})
	if err != nil {
		return generated, err
	}

	if generated > 0 {
		e.log.Info("monthly invoices generated", zap.Int("invoices", generated))
	}
	return generated, skipped
}

func (e *Engine) invoiceSubscription(ctx context.Context, tx *gorm.DB, sub *subdomain.Subscription, now time.Time, backfill bool) (int, error) {
	periodStart := *sub.NextBillingDate

	var generated int
	for {
		// The period is inclusive of its last day; the next cycle starts the
		// day after, exactly one month after periodStart.
		periodEnd := periodStart.AddDate(0, 1, 0).AddDate(0, 0, -1)
		next := periodEnd.AddDate(0, 0, 1)

		invoice, err := e.invoices.GenerateForPeriod(ctx, tx, sub, periodStart, periodEnd)
		if err != nil {
			return generated, err
		}
		if err := e.subs.AdvanceNextBillingDate(ctx, tx, sub.ID, next, now); err != nil {
			return generated, err
		}
		sub.NextBillingDate = &next

		e.events.Record(ctx, tx, eventdomain.Event{
			OrganizationID: sub.OrganizationID,
			SubscriptionID: &sub.ID,
			EventType:      eventdomain.TypeInvoiceGenerated,
			Description:    fmt.Sprintf("invoice %s generated", invoice.InvoiceNumber),
			Metadata: map[string]interface{}{
				"invoice_number": invoice.InvoiceNumber,
				"total_amount":   invoice.TotalAmount,
				"period_start":   periodStart.Format(time.RFC3339),
				"period_end":     periodEnd.Format(time.RFC3339),
			},
		})
		metrics.Scheduler().AddRowsProcessed("monthlyInvoicing", "invoice", 1)
		generated++

		if !backfill || next.After(now) {
			return generated, nil
		}
		periodStart = next
	}
}

// SendTrialExpirationNotifications delegates to the notification dispatcher.
func (e *Engine) SendTrialExpirationNotifications(ctx context.Context) (int, error) {
	return e.notifier.SendTrialExpirationWarnings(ctx)
}

// ProcessAutomaticRenewals charges due draft invoices through the payment
// gateway. A processor decline fails the invoice and drops the subscription
// into a fresh grace window; an infrastructure error aborts the sweep so the
// batch is retried intact.
func (e *Engine) ProcessAutomaticRenewals(ctx context.Context) (int, int, error) {
	now := e.clock.Now()
	graceEnds := now.AddDate(0, 0, e.policy.Get().Grace.Days)

	var charged, failed int
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoices, err := claimChargeableInvoices(ctx, tx, now)
		if err != nil {
			return err
		}
		for i := range invoices {
			invoice := &invoices[i]
			sub, err := e.subs.FindByID(ctx, tx, invoice.SubscriptionID)
			if err != nil {
				return err
			}
			if sub == nil || sub.PaymentMethodID == nil {
				continue
			}

			charge, err := e.gateway.Charge(ctx, paymentdomain.ChargeRequest{
				OrganizationID:  invoice.OrganizationID.String(),
				InvoiceNumber:   invoice.InvoiceNumber,
				PaymentMethodID: *sub.PaymentMethodID,
				AmountCents:     invoice.AmountDue,
				Currency:        "USD",
			})
			if err != nil {
				decline, ok := paymentdomain.AsDecline(err)
				if !ok {
					return err
				}
				if err := e.failRenewal(ctx, tx, invoice, sub, decline, now, graceEnds); err != nil {
					return err
				}
				failed++
				continue
			}

			if err := e.invoices.MarkPaid(ctx, tx, invoice.ID, charge.AmountCents, charge.ChargedAt); err != nil {
				return err
			}
			e.events.Record(ctx, tx, eventdomain.Event{
				OrganizationID: invoice.OrganizationID,
				SubscriptionID: &invoice.SubscriptionID,
				EventType:      eventdomain.TypePaymentSuccessful,
				Description:    fmt.Sprintf("invoice %s paid automatically", invoice.InvoiceNumber),
				Metadata: map[string]interface{}{
					"invoice_number": invoice.InvoiceNumber,
					"amount_cents":   charge.AmountCents,
					"transaction_id": charge.TransactionID,
				},
			})
			charged++
		}
		return nil
	})
	if err != nil {
		return charged, failed, err
	}

	if charged > 0 || failed > 0 {
		e.log.Info("automatic renewals processed",
			zap.Int("charged", charged),
			zap.Int("failed", failed),
		)
	}
	return charged, failed, nil
}

func (e *Engine) failRenewal(
	ctx context.Context,
	tx *gorm.DB,
	invoice *invoicedomain.Invoice,
	sub *subdomain.Subscription,
	decline *paymentdomain.DeclineError,
	now, graceEnds time.Time,
) error {
	if err := e.invoices.MarkFailed(ctx, tx, invoice.ID, now); err != nil {
		return err
	}

	if sub.Status == subdomain.StatusActive {
		changed, err := e.subs.Transition(ctx, tx, sub.ID, subdomain.StatusActive, subdomain.StatusExpired, now)
		if err != nil {
			return err
		}
		if changed {
			sub.Status = subdomain.StatusExpired
			sub.GracePeriodEndsAt = &graceEnds
			sub.UpdatedAt = now
			if err := e.subs.Update(ctx, tx, sub); err != nil {
				return err
			}

			org, err := e.orgs.FindByIDForUpdate(ctx, tx, sub.OrganizationID)
			if err != nil {
				return err
			}
			if org != nil {
				org.GracePeriodEndsAt = &graceEnds
				org.UpdatedAt = now
				if err := e.orgs.UpdateTrialFields(ctx, tx, org); err != nil {
					return err
				}
			}
			metrics.Scheduler().IncSubscriptionTransition(string(subdomain.StatusActive), string(subdomain.StatusExpired))
		}
	}

	e.events.Record(ctx, tx, eventdomain.Event{
		OrganizationID: invoice.OrganizationID,
		SubscriptionID: &invoice.SubscriptionID,
		EventType:      eventdomain.TypePaymentFailed,
		Description:    fmt.Sprintf("automatic charge for invoice %s declined", invoice.InvoiceNumber),
		Metadata: map[string]interface{}{
			"invoice_number": invoice.InvoiceNumber,
			"decline_reason": string(decline.Reason),
		},
	})

	e.log.Warn("renewal charge declined",
		zap.String("invoice_number", invoice.InvoiceNumber),
		zap.String("organization_id", invoice.OrganizationID.String()),
		zap.String("reason", string(decline.Reason)),
	)
	return nil
}

package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/uppalcrm/billing/internal/subscription/domain"
	"gorm.io/gorm"
)

var (
	ErrInvoiceNotFound  = errors.New("invoice_not_found")
	ErrInvoiceNotDraft  = errors.New("invoice_not_draft")
	ErrMissingPlanPrice = errors.New("missing_plan_price")
)

// Service generates and settles invoices. Generation runs inside the
// caller's transaction so the invoice insert, the sequence bump, and the
// subscription's next_billing_date advance commit or roll back together.
type Service interface {
	GenerateForPeriod(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, periodStart, periodEnd time.Time) (*Invoice, error)
	MarkPaid(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, amount int64, paidAt time.Time) error
	MarkFailed(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, now time.Time) error
	FindByID(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (*Invoice, error)
}

// Package domain contains persistence models for invoicing.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Status represents invoice lifecycle states.
type Status string

const (
	StatusDraft  Status = "draft"
	StatusPaid   Status = "paid"
	StatusFailed Status = "failed"
)

// LineItem is one priced line on an invoice. Order is significant and
// preserved through the JSON column.
type LineItem struct {
	Description string `json:"description"`
	Quantity    int64  `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
	Total       int64  `json:"total"`
}

// LineItems serializes to a JSON array column.
type LineItems []LineItem

func (l LineItems) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	raw, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func (l *LineItems) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return errors.New("unsupported line_items column type")
	}
}

// Invoice is one billing period's charge for a subscription. Immutable once
// paid; payment processing is the only writer after creation.
type Invoice struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	OrganizationID snowflake.ID `gorm:"not null;index"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	InvoiceNumber  string       `gorm:"type:text;not null;uniqueIndex"`
	Status         Status       `gorm:"type:text;not null;default:'draft'"`
	PeriodStart    time.Time    `gorm:"not null"`
	PeriodEnd      time.Time    `gorm:"not null"`
	Subtotal       int64        `gorm:"not null"`
	OverageAmount  int64        `gorm:"not null;default:0"`
	TotalAmount    int64        `gorm:"not null"`
	AmountDue      int64        `gorm:"not null"`
	AmountPaid     int64        `gorm:"not null;default:0"`
	LineItems      LineItems    `gorm:"type:jsonb;not null;default:'[]'"`
	DueDate        time.Time    `gorm:"not null;index"`
	PaidAt         *time.Time   `gorm:""`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "subscription_invoices" }

// Sequence is the per-calendar-month invoice number counter. A single row
// per year_month is bumped atomically inside the invoice transaction, which
// keeps numbers unique and gapless under concurrent generation.
type Sequence struct {
	ID        snowflake.ID `gorm:"primaryKey"`
	YearMonth string       `gorm:"type:text;not null;uniqueIndex"`
	LastValue int64        `gorm:"not null"`
	CreatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Sequence) TableName() string { return "invoice_sequences" }

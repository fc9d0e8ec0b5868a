package service

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// nextInvoiceNumber allocates the next number in the month's sequence by
// upserting the invoice_sequences row inside the caller's transaction. The
// single statement takes the row lock, so concurrent generators serialize
// here instead of computing the same max+1, and a lost insert race degrades
// to the increment instead of aborting the surrounding transaction.
func (s *service) nextInvoiceNumber(ctx context.Context, tx *gorm.DB, now time.Time) (string, error) {
	yearMonth := now.Format("200601")

	var err error
	switch tx.Dialector.Name() {
	case "mysql":
		err = tx.WithContext(ctx).Exec(
			`INSERT INTO invoice_sequences (id, year_month, last_value, created_at, updated_at)
			 VALUES (?, ?, 1, ?, ?)
			 ON DUPLICATE KEY UPDATE last_value = last_value + 1, updated_at = VALUES(updated_at)`,
			s.genID.Generate(),
			yearMonth,
			now,
			now,
		).Error
	default:
		err = tx.WithContext(ctx).Exec(
			`INSERT INTO invoice_sequences (id, year_month, last_value, created_at, updated_at)
			 VALUES (?, ?, 1, ?, ?)
			 ON CONFLICT (year_month) DO UPDATE
			 SET last_value = invoice_sequences.last_value + 1, updated_at = excluded.updated_at`,
			s.genID.Generate(),
			yearMonth,
			now,
			now,
		).Error
	}
	if err != nil {
		return "", err
	}

	var seq int64
	if err := tx.WithContext(ctx).Raw(
		`SELECT last_value FROM invoice_sequences WHERE year_month = ?`,
		yearMonth,
	).Scan(&seq).Error; err != nil {
		return "", err
	}

	return fmt.Sprintf("INV-%s%04d", yearMonth, seq), nil
}

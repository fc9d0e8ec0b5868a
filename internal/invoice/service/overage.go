package service

import (
	"fmt"

	"github.com/uppalcrm/billing/internal/config"
	invoicedomain "github.com/uppalcrm/billing/internal/invoice/domain"
	plandomain "github.com/uppalcrm/billing/internal/plan/domain"
	usagedomain "github.com/uppalcrm/billing/internal/usage/domain"
)

// computeOverage prices usage beyond the plan's included limits. Usage
// exactly at a limit is not an overage. Contact and lead overages are
// billed per started block.
func computeOverage(policy config.OveragePolicy, plan *plandomain.Plan, usage usagedomain.Snapshot) (int64, invoicedomain.LineItems) {
	var total int64
	var lines invoicedomain.LineItems

	if over := usage.ActiveUsers - plan.IncludedUsers; over > 0 {
		amount := over * policy.UserCents
		total += amount
		lines = append(lines, invoicedomain.LineItem{
			Description: fmt.Sprintf("User overage (%d over %d included)", over, plan.IncludedUsers),
			Quantity:    over,
			UnitPrice:   policy.UserCents,
			Total:       amount,
		})
	}

	if over := usage.Contacts - plan.IncludedContacts; over > 0 {
		blocks := ceilDiv(over, policy.ContactBlockSize)
		amount := blocks * policy.ContactBlockCents
		total += amount
		lines = append(lines, invoicedomain.LineItem{
			Description: fmt.Sprintf("Contact overage (%d over %d included, per %d)", over, plan.IncludedContacts, policy.ContactBlockSize),
			Quantity:    blocks,
			UnitPrice:   policy.ContactBlockCents,
			Total:       amount,
		})
	}

	if over := usage.Leads - plan.IncludedLeads; over > 0 {
		blocks := ceilDiv(over, policy.LeadBlockSize)
		amount := blocks * policy.LeadBlockCents
		total += amount
		lines = append(lines, invoicedomain.LineItem{
			Description: fmt.Sprintf("Lead overage (%d over %d included, per %d)", over, plan.IncludedLeads, policy.LeadBlockSize),
			Quantity:    blocks,
			UnitPrice:   policy.LeadBlockCents,
			Total:       amount,
		})
	}

	return total, lines
}

func ceilDiv(n, size int64) int64 {
	return (n + size - 1) / size
}

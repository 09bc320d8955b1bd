/*
Package portal contains everything that understands the loan servicer's
borrower portal: the login automaton, the page-text segmentation and parsing
engine, and the typed records they produce.

KEY TYPES IN THIS FILE:
  - LoanSnapshot:      one loan group's balances as of extraction time
  - PaymentAllocation: one group's share of a single posted payment
  - GroupSection:      a discovered "Group:" section of the loan-details page

IDEMPOTENCY:
  PaymentAllocation.Key() is the stable identity used by the sync engine and
  the state store to recognize already-handled allocations. Keep it stable and
  human-readable; changing its layout resets dedup history.

SEE ALSO:
  - segment.go:  section discovery and group resolution
  - loans.go:    LoanSnapshot field extraction
  - payments.go: PaymentAllocation row parsing (multiple layouts)
*/
package portal

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// LOAN SNAPSHOT
// =============================================================================

// LoanSnapshot is one loan group's state as scraped from the loan-details
// page. Immutable after creation; one per configured group per run.
//
// OutstandingBalanceCents comes from its own labeled field on the page and is
// never derived from principal + interest: the portal presents it separately
// and trusting its own text avoids accumulating rounding drift.
type LoanSnapshot struct {
	Group string

	PrincipalBalanceCents     int64
	AccruedInterestCents      int64
	OutstandingBalanceCents   int64
	DailyInterestAccrualCents int64

	// Zero time means the portal did not show the field.
	DueDate          time.Time
	LastPaymentDate  time.Time
	LastPaymentCents int64

	// Raw rate strings kept for diagnostics only; never parsed into numbers.
	RawEffectiveInterestRate  string
	RawRegulatoryInterestRate string

	ScrapedAt time.Time
}

// =============================================================================
// PAYMENT ALLOCATION
// =============================================================================

// PaymentAllocation is the split of one posted payment across principal and
// interest for one loan group.
//
// TotalAppliedCents == PrincipalAppliedCents + InterestAppliedCents is
// expected but NOT enforced: servicer rounding can put the parts off by a
// cent, and downstream consumers must tolerate that.
type PaymentAllocation struct {
	PaymentDate time.Time
	Group       string

	TotalAppliedCents     int64
	PrincipalAppliedCents int64
	InterestAppliedCents  int64

	// PaymentTotalCents is the full payment's grand total, replicated across
	// every group row of that payment.
	PaymentTotalCents int64

	// Confirmation/reference number when the portal shows one.
	PaymentReference string
}

// Key returns the deterministic idempotency identity for this allocation.
// Two allocations with the same key are the same fact.
func (a PaymentAllocation) Key() string {
	parts := []string{
		a.PaymentDate.Format("2006-01-02"),
		a.PaymentReference,
		a.Group,
		fmt.Sprintf("%d", a.TotalAppliedCents),
		fmt.Sprintf("%d", a.PrincipalAppliedCents),
		fmt.Sprintf("%d", a.InterestAppliedCents),
		fmt.Sprintf("%d", a.PaymentTotalCents),
	}
	return strings.Join(parts, "|")
}

// =============================================================================
// GROUP SECTION
// =============================================================================

// GroupSection is one "Group:" slice of the loan-details page text.
//
// Token is the short ID parsed from the start of the label (e.g. "AA",
// "1-01") and may be empty when the label doesn't start with one. Label is
// the raw text after "Group:"; servicers are not consistent about formats, so
// callers should not assume a shape.
type GroupSection struct {
	Token string
	Label string
	Text  string
}

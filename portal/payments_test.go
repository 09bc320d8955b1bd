package portal_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-sync/portal"
)

// =============================================================================
// FIXTURES - abbreviated page text captured from real detail views
// =============================================================================

// Layout 1: one complete row per line plus a literal Total row.
const singleLinePaymentPage = `Payment Details
Payment Date: 7/15/2025
Confirmation Number: 1A2B3C

Group Total Applied Applied to Principal Applied to Interest
AA $31.20 $20.22 $10.98
AB $16.99 $10.61 $6.38
Total $48.19 $30.83 $17.36
`

// Layout 2: rows carry leading widget prose before the group token. No Total
// row; the grand total must be summed from the group rows.
const prefixedPaymentPage = `Payment Activity
Toggle details row AA $25.71 $14.41 $11.30
Toggle details row AB $16.99 $10.61 $6.38
Toggle details row AC $33.96 $20.00 $13.96
Toggle details row AD $52.93 $30.00 $22.93
Toggle details row AE $38.63 $25.13 $13.50
Toggle details row AF $14.86 $9.86 $5.00
Toggle details row AG $56.97 $40.00 $16.97
`

// Layout 3: group on its own line, one labeled cell per line.
const cellPerLinePaymentPage = `Payment Details
Payment Date: 7/15/2025
Confirmation Number: 1A2B3C
AA
Total Applied
$31.20
Applied to Principal
$20.22
Applied to Interest
$10.98
AB
Total Applied
$16.99
Applied to Principal
$10.61
Applied to Interest
$6.38
Total $48.19 $30.83 $17.36
`

var paymentGroups = []string{"AA", "AB", "AC", "AD", "AE", "AF", "AG"}

func midJuly() time.Time { return time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC) }

// =============================================================================
// LAYOUT TESTS
// =============================================================================

func TestParsePaymentAllocations_SingleLineLayout(t *testing.T) {
	// GIVEN: A detail page with complete single-line rows and a Total row
	// WHEN: Parsing with no caller-known date
	// THEN: One allocation per group, the labeled Total as grand total, the
	//       labeled date, and the confirmation number on every row

	allocs, err := portal.ParsePaymentAllocations(singleLinePaymentPage, portal.PaymentParseOptions{})
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	aa := allocs[0]
	assert.Equal(t, "AA", aa.Group)
	assert.Equal(t, int64(3120), aa.TotalAppliedCents)
	assert.Equal(t, int64(2022), aa.PrincipalAppliedCents)
	assert.Equal(t, int64(1098), aa.InterestAppliedCents)
	assert.Equal(t, int64(4819), aa.PaymentTotalCents)
	assert.Equal(t, midJuly(), aa.PaymentDate)
	assert.Equal(t, "1A2B3C", aa.PaymentReference)

	ab := allocs[1]
	assert.Equal(t, "AB", ab.Group)
	assert.Equal(t, int64(1699), ab.TotalAppliedCents)
	assert.Equal(t, int64(1061), ab.PrincipalAppliedCents)
	assert.Equal(t, int64(638), ab.InterestAppliedCents)
	assert.Equal(t, int64(4819), ab.PaymentTotalCents)
}

func TestParsePaymentAllocations_PrefixedLayout(t *testing.T) {
	// GIVEN: Rows with leading widget prose and no Total row
	// WHEN: Parsing with the expected group set and a caller-known date
	// THEN: Seven allocations; grand total is the sum of group totals

	allocs, err := portal.ParsePaymentAllocations(prefixedPaymentPage, portal.PaymentParseOptions{
		KnownPaymentDate: midJuly(),
		ExpectedGroups:   paymentGroups,
	})
	require.NoError(t, err)
	require.Len(t, allocs, 7)

	for _, a := range allocs {
		assert.Equal(t, int64(24005), a.PaymentTotalCents, "group %s", a.Group)
		assert.Equal(t, a.PrincipalAppliedCents+a.InterestAppliedCents, a.TotalAppliedCents, "group %s", a.Group)
	}
	assert.Equal(t, "AG", allocs[6].Group)
	assert.Equal(t, int64(5697), allocs[6].TotalAppliedCents)
}

func TestParsePaymentAllocations_PrefixedLayoutNeedsExpectedGroups(t *testing.T) {
	// Without the expected group set the prose-prefixed rows are unrecognizable.
	_, err := portal.ParsePaymentAllocations(prefixedPaymentPage, portal.PaymentParseOptions{
		KnownPaymentDate: midJuly(),
	})
	require.ErrorIs(t, err, portal.ErrNoRowsParsed)
}

func TestParsePaymentAllocations_CellPerLineLayout(t *testing.T) {
	allocs, err := portal.ParsePaymentAllocations(cellPerLinePaymentPage, portal.PaymentParseOptions{
		ExpectedGroups: paymentGroups,
	})
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	assert.Equal(t, int64(3120), allocs[0].TotalAppliedCents)
	assert.Equal(t, int64(2022), allocs[0].PrincipalAppliedCents)
	assert.Equal(t, int64(1098), allocs[0].InterestAppliedCents)
}

func TestParsePaymentAllocations_LayoutsAgree(t *testing.T) {
	// The same logical payment rendered in two layouts must produce identical
	// allocations.
	opts := portal.PaymentParseOptions{ExpectedGroups: paymentGroups}

	fromLines, err := portal.ParsePaymentAllocations(singleLinePaymentPage, opts)
	require.NoError(t, err)
	fromCells, err := portal.ParsePaymentAllocations(cellPerLinePaymentPage, opts)
	require.NoError(t, err)

	assert.Equal(t, fromLines, fromCells)
}

func TestParsePaymentAllocations_UnlabeledCells(t *testing.T) {
	// Some skins drop the field-name lines entirely; three bare amounts per
	// group still parse via total inference.
	page := `Payment Date: 7/15/2025
AA
$31.20
$20.22
$10.98
`
	allocs, err := portal.ParsePaymentAllocations(page, portal.PaymentParseOptions{
		ExpectedGroups: []string{"AA"},
	})
	require.NoError(t, err)
	require.Len(t, allocs, 1)
	assert.Equal(t, int64(3120), allocs[0].TotalAppliedCents)
	assert.Equal(t, int64(2022), allocs[0].PrincipalAppliedCents)
	assert.Equal(t, int64(1098), allocs[0].InterestAppliedCents)
	assert.Equal(t, int64(3120), allocs[0].PaymentTotalCents)
}

func TestParsePaymentAllocations_NothingParses(t *testing.T) {
	_, err := portal.ParsePaymentAllocations("No payment activity found.", portal.PaymentParseOptions{
		KnownPaymentDate: midJuly(),
	})
	require.ErrorIs(t, err, portal.ErrNoRowsParsed)
}

// =============================================================================
// DATE RESOLUTION TESTS
// =============================================================================

func TestFindPaymentDate_LabeledWins(t *testing.T) {
	body := "Posted 8/01/2025\nPayment Date: 7/15/2025\nEffective 8/02/2025"
	d, err := portal.FindPaymentDate(body)
	require.NoError(t, err)
	assert.Equal(t, midJuly(), d)
}

func TestFindPaymentDate_SingleUnlabeledDate(t *testing.T) {
	d, err := portal.FindPaymentDate("Received on 7/15/2025. Thank you!")
	require.NoError(t, err)
	assert.Equal(t, midJuly(), d)
}

func TestFindPaymentDate_AmbiguousFails(t *testing.T) {
	// Two unlabeled dates: guessing the wrong one would corrupt the ledger, so
	// parsing refuses.
	_, err := portal.FindPaymentDate("Received 7/15/2025. Statement 8/01/2025.")
	require.ErrorIs(t, err, portal.ErrAmbiguousPaymentDate)
}

func TestParsePaymentAllocations_CallerDateBeatsBody(t *testing.T) {
	want := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	allocs, err := portal.ParsePaymentAllocations(singleLinePaymentPage, portal.PaymentParseOptions{
		KnownPaymentDate: want,
	})
	require.NoError(t, err)
	assert.Equal(t, want, allocs[0].PaymentDate)
}

// =============================================================================
// TOTAL INFERENCE TESTS
// =============================================================================

func TestInferTotals_PermutationSum(t *testing.T) {
	cases := []struct {
		name    string
		a, b, c int64
		t, p, i int64
	}{
		{"total first", 3120, 2022, 1098, 3120, 2022, 1098},
		{"total middle", 2022, 3120, 1098, 3120, 2022, 1098},
		{"total last", 2022, 1098, 3120, 3120, 2022, 1098},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			total, principal, interest := portal.InferTotals(tc.a, tc.b, tc.c)
			assert.Equal(t, tc.t, total)
			assert.Equal(t, tc.p, principal)
			assert.Equal(t, tc.i, interest)
		})
	}
}

func TestInferTotals_FallbackLargest(t *testing.T) {
	// Off-by-a-cent servicer rounding: no permutation sums, largest wins.
	total, principal, interest := portal.InferTotals(2022, 3121, 1098)
	assert.Equal(t, int64(3121), total)
	assert.Equal(t, int64(2022), principal)
	assert.Equal(t, int64(1098), interest)
}

func TestInferTotals_AmbiguousPermutation_KnownLimitation(t *testing.T) {
	// With a zero interest part two permutations both sum; the first match
	// wins. Documented behavior, not a promise.
	total, principal, interest := portal.InferTotals(500, 500, 0)
	assert.Equal(t, int64(500), total)
	assert.Equal(t, int64(500), principal)
	assert.Equal(t, int64(0), interest)
}

// =============================================================================
// IDEMPOTENCY KEY TESTS
// =============================================================================

func TestPaymentAllocationKey_StableAndDistinct(t *testing.T) {
	allocs, err := portal.ParsePaymentAllocations(singleLinePaymentPage, portal.PaymentParseOptions{})
	require.NoError(t, err)
	require.Len(t, allocs, 2)

	assert.Equal(t, "2025-07-15|1A2B3C|AA|3120|2022|1098|4819", allocs[0].Key())
	assert.NotEqual(t, allocs[0].Key(), allocs[1].Key())

	reparsed, err := portal.ParsePaymentAllocations(singleLinePaymentPage, portal.PaymentParseOptions{})
	require.NoError(t, err)
	assert.Equal(t, allocs[0].Key(), reparsed[0].Key())
}

func TestIsRetryableWithFreshSession(t *testing.T) {
	assert.True(t, portal.IsRetryableWithFreshSession(portal.ErrBrowserError, false))
	assert.True(t, portal.IsRetryableWithFreshSession(portal.ErrLoginFormNotFound, true))
	assert.False(t, portal.IsRetryableWithFreshSession(portal.ErrLoginFormNotFound, false))
	assert.False(t, portal.IsRetryableWithFreshSession(errors.New("boom"), true))
}

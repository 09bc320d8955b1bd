/*
payments.go - Payment allocation parsing (multiple servicer layouts)

Servicers render the same logical table (per-group rows of total / principal /
interest plus a grand total) in materially different shapes. Layout handling
is an explicit ordered list of row strategies, each unit-testable against
fixture text:

  1. single-line rows:   "AA  $31.20  $20.22  $10.98"
  2. prefixed rows:      "Toggle details row AA  $25.71  $14.41  $11.30"
                         (leading prose; requires the expected group set to
                         tell the token apart from surrounding words)
  3. cell-per-line rows: group on its own line, each amount on its own line,
                         optionally preceded by a field-name line

TOTAL INFERENCE:
  When three unlabeled money values are present, the one equal to the sum of
  the other two is the total; only if no permutation sums do we fall back to
  "largest is the total". A literal "Total" row always wins for the payment
  grand total; absent one, the grand total is the sum of per-group totals.

DATE RULES:
  The caller supplies the payment date when it knows it (from the list row it
  clicked). Deriving from body text is a fallback: a labeled date is used as
  is; exactly one unlabeled date token is accepted; more than one fails with
  ErrAmbiguousPaymentDate rather than guessing.
*/
package portal

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/warp/loan-sync/money"
)

// PaymentParseOptions carries the caller-known context for a payment detail
// page.
type PaymentParseOptions struct {
	// KnownPaymentDate, when non-zero, is the date of the list row that was
	// clicked to open this detail view. Preferred over anything in the body.
	KnownPaymentDate time.Time

	// ExpectedGroups is the set of valid group codes for this account.
	// Required to recognize rows with leading non-group text.
	ExpectedGroups []string
}

const tokenPat = `[A-Z0-9][A-Z0-9-]{1,31}`

var (
	singleLineRowRe = regexp.MustCompile(`^(` + tokenPat + `)\s+\$?([\d,]+\.\d{2})\s+\$?([\d,]+\.\d{2})\s+\$?([\d,]+\.\d{2})\s*$`)
	totalsRowRe     = regexp.MustCompile(`(?i)^Total\s+\$?([\d,]+\.\d{2})(?:\s+\$?[\d,]+\.\d{2})*\s*$`)
	moneyOnlyRe     = regexp.MustCompile(`^\$?\(?-?[\d,]+\.\d{2}\)?$`)
	bareTokenRe     = regexp.MustCompile(`^` + tokenPat + `$`)
	usDateTokenRe   = regexp.MustCompile(`\b\d{1,2}/\d{1,2}/\d{4}\b`)
	labeledDateRe   = regexp.MustCompile(`(?i)(?:Payment\s*Date|Date)\s*:\s*(\d{1,2}/\d{1,2}/\d{4})`)

	referenceRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Confirmation\s*Number:\s*([A-Z0-9-]+)`),
		regexp.MustCompile(`(?i)Payment\s*ID:\s*([A-Z0-9-]+)`),
		regexp.MustCompile(`(?i)Reference:\s*([A-Z0-9-]+)`),
	}
)

type parsedRow struct {
	group     string
	total     int64
	principal int64
	interest  int64
}

// ParsePaymentAllocations extracts one PaymentAllocation per group row from a
// payment detail page's text.
func ParsePaymentAllocations(pageText string, opts PaymentParseOptions) ([]PaymentAllocation, error) {
	paymentDate := opts.KnownPaymentDate
	if paymentDate.IsZero() {
		d, err := FindPaymentDate(pageText)
		if err != nil {
			return nil, err
		}
		paymentDate = d
	}

	ref := ""
	for _, re := range referenceRes {
		if m := re.FindStringSubmatch(pageText); m != nil {
			ref = m[1]
			break
		}
	}

	expected := map[string]bool{}
	for _, g := range opts.ExpectedGroups {
		expected[strings.ToUpper(strings.TrimSpace(g))] = true
	}

	lines := nonEmptyLines(pageText)

	rows, grandTotal := parseLineRows(lines, expected)
	if len(rows) == 0 {
		rows = parseCellPerLineRows(lines, expected)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("payment detail page: %w", ErrNoRowsParsed)
	}

	// No literal Total row: the grand total is the sum of per-group totals.
	if grandTotal == 0 {
		for _, r := range rows {
			grandTotal += r.total
		}
	}

	out := make([]PaymentAllocation, 0, len(rows))
	for _, r := range rows {
		out = append(out, PaymentAllocation{
			PaymentDate:           paymentDate,
			Group:                 r.group,
			TotalAppliedCents:     r.total,
			PrincipalAppliedCents: r.principal,
			InterestAppliedCents:  r.interest,
			PaymentTotalCents:     grandTotal,
			PaymentReference:      ref,
		})
	}
	return out, nil
}

// FindPaymentDate derives the payment date from body text when the caller
// doesn't already know it. Labeled dates win; a single unlabeled date token is
// accepted; anything else is ambiguous.
func FindPaymentDate(bodyText string) (time.Time, error) {
	if m := labeledDateRe.FindStringSubmatch(bodyText); m != nil {
		return money.ParseUSDate(m[1])
	}

	uniq := []string{}
	seen := map[string]bool{}
	for _, d := range usDateTokenRe.FindAllString(bodyText, -1) {
		if !seen[d] {
			seen[d] = true
			uniq = append(uniq, d)
		}
	}
	if len(uniq) == 1 {
		return money.ParseUSDate(uniq[0])
	}
	return time.Time{}, fmt.Errorf("found %d candidate dates: %w", len(uniq), ErrAmbiguousPaymentDate)
}

// InferTotals decides which of three unlabeled money values is the total by
// testing a == b + c over each permutation, preserving page order for the
// principal/interest pair, then falling back to "largest is the total".
//
// Known limitation: when servicer rounding makes two different permutations
// both sum correctly the first match wins, which can swap principal and
// interest. Kept deliberately; see the ambiguity test.
func InferTotals(a, b, c int64) (total, principal, interest int64) {
	switch {
	case a == b+c:
		return a, b, c
	case b == a+c:
		return b, a, c
	case c == a+b:
		return c, a, b
	}

	// Fallback: largest value is the total; the rest keep page order.
	switch {
	case a >= b && a >= c:
		return a, b, c
	case b >= a && b >= c:
		return b, a, c
	default:
		return c, a, b
	}
}

// =============================================================================
// ROW STRATEGIES
// =============================================================================

// parseLineRows handles layouts 1 and 2: complete rows on a single line, with
// or without leading non-group text. Also picks up the literal Total row.
func parseLineRows(lines []string, expected map[string]bool) (rows []parsedRow, grandTotal int64) {
	var prefixedRowRe *regexp.Regexp
	if len(expected) > 0 {
		alts := make([]string, 0, len(expected))
		for g := range expected {
			alts = append(alts, regexp.QuoteMeta(g))
		}
		prefixedRowRe = regexp.MustCompile(
			`\b(` + strings.Join(alts, "|") + `)\s+\$?([\d,]+\.\d{2})\s+\$?([\d,]+\.\d{2})\s+\$?([\d,]+\.\d{2})\s*$`)
	}

	for _, ln := range lines {
		if m := totalsRowRe.FindStringSubmatch(ln); m != nil {
			if grandTotal == 0 {
				if cents, err := money.CentsFromString(m[1]); err == nil {
					grandTotal = cents
				}
			}
			continue
		}

		m := singleLineRowRe.FindStringSubmatch(ln)
		if m == nil && prefixedRowRe != nil {
			m = prefixedRowRe.FindStringSubmatch(ln)
		}
		if m == nil {
			continue
		}

		group := strings.ToUpper(m[1])
		if strings.EqualFold(group, "TOTAL") {
			continue
		}
		if len(expected) > 0 && !expected[group] {
			continue
		}

		vals, ok := centsOf(m[2], m[3], m[4])
		if !ok {
			continue
		}
		total, principal, interest := InferTotals(vals[0], vals[1], vals[2])
		rows = append(rows, parsedRow{group: group, total: total, principal: principal, interest: interest})
	}
	return rows, grandTotal
}

// parseCellPerLineRows handles layout 3: the group token on its own line and
// each amount on its own line, optionally preceded by a field-name line.
func parseCellPerLineRows(lines []string, expected map[string]bool) []parsedRow {
	var rows []parsedRow

	i := 0
	for i < len(lines) {
		group, ok := cellGroupToken(lines[i], expected)
		if !ok {
			i++
			continue
		}

		labeled := map[string]int64{}
		var unlabeled []int64
		pendingLabel := ""

		j := i + 1
		for j < len(lines) {
			ln := lines[j]
			if _, isNext := cellGroupToken(ln, expected); isNext {
				break
			}

			if moneyOnlyRe.MatchString(ln) {
				cents, err := money.CentsFromString(ln)
				if err == nil {
					if pendingLabel != "" {
						labeled[pendingLabel] = cents
						pendingLabel = ""
					} else {
						unlabeled = append(unlabeled, cents)
					}
				}
				j++
				if len(labeled)+len(unlabeled) >= 3 {
					break
				}
				continue
			}

			if lbl, isLabel := amountLabel(ln); isLabel {
				pendingLabel = lbl
				j++
				continue
			}

			// Any other prose ends the record.
			break
		}

		row, valid := assembleCellRow(group, labeled, unlabeled)
		if valid {
			rows = append(rows, row)
		}
		i = j
	}
	return rows
}

func assembleCellRow(group string, labeled map[string]int64, unlabeled []int64) (parsedRow, bool) {
	total, haveTotal := labeled["total"]
	principal, havePrincipal := labeled["principal"]
	interest, haveInterest := labeled["interest"]

	switch {
	case haveTotal && havePrincipal && haveInterest:
		return parsedRow{group: group, total: total, principal: principal, interest: interest}, true
	case len(labeled) == 0 && len(unlabeled) == 3:
		t, p, in := InferTotals(unlabeled[0], unlabeled[1], unlabeled[2])
		return parsedRow{group: group, total: t, principal: p, interest: in}, true
	case havePrincipal && haveInterest && !haveTotal:
		return parsedRow{group: group, total: principal + interest, principal: principal, interest: interest}, true
	}
	return parsedRow{}, false
}

func cellGroupToken(line string, expected map[string]bool) (string, bool) {
	tok := strings.ToUpper(strings.TrimSpace(line))
	if !bareTokenRe.MatchString(tok) || strings.EqualFold(tok, "TOTAL") {
		return "", false
	}
	if len(expected) > 0 {
		return tok, expected[tok]
	}
	// Without an expected set only short letter-ish tokens are safe to treat
	// as group codes; arbitrary words would match the token pattern too.
	if len(tok) <= 4 || strings.Contains(tok, "-") {
		return tok, true
	}
	return "", false
}

func amountLabel(line string) (string, bool) {
	l := strings.ToLower(strings.TrimSpace(line))
	switch {
	case l == "total" || l == "total applied" || l == "amount":
		return "total", true
	case l == "principal" || l == "applied to principal":
		return "principal", true
	case l == "interest" || l == "applied to interest":
		return "interest", true
	}
	return "", false
}

func centsOf(raw ...string) ([]int64, bool) {
	out := make([]int64, 0, len(raw))
	for _, r := range raw {
		cents, err := money.CentsFromString(r)
		if err != nil {
			return nil, false
		}
		out = append(out, cents)
	}
	return out, true
}

func nonEmptyLines(text string) []string {
	var out []string
	for _, ln := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(ln); t != "" {
			out = append(out, t)
		}
	}
	return out
}

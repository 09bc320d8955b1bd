/*
loans.go - LoanSnapshot field extraction

Label-anchored pattern matching over a single group's section text. Labels are
an unstable external contract: the portal can reword them between releases, so
each field goes through an ordered list of label patterns rather than one
hardcoded string.

FIELDS:
  Principal Balance, Outstanding Balance (required)
  Unpaid Accrued Interest (required; label embeds an as-of date we ignore)
  Total Daily Interest Accrual (optional, defaults 0)
  Due Date, Last Payment Received, interest rate strings (optional)
*/
package portal

import (
	"regexp"
	"strings"
	"time"

	"github.com/warp/loan-sync/money"
)

const moneyPat = `(\(?-?\$?[\d,]+\.\d{2}\)?)`
const datePat = `(\d{1,2}/\d{1,2}/\d{4})`

// fieldMatcher is one strategy in an ordered ladder for a labeled field.
type fieldMatcher struct {
	re *regexp.Regexp
}

func moneyAfter(labels ...string) []fieldMatcher {
	out := make([]fieldMatcher, 0, len(labels))
	for _, l := range labels {
		out = append(out, fieldMatcher{re: regexp.MustCompile(`(?i)` + l + `\s*` + moneyPat)})
	}
	return out
}

var (
	principalMatchers   = moneyAfter(`Principal Balance:`, `Current Principal:`)
	outstandingMatchers = moneyAfter(`Outstanding Balance:`, `Current Balance:`, `Total Balance:`)
	accruedMatchers     = moneyAfter(`Unpaid Accrued Interest[^:\n]*:`, `Accrued Interest[^:\n]*:`)
	dailyMatchers       = moneyAfter(`Total Daily Interest Accrual:`, `Daily Interest[^:\n]*:`)

	dueDateRe     = regexp.MustCompile(`(?i)Due Date:\s*` + datePat)
	lastPaymentRe = regexp.MustCompile(`(?i)Last Payment Received:\s*` + moneyPat + `\s+on\s+` + datePat)
	effRateRe     = regexp.MustCompile(`(?i)Effective Interest Rate:\s*([^\n\r]+)`)
	regRateRe     = regexp.MustCompile(`(?i)Regulatory Interest Rate:\s*([^\n\r]+)`)
)

// ParseLoanSnapshot extracts a LoanSnapshot from one group's section text.
// Required money fields missing from the section produce a FieldNotFoundError.
func ParseLoanSnapshot(group, sectionText string) (LoanSnapshot, error) {
	snap := LoanSnapshot{
		Group:     group,
		ScrapedAt: money.DateOnly(time.Now()),
	}

	var err error
	if snap.PrincipalBalanceCents, err = requiredMoney(principalMatchers, sectionText, "Principal Balance", group); err != nil {
		return LoanSnapshot{}, err
	}
	if snap.OutstandingBalanceCents, err = requiredMoney(outstandingMatchers, sectionText, "Outstanding Balance", group); err != nil {
		return LoanSnapshot{}, err
	}
	if snap.AccruedInterestCents, err = requiredMoney(accruedMatchers, sectionText, "Unpaid Accrued Interest", group); err != nil {
		return LoanSnapshot{}, err
	}

	// Optional: daily accrual defaults to zero when the portal omits it.
	if cents, ok := optionalMoney(dailyMatchers, sectionText); ok {
		snap.DailyInterestAccrualCents = cents
	}

	if m := dueDateRe.FindStringSubmatch(sectionText); m != nil {
		if d, derr := money.ParseUSDate(m[1]); derr == nil {
			snap.DueDate = d
		}
	}

	if m := lastPaymentRe.FindStringSubmatch(sectionText); m != nil {
		if cents, merr := money.CentsFromString(m[1]); merr == nil {
			snap.LastPaymentCents = cents
		}
		if d, derr := money.ParseUSDate(m[2]); derr == nil {
			snap.LastPaymentDate = d
		}
	}

	if m := effRateRe.FindStringSubmatch(sectionText); m != nil {
		snap.RawEffectiveInterestRate = strings.TrimSpace(m[1])
	}
	if m := regRateRe.FindStringSubmatch(sectionText); m != nil {
		snap.RawRegulatoryInterestRate = strings.TrimSpace(m[1])
	}

	return snap, nil
}

func requiredMoney(matchers []fieldMatcher, text, field, group string) (int64, error) {
	if cents, ok := optionalMoney(matchers, text); ok {
		return cents, nil
	}
	return 0, &FieldNotFoundError{Field: field, Group: group}
}

func optionalMoney(matchers []fieldMatcher, text string) (int64, bool) {
	for _, m := range matchers {
		sub := m.re.FindStringSubmatch(text)
		if sub == nil {
			continue
		}
		cents, err := money.CentsFromString(sub[1])
		if err != nil {
			continue
		}
		return cents, true
	}
	return 0, false
}

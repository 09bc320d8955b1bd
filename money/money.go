/*
Package money normalizes locale-formatted currency strings and US-style dates
into exact integer minor units (cents) and calendar dates.

PURPOSE:
  Every other package in this repo deals in integer cents. Portal pages render
  amounts as "$3,040.16", "(12.34)", "0.37" etc; this package is the single
  place where that text becomes arithmetic-safe integers.

PRECISION:
  Parsing goes through decimal.Decimal and rounds half-up to two places before
  conversion. Float64 never touches a monetary value.

SEE ALSO:
  - portal/payments.go: heaviest consumer of CentsFromString
  - syncer/engine.go: uses CentsToString for log/memo formatting
*/
package money

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrEmptyAmount is returned when an amount string is empty after trimming.
var ErrEmptyAmount = errors.New("empty amount string")

// ErrEmptyDate is returned when a date string is empty after trimming.
var ErrEmptyDate = errors.New("empty date string")

var moneyRe = regexp.MustCompile(`[-+]?\$?\s*[\d,]+(?:\.\d{1,2})?`)

var hundred = decimal.NewFromInt(100)

// CentsFromString parses values like "$3,040.16", "3040.16", "-$12.34" and
// "(5.00)" (parenthesized negative) into integer cents, rounding half-up to
// two decimal places.
func CentsFromString(value string) (int64, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return 0, ErrEmptyAmount
	}

	s = strings.ReplaceAll(s, "$", "")
	s = strings.ReplaceAll(s, ",", "")
	s = strings.TrimSpace(s)

	// Accountant notation: (12.34) means -12.34.
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		s = "-" + strings.TrimSpace(s[1:len(s)-1])
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", value, err)
	}

	return d.Round(2).Mul(hundred).IntPart(), nil
}

// CentsToString formats integer cents as a dollar string, e.g. 304016 ->
// "$3,040.16" and -1234 -> "-$12.34".
func CentsToString(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}

	d := decimal.NewFromInt(cents).Div(hundred)
	whole := d.IntPart()
	frac := d.Sub(decimal.NewFromInt(whole)).Mul(hundred).IntPart()

	out := fmt.Sprintf("$%s.%02d", groupThousands(whole), frac)
	if neg {
		return "-" + out
	}
	return out
}

func groupThousands(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	lead := len(s) % 3
	if lead > 0 {
		b.WriteString(s[:lead])
	}
	for i := lead; i < len(s); i += 3 {
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}

// FindFirstMoney returns the first money-looking token in text, or "" when
// none is present.
func FindFirstMoney(text string) string {
	return moneyRe.FindString(text)
}

// ParseUSDate parses US-style dates like "12/26/2025" or "1/3/2025" into a
// calendar date (midnight UTC).
func ParseUSDate(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if s == "" {
		return time.Time{}, ErrEmptyDate
	}

	for _, layout := range []string{"1/2/2006", "01/02/2006", "1/2/06"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse US date %q: unrecognized format", value)
}

// DateOnly truncates t to its calendar date in UTC. Used anywhere a "calendar
// day" comparison matters (balance-update gating).
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

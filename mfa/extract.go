/*
Package mfa turns verification emails into login codes.

EXTRACTION is an ordered ladder: explicit "your code is 123456" phrasings
first, then a bare six-digit fallback. The fallback must not trip on CSS hex
colors (#1a2b3c) or longer digit runs (phone numbers, order IDs), both of
which show up constantly in HTML email.

The IMAP poller in imap.go adds the temporal rules: only messages sent after
the login attempt started count, and a message is never considered twice.
*/
package mfa

import (
	"errors"
	"regexp"
)

// ErrNoCode is returned when a message body contains no extractable code.
var ErrNoCode = errors.New("no verification code found in message")

// Explicit phrasings, tried in order.
var preferredCodeRes = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:verification|security|one-time)\s+code(?:\s+is)?[:\s]+(\d{6})\b`),
	regexp.MustCompile(`(?i)\bcode(?:\s+is)?[:\s]+(\d{6})\b`),
	regexp.MustCompile(`(?i)\buse\s+(\d{6})\b`),
}

// Fallback: a standalone six-digit run. The lookaround-free guards against
// hex colors and longer runs happen in code below.
var sixDigitRe = regexp.MustCompile(`\d{6}`)

var hexColorRe = regexp.MustCompile(`#[0-9a-fA-F]{6}\b`)

// ExtractCode pulls a six-digit verification code out of a message body.
func ExtractCode(body string) (string, error) {
	for _, re := range preferredCodeRes {
		if m := re.FindStringSubmatch(body); m != nil {
			return m[1], nil
		}
	}

	// Blank out hex colors so their digit runs can't match.
	cleaned := hexColorRe.ReplaceAllStringFunc(body, func(s string) string {
		return "#......"
	})

	for _, loc := range sixDigitRe.FindAllStringIndex(cleaned, -1) {
		if digitAdjacent(cleaned, loc[0], loc[1]) {
			continue
		}
		return cleaned[loc[0]:loc[1]], nil
	}
	return "", ErrNoCode
}

// digitAdjacent reports whether the match at [start,end) is part of a longer
// digit run.
func digitAdjacent(s string, start, end int) bool {
	if start > 0 && s[start-1] >= '0' && s[start-1] <= '9' {
		return true
	}
	if end < len(s) && s[end] >= '0' && s[end] <= '9' {
		return true
	}
	return false
}

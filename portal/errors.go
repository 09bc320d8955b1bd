/*
errors.go - Error types for portal parsing and authentication

ERROR CATEGORIES:
  1. Parsing errors - a page rendered but its text didn't match any layout
  2. Authentication errors - the login flow could not be completed
  3. Session errors - browser/session level failures eligible for one retry

Callers should classify with errors.Is/errors.As; structured types carry the
context needed to make the failure actionable.
*/
package portal

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// SENTINEL ERRORS
// =============================================================================

var (
	// ErrLoginFormNotFound is returned when no visible username field could be
	// located after trying every known entry point.
	ErrLoginFormNotFound = errors.New("login form not found")

	// ErrMFARequiredButNoProvider is returned when the portal prompts for a
	// code but no code source was injected.
	ErrMFARequiredButNoProvider = errors.New("portal requires MFA but no code source configured")

	// ErrMFARejected is returned when the portal refuses the submitted code or
	// remains on an MFA-looking page after submission. Never retried.
	ErrMFARejected = errors.New("mfa code rejected")

	// ErrAuthNotCompleted is returned when credentials/MFA were submitted but
	// the portal never reached an authenticated state.
	ErrAuthNotCompleted = errors.New("authentication did not complete")

	// ErrNoRowsParsed is returned when a payment detail page yields no
	// allocation rows under any supported layout.
	ErrNoRowsParsed = errors.New("no allocation rows parsed")

	// ErrAmbiguousPaymentDate is returned when the payment date must be derived
	// from body text and more than one unlabeled date is present.
	ErrAmbiguousPaymentDate = errors.New("ambiguous payment date")

	// ErrBrowserError is returned when the page shows a browser-level failure
	// (DNS, chrome-error scheme). Eligible for one fresh-session retry.
	ErrBrowserError = errors.New("browser-level navigation error")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// FieldNotFoundError reports a labeled field missing from a page section.
type FieldNotFoundError struct {
	Field string
	Group string
}

func (e *FieldNotFoundError) Error() string {
	if e.Group != "" {
		return fmt.Sprintf("field %q not found in section for group %s", e.Field, e.Group)
	}
	return fmt.Sprintf("field %q not found", e.Field)
}

// GroupNotFoundError reports a configured group that matched no discovered
// section. It enumerates everything that WAS discovered so a misconfigured
// group list is diagnosable from the message alone.
type GroupNotFoundError struct {
	Group      string
	Discovered []GroupSection
}

func (e *GroupNotFoundError) Error() string {
	var tokens, labels []string
	seen := map[string]bool{}
	for _, s := range e.Discovered {
		if s.Token != "" && !seen[s.Token] {
			tokens = append(tokens, s.Token)
			seen[s.Token] = true
		}
		if lbl := strings.TrimSpace(s.Label); lbl != "" {
			labels = append(labels, lbl)
		}
	}
	if len(labels) > 12 {
		labels = labels[:12] // keep the message readable
	}

	hint := ""
	if len(tokens) > 0 {
		hint = fmt.Sprintf(" Discovered group IDs: %s.", strings.Join(tokens, ", "))
	} else if len(labels) > 0 {
		hint = fmt.Sprintf(" Discovered group labels: %s.", strings.Join(labels, ", "))
	}

	return fmt.Sprintf(
		"could not locate a loan group section for group %q.%s Run `loansync discover-groups` to print valid group IDs.",
		e.Group, hint)
}

// AuthRejectedError is a fatal credential/MFA rejection with an actionable
// message naming the credential or config to check. Never retried.
type AuthRejectedError struct {
	Reason string
}

func (e *AuthRejectedError) Error() string { return e.Reason }

func (e *AuthRejectedError) Unwrap() error { return ErrAuthNotCompleted }

// IsRetryableWithFreshSession reports whether err justifies the single
// whole-flow retry with a clean session.
func IsRetryableWithFreshSession(err error, usedStoredSession bool) bool {
	if errors.Is(err, ErrBrowserError) {
		return true
	}
	return usedStoredSession && errors.Is(err, ErrLoginFormNotFound)
}

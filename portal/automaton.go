/*
automaton.go - Portal login state machine

The portal's login flow is not a fixed sequence: a stored session can land
straight on the dashboard, an expired one on the login form, and in between the
portal may interject MFA, a borrower-choice page, a federal disclaimer, or a
consent overlay, in any order. So login is a state machine: poll, classify the
current page from several signals at once, act, repeat until authenticated or
out of time.

CLASSIFICATION is multi-signal on purpose. Single-marker checks ("page contains
'Log Out'") misfire on marketing pages that mention logging out; authenticated
state requires two independent markers.

CONSENT OVERLAYS are dismissed continuously from a background goroutine, not
once: the consent manager re-inserts itself after navigations and there is no
event to hook.

FRESH-SESSION RETRY: exactly one. A browser-level error, or a login form that
never appears while driving a stored session, earns one whole-flow retry with a
clean session. Credential and MFA rejections never retry; resubmitting a wrong
password risks lockout.
*/
package portal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// =============================================================================
// CONFIG
// =============================================================================

// AutomatonConfig wires the automaton's collaborators and tuning knobs.
type AutomatonConfig struct {
	LoginURL       string
	DashboardURL   string
	Credentials    Credentials
	Codes          CodeSource // nil means MFA cannot be answered
	RememberDevice bool
	Session        SessionArtifact

	// OverallTimeout bounds one whole login attempt. PollInterval is the
	// classification cadence. Zero values get production defaults.
	OverallTimeout time.Duration
	PollInterval   time.Duration

	// Capture is the step-debug hook; called at each state transition with a
	// short step name. May be nil.
	Capture func(step string)

	Log *logrus.Entry
}

func (c *AutomatonConfig) applyDefaults() {
	if c.OverallTimeout == 0 {
		c.OverallTimeout = 3 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 750 * time.Millisecond
	}
	if c.Log == nil {
		c.Log = logrus.NewEntry(logrus.StandardLogger())
	}
}

// Automaton drives a Surface through the portal's login flow.
type Automaton struct {
	cfg        AutomatonConfig
	newSurface SurfaceFactory
	surface    Surface
}

func NewAutomaton(cfg AutomatonConfig, factory SurfaceFactory) *Automaton {
	cfg.applyDefaults()
	return &Automaton{cfg: cfg, newSurface: factory}
}

// Surface returns the authenticated surface after EnsureAuthenticated
// succeeds. The caller drives extraction through it and owns Close.
func (a *Automaton) Surface() Surface { return a.surface }

// =============================================================================
// PAGE CLASSIFICATION
// =============================================================================

type pageState int

const (
	stateUnknown pageState = iota
	stateLoggedIn
	stateLoginForm
	stateMFA
	stateBorrowerChoice
	stateDisclaimer
	stateBrowserError
)

func (s pageState) String() string {
	switch s {
	case stateLoggedIn:
		return "logged_in"
	case stateLoginForm:
		return "login_form"
	case stateMFA:
		return "mfa_challenge"
	case stateBorrowerChoice:
		return "borrower_choice"
	case stateDisclaimer:
		return "disclaimer"
	case stateBrowserError:
		return "browser_error"
	default:
		return "unknown"
	}
}

var loggedInMarkers = []string{
	"log out", "sign out", "account summary", "my loans",
	"make a payment", "payment activity",
}

var mfaMarkers = []string{
	"verification code", "security code", "verify your identity",
	"multi-factor", "one-time passcode",
}

var borrowerChoiceMarkers = []string{
	"select a borrower", "choose an account to view", "who would you like to view",
}

var disclaimerMarkers = []string{
	"federal student loan", "terms of use", "by clicking accept",
}

var browserErrorMarkers = []string{
	"err_name_not_resolved", "err_connection_refused", "err_timed_out",
	"this site can't be reached", "dns_probe_finished",
}

var credentialRejectionMarkers = []string{
	"username or password is incorrect", "invalid username or password",
	"does not match our records", "unable to log you in",
}

var lockoutMarkers = []string{
	"account is locked", "account has been locked", "too many attempts",
}

func classifyPage(url, body string) pageState {
	lower := strings.ToLower(body)

	if strings.HasPrefix(url, "chrome-error://") || containsAny(lower, browserErrorMarkers) {
		return stateBrowserError
	}

	// Authenticated requires two independent markers.
	hits := 0
	for _, m := range loggedInMarkers {
		if strings.Contains(lower, m) {
			hits++
		}
	}
	if hits >= 2 {
		return stateLoggedIn
	}

	switch {
	case containsAny(lower, mfaMarkers):
		return stateMFA
	case containsAny(lower, borrowerChoiceMarkers):
		return stateBorrowerChoice
	case containsAny(lower, disclaimerMarkers):
		return stateDisclaimer
	}

	if strings.Contains(lower, "password") &&
		(strings.Contains(lower, "log in") || strings.Contains(lower, "sign in") || strings.Contains(lower, "username")) {
		return stateLoginForm
	}
	return stateUnknown
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

// =============================================================================
// SELECTOR LADDERS
// =============================================================================

var (
	usernameSelectors = []string{
		`input[name="username"]`, `input[id*="user" i]`, `input[autocomplete="username"]`,
	}
	passwordSelectors = []string{
		`input[type="password"]`,
	}
	continueSelectors = []string{
		`button[id*="continue" i]`, `button[type="submit"]`,
	}
	submitSelectors = []string{
		`button[type="submit"]`, `input[type="submit"]`, `button[id*="login" i]`,
	}
	mfaCodeSelectors = []string{
		`input[name*="code" i]`, `input[autocomplete="one-time-code"]`, `input[inputmode="numeric"]`,
	}
	mfaEmailOptionSelectors = []string{
		`button[id*="email" i]`, `input[value*="email" i]`, `label[for*="email" i]`,
	}
	rememberDeviceSelectors = []string{
		`input[name*="remember" i]`, `input[id*="trust" i]`,
	}
	borrowerChoiceSelectors = []string{
		`a[href*="borrower" i]`, `button[id*="borrower" i]`, `main a`,
	}
	acceptSelectors = []string{
		`button[id*="accept" i]`, `input[value*="accept" i]`, `button[type="submit"]`,
	}
)

// dismissOverlaysJS clicks whatever consent-manager buttons are currently in
// the DOM. Best-effort; runs repeatedly.
const dismissOverlaysJS = `
(() => {
  const sels = [
    '#onetrust-accept-btn-handler',
    'button[id*="accept-all" i]',
    'button[aria-label*="close" i]',
    '.cookie-banner button',
  ];
  for (const s of sels) {
    for (const el of document.querySelectorAll(s)) {
      try { el.click(); } catch (e) {}
    }
  }
})();`

// =============================================================================
// FLOW
// =============================================================================

// EnsureAuthenticated heals the session artifact, then drives the login flow,
// retrying exactly once with a fresh session when the failure justifies it. On
// success a.Surface() is authenticated and the session artifact is saved.
func (a *Automaton) EnsureAuthenticated(ctx context.Context) error {
	usedStored, err := a.cfg.Session.EnsureUsable()
	if err != nil {
		return err
	}

	err = a.attempt(ctx, usedStored)
	if err == nil {
		return nil
	}
	if !IsRetryableWithFreshSession(err, usedStored) {
		return err
	}

	a.cfg.Log.WithError(err).Warn("login failed; retrying once with a fresh session")
	if cerr := a.cfg.Session.Clear(); cerr != nil {
		return cerr
	}
	return a.attempt(ctx, false)
}

func (a *Automaton) attempt(ctx context.Context, useStored bool) error {
	sessionPath := ""
	if useStored {
		sessionPath = a.cfg.Session.Path
	}

	s, err := a.newSurface(ctx, sessionPath)
	if err != nil {
		return fmt.Errorf("open browser surface: %w", err)
	}
	a.surface = s

	if err := a.login(ctx, useStored); err != nil {
		s.Close()
		a.surface = nil
		return err
	}
	return nil
}

func (a *Automaton) login(ctx context.Context, usedStored bool) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.OverallTimeout)
	defer cancel()

	stopOverlays := a.startOverlayDismissal(ctx)
	defer stopOverlays()

	// A stored session can land straight on the dashboard.
	startURL := a.cfg.LoginURL
	if usedStored && a.cfg.DashboardURL != "" {
		startURL = a.cfg.DashboardURL
	}
	if err := a.surface.Navigate(ctx, startURL); err != nil {
		return fmt.Errorf("%w: %v", ErrBrowserError, err)
	}

	attemptStart := time.Now()
	credentialsSubmitted := false
	sawLoginForm := false
	lastState := pageState(-1)

	for {
		select {
		case <-ctx.Done():
			if !sawLoginForm && !credentialsSubmitted {
				return ErrLoginFormNotFound
			}
			return fmt.Errorf("login timed out in state %s: %w", lastState, ErrAuthNotCompleted)
		default:
		}

		url, _ := a.surface.CurrentURL(ctx)
		body, err := a.surface.BodyText(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrBrowserError, err)
		}

		state := classifyPage(url, body)
		if state != lastState {
			a.cfg.Log.WithFields(logrus.Fields{"state": state.String(), "url": url}).Debug("login state")
			a.captureStep("state_" + state.String())
			lastState = state
		}

		switch state {
		case stateLoggedIn:
			if err := a.surface.SaveSession(ctx, a.cfg.Session.Path); err != nil {
				a.cfg.Log.WithError(err).Warn("could not save session artifact")
			}
			return nil

		case stateBrowserError:
			return fmt.Errorf("page reported a navigation failure: %w", ErrBrowserError)

		case stateLoginForm:
			sawLoginForm = true
			if credentialsSubmitted {
				// Back on the form after submitting: classify the rejection.
				if reason := classifyCredentialFailure(body); reason != "" {
					return &AuthRejectedError{Reason: reason}
				}
			}
			if err := a.submitCredentials(ctx); err != nil {
				return err
			}
			credentialsSubmitted = true

		case stateMFA:
			if err := a.answerMFA(ctx, attemptStart); err != nil {
				return err
			}

		case stateBorrowerChoice:
			a.clickFirst(ctx, borrowerChoiceSelectors)

		case stateDisclaimer:
			a.clickFirst(ctx, acceptSelectors)

		case stateUnknown:
			if reason := classifyCredentialFailure(body); credentialsSubmitted && reason != "" {
				return &AuthRejectedError{Reason: reason}
			}
		}

		select {
		case <-ctx.Done():
		case <-time.After(a.cfg.PollInterval):
		}
	}
}

// submitCredentials handles both single-page and two-step (username, continue,
// then password) forms.
func (a *Automaton) submitCredentials(ctx context.Context) error {
	userSel := a.firstVisible(ctx, usernameSelectors)
	if userSel == "" {
		return ErrLoginFormNotFound
	}
	if err := a.surface.Fill(ctx, userSel, a.cfg.Credentials.Username); err != nil {
		return fmt.Errorf("fill username: %w", err)
	}

	passSel := a.firstVisible(ctx, passwordSelectors)
	if passSel == "" {
		// Two-step form: advance past the username page first.
		a.clickFirst(ctx, continueSelectors)
		passSel = a.waitVisible(ctx, passwordSelectors)
		if passSel == "" {
			return fmt.Errorf("password field never appeared: %w", ErrLoginFormNotFound)
		}
	}
	if err := a.surface.Fill(ctx, passSel, a.cfg.Credentials.Password); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}

	a.captureStep("submit_credentials")
	a.clickFirst(ctx, submitSelectors)
	return nil
}

func (a *Automaton) answerMFA(ctx context.Context, attemptStart time.Time) error {
	if a.cfg.Codes == nil {
		return ErrMFARequiredButNoProvider
	}
	a.captureStep("mfa_challenge")

	// Choose email delivery when the portal offers a choice.
	a.clickFirst(ctx, mfaEmailOptionSelectors)

	// Freshness floor: allow small clock skew between us and the mail server.
	code, err := a.cfg.Codes.WaitForCode(ctx, attemptStart.Add(-30*time.Second))
	if err != nil {
		return fmt.Errorf("waiting for mfa code: %w", err)
	}

	codeSel := a.waitVisible(ctx, mfaCodeSelectors)
	if codeSel == "" {
		return fmt.Errorf("mfa code field never appeared: %w", ErrAuthNotCompleted)
	}
	if err := a.surface.Fill(ctx, codeSel, code); err != nil {
		return fmt.Errorf("fill mfa code: %w", err)
	}
	if a.cfg.RememberDevice {
		a.clickFirst(ctx, rememberDeviceSelectors)
	}
	a.captureStep("submit_mfa")
	a.clickFirst(ctx, submitSelectors)

	// Give the portal a beat, then check for rejection: a rejected code is
	// fatal, never resubmitted.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(2 * a.cfg.PollInterval):
	}
	body, err := a.surface.BodyText(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBrowserError, err)
	}
	lower := strings.ToLower(body)
	if strings.Contains(lower, "code is incorrect") || strings.Contains(lower, "invalid code") ||
		strings.Contains(lower, "code has expired") {
		return ErrMFARejected
	}

	// Some portals swallow a bad code without any message and just re-present
	// the challenge. That is still a rejection: requesting and submitting a
	// second code here risks lockout.
	url, _ := a.surface.CurrentURL(ctx)
	if classifyPage(url, body) == stateMFA {
		return fmt.Errorf("challenge still displayed after code submission: %w", ErrMFARejected)
	}
	return nil
}

func classifyCredentialFailure(body string) string {
	lower := strings.ToLower(body)
	if containsAny(lower, lockoutMarkers) {
		return "the portal reports the account is locked; wait for the lockout to clear or reset the password before retrying"
	}
	if containsAny(lower, credentialRejectionMarkers) {
		return "the portal rejected the credentials; check the configured portal username and password"
	}
	return ""
}

// =============================================================================
// SURFACE HELPERS
// =============================================================================

func (a *Automaton) firstVisible(ctx context.Context, selectors []string) string {
	for _, sel := range selectors {
		if ok, err := a.surface.IsVisible(ctx, sel); err == nil && ok {
			return sel
		}
	}
	return ""
}

// waitVisible polls the ladder until something shows up or ~10 intervals pass.
func (a *Automaton) waitVisible(ctx context.Context, selectors []string) string {
	for i := 0; i < 10; i++ {
		if sel := a.firstVisible(ctx, selectors); sel != "" {
			return sel
		}
		select {
		case <-ctx.Done():
			return ""
		case <-time.After(a.cfg.PollInterval):
		}
	}
	return ""
}

func (a *Automaton) clickFirst(ctx context.Context, selectors []string) {
	if sel := a.firstVisible(ctx, selectors); sel != "" {
		if err := a.surface.Click(ctx, sel); err != nil && !errors.Is(err, context.Canceled) {
			a.cfg.Log.WithError(err).WithField("selector", sel).Debug("click failed")
		}
	}
}

func (a *Automaton) startOverlayDismissal(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				_ = a.surface.Eval(ctx, dismissOverlaysJS)
			}
		}
	}()
	var once bool
	return func() {
		if !once {
			once = true
			close(done)
		}
	}
}

func (a *Automaton) captureStep(step string) {
	if a.cfg.Capture != nil {
		a.cfg.Capture(step)
	}
}

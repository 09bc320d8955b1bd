/*
Package orchestrator runs one end-to-end sync: authenticate against the
portal, extract loan snapshots and payment allocations from page text, and
push them through the sync engine into the remote ledger.

RUN SHAPE:
  Every run gets a row in the state store (started/finished/status/summary)
  and a capture directory for step evidence. A failing run always produces a
  debug bundle, and the bundling error can never displace the run's own
  error. Backups (state DB and session artifact) refresh only after a fully
  successful non-dry run, so a crash mid-run can always roll back to the last
  known-good pair.

SEE ALSO:
  - portal: login automaton and page parsers
  - syncer: idempotent remote writes
  - diag:   step capture and bundling
*/
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/loan-sync/config"
	"github.com/warp/loan-sync/diag"
	"github.com/warp/loan-sync/ledger"
	"github.com/warp/loan-sync/portal"
	"github.com/warp/loan-sync/state"
	"github.com/warp/loan-sync/syncer"
)

// Options are the per-invocation switches, distinct from the static Config.
type Options struct {
	DryRun      bool
	RemoteCheck bool

	// SkipRemote extracts and reports without touching the ledger at all.
	SkipRemote bool

	// FreshSession discards the stored session artifact before logging in.
	FreshSession bool

	// MaxPayments caps how many payment detail pages are visited. Zero means
	// the default.
	MaxPayments int

	// PaymentsSince drops allocations dated strictly before it. Zero keeps
	// everything.
	PaymentsSince time.Time
}

const defaultMaxPayments = 12

// paymentLinkSelector matches the history page's per-payment detail links.
const paymentLinkSelector = `a[href*="payment"]`

// Summary is what one run accomplished.
type Summary struct {
	syncer.Result

	GroupsParsed   int    `json:"groups_parsed"`
	PaymentsParsed int    `json:"payments_parsed"`
	BundlePath     string `json:"bundle_path,omitempty"`
}

// Orchestrator wires the moving parts of one sync run together.
type Orchestrator struct {
	cfg     *config.Config
	store   *state.Store
	remote  ledger.Client // nil when the run skips the ledger
	factory portal.SurfaceFactory
	codes   portal.CodeSource // nil when MFA is not configured
	log     *logrus.Entry
}

func New(cfg *config.Config, store *state.Store, remote ledger.Client, factory portal.SurfaceFactory, codes portal.CodeSource, log *logrus.Entry) *Orchestrator {
	if log == nil {
		log = logrus.WithField("component", "orchestrator")
	}
	return &Orchestrator{
		cfg:     cfg,
		store:   store,
		remote:  remote,
		factory: factory,
		codes:   codes,
		log:     log,
	}
}

// =============================================================================
// RUN
// =============================================================================

// Run executes one sync. The returned Summary is valid even on error: it
// reflects whatever completed before the failure.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*Summary, error) {
	runID, err := o.store.BeginRun(ctx, opts.DryRun)
	if err != nil {
		return nil, err
	}
	log := o.log.WithField("run", runID)

	capture, capErr := diag.NewCapture(o.cfg.Diag.Dir, log)
	if capErr != nil {
		// Diagnostics are best-effort; the run proceeds without them.
		log.WithError(capErr).Warn("step capture disabled")
	}

	summary := &Summary{}
	runErr := o.run(ctx, opts, capture, summary, log)

	status := "succeeded"
	if runErr != nil {
		status = "failed"
		if errors.Is(runErr, context.Canceled) {
			status = "interrupted"
		}
		summary.BundlePath = o.bundle(capture, runErr, log)
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	summaryJSON, _ := json.Marshal(summary)

	// On the interrupted path ctx is already canceled; the closing write gets
	// its own context so the run row never stays open as "running".
	finishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.FinishRun(finishCtx, runID, status, errMsg, string(summaryJSON)); err != nil {
		log.WithError(err).Warn("could not record run outcome")
	}

	if runErr == nil && !opts.DryRun && !opts.SkipRemote {
		o.refreshBackups(finishCtx, log)
	}
	return summary, runErr
}

func (o *Orchestrator) run(ctx context.Context, opts Options, capture *diag.Capture, summary *Summary, log *logrus.Entry) error {
	session := portal.SessionArtifact{Path: o.cfg.Portal.SessionPath}
	if opts.FreshSession {
		if err := session.Clear(); err != nil {
			return fmt.Errorf("clear stored session: %w", err)
		}
		log.Info("stored session discarded; logging in fresh")
	}

	auto, err := o.authenticate(ctx, session, capture, log)
	if err != nil {
		return err
	}
	surface := auto.Surface()
	defer surface.Close()

	snaps, err := o.extractSnapshots(ctx, surface, capture, log)
	if err != nil {
		return err
	}
	summary.GroupsParsed = len(snaps)

	allocs, err := o.extractPayments(ctx, surface, opts, capture, log)
	if err != nil {
		return err
	}
	summary.PaymentsParsed = len(allocs)

	if opts.SkipRemote {
		log.WithFields(logrus.Fields{
			"groups":   summary.GroupsParsed,
			"payments": summary.PaymentsParsed,
		}).Info("extraction complete; remote sync skipped")
		return nil
	}
	if o.remote == nil {
		return errors.New("remote sync requested but no ledger client configured")
	}

	engine := syncer.New(syncer.Config{
		AccountForGroup:              o.cfg.Ledger.AccountForGroup,
		AccountNamePrefix:            o.cfg.Ledger.AccountNamePrefix,
		Merchant:                     o.cfg.Ledger.Merchant,
		CategoryID:                   o.cfg.Ledger.CategoryID,
		DuplicateWindowDays:          o.cfg.Ledger.DuplicateWindowDays,
		UseReferenceInDuplicateGuard: o.cfg.Ledger.DuplicateGuardUseReference,
		DryRun:                       opts.DryRun,
		RemoteCheck:                  opts.RemoteCheck,
	}, o.store, o.remote, log)

	balRes, err := engine.ApplyLoanSnapshots(ctx, snaps)
	summary.merge(balRes)
	if err != nil {
		return err
	}

	payRes, err := engine.ApplyPaymentAllocations(ctx, allocs)
	summary.merge(payRes)
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"balances_written": summary.BalancesWritten,
		"balances_gated":   summary.BalancesGated,
		"payments_created": summary.PaymentsCreated,
		"payments_deduped": summary.PaymentsDeduped,
		"payments_skipped": summary.PaymentsSkipped,
	}).Info("sync complete")
	return nil
}

func (s *Summary) merge(r syncer.Result) {
	s.BalancesWritten += r.BalancesWritten
	s.BalancesGated += r.BalancesGated
	s.PaymentsCreated += r.PaymentsCreated
	s.PaymentsDeduped += r.PaymentsDeduped
	s.PaymentsSkipped += r.PaymentsSkipped
}

// =============================================================================
// AUTHENTICATION
// =============================================================================

func (o *Orchestrator) authenticate(ctx context.Context, session portal.SessionArtifact, capture *diag.Capture, log *logrus.Entry) (*portal.Automaton, error) {
	var auto *portal.Automaton
	cfg := portal.AutomatonConfig{
		LoginURL:       o.cfg.Portal.LoginURL,
		DashboardURL:   o.cfg.Portal.DashboardURL,
		Credentials:    portal.Credentials{Username: o.cfg.Portal.Username, Password: o.cfg.Portal.Password},
		Codes:          o.codes,
		RememberDevice: o.cfg.Portal.RememberDevice,
		Session:        session,
		OverallTimeout: o.cfg.Portal.LoginTimeout,
		Log:            log,
		Capture: func(step string) {
			if capture != nil && auto != nil {
				capture.Step(ctx, auto.Surface(), step)
			}
		},
	}
	auto = portal.NewAutomaton(cfg, o.factory)

	if err := auto.EnsureAuthenticated(ctx); err != nil {
		return nil, err
	}
	return auto, nil
}

// =============================================================================
// EXTRACTION
// =============================================================================

// extractSnapshots reads the loan-details page the automaton landed on and
// parses one snapshot per configured group.
func (o *Orchestrator) extractSnapshots(ctx context.Context, surface portal.Surface, capture *diag.Capture, log *logrus.Entry) ([]portal.LoanSnapshot, error) {
	body, err := surface.BodyText(ctx)
	if err != nil {
		return nil, fmt.Errorf("read loan details page: %w", err)
	}
	if capture != nil {
		capture.AddText("loan-details", body)
	}

	sections := portal.SegmentGroups(body)
	if len(sections) == 0 {
		if capture != nil {
			capture.Step(ctx, surface, "no-group-sections")
		}
		return nil, errors.New("loan details page has no group sections")
	}

	snaps := make([]portal.LoanSnapshot, 0, len(o.cfg.Portal.Groups))
	for _, group := range o.cfg.Portal.Groups {
		section, err := portal.MatchGroupSection(sections, group)
		if err != nil {
			return nil, err
		}
		snap, err := portal.ParseLoanSnapshot(group, section.Text)
		if err != nil {
			return nil, err
		}
		log.WithFields(logrus.Fields{
			"group":       group,
			"outstanding": snap.OutstandingBalanceCents,
		}).Debug("snapshot parsed")
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// extractPayments walks the payment-history page's detail links and parses
// each detail page into allocations. A page that fails to parse is captured
// for the bundle and fails the run: extraction must be complete before any
// remote write, or a partial parse becomes a partial sync.
func (o *Orchestrator) extractPayments(ctx context.Context, surface portal.Surface, opts Options, capture *diag.Capture, log *logrus.Entry) ([]portal.PaymentAllocation, error) {
	if o.cfg.Portal.PaymentsURL == "" {
		log.Debug("no payments page configured; skipping payment extraction")
		return nil, nil
	}

	if err := surface.Navigate(ctx, o.cfg.Portal.PaymentsURL); err != nil {
		return nil, fmt.Errorf("open payment history: %w", err)
	}

	links, err := surface.Links(ctx, paymentLinkSelector)
	if err != nil {
		return nil, fmt.Errorf("list payment detail links: %w", err)
	}

	max := opts.MaxPayments
	if max <= 0 {
		max = defaultMaxPayments
	}
	if len(links) > max {
		links = links[:max]
	}

	parse := portal.PaymentParseOptions{ExpectedGroups: o.cfg.Portal.Groups}

	// No detail links means the history page inlines its allocations; parse
	// it directly as a single payment.
	if len(links) == 0 {
		body, err := surface.BodyText(ctx)
		if err != nil {
			return nil, fmt.Errorf("read payment history page: %w", err)
		}
		allocs, err := portal.ParsePaymentAllocations(body, parse)
		if err != nil {
			if capture != nil {
				capture.Step(ctx, surface, "payment-history-unparsed")
			}
			return nil, fmt.Errorf("parse payment history page: %w", err)
		}
		return filterSince(allocs, opts.PaymentsSince), nil
	}

	var all []portal.PaymentAllocation
	for i, link := range links {
		if err := surface.Navigate(ctx, link); err != nil {
			return nil, fmt.Errorf("open payment detail %d: %w", i+1, err)
		}
		body, err := surface.BodyText(ctx)
		if err != nil {
			return nil, fmt.Errorf("read payment detail %d: %w", i+1, err)
		}

		allocs, err := portal.ParsePaymentAllocations(body, parse)
		if err != nil {
			if capture != nil {
				capture.Step(ctx, surface, fmt.Sprintf("payment-%d-unparsed", i+1))
			}
			return nil, fmt.Errorf("parse payment detail %d (%s): %w", i+1, link, err)
		}
		all = append(all, allocs...)
	}
	return filterSince(all, opts.PaymentsSince), nil
}

func filterSince(allocs []portal.PaymentAllocation, since time.Time) []portal.PaymentAllocation {
	if since.IsZero() {
		return allocs
	}
	kept := allocs[:0]
	for _, a := range allocs {
		if !a.PaymentDate.Before(since) {
			kept = append(kept, a)
		}
	}
	return kept
}

// =============================================================================
// DIAGNOSTICS AND BACKUPS
// =============================================================================

// bundle zips the capture directory after a failure. Its own errors are
// logged, never returned: the run's error must survive untouched.
func (o *Orchestrator) bundle(capture *diag.Capture, runErr error, log *logrus.Entry) string {
	if capture == nil {
		return ""
	}
	capture.AddText("failure", runErr.Error())

	zipPath := capture.Dir() + ".zip"
	if err := capture.Bundle(zipPath); err != nil {
		log.WithError(err).Warn("could not write debug bundle")
		return ""
	}
	return zipPath
}

func (o *Orchestrator) refreshBackups(ctx context.Context, log *logrus.Entry) {
	if err := o.store.RefreshBackup(ctx); err != nil {
		log.WithError(err).Warn("state backup refresh failed")
	}
	session := portal.SessionArtifact{Path: o.cfg.Portal.SessionPath}
	if err := session.RefreshBackup(); err != nil {
		log.WithError(err).Warn("session backup refresh failed")
	}
}

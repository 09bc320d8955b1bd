/*
Package syncer pushes scraped loan data into the remote ledger without ever
writing the same fact twice.

PURPOSE:
  Two write paths with independent idempotency rules:

  BALANCES: at most one write per loan group per calendar day. The gate lives
  in local state; re-running within a day is a no-op. The target balance takes
  the remote account's sign convention: when the ledger shows the liability as
  negative and the scraped balance is positive, the write is negated.

  PAYMENTS: each allocation carries a deterministic key. Already-processed
  keys skip locally; unseen keys are probed against the remote ledger (date +
  amount + merchant, optional reference) before a create. A failed create gets
  exactly one cache-invalidated re-probe: the failure may have happened after
  the server committed.

DRY RUN:
  DryRun suppresses every remote write. RemoteCheck additionally runs the
  remote duplicate probes read-only, so a dry run can report what a real run
  would create versus dedupe.

SEE ALSO:
  - state:  local gate and processed-key storage
  - ledger: the remote client contract
*/
package syncer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/loan-sync/ledger"
	"github.com/warp/loan-sync/money"
	"github.com/warp/loan-sync/portal"
	"github.com/warp/loan-sync/state"
)

// Config tunes the engine.
type Config struct {
	// AccountForGroup maps a group code to a remote account ID or exact
	// account name. Groups absent from the map fall back to name matching.
	AccountForGroup map[string]string

	// AccountNamePrefix is the fallback naming scheme: an account named
	// "<prefix> <group>" belongs to that group.
	AccountNamePrefix string

	// Merchant is the merchant name stamped on created transactions.
	Merchant string

	// CategoryID, when set, categorizes created transactions.
	CategoryID string

	// DuplicateWindowDays widens the duplicate probe's date window.
	DuplicateWindowDays int

	// UseReferenceInDuplicateGuard requires the servicer reference to appear
	// in a candidate's notes. Opt-in: not every ledger echoes notes back.
	UseReferenceInDuplicateGuard bool

	DryRun bool

	// RemoteCheck keeps the read-only duplicate probes during a dry run.
	RemoteCheck bool

	// Today overrides the balance gate's calendar day; zero means now.
	Today time.Time
}

// Result counts what a run did (or, dry, would have done).
type Result struct {
	BalancesWritten int
	BalancesGated   int
	PaymentsCreated int
	PaymentsDeduped int
	PaymentsSkipped int
}

// Engine applies snapshots and allocations to the remote ledger.
type Engine struct {
	cfg    Config
	store  *state.Store
	remote ledger.Client
	log    *logrus.Entry
}

func New(cfg Config, store *state.Store, remote ledger.Client, log *logrus.Entry) *Engine {
	if cfg.Merchant == "" {
		cfg.Merchant = "Loan Servicer"
	}
	if log == nil {
		log = logrus.WithField("component", "syncer")
	}
	return &Engine{cfg: cfg, store: store, remote: remote, log: log}
}

func (e *Engine) today() time.Time {
	if !e.cfg.Today.IsZero() {
		return money.DateOnly(e.cfg.Today)
	}
	return money.DateOnly(time.Now())
}

// =============================================================================
// ACCOUNT RESOLUTION
// =============================================================================

// accountForGroup resolves a group code to a remote account via an ordered
// ladder: configured ID, configured exact name, then "<prefix> <group>" and
// "Group <group>" name candidates.
func (e *Engine) accountForGroup(ctx context.Context, group string) (ledger.Account, error) {
	accounts, err := e.remote.Accounts(ctx)
	if err != nil {
		return ledger.Account{}, err
	}

	if configured, ok := e.cfg.AccountForGroup[group]; ok {
		for _, a := range accounts {
			if a.ID == configured || strings.EqualFold(a.Name, configured) {
				return a, nil
			}
		}
		return ledger.Account{}, fmt.Errorf(
			"group %s maps to %q which matches no account (have: %s): %w",
			group, configured, accountNames(accounts), ledger.ErrAccountNotFound)
	}

	candidates := []string{
		strings.TrimSpace(e.cfg.AccountNamePrefix + " " + group),
		"Group " + group,
	}
	for _, want := range candidates {
		for _, a := range accounts {
			if strings.EqualFold(strings.TrimSpace(a.Name), want) {
				return a, nil
			}
		}
	}
	return ledger.Account{}, fmt.Errorf(
		"no account found for group %s (tried %q; have: %s): %w",
		group, candidates, accountNames(accounts), ledger.ErrAccountNotFound)
}

func accountNames(accounts []ledger.Account) string {
	names := make([]string, 0, len(accounts))
	for _, a := range accounts {
		names = append(names, a.Name)
	}
	return strings.Join(names, ", ")
}

// =============================================================================
// BALANCES
// =============================================================================

// ApplyLoanSnapshots writes each group's outstanding balance to its account,
// at most once per group per calendar day.
func (e *Engine) ApplyLoanSnapshots(ctx context.Context, snaps []portal.LoanSnapshot) (Result, error) {
	var res Result
	day := e.today()

	for _, snap := range snaps {
		log := e.log.WithField("group", snap.Group)

		gated, err := e.store.BalanceUpdatedOn(ctx, snap.Group, day)
		if err != nil {
			return res, err
		}
		if gated {
			log.Debug("balance already written today; skipping")
			res.BalancesGated++
			continue
		}

		account, err := e.accountForGroup(ctx, snap.Group)
		if err != nil {
			return res, err
		}

		target := coerceBalanceSign(account.DisplayBalanceCents, snap.OutstandingBalanceCents)
		log = log.WithFields(logrus.Fields{
			"account": account.Name,
			"balance": money.CentsToString(target),
		})

		if e.cfg.DryRun {
			log.Info("dry run: would write balance")
			res.BalancesWritten++
			continue
		}

		if err := e.remote.SetAccountBalance(ctx, account.ID, target); err != nil {
			return res, fmt.Errorf("write balance for group %s: %w", snap.Group, err)
		}
		if err := e.store.RecordBalanceUpdate(ctx, snap.Group, day, target); err != nil {
			return res, err
		}
		log.Info("balance written")
		res.BalancesWritten++
	}
	return res, nil
}

// coerceBalanceSign matches the target to the account's existing sign
// convention: a liability shown negative stays negative.
func coerceBalanceSign(existingCents, targetCents int64) int64 {
	if existingCents < 0 && targetCents > 0 {
		return -targetCents
	}
	return targetCents
}

// =============================================================================
// PAYMENTS
// =============================================================================

// ApplyPaymentAllocations creates one ledger transaction per unseen
// allocation, deduplicating locally first and remotely second.
func (e *Engine) ApplyPaymentAllocations(ctx context.Context, allocs []portal.PaymentAllocation) (Result, error) {
	var res Result

	for _, alloc := range allocs {
		log := e.log.WithFields(logrus.Fields{
			"group": alloc.Group,
			"date":  alloc.PaymentDate.Format("2006-01-02"),
			"key":   alloc.Key(),
		})

		done, err := e.store.IsAllocationProcessed(ctx, alloc.Key())
		if err != nil {
			return res, err
		}
		if done {
			log.Debug("allocation already processed; skipping")
			res.PaymentsSkipped++
			continue
		}

		account, err := e.accountForGroup(ctx, alloc.Group)
		if err != nil {
			return res, err
		}

		amount := coercePaymentSign(account.DisplayBalanceCents, alloc.TotalAppliedCents)
		probe := ledger.DuplicateQuery{
			Date:        alloc.PaymentDate,
			AmountCents: amount,
			Merchant:    e.cfg.Merchant,
			WindowDays:  e.cfg.DuplicateWindowDays,
		}
		if e.cfg.UseReferenceInDuplicateGuard {
			probe.Reference = alloc.PaymentReference
		}

		if e.cfg.DryRun && !e.cfg.RemoteCheck {
			log.Info("dry run: would create payment transaction")
			res.PaymentsCreated++
			continue
		}

		dup, err := e.remote.FindDuplicate(ctx, account.ID, probe)
		if err != nil {
			return res, fmt.Errorf("duplicate probe for group %s: %w", alloc.Group, err)
		}
		if dup != nil {
			log.WithField("remote_id", dup.ID).Info("matching transaction already in ledger")
			res.PaymentsDeduped++
			if !e.cfg.DryRun {
				if err := e.store.MarkAllocationProcessed(ctx, alloc, dup.ID); err != nil {
					return res, err
				}
			}
			continue
		}

		if e.cfg.DryRun {
			log.Info("dry run: no remote duplicate; would create payment transaction")
			res.PaymentsCreated++
			continue
		}

		created, err := e.createWithRecheck(ctx, account, alloc, amount, probe)
		if err != nil {
			return res, err
		}
		if err := e.store.MarkAllocationProcessed(ctx, alloc, created.ID); err != nil {
			return res, err
		}
		log.WithField("remote_id", created.ID).Info("payment transaction created")
		res.PaymentsCreated++
	}
	return res, nil
}

// createWithRecheck creates the transaction; on failure it invalidates the
// transaction cache and re-probes before propagating, because the server may
// have committed the create even though the call failed.
func (e *Engine) createWithRecheck(ctx context.Context, account ledger.Account, alloc portal.PaymentAllocation, amount int64, probe ledger.DuplicateQuery) (*ledger.Transaction, error) {
	draft := ledger.TransactionDraft{
		AccountID:   account.ID,
		Date:        alloc.PaymentDate,
		AmountCents: amount,
		Merchant:    e.cfg.Merchant,
		Notes:       composeMemo(alloc),
		CategoryID:  e.cfg.CategoryID,
	}

	created, createErr := e.remote.CreateTransaction(ctx, draft)
	if createErr == nil {
		return created, nil
	}

	e.remote.InvalidateTransactions(account.ID)
	dup, probeErr := e.remote.FindDuplicate(ctx, account.ID, probe)
	if probeErr == nil && dup != nil {
		e.log.WithField("remote_id", dup.ID).
			Warn("create reported failure but the transaction exists; treating as success")
		return dup, nil
	}
	return nil, fmt.Errorf("create transaction for group %s: %w", alloc.Group, createErr)
}

// coercePaymentSign keeps payment amounts in the account's convention: when
// the account balance is positive, payments post positive.
func coercePaymentSign(existingBalanceCents, amountCents int64) int64 {
	if existingBalanceCents > 0 && amountCents < 0 {
		return -amountCents
	}
	return amountCents
}

// composeMemo renders a human-readable breakdown for the transaction notes.
func composeMemo(a portal.PaymentAllocation) string {
	memo := fmt.Sprintf("Group %s: principal %s, interest %s (payment total %s)",
		a.Group,
		money.CentsToString(a.PrincipalAppliedCents),
		money.CentsToString(a.InterestAppliedCents),
		money.CentsToString(a.PaymentTotalCents),
	)
	if a.PaymentReference != "" {
		memo += " ref " + a.PaymentReference
	}
	return memo
}

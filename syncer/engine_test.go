package syncer_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-sync/ledger"
	"github.com/warp/loan-sync/portal"
	"github.com/warp/loan-sync/state"
	"github.com/warp/loan-sync/syncer"
)

// =============================================================================
// FAKE LEDGER
// =============================================================================

// fakeLedger emulates the remote, including the page-cache staleness that the
// post-create re-check exists for: FindDuplicate reads the visible set, which
// only picks up committed writes after InvalidateTransactions.
type fakeLedger struct {
	accounts []ledger.Account

	committed map[string][]ledger.Transaction
	visible   map[string][]ledger.Transaction

	createErr        error
	commitDespiteErr bool

	balanceWrites []int64
	drafts        []ledger.TransactionDraft
	nextID        int
}

func newFakeLedger(accounts ...ledger.Account) *fakeLedger {
	return &fakeLedger{
		accounts:  accounts,
		committed: map[string][]ledger.Transaction{},
		visible:   map[string][]ledger.Transaction{},
	}
}

func (f *fakeLedger) Accounts(context.Context) ([]ledger.Account, error) {
	return f.accounts, nil
}

func (f *fakeLedger) SetAccountBalance(_ context.Context, accountID string, cents int64) error {
	f.balanceWrites = append(f.balanceWrites, cents)
	for i := range f.accounts {
		if f.accounts[i].ID == accountID {
			f.accounts[i].DisplayBalanceCents = cents
		}
	}
	return nil
}

func (f *fakeLedger) FindDuplicate(_ context.Context, accountID string, q ledger.DuplicateQuery) (*ledger.Transaction, error) {
	for _, t := range f.visible[accountID] {
		if t.AmountCents != q.AmountCents {
			continue
		}
		if q.Merchant != "" && !strings.EqualFold(t.Merchant, q.Merchant) {
			continue
		}
		if q.Reference != "" && !strings.Contains(t.Notes, q.Reference) {
			continue
		}
		out := t
		return &out, nil
	}
	return nil, nil
}

func (f *fakeLedger) CreateTransaction(_ context.Context, draft ledger.TransactionDraft) (*ledger.Transaction, error) {
	f.drafts = append(f.drafts, draft)
	if f.createErr != nil && !f.commitDespiteErr {
		return nil, f.createErr
	}

	f.nextID++
	txn := ledger.Transaction{
		ID:          "txn-" + strings.Repeat("x", f.nextID),
		Date:        draft.Date,
		AmountCents: draft.AmountCents,
		Merchant:    draft.Merchant,
		Notes:       draft.Notes,
	}
	f.committed[draft.AccountID] = append(f.committed[draft.AccountID], txn)
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.visible[draft.AccountID] = append(f.visible[draft.AccountID], txn)
	return &txn, nil
}

func (f *fakeLedger) InvalidateTransactions(accountID string) {
	f.visible[accountID] = append([]ledger.Transaction(nil), f.committed[accountID]...)
}

// =============================================================================
// HELPERS
// =============================================================================

func aug14() time.Time { return time.Date(2025, 8, 14, 0, 0, 0, 0, time.UTC) }

func testEngine(t *testing.T, cfg syncer.Config, remote ledger.Client) (*syncer.Engine, *state.Store) {
	t.Helper()
	store, err := state.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	if cfg.Today.IsZero() {
		cfg.Today = aug14()
	}
	return syncer.New(cfg, store, remote, nil), store
}

func snapshotAA(outstandingCents int64) portal.LoanSnapshot {
	return portal.LoanSnapshot{Group: "AA", OutstandingBalanceCents: outstandingCents}
}

func allocationAA() portal.PaymentAllocation {
	return portal.PaymentAllocation{
		PaymentDate:           time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
		Group:                 "AA",
		TotalAppliedCents:     3120,
		PrincipalAppliedCents: 2022,
		InterestAppliedCents:  1098,
		PaymentTotalCents:     4819,
		PaymentReference:      "1A2B3C",
	}
}

// =============================================================================
// BALANCE TESTS
// =============================================================================

func TestApplyLoanSnapshots_SignCoercion(t *testing.T) {
	// GIVEN: The ledger shows the liability as -500.00 and the portal scraped
	//        an outstanding balance of 750.25
	// WHEN: Writing the balance
	// THEN: -750.25 is written, matching the account's sign convention

	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Group AA", DisplayBalanceCents: -50000})
	engine, _ := testEngine(t, syncer.Config{}, remote)

	res, err := engine.ApplyLoanSnapshots(context.Background(), []portal.LoanSnapshot{snapshotAA(75025)})
	require.NoError(t, err)

	assert.Equal(t, 1, res.BalancesWritten)
	require.Len(t, remote.balanceWrites, 1)
	assert.Equal(t, int64(-75025), remote.balanceWrites[0])
}

func TestApplyLoanSnapshots_PositiveConventionUntouched(t *testing.T) {
	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Group AA", DisplayBalanceCents: 1})
	engine, _ := testEngine(t, syncer.Config{}, remote)

	_, err := engine.ApplyLoanSnapshots(context.Background(), []portal.LoanSnapshot{snapshotAA(75025)})
	require.NoError(t, err)
	assert.Equal(t, int64(75025), remote.balanceWrites[0])
}

func TestApplyLoanSnapshots_OncePerDayGate(t *testing.T) {
	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Group AA"})
	engine, _ := testEngine(t, syncer.Config{}, remote)
	ctx := context.Background()

	res, err := engine.ApplyLoanSnapshots(ctx, []portal.LoanSnapshot{snapshotAA(75025)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.BalancesWritten)

	// Same day, even with a different scraped value: gated.
	res, err = engine.ApplyLoanSnapshots(ctx, []portal.LoanSnapshot{snapshotAA(75100)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.BalancesWritten)
	assert.Equal(t, 1, res.BalancesGated)
	assert.Len(t, remote.balanceWrites, 1)
}

func TestApplyLoanSnapshots_DryRunWritesNothing(t *testing.T) {
	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Group AA"})
	engine, store := testEngine(t, syncer.Config{DryRun: true}, remote)
	ctx := context.Background()

	res, err := engine.ApplyLoanSnapshots(ctx, []portal.LoanSnapshot{snapshotAA(75025)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.BalancesWritten)
	assert.Empty(t, remote.balanceWrites)

	// Dry runs must not consume the daily gate either.
	gated, err := store.BalanceUpdatedOn(ctx, "AA", aug14())
	require.NoError(t, err)
	assert.False(t, gated)
}

// =============================================================================
// ACCOUNT MAPPING TESTS
// =============================================================================

func TestAccountMapping_ExplicitBeatsNameMatch(t *testing.T) {
	remote := newFakeLedger(
		ledger.Account{ID: "acct-1", Name: "Group AA"},
		ledger.Account{ID: "acct-2", Name: "Actual AA account"},
	)
	engine, _ := testEngine(t, syncer.Config{
		AccountForGroup: map[string]string{"AA": "acct-2"},
	}, remote)

	_, err := engine.ApplyLoanSnapshots(context.Background(), []portal.LoanSnapshot{snapshotAA(100)})
	require.NoError(t, err)
	assert.Equal(t, int64(100), remote.accounts[1].DisplayBalanceCents)
}

func TestAccountMapping_PrefixFallback(t *testing.T) {
	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Student Loan AA"})
	engine, _ := testEngine(t, syncer.Config{AccountNamePrefix: "Student Loan"}, remote)

	_, err := engine.ApplyLoanSnapshots(context.Background(), []portal.LoanSnapshot{snapshotAA(100)})
	require.NoError(t, err)
	assert.Len(t, remote.balanceWrites, 1)
}

func TestAccountMapping_MissEnumeratesAccounts(t *testing.T) {
	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Checking"})
	engine, _ := testEngine(t, syncer.Config{}, remote)

	_, err := engine.ApplyLoanSnapshots(context.Background(), []portal.LoanSnapshot{snapshotAA(100)})
	require.ErrorIs(t, err, ledger.ErrAccountNotFound)
	assert.Contains(t, err.Error(), "Checking")
}

// =============================================================================
// PAYMENT TESTS
// =============================================================================

func TestApplyPaymentAllocations_CreateThenSkipOnRerun(t *testing.T) {
	// GIVEN: One unseen allocation
	// WHEN: Syncing twice
	// THEN: Exactly one remote create; the rerun skips on the local key

	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Group AA", DisplayBalanceCents: -50000})
	engine, _ := testEngine(t, syncer.Config{}, remote)
	ctx := context.Background()
	allocs := []portal.PaymentAllocation{allocationAA()}

	res, err := engine.ApplyPaymentAllocations(ctx, allocs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.PaymentsCreated)
	require.Len(t, remote.drafts, 1)
	assert.Equal(t, int64(3120), remote.drafts[0].AmountCents)
	assert.Contains(t, remote.drafts[0].Notes, "principal $20.22")
	assert.Contains(t, remote.drafts[0].Notes, "ref 1A2B3C")

	res, err = engine.ApplyPaymentAllocations(ctx, allocs)
	require.NoError(t, err)
	assert.Equal(t, 0, res.PaymentsCreated)
	assert.Equal(t, 1, res.PaymentsSkipped)
	assert.Len(t, remote.drafts, 1)
}

func TestApplyPaymentAllocations_RemoteDuplicateAdopted(t *testing.T) {
	// A matching transaction already in the ledger (manual entry, earlier run
	// on another machine) is adopted instead of duplicated.
	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Group AA"})
	existing := ledger.Transaction{ID: "txn-manual", AmountCents: 3120, Merchant: "Loan Servicer"}
	remote.committed["acct-1"] = []ledger.Transaction{existing}
	remote.visible["acct-1"] = []ledger.Transaction{existing}

	engine, store := testEngine(t, syncer.Config{}, remote)
	ctx := context.Background()
	alloc := allocationAA()

	res, err := engine.ApplyPaymentAllocations(ctx, []portal.PaymentAllocation{alloc})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PaymentsDeduped)
	assert.Empty(t, remote.drafts)

	records, err := store.ProcessedAllocations(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "txn-manual", records[0].RemoteTransactionID)
}

func TestApplyPaymentAllocations_FailedCreateRecheck(t *testing.T) {
	// GIVEN: A create call that errors after the server committed
	// WHEN: Syncing
	// THEN: The cache-invalidated re-probe finds the committed transaction and
	//       the allocation is marked processed, not duplicated

	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Group AA"})
	remote.createErr = errors.New("gateway timeout")
	remote.commitDespiteErr = true

	engine, store := testEngine(t, syncer.Config{}, remote)
	ctx := context.Background()

	res, err := engine.ApplyPaymentAllocations(ctx, []portal.PaymentAllocation{allocationAA()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PaymentsCreated)

	done, err := store.IsAllocationProcessed(ctx, allocationAA().Key())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestApplyPaymentAllocations_FailedCreateWithNoCommitPropagates(t *testing.T) {
	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Group AA"})
	remote.createErr = errors.New("boom")

	engine, store := testEngine(t, syncer.Config{}, remote)
	ctx := context.Background()

	_, err := engine.ApplyPaymentAllocations(ctx, []portal.PaymentAllocation{allocationAA()})
	require.ErrorContains(t, err, "boom")

	done, serr := store.IsAllocationProcessed(ctx, allocationAA().Key())
	require.NoError(t, serr)
	assert.False(t, done, "failed allocation must stay eligible for the next run")
}

func TestApplyPaymentAllocations_NegativeAmountCoercedForPositiveAccount(t *testing.T) {
	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Group AA", DisplayBalanceCents: 100})
	engine, _ := testEngine(t, syncer.Config{}, remote)

	alloc := allocationAA()
	alloc.TotalAppliedCents = -3120

	_, err := engine.ApplyPaymentAllocations(context.Background(), []portal.PaymentAllocation{alloc})
	require.NoError(t, err)
	require.Len(t, remote.drafts, 1)
	assert.Equal(t, int64(3120), remote.drafts[0].AmountCents)
}

func TestApplyPaymentAllocations_DryRunModes(t *testing.T) {
	remote := newFakeLedger(ledger.Account{ID: "acct-1", Name: "Group AA"})
	existing := ledger.Transaction{ID: "txn-1", AmountCents: 3120, Merchant: "Loan Servicer"}
	remote.committed["acct-1"] = []ledger.Transaction{existing}
	remote.visible["acct-1"] = []ledger.Transaction{existing}
	ctx := context.Background()

	// Plain dry run: no remote traffic at all, everything reported as a create.
	engine, store := testEngine(t, syncer.Config{DryRun: true}, remote)
	res, err := engine.ApplyPaymentAllocations(ctx, []portal.PaymentAllocation{allocationAA()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PaymentsCreated)
	assert.Empty(t, remote.drafts)

	records, err := store.ProcessedAllocations(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, records, "dry run must not mark anything processed")

	// Dry run with remote check: the probe runs and reports the dedup.
	engine2, _ := testEngine(t, syncer.Config{DryRun: true, RemoteCheck: true}, remote)
	res, err = engine2.ApplyPaymentAllocations(ctx, []portal.PaymentAllocation{allocationAA()})
	require.NoError(t, err)
	assert.Equal(t, 1, res.PaymentsDeduped)
	assert.Equal(t, 0, res.PaymentsCreated)
	assert.Empty(t, remote.drafts)
}

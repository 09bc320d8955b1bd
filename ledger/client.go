/*
Package ledger defines the remote personal-finance ledger contract.

The sync engine is written against this interface; the concrete GraphQL
implementation lives in ledger/monarch and tests use in-memory fakes. Amounts
cross this boundary as integer cents with the ledger's sign convention: a
liability account's display balance is negative, a payment into it is
positive.
*/
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotAuthenticated means the stored ledger session is missing or was
	// rejected. Fatal; re-auth is a manual step.
	ErrNotAuthenticated = errors.New("ledger session missing or rejected")

	// ErrAccountNotFound means no remote account matched the mapping.
	ErrAccountNotFound = errors.New("ledger account not found")
)

// Account is a remote ledger account.
type Account struct {
	ID                  string
	Name                string
	DisplayBalanceCents int64
}

// Category is a remote transaction category. Listed for configuration; the
// sync path only carries a configured category ID.
type Category struct {
	ID   string
	Name string
}

// Transaction is a remote ledger transaction.
type Transaction struct {
	ID          string
	Date        time.Time
	AmountCents int64
	Merchant    string
	Notes       string
}

// TransactionDraft is the input to CreateTransaction.
type TransactionDraft struct {
	AccountID   string
	Date        time.Time
	AmountCents int64
	Merchant    string
	Notes       string
	CategoryID  string
}

// DuplicateQuery describes one duplicate-guard probe.
type DuplicateQuery struct {
	Date        time.Time
	AmountCents int64
	Merchant    string

	// WindowDays widens the date match to +/- N days. 0 means exact date.
	WindowDays int

	// Reference, when non-empty, additionally requires the candidate's notes
	// to contain it. Opt-in; servicer references are not always echoed back.
	Reference string
}

// Client is the remote ledger surface the sync engine needs.
type Client interface {
	// Accounts returns all accounts, cached per run.
	Accounts(ctx context.Context) ([]Account, error)

	// SetAccountBalance overwrites an account's display balance.
	SetAccountBalance(ctx context.Context, accountID string, balanceCents int64) error

	// FindDuplicate returns a transaction matching q on accountID, or nil.
	FindDuplicate(ctx context.Context, accountID string, q DuplicateQuery) (*Transaction, error)

	// CreateTransaction creates a transaction and returns it with its remote ID.
	CreateTransaction(ctx context.Context, draft TransactionDraft) (*Transaction, error)

	// InvalidateTransactions drops any cached transaction pages for the
	// account. Must be called before re-probing after a failed create.
	InvalidateTransactions(accountID string)
}

package monarch_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loan-sync/ledger"
	"github.com/warp/loan-sync/ledger/monarch"
)

// =============================================================================
// FAKE GRAPHQL SERVER
// =============================================================================

type fakeAPI struct {
	mu            sync.Mutex
	accountsCalls int
	categoryCalls int
	txnCalls      int
	createCalls   int
	transactions  []map[string]any
	failWith      int // when non-zero, every request returns this status
	transientFail int // fail this many requests with 502 before serving
}

func (f *fakeAPI) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		if f.failWith != 0 {
			http.Error(w, "nope", f.failWith)
			return
		}
		if f.transientFail > 0 {
			f.transientFail--
			http.Error(w, "bad gateway", http.StatusBadGateway)
			return
		}

		var body struct {
			Query     string         `json:"query"`
			Variables map[string]any `json:"variables"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		switch {
		case strings.Contains(body.Query, "GetAccounts"):
			f.accountsCalls++
			writeData(w, map[string]any{"accounts": []map[string]any{
				{"id": "acct-1", "displayName": "Loan Group AA", "displayBalance": -4805.44},
				{"id": "acct-2", "displayName": "Loan Group AB", "displayBalance": -2410.77},
			}})
		case strings.Contains(body.Query, "GetCategories"):
			f.categoryCalls++
			writeData(w, map[string]any{"categories": []map[string]any{
				{"id": "cat-1", "name": "Loan Payment"},
				{"id": "cat-2", "name": "Interest"},
			}})
		case strings.Contains(body.Query, "GetTransactions"):
			f.txnCalls++
			writeData(w, map[string]any{"allTransactions": map[string]any{
				"totalCount": len(f.transactions),
				"results":    f.transactions,
			}})
		case strings.Contains(body.Query, "CreateTransaction"):
			f.createCalls++
			f.transactions = append(f.transactions, map[string]any{
				"id": "txn-new", "date": "2025-07-15", "amount": 31.20,
				"notes": "", "merchant": map[string]any{"name": "Loan Servicer"},
			})
			writeData(w, map[string]any{"createTransaction": map[string]any{
				"transaction": map[string]any{"id": "txn-new"},
				"errors":      []any{},
			}})
		default:
			http.Error(w, "unknown query", http.StatusBadRequest)
		}
	}
}

func writeData(w http.ResponseWriter, data map[string]any) {
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func newClient(t *testing.T, api *fakeAPI) *monarch.Client {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)

	sessionPath := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(sessionPath, []byte(`{"token":"tok-123"}`), 0o600))

	c, err := monarch.New(monarch.Config{SessionPath: sessionPath, Endpoint: srv.URL})
	require.NoError(t, err)
	return c
}

// =============================================================================
// TESTS
// =============================================================================

func TestNew_MissingSessionIsNotAuthenticated(t *testing.T) {
	_, err := monarch.New(monarch.Config{SessionPath: filepath.Join(t.TempDir(), "nope.json")})
	require.ErrorIs(t, err, ledger.ErrNotAuthenticated)
}

func TestNew_TokenlessSessionIsNotAuthenticated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"user":"x"}`), 0o600))

	_, err := monarch.New(monarch.Config{SessionPath: path})
	require.ErrorIs(t, err, ledger.ErrNotAuthenticated)
}

func TestAccounts_CachedAfterFirstFetch(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api)
	ctx := context.Background()

	first, err := c.Accounts(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, int64(-480544), first[0].DisplayBalanceCents)

	_, err = c.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, api.accountsCalls, "second call must hit the cache")
}

func TestCategories_CachedAfterFirstFetch(t *testing.T) {
	api := &fakeAPI{}
	c := newClient(t, api)
	ctx := context.Background()

	first, err := c.Categories(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "Loan Payment", first[0].Name)

	_, err = c.Categories(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, api.categoryCalls, "second call must hit the cache")
}

func TestFindDuplicate_MatchesAmountAndMerchant(t *testing.T) {
	api := &fakeAPI{transactions: []map[string]any{
		{"id": "txn-1", "date": "2025-07-15", "amount": 31.20, "notes": "ref 1A2B3C",
			"merchant": map[string]any{"name": "Loan Servicer"}},
		{"id": "txn-2", "date": "2025-07-15", "amount": 99.99, "notes": "",
			"merchant": map[string]any{"name": "Loan Servicer"}},
	}}
	c := newClient(t, api)
	ctx := context.Background()
	q := ledger.DuplicateQuery{
		Date:        time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
		AmountCents: 3120,
		Merchant:    "loan servicer",
	}

	dup, err := c.FindDuplicate(ctx, "acct-1", q)
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, "txn-1", dup.ID)

	// Different amount: no match.
	q.AmountCents = 1
	dup, err = c.FindDuplicate(ctx, "acct-1", q)
	require.NoError(t, err)
	assert.Nil(t, dup)
}

func TestFindDuplicate_ReferenceOptIn(t *testing.T) {
	api := &fakeAPI{transactions: []map[string]any{
		{"id": "txn-1", "date": "2025-07-15", "amount": 31.20, "notes": "ref OTHER",
			"merchant": map[string]any{"name": "Loan Servicer"}},
	}}
	c := newClient(t, api)
	q := ledger.DuplicateQuery{
		Date:        time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
		AmountCents: 3120,
		Reference:   "1A2B3C",
	}

	dup, err := c.FindDuplicate(context.Background(), "acct-1", q)
	require.NoError(t, err)
	assert.Nil(t, dup, "reference mismatch must disqualify the candidate")
}

func TestCreateTransaction_InvalidatesPageCache(t *testing.T) {
	// GIVEN: A cached (empty) transaction page
	// WHEN: Creating a transaction and probing again
	// THEN: The probe refetches and sees the new transaction

	api := &fakeAPI{}
	c := newClient(t, api)
	ctx := context.Background()
	q := ledger.DuplicateQuery{
		Date:        time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
		AmountCents: 3120,
	}

	dup, err := c.FindDuplicate(ctx, "acct-1", q)
	require.NoError(t, err)
	require.Nil(t, dup)
	assert.Equal(t, 1, api.txnCalls)

	created, err := c.CreateTransaction(ctx, ledger.TransactionDraft{
		AccountID: "acct-1", Date: q.Date, AmountCents: 3120, Merchant: "Loan Servicer",
	})
	require.NoError(t, err)
	assert.Equal(t, "txn-new", created.ID)

	dup, err = c.FindDuplicate(ctx, "acct-1", q)
	require.NoError(t, err)
	require.NotNil(t, dup, "post-create probe must not read the stale cached page")
	assert.Equal(t, 2, api.txnCalls)
}

func TestAccounts_RetriesTransientFailure(t *testing.T) {
	api := &fakeAPI{transientFail: 1}
	c := newClient(t, api)

	accounts, err := c.Accounts(context.Background())
	require.NoError(t, err, "a single 502 on a read must be retried away")
	assert.Len(t, accounts, 2)
}

func TestCreateTransaction_AmbiguousFailureIsNeverResent(t *testing.T) {
	// GIVEN: A server that drops the first create attempt after possibly
	//        committing it
	// WHEN: Creating a transaction
	// THEN: The call fails without a second attempt; a blind resend could
	//       commit a duplicate the guard already probed past

	api := &fakeAPI{transientFail: 1}
	c := newClient(t, api)

	_, err := c.CreateTransaction(context.Background(), ledger.TransactionDraft{
		AccountID:   "acct-1",
		Date:        time.Date(2025, 7, 15, 0, 0, 0, 0, time.UTC),
		AmountCents: 3120,
		Merchant:    "Loan Servicer",
	})
	require.Error(t, err)
	assert.Equal(t, 0, api.createCalls, "the mutation must not be resent")
}

func TestRun_UnauthorizedIsFatalWithoutRetry(t *testing.T) {
	api := &fakeAPI{failWith: http.StatusUnauthorized}
	c := newClient(t, api)

	_, err := c.Accounts(context.Background())
	require.ErrorIs(t, err, ledger.ErrNotAuthenticated)
}

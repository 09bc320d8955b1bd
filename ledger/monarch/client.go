/*
Package monarch is the GraphQL-backed ledger.Client implementation.

AUTHENTICATION:
  The API token comes from a session file written by a separate interactive
  login (the token outlives any one run). A missing or rejected token is
  ledger.ErrNotAuthenticated and fatal: this tool never performs the ledger
  login itself.

CACHING:
  Accounts are fetched once per client. Transaction pages are cached per
  (account, window, page) key; the cache for an account is dropped after every
  create, and callers drop it explicitly before re-probing after a failed
  create. Without that, the duplicate guard can read a stale page and miss a
  transaction the failed call actually created.

RETRIES:
  Reads and the idempotent balance update get three attempts with doubling
  delay. The create mutation executes exactly once: a timeout after the server
  committed would otherwise be resent as a second transaction that the
  duplicate guard, having probed before the create, never sees. Recovery from
  an ambiguous create failure belongs to the caller's re-check. 4xx responses
  are permanent everywhere.
*/
package monarch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/machinebox/graphql"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/warp/loan-sync/ledger"
)

const defaultEndpoint = "https://api.monarchmoney.com/graphql"

const (
	duplicatePageSize = 200
	duplicateMaxPages = 5
)

// Config wires a Client.
type Config struct {
	// SessionPath is the JSON session file holding the API token.
	SessionPath string

	// Endpoint overrides the GraphQL endpoint; tests point it at a local
	// server.
	Endpoint string

	Log *logrus.Entry
}

// Client implements ledger.Client against the Monarch GraphQL API.
type Client struct {
	gql   *graphql.Client
	token string
	log   *logrus.Entry

	status *statusRecorder

	mu           sync.Mutex
	accounts     []ledger.Account
	haveAccounts bool
	categories   []ledger.Category
	txnPages     map[string][]ledger.Transaction
}

// New loads the session file and builds a client. Returns
// ledger.ErrNotAuthenticated when no usable token exists.
func New(cfg Config) (*Client, error) {
	token, err := loadSessionToken(cfg.SessionPath)
	if err != nil {
		return nil, err
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	log := cfg.Log
	if log == nil {
		log = logrus.WithField("component", "monarch")
	}

	recorder := &statusRecorder{next: http.DefaultTransport}
	httpClient := &http.Client{Transport: recorder, Timeout: 30 * time.Second}

	return &Client{
		gql:      graphql.NewClient(endpoint, graphql.WithHTTPClient(httpClient)),
		token:    token,
		log:      log,
		status:   recorder,
		txnPages: map[string][]ledger.Transaction{},
	}, nil
}

func loadSessionToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read session file %s: %v", ledger.ErrNotAuthenticated, path, err)
	}
	var session struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &session); err != nil || session.Token == "" {
		return "", fmt.Errorf("%w: session file %s has no token", ledger.ErrNotAuthenticated, path)
	}
	return session.Token, nil
}

// statusRecorder remembers the last HTTP status so errors can be classified
// as retryable or permanent.
type statusRecorder struct {
	next http.RoundTripper

	mu   sync.Mutex
	last int
}

func (r *statusRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.next.RoundTrip(req)
	r.mu.Lock()
	if err != nil {
		r.last = 0
	} else {
		r.last = resp.StatusCode
	}
	r.mu.Unlock()
	return resp, err
}

func (r *statusRecorder) lastStatus() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// =============================================================================
// REQUEST PLUMBING
// =============================================================================

func (c *Client) newRequest(query string) *graphql.Request {
	req := graphql.NewRequest(query)
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Client-Platform", "web")
	return req
}

// run executes a request with up to three attempts. Client errors never
// retry; 401/403 also map to ErrNotAuthenticated.
func (c *Client) run(ctx context.Context, req *graphql.Request, resp any) error {
	op := func() error {
		err := c.gql.Run(ctx, req, resp)
		if err == nil {
			return nil
		}
		switch status := c.status.lastStatus(); {
		case status == http.StatusUnauthorized || status == http.StatusForbidden:
			return backoff.Permanent(fmt.Errorf("%w: %v", ledger.ErrNotAuthenticated, err))
		case status >= 400 && status < 500:
			return backoff.Permanent(err)
		}
		c.log.WithError(err).Warn("ledger request failed; will retry")
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = 0

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
}

// runOnce executes a request with no retry. Non-idempotent mutations use it:
// after an ambiguous failure there is no safe way to tell "never arrived"
// from "committed, response lost".
func (c *Client) runOnce(ctx context.Context, req *graphql.Request, resp any) error {
	err := c.gql.Run(ctx, req, resp)
	if err == nil {
		return nil
	}
	if status := c.status.lastStatus(); status == http.StatusUnauthorized || status == http.StatusForbidden {
		return fmt.Errorf("%w: %v", ledger.ErrNotAuthenticated, err)
	}
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

const accountsQuery = `
query GetAccounts {
  accounts {
    id
    displayName
    displayBalance
  }
}`

func (c *Client) Accounts(ctx context.Context) ([]ledger.Account, error) {
	c.mu.Lock()
	if c.haveAccounts {
		cached := append([]ledger.Account(nil), c.accounts...)
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var resp struct {
		Accounts []struct {
			ID             string  `json:"id"`
			DisplayName    string  `json:"displayName"`
			DisplayBalance float64 `json:"displayBalance"`
		} `json:"accounts"`
	}
	if err := c.run(ctx, c.newRequest(accountsQuery), &resp); err != nil {
		return nil, fmt.Errorf("fetch ledger accounts: %w", err)
	}

	accounts := make([]ledger.Account, 0, len(resp.Accounts))
	for _, a := range resp.Accounts {
		accounts = append(accounts, ledger.Account{
			ID:                  a.ID,
			Name:                a.DisplayName,
			DisplayBalanceCents: centsFromDollars(a.DisplayBalance),
		})
	}

	c.mu.Lock()
	c.accounts = accounts
	c.haveAccounts = true
	c.mu.Unlock()
	return append([]ledger.Account(nil), accounts...), nil
}

const categoriesQuery = `
query GetCategories {
  categories {
    id
    name
  }
}`

// Categories lists the ledger's transaction categories, fetched once per
// client. Backs the list-categories command; the sync path only ever passes a
// configured category ID through.
func (c *Client) Categories(ctx context.Context) ([]ledger.Category, error) {
	c.mu.Lock()
	if c.categories != nil {
		cached := append([]ledger.Category(nil), c.categories...)
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	var resp struct {
		Categories []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
		} `json:"categories"`
	}
	if err := c.run(ctx, c.newRequest(categoriesQuery), &resp); err != nil {
		return nil, fmt.Errorf("fetch ledger categories: %w", err)
	}

	categories := make([]ledger.Category, 0, len(resp.Categories))
	for _, cat := range resp.Categories {
		categories = append(categories, ledger.Category{ID: cat.ID, Name: cat.Name})
	}

	c.mu.Lock()
	c.categories = categories
	c.mu.Unlock()
	return append([]ledger.Category(nil), categories...), nil
}

const updateBalanceMutation = `
mutation UpdateAccountBalance($id: UUID!, $balance: Float!) {
  updateAccount(input: {id: $id, displayBalance: $balance}) {
    account {
      id
      displayBalance
    }
  }
}`

func (c *Client) SetAccountBalance(ctx context.Context, accountID string, balanceCents int64) error {
	req := c.newRequest(updateBalanceMutation)
	req.Var("id", accountID)
	req.Var("balance", dollarsFromCents(balanceCents))

	var resp struct {
		UpdateAccount struct {
			Account struct {
				ID string `json:"id"`
			} `json:"account"`
		} `json:"updateAccount"`
	}
	if err := c.run(ctx, req, &resp); err != nil {
		return fmt.Errorf("update balance for account %s: %w", accountID, err)
	}

	// The cached account list now carries a stale balance.
	c.mu.Lock()
	for i := range c.accounts {
		if c.accounts[i].ID == accountID {
			c.accounts[i].DisplayBalanceCents = balanceCents
		}
	}
	c.mu.Unlock()
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

const transactionsQuery = `
query GetTransactions($accountIds: [String!], $startDate: String, $endDate: String, $limit: Int, $offset: Int) {
  allTransactions(filters: {accounts: $accountIds, startDate: $startDate, endDate: $endDate}, limit: $limit, offset: $offset) {
    totalCount
    results {
      id
      date
      amount
      notes
      merchant {
        name
      }
    }
  }
}`

func (c *Client) FindDuplicate(ctx context.Context, accountID string, q ledger.DuplicateQuery) (*ledger.Transaction, error) {
	start := q.Date.AddDate(0, 0, -q.WindowDays).Format("2006-01-02")
	end := q.Date.AddDate(0, 0, q.WindowDays).Format("2006-01-02")

	for page := 0; page < duplicateMaxPages; page++ {
		txns, err := c.transactionsPage(ctx, accountID, start, end, duplicatePageSize, page*duplicatePageSize)
		if err != nil {
			return nil, err
		}
		for i := range txns {
			if matchesDuplicate(txns[i], q) {
				return &txns[i], nil
			}
		}
		if len(txns) < duplicatePageSize {
			break
		}
	}
	return nil, nil
}

func matchesDuplicate(t ledger.Transaction, q ledger.DuplicateQuery) bool {
	if t.AmountCents != q.AmountCents {
		return false
	}
	if q.Merchant != "" && !strings.EqualFold(strings.TrimSpace(t.Merchant), strings.TrimSpace(q.Merchant)) {
		return false
	}
	if q.Reference != "" && !strings.Contains(t.Notes, q.Reference) {
		return false
	}
	return true
}

func (c *Client) transactionsPage(ctx context.Context, accountID, start, end string, limit, offset int) ([]ledger.Transaction, error) {
	key := fmt.Sprintf("%s|%s|%s|%d|%d", accountID, start, end, limit, offset)

	c.mu.Lock()
	if cached, ok := c.txnPages[key]; ok {
		c.mu.Unlock()
		return cached, nil
	}
	c.mu.Unlock()

	req := c.newRequest(transactionsQuery)
	req.Var("accountIds", []string{accountID})
	req.Var("startDate", start)
	req.Var("endDate", end)
	req.Var("limit", limit)
	req.Var("offset", offset)

	var resp struct {
		AllTransactions struct {
			TotalCount int `json:"totalCount"`
			Results    []struct {
				ID       string  `json:"id"`
				Date     string  `json:"date"`
				Amount   float64 `json:"amount"`
				Notes    string  `json:"notes"`
				Merchant struct {
					Name string `json:"name"`
				} `json:"merchant"`
			} `json:"results"`
		} `json:"allTransactions"`
	}
	if err := c.run(ctx, req, &resp); err != nil {
		return nil, fmt.Errorf("fetch transactions for account %s: %w", accountID, err)
	}

	txns := make([]ledger.Transaction, 0, len(resp.AllTransactions.Results))
	for _, r := range resp.AllTransactions.Results {
		date, _ := time.Parse("2006-01-02", r.Date)
		txns = append(txns, ledger.Transaction{
			ID:          r.ID,
			Date:        date,
			AmountCents: centsFromDollars(r.Amount),
			Merchant:    r.Merchant.Name,
			Notes:       r.Notes,
		})
	}

	c.mu.Lock()
	c.txnPages[key] = txns
	c.mu.Unlock()
	return txns, nil
}

const createTransactionMutation = `
mutation CreateTransaction($input: CreateTransactionMutationInput!) {
  createTransaction(input: $input) {
    transaction {
      id
    }
    errors {
      message
    }
  }
}`

func (c *Client) CreateTransaction(ctx context.Context, draft ledger.TransactionDraft) (*ledger.Transaction, error) {
	input := map[string]any{
		"accountId":    draft.AccountID,
		"date":         draft.Date.Format("2006-01-02"),
		"amount":       dollarsFromCents(draft.AmountCents),
		"merchantName": draft.Merchant,
		"notes":        draft.Notes,
	}
	if draft.CategoryID != "" {
		input["categoryId"] = draft.CategoryID
	}

	req := c.newRequest(createTransactionMutation)
	req.Var("input", input)

	var resp struct {
		CreateTransaction struct {
			Transaction struct {
				ID string `json:"id"`
			} `json:"transaction"`
			Errors []struct {
				Message string `json:"message"`
			} `json:"errors"`
		} `json:"createTransaction"`
	}
	err := c.runOnce(ctx, req, &resp)

	// Whatever happened, cached pages for this account may now be stale.
	c.InvalidateTransactions(draft.AccountID)

	if err != nil {
		return nil, fmt.Errorf("create transaction: %w", err)
	}
	if len(resp.CreateTransaction.Errors) > 0 {
		return nil, fmt.Errorf("create transaction rejected: %s", resp.CreateTransaction.Errors[0].Message)
	}

	return &ledger.Transaction{
		ID:          resp.CreateTransaction.Transaction.ID,
		Date:        draft.Date,
		AmountCents: draft.AmountCents,
		Merchant:    draft.Merchant,
		Notes:       draft.Notes,
	}, nil
}

func (c *Client) InvalidateTransactions(accountID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.txnPages {
		if strings.HasPrefix(key, accountID+"|") {
			delete(c.txnPages, key)
		}
	}
}

// =============================================================================
// AMOUNT CONVERSION
// =============================================================================

var hundred = decimal.NewFromInt(100)

func centsFromDollars(dollars float64) int64 {
	return decimal.NewFromFloat(dollars).Mul(hundred).Round(0).IntPart()
}

func dollarsFromCents(cents int64) float64 {
	f, _ := decimal.NewFromInt(cents).Div(hundred).Float64()
	return f
}

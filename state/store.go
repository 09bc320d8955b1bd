/*
Package state provides the SQLite-backed local sync state.

PURPOSE:
  Persists everything the sync engine needs to be idempotent across runs:
  which payment allocations have already been pushed to the remote ledger,
  which calendar day each group's balance was last written, and a record of
  every run.

KEY TABLES:
  processed_payment_allocations: one row per allocation key ever synced
  balance_updates:               one row per (group, calendar day) written
  runs:                          start/finish/status of every invocation

SELF-HEAL ON OPEN:
  The database lives on an end-user machine and gets killed mid-write. Open
  runs PRAGMA quick_check; a failing file is renamed to <path>.corrupt-<UTC
  stamp> (kept for post-mortem, never deleted), the .bak copy is restored when
  present and healthy, and otherwise a fresh database is created. Losing local
  state is safe: the remote duplicate guard still prevents double-writes, at
  the cost of slower runs.

BACKUP:
  RefreshBackup writes a consistent copy to <path>.bak via VACUUM INTO plus an
  atomic rename. Call it only after a fully successful run so the backup never
  captures a half-synced state.

MIGRATION:
  Baseline schema via CREATE TABLE IF NOT EXISTS, then additive ALTER TABLE
  ADD COLUMN guarded by PRAGMA table_info. Columns are never dropped or
  retyped.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety; a single process owns the file.

USAGE:
  store, err := state.Open("./data/loansync.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  Use ":memory:" for tests; healing and backups are skipped for it.
*/
package state

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/warp/loan-sync/portal"
)

// Store is the SQLite-backed sync state.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
	log  *logrus.Entry
}

// Open opens (and if necessary heals) the database at path and migrates the
// schema. Use ":memory:" for an in-memory database.
func Open(path string) (*Store, error) {
	log := logrus.WithField("component", "state")

	db, err := openHealthy(path, log)
	if err != nil {
		return nil, err
	}

	store := &Store{db: db, path: path, log: log}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate state database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// OPEN / SELF-HEAL
// =============================================================================

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	return db, nil
}

// openHealthy returns a connection to a database that passes quick_check,
// healing the file when it does not.
func openHealthy(path string, log *logrus.Entry) (*sql.DB, error) {
	if path == ":memory:" {
		return openSQLite(path)
	}

	db, err := openSQLite(path)
	if err == nil {
		if checkErr := quickCheck(db); checkErr == nil {
			return db, nil
		} else {
			log.WithError(checkErr).Warn("state database failed integrity check")
			db.Close()
		}
	}

	if err := quarantine(path, log); err != nil {
		return nil, err
	}

	if restored := restoreBackup(path, log); restored {
		db, err = openSQLite(path)
		if err == nil {
			if checkErr := quickCheck(db); checkErr == nil {
				log.Info("state database restored from backup")
				return db, nil
			}
			db.Close()
		}
		// Restored copy is bad too; move it aside and start fresh.
		if err := quarantine(path, log); err != nil {
			return nil, err
		}
	}

	log.Warn("starting with a fresh state database; remote duplicate checks will carry dedup until it repopulates")
	return openSQLite(path)
}

func quickCheck(db *sql.DB) error {
	var result string
	if err := db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		return err
	}
	if !strings.EqualFold(result, "ok") {
		return fmt.Errorf("quick_check: %s", result)
	}
	return nil
}

// quarantine renames the database and its WAL sidecars out of the way,
// keeping them for post-mortem.
func quarantine(path string, log *logrus.Entry) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	stamp := time.Now().UTC().Format("20060102T150405Z")
	dest := fmt.Sprintf("%s.corrupt-%s", path, stamp)
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("quarantine state database: %w", err)
	}
	for _, sidecar := range []string{path + "-wal", path + "-shm"} {
		if _, err := os.Stat(sidecar); err == nil {
			_ = os.Rename(sidecar, dest+sidecarSuffix(sidecar, path))
		}
	}
	log.WithField("quarantined", dest).Warn("quarantined corrupt state database")
	return nil
}

func sidecarSuffix(sidecar, base string) string {
	return strings.TrimPrefix(sidecar, base)
}

func restoreBackup(path string, log *logrus.Entry) bool {
	bak := path + ".bak"
	data, err := os.ReadFile(bak)
	if err != nil {
		return false
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.WithError(err).Warn("could not restore state backup")
		return false
	}
	return true
}

// RefreshBackup writes a consistent snapshot to <path>.bak. Call only after a
// fully successful run. No-op for in-memory databases.
func (s *Store) RefreshBackup(ctx context.Context) error {
	if s.path == ":memory:" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp := s.path + ".bak.tmp"
	_ = os.Remove(tmp) // VACUUM INTO refuses to overwrite
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return fmt.Errorf("vacuum state database into backup: %w", err)
	}
	if err := os.Rename(tmp, s.path+".bak"); err != nil {
		return fmt.Errorf("swap state backup: %w", err)
	}
	return nil
}

// =============================================================================
// SCHEMA
// =============================================================================

func (s *Store) migrate() error {
	schema := `
	-- One row per payment allocation ever pushed to the remote ledger.
	-- Rows are only ever inserted; identical keys carry identical payloads.
	CREATE TABLE IF NOT EXISTS processed_payment_allocations (
		allocation_key TEXT PRIMARY KEY,
		payment_date TEXT NOT NULL,
		group_code TEXT NOT NULL,
		total_applied_cents INTEGER NOT NULL,
		principal_applied_cents INTEGER NOT NULL,
		interest_applied_cents INTEGER NOT NULL,
		payment_total_cents INTEGER NOT NULL,
		payment_reference TEXT,
		processed_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_processed_group_date
		ON processed_payment_allocations(group_code, payment_date);

	-- One row per (group, calendar day) a balance was written remotely.
	CREATE TABLE IF NOT EXISTS balance_updates (
		group_code TEXT NOT NULL,
		updated_on TEXT NOT NULL,
		balance_cents INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (group_code, updated_on)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		error TEXT,
		summary_json TEXT
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Additive migrations only. Existing databases predate these columns.
	additive := []struct {
		table, column, decl string
	}{
		{"processed_payment_allocations", "remote_transaction_id", "TEXT"},
		{"runs", "dry_run", "INTEGER NOT NULL DEFAULT 0"},
	}
	for _, m := range additive {
		if err := s.ensureColumn(m.table, m.column, m.decl); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ensureColumn(table, column, decl string) error {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl))
	return err
}

// =============================================================================
// PROCESSED ALLOCATIONS
// =============================================================================

// ProcessedAllocation is the stored record of one synced allocation.
type ProcessedAllocation struct {
	Key                 string
	Allocation          portal.PaymentAllocation
	RemoteTransactionID string
	ProcessedAt         time.Time
}

// IsAllocationProcessed reports whether key has already been synced.
func (s *Store) IsAllocationProcessed(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processed_payment_allocations WHERE allocation_key = ?",
		key,
	).Scan(&count)
	return count > 0, err
}

// MarkAllocationProcessed records a synced allocation. Re-marking an existing
// key is a no-op rewrite of the same payload, so INSERT OR REPLACE keeps a
// crashed-and-rerun sync from failing here.
func (s *Store) MarkAllocationProcessed(ctx context.Context, a portal.PaymentAllocation, remoteTxnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT OR REPLACE INTO processed_payment_allocations
		(allocation_key, payment_date, group_code, total_applied_cents,
		 principal_applied_cents, interest_applied_cents, payment_total_cents,
		 payment_reference, remote_transaction_id, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		a.Key(),
		a.PaymentDate.Format("2006-01-02"),
		a.Group,
		a.TotalAppliedCents,
		a.PrincipalAppliedCents,
		a.InterestAppliedCents,
		a.PaymentTotalCents,
		nullString(a.PaymentReference),
		nullString(remoteTxnID),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("mark allocation processed: %w", err)
	}
	return nil
}

// ProcessedAllocations returns stored allocation records, newest first,
// limited to limit rows (0 means all).
func (s *Store) ProcessedAllocations(ctx context.Context, limit int) ([]ProcessedAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT allocation_key, payment_date, group_code, total_applied_cents,
		       principal_applied_cents, interest_applied_cents, payment_total_cents,
		       payment_reference, remote_transaction_id, processed_at
		FROM processed_payment_allocations
		ORDER BY processed_at DESC, allocation_key
	`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query processed allocations: %w", err)
	}
	defer rows.Close()

	var out []ProcessedAllocation
	for rows.Next() {
		var (
			rec               ProcessedAllocation
			paymentDate       string
			reference, txnID  sql.NullString
			processedAt       string
		)
		if err := rows.Scan(
			&rec.Key, &paymentDate, &rec.Allocation.Group,
			&rec.Allocation.TotalAppliedCents, &rec.Allocation.PrincipalAppliedCents,
			&rec.Allocation.InterestAppliedCents, &rec.Allocation.PaymentTotalCents,
			&reference, &txnID, &processedAt,
		); err != nil {
			return nil, fmt.Errorf("scan processed allocation: %w", err)
		}
		rec.Allocation.PaymentDate, _ = time.Parse("2006-01-02", paymentDate)
		rec.Allocation.PaymentReference = reference.String
		rec.RemoteTransactionID = txnID.String
		rec.ProcessedAt, _ = time.Parse(time.RFC3339, processedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// BALANCE UPDATE GATE
// =============================================================================

// BalanceUpdatedOn reports whether a balance for group was already written on
// the calendar day of day.
func (s *Store) BalanceUpdatedOn(ctx context.Context, group string, day time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM balance_updates WHERE group_code = ? AND updated_on = ?",
		group, day.Format("2006-01-02"),
	).Scan(&count)
	return count > 0, err
}

// RecordBalanceUpdate records that group's balance was written on day.
func (s *Store) RecordBalanceUpdate(ctx context.Context, group string, day time.Time, balanceCents int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO balance_updates (group_code, updated_on, balance_cents, created_at)
		VALUES (?, ?, ?, ?)`,
		group, day.Format("2006-01-02"), balanceCents,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record balance update: %w", err)
	}
	return nil
}

// =============================================================================
// RUN RECORDS
// =============================================================================

// BeginRun opens a run record and returns its id.
func (s *Store) BeginRun(ctx context.Context, dryRun bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (started_at, status, dry_run) VALUES (?, 'running', ?)",
		time.Now().UTC().Format(time.RFC3339), boolToInt(dryRun),
	)
	if err != nil {
		return 0, fmt.Errorf("begin run record: %w", err)
	}
	return res.LastInsertId()
}

// FinishRun closes a run record. status is "succeeded", "failed", or
// "interrupted"; errMsg and summaryJSON may be empty.
func (s *Store) FinishRun(ctx context.Context, id int64, status, errMsg, summaryJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET finished_at = ?, status = ?, error = ?, summary_json = ?
		WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339), status,
		nullString(errMsg), nullString(summaryJSON), id,
	)
	if err != nil {
		return fmt.Errorf("finish run record: %w", err)
	}
	return nil
}

// LastRun returns the most recent run record, or nil when none exist.
func (s *Store) LastRun(ctx context.Context) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		r                  RunRecord
		startedAt          string
		finishedAt, errMsg sql.NullString
		summary            sql.NullString
		dryRun             int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, status, error, summary_json, dry_run
		FROM runs ORDER BY id DESC LIMIT 1`,
	).Scan(&r.ID, &startedAt, &finishedAt, &r.Status, &errMsg, &summary, &dryRun)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	r.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	if finishedAt.Valid {
		t, _ := time.Parse(time.RFC3339, finishedAt.String)
		r.FinishedAt = &t
	}
	r.Error = errMsg.String
	r.SummaryJSON = summary.String
	r.DryRun = dryRun != 0
	return &r, nil
}

// RunRecord is one stored run.
type RunRecord struct {
	ID          int64
	StartedAt   time.Time
	FinishedAt  *time.Time
	Status      string
	Error       string
	SummaryJSON string
	DryRun      bool
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

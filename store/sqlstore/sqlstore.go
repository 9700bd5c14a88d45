/*
Package sqlstore provides a database/sql implementation of circulation.TxStore.

PURPOSE:
  Persists items, patrons, loans, requests and policy documents in SQLite
  (development, single node) or PostgreSQL (production). The same queries
  serve both; placeholders are rebound per dialect.

KEY TABLES:
  items, users:  Circulation records keyed by id
  loans:         One row per loan; at most one open loan per item
  requests:      One row per request; open ones form the item's queue
  documents:     Loan policies, request policies and fixed due date
                 schedules as JSON, keyed by (kind, id)

INDEXES:
  - idx_loans_open_item:     Unique partial index, one open loan per item
  - idx_requests_item_status: Queue loading (hot path of every request)

CONCURRENCY:
  WithTx serializes transactions through sync.Mutex. SQLite allows a single
  writer anyway; PostgreSQL relies on row locking within the transaction.

TIMESTAMPS:
  Stored as RFC 3339 text with nanoseconds in UTC. Due dates carry
  sub-second precision (end of day is 23:59:59.999).

USAGE:
  store, err := sqlstore.Open(sqlstore.DialectSQLite, "./data/circulation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on Open(). New() takes an existing *sql.DB and
  does not migrate; call Migrate explicitly.
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/circulation-engine/circulation"
)

// Dialect names a supported database/sql driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// ParseDialect accepts the driver names used in configuration.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql":
		return DialectPostgres, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", s)
}

// Store implements circulation.TxStore on database/sql.
type Store struct {
	queries
	db *sql.DB
	mu sync.Mutex
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open connects and migrates. For SQLite, dsn is a file path or ":memory:".
func Open(dialect Dialect, dsn string) (*Store, error) {
	driverDSN := dsn
	if dialect == DialectSQLite {
		driverDSN = dsn + "?_foreign_keys=on&_journal_mode=WAL"
	}

	db, err := sql.Open(string(dialect), driverDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		// Every pooled connection to ":memory:" would be a separate database.
		db.SetMaxOpenConns(1)
	}

	store := New(db, dialect)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// New wraps an open database without migrating it.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{queries: queries{q: db, dialect: dialect}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			barcode TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			material_type_id TEXT NOT NULL DEFAULT '',
			loan_type_id TEXT NOT NULL DEFAULT '',
			location_id TEXT NOT NULL DEFAULT '',
			holdings_record_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			barcode TEXT NOT NULL DEFAULT '',
			patron_group_id TEXT NOT NULL DEFAULT '',
			first_name TEXT NOT NULL DEFAULT '',
			last_name TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1
		)`,
		`CREATE TABLE IF NOT EXISTS loans (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			proxy_user_id TEXT NOT NULL DEFAULT '',
			loan_date TEXT NOT NULL,
			due_date TEXT NOT NULL,
			return_date TEXT,
			renewal_count INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			action TEXT NOT NULL DEFAULT '',
			action_comment TEXT NOT NULL DEFAULT '',
			loan_policy_id TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_open_item
			ON loans(item_id) WHERE status = 'Open'`,
		`CREATE TABLE IF NOT EXISTS requests (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			proxy_user_id TEXT NOT NULL DEFAULT '',
			request_type TEXT NOT NULL,
			status TEXT NOT NULL,
			position INTEGER NOT NULL DEFAULT 0,
			request_date TEXT NOT NULL,
			fulfilment_preference TEXT NOT NULL DEFAULT '',
			cancelled_date TEXT,
			cancellation_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_requests_item_status
			ON requests(item_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_user
			ON loans(user_id)`,
		`CREATE TABLE IF NOT EXISTS documents (
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			body TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (kind, id)
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (circulation.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store circulation.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&queries{q: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// queries implements circulation.Store against a queryer.
type queries struct {
	q       queryer
	dialect Dialect
}

// rebind rewrites ? placeholders as $1, $2, ... for PostgreSQL.
func (qs *queries) rebind(query string) string {
	if qs.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (qs *queries) exec(ctx context.Context, query string, args ...any) error {
	_, err := qs.q.ExecContext(ctx, qs.rebind(query), args...)
	return err
}

func (qs *queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return qs.q.QueryRowContext(ctx, qs.rebind(query), args...)
}

// =============================================================================
// ITEMS AND USERS
// =============================================================================

func (qs *queries) GetItem(ctx context.Context, id string) (circulation.Item, error) {
	var item circulation.Item
	var status string
	err := qs.queryRow(ctx, `
		SELECT id, title, barcode, status, material_type_id, loan_type_id, location_id, holdings_record_id
		FROM items WHERE id = ?`, id,
	).Scan(&item.ID, &item.Title, &item.Barcode, &status, &item.MaterialTypeID,
		&item.LoanTypeID, &item.LocationID, &item.HoldingsRecordID)
	if err != nil {
		return circulation.Item{}, rowError("item", id, err)
	}
	item.Status = circulation.ItemStatus(status)
	return item, nil
}

func (qs *queries) SaveItem(ctx context.Context, item circulation.Item) error {
	err := qs.exec(ctx, `
		INSERT INTO items (id, title, barcode, status, material_type_id, loan_type_id, location_id, holdings_record_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			barcode = excluded.barcode,
			status = excluded.status,
			material_type_id = excluded.material_type_id,
			loan_type_id = excluded.loan_type_id,
			location_id = excluded.location_id,
			holdings_record_id = excluded.holdings_record_id`,
		item.ID, item.Title, item.Barcode, string(item.Status), item.MaterialTypeID,
		item.LoanTypeID, item.LocationID, item.HoldingsRecordID,
	)
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (qs *queries) GetUser(ctx context.Context, id string) (circulation.User, error) {
	var user circulation.User
	var active int
	err := qs.queryRow(ctx, `
		SELECT id, barcode, patron_group_id, first_name, last_name, active
		FROM users WHERE id = ?`, id,
	).Scan(&user.ID, &user.Barcode, &user.PatronGroupID, &user.FirstName, &user.LastName, &active)
	if err != nil {
		return circulation.User{}, rowError("user", id, err)
	}
	user.Active = active != 0
	return user, nil
}

func (qs *queries) SaveUser(ctx context.Context, user circulation.User) error {
	err := qs.exec(ctx, `
		INSERT INTO users (id, barcode, patron_group_id, first_name, last_name, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			barcode = excluded.barcode,
			patron_group_id = excluded.patron_group_id,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			active = excluded.active`,
		user.ID, user.Barcode, user.PatronGroupID, user.FirstName, user.LastName, boolToInt(user.Active),
	)
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// =============================================================================
// LOANS
// =============================================================================

const loanColumns = `id, item_id, user_id, proxy_user_id, loan_date, due_date, return_date,
	renewal_count, status, action, action_comment, loan_policy_id`

func (qs *queries) GetLoan(ctx context.Context, id string) (circulation.Loan, error) {
	loan, err := scanLoan(qs.queryRow(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id))
	if err != nil {
		return circulation.Loan{}, rowError("loan", id, err)
	}
	return loan, nil
}

func (qs *queries) OpenLoanForItem(ctx context.Context, itemID string) (circulation.Loan, error) {
	loan, err := scanLoan(qs.queryRow(ctx,
		`SELECT `+loanColumns+` FROM loans WHERE item_id = ? AND status = ?`,
		itemID, string(circulation.LoanOpen)))
	if err != nil {
		return circulation.Loan{}, rowError("open loan for item", itemID, err)
	}
	return loan, nil
}

func (qs *queries) SaveLoan(ctx context.Context, loan circulation.Loan) error {
	var returnDate sql.NullString
	if loan.ReturnDate != nil {
		returnDate = sql.NullString{String: formatTime(*loan.ReturnDate), Valid: true}
	}

	err := qs.exec(ctx, `
		INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			due_date = excluded.due_date,
			return_date = excluded.return_date,
			renewal_count = excluded.renewal_count,
			status = excluded.status,
			action = excluded.action,
			action_comment = excluded.action_comment,
			loan_policy_id = excluded.loan_policy_id`,
		loan.ID, loan.ItemID, loan.UserID, loan.ProxyUserID,
		formatTime(loan.LoanDate), formatTime(loan.DueDate), returnDate,
		loan.RenewalCount, string(loan.Status), loan.Action, loan.ActionComment, loan.LoanPolicyID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("item %q already has an open loan: %w", loan.ItemID, circulation.ErrConflict)
		}
		return fmt.Errorf("failed to save loan: %w", err)
	}
	return nil
}

// ListLoans orders by parsed loan date; stored timestamps do not sort as
// text.
func (qs *queries) ListLoans(ctx context.Context, filter circulation.LoanFilter) ([]circulation.Loan, error) {
	var conds []string
	var args []any
	if filter.ItemID != "" {
		conds = append(conds, "item_id = ?")
		args = append(args, filter.ItemID)
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.OpenOnly {
		conds = append(conds, "status = ?")
		args = append(args, string(circulation.LoanOpen))
	}

	rows, err := qs.q.QueryContext(ctx, qs.rebind(`SELECT `+loanColumns+` FROM loans`+where(conds)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list loans: %w", err)
	}
	defer rows.Close()

	result := []circulation.Loan{}
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, loan)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].LoanDate.Equal(result[j].LoanDate) {
			return result[i].LoanDate.Before(result[j].LoanDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func scanLoan(row scanner) (circulation.Loan, error) {
	var loan circulation.Loan
	var loanDate, dueDate, status string
	var returnDate sql.NullString
	err := row.Scan(&loan.ID, &loan.ItemID, &loan.UserID, &loan.ProxyUserID, &loanDate, &dueDate,
		&returnDate, &loan.RenewalCount, &status, &loan.Action, &loan.ActionComment, &loan.LoanPolicyID)
	if err != nil {
		return circulation.Loan{}, err
	}

	loan.Status = circulation.LoanStatus(status)
	if loan.LoanDate, err = parseTime(loanDate); err != nil {
		return circulation.Loan{}, err
	}
	if loan.DueDate, err = parseTime(dueDate); err != nil {
		return circulation.Loan{}, err
	}
	if returnDate.Valid {
		t, err := parseTime(returnDate.String)
		if err != nil {
			return circulation.Loan{}, err
		}
		loan.ReturnDate = &t
	}
	return loan, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

const requestColumns = `id, item_id, requester_id, proxy_user_id, request_type, status,
	position, request_date, fulfilment_preference, cancelled_date, cancellation_reason`

func (qs *queries) GetRequest(ctx context.Context, id string) (circulation.Request, error) {
	r, err := scanRequest(qs.queryRow(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id))
	if err != nil {
		return circulation.Request{}, rowError("request", id, err)
	}
	return r, nil
}

func (qs *queries) OpenRequestsForItem(ctx context.Context, itemID string) ([]circulation.Request, error) {
	rows, err := qs.q.QueryContext(ctx, qs.rebind(`
		SELECT `+requestColumns+` FROM requests
		WHERE item_id = ? AND status IN (?, ?, ?)
		ORDER BY position`),
		itemID,
		string(circulation.RequestOpenNotYetFilled),
		string(circulation.RequestOpenAwaitingPickup),
		string(circulation.RequestOpenInTransit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load request queue: %w", err)
	}
	defer rows.Close()

	var result []circulation.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (qs *queries) ListRequests(ctx context.Context, filter circulation.RequestFilter) ([]circulation.Request, error) {
	var conds []string
	var args []any
	if filter.ItemID != "" {
		conds = append(conds, "item_id = ?")
		args = append(args, filter.ItemID)
	}
	if filter.RequesterID != "" {
		conds = append(conds, "requester_id = ?")
		args = append(args, filter.RequesterID)
	}
	if filter.OpenOnly {
		conds = append(conds, "status IN (?, ?, ?)")
		args = append(args,
			string(circulation.RequestOpenNotYetFilled),
			string(circulation.RequestOpenAwaitingPickup),
			string(circulation.RequestOpenInTransit))
	}

	rows, err := qs.q.QueryContext(ctx, qs.rebind(`SELECT `+requestColumns+` FROM requests`+where(conds)), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	result := []circulation.Request{}
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].RequestDate.Equal(result[j].RequestDate) {
			return result[i].RequestDate.Before(result[j].RequestDate)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func (qs *queries) SaveRequest(ctx context.Context, r circulation.Request) error {
	var cancelledDate sql.NullString
	if r.CancelledDate != nil {
		cancelledDate = sql.NullString{String: formatTime(*r.CancelledDate), Valid: true}
	}

	err := qs.exec(ctx, `
		INSERT INTO requests (`+requestColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			position = excluded.position,
			fulfilment_preference = excluded.fulfilment_preference,
			cancelled_date = excluded.cancelled_date,
			cancellation_reason = excluded.cancellation_reason`,
		r.ID, r.ItemID, r.RequesterID, r.ProxyUserID, string(r.Type), string(r.Status),
		r.Position, formatTime(r.RequestDate), r.FulfilmentPreference,
		cancelledDate, r.CancellationReason,
	)
	if err != nil {
		return fmt.Errorf("failed to save request: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (circulation.Request, error) {
	var r circulation.Request
	var requestType, status, requestDate string
	var cancelledDate sql.NullString
	err := row.Scan(&r.ID, &r.ItemID, &r.RequesterID, &r.ProxyUserID, &requestType, &status,
		&r.Position, &requestDate, &r.FulfilmentPreference, &cancelledDate, &r.CancellationReason)
	if err != nil {
		return circulation.Request{}, err
	}
	r.Type = circulation.RequestType(requestType)
	r.Status = circulation.RequestStatus(status)
	if r.RequestDate, err = parseTime(requestDate); err != nil {
		return circulation.Request{}, err
	}
	if cancelledDate.Valid {
		t, err := parseTime(cancelledDate.String)
		if err != nil {
			return circulation.Request{}, err
		}
		r.CancelledDate = &t
	}
	return r, nil
}

// =============================================================================
// DOCUMENTS
// =============================================================================

func (qs *queries) SaveDocument(ctx context.Context, kind circulation.DocumentKind, id string, body []byte) error {
	err := qs.exec(ctx, `
		INSERT INTO documents (kind, id, body, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(kind, id) DO UPDATE SET
			body = excluded.body,
			updated_at = excluded.updated_at`,
		string(kind), id, string(body), formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save %s: %w", kind, err)
	}
	return nil
}

func (qs *queries) GetDocument(ctx context.Context, kind circulation.DocumentKind, id string) ([]byte, error) {
	var body string
	err := qs.queryRow(ctx, `SELECT body FROM documents WHERE kind = ? AND id = ?`, string(kind), id).Scan(&body)
	if err != nil {
		return nil, rowError(string(kind), id, err)
	}
	return []byte(body), nil
}

func (qs *queries) ListDocuments(ctx context.Context, kind circulation.DocumentKind) (map[string][]byte, error) {
	rows, err := qs.q.QueryContext(ctx, qs.rebind(`SELECT id, body FROM documents WHERE kind = ? ORDER BY id`), string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s documents: %w", kind, err)
	}
	defer rows.Close()

	result := make(map[string][]byte)
	for rows.Next() {
		var id, body string
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		result[id] = []byte(body)
	}
	return result, rows.Err()
}

// Helper functions

func where(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func rowError(kind, id string, err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %q: %w", kind, id, circulation.ErrNotFound)
	}
	return fmt.Errorf("failed to load %s %q: %w", kind, id, err)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

var (
	_ circulation.TxStore = (*Store)(nil)
	_ circulation.Store   = (*queries)(nil)
)

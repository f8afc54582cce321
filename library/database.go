package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Database is the SQLite-backed LedgerStore.
type Database struct {
	sqlLedger
	db *sql.DB

	addMemberStmt *sql.Stmt
}

// NewDatabase opens (or creates) the SQLite database at dbPath, applies schema
// migrations, and prepares common statements.
func NewDatabase(dbPath string) (*Database, error) {
	// Ensure directory exists so first-run succeeds.
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	// Immediate transactions take the write lock up front, so two arbitration
	// transactions never interleave their reads and writes.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_foreign_keys=1&_txlock=immediate", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := applyMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	database := &Database{sqlLedger: sqlLedger{q: db}, db: db}
	if err := database.prepareStatements(); err != nil {
		db.Close()
		return nil, err
	}
	return database, nil
}

// Close releases prepared statements and closes the DB.
func (d *Database) Close() error {
	if d.addMemberStmt != nil {
		d.addMemberStmt.Close()
	}
	return d.db.Close()
}

// RunTransaction runs fn inside one SQLite transaction. The transaction is
// rolled back when fn fails or ctx is canceled.
func (d *Database) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Ledger) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", translateErr(err))
	}
	defer tx.Rollback()

	if err := fn(ctx, sqlLedger{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", translateErr(err))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Schema migration
// ---------------------------------------------------------------------------

const schemaVersion = 1

func applyMigrations(db *sql.DB) error {
	// WAL improves write concurrency.
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("enable WAL: %w", err)
	}

	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);`); err != nil {
		return err
	}

	var current int
	_ = db.QueryRow(`SELECT value FROM meta WHERE key='schema_version';`).Scan(&current)
	if current >= schemaVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS members (
            id TEXT PRIMARY KEY,
            name TEXT NOT NULL,
            email TEXT NOT NULL,
            password_hash TEXT NOT NULL DEFAULT ''
        );`,
		`CREATE TABLE IF NOT EXISTS books (
            id TEXT PRIMARY KEY,
            title TEXT NOT NULL,
            author TEXT NOT NULL,
            current_holder TEXT REFERENCES members(id)
        );`,
		// Possession sets. A book appears in at most one.
		`CREATE TABLE IF NOT EXISTS holdings (
            book_id TEXT PRIMARY KEY REFERENCES books(id),
            member_id TEXT NOT NULL REFERENCES members(id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_holdings_member ON holdings(member_id);`,
		// Archive of every request ever made.
		`CREATE TABLE IF NOT EXISTS requests (
            id TEXT PRIMARY KEY,
            book_id TEXT NOT NULL REFERENCES books(id),
            kind TEXT NOT NULL,
            requester_id TEXT NOT NULL REFERENCES members(id),
            target_id TEXT NOT NULL REFERENCES members(id),
            created_at DATETIME NOT NULL,
            state TEXT NOT NULL DEFAULT 'pending',
            resolved_at DATETIME
        );`,
		// Mirrors of pending requests.
		`CREATE TABLE IF NOT EXISTS incoming (
            target_id TEXT NOT NULL,
            book_id TEXT NOT NULL,
            requester_id TEXT NOT NULL,
            request_id TEXT NOT NULL UNIQUE REFERENCES requests(id),
            PRIMARY KEY (target_id, book_id, requester_id)
        );`,
		`CREATE TABLE IF NOT EXISTS outgoing (
            requester_id TEXT NOT NULL,
            book_id TEXT NOT NULL,
            target_id TEXT NOT NULL,
            request_id TEXT NOT NULL UNIQUE REFERENCES requests(id),
            PRIMARY KEY (requester_id, book_id, target_id)
        );`,
	}

	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	if _, err := tx.Exec(`INSERT INTO meta(key,value) VALUES('schema_version',?)
        ON CONFLICT(key) DO UPDATE SET value=excluded.value;`, schemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}

	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Prepared statements
// ---------------------------------------------------------------------------

func (d *Database) prepareStatements() error {
	var err error
	if d.addMemberStmt, err = d.db.Prepare(`INSERT INTO members(id,name,email,password_hash) VALUES(?,?,?,?)`); err != nil {
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// Registry helpers
// ---------------------------------------------------------------------------

// AddMember registers a member. Member ids are unique.
func (d *Database) AddMember(ctx context.Context, m *Member) error {
	if _, err := d.addMemberStmt.ExecContext(ctx, m.ID, m.Name, m.Email, m.PasswordHash); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: member %q already exists", ErrInvalidInput, m.ID)
		}
		return translateErr(err)
	}
	return nil
}

// SetPasswordHash replaces a member's stored password hash.
func (d *Database) SetPasswordHash(ctx context.Context, memberID, hash string) error {
	res, err := d.db.ExecContext(ctx, `UPDATE members SET password_hash=? WHERE id=?`, hash, memberID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: member %q", ErrNotFound, memberID)
	}
	return nil
}

// ListMembers returns all members.
func (d *Database) ListMembers(ctx context.Context) ([]*Member, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id,name,email,password_hash FROM members ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var members []*Member
	for rows.Next() {
		var m Member
		if err := rows.Scan(&m.ID, &m.Name, &m.Email, &m.PasswordHash); err != nil {
			return nil, err
		}
		members = append(members, &m)
	}
	return members, rows.Err()
}

// ListBooks returns every book ordered by id.
func (d *Database) ListBooks(ctx context.Context) ([]*Book, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT id,title,author,COALESCE(current_holder,'') FROM books ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanBooks(rows)
}

// ---------------------------------------------------------------------------
// Ledger operations, shared by *sql.DB and *sql.Tx
// ---------------------------------------------------------------------------

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlLedger struct {
	q queryer
}

func (l sqlLedger) GetBook(ctx context.Context, id string) (*Book, error) {
	var b Book
	err := l.q.QueryRowContext(ctx, `SELECT id,title,author,COALESCE(current_holder,'') FROM books WHERE id=?`, id).
		Scan(&b.ID, &b.Title, &b.Author, &b.CurrentHolder)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: book %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return &b, nil
}

// PutBook updates title and author of an existing book. A new book is
// created with its initial holder, who also receives it in their possession set.
func (l sqlLedger) PutBook(ctx context.Context, b *Book) error {
	res, err := l.q.ExecContext(ctx, `UPDATE books SET title=?, author=? WHERE id=?`, b.Title, b.Author, b.ID)
	if err != nil {
		return translateErr(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := l.q.ExecContext(ctx, `INSERT INTO books(id,title,author,current_holder) VALUES(?,?,?,NULLIF(?,''))`,
		b.ID, b.Title, b.Author, b.CurrentHolder); err != nil {
		return translateErr(err)
	}
	if b.CurrentHolder != "" {
		if _, err := l.q.ExecContext(ctx, `INSERT INTO holdings(book_id,member_id) VALUES(?,?)`, b.ID, b.CurrentHolder); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

func (l sqlLedger) GetMember(ctx context.Context, id string) (*Member, error) {
	var m Member
	err := l.q.QueryRowContext(ctx, `SELECT id,name,email,password_hash FROM members WHERE id=?`, id).
		Scan(&m.ID, &m.Name, &m.Email, &m.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: member %q", ErrNotFound, id)
	}
	if err != nil {
		return nil, translateErr(err)
	}
	return &m, nil
}

const requestColumns = `r.id, r.book_id, r.kind, r.requester_id, r.target_id, r.created_at, r.state`

func (l sqlLedger) GetRequest(ctx context.Context, id string) (*Request, error) {
	rows, err := l.q.QueryContext(ctx, `SELECT `+requestColumns+` FROM requests r WHERE r.id=?`, id)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	reqs, err := scanRequests(rows)
	if err != nil {
		return nil, err
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("%w: request %q", ErrNotFound, id)
	}
	return reqs[0], nil
}

func (l sqlLedger) ListPendingIncoming(ctx context.Context, memberID, bookID string) ([]*Request, error) {
	rows, err := l.q.QueryContext(ctx, `
        SELECT `+requestColumns+`
        FROM incoming i
        JOIN requests r ON r.id = i.request_id
        WHERE i.target_id = ? AND (? = '' OR i.book_id = ?) AND r.state = 'pending'
        ORDER BY r.created_at, r.id`, memberID, bookID, bookID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

func (l sqlLedger) ListPendingOutgoing(ctx context.Context, memberID string) ([]*Request, error) {
	rows, err := l.q.QueryContext(ctx, `
        SELECT `+requestColumns+`
        FROM outgoing o
        JOIN requests r ON r.id = o.request_id
        WHERE o.requester_id = ? AND r.state = 'pending'
        ORDER BY r.created_at, r.id`, memberID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanRequests(rows)
}

// CreateRequestMirrors must run inside RunTransaction for both mirrors to
// appear atomically.
func (l sqlLedger) CreateRequestMirrors(ctx context.Context, r *Request) error {
	if _, err := l.q.ExecContext(ctx, `INSERT INTO requests(id,book_id,kind,requester_id,target_id,created_at,state) VALUES(?,?,?,?,?,?,?)`,
		r.ID, r.BookID, string(r.Kind), r.RequesterID, r.TargetID, r.CreatedAt.UTC(), string(r.State)); err != nil {
		return translateErr(err)
	}
	if _, err := l.q.ExecContext(ctx, `INSERT INTO incoming(target_id,book_id,requester_id,request_id) VALUES(?,?,?,?)`,
		r.TargetID, r.BookID, r.RequesterID, r.ID); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s already has a pending request for %s with %s", ErrInvalidInput, r.RequesterID, r.BookID, r.TargetID)
		}
		return translateErr(err)
	}
	if _, err := l.q.ExecContext(ctx, `INSERT INTO outgoing(requester_id,book_id,target_id,request_id) VALUES(?,?,?,?)`,
		r.RequesterID, r.BookID, r.TargetID, r.ID); err != nil {
		return translateErr(err)
	}
	return nil
}

func (l sqlLedger) DeleteRequestMirrors(ctx context.Context, requestID string) error {
	if _, err := l.q.ExecContext(ctx, `DELETE FROM incoming WHERE request_id=?`, requestID); err != nil {
		return translateErr(err)
	}
	if _, err := l.q.ExecContext(ctx, `DELETE FROM outgoing WHERE request_id=?`, requestID); err != nil {
		return translateErr(err)
	}
	return nil
}

func (l sqlLedger) ResolveRequest(ctx context.Context, requestID string, state RequestState) error {
	if !state.Terminal() {
		return fmt.Errorf("%w: cannot resolve to %q", ErrInvalidInput, state)
	}
	res, err := l.q.ExecContext(ctx, `UPDATE requests SET state=?, resolved_at=? WHERE id=? AND state='pending'`,
		string(state), time.Now().UTC(), requestID)
	if err != nil {
		return translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: request %s is not pending", ErrStoreConflict, requestID)
	}
	return nil
}

func (l sqlLedger) SwapHolder(ctx context.Context, bookID, expected, next string) error {
	res, err := l.q.ExecContext(ctx, `UPDATE books SET current_holder=NULLIF(?,'') WHERE id=? AND COALESCE(current_holder,'')=?`,
		next, bookID, expected)
	if err != nil {
		return translateErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := l.GetBook(ctx, bookID); err != nil {
			return err
		}
		return fmt.Errorf("%w: book %s is no longer held by %q", ErrStoreConflict, bookID, expected)
	}

	if _, err := l.q.ExecContext(ctx, `DELETE FROM holdings WHERE book_id=?`, bookID); err != nil {
		return translateErr(err)
	}
	if next != "" {
		if _, err := l.q.ExecContext(ctx, `INSERT INTO holdings(book_id,member_id) VALUES(?,?)`, bookID, next); err != nil {
			return translateErr(err)
		}
	}
	return nil
}

func (l sqlLedger) BooksHeldBy(ctx context.Context, memberID string) ([]*Book, error) {
	rows, err := l.q.QueryContext(ctx, `
        SELECT b.id, b.title, b.author, COALESCE(b.current_holder,'')
        FROM holdings h
        JOIN books b ON b.id = h.book_id
        WHERE h.member_id = ? AND b.current_holder = h.member_id
        ORDER BY b.id`, memberID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()
	return scanBooks(rows)
}

// ---------------------------------------------------------------------------
// Scanning and error translation
// ---------------------------------------------------------------------------

func scanBooks(rows *sql.Rows) ([]*Book, error) {
	var books []*Book
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.CurrentHolder); err != nil {
			return nil, err
		}
		books = append(books, &b)
	}
	return books, rows.Err()
}

func scanRequests(rows *sql.Rows) ([]*Request, error) {
	var reqs []*Request
	for rows.Next() {
		var (
			r           Request
			kind, state string
		)
		if err := rows.Scan(&r.ID, &r.BookID, &kind, &r.RequesterID, &r.TargetID, &r.CreatedAt, &state); err != nil {
			return nil, err
		}
		r.Kind = RequestKind(kind)
		r.State = RequestState(state)
		reqs = append(reqs, &r)
	}
	return reqs, rows.Err()
}

// translateErr maps lock contention onto ErrStoreConflict so the engine can
// retry the whole transaction.
func translateErr(err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %v", ErrStoreConflict, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

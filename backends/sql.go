package backends

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour spoken by a SQL backend.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// sqlQuery holds one statement in each supported dialect.
type sqlQuery struct {
	id       string
	sqlite   string
	postgres string
}

func (q sqlQuery) get(d Dialect) string {
	if d == DialectPostgres {
		return q.postgres
	}
	return q.sqlite
}

var (
	queryCreateEntries = sqlQuery{
		id: "create_entries",
		sqlite: `CREATE TABLE IF NOT EXISTS storetrace_entries (
			key TEXT PRIMARY KEY, kind TEXT NOT NULL, value BLOB, expires_at BIGINT)`,
		postgres: `CREATE TABLE IF NOT EXISTS storetrace_entries (
			key TEXT PRIMARY KEY, kind TEXT NOT NULL, value BYTEA, expires_at BIGINT)`,
	}
	queryCreateItems = sqlQuery{
		id: "create_items",
		sqlite: `CREATE TABLE IF NOT EXISTS storetrace_items (
			key TEXT NOT NULL, idx BIGINT NOT NULL, item BLOB, PRIMARY KEY (key, idx))`,
		postgres: `CREATE TABLE IF NOT EXISTS storetrace_items (
			key TEXT NOT NULL, idx BIGINT NOT NULL, item BYTEA, PRIMARY KEY (key, idx))`,
	}
	queryUpsertEntry = sqlQuery{
		id: "upsert_entry",
		sqlite: `INSERT INTO storetrace_entries (key, kind, value, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET kind = excluded.kind, value = excluded.value, expires_at = excluded.expires_at`,
		postgres: `INSERT INTO storetrace_entries (key, kind, value, expires_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (key) DO UPDATE SET kind = excluded.kind, value = excluded.value, expires_at = excluded.expires_at`,
	}
	queryEnsureEntry = sqlQuery{
		id:       "ensure_entry",
		sqlite:   `INSERT INTO storetrace_entries (key, kind, value, expires_at) VALUES (?, ?, ?, NULL) ON CONFLICT (key) DO NOTHING`,
		postgres: `INSERT INTO storetrace_entries (key, kind, value, expires_at) VALUES ($1, $2, $3, NULL) ON CONFLICT (key) DO NOTHING`,
	}
	querySelectEntry = sqlQuery{
		id:       "select_entry",
		sqlite:   `SELECT kind, value, expires_at FROM storetrace_entries WHERE key = ?`,
		postgres: `SELECT kind, value, expires_at FROM storetrace_entries WHERE key = $1`,
	}
	querySelectEntryForUpdate = sqlQuery{
		id:       "select_entry_for_update",
		sqlite:   `SELECT kind, value, expires_at FROM storetrace_entries WHERE key = ?`,
		postgres: `SELECT kind, value, expires_at FROM storetrace_entries WHERE key = $1 FOR UPDATE`,
	}
	queryDeleteItems = sqlQuery{
		id:       "delete_items",
		sqlite:   `DELETE FROM storetrace_items WHERE key = ?`,
		postgres: `DELETE FROM storetrace_items WHERE key = $1`,
	}
	queryNextIndex = sqlQuery{
		id:       "next_index",
		sqlite:   `SELECT COALESCE(MAX(idx) + 1, 0) FROM storetrace_items WHERE key = ?`,
		postgres: `SELECT COALESCE(MAX(idx) + 1, 0) FROM storetrace_items WHERE key = $1`,
	}
	queryInsertItem = sqlQuery{
		id:       "insert_item",
		sqlite:   `INSERT INTO storetrace_items (key, idx, item) VALUES (?, ?, ?)`,
		postgres: `INSERT INTO storetrace_items (key, idx, item) VALUES ($1, $2, $3)`,
	}
	querySelectItems = sqlQuery{
		id:       "select_items",
		sqlite:   `SELECT item FROM storetrace_items WHERE key = ? ORDER BY idx`,
		postgres: `SELECT item FROM storetrace_items WHERE key = $1 ORDER BY idx`,
	}
	queryClearItems = sqlQuery{
		id:       "clear_items",
		sqlite:   `DELETE FROM storetrace_items`,
		postgres: `DELETE FROM storetrace_items`,
	}
	queryClearEntries = sqlQuery{
		id:       "clear_entries",
		sqlite:   `DELETE FROM storetrace_entries`,
		postgres: `DELETE FROM storetrace_entries`,
	}
)

const (
	sqlKindScalar = "scalar"
	sqlKindList   = "list"
)

// sqlEntry is a row of storetrace_entries.
type sqlEntry struct {
	kind      string
	value     []byte
	expiresAt sql.NullInt64
}

// SQL is a Backend over a relational database. Scalars and list headers live in
// one table, list items in another. Read-modify-write operations run in a
// transaction; on Postgres the entry row is locked with FOR UPDATE, on SQLite
// the connection pool is limited to one connection.
type SQL struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// SQLOption configures a SQL backend.
type SQLOption func(*SQL)

// WithSQLClock overrides the time source used for expiry checks.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQL) {
		s.now = now
	}
}

// NewSQL wraps an open database. The schema must already exist; see Migrate.
func NewSQL(db *sql.DB, dialect Dialect, opts ...SQLOption) *SQL {
	s := &SQL{
		db:      db,
		dialect: dialect,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSQL opens a database with the dialect's driver and creates the schema.
func OpenSQL(ctx context.Context, dialect Dialect, dsn string, opts ...SQLOption) (*SQL, error) {
	driverName := string(dialect)
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite allows one writer; a single connection also keeps
		// in-memory databases shared across calls.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	s := NewSQL(db, dialect, opts...)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the backend's tables if they don't exist.
func (s *SQL) Migrate(ctx context.Context) error {
	for _, q := range []sqlQuery{queryCreateEntries, queryCreateItems} {
		if _, err := s.db.ExecContext(ctx, q.get(s.dialect)); err != nil {
			return fmt.Errorf("failed to run %s: %w", q.id, err)
		}
	}
	return nil
}

func (s *SQL) Set(ctx context.Context, key string, value []byte) error {
	return s.put(ctx, key, value, sql.NullInt64{})
}

func (s *SQL) SetWithExpiry(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.put(ctx, key, value, sql.NullInt64{Int64: s.now().Add(ttl).UnixNano(), Valid: true})
}

func (s *SQL) put(ctx context.Context, key string, value []byte, expiresAt sql.NullInt64) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.exec(ctx, tx, queryDeleteItems, key); err != nil {
			return err
		}
		return s.exec(ctx, tx, queryUpsertEntry, key, sqlKindScalar, cloneBytes(value), expiresAt)
	})
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	entry, err := s.selectEntry(ctx, s.db, querySelectEntry, key)
	if err != nil {
		return nil, false, err
	}
	if entry == nil {
		return nil, true, nil
	}
	if entry.kind != sqlKindScalar {
		return nil, false, ErrWrongType
	}
	return cloneBytes(entry.value), false, nil
}

func (s *SQL) Incr(ctx context.Context, key string) (int64, error) {
	var n int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.exec(ctx, tx, queryEnsureEntry, key, sqlKindScalar, []byte("0")); err != nil {
			return err
		}
		entry, err := s.selectEntry(ctx, tx, querySelectEntryForUpdate, key)
		if err != nil {
			return err
		}
		// entry is nil only when the ensured row had already expired.
		if entry == nil {
			if err := s.exec(ctx, tx, queryDeleteItems, key); err != nil {
				return err
			}
		} else {
			if entry.kind != sqlKindScalar {
				return ErrWrongType
			}
			if n, err = parseCounter(entry.value); err != nil {
				return err
			}
		}
		n++

		var expiresAt sql.NullInt64
		if entry != nil {
			expiresAt = entry.expiresAt
		}
		return s.exec(ctx, tx, queryUpsertEntry, key, sqlKindScalar, []byte(strconv.FormatInt(n, 10)), expiresAt)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *SQL) Append(ctx context.Context, key string, item []byte) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.exec(ctx, tx, queryEnsureEntry, key, sqlKindList, nil); err != nil {
			return err
		}
		entry, err := s.selectEntry(ctx, tx, querySelectEntryForUpdate, key)
		if err != nil {
			return err
		}
		if entry == nil {
			// Expired scalar: replace it with a fresh list.
			if err := s.exec(ctx, tx, queryUpsertEntry, key, sqlKindList, nil, sql.NullInt64{}); err != nil {
				return err
			}
			if err := s.exec(ctx, tx, queryDeleteItems, key); err != nil {
				return err
			}
		} else if entry.kind != sqlKindList {
			return ErrWrongType
		}

		var next int64
		if err := tx.QueryRowContext(ctx, queryNextIndex.get(s.dialect), key).Scan(&next); err != nil {
			return fmt.Errorf("failed to run %s: %w", queryNextIndex.id, err)
		}
		return s.exec(ctx, tx, queryInsertItem, key, next, cloneBytes(item))
	})
}

func (s *SQL) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	entry, err := s.selectEntry(ctx, s.db, querySelectEntry, key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return [][]byte{}, nil
	}
	if entry.kind != sqlKindList {
		return nil, ErrWrongType
	}

	rows, err := s.db.QueryContext(ctx, querySelectItems.get(s.dialect), key)
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", querySelectItems.id, err)
	}
	defer rows.Close()

	var items [][]byte
	for rows.Next() {
		var item []byte
		if err := rows.Scan(&item); err != nil {
			return nil, fmt.Errorf("failed to scan list item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read list items: %w", err)
	}
	return sliceRange(items, start, stop), nil
}

func (s *SQL) Clear(ctx context.Context) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.exec(ctx, tx, queryClearItems); err != nil {
			return err
		}
		return s.exec(ctx, tx, queryClearEntries)
	})
}

func (s *SQL) Close() error {
	return s.db.Close()
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// selectEntry loads the row for key. Missing and expired rows return nil.
func (s *SQL) selectEntry(ctx context.Context, q queryer, query sqlQuery, key string) (*sqlEntry, error) {
	var entry sqlEntry
	err := q.QueryRowContext(ctx, query.get(s.dialect), key).Scan(&entry.kind, &entry.value, &entry.expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to run %s: %w", query.id, err)
	}
	if entry.expiresAt.Valid && s.now().UnixNano() >= entry.expiresAt.Int64 {
		return nil, nil
	}
	return &entry, nil
}

func (s *SQL) exec(ctx context.Context, tx *sql.Tx, query sqlQuery, args ...any) error {
	if _, err := tx.ExecContext(ctx, query.get(s.dialect), args...); err != nil {
		return fmt.Errorf("failed to run %s: %w", query.id, err)
	}
	return nil
}

// inTx runs fn in a transaction, committing on success and rolling back otherwise.
func (s *SQL) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

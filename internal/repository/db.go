package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// errNoRows is the driver-neutral "no row" signal returned by queryRow scans
var errNoRows = errors.New("no rows in result set")

type dialect int

const (
	dialectPostgres dialect = iota
	dialectSQLite
)

type row interface {
	Scan(dest ...any) error
}

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// querier is the subset of a connection or transaction the stores use.
// Queries are written with "?" placeholders.
type querier interface {
	exec(ctx context.Context, query string, args ...any) (int64, error)
	queryRow(ctx context.Context, query string, args ...any) row
	query(ctx context.Context, query string, args ...any) (rows, error)
}

// database is a querier that can also open a transaction.
type database interface {
	querier
	inTx(ctx context.Context, fn func(q querier) error) error
	dialect() dialect
}

// -----------------------------------------------------------------------------
// PostgreSQL (pgx)
// -----------------------------------------------------------------------------

type pgQuerier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgConn struct {
	q pgQuerier
}

func (c pgConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	tag, err := c.q.Exec(ctx, rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (c pgConn) queryRow(ctx context.Context, query string, args ...any) row {
	return pgRow{c.q.QueryRow(ctx, rebind(query), args...)}
}

func (c pgConn) query(ctx context.Context, query string, args ...any) (rows, error) {
	return c.q.Query(ctx, rebind(query), args...)
}

type pgRow struct {
	r pgx.Row
}

func (r pgRow) Scan(dest ...any) error {
	err := r.r.Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return errNoRows
	}
	return err
}

type pgDatabase struct {
	pgConn
	pool *pgxpool.Pool
}

func newPGDatabase(pool *pgxpool.Pool) *pgDatabase {
	return &pgDatabase{pgConn: pgConn{q: pool}, pool: pool}
}

func (d *pgDatabase) inTx(ctx context.Context, fn func(q querier) error) error {
	return pgx.BeginFunc(ctx, d.pool, func(tx pgx.Tx) error {
		return fn(pgConn{q: tx})
	})
}

func (d *pgDatabase) dialect() dialect { return dialectPostgres }

// rebind rewrites "?" placeholders into PostgreSQL's "$n" form
func rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// -----------------------------------------------------------------------------
// SQLite (database/sql)
// -----------------------------------------------------------------------------

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlConn struct {
	q sqlQuerier
}

func (c sqlConn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c sqlConn) queryRow(ctx context.Context, query string, args ...any) row {
	return sqlRow{c.q.QueryRowContext(ctx, query, args...)}
}

func (c sqlConn) query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

type sqlRow struct {
	r *sql.Row
}

func (r sqlRow) Scan(dest ...any) error {
	err := r.r.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return errNoRows
	}
	return err
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

type sqliteDatabase struct {
	sqlConn
	db *sql.DB
}

func newSQLiteDatabase(sqlDB *sql.DB) *sqliteDatabase {
	return &sqliteDatabase{sqlConn: sqlConn{q: sqlDB}, db: sqlDB}
}

func (d *sqliteDatabase) inTx(ctx context.Context, fn func(q querier) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(sqlConn{q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (d *sqliteDatabase) dialect() dialect { return dialectSQLite }

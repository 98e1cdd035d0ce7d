package db

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Record is one row keyed by column name.
type Record map[string]interface{}

// String returns a text column, or "" when it is NULL or missing.
func (r Record) String(col string) string {
	switch v := r[col].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

// Int64 returns an integer column, or 0 when it is NULL or missing.
func (r Record) Int64(col string) int64 {
	switch v := r[col].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

// Query is a parameterized SQL statement.
type Query struct {
	SQL  string
	Args []interface{}
}

// Q builds a Query.
func Q(sql string, args ...interface{}) Query {
	return Query{SQL: sql, Args: args}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

type txKey struct{}

// Store exposes the storage primitives the sync engine composes:
// Transaction, InsertRecords, GetRecords and ExecQuery. Every primitive
// runs inside the transaction carried by ctx when there is one.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store over an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// InTransaction reports whether ctx carries a transaction.
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*sql.Tx)
	return ok
}

// Transaction runs fn in a transaction. A ctx that already carries a
// transaction is reused, so nested calls join the outer one. Once begun,
// a transaction runs to completion even if ctx is cancelled.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if InTransaction(ctx) {
		return fn(ctx)
	}

	txCtx := context.WithoutCancel(ctx)
	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(txCtx, txKey{}, tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// InsertRecords inserts rows into table. All rows must carry the same
// columns as the first one.
func (s *Store) InsertRecords(ctx context.Context, table string, rows []Record) error {
	if len(rows) == 0 {
		return nil
	}
	if !identRe.MatchString(table) {
		return fmt.Errorf("invalid table name %q", table)
	}

	cols := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		if !identRe.MatchString(col) {
			return fmt.Errorf("invalid column name %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), placeholders)

	return s.Transaction(ctx, func(ctx context.Context) error {
		conn := s.conn(ctx)
		for _, row := range rows {
			if len(row) != len(cols) {
				return fmt.Errorf("insert into %s: row has %d columns, want %d", table, len(row), len(cols))
			}
			args := make([]interface{}, len(cols))
			for i, col := range cols {
				v, ok := row[col]
				if !ok {
					return fmt.Errorf("insert into %s: row is missing column %q", table, col)
				}
				args[i] = v
			}
			if _, err := conn.ExecContext(ctx, query, args...); err != nil {
				return fmt.Errorf("insert into %s: %w", table, err)
			}
		}
		return nil
	})
}

// GetRecords runs a query and returns its rows. TEXT and BLOB values are
// returned as strings.
func (s *Store) GetRecords(ctx context.Context, q Query) ([]Record, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Record
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan failed: %w", err)
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				rec[col] = string(b)
			} else {
				rec[col] = values[i]
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ExecQuery runs a statement and returns the number of affected rows.
func (s *Store) ExecQuery(ctx context.Context, q Query) (int64, error) {
	res, err := s.conn(ctx).ExecContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return 0, fmt.Errorf("exec failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

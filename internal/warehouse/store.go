// Package warehouse wraps the analytics store the pipeline moves batches
// through. Event-derived values are always bound; table and procedure names
// come from configuration and are validated before interpolation.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/rotisserie/eris"
)

// Store is the data access surface used by the verifier and stage runner.
type Store interface {
	// Count runs a single-value counting query. No rows counts as zero.
	Count(ctx context.Context, query string, args ...any) (int64, error)
	// Exec runs a statement and returns the number of affected rows.
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	// Call invokes a stored procedure with bound arguments.
	Call(ctx context.Context, procedure string, args ...any) error
	// Columns lists a table's columns in ordinal order.
	Columns(ctx context.Context, table string) ([]string, error)
	// Select returns a query's rows rendered as strings.
	Select(ctx context.Context, query string, args ...any) (*Table, error)
	Close() error
}

// Table is a small, fully materialized result set.
type Table struct {
	Columns []string
	Rows    [][]string
}

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db *sql.DB
}

// New wraps an open database handle.
func New(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Count implements Store.
func (s *SQLStore) Count(ctx context.Context, query string, args ...any) (int64, error) {
	var n sql.NullInt64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: count")
	}
	return n.Int64, nil
}

// Exec implements Store.
func (s *SQLStore) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: exec")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, eris.Wrap(err, "warehouse: rows affected")
	}
	return n, nil
}

// Call implements Store.
func (s *SQLStore) Call(ctx context.Context, procedure string, args ...any) error {
	if err := ValidateIdent(procedure); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, CallStatement(procedure, len(args)), args...); err != nil {
		return eris.Wrapf(err, "warehouse: call %s", procedure)
	}
	return nil
}

// CallStatement renders a CALL with n bound placeholders.
func CallStatement(procedure string, n int) string {
	placeholders := make([]string, n)
	for i := range placeholders {
		placeholders[i] = "?"
	}
	return "CALL " + procedure + "(" + strings.Join(placeholders, ", ") + ")"
}

// Columns implements Store. The table must be fully qualified as
// database.schema.table.
func (s *SQLStore) Columns(ctx context.Context, table string) ([]string, error) {
	if err := ValidateIdent(table); err != nil {
		return nil, err
	}
	parts := strings.Split(table, ".")
	if len(parts) != 3 {
		return nil, eris.Errorf("warehouse: table %q is not fully qualified", table)
	}

	query := "SELECT COLUMN_NAME FROM " + parts[0] + ".INFORMATION_SCHEMA.COLUMNS" +
		" WHERE TABLE_CATALOG = ? AND TABLE_SCHEMA = ? AND TABLE_NAME = ?" +
		" ORDER BY ORDINAL_POSITION"

	rows, err := s.db.QueryContext(ctx, query,
		strings.ToUpper(parts[0]), strings.ToUpper(parts[1]), strings.ToUpper(parts[2]))
	if err != nil {
		return nil, eris.Wrapf(err, "warehouse: columns of %s", table)
	}
	defer rows.Close() //nolint:errcheck

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan column")
		}
		cols = append(cols, name)
	}
	return cols, eris.Wrap(rows.Err(), "warehouse: iterate columns")
}

// Select implements Store.
func (s *SQLStore) Select(ctx context.Context, query string, args ...any) (*Table, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: select")
	}
	defer rows.Close() //nolint:errcheck

	cols, err := rows.Columns()
	if err != nil {
		return nil, eris.Wrap(err, "warehouse: select columns")
	}

	out := &Table{Columns: cols}
	for rows.Next() {
		vals := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range vals {
			dest[i] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, eris.Wrap(err, "warehouse: scan row")
		}
		row := make([]string, len(cols))
		for i, v := range vals {
			row[i] = v.String
		}
		out.Rows = append(out.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "warehouse: iterate rows")
	}
	return out, nil
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "warehouse: ping")
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

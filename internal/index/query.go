package index

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Exec runs a named statement and returns its result.
func (db *DB) Exec(key string, args Args) (sql.Result, error) {
	query, err := db.lookup(key)
	if err != nil {
		return nil, err
	}
	text, values, err := db.expand(query, args)
	if err != nil {
		return nil, err
	}
	res, err := db.conn.Exec(text, values...)
	db.trace(key, args, err)
	if err != nil {
		return nil, fmt.Errorf("cannot execute %s: %w", key, err)
	}
	return res, nil
}

// QueryRow runs a named query expected to yield at most one row and
// scans it into dest. It returns ErrNoRows on an empty result.
func (db *DB) QueryRow(key string, args Args, dest ...any) error {
	query, err := db.lookup(key)
	if err != nil {
		return err
	}
	text, values, err := db.expand(query, args)
	if err != nil {
		return err
	}
	row := db.conn.QueryRow(text, values...)
	err = scanInto(row.Scan, dest...)
	db.trace(key, args, err)
	if err == sql.ErrNoRows {
		return ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("cannot query %s: %w", key, err)
	}
	return nil
}

// Query runs a named query and returns the matching rows.
func (db *DB) Query(key string, args Args) (*Rows, error) {
	query, err := db.lookup(key)
	if err != nil {
		return nil, err
	}
	text, values, err := db.expand(query, args)
	if err != nil {
		return nil, err
	}
	rows, err := db.conn.Query(text, values...)
	db.trace(key, args, err)
	if err != nil {
		return nil, fmt.Errorf("cannot query %s: %w", key, err)
	}
	types, err := rows.ColumnTypes()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("cannot inspect columns of %s: %w", key, err)
	}
	return &Rows{rows: rows, types: types}, nil
}

// FetchOne runs a named query and returns the first row as a value
// slice, or ErrNoRows.
func (db *DB) FetchOne(key string, args Args) ([]any, error) {
	rows, err := db.Query(key, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, ErrNoRows
	}
	return rows.Current()
}

// Fetch runs a named query and returns up to max rows as value slices.
func (db *DB) Fetch(key string, args Args, max int) ([][]any, error) {
	rows, err := db.Query(key, args)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for len(out) < max && rows.Next() {
		row, err := rows.Current()
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (db *DB) trace(key string, args Args, err error) {
	if logrus.IsLevelEnabled(logrus.TraceLevel) {
		logrus.WithFields(logrus.Fields{"key": key, "args": args, "err": err}).Trace("sql")
	}
}

// Rows wraps sql.Rows with the value conversions of this package.
type Rows struct {
	rows  *sql.Rows
	types []*sql.ColumnType
}

func (r *Rows) Next() bool { return r.rows.Next() }
func (r *Rows) Err() error { return r.rows.Err() }

// Columns returns the column names of the result set.
func (r *Rows) Columns() []string {
	names := make([]string, len(r.types))
	for i, t := range r.types {
		names[i] = t.Name()
	}
	return names
}

// Scan scans the current row into dest, applying the package's type
// conversions.
func (r *Rows) Scan(dest ...any) error {
	return scanInto(r.rows.Scan, dest...)
}

// Current returns the current row as a value slice.
func (r *Rows) Current() ([]any, error) {
	values := make([]any, len(r.types))
	ptrs := make([]any, len(r.types))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}

func (r *Rows) Close() error { return r.rows.Close() }

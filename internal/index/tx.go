package index

import (
	"database/sql"
	"fmt"
)

// Tx runs named statements inside a database transaction.
type Tx struct {
	tx *sql.Tx
	db *DB
}

func (db *DB) Begin() (*Tx, error) {
	tx, err := db.conn.Begin()
	if err != nil {
		return nil, fmt.Errorf("cannot begin transaction: %w", err)
	}
	return &Tx{tx: tx, db: db}, nil
}

func (t *Tx) Exec(key string, args Args) (sql.Result, error) {
	query, err := t.db.lookup(key)
	if err != nil {
		return nil, err
	}
	text, values, err := t.db.expand(query, args)
	if err != nil {
		return nil, err
	}
	res, err := t.tx.Exec(text, values...)
	t.db.trace(key, args, err)
	if err != nil {
		return nil, fmt.Errorf("cannot execute %s: %w", key, err)
	}
	return res, nil
}

func (t *Tx) QueryRow(key string, args Args, dest ...any) error {
	query, err := t.db.lookup(key)
	if err != nil {
		return err
	}
	text, values, err := t.db.expand(query, args)
	if err != nil {
		return err
	}
	err = scanInto(t.tx.QueryRow(text, values...).Scan, dest...)
	t.db.trace(key, args, err)
	if err == sql.ErrNoRows {
		return ErrNoRows
	}
	if err != nil {
		return fmt.Errorf("cannot query %s: %w", key, err)
	}
	return nil
}

func (t *Tx) Query(key string, args Args) (*Rows, error) {
	query, err := t.db.lookup(key)
	if err != nil {
		return nil, err
	}
	text, values, err := t.db.expand(query, args)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(text, values...)
	t.db.trace(key, args, err)
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

func (t *Tx) Commit() error   { return t.tx.Commit() }
func (t *Tx) Rollback() error { return t.tx.Rollback() }

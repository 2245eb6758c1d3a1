package replica

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/agentworkforce/vaultsync/internal/index"
)

var (
	// ErrNoCurrentRow means Current or Scan was called while the cursor
	// was not positioned on a row.
	ErrNoCurrentRow = errors.New("no current row")

	// ErrRowsClosed means the Rows were used after Close.
	ErrRowsClosed = errors.New("rows closed")
)

type rowsState int

const (
	beforeFirst rowsState = iota
	positioned
	exhausted
	closed
)

// Rows is a cursor over a Query result with an explicit lifecycle: it
// starts before the first row, Next moves it forward until the result
// is exhausted, and Close ends it. Current and Scan only work while the
// cursor is positioned on a row, so misuse fails loudly instead of
// returning stale data.
type Rows struct {
	inner *index.Rows
	state rowsState
}

// Next advances to the next row. It returns false once the result is
// exhausted or the cursor closed.
func (r *Rows) Next() bool {
	switch r.state {
	case exhausted, closed:
		return false
	}
	if r.inner.Next() {
		r.state = positioned
		return true
	}
	r.state = exhausted
	return false
}

// Scan reads the current row into dest.
func (r *Rows) Scan(dest ...any) error {
	if err := r.check(); err != nil {
		return err
	}
	return r.inner.Scan(dest...)
}

// Current returns the current row as a value slice.
func (r *Rows) Current() ([]any, error) {
	if err := r.check(); err != nil {
		return nil, err
	}
	return r.inner.Current()
}

func (r *Rows) check() error {
	switch r.state {
	case closed:
		return ErrRowsClosed
	case beforeFirst:
		return fmt.Errorf("%w: Next was never called", ErrNoCurrentRow)
	case exhausted:
		return fmt.Errorf("%w: result is exhausted", ErrNoCurrentRow)
	}
	return nil
}

// Columns names the result columns.
func (r *Rows) Columns() []string { return r.inner.Columns() }

// Err reports the error that ended iteration early, if any.
func (r *Rows) Err() error { return r.inner.Err() }

// Close releases the cursor. Closing twice is a no-op.
func (r *Rows) Close() error {
	if r.state == closed {
		return nil
	}
	r.state = closed
	return r.inner.Close()
}

// transactionName mints a time-sortable unique name for a published
// transaction file.
func transactionName() string {
	var tail [4]byte
	rand.Read(tail[:])
	return fmt.Sprintf("%012x%08x", time.Now().UnixMilli(), binary.BigEndian.Uint32(tail[:]))
}

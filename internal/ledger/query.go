package ledger

import (
	"context"
	"fmt"
	"time"
)

// DefaultPageSize is how many rows an Iterator fetches per round trip.
const DefaultPageSize = 50

// Filter narrows a transaction query. Zero values match everything.
type Filter struct {
	Type   string
	Status string
	From   time.Time
	To     time.Time
	// Limit caps the total rows yielded. Zero means no cap.
	Limit    int
	PageSize int
}

// Validate rejects unknown type or status values.
func (f Filter) Validate() error {
	switch f.Type {
	case "", TypeDeposit, TypeTransfer, TypeReceive:
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidTransaction, f.Type)
	}
	switch f.Status {
	case "", StatusPending, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransaction, f.Status)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return fmt.Errorf("%w: end date before start date", ErrInvalidTransaction)
	}
	return nil
}

func (f Filter) matches(t Transaction) bool {
	if f.Type != "" && t.Type != f.Type {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// Cursor is the keyset position of the last row yielded.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// before reports whether t sorts after the cursor in newest-first order.
func (c *Cursor) before(t Transaction) bool {
	if c == nil {
		return true
	}
	if t.CreatedAt.Equal(c.CreatedAt) {
		return t.ID < c.ID
	}
	return t.CreatedAt.Before(c.CreatedAt)
}

type pageFunc func(ctx context.Context, after *Cursor, size int) ([]Transaction, error)

// Iterator walks query results newest first, one page at a time. It holds
// only the last cursor, so nothing is kept open between pages.
type Iterator struct {
	fetch pageFunc
	size  int
	limit int

	buf    []Transaction
	pos    int
	cursor *Cursor
	cur    Transaction
	yield  int
	done   bool
	err    error

	// invalid is the filter validation error; it survives Restart.
	invalid error
}

func newIterator(fetch pageFunc, filter Filter) *Iterator {
	size := filter.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	it := &Iterator{fetch: fetch, size: size, limit: filter.Limit}
	if err := filter.Validate(); err != nil {
		it.invalid = err
	}
	it.Restart()
	return it
}

// Next advances to the next row, fetching a new page when needed.
func (it *Iterator) Next(ctx context.Context) bool {
	if it.done {
		return false
	}
	if it.limit > 0 && it.yield >= it.limit {
		it.done = true
		return false
	}
	if it.pos >= len(it.buf) {
		if it.buf != nil && len(it.buf) < it.size {
			it.done = true
			return false
		}
		page, err := it.fetch(ctx, it.cursor, it.size)
		if err != nil {
			it.err = err
			it.done = true
			return false
		}
		if len(page) == 0 {
			it.done = true
			return false
		}
		it.buf, it.pos = page, 0
	}
	it.cur = it.buf[it.pos]
	it.pos++
	it.yield++
	it.cursor = &Cursor{CreatedAt: it.cur.CreatedAt, ID: it.cur.ID}
	return true
}

// Transaction returns the row Next advanced to.
func (it *Iterator) Transaction() Transaction { return it.cur }

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error { return it.err }

// Restart rewinds to the newest row. A failed validation stays failed.
func (it *Iterator) Restart() {
	it.buf, it.pos, it.cursor, it.yield = nil, 0, nil, 0
	it.cur = Transaction{}
	it.err = it.invalid
	it.done = it.invalid != nil
}

// Collect drains it into a slice.
func Collect(ctx context.Context, it *Iterator) ([]Transaction, error) {
	var out []Transaction
	for it.Next(ctx) {
		out = append(out, it.Transaction())
	}
	return out, it.Err()
}

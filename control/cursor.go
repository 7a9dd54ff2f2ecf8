package control

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/nasa-jpl/temcal/tem"
	"github.com/nasa-jpl/temcal/worker"
)

// ErrCursorDone is returned by Advance past the last value
var ErrCursorDone = errors.New("cursor exhausted")

// Cursor steps a scalar register through a list of values, for example
// every alpha or every spot size, and puts the original value back on Close.
//
//	cur, err := control.NewCursor(ctx, hw, tem.RegAlpha, []int{1, 2, 3}, settle)
//	defer cur.Close(ctx)
//	for cur.HasNext() {
//		if _, err := cur.Advance(ctx); err != nil {
//			return err
//		}
//		...
//	}
type Cursor struct {
	in     tem.Indexer
	name   string
	values []int
	next   int
	origin tem.SetPoint
	settle time.Duration
	closed bool
}

// NewCursor reads the register's current value, to be restored by Close
func NewCursor(ctx context.Context, in tem.Indexer, name string, values []int, settle time.Duration) (*Cursor, error) {
	origin, err := in.GetIndex(ctx, name)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", name)
	}
	if len(origin) != 1 {
		return nil, errors.Errorf("cursor needs a scalar register, %s is %s", name, origin)
	}
	return &Cursor{
		in:     in,
		name:   name,
		values: append([]int(nil), values...),
		origin: origin,
		settle: settle,
	}, nil
}

// HasNext is true while values remain
func (c *Cursor) HasNext() bool {
	return !c.closed && c.next < len(c.values)
}

// Advance writes the next value, waits the settle time and checks for a stop
func (c *Cursor) Advance(ctx context.Context) (int, error) {
	if !c.HasNext() {
		return 0, ErrCursorDone
	}
	if err := worker.Checkpoint(ctx); err != nil {
		return 0, err
	}
	v := c.values[c.next]
	c.next++
	if err := c.in.SetIndex(ctx, c.name, tem.SetPoint{v}); err != nil {
		return 0, errors.Wrapf(err, "setting %s to %d", c.name, v)
	}
	return v, settle(ctx, c.settle)
}

// Close restores the original value.  It is safe to call more than once.
func (c *Cursor) Close(ctx context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.next == 0 {
		return nil
	}
	err := c.in.SetIndex(worker.Detach(ctx), c.name, c.origin)
	return errors.Wrapf(err, "restoring %s", c.name)
}

// ForEach runs fn at every value of a scalar register and restores the
// register afterwards.  fn's error stops the iteration and is returned.
func ForEach(ctx context.Context, in tem.Indexer, name string, values []int, settle time.Duration, fn func(ctx context.Context, v int) error) (err error) {
	cur, err := NewCursor(ctx, in, name, values, settle)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := cur.Close(ctx); err == nil {
			err = cerr
		}
	}()
	for cur.HasNext() {
		v, err := cur.Advance(ctx)
		if err != nil {
			return err
		}
		if err := fn(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

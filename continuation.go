package main

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrCopyBusy is returned when a copy is issued from a slot that does not
	// own the outstanding continuation.
	ErrCopyBusy = errors.New("paged copy already in flight")
	// ErrNoContinuation is returned by a continue call with nothing to continue.
	ErrNoContinuation = errors.New("no paged copy to continue")
)

// Continuation carries the progress of a paged read copy between the begin
// call and its continue calls. Owner is the slot that issued the begin.
type Continuation struct {
	Src       uint64
	Dst       uint64
	Remaining uint64
	Owner     int
}

// Outstanding reports whether bytes remain to be copied.
func (c *Continuation) Outstanding() bool {
	return c != nil && c.Remaining > 0
}

func (c Continuation) String() string {
	return fmt.Sprintf("src=$%X dst=$%X remaining=%d owner=%d", c.Src, c.Dst, c.Remaining, c.Owner)
}

// CopyOwnership enforces that at most one paged read copy is in flight across
// the whole core. The dispatcher is its only user, so it is not locked.
type CopyOwnership struct {
	cont *Continuation
}

// Begin hands out the continuation slot to owner. A begin from the slot that
// already owns an outstanding copy supersedes it; any other slot is refused.
func (o *CopyOwnership) Begin(owner int) (superseded bool, err error) {
	if o.cont.Outstanding() {
		if o.cont.Owner != owner {
			return false, errors.Wrapf(ErrCopyBusy, "slot %d owns %s", o.cont.Owner, o.cont)
		}
		superseded = true
	}
	return superseded, nil
}

// Store records the state left by a begin call.
func (o *CopyOwnership) Store(c Continuation) {
	o.cont = &c
}

// Acquire returns the continuation owner may continue.
func (o *CopyOwnership) Acquire(owner int) (*Continuation, error) {
	if o.cont == nil {
		return nil, ErrNoContinuation
	}
	if o.cont.Owner != owner && o.cont.Outstanding() {
		return nil, errors.Wrapf(ErrCopyBusy, "slot %d owns %s", o.cont.Owner, o.cont)
	}
	return o.cont, nil
}

// Release drops the continuation once it has nothing left to copy.
func (o *CopyOwnership) Release() {
	if o.cont != nil && !o.cont.Outstanding() {
		o.cont = nil
	}
}

// Abandon drops the continuation if owner holds it and returns what was dropped.
// The dispatcher calls it when the owning slot moves on to a non-copy command,
// after which the copy can no longer be continued.
func (o *CopyOwnership) Abandon(owner int) (Continuation, bool) {
	if o.cont == nil || o.cont.Owner != owner {
		return Continuation{}, false
	}
	c := *o.cont
	o.cont = nil
	return c, true
}

// Current returns a copy of the continuation, if one is held.
func (o *CopyOwnership) Current() (Continuation, bool) {
	if o.cont == nil {
		return Continuation{}, false
	}
	return *o.cont, true
}

// Reset forgets any continuation.
func (o *CopyOwnership) Reset() {
	o.cont = nil
}

// Package deque implements the per-worker Chase-Lev circular task deque
// described in the runtime's data model: the owner pushes and pops the top
// (LIFO, or FIFO in async/locally-FIFO mode) while thieves steal from the
// base (always FIFO). It is grounded on the teacher's
// WorkStealingDeque.Push/Pop/Steal/grow, generalized from a mutex-guarded
// bottom/top pair to lock-free atomics with CAS, matching the stated
// invariant that only the owner writes top while base may be advanced by
// any thread.
package deque

import (
	"sync"

	"go.uber.org/atomic"
)

// MaxCapacity bounds how large a single deque's backing array may grow.
const MaxCapacity = 1 << 20

const initialCapacity = 32

// Elem is the element type stored in a Deque. The pool's workers store
// Forkable task values; Deque itself is not generic and holds Elem (any)
// so internal/deque stays free of a dependency on the root package.
type Elem any

// Deque is a single-owner, multi-thief circular task buffer. The zero value
// is not usable; construct with New.
type Deque struct {
	// base is the thieves' end: advanced by any thread via CAS.
	base atomic.Uint64
	// top is the owner's end: only the owner mutates it, published with
	// release ordering so a thief that observes a new top via acquire
	// load is guaranteed to see the corresponding slot write.
	top atomic.Uint64

	// growMu serializes PushTop against itself only; Steal/PollBase never
	// take it, and instead retry when they observe buf has been swapped
	// out from under them: a grow always allocates a fresh *buffer, so
	// comparing the pointer loaded at the start of a steal attempt against
	// d.buf.Load() after winning a slot CAS is a valid epoch check — a
	// buffer pointer is never reused once retired.
	growMu sync.Mutex

	buf atomic.Pointer[buffer]
}

type buffer struct {
	mask uint64 // len(slots)-1, len is a power of two
	slots []atomic.Pointer[any]
}

func newBuffer(capacity int) *buffer {
	b := &buffer{
		mask:  uint64(capacity - 1),
		slots: make([]atomic.Pointer[any], capacity),
	}
	return b
}

func (b *buffer) at(i uint64) *atomic.Pointer[any] {
	return &b.slots[i&b.mask]
}

// New constructs an empty Deque with the given initial capacity rounded up
// to the next power of two (minimum 32).
func New(capacityHint int) *Deque {
	cap := initialCapacity
	for cap < capacityHint {
		cap <<= 1
	}
	d := &Deque{}
	d.buf.Store(newBuffer(cap))
	return d
}

func boxed(v Elem) *any {
	a := any(v)
	return &a
}

// PushTop stores v at the owner's end, growing the buffer first if full.
// Owner-only.
func (d *Deque) PushTop(v Elem) {
	d.growMu.Lock()
	defer d.growMu.Unlock()

	top := d.top.Load()
	base := d.base.Load()
	buf := d.buf.Load()

	if top-base >= uint64(len(buf.slots)) {
		buf = d.grow(buf, base, top)
	}

	buf.at(top).Store(boxed(v))
	d.top.Store(top + 1) // release: publishes the slot write above
}

// grow allocates a buffer twice the size, copies live entries [base, top),
// and publishes it. Caller holds growMu.
func (d *Deque) grow(buf *buffer, base, top uint64) *buffer {
	newCap := len(buf.slots) * 2
	if newCap > MaxCapacity {
		newCap = MaxCapacity
	}
	nb := newBuffer(newCap)
	for i := base; i < top; i++ {
		if p := buf.at(i).Load(); p != nil {
			nb.at(i).Store(p)
		}
	}
	d.buf.Store(nb)
	return nb
}

// PopTop removes and returns the owner's most-recently-pushed entry (LIFO).
// Owner-only. Returns false if the deque appears empty or a thief won the
// race for the last slot.
func (d *Deque) PopTop() (Elem, bool) {
	top := d.top.Load()
	if top == 0 {
		return nil, false
	}
	newTop := top - 1
	buf := d.buf.Load()
	base := d.base.Load()
	if base > newTop {
		return nil, false
	}

	slot := buf.at(newTop)
	v := slot.Load()
	if v == nil {
		return nil, false
	}

	if base == newTop {
		// Last element: race with thieves for the single remaining slot.
		if !slot.CompareAndSwap(v, nil) {
			// A thief took it first via PollBase.
			d.top.Store(top)
			return nil, false
		}
		d.base.CompareAndSwap(base, base+1)
		d.top.Store(top)
		return *v, true
	}

	if !slot.CompareAndSwap(v, nil) {
		// A thief reached this slot via PollBase and claimed it first.
		return nil, false
	}
	d.top.Store(newTop)
	return *v, true
}

// PollBase removes and returns the entry at the thieves' end (FIFO). Safe
// for any thread, including the owner in locally-FIFO mode (PollTop calls
// through to this).
func (d *Deque) PollBase() (Elem, bool) {
	for {
		base := d.base.Load()
		top := d.top.Load()
		if base >= top {
			return nil, false
		}
		buf := d.buf.Load()
		slot := buf.at(base)
		v := slot.Load()
		if v == nil {
			// Either not yet written (race with a concurrent grow/push) or
			// already stolen by another thief; re-check base to decide.
			if d.base.Load() != base {
				continue
			}
			return nil, false
		}
		if !slot.CompareAndSwap(v, nil) {
			continue // another thief won this slot
		}
		if d.buf.Load() != buf {
			// A grow raced us: buf is retired, and grow had already copied
			// this slot's value into the live buffer before we nulled it
			// here, so our CAS claimed nothing. Retry against the current
			// buffer instead of returning a value someone else still owns.
			continue
		}
		if !d.base.CompareAndSwap(base, base+1) {
			// Someone else already advanced base (shouldn't normally
			// happen since we just nulled a slot they'd need to have
			// stolen first, but stay defensive under contention).
			d.base.Store(base + 1)
		}
		return *v, true
	}
}

// PollTop is the owner-mode FIFO poll used when the pool runs in
// locally-FIFO (async) mode: it is simply PollBase invoked by the owner.
func (d *Deque) PollTop() (Elem, bool) {
	return d.PollBase()
}

// Size returns a point-in-time estimate of the number of queued entries.
func (d *Deque) Size() int {
	base := d.base.Load()
	top := d.top.Load()
	if top < base {
		return 0
	}
	return int(top - base)
}

// Empty reports whether the deque currently looks empty. Racy by nature:
// useful only as a hint for steal-scan termination, never for correctness.
func (d *Deque) Empty() bool {
	return d.Size() <= 0
}

// Package deferred delays the reuse of arena memory until concurrent readers
// can no longer hold it.
//
// A Queue wraps an arena one to one. Handles passed to DelayFree are parked in
// a FIFO stamped with the coarse clock and only returned to the arena by a
// later Recycle once the grace period has elapsed. The Queue owns no
// goroutines: the writer calls Recycle and the clock owner advances time.
package deferred

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/zilongwhu/agile-se-sub000/internal/arena"
	"github.com/zilongwhu/agile-se-sub000/internal/base"
	"github.com/zilongwhu/agile-se-sub000/internal/clock"
)

// entry is the arena-resident FIFO node. Cleanup closures cannot live in
// arena memory, so they are kept in Queue.cleanups keyed by the entry handle.
type entry struct {
	handle base.Handle
	size   uint32
	pushed int64
	next   base.Handle
	_      uint32
}

// EntrySize is the size class every Queue registers for its FIFO nodes.
const EntrySize = int(unsafe.Sizeof(entry{}))

// Queue is a grace-period reclamation FIFO over an arena. All methods except
// Addr and Bytes belong to the single writer.
type Queue struct {
	arena *arena.Arena
	clock *clock.Clock
	opts  options

	head     base.Handle
	tail     base.Handle
	length   int
	cleanups map[base.Handle]func()
}

// New wraps a. It registers the entry size class, so a must not be
// initialized yet unless that class was registered before.
func New(a *arena.Arena, clk *clock.Clock, opts ...Option) (*Queue, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	if a.Initialized() {
		if a.Stride(EntrySize) == 0 {
			return nil, fmt.Errorf("register deferred entries: %w", base.ErrInitialized)
		}
	} else if _, err := a.Register(EntrySize); err != nil && !errors.Is(err, base.ErrDuplicateSize) {
		return nil, fmt.Errorf("register deferred entries: %w", err)
	}

	return &Queue{
		arena:    a,
		clock:    clk,
		opts:     o,
		cleanups: make(map[base.Handle]func()),
	}, nil
}

// Alloc forwards to the arena.
func (q *Queue) Alloc(size int) (base.Handle, error) {
	return q.arena.Alloc(size)
}

// Addr forwards to the arena.
func (q *Queue) Addr(h base.Handle) unsafe.Pointer {
	return q.arena.Addr(h)
}

// Bytes forwards to the arena.
func (q *Queue) Bytes(h base.Handle) []byte {
	return q.arena.Bytes(h)
}

// Free returns h to the arena immediately. Only safe for handles no reader
// has ever seen.
func (q *Queue) Free(h base.Handle, size int) error {
	return q.arena.Free(h, size)
}

// GracePeriod returns the configured delay in seconds.
func (q *Queue) GracePeriod() int64 {
	return q.opts.grace
}

// Len returns the number of parked handles.
func (q *Queue) Len() int {
	return q.length
}

// DelayFree parks h until the grace period has passed. cleanup, if not nil,
// runs right before h goes back to the arena. With a zero grace period both
// happen immediately.
func (q *Queue) DelayFree(h base.Handle, size int, cleanup func()) error {
	if h == 0 {
		return nil
	}
	if q.opts.grace == 0 {
		if cleanup != nil {
			cleanup()
		}
		return q.arena.Free(h, size)
	}

	eh, err := q.arena.Alloc(EntrySize)
	if err != nil {
		// The handle leaks rather than risk reuse under a reader.
		q.opts.logger.Error("deferred free dropped", "handle", h, "size", size, "error", err)
		return fmt.Errorf("delay free %d: %w", h, err)
	}
	e := q.entry(eh)
	e.handle = h
	e.size = uint32(size)
	e.pushed = q.clock.Now()
	e.next = 0
	if cleanup != nil {
		q.cleanups[eh] = cleanup
	}

	if q.tail == 0 {
		q.head = eh
	} else {
		q.entry(q.tail).next = eh
	}
	q.tail = eh
	q.length++
	return nil
}

// Recycle frees every parked handle whose grace period has elapsed and
// returns how many were released. It stops at the first entry that is still
// too young; entries are ordered by push time.
func (q *Queue) Recycle() int {
	now := q.clock.Now()
	n := 0
	for q.head != 0 {
		if q.entry(q.head).pushed+q.opts.grace > now {
			break
		}
		q.pop()
		n++
	}
	return n
}

// Flush releases every parked handle regardless of age. Only call it when no
// reader can be active, e.g. on shutdown.
func (q *Queue) Flush() int {
	n := 0
	for q.head != 0 {
		q.pop()
		n++
	}
	return n
}

func (q *Queue) pop() {
	eh := q.head
	e := q.entry(eh)
	h, size, next := e.handle, int(e.size), e.next

	if cleanup, ok := q.cleanups[eh]; ok {
		delete(q.cleanups, eh)
		cleanup()
	}
	if err := q.arena.Free(h, size); err != nil {
		q.opts.logger.Error("deferred free failed", "handle", h, "size", size, "error", err)
	}
	if err := q.arena.Free(eh, EntrySize); err != nil {
		q.opts.logger.Error("deferred entry free failed", "handle", eh, "error", err)
	}

	q.head = next
	if q.head == 0 {
		q.tail = 0
	}
	q.length--
}

func (q *Queue) entry(h base.Handle) *entry {
	return (*entry)(q.arena.Addr(h))
}

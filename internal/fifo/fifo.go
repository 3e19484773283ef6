// Package fifo implements the bounded byte ring buffer of spec.md §4.1: a
// single-producer/single-consumer ring with watermark-gated blocking and
// drain support. One mutex guards the ring state; three condition
// variables (writable, readable, drained) signal waiters off that single
// mutex, deliberately (spec.md §9 — "do not split the mutex").
//
// This is the teacher repo's StreamReader (internal/audio/streaming.go)
// generalized from "one buffered downloader" into the reusable producer/
// consumer primitive the whole pipeline is built from: the same
// mutex-guarded buffer plus sync.Cond loop, but with explicit watermarks,
// three distinct wake conditions instead of one, and an error-returning
// contract instead of silent clipping.
package fifo

import (
	"fmt"
	"sync"
	"time"

	"github.com/riftaudio/streamd/internal/perror"
)

// SizeMode selects which quantity Size reports.
type SizeMode int

const (
	Total SizeMode = iota
	Used
	Free
	NextReadable
	NextWritable
)

// Fifo is a fixed-capacity byte ring. Zero value is not usable; build with
// New.
type Fifo struct {
	mu sync.Mutex

	buf      []byte
	read     int
	write    int
	full     bool
	draining bool

	lowWatermark  int // writable waiters unblock once used < lowWatermark
	highWatermark int // readable waiters unblock once used > highWatermark

	writable sync.Cond
	readable sync.Cond
	drained  sync.Cond

	debugChecks bool
}

// New creates an empty ring of the given capacity. lowWatermark gates
// lock_wait_writable (callers unblock once used drops below it);
// highWatermark gates lock_wait_readable (callers unblock once used rises
// above it). Both default to capacity/2 when given as 0.
func New(capacity int, lowWatermark, highWatermark int) *Fifo {
	if capacity <= 0 {
		panic("fifo: capacity must be positive")
	}
	if lowWatermark <= 0 {
		lowWatermark = capacity / 2
	}
	if highWatermark <= 0 {
		highWatermark = capacity / 2
	}
	f := &Fifo{
		buf:           make([]byte, capacity),
		lowWatermark:  lowWatermark,
		highWatermark: highWatermark,
	}
	f.writable.L = &f.mu
	f.readable.L = &f.mu
	f.drained.L = &f.mu
	return f
}

// debug invariant assertion; panics to surface logic errors immediately in
// builds/tests that want that, mirroring spec.md §10.2's debug/release
// split. Must be called with mu held.
func (f *Fifo) assertInvariants() {
	if !f.debugChecks {
		return
	}
	used := f.usedLocked()
	free := len(f.buf) - used
	if used+free != len(f.buf) {
		panic(fmt.Sprintf("fifo: used+free=%d != capacity=%d", used+free, len(f.buf)))
	}
	if f.full && used != len(f.buf) {
		panic("fifo: full flag set but used != capacity")
	}
	if !f.full && f.read == f.write && used != 0 {
		panic("fifo: read==write but not full and used != 0")
	}
}

func (f *Fifo) usedLocked() int {
	if f.full {
		return len(f.buf)
	}
	if f.write >= f.read {
		return f.write - f.read
	}
	return len(f.buf) - f.read + f.write
}

func (f *Fifo) freeLocked() int {
	return len(f.buf) - f.usedLocked()
}

func (f *Fifo) nextReadableLocked() int {
	used := f.usedLocked()
	if used == 0 {
		return 0
	}
	toWrap := len(f.buf) - f.read
	if toWrap < used {
		return toWrap
	}
	return used
}

func (f *Fifo) nextWritableLocked() int {
	free := f.freeLocked()
	if free == 0 {
		return 0
	}
	toWrap := len(f.buf) - f.write
	if toWrap < free {
		return toWrap
	}
	return free
}

// Size reports one of the quantities named by mode, under the lock. Safe to
// call without already holding the ring locked via a lock_wait_* call.
func (f *Fifo) Size(mode SizeMode) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch mode {
	case Total:
		return len(f.buf)
	case Used:
		return f.usedLocked()
	case Free:
		return f.freeLocked()
	case NextReadable:
		return f.nextReadableLocked()
	case NextWritable:
		return f.nextWritableLocked()
	default:
		return 0
	}
}

// ErrTimeout is returned by lock_wait_* calls that time out without
// acquiring the condition they waited for. The ring is left unlocked.
var ErrTimeout = fmt.Errorf("%w: fifo wait timed out", perror.Transport)

// ErrMinBytesExceedsCapacity is returned by LockWaitWritable when minBytes
// cannot ever be satisfied.
var ErrMinBytesExceedsCapacity = fmt.Errorf("%w: fifo min bytes exceeds capacity", perror.Logic)

// waitUntil polls cond with bounded sleeps until pred() is true or the
// deadline passes. sync.Cond has no timed Wait, so — like the teacher's
// feeder/sink loops that re-check state on a 250-500ms cadence — this
// breaks the wait into short slices so a stuck producer/consumer still
// notices a deadline. Must be called with mu held; returns with mu held.
func (f *Fifo) waitUntil(cond *sync.Cond, deadline time.Time, pred func() bool) bool {
	const slice = 20 * time.Millisecond
	for !pred() {
		if !time.Now().Before(deadline) {
			return false
		}
		remaining := time.Until(deadline)
		if remaining > slice {
			remaining = slice
		}
		timer := time.AfterFunc(remaining, func() {
			f.mu.Lock()
			cond.Broadcast()
			f.mu.Unlock()
		})
		cond.Wait()
		timer.Stop()
	}
	return true
}

// LockWaitWritable acquires the lock and blocks until free >= minBytes AND
// used < lowWatermark, or the timeout elapses. On success the ring remains
// locked for the caller to fill_and_unlock/unlock_after_write.
func (f *Fifo) LockWaitWritable(timeout time.Duration, minBytes int) error {
	if minBytes > len(f.buf) {
		return ErrMinBytesExceedsCapacity
	}
	f.mu.Lock()
	deadline := time.Now().Add(timeout)
	ok := f.waitUntil(&f.writable, deadline, func() bool {
		return f.freeLocked() >= minBytes && f.usedLocked() < f.lowWatermark
	})
	if !ok {
		f.mu.Unlock()
		return ErrTimeout
	}
	return nil
}

// LockWaitReadable acquires the lock and blocks until used > highWatermark,
// or the timeout elapses. On success the ring remains locked.
func (f *Fifo) LockWaitReadable(timeout time.Duration) error {
	f.mu.Lock()
	deadline := time.Now().Add(timeout)
	ok := f.waitUntil(&f.readable, deadline, func() bool {
		return f.usedLocked() > f.highWatermark
	})
	if !ok {
		f.mu.Unlock()
		return ErrTimeout
	}
	return nil
}

// LockWaitDrained sets draining, acquires the lock, and blocks until
// used == 0 or the timeout elapses. draining is cleared before return
// either way, matching spec.md §4.1.
func (f *Fifo) LockWaitDrained(timeout time.Duration) error {
	f.mu.Lock()
	f.draining = true
	deadline := time.Now().Add(timeout)
	ok := f.waitUntil(&f.drained, deadline, func() bool {
		return f.usedLocked() == 0
	})
	f.draining = false
	if !ok {
		f.mu.Unlock()
		return ErrTimeout
	}
	return nil
}

// signalAfterChange picks one condition to broadcast by the priority of
// spec.md §4.1's unlock_after_read: draining+empty beats writable beats
// readable. Must be called with mu held.
func (f *Fifo) signalAfterChange() {
	switch {
	case f.draining && f.usedLocked() == 0:
		f.drained.Broadcast()
	case f.freeLocked() > 0 && f.usedLocked() < f.lowWatermark:
		f.writable.Broadcast()
	case f.usedLocked() > f.highWatermark:
		f.readable.Broadcast()
	}
}

// UnlockAfterRead advances the read cursor by n, releases the lock, and
// signals the next eligible waiter. Must be called while the ring is
// locked (after a successful LockWaitReadable). n beyond the contiguous
// readable region is a logic error (spec.md §4.1 — never silently clip).
func (f *Fifo) UnlockAfterRead(n int) error {
	defer f.mu.Unlock()
	if n < 0 || n > f.nextReadableLocked() {
		return fmt.Errorf("%w: unlock_after_read(%d) exceeds next_readable=%d", perror.Logic, n, f.nextReadableLocked())
	}
	if n > 0 {
		f.full = false
		f.read = (f.read + n) % len(f.buf)
	}
	f.assertInvariants()
	f.signalAfterChange()
	return nil
}

// UnlockAfterWrite advances the write cursor by n, releases the lock, and
// signals the next eligible waiter. It is an error to call with n>0 while
// draining — spec.md §9 flags this path as a bug-on-reach assertion, so
// this implementation treats it as a hard Logic error rather than logging
// and proceeding as the original source did.
func (f *Fifo) UnlockAfterWrite(n int) error {
	defer f.mu.Unlock()
	if f.draining && n > 0 {
		return fmt.Errorf("%w: unlock_after_write(%d) called while draining", perror.Logic, n)
	}
	if n < 0 || n > f.nextWritableLocked() {
		return fmt.Errorf("%w: unlock_after_write(%d) exceeds next_writable=%d", perror.Logic, n, f.nextWritableLocked())
	}
	if n > 0 {
		f.write = (f.write + n) % len(f.buf)
		if f.write == f.read {
			f.full = true
		}
	}
	f.assertInvariants()
	f.signalAfterChange()
	return nil
}

// FillAndUnlock copies up to n bytes from src into the ring's write region,
// handling wrap with a two-segment copy, then behaves as UnlockAfterWrite —
// except that, unlike UnlockAfterWrite (bounded to the single contiguous
// NextWritable segment returned by GetWritePtr), FillAndUnlock may span the
// wrap boundary itself, since it owns the copy.
func (f *Fifo) FillAndUnlock(src []byte, n int) (int, error) {
	defer f.mu.Unlock()

	if f.draining {
		return 0, fmt.Errorf("%w: fill_and_unlock called while draining", perror.Logic)
	}
	if n > len(src) {
		n = len(src)
	}
	if free := f.freeLocked(); n > free {
		n = free
	}
	first := len(f.buf) - f.write
	if first > n {
		first = n
	}
	copy(f.buf[f.write:f.write+first], src[:first])
	remaining := n - first
	if remaining > 0 {
		copy(f.buf[0:remaining], src[first:n])
	}
	if n > 0 {
		f.write = (f.write + n) % len(f.buf)
		if f.write == f.read {
			f.full = true
		}
	}
	f.assertInvariants()
	f.signalAfterChange()
	return n, nil
}

func (f *Fifo) GetReadPtr() []byte {
	n := f.nextReadableLocked()
	return f.buf[f.read : f.read+n]
}

func (f *Fifo) GetWritePtr() []byte {
	n := f.nextWritableLocked()
	return f.buf[f.write : f.write+n]
}

// Reset empties the ring under the lock. Watermarks are untouched.
func (f *Fifo) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.read = 0
	f.write = 0
	f.full = false
	f.draining = false
}

// SetDebugChecks toggles the panic-on-violation invariant assertions. They
// are off by default; tests turn them on.
func (f *Fifo) SetDebugChecks(on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debugChecks = on
}

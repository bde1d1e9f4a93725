package arrayfill

import (
	"fmt"
	"log/slog"
)

// Option configures a Buffer before any slot is written.
type Option[T any] func(*Buffer[T])

// WithRelease registers fn as the release hook for committed elements.
// When a partially filled buffer is discarded, the hook runs once per
// committed slot in ascending index order. It never runs for elements of a
// buffer that reached Finish; those belong to the caller.
func WithRelease[T any](fn func(T)) Option[T] {
	return func(b *Buffer[T]) {
		b.release = fn
	}
}

// Buffer holds storage for a fixed number of element slots. Slots below the
// fill mark hold live values owned by the buffer; the remaining slots hold
// nothing and are never read, returned, or passed to the release hook.
//
// A Buffer is single-use and not safe for concurrent use.
type Buffer[T any] struct {
	slots    []T
	filled   int
	reversed bool
	release  func(T)
	finished bool
}

// NewBuffer returns a buffer with n empty slots.
func NewBuffer[T any](n int, opts ...Option[T]) *Buffer[T] {
	if n < 0 {
		panic(fmt.Sprintf("arrayfill: negative slot count %d", n))
	}
	b := &Buffer[T]{slots: make([]T, n)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Len returns the total number of slots.
func (b *Buffer[T]) Len() int { return len(b.slots) }

// Filled returns the number of committed slots.
func (b *Buffer[T]) Filled() int { return b.filled }

// next returns the index of the next free slot.
func (b *Buffer[T]) next() int {
	if b.reversed {
		return len(b.slots) - 1 - b.filled
	}
	return b.filled
}

// Write places v into slot i and commits it. i must be the next free slot;
// slots are committed one at a time, each exactly once. Writing out of
// order, twice, or past the last slot is a caller bug and panics.
func (b *Buffer[T]) Write(i int, v T) {
	if b.finished {
		panic("arrayfill: write to finished buffer")
	}
	if b.filled == len(b.slots) {
		panic("arrayfill: write to full buffer")
	}
	if want := b.next(); i != want {
		panic(fmt.Sprintf("arrayfill: out-of-order write to slot %d, next free slot is %d", i, want))
	}
	b.slots[i] = v
	b.filled++
}

// Finish consumes the buffer and returns its elements without copying them.
// Every slot must have been committed; finishing early is a caller bug and
// panics. The buffer must not be used afterwards.
func (b *Buffer[T]) Finish() []T {
	if b.finished {
		panic("arrayfill: buffer finished twice")
	}
	if b.filled != len(b.slots) {
		panic(fmt.Sprintf("arrayfill: finish with %d of %d slots committed", b.filled, len(b.slots)))
	}
	b.finished = true
	out := b.slots
	b.slots = nil
	return out
}

// Discard releases every committed slot exactly once, in ascending index
// order, then clears the slots and resets the fill mark. The mark is
// consumed up front, so a repeated Discard reached through a nested unwind
// finds nothing committed and does nothing.
func (b *Buffer[T]) Discard() {
	if b.finished || b.filled == 0 {
		return
	}

	lo, hi := 0, b.filled
	if b.reversed {
		lo, hi = len(b.slots)-b.filled, len(b.slots)
	}
	released := b.filled
	b.filled = 0

	var zero T
	for i := lo; i < hi; i++ {
		if b.release != nil {
			b.release(b.slots[i])
		}
		b.slots[i] = zero
	}

	slog.Debug("[arrayfill]",
		slog.String("event_type", "buffer.discarded"),
		slog.Int("released", released),
		slog.Int("slots", len(b.slots)),
	)
}

// Package arrayfill builds fixed-size collections by running a per-index
// initializer exactly once per slot, in ascending index order, without
// requiring the element type to have a usable placeholder value and without
// ever exposing a partially built result. If initialization stops early,
// through a panic or an initializer error, every element built so far is
// released exactly once and nothing is returned.
//
// The three entry points differ only in where elements come from and how
// failure surfaces: Fill for initializers that cannot fail, TryFill for
// initializers returning an error, and FromSeq for a lazy sequence of
// ready-made values.
package arrayfill

import (
	"errors"
	"iter"
)

// ErrShortSource is returned by FromSeq and FromSeqReversed when the
// sequence ends before every slot received a value.
var ErrShortSource = errors.New("sequence exhausted before all slots were filled")

// Fill returns a slice of n elements where element i is the value of f(i).
// f is called once per index, strictly in ascending order, so it may carry
// external mutable state such as a running total. If f panics at index j,
// the elements built for indices [0, j) are released and the panic continues
// to the caller.
func Fill[T any](n int, f func(int) T, opts ...Option[T]) []T {
	buf := NewBuffer(n, opts...)
	g := NewGuard(buf.Discard)
	defer g.Release()

	for i := 0; i < n; i++ {
		buf.Write(i, f(i))
	}

	g.Disarm()
	return buf.Finish()
}

// TryFill is Fill for initializers that can fail. The first error stops the
// loop: elements built so far are released, and the error is returned to the
// caller unwrapped. A partially filled slice is never returned.
func TryFill[T any](n int, f func(int) (T, error), opts ...Option[T]) ([]T, error) {
	buf := NewBuffer(n, opts...)
	g := NewGuard(buf.Discard)
	defer g.Release()

	for i := 0; i < n; i++ {
		v, err := f(i)
		if err != nil {
			return nil, err
		}
		buf.Write(i, v)
	}

	g.Disarm()
	return buf.Finish(), nil
}

// FromSeq fills n slots from seq in yield order. Exactly n values are
// pulled; whatever the sequence could yield beyond that stays unconsumed.
// If the sequence ends early, the values already stored are released and
// ErrShortSource is returned.
func FromSeq[T any](n int, seq iter.Seq[T], opts ...Option[T]) ([]T, error) {
	return fillFromSeq(n, seq, false, opts)
}

// FromSeqReversed is FromSeq filling slots back to front: the first value
// yielded lands in slot n-1, the next in n-2, and so on.
func FromSeqReversed[T any](n int, seq iter.Seq[T], opts ...Option[T]) ([]T, error) {
	return fillFromSeq(n, seq, true, opts)
}

func fillFromSeq[T any](n int, seq iter.Seq[T], reversed bool, opts []Option[T]) ([]T, error) {
	buf := NewBuffer(n, opts...)
	buf.reversed = reversed
	g := NewGuard(buf.Discard)
	defer g.Release()

	if n > 0 {
		for v := range seq {
			buf.Write(buf.next(), v)
			if buf.Filled() == n {
				break
			}
		}
		if buf.Filled() < n {
			return nil, ErrShortSource
		}
	}

	g.Disarm()
	return buf.Finish(), nil
}

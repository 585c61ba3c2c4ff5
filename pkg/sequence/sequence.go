// Package sequence provides a lazy, chainable wrapper over iter.Seq.
// Every stage honours early termination, so a consumer that stops ranging
// stops the producer too.
package sequence

import "iter"

// Iterator is an immutable, chainable, lazily evaluated sequence.
// Ranging over Seq twice re-runs the producer.
type Iterator[T any] struct {
	seq iter.Seq[T]
}

// New wraps an existing sequence.
func New[T any](seq iter.Seq[T]) *Iterator[T] {
	if seq == nil {
		seq = func(func(T) bool) {}
	}
	return &Iterator[T]{seq: seq}
}

// From iterates over a slice.
func From[T any](data []T) *Iterator[T] {
	return New(func(yield func(T) bool) {
		for _, v := range data {
			if !yield(v) {
				return
			}
		}
	})
}

// Empty yields nothing.
func Empty[T any]() *Iterator[T] { return New[T](nil) }

// Seq returns the underlying sequence for use with range.
func (i *Iterator[T]) Seq() iter.Seq[T] { return i.seq }

// Pull converts the iterator into a pull-style next/stop pair.
func (i *Iterator[T]) Pull() (next func() (T, bool), stop func()) {
	return iter.Pull(i.seq)
}

func (i *Iterator[T]) Filter(pred func(T) bool) *Iterator[T] {
	return New(func(yield func(T) bool) {
		for v := range i.seq {
			if pred(v) && !yield(v) {
				return
			}
		}
	})
}

// Take stops after n elements.
func (i *Iterator[T]) Take(n int) *Iterator[T] {
	return New(func(yield func(T) bool) {
		if n <= 0 {
			return
		}
		taken := 0
		for v := range i.seq {
			if !yield(v) {
				return
			}
			taken++
			if taken >= n {
				return
			}
		}
	})
}

// Collect drains the iterator into a slice.
func (i *Iterator[T]) Collect() []T {
	var out []T
	for v := range i.seq {
		out = append(out, v)
	}
	return out
}

func (i *Iterator[T]) First() (T, bool) {
	for v := range i.seq {
		return v, true
	}
	var zero T
	return zero, false
}

func (i *Iterator[T]) Count() int {
	n := 0
	for range i.seq {
		n++
	}
	return n
}

func (i *Iterator[T]) Any(pred func(T) bool) bool {
	for v := range i.seq {
		if pred(v) {
			return true
		}
	}
	return false
}

// Map transforms every element. It is a function because methods cannot
// introduce type parameters.
func Map[T, R any](i *Iterator[T], fn func(T) R) *Iterator[R] {
	return New(func(yield func(R) bool) {
		for v := range i.seq {
			if !yield(fn(v)) {
				return
			}
		}
	})
}

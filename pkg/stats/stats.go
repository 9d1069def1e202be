// Package stats keeps a running mean and standard deviation over a bounded
// window of signed samples. Sums are held exactly in big.Int so squared
// nanosecond magnitudes cannot overflow.
package stats

import (
	"math/big"

	"github.com/ddirect/container/fifo"
	"golang.org/x/exp/constraints"
)

type Running[T constraints.Signed] struct {
	sum        big.Int
	sum2       big.Int
	t1         big.Int
	t2         big.Int
	t3         big.Int
	window     fifo.Fifo[T]
	maxSamples int
}

func New[T constraints.Signed](maxSamples int) *Running[T] {
	return &Running[T]{
		maxSamples: maxSamples,
	}
}

// Add records a sample, evicting the oldest one once the window is full.
func (s *Running[T]) Add(x T) {
	if s.window.Len() >= s.maxSamples {
		if old, ok := s.window.Dequeue(); ok {
			t := s.t1.SetInt64(int64(old))
			s.sum.Sub(&s.sum, t)
			s.sum2.Sub(&s.sum2, t.Mul(t, t))
		}
	}
	t := s.t1.SetInt64(int64(x))
	s.sum.Add(&s.sum, t)
	s.sum2.Add(&s.sum2, t.Mul(t, t))
	s.window.Enqueue(x)
}

func (s *Running[T]) Count() int {
	return s.window.Len()
}

func (s *Running[T]) Mean() T {
	n := s.window.Len()
	if n < 1 {
		return 0
	}
	return T(s.t2.Div(&s.sum, s.t1.SetUint64(uint64(n))).Int64())
}

func (s *Running[T]) StdDev() T {
	n := uint64(s.window.Len())
	if n < 2 {
		return 0
	}
	// Sqrt((n*sum2 - sum*sum) / (n*(n-1)))
	t1 := &s.t1
	t2 := &s.t2
	t3 := &s.t3

	t1.SetUint64(n)
	t2.Sub(t2.Mul(t1, &s.sum2), t3.Mul(&s.sum, &s.sum))
	t3.Mul(t1, t3.SetUint64(n-1))

	return T(t2.Div(t2, t3).Sqrt(t2).Uint64())
}

package doublehead

import (
	"runtime"

	"github.com/valyala/fastrand"
)

// Backoff bounds an optimistic retry loop.
// A spin is one runtime.Gosched call. The spin budget starts at MinSpins,
// doubles after every failed attempt up to MaxSpins, and is jittered into
// the upper half of the budget so that contending readers fall out of step.
type Backoff struct {
	MaxRetries int
	MinSpins   int
	MaxSpins   int
}

// DefaultBackoff is used by GetBounded callers that have no better numbers.
var DefaultBackoff = Backoff{
	MaxRetries: 64,
	MinSpins:   1,
	MaxSpins:   256,
}

func (b Backoff) retries() int {
	if b.MaxRetries <= 0 {
		return 1
	}
	return b.MaxRetries
}

// spins returns the jittered spin budget for the given attempt (0-based).
func (b Backoff) spins(attempt int) int {
	lo := b.MinSpins
	if lo < 1 {
		lo = 1
	}
	hi := b.MaxSpins
	if hi < lo {
		hi = lo
	}

	n := lo
	for i := 0; i < attempt && n < hi; i++ {
		n <<= 1
	}
	if n > hi {
		n = hi
	}

	half := n / 2
	return half + int(fastrand.Uint32n(uint32(n-half)+1))
}

// wait yields the processor for the attempt's spin budget.
func (b Backoff) wait(attempt int) {
	for i := b.spins(attempt); i > 0; i-- {
		runtime.Gosched()
	}
}

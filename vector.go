package doublehead

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// Vector is a fixed-capacity, append-only sequence with two heads.
//
// Readers go through the read head only: they never block, never allocate
// and never see a half-written element. Writers are serialized by a gate
// and append into the other arena (the write slot), then publish it as the
// new read head and bring the demoted arena up to date before releasing
// the gate, so both arenas hold the same prefix between appends.
//
// Every arena slot is written exactly once, before any reader can reach it
// through the published length. The version counter is the seqlock fence:
// a read that raced a publish is discarded and retried.
type Vector[T any] struct {
	_        cpu.CacheLinePad
	capacity uint64
	arenas   [2][]T
	// gate holds the index of the write slot. Receiving the token is owning
	// the write arena; sending it back releases the gate.
	gate chan uint32
	_    cpu.CacheLinePad
	// readHead, length and version are written only by the gate owner.
	readHead atomic.Uint32
	length   atomic.Uint64
	version  atomic.Uint64
	_        cpu.CacheLinePad
	stats    vectorCounters
}

type vectorCounters struct {
	pushAttempts   atomic.Uint64
	pushed         atomic.Uint64
	pushFailedFull atomic.Uint64
	pushTimeout    atomic.Uint64
	pushBusy       atomic.Uint64
	_              cpu.CacheLinePad
	getOutOfBounds atomic.Uint64
	getRetries     atomic.Uint64
	getContended   atomic.Uint64
}

// VectorStats is a point-in-time copy of the Vector counters.
// Successful reads are not counted, so a plain Get never writes shared memory.
type VectorStats struct {
	PushAttempts   uint64
	Pushed         uint64
	PushFailedFull uint64
	PushTimeout    uint64
	PushBusy       uint64

	GetOutOfBounds uint64
	GetRetries     uint64
	GetContended   uint64
}

// New creates a Vector holding at most capacity elements.
func New[T any](capacity uint64) (*Vector[T], error) {
	if capacity == 0 {
		return nil, ErrInvalidCapacity
	}

	v := &Vector[T]{
		capacity: capacity,
		arenas:   [2][]T{make([]T, capacity), make([]T, capacity)},
		gate:     make(chan uint32, 1),
	}
	// arena 0 is published, arena 1 is the write slot
	v.gate <- 1

	return v, nil
}

// MustNew is like New but panics if capacity is 0.
func MustNew[T any](capacity uint64) *Vector[T] {
	v, err := New[T](capacity)
	if err != nil {
		panic(err)
	}
	return v
}

// Push appends val and returns the index it was published at.
// Blocks while another append is in flight. If the vector is full the
// returned error is a *RejectedError[T] wrapping ErrFull and carrying val.
// Safe to call concurrently from many goroutines.
func (v *Vector[T]) Push(val T) (int, error) {
	v.stats.pushAttempts.Add(1)
	return v.push(<-v.gate, val)
}

// PushContext is Push with the gate acquisition bounded by ctx.
// When ctx is done first nothing is published and the error is a
// *RejectedError[T] wrapping ErrTimeout, so the caller may retry.
func (v *Vector[T]) PushContext(ctx context.Context, val T) (int, error) {
	v.stats.pushAttempts.Add(1)
	select {
	case w := <-v.gate:
		return v.push(w, val)
	case <-ctx.Done():
		v.stats.pushTimeout.Add(1)
		return 0, &RejectedError[T]{Value: val, Err: ErrTimeout}
	}
}

// TryPush appends val only if no other append is in flight.
// A busy gate yields a *RejectedError[T] wrapping ErrBusy.
func (v *Vector[T]) TryPush(val T) (int, error) {
	v.stats.pushAttempts.Add(1)
	select {
	case w := <-v.gate:
		return v.push(w, val)
	default:
		v.stats.pushBusy.Add(1)
		return 0, &RejectedError[T]{Value: val, Err: ErrBusy}
	}
}

// push runs with the gate held; w is the write slot.
// Nothing after the publish can fail.
func (v *Vector[T]) push(w uint32, val T) (int, error) {
	n := v.length.Load()
	if n == v.capacity {
		v.gate <- w
		v.stats.pushFailedFull.Add(1)
		return 0, &RejectedError[T]{Value: val, Err: ErrFull}
	}

	// 1. write into the private arena, invisible to readers
	v.arenas[w][n] = val

	// 2. publish: the write slot becomes the read head, then bump the fence
	r := v.readHead.Load()
	v.readHead.Store(w)
	v.version.Add(1)

	// 3. length is stored after the head, so a reader that sees n+1
	// elements also sees a head holding all of them
	v.length.Store(n + 1)

	// 4. converge: the demoted arena already holds [0, n), only the new
	// element differs. No reader indexes r at n until r is published again.
	copy(v.arenas[r][n:n+1], v.arenas[w][n:n+1])

	// 5. the demoted arena is the next write slot
	v.gate <- r
	v.stats.pushed.Add(1)

	return int(n), nil
}

// Get returns a copy of the element at index i.
// Lock-free: it never blocks on writers or other readers, but retries for as
// long as appends keep publishing under it. Index past the published length
// yields an *IndexError (errors.Is(err, ErrOutOfBounds)).
func (v *Vector[T]) Get(i int) (T, error) {
	if err := v.checkIndex(i); err != nil {
		var zero T
		return zero, err
	}

	var spins uint32
	for {
		val, ok := v.load(i)
		if ok {
			return val, nil
		}
		v.stats.getRetries.Add(1)
		spins++
		if spins%goschedEvery == 0 {
			runtime.Gosched()
		}
	}
}

// GetBounded is Get with at most b.MaxRetries attempts, backing off between
// them. It returns ErrContended instead of spinning forever; it never
// returns an inconsistent value.
func (v *Vector[T]) GetBounded(i int, b Backoff) (T, error) {
	var zero T
	if err := v.checkIndex(i); err != nil {
		return zero, err
	}

	for attempt := 0; attempt < b.retries(); attempt++ {
		val, ok := v.load(i)
		if ok {
			return val, nil
		}
		v.stats.getRetries.Add(1)
		b.wait(attempt)
	}

	v.stats.getContended.Add(1)
	return zero, ErrContended
}

// load is one optimistic read; ok is false if a publish raced it.
func (v *Vector[T]) load(i int) (T, bool) {
	v1 := v.version.Load()
	val := v.arenas[v.readHead.Load()][i]
	return val, v.version.Load() == v1
}

func (v *Vector[T]) checkIndex(i int) error {
	n := v.length.Load()
	if i < 0 || uint64(i) >= n {
		v.stats.getOutOfBounds.Add(1)
		return &IndexError{Index: i, Len: int(n)}
	}
	return nil
}

// Snapshot appends the published elements to dst and returns the result.
// The copy is a consistent prefix: it is retried if an append publishes
// while it is being taken.
func (v *Vector[T]) Snapshot(dst []T) []T {
	base := len(dst)
	for {
		v1 := v.version.Load()
		n := v.length.Load()
		dst = append(dst[:base], v.arenas[v.readHead.Load()][:n]...)
		if v.version.Load() == v1 {
			return dst
		}
		v.stats.getRetries.Add(1)
		runtime.Gosched()
	}
}

// Len returns the number of published elements.
func (v *Vector[T]) Len() int {
	return int(v.length.Load())
}

// Cap returns the fixed capacity.
func (v *Vector[T]) Cap() uint64 {
	return v.capacity
}

// Version returns the number of completed appends.
func (v *Vector[T]) Version() uint64 {
	return v.version.Load()
}

// Stats retrieves the current statistics of the Vector.
func (v *Vector[T]) Stats() VectorStats {
	return VectorStats{
		PushAttempts:   v.stats.pushAttempts.Load(),
		Pushed:         v.stats.pushed.Load(),
		PushFailedFull: v.stats.pushFailedFull.Load(),
		PushTimeout:    v.stats.pushTimeout.Load(),
		PushBusy:       v.stats.pushBusy.Load(),
		GetOutOfBounds: v.stats.getOutOfBounds.Load(),
		GetRetries:     v.stats.getRetries.Load(),
		GetContended:   v.stats.getContended.Load(),
	}
}

package doublehead

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"
)

// Feeder is a bounded multi-producer, single-consumer staging ring in front
// of a Vector. Producers Submit values from any goroutine; a single Run
// goroutine appends them, so the Vector's writer gate is never contended.
type Feeder[T any] struct {
	// Optional padding to avoid false sharing between frequently accessed fields
	_        cpu.CacheLinePad
	vec      *Vector[T]
	mask     uint64
	capacity uint64
	slots    []slot[request[T]]
	_        cpu.CacheLinePad
	enqueue  atomic.Uint64 // logical "tail", updated by multiple producers
	_        cpu.CacheLinePad
	dequeue  uint64 // logical "head", updated by the Run goroutine only
	_        cpu.CacheLinePad

	running  atomic.Bool
	stopped  atomic.Bool
	inflight atomic.Int64 // Submits between the stopped check and the end of tryEnqueue
	stats    feederCounters
}

type request[T any] struct {
	val   T
	reply chan result
}

type result struct {
	pos int
	err error
}

type feederCounters struct {
	submitAttempts      atomic.Uint64
	submitFailedQIsFull atomic.Uint64
	submitTimeout       atomic.Uint64
	appended            atomic.Uint64
	rejected            atomic.Uint64
	stopped             atomic.Uint64
}

// FeederStats is a point-in-time copy of the Feeder counters.
type FeederStats struct {
	SubmitAttempts      uint64
	SubmitFailedQIsFull uint64
	SubmitTimeout       uint64

	// Appended and Rejected count what the Run goroutine did with dequeued
	// values; Stopped counts values turned away after Run returned.
	Appended uint64
	Rejected uint64
	Stopped  uint64
}

const (
	idleSpinRounds = 16
	idleSleep      = 50 * time.Microsecond
)

var idleBackoff = Backoff{MinSpins: 1, MaxSpins: 64}

// NewFeeder creates a feeder for vec with a staging ring of the given size.
// Capacity must be a power of two (1<<k).
func NewFeeder[T any](vec *Vector[T], capacity uint64) *Feeder[T] {
	if capacity == 0 || (capacity&(capacity-1)) != 0 {
		panic("capacity must be power of 2 and > 0")
	}
	if vec == nil {
		panic("feeder: nil vector")
	}

	slots := make([]slot[request[T]], capacity)
	for i := uint64(0); i < capacity; i++ {
		// initial sequence value per slot
		slots[i].seq.Store(i)
	}

	return &Feeder[T]{
		vec:      vec,
		mask:     capacity - 1,
		capacity: capacity,
		slots:    slots,
	}
}

// Submit stages val and waits until the Run goroutine has appended it,
// returning the index it was published at or the Vector's error.
// May be called concurrently from many goroutines (producers).
//
// A full staging ring yields a *RejectedError[T] wrapping ErrQueueIsFull.
// If ctx is done first Submit returns ErrTimeout; the value is already
// staged and may still be appended. Once Run has returned, Submit fails
// with ErrStopped.
func (f *Feeder[T]) Submit(ctx context.Context, val T) (int, error) {
	f.stats.submitAttempts.Add(1)

	// stop waits for inflight to drop to zero before its final drain, so a
	// value staged here is either drained or never staged at all
	f.inflight.Add(1)
	if f.stopped.Load() {
		f.inflight.Add(-1)
		f.stats.stopped.Add(1)
		return 0, &RejectedError[T]{Value: val, Err: ErrStopped}
	}

	var ch chan result
	chv := replyChPool.Get()
	if chv == nil {
		chv = make(chan result, 1)
	}
	ch = chv.(chan result)

	staged := f.tryEnqueue(request[T]{val: val, reply: ch})
	f.inflight.Add(-1)
	if !staged {
		f.stats.submitFailedQIsFull.Add(1)
		replyChPool.Put(chv)
		return 0, &RejectedError[T]{Value: val, Err: ErrQueueIsFull}
	}

	select {
	case res := <-ch:
		replyChPool.Put(chv)
		return res.pos, res.err
	case <-ctx.Done():
		// the channel is not pooled again: a late reply may still land in it
		f.stats.submitTimeout.Add(1)
		return 0, ErrTimeout
	}
}

// tryEnqueue returns false if the ring is full (overflow).
func (f *Feeder[T]) tryEnqueue(req request[T]) bool {
	var spins uint32
	for {
		pos := f.enqueue.Load()
		s := &f.slots[pos&f.mask]

		seq := s.seq.Load()
		diff := int64(seq) - int64(pos)

		if diff == 0 {
			// slot is free for this position, try to reserve it
			if f.enqueue.CompareAndSwap(pos, pos+1) {
				s.val = req
				// publish the value: seq = pos+1
				s.seq.Store(pos + 1)
				return true
			}
		} else if diff < 0 {
			// slot has not been freed by the consumer yet
			return false
		}
		// contention or a slot from the previous cycle, retry
		spins++
		if spins%goschedEvery == 0 {
			runtime.Gosched()
		}
	}
}

// next pops a staged request.
// IMPORTANT: must be called from the Run goroutine only.
func (f *Feeder[T]) next() (request[T], bool) {
	pos := f.dequeue
	s := &f.slots[pos&f.mask]

	var zero request[T]
	if int64(s.seq.Load())-int64(pos+1) != 0 {
		// empty, or a producer is between reserving and publishing
		return zero, false
	}

	f.dequeue = pos + 1
	req := s.val
	s.val = zero
	// free the slot for the next cycle
	s.seq.Store(pos + f.capacity)

	return req, true
}

// Run appends staged values until ctx is done, then rejects whatever is
// still staged with ErrStopped and returns ctx.Err().
// Run must be called exactly once.
func (f *Feeder[T]) Run(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		panic("feeder: Run called twice")
	}
	if err := ctx.Err(); err != nil {
		f.stop()
		return err
	}

	var idle int
	var processed uint32
	for {
		req, ok := f.next()
		if ok {
			idle = 0
			f.apply(req)
			processed++
			if processed%goschedEvery != 0 {
				continue
			}
		}

		// under load ctx is checked every goschedEvery values
		select {
		case <-ctx.Done():
			f.stop()
			return ctx.Err()
		default:
		}
		if ok {
			continue
		}

		if idle < idleSpinRounds {
			idleBackoff.wait(idle)
		} else {
			time.Sleep(idleSleep)
		}
		idle++
	}
}

func (f *Feeder[T]) apply(req request[T]) {
	pos, err := f.vec.Push(req.val)
	if err != nil {
		f.stats.rejected.Add(1)
	} else {
		f.stats.appended.Add(1)
	}
	req.reply <- result{pos: pos, err: err}
}

func (f *Feeder[T]) stop() {
	f.stopped.Store(true)

	var spins uint32
	for f.inflight.Load() != 0 {
		spins++
		if spins%goschedEvery == 0 {
			runtime.Gosched()
		}
	}

	for {
		req, ok := f.next()
		if !ok {
			return
		}
		f.stats.stopped.Add(1)
		req.reply <- result{err: &RejectedError[T]{Value: req.val, Err: ErrStopped}}
	}
}

// Stats retrieves the current statistics of the Feeder.
func (f *Feeder[T]) Stats() FeederStats {
	return FeederStats{
		SubmitAttempts:      f.stats.submitAttempts.Load(),
		SubmitFailedQIsFull: f.stats.submitFailedQIsFull.Load(),
		SubmitTimeout:       f.stats.submitTimeout.Load(),
		Appended:            f.stats.appended.Load(),
		Rejected:            f.stats.rejected.Load(),
		Stopped:             f.stats.stopped.Load(),
	}
}

// Capacity returns the fixed staging ring capacity.
func (f *Feeder[T]) Capacity() uint64 {
	return f.capacity
}

var replyChPool sync.Pool

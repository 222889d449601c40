// Package doublehead provides a fixed-capacity, append-only vector with
// lock-free readers and a feeder that stages appends from many producers.
package doublehead

import "sync/atomic"

// slot is one cell of the feeder ring, in the style of Dmitry Vyukov's
// bounded MPMC queue:
// https://www.1024cores.net/home/lock-free-algorithms/queues/bounded-mpmc-queue
type slot[T any] struct {
	seq atomic.Uint64 // sequence number (controls visibility and slot ownership)
	val T             // actual value stored in this slot
}

const goschedEvery = 64 // reduce runtime.Gosched() frequency in hot loops

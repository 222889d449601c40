package doublehead

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func startFeeder[T any](t *testing.T, f *Feeder[T]) (stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- f.Run(ctx)
	}()
	return func() error {
		cancel()
		return <-errc
	}
}

func TestNewFeederCapacity(t *testing.T) {
	v := MustNew[int](4)
	for _, capacity := range []uint64{0, 3, 6} {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Fatalf("expected NewFeeder(%d) to panic", capacity)
				}
			}()
			NewFeeder(v, capacity)
		}()
	}
	if f := NewFeeder(v, 8); f.Capacity() != 8 {
		t.Fatalf("expected capacity 8, got %d", f.Capacity())
	}
}

// Basic sanity: sequential submits come back in order.
func TestFeederSequential(t *testing.T) {
	const N = 1000

	v := MustNew[string](N)
	f := NewFeeder(v, 64)
	stop := startFeeder(t, f)

	for i := 0; i < N; i++ {
		val := fmt.Sprintf("item %d", i)
		pos, err := f.Submit(context.Background(), val)
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if pos != i {
			t.Fatalf("expected pos=%d, got %d", i, pos)
		}
		if got, _ := v.Get(pos); got != val {
			t.Fatalf("expected %q, got %q", val, got)
		}
	}

	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled from Run, got %v", err)
	}
	if s := f.Stats(); s.Appended != N || s.SubmitAttempts != N {
		t.Fatalf("unexpected stats %+v", s)
	}
}

// Concurrent test: many producers through one feeder.
// Checks that all values [0..N) are stored exactly once at the index reported.
func TestFeederConcurrentProducers(t *testing.T) {
	const (
		N           = 20_000
		producers   = 8
		perProducer = N / producers
	)

	v := MustNew[int](N)
	f := NewFeeder(v, 1<<8)
	stop := startFeeder(t, f)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(from, to int) {
			defer wg.Done()
			for i := from; i < to; i++ {
				for {
					pos, err := f.Submit(context.Background(), i)
					if errors.Is(err, ErrQueueIsFull) {
						continue
					}
					if err != nil {
						t.Errorf("submit %d: %v", i, err)
						return
					}
					if got, _ := v.Get(pos); got != i {
						t.Errorf("expected %d at %d, got %d", i, pos, got)
					}
					break
				}
			}
		}(p*perProducer, (p+1)*perProducer)
	}
	wg.Wait()

	seen := make([]int, N)
	for _, val := range v.Snapshot(nil) {
		seen[val]++
	}
	for i := 0; i < N; i++ {
		if seen[i] != 1 {
			t.Fatalf("value %d seen %d times (expected 1)", i, seen[i])
		}
	}
}

func TestFeederQueueIsFull(t *testing.T) {
	const capacity = 4

	v := MustNew[int](16)
	f := NewFeeder(v, capacity)

	// nothing drains yet: a cancelled ctx stages the value and returns at once
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < capacity; i++ {
		if _, err := f.Submit(cancelled, i); !errors.Is(err, ErrTimeout) {
			t.Fatalf("submit %d: expected ErrTimeout, got %v", i, err)
		}
	}

	_, err := f.Submit(cancelled, 999)
	if !errors.Is(err, ErrQueueIsFull) {
		t.Fatalf("expected ErrQueueIsFull, got %v", err)
	}
	if back, _ := Rejected[int](err); back != 999 {
		t.Fatalf("expected rejected value 999, got %d", back)
	}

	// timed out values were staged and still get appended
	stop := startFeeder(t, f)
	deadline := time.Now().Add(5 * time.Second)
	for v.Len() < capacity {
		if time.Now().After(deadline) {
			t.Fatalf("staged values not appended, len %d", v.Len())
		}
		time.Sleep(time.Millisecond)
	}
	stop()

	for i := 0; i < capacity; i++ {
		if got, err := v.Get(i); err != nil || got != i {
			t.Fatalf("get %d: expected (%d, nil), got (%d, %v)", i, i, got, err)
		}
	}

	s := f.Stats()
	if s.SubmitTimeout != capacity || s.SubmitFailedQIsFull != 1 || s.Appended != capacity {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestFeederVectorFull(t *testing.T) {
	v := MustNew[string](2)
	f := NewFeeder(v, 8)
	stop := startFeeder(t, f)
	defer stop()

	for _, val := range []string{"a", "b"} {
		if _, err := f.Submit(context.Background(), val); err != nil {
			t.Fatalf("submit %q: %v", val, err)
		}
	}

	_, err := f.Submit(context.Background(), "c")
	if !errors.Is(err, ErrFull) {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if back, _ := Rejected[string](err); back != "c" {
		t.Fatalf("expected rejected value %q, got %q", "c", back)
	}
	if s := f.Stats(); s.Rejected != 1 {
		t.Fatalf("expected 1 rejected, got %d", s.Rejected)
	}
}

func TestFeederStopped(t *testing.T) {
	v := MustNew[int](8)
	f := NewFeeder(v, 8)

	// stage one value, then stop without ever draining it
	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Submit(cancelled, 1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if err := f.Run(cancelled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if v.Len() != 0 {
		t.Fatalf("expected nothing appended after stop, got len %d", v.Len())
	}

	_, err := f.Submit(context.Background(), 2)
	if !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if s := f.Stats(); s.Stopped != 2 {
		t.Fatalf("expected 2 stopped, got %d", s.Stopped)
	}

	defer func() {
		if r := recover(); r == nil {
			t.Fatalf("expected second Run to panic")
		}
	}()
	f.Run(context.Background())
}

// A Submit that passed the stopped check before Run began to stop is
// still drained: stop waits for it to finish staging.
func TestFeederStopWaitsForInflightSubmit(t *testing.T) {
	v := MustNew[int](8)
	f := NewFeeder(v, 8)

	// a producer between the stopped check and tryEnqueue
	f.inflight.Add(1)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- f.Run(cancelled)
	}()

	select {
	case err := <-errc:
		t.Fatalf("Run returned with a Submit in flight: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	reply := make(chan result, 1)
	if !f.tryEnqueue(request[int]{val: 5, reply: reply}) {
		t.Fatalf("enqueue failed (ring unexpectedly full)")
	}
	f.inflight.Add(-1)

	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	select {
	case res := <-reply:
		if !errors.Is(res.err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", res.err)
		}
		if back, _ := Rejected[int](res.err); back != 5 {
			t.Fatalf("expected rejected value 5, got %d", back)
		}
	default:
		t.Fatalf("staged value got no reply")
	}
}

// Producers keep submitting while Run is cancelled; every Submit returns.
func TestFeederSubmitAcrossStop(t *testing.T) {
	const (
		rounds    = 50
		producers = 4
	)

	for round := 0; round < rounds; round++ {
		v := MustNew[int](1 << 16)
		f := NewFeeder(v, 16)
		ctx, cancel := context.WithCancel(context.Background())
		runDone := make(chan error, 1)
		go func() {
			runDone <- f.Run(ctx)
		}()

		var wg sync.WaitGroup
		wg.Add(producers)
		for p := 0; p < producers; p++ {
			go func() {
				defer wg.Done()
				for i := 0; ; i++ {
					_, err := f.Submit(context.Background(), i)
					if errors.Is(err, ErrStopped) {
						return
					}
					if err != nil && !errors.Is(err, ErrQueueIsFull) && !errors.Is(err, ErrFull) {
						t.Errorf("submit %d: %v", i, err)
						return
					}
				}
			}()
		}

		time.Sleep(time.Millisecond)
		cancel()

		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatalf("round %d: Submit still blocked after Run stopped", round)
		}
		if err := <-runDone; !errors.Is(err, context.Canceled) {
			t.Fatalf("round %d: expected context.Canceled, got %v", round, err)
		}
	}
}

func BenchmarkFeederSubmit(b *testing.B) {
	v := MustNew[int](uint64(b.N) + 1)
	f := NewFeeder(v, 1<<10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			for {
				if _, err := f.Submit(context.Background(), i); !errors.Is(err, ErrQueueIsFull) {
					break
				}
			}
			i++
		}
	})
}

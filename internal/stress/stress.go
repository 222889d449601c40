// Package stress hammers a doublehead.Vector with concurrent writers and
// readers and checks the result: no torn or foreign reads, every accepted
// append stored exactly once at the index it was reported at, and rejected
// appends never stored.
package stress

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fastrand"

	"github.com/aradilov/doublehead"
	"github.com/aradilov/doublehead/internal/config"
)

const maxViolations = 100

// Tag is a self-identifying value: Check is derived from Writer and Seq,
// so a value mixed from two appends does not validate.
type Tag struct {
	Writer uint32
	Seq    uint32
	Check  uint64
}

// NewTag returns the tag for the seq-th append of the given writer.
func NewTag(writer, seq uint32) Tag {
	return Tag{Writer: writer, Seq: seq, Check: checksum(writer, seq)}
}

// Valid reports whether Check matches Writer and Seq.
func (t Tag) Valid() bool {
	return t.Check == checksum(t.Writer, t.Seq)
}

func checksum(writer, seq uint32) uint64 {
	x := uint64(writer)<<32 | uint64(seq)
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	// never zero, so an unwritten slot cannot pass
	return x | 1
}

// append outcomes, per attempted tag
const (
	statusNone uint8 = iota
	statusAccepted
	statusRejected
	statusUnknown // feeder timeout: staged, may or may not be stored
)

// Report summarizes one run.
type Report struct {
	Attempted int64
	Appended  int64
	Rejected  int64
	Unknown   int64

	Reads          int64
	ReadsContended int64

	Len     int
	Elapsed time.Duration

	Vector doublehead.VectorStats
	Feeder *doublehead.FeederStats

	Violations []string
}

// OK reports whether the run found no violations.
func (r *Report) OK() bool {
	return len(r.Violations) == 0
}

type run struct {
	cfg    *config.Config
	vec    *doublehead.Vector[Tag]
	feeder *doublehead.Feeder[Tag]

	status    [][]uint8
	positions [][]int

	attempted, appended, rejected, unknown atomic.Int64
	reads, contended                       atomic.Int64

	mu         sync.Mutex
	violations []string
}

// Run executes one stress run described by cfg.
// ctx bounds the readers and writers; a cancelled run still verifies what
// was appended so far.
func Run(ctx context.Context, cfg *config.Config) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	vec, err := doublehead.New[Tag](cfg.Capacity)
	if err != nil {
		return nil, err
	}

	r := &run{
		cfg:       cfg,
		vec:       vec,
		status:    make([][]uint8, cfg.Writers),
		positions: make([][]int, cfg.Writers),
	}
	for w := range r.status {
		r.status[w] = make([]uint8, cfg.AppendsPerWriter)
		r.positions[w] = make([]int, cfg.AppendsPerWriter)
	}

	start := time.Now()

	var feederDone chan error
	feederCtx, stopFeeder := context.WithCancel(context.Background())
	defer stopFeeder()
	if cfg.UseFeeder {
		r.feeder = doublehead.NewFeeder(vec, cfg.FeederCapacity)
		feederDone = make(chan error, 1)
		go func() {
			feederDone <- r.feeder.Run(feederCtx)
		}()
	}

	var writing atomic.Bool
	writing.Store(true)

	var rg sync.WaitGroup
	rg.Add(cfg.Readers)
	for i := 0; i < cfg.Readers; i++ {
		go func() {
			defer rg.Done()
			r.read(ctx, &writing)
		}()
	}

	var wg sync.WaitGroup
	wg.Add(cfg.Writers)
	for w := 0; w < cfg.Writers; w++ {
		go func(w int) {
			defer wg.Done()
			r.write(ctx, w)
		}(w)
	}
	wg.Wait()
	writing.Store(false)
	rg.Wait()

	if feederDone != nil {
		stopFeeder()
		if err := <-feederDone; !errors.Is(err, context.Canceled) {
			r.violate("feeder run: %v", err)
		}
	}

	r.verify()

	rep := &Report{
		Attempted:      r.attempted.Load(),
		Appended:       r.appended.Load(),
		Rejected:       r.rejected.Load(),
		Unknown:        r.unknown.Load(),
		Reads:          r.reads.Load(),
		ReadsContended: r.contended.Load(),
		Len:            vec.Len(),
		Elapsed:        time.Since(start),
		Vector:         vec.Stats(),
		Violations:     r.violations,
	}
	if r.feeder != nil {
		fs := r.feeder.Stats()
		rep.Feeder = &fs
	}
	return rep, nil
}

func (r *run) violate(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.violations) < maxViolations {
		r.violations = append(r.violations, fmt.Sprintf(format, args...))
	}
}

func (r *run) write(ctx context.Context, w int) {
	for seq := 0; seq < r.cfg.AppendsPerWriter; seq++ {
		if ctx.Err() != nil {
			return
		}
		tag := NewTag(uint32(w), uint32(seq))
		r.attempted.Add(1)

		pos, err := r.append(ctx, tag)
		switch {
		case err == nil:
			r.appended.Add(1)
			r.status[w][seq] = statusAccepted
			r.positions[w][seq] = pos
		case errors.Is(err, doublehead.ErrTimeout) && r.feeder != nil:
			r.unknown.Add(1)
			r.status[w][seq] = statusUnknown
		case errors.Is(err, doublehead.ErrFull), errors.Is(err, doublehead.ErrTimeout):
			r.rejected.Add(1)
			r.status[w][seq] = statusRejected
			if back, ok := doublehead.Rejected[Tag](err); !ok || back != tag {
				r.violate("rejected %+v came back as %+v (ok=%v)", tag, back, ok)
			}
		default:
			r.violate("append %+v: %v", tag, err)
			return
		}
	}
}

func (r *run) append(ctx context.Context, tag Tag) (int, error) {
	if r.cfg.PushTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(r.cfg.PushTimeoutMs)*time.Millisecond)
		defer cancel()
	}

	if r.feeder == nil {
		if r.cfg.PushTimeoutMs > 0 {
			return r.vec.PushContext(ctx, tag)
		}
		return r.vec.Push(tag)
	}

	for {
		pos, err := r.feeder.Submit(ctx, tag)
		if !errors.Is(err, doublehead.ErrQueueIsFull) {
			return pos, err
		}
		if ctx.Err() != nil {
			// never staged, so this one is a clean rejection
			return 0, &doublehead.RejectedError[Tag]{Value: tag, Err: doublehead.ErrFull}
		}
		runtime.Gosched()
	}
}

func (r *run) read(ctx context.Context, writing *atomic.Bool) {
	backoff := doublehead.Backoff{
		MaxRetries: r.cfg.Backoff.MaxRetries,
		MinSpins:   r.cfg.Backoff.MinSpins,
		MaxSpins:   r.cfg.Backoff.MaxSpins,
	}

	for done := 0; r.cfg.ReadsPerReader == 0 || done < r.cfg.ReadsPerReader; {
		if ctx.Err() != nil {
			return
		}
		n := r.vec.Len()
		if n == 0 {
			if !writing.Load() {
				return
			}
			runtime.Gosched()
			continue
		}
		if r.cfg.ReadsPerReader == 0 && !writing.Load() {
			return
		}

		i := int(fastrand.Uint32n(uint32(n)))
		var tag Tag
		var err error
		if r.cfg.BoundedReads {
			tag, err = r.vec.GetBounded(i, backoff)
		} else {
			tag, err = r.vec.Get(i)
		}
		done++

		switch {
		case errors.Is(err, doublehead.ErrContended):
			r.contended.Add(1)
			continue
		case err != nil:
			r.violate("get %d of %d: %v", i, n, err)
			continue
		}
		r.reads.Add(1)
		if !tag.Valid() || int(tag.Writer) >= r.cfg.Writers || int(tag.Seq) >= r.cfg.AppendsPerWriter {
			r.violate("get %d: torn or foreign value %+v", i, tag)
		}
	}
}

// verify checks the stored prefix against the recorded append outcomes.
func (r *run) verify() {
	stored := r.vec.Snapshot(nil)
	if len(stored) != r.vec.Len() {
		r.violate("snapshot has %d elements, len is %d", len(stored), r.vec.Len())
	}
	if uint64(len(stored)) > r.vec.Cap() {
		r.violate("len %d exceeds capacity %d", len(stored), r.vec.Cap())
	}

	seen := make([][]int, r.cfg.Writers)
	for w := range seen {
		seen[w] = make([]int, r.cfg.AppendsPerWriter)
	}
	for i, tag := range stored {
		if !tag.Valid() || int(tag.Writer) >= r.cfg.Writers || int(tag.Seq) >= r.cfg.AppendsPerWriter {
			r.violate("index %d holds invalid value %+v", i, tag)
			continue
		}
		seen[tag.Writer][tag.Seq]++
	}

	for w := range r.status {
		for seq, st := range r.status[w] {
			n := seen[w][seq]
			switch {
			case n > 1:
				r.violate("writer %d seq %d stored %d times", w, seq, n)
			case st == statusAccepted && n != 1:
				r.violate("writer %d seq %d accepted but not stored", w, seq)
			case st == statusAccepted && stored[r.positions[w][seq]] != NewTag(uint32(w), uint32(seq)):
				r.violate("writer %d seq %d not at reported index %d", w, seq, r.positions[w][seq])
			case (st == statusRejected || st == statusNone) && n != 0:
				r.violate("writer %d seq %d stored although not accepted", w, seq)
			}
		}
	}

	// full is reported only once the vector really is full
	if r.unknown.Load() == 0 && r.rejected.Load() > 0 && r.cfg.PushTimeoutMs == 0 && uint64(len(stored)) != r.vec.Cap() {
		r.violate("%d appends rejected with len %d < capacity %d", r.rejected.Load(), len(stored), r.vec.Cap())
	}
}

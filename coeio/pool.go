// Package coeio offloads blocking, non-cancellable work (DNS lookups, file
// syscalls, cross-cord joins) onto a fixed pool of OS-thread workers, so a
// fiber can "block" on it without tying up its cord's own thread. It is the
// escape hatch coio reaches for when an operation has no cooperative,
// deadline-aware equivalent.
package coeio

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cordkit/cordkit/fiber"
	"github.com/cordkit/cordkit/internal/config"
)

// Priority selects which of the pool's three queues a job is submitted to.
// Workers always drain High before Normal before Low.
type Priority int

const (
	Low Priority = iota
	Normal
	High
)

// Func is the blocking work a coeio call runs off-cord. It receives no
// context and must not be interrupted mid-flight: once started it always
// runs to completion, per spec.md's "offload calls are not cancellable
// while in flight" rule.
type Func func(args ...any) (any, error)

type job struct {
	fn       Func
	args     []any
	resultCh chan jobResult
	enqueued time.Time
}

type jobResult struct {
	val any
	err error
}

// welford accumulates a running mean/stddev without storing every sample,
// the way the reference pool this is grounded on tracks wait/run latency.
type welford struct {
	mu   sync.Mutex
	n    int64
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.mu.Lock()
	w.n++
	d := x - w.mean
	w.mean += d / float64(w.n)
	w.m2 += d * (x - w.mean)
	w.mu.Unlock()
}

func (w *welford) snapshot() (count int64, mean, stddev float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	count, mean = w.n, w.mean
	if w.n > 1 {
		if v := w.m2 / float64(w.n-1); v > 0 {
			stddev = math.Sqrt(v)
		}
	}
	return
}

// Pool is a fixed-size set of worker goroutines draining three
// priority-ordered job queues. It is the Go stand-in for coeio's pthread
// worker pool: workers are goroutines, not additional cords, since they
// never run fiber code themselves.
type Pool struct {
	qHigh, qNorm, qLow chan *job

	closeOnce sync.Once
	closed    chan struct{}

	// inFlight bounds total submitted-but-not-completed jobs across all
	// three priority lanes combined, independent of each lane's own
	// buffering. Admission blocks on it before a job even reaches a
	// queue, so a burst of High submissions can't starve the pool's
	// total capacity out from under Normal/Low callers.
	inFlight *semaphore.Weighted

	busy      int64
	submitted uint64
	completed uint64

	waitLatency welford
	runLatency  welford
}

// NewPool starts workers goroutines immediately, matching coeio_init's
// eager thread spawn rather than lazy creation on first Call.
func NewPool(workers, queueCapacity int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueCapacity <= 0 {
		queueCapacity = 1
	}
	p := &Pool{
		qHigh:    make(chan *job, queueCapacity),
		qNorm:    make(chan *job, queueCapacity),
		qLow:     make(chan *job, queueCapacity),
		closed:   make(chan struct{}),
		inFlight: semaphore.NewWeighted(int64(workers + 3*queueCapacity)),
	}
	for i := 0; i < workers; i++ {
		go p.workerLoop()
	}
	return p
}

// NewPoolFromConfig sizes the pool from cfg.CoeioWorkers/CoeioQueueCapacity,
// the way a production cord host loads its offload pool sizing from
// config.Load rather than hardcoding it alongside the rest of its startup
// tuning.
func NewPoolFromConfig(cfg config.Config) *Pool {
	return NewPool(cfg.CoeioWorkers, cfg.CoeioQueueCapacity)
}

func (p *Pool) workerLoop() {
	for {
		j, ok := p.dequeue()
		if !ok {
			return
		}
		atomic.AddInt64(&p.busy, 1)
		p.waitLatency.add(float64(time.Since(j.enqueued)) / float64(time.Millisecond))
		start := time.Now()

		val, err := j.fn(j.args...)

		p.runLatency.add(float64(time.Since(start)) / float64(time.Millisecond))
		atomic.AddInt64(&p.busy, -1)
		atomic.AddUint64(&p.completed, 1)
		p.inFlight.Release(1)
		j.resultCh <- jobResult{val, err}
	}
}

// dequeue implements the high-over-normal-over-low preference without
// starving lower queues: a non-blocking pass favors High, then Normal, then
// Low, falling back to a blocking select across all three (plus shutdown)
// only once every queue was found empty.
func (p *Pool) dequeue() (*job, bool) {
	select {
	case j := <-p.qHigh:
		return j, true
	default:
	}
	select {
	case j := <-p.qNorm:
		return j, true
	default:
	}
	select {
	case j := <-p.qLow:
		return j, true
	default:
	}
	select {
	case j := <-p.qHigh:
		return j, true
	case j := <-p.qNorm:
		return j, true
	case j := <-p.qLow:
		return j, true
	case <-p.closed:
		return nil, false
	}
}

func (p *Pool) queueFor(prio Priority) chan *job {
	switch prio {
	case High:
		return p.qHigh
	case Low:
		return p.qLow
	default:
		return p.qNorm
	}
}

// Call implements coio_call/coeio_call: submit fn to run on the pool, park
// the calling fiber (releasing its cord's baton) until it completes or
// timeout elapses. The call is non-cancellable in flight: a concurrent
// Cancel on f does not wake it, and Call itself does not check for
// cancellation, so the request is only observed by a later TestCancel
// after Call returns.
func (p *Pool) Call(f *fiber.Fiber, prio Priority, timeout time.Duration, fn Func, args ...any) (any, error) {
	if err := p.acquireSlot(); err != nil {
		return nil, err
	}

	j := &job{fn: fn, args: args, resultCh: make(chan jobResult, 1), enqueued: time.Now()}

	select {
	case p.queueFor(prio) <- j:
		atomic.AddUint64(&p.submitted, 1)
	case <-p.closed:
		p.inFlight.Release(1)
		return nil, fiber.NewDiag(fiber.KindSystemError, 1, "coeio: pool closed")
	}

	prevCancellable := f.SetCancellable(false)
	defer f.SetCancellable(prevCancellable)

	var res jobResult
	done := make(chan struct{})
	go func() {
		res = <-j.resultCh
		close(done)
		f.Cord().Wakeup(f)
	}()

	f.YieldTimeout(timeout)
	// The job may still be running if a timeout fired before it finished: we
	// wait for it anyway, since coeio work is not cancellable in flight, and
	// return its result rather than a timeout error. The fiber holds its
	// cord's baton during this wait, so no other fiber on the cord runs until
	// the job finishes; done is already closed by the time Yield returns in
	// the Infinite case, so this never adds latency there.
	<-done
	return res.val, res.err
}

// submitAndWait is the synchronous, non-fiber job submission CallAll
// builds on: enqueue fn, block until a worker runs it, return
// its result. Safe to call from a plain goroutine, since it never touches
// fiber state itself.
func (p *Pool) submitAndWait(prio Priority, fn Func) (any, error) {
	if err := p.acquireSlot(); err != nil {
		return nil, err
	}

	j := &job{fn: fn, resultCh: make(chan jobResult, 1), enqueued: time.Now()}
	select {
	case p.queueFor(prio) <- j:
		atomic.AddUint64(&p.submitted, 1)
	case <-p.closed:
		p.inFlight.Release(1)
		return nil, fiber.NewDiag(fiber.KindSystemError, 1, "coeio: pool closed")
	}
	r := <-j.resultCh
	return r.val, r.err
}

// acquireSlot blocks until the pool has room for one more in-flight job, or
// returns an error if the pool is closed first. The semaphore's release
// happens in workerLoop once the job completes, not on submission, so it
// tracks submitted-but-not-yet-completed work rather than queue occupancy
// alone.
func (p *Pool) acquireSlot() error {
	acquired := make(chan struct{})
	go func() {
		if p.inFlight.Acquire(context.Background(), 1) == nil {
			close(acquired)
		}
	}()
	select {
	case <-acquired:
		return nil
	case <-p.closed:
		return fiber.NewDiag(fiber.KindSystemError, 1, "coeio: pool closed")
	}
}

// CallAll is the concurrent-fan-out counterpart to Call: submit every fn to
// the pool at once, and park the calling fiber until all of them have
// completed (or the first error, which cancels waiting for the rest via
// errgroup.Group's early-return but does not cancel the jobs themselves,
// since coeio work still always runs to completion once started). Results
// are returned in the same order as fns. Useful for a caller that wants to,
// say, stat() several paths without serializing one coeio_call after
// another.
func (p *Pool) CallAll(f *fiber.Fiber, prio Priority, timeout time.Duration, fns ...Func) ([]any, error) {
	if len(fns) == 0 {
		return nil, nil
	}

	prevCancellable := f.SetCancellable(false)
	defer f.SetCancellable(prevCancellable)

	results := make([]any, len(fns))
	done := make(chan error, 1)
	go func() {
		var g errgroup.Group
		for i, fn := range fns {
			i, fn := i, fn
			g.Go(func() error {
				v, err := p.submitAndWait(prio, fn)
				if err != nil {
					return err
				}
				results[i] = v
				return nil
			})
		}
		err := g.Wait()
		done <- err
		f.Cord().Wakeup(f)
	}()

	f.YieldTimeout(timeout)
	// Every fn, once submitted, runs to completion regardless of timeout —
	// same non-cancellable-in-flight rule as Call.
	err := <-done
	return results, err
}

// Stats reports coeio_stat-style counters: how many jobs have been
// submitted vs. completed, how many workers are currently busy, and the
// running wait/run latency distribution in milliseconds.
type Stats struct {
	Submitted    uint64
	Completed    uint64
	Busy         int64
	WaitCount    int64
	WaitMeanMS   float64
	WaitStdDevMS float64
	RunCount     int64
	RunMeanMS    float64
	RunStdDevMS  float64
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	wc, wm, wsd := p.waitLatency.snapshot()
	rc, rm, rsd := p.runLatency.snapshot()
	return Stats{
		Submitted:    atomic.LoadUint64(&p.submitted),
		Completed:    atomic.LoadUint64(&p.completed),
		Busy:         atomic.LoadInt64(&p.busy),
		WaitCount:    wc,
		WaitMeanMS:   wm,
		WaitStdDevMS: wsd,
		RunCount:     rc,
		RunMeanMS:    rm,
		RunStdDevMS:  rsd,
	}
}

// Close stops accepting new work and shuts down idle workers once their
// queues drain. In-flight jobs still run to completion.
func (p *Pool) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}

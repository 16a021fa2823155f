package fiber

import (
	"errors"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cordkit/cordkit/internal/corelog"
)

// Infinite is the "block forever" timeout sentinel, matching spec.md's
// "delay == +∞ never times out".
const Infinite = time.Duration(math.MaxInt64)

// onExitSlot is the payload of a cord's change-once on_exit CAS slot: either
// a handler installed by a joiner, or the "won't run" sentinel the dying
// cord installs itself if nobody got there first. Exactly one write ever
// succeeds, per spec.md §4.3/§9.
type onExitSlot struct {
	handler func()
	wontRun bool
}

// Cord owns one OS thread (via runtime.LockOSThread on its loop goroutine),
// one event loop, and the fibers scheduled on it.
type Cord struct {
	name   string
	id     uuid.UUID
	logger *slog.Logger
	isMain bool

	mu       sync.Mutex
	registry map[FID]*Fiber
	nextFID  FID
	deadPool []*Fiber

	pendingMu   sync.Mutex
	pendingWake []*Fiber
	notifyCh    chan struct{}

	timers timerHeap
	timer  *time.Timer

	stopOnce sync.Once
	stopCh   chan struct{}
	loopDone chan struct{}

	current atomic.Pointer[Fiber]
	sched   *Fiber

	onExit atomic.Pointer[onExitSlot]

	threadDone  chan struct{}
	finalResult int
	finalDiag   *Diag
}

// NewCord allocates a cord's bookkeeping structures (fiber.c's
// cord_create): the registry, ready/dead pools, and the sched pseudo-fiber.
// The cord has no dedicated OS thread until Launch or StartCord runs it.
func NewCord(name string, logger *slog.Logger) *Cord {
	if logger == nil {
		logger = corelog.New(corelog.Options{Level: slog.LevelInfo})
	}
	id := uuid.New()
	c := &Cord{
		name:     name,
		id:       id,
		logger:   logger.With("cord", name, "cord_id", id.String()),
		registry: make(map[FID]*Fiber),
		nextFID:  firstUserFID,
		notifyCh: make(chan struct{}, 1),
		timer:    time.NewTimer(0),
		stopCh:   make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	if !c.timer.Stop() {
		<-c.timer.C
	}
	c.sched = &Fiber{id: SchedFID, cord: c, name: "sched"}
	c.sched.setFlag(FlagCancellable)
	return c
}

// Name returns the cord's name.
func (c *Cord) Name() string { return c.name }

// ID returns the cord's process-lifetime-unique correlation ID, generated
// once at NewCord and stable thereafter — useful for tying log lines and
// Snapshot output for the same cord together across a restart-free process,
// the way a request ID ties together one request's log lines.
func (c *Cord) ID() uuid.UUID { return c.id }

// IsMain reports whether this cord represents the process's main thread,
// affecting nothing in this package beyond bookkeeping and logging, the
// way spec.md says it affects signal-mask/process-title discipline
// elsewhere in the original system.
func (c *Cord) IsMain() bool { return c.isMain }

func (c *Cord) currentFiber() *Fiber {
	if f := c.current.Load(); f != nil {
		return f
	}
	return c.sched
}

// allocFID hands out the next fiber id, wrapping past the reserved
// 1..100 range the way spec.md's max_fid does.
func (c *Cord) allocFID() FID {
	for {
		id := c.nextFID
		c.nextFID++
		if c.nextFID == 0 {
			c.nextFID = firstUserFID
		}
		if _, busy := c.registry[id]; !busy {
			return id
		}
	}
}

// FiberNew takes a fiber from the dead pool, or allocates one, assigns it
// the next id, and registers it. The fiber is not started.
func (c *Cord) FiberNew(name string, entry Entry) *Fiber {
	c.mu.Lock()
	var f *Fiber
	if n := len(c.deadPool); n > 0 {
		f = c.deadPool[n-1]
		c.deadPool = c.deadPool[:n-1]
		f.reset()
	} else {
		f = &Fiber{cord: c, runCh: make(chan struct{}), backCh: make(chan struct{})}
	}
	f.id = c.allocFID()
	c.registry[f.id] = f
	c.mu.Unlock()

	f.SetName(name)
	f.entry = entry
	f.setFlag(FlagCancellable)
	return f
}

// StartFiber implements fiber_start: it sets f's caller, spawns its
// goroutine, and schedules it to run through the same pending-wakeup path
// Wakeup uses. spec.md's fiber_start transfers control immediately,
// skipping the ready-list hop; this package cannot do that unconditionally
// because StartFiber may be called from a goroutine other than the cord's
// own loop goroutine (e.g. coio.Service handing a freshly accepted
// connection to a long-running cord it doesn't otherwise touch) — only the
// loop goroutine is ever allowed to call runOne, or two fibers could run
// concurrently on what is supposed to be a single-threaded cord. The
// practical effect is one extra scheduling pass versus a literal direct
// transfer, which is invisible to callers since nothing may assume a
// particular fiber runs before StartFiber returns.
func (c *Cord) StartFiber(f *Fiber, args ...any) {
	f.args = args
	f.caller = c.currentFiber().id
	f.startedAt = time.Now()
	go f.runGoroutine()
	c.Wakeup(f)
}

// runOne hands the baton to f and blocks until f yields or finishes. It may
// only ever be called from the cord's own loop goroutine (drainPending, or
// the StartCord/runUntilDead bootstrap loop, which together are the only
// callers).
func (c *Cord) runOne(f *Fiber) {
	f.clearFlag(FlagReady)
	prev := c.current.Swap(f)
	f.runCh <- struct{}{}
	<-f.backCh
	c.current.Store(prev)
}

// Wakeup implements fiber_wakeup: idempotent, thread-safe from any
// goroutine (another fiber on this cord, a fiber on another cord, or a
// coeio worker thread), FIFO with respect to other Wakeup calls.
func (c *Cord) Wakeup(f *Fiber) {
	f.mu.Lock()
	if f.flags&(FlagReady|FlagDead) != 0 {
		f.mu.Unlock()
		return
	}
	f.flags |= FlagReady
	f.mu.Unlock()

	f.unlinkWait()

	c.pendingMu.Lock()
	c.pendingWake = append(c.pendingWake, f)
	wasEmpty := len(c.pendingWake) == 1
	c.pendingMu.Unlock()

	if wasEmpty {
		select {
		case c.notifyCh <- struct{}{}:
		default:
		}
	}
}

// wakeupInternal is used by the timer heap, which already runs on the
// cord's own loop goroutine; it is identical to Wakeup, kept as a separate
// name purely to document the call site.
func (c *Cord) wakeupInternal(f *Fiber) { c.Wakeup(f) }

// drainPending pops the current batch of pending wakeups and runs each to
// completion of its turn, in FIFO order. New wakeups arriving mid-batch are
// appended to c.pendingWake and picked up by the next notifyCh trigger,
// never stealing a slot within the batch already snapshotted — this is the
// atomic-snapshot property spec.md's ready-list drain requires.
func (c *Cord) drainPending() {
	c.pendingMu.Lock()
	batch := c.pendingWake
	c.pendingWake = nil
	c.pendingMu.Unlock()

	for _, f := range batch {
		if f.IsDead() {
			continue
		}
		c.runOne(f)
	}
}

// Find implements fiber_find: registry lookup by id.
func (c *Cord) Find(id FID) *Fiber {
	if id == SchedFID {
		return c.sched
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry[id]
}

func (c *Cord) recycle(f *Fiber) {
	c.mu.Lock()
	delete(c.registry, f.id)
	c.deadPool = append(c.deadPool, f)
	c.mu.Unlock()
}

// loop is the cord's event loop: the per-OS-thread select over pending
// fiber wakeups, expired timers, and shutdown — generalized from the
// teacher's watcher.loop() (container/heap timeout handling, a
// notify-channel-gated pending queue) from I/O completions to fiber
// wakeups.
func (c *Cord) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.notifyCh:
			c.drainPending()
		case <-c.timer.C:
			c.fireExpiredTimers()
		case <-c.stopCh:
			return
		}
	}
}

// Launch starts the cord's dedicated OS thread and event loop, without any
// fiber running yet. Callers spawn fibers onto it with FiberNew/StartFiber
// (e.g. coio_service handing off accepted connections). It blocks until the
// loop goroutine is ready.
func (c *Cord) Launch() {
	started := make(chan struct{})
	c.threadDone = make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		close(started)
		c.loop()
		close(c.threadDone)
	}()
	<-started
}

// Shutdown stops the cord's event loop and waits for its OS thread to
// return. Safe to call more than once.
func (c *Cord) Shutdown() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.loopDone
}

// StartCord implements cord_start + cord_costart combined for the common
// case: spawn a dedicated OS thread, create a joinable "main" fiber running
// body on it, schedule that fiber through StartFiber (which enqueues it
// like any other wakeup), then keep the loop running until main finishes. On
// return the cord's OS thread has exited; the cord's final result/diag are
// main's.
func StartCord(name string, logger *slog.Logger, body Entry, args ...any) *Cord {
	c := NewCord(name, logger)
	started := make(chan struct{})
	c.threadDone = make(chan struct{})
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()

		main := c.FiberNew("main", body)
		main.SetJoinable(true)
		close(started)

		c.StartFiber(main, args...)
		c.runUntilDead(main)

		result := main.Result()
		diag := main.Diag()
		if diag != nil && diag.Kind == KindFiberCancelled {
			diag = nil
		}
		c.recycle(main)
		c.finalResult, c.finalDiag = result, diag

		close(c.loopDone)
		c.runOnExit()
		close(c.threadDone)
	}()
	<-started
	return c
}

// runUntilDead keeps servicing the event loop until f finishes, without a
// separate background loop goroutine — used by StartCord, where the
// bootstrap goroutine itself *is* the cord's OS thread.
func (c *Cord) runUntilDead(f *Fiber) {
	for !f.IsDead() {
		select {
		case <-c.notifyCh:
			c.drainPending()
		case <-c.timer.C:
			c.fireExpiredTimers()
		case <-c.stopCh:
			return
		}
	}
}

// Join implements cord_join: blocks the calling goroutine until the cord's
// OS thread has exited, then reports the cord's final fiber result/diag.
func (c *Cord) Join() (int, error) {
	<-c.threadDone
	return c.finalResult, errFromDiag(c.finalDiag)
}

// runOnExit performs the change-once on_exit transition: if a joiner
// already installed a handler via Cojoin, run it; otherwise mark the slot
// "won't run" so a racing Cojoin sees the cord is already gone and doesn't
// wait.
func (c *Cord) runOnExit() {
	slot := &onExitSlot{wontRun: true}
	if !c.onExit.CompareAndSwap(nil, slot) {
		if installed := c.onExit.Load(); installed != nil && installed.handler != nil {
			installed.handler()
		}
	}
}

// Cojoin implements cord_cojoin: a fiber-friendly cross-cord join. caller
// is the fiber performing the join (on a different cord than target); it
// parks (non-cancellable) until target's OS thread exits, then reports
// target's result exactly as Join would, without running target's main
// fiber body on caller's cord.
func (caller *Fiber) Cojoin(target *Cord) (int, error) {
	prevCancellable := caller.SetCancellable(false)
	defer caller.SetCancellable(prevCancellable)

	slot := &onExitSlot{handler: func() {
		caller.cord.Wakeup(caller)
	}}
	if target.onExit.CompareAndSwap(nil, slot) {
		caller.Yield()
	}
	// else: target already exited (its own runOnExit got there first), no wait needed.
	<-target.threadDone
	return target.finalResult, errFromDiag(target.finalDiag)
}

// Snapshot is a read-only introspection surface (spec.md's supplemented
// fiber.top-style accounting): counts of fibers in each bucket and the
// cord's name, safe to call from any goroutine.
type Snapshot struct {
	Cord     string
	CordID   uuid.UUID
	Ready    int
	Alive    int
	DeadPool int
}

// Snapshot reports the cord's current fiber bookkeeping.
func (c *Cord) Snapshot() Snapshot {
	c.pendingMu.Lock()
	ready := len(c.pendingWake)
	c.pendingMu.Unlock()

	c.mu.Lock()
	alive := len(c.registry)
	dead := len(c.deadPool)
	c.mu.Unlock()

	return Snapshot{Cord: c.name, CordID: c.id, Ready: ready, Alive: alive, DeadPool: dead}
}

func diagFromErr(err error) *Diag {
	if err == nil {
		return nil
	}
	var d *Diag
	if errors.As(err, &d) {
		return d
	}
	return NewDiag(KindSystemError, 1, "%s", err.Error()).WithWrapped(err)
}

func errFromDiag(d *Diag) error {
	if d == nil {
		return nil
	}
	return d
}

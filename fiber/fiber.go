package fiber

import (
	"container/list"
	"fmt"
	"sync"
	"time"
)

// MaxFiberNameLen bounds Fiber.Name the way the source's fixed-length name
// buffer silently truncates rather than growing without bound.
const MaxFiberNameLen = 32

// Flag is a bit in Fiber.flags. Default on creation is Cancellable.
type Flag uint32

const (
	FlagReady Flag = 1 << iota
	FlagDead
	FlagCancellable
	FlagCancelled
	FlagJoinable
)

// FID is a per-cord monotonic fiber id. 0 is reserved "none"; 1 is always
// the cord's own sched fiber.
type FID uint32

// SchedFID is the reserved id of a cord's scheduler ("sched") fiber.
const SchedFID FID = 1

// firstUserFID is the lowest id fiber_new ever hands out; 2..100 are
// reserved the way spec.md reserves 1..100, sched alone occupying 1.
const firstUserFID FID = 101

// Entry is a fiber body. It receives the fiber running it (for
// Fiber.Yield/Fiber.TestCancel/FLS access from inside the body) and the
// arguments passed to Cord.StartFiber. It returns a result code and, on failure, an
// error that becomes the fiber's Diag.
type Entry func(f *Fiber, args ...any) (int, error)

// Fiber is a cooperatively scheduled task: one goroutine, paired with a
// baton channel so only one fiber's code runs on its cord at a time.
type Fiber struct {
	id   FID
	cord *Cord

	mu      sync.Mutex
	name    string
	flags   Flag
	diag    *Diag
	result  int
	fls     [flsSlotCount]any
	onYield []func()
	onStop  []func()
	region  Region

	// caller mirrors spec.md's notion of "the fiber to which control
	// returns on yield". StartFiber records it, but nothing reads it (it is
	// not part of Snapshot); actual control transfer is via runCh/backCh
	// below, not this field.
	caller FID

	// wake is the FIFO list of fibers parked in Join() on this one.
	wakeMu sync.Mutex
	wake   list.List

	// waitList/waitElem implement the "on exactly one list at a time"
	// invariant: whichever wait-list linkWait put this fiber on (or
	// nothing) is reachable here so that Wakeup/Cancel can unlink it without
	// the list owner's help. ipc.Channel and ipc.Mutex keep their own
	// waiter lists and do not use linkWait; their waiters unlink themselves
	// when they resume.
	waitMu   sync.Mutex
	waitList *list.List
	waitElem *list.Element

	entry Entry
	args  []any

	runCh  chan struct{} // cord -> fiber: you have the baton
	backCh chan struct{} // fiber -> cord: I yielded or finished

	startedAt time.Time
	totalRun  time.Duration
}

// ID returns the fiber's numeric id.
func (f *Fiber) ID() FID { return f.id }

// Name returns the fiber's (possibly truncated) name.
func (f *Fiber) Name() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.name
}

// SetName renames the fiber, truncating to MaxFiberNameLen.
func (f *Fiber) SetName(name string) {
	if len(name) > MaxFiberNameLen {
		name = name[:MaxFiberNameLen]
	}
	f.mu.Lock()
	f.name = name
	f.mu.Unlock()
}

// Cord returns the cord this fiber is scheduled on.
func (f *Fiber) Cord() *Cord { return f.cord }

// GC returns the fiber's per-call scratch region.
func (f *Fiber) GC() *Region { return &f.region }

func (f *Fiber) flagsSnapshot() Flag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags
}

func (f *Fiber) hasFlag(fl Flag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flags&fl != 0
}

func (f *Fiber) setFlag(fl Flag) {
	f.mu.Lock()
	f.flags |= fl
	f.mu.Unlock()
}

func (f *Fiber) clearFlag(fl Flag) {
	f.mu.Lock()
	f.flags &^= fl
	f.mu.Unlock()
}

// Diag returns the last error captured on this fiber, or nil.
func (f *Fiber) Diag() *Diag {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.diag
}

func (f *Fiber) setDiag(d *Diag) {
	f.mu.Lock()
	f.diag = d
	f.mu.Unlock()
}

// OnYield registers a non-throwing observer run every time this fiber
// yields, before control actually leaves it.
func (f *Fiber) OnYield(fn func()) {
	f.mu.Lock()
	f.onYield = append(f.onYield, fn)
	f.mu.Unlock()
}

// OnStop registers a non-throwing observer run once, after the fiber body
// returns, before it is recycled.
func (f *Fiber) OnStop(fn func()) {
	f.mu.Lock()
	f.onStop = append(f.onStop, fn)
	f.mu.Unlock()
}

func (f *Fiber) runOnYield() {
	f.mu.Lock()
	hooks := append([]func(){}, f.onYield...)
	f.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

func (f *Fiber) runOnStop() {
	f.mu.Lock()
	hooks := append([]func(){}, f.onStop...)
	f.mu.Unlock()
	for _, h := range hooks {
		h()
	}
}

// linkWait puts f on l, recording the node so Wakeup/Cancel can splice it
// back out unconditionally. A fiber must never be linked on two wait-lists
// at once; linkWait panics if that invariant is violated, since it signals
// a scheduler bug rather than a recoverable condition.
func (f *Fiber) linkWait(l *list.List, front bool) *list.Element {
	f.waitMu.Lock()
	defer f.waitMu.Unlock()
	if f.waitList != nil {
		panic(fmt.Sprintf("fiber %d: linked on two wait-lists at once", f.id))
	}
	var e *list.Element
	if front {
		e = l.PushFront(f)
	} else {
		e = l.PushBack(f)
	}
	f.waitList = l
	f.waitElem = e
	return e
}

// unlinkWait removes f from whichever wait-list it is on, if any. It is
// idempotent.
func (f *Fiber) unlinkWait() {
	f.waitMu.Lock()
	defer f.waitMu.Unlock()
	if f.waitList == nil {
		return
	}
	f.waitList.Remove(f.waitElem)
	f.waitList = nil
	f.waitElem = nil
}

// TestCancel implements fiber_testcancel: fails if this fiber has observed
// a cancellation request.
func (f *Fiber) TestCancel() error {
	if f.hasFlag(FlagCancelled) {
		return NewDiag(KindFiberCancelled, 1, "fiber %d (%s) cancelled", f.id, f.Name())
	}
	return nil
}

// SetCancellable toggles whether this fiber can be asynchronously woken by
// Cancel, returning the previous value.
func (f *Fiber) SetCancellable(on bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.flags&FlagCancellable != 0
	if on {
		f.flags |= FlagCancellable
	} else {
		f.flags &^= FlagCancellable
	}
	return prev
}

// IsJoinable reports whether fiber_join is legal on this fiber.
func (f *Fiber) IsJoinable() bool { return f.hasFlag(FlagJoinable) }

// SetJoinable must be called before the fiber terminates.
func (f *Fiber) SetJoinable(on bool) {
	if on {
		f.setFlag(FlagJoinable)
	} else {
		f.clearFlag(FlagJoinable)
	}
}

// IsDead reports whether the fiber body has returned.
func (f *Fiber) IsDead() bool { return f.hasFlag(FlagDead) }

// IsCancelled reports whether a cancellation was requested.
func (f *Fiber) IsCancelled() bool { return f.hasFlag(FlagCancelled) }

// Result returns the fiber body's return code, valid once IsDead.
func (f *Fiber) Result() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result
}

package fiber

import (
	"container/list"
	"fmt"
	"time"
)

// yieldBaton is the channel handoff at the heart of every blocking
// operation in this package: run the yield hooks, hand the baton back to
// the cord, then block until the cord hands it back.
func (f *Fiber) yieldBaton() {
	f.runOnYield()
	f.backCh <- struct{}{}
	<-f.runCh
}

// Yield implements fiber_yield: give up the baton. The caller is
// responsible for having already arranged its own future wakeup (a timer,
// a channel/mutex wait-list registration, or a Join's wake list) — a bare
// Yield with nothing else pending parks the fiber forever.
func (f *Fiber) Yield() {
	f.yieldBaton()
}

// Reschedule implements fiber_reschedule: wake self, then yield, so the
// fiber resumes at the tail of the ready queue after every fiber already
// runnable this turn, rather than before any of them.
func (f *Fiber) Reschedule() {
	f.cord.Wakeup(f)
	f.Yield()
}

// YieldTimeout parks the fiber until either something else wakes it or
// delay elapses, whichever comes first, reporting whether the timeout
// actually fired. Passing Infinite is equivalent to Yield plus always
// returning false.
func (f *Fiber) YieldTimeout(delay time.Duration) bool {
	if delay == Infinite {
		f.Yield()
		return false
	}
	var timedOut bool
	e := f.cord.armTimer(f, delay, &timedOut)
	f.Yield()
	f.cord.disarmTimer(e)
	return timedOut
}

// Sleep implements fiber_sleep: park for delay. An earlier wakeup (for
// example from Cancel on a cancellable fiber) ends the sleep early.
func (f *Fiber) Sleep(delay time.Duration) {
	f.YieldTimeout(delay)
}

// parkOn links f onto l (at the back, or at the front when front is true)
// and yields, unlinking defensively on resume in case the waker didn't
// already do so. Nothing in this module calls it at present.
func (f *Fiber) parkOn(l *list.List, front bool) {
	f.linkWait(l, front)
	f.Yield()
	f.unlinkWait()
}

// Cancel implements fiber_cancel: request cancellation of target,
// observable at target's next TestCancel or cancellable wait. If target is
// cancellable and not already dead, it is woken so a blocking wait returns
// early instead of waiting out its full timeout.
func (target *Fiber) Cancel() {
	target.setFlag(FlagCancelled)
	if target.hasFlag(FlagCancellable) && !target.IsDead() {
		target.cord.Wakeup(target)
	}
}

// RunGC implements fiber_gc: reclaim the fiber's scratch region.
func (f *Fiber) RunGC() {
	f.region.GC()
}

// Join implements fiber_join, called by joiner (normally the currently
// running fiber) on target (which must be joinable and on the same cord as
// joiner — cross-cord joins go through Fiber.Cojoin instead, since Join's
// wakeup routes through target's cord, which only resumes joiner correctly
// if joiner also runs there). It blocks until target's body returns, then
// reports target's result and diag — except that joining a cancelled fiber
// reports success with no diag, per spec.md's "cancellation is an
// asynchronous request, not a propagated error" rule. target is recycled
// once joined; joining it twice is a caller bug (Find will return nil for
// it afterward).
func (joiner *Fiber) Join(target *Fiber) (int, error) {
	if !target.IsJoinable() {
		return 0, NewDiag(KindIllegalParams, 1, "fiber %d (%s) is not joinable", target.id, target.Name())
	}
	if !target.IsDead() {
		target.wakeMu.Lock()
		target.wake.PushBack(joiner)
		target.wakeMu.Unlock()
		joiner.Yield()
	}
	result := target.Result()
	diag := target.Diag()
	if diag != nil && diag.Kind == KindFiberCancelled {
		diag = nil
	}
	target.cord.recycle(target)
	return result, errFromDiag(diag)
}

// runGoroutine is the body every fiber goroutine runs: wait for the first
// baton handoff, run the entry point with panic containment, then finish.
func (f *Fiber) runGoroutine() {
	<-f.runCh

	var result int
	var bodyErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				bodyErr = fmt.Errorf("fiber panic: %v", r)
				result = 1
			}
		}()
		result, bodyErr = f.entry(f, f.args...)
	}()

	f.mu.Lock()
	f.result = result
	f.mu.Unlock()
	if bodyErr != nil {
		f.setDiag(diagFromErr(bodyErr))
	}
	f.finish()
}

// finish runs once a fiber's body has returned: mark dead, wake every
// joiner, run stop hooks, and recycle the fiber immediately unless it is
// joinable (in which case Join recycles it once the result has been
// collected).
func (f *Fiber) finish() {
	f.totalRun = time.Since(f.startedAt)
	f.setFlag(FlagDead)
	f.clearFlag(FlagReady)

	f.wakeMu.Lock()
	var joiners []*Fiber
	for e := f.wake.Front(); e != nil; e = e.Next() {
		joiners = append(joiners, e.Value.(*Fiber))
	}
	f.wake.Init()
	f.wakeMu.Unlock()
	for _, j := range joiners {
		f.cord.Wakeup(j)
	}

	f.runOnStop()

	if !f.IsJoinable() {
		f.cord.recycle(f)
	}

	f.backCh <- struct{}{}
}

// reset clears a recycled fiber's state before fiber.c's fiber_new reuses
// its struct, the way the original pulls a fiber off fiber_cache instead of
// allocating afresh.
func (f *Fiber) reset() {
	f.mu.Lock()
	f.name = ""
	f.flags = 0
	f.diag = nil
	f.result = 0
	f.fls = [flsSlotCount]any{}
	f.onYield = nil
	f.onStop = nil
	f.caller = 0
	f.mu.Unlock()

	f.region.Free()

	f.wakeMu.Lock()
	f.wake.Init()
	f.wakeMu.Unlock()

	f.waitMu.Lock()
	f.waitList = nil
	f.waitElem = nil
	f.waitMu.Unlock()

	f.runCh = make(chan struct{})
	f.backCh = make(chan struct{})
}

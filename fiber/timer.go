package fiber

import (
	"container/heap"
	"time"
)

// timerEntry is one pending fiber_yield_timeout/fiber_sleep deadline,
// stored in the cord's timeout heap the way the teacher's aiocb carried a
// deadline and a heap index (timedHeap in watcher.go), generalized here to
// fire a fiber wakeup instead of delivering an I/O completion.
type timerEntry struct {
	deadline time.Time
	fiber    *Fiber
	idx      int
	timedOut *bool
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].idx = i
	h[j].idx = j
}
func (h *timerHeap) Push(x any) {
	e := x.(*timerEntry)
	e.idx = len(*h)
	*h = append(*h, e)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.idx = -1
	*h = old[:n-1]
	return e
}

// armTimer schedules fiber f to be woken after delay, setting *timedOut to
// true if the deadline fires before disarmTimer is called. Must run on the
// cord's own loop goroutine (i.e. while that fiber holds the baton).
func (c *Cord) armTimer(f *Fiber, delay time.Duration, timedOut *bool) *timerEntry {
	e := &timerEntry{deadline: time.Now().Add(delay), fiber: f, timedOut: timedOut}
	heap.Push(&c.timers, e)
	c.resetTimerLocked()
	return e
}

func (c *Cord) disarmTimer(e *timerEntry) {
	if e == nil || e.idx < 0 {
		return
	}
	e.canceled = true
	heap.Remove(&c.timers, e.idx)
	c.resetTimerLocked()
}

// resetTimerLocked arms c.timer for the earliest pending deadline. Called
// only from the cord's own loop goroutine.
func (c *Cord) resetTimerLocked() {
	if len(c.timers) == 0 {
		c.timer.Stop()
		return
	}
	d := time.Until(c.timers[0].deadline)
	if d < 0 {
		d = 0
	}
	c.timer.Reset(d)
}

// fireExpiredTimers wakes every fiber whose deadline has passed.
func (c *Cord) fireExpiredTimers() {
	now := time.Now()
	for len(c.timers) > 0 {
		e := c.timers[0]
		if e.deadline.After(now) {
			break
		}
		heap.Pop(&c.timers)
		if e.canceled {
			continue
		}
		*e.timedOut = true
		c.wakeupInternal(e.fiber)
	}
	c.resetTimerLocked()
}

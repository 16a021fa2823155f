package ipc

import (
	"container/list"
	"sync"
	"time"

	"github.com/cordkit/cordkit/fiber"
)

// Mutex is a FIFO lock between fibers on (usually) the same cord: whichever
// fiber has been waiting longest gets the lock next, so no waiter can be
// starved by later arrivals, matching spec.md's fairness law for
// ipc_mutex.
type Mutex struct {
	mu      sync.Mutex
	owner   *fiber.Fiber
	waiters list.List
}

// NewMutex returns an unlocked mutex.
func NewMutex() *Mutex { return &Mutex{} }

// TryLock implements ipc_mutex_trylock: acquire without blocking, reporting
// whether it succeeded.
func (m *Mutex) TryLock(f *fiber.Fiber) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.owner != nil {
		return false
	}
	m.owner = f
	return true
}

// Lock implements ipc_mutex_lock: block until f owns the mutex or timeout
// elapses, queueing FIFO behind any earlier waiters.
func (m *Mutex) Lock(f *fiber.Fiber, timeout time.Duration) error {
	m.mu.Lock()
	if m.owner == nil {
		m.owner = f
		m.mu.Unlock()
		return nil
	}
	elem := m.waiters.PushBack(f)
	m.mu.Unlock()

	timedOut := f.YieldTimeout(timeout)

	m.mu.Lock()
	if m.owner == f {
		m.mu.Unlock()
		return nil
	}
	// Woken without being granted ownership: cancellation or timeout. Remove
	// ourselves from the queue if we're still on it.
	for e := m.waiters.Front(); e != nil; e = e.Next() {
		if e == elem {
			m.waiters.Remove(e)
			break
		}
	}
	m.mu.Unlock()
	if err := f.TestCancel(); err != nil {
		return err
	}
	if timedOut {
		return fiber.NewDiag(fiber.KindTimedOut, 1, "ipc: mutex lock timed out")
	}
	return fiber.NewDiag(fiber.KindIllegalParams, 1, "ipc: mutex lock woken without cancellation, timeout, or ownership")
}

// Unlock implements ipc_mutex_unlock: release the lock, handing it directly
// to the longest-waiting fiber if any, waking that fiber with ownership
// already transferred.
func (m *Mutex) Unlock(f *fiber.Fiber) {
	m.mu.Lock()
	if m.owner != f {
		m.mu.Unlock()
		panic("ipc: unlock of mutex not held by this fiber")
	}
	e := m.waiters.Front()
	if e == nil {
		m.owner = nil
		m.mu.Unlock()
		return
	}
	m.waiters.Remove(e)
	next := e.Value.(*fiber.Fiber)
	m.owner = next
	m.mu.Unlock()
	next.Cord().Wakeup(next)
}

// Owner returns the fiber currently holding the lock, or nil.
func (m *Mutex) Owner() *fiber.Fiber {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.owner
}

package ipc

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordkit/cordkit/fiber"
)

func TestMutexTryLock(t *testing.T) {
	m := NewMutex()
	var first, second bool
	var owner *fiber.Fiber

	c := fiber.StartCord("trylock", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		first = m.TryLock(f)
		second = m.TryLock(f) // already held by f, must fail
		owner = m.Owner()
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
	assert.NotNil(t, owner)
}

func TestMutexLockUnlockHandoff(t *testing.T) {
	m := NewMutex()
	var lockErr error

	var gotLock bool
	c := fiber.StartCord("handoff", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		gotLock = m.TryLock(f)
		if !gotLock {
			return 0, nil
		}

		waiter := f.Cord().FiberNew("waiter", func(wf *fiber.Fiber, _ ...any) (int, error) {
			lockErr = m.Lock(wf, fiber.Infinite)
			m.Unlock(wf)
			return 0, lockErr
		})
		waiter.SetJoinable(true)
		f.Cord().StartFiber(waiter)

		f.Reschedule() // let waiter park behind f's held lock

		m.Unlock(f)
		_, _ = f.Join(waiter)
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	require.True(t, gotLock)
	require.NoError(t, lockErr)
	assert.Nil(t, m.Owner())
}

// TestMutexLockTimesOutWhenContended proves a contended Lock can bound its
// wait instead of blocking forever: it unlinks from the waiter queue and
// reports KindTimedOut, and the lock stays with the original holder.
func TestMutexLockTimesOutWhenContended(t *testing.T) {
	m := NewMutex()
	var gotLock bool
	var lockErr error

	c := fiber.StartCord("locktimeout", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		gotLock = m.TryLock(f)

		waiter := f.Cord().FiberNew("waiter", func(wf *fiber.Fiber, _ ...any) (int, error) {
			lockErr = m.Lock(wf, 20*time.Millisecond)
			return 0, nil
		})
		waiter.SetJoinable(true)
		f.Cord().StartFiber(waiter)

		f.Join(waiter)
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	require.True(t, gotLock)
	require.Error(t, lockErr)
	assert.True(t, errors.Is(lockErr, fiber.ErrOfKind(fiber.KindTimedOut)))
	assert.Equal(t, 0, m.waiters.Len())
}

// TestMutexFIFOFairness starts three waiters in order and checks they
// acquire the lock in the same order they queued, not in some arbitrary or
// LIFO order.
func TestMutexFIFOFairness(t *testing.T) {
	m := NewMutex()
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var gotLock bool
	c := fiber.StartCord("fairness", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		gotLock = m.TryLock(f)

		names := []string{"w1", "w2", "w3"}
		waiters := make([]*fiber.Fiber, len(names))
		for i, name := range names {
			name := name
			w := f.Cord().FiberNew(name, func(wf *fiber.Fiber, _ ...any) (int, error) {
				if err := m.Lock(wf, fiber.Infinite); err != nil {
					return 0, err
				}
				record(name)
				m.Unlock(wf)
				return 0, nil
			})
			w.SetJoinable(true)
			waiters[i] = w
			f.Cord().StartFiber(w)
			f.Reschedule() // let each waiter enqueue before starting the next
		}

		m.Unlock(f)
		for _, w := range waiters {
			f.Join(w)
		}
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	require.True(t, gotLock)
	assert.Equal(t, []string{"w1", "w2", "w3"}, order)
}

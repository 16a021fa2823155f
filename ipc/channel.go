// Package ipc provides fiber-to-fiber synchronization primitives: a
// buffered/rendezvous Channel and a FIFO Mutex, both built directly on the
// fiber package's park/Wakeup baton-passing rather than Go's native
// channels/sync.Mutex, so that waiting on them correctly yields the cord's
// baton to other fibers instead of blocking an OS thread.
package ipc

import (
	"container/list"
	"sync"
	"time"

	"github.com/cordkit/cordkit/fiber"
)

// waitPad is what a parked fiber publishes in its fiber-local storage slot
// so whoever wakes it can hand the message directly to it without a second
// round trip through the buffer, per spec.md's rendezvous wait-pad
// protocol.
type waitPad struct {
	msg    any
	filled bool
}

// Channel is a fixed-capacity FIFO message queue between fibers. Capacity 0
// makes it a rendezvous channel: Put blocks until a Get is already waiting.
type Channel struct {
	mu       sync.Mutex
	capacity int
	buf      []any
	closed   bool

	readers list.List // fibers parked in Get
	writers list.List // fibers parked in Put
}

// NewChannel creates a channel. capacity 0 means rendezvous-only.
func NewChannel(capacity int) *Channel {
	return &Channel{capacity: capacity}
}

// Cap reports the channel's buffer capacity.
func (ch *Channel) Cap() int { return ch.capacity }

// Len reports the number of buffered, unread messages.
func (ch *Channel) Len() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.buf)
}

// IsClosed reports whether Close has been called.
func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// HasReaders reports whether any fiber is currently parked in Get.
func (ch *Channel) HasReaders() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.readers.Len() > 0
}

// Put implements ipc_channel_put: enqueue msg, parking the caller if the
// channel is full (or, at capacity 0, until a reader is waiting), subject
// to timeout and cancellation.
func (ch *Channel) Put(f *fiber.Fiber, msg any, timeout time.Duration) error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return fiber.NewDiag(fiber.KindChannelClosed, 1, "ipc: put on closed channel")
	}

	// Fast path: a reader is already parked (which implies the buffer is
	// empty), hand off directly through its wait pad.
	if e := ch.readers.Front(); e != nil {
		ch.readers.Remove(e)
		rf := e.Value.(*fiber.Fiber)
		pad := rf.Get(fiber.KeyChannelWaitPad).(*waitPad)
		pad.msg, pad.filled = msg, true
		ch.mu.Unlock()
		rf.Cord().Wakeup(rf)
		return nil
	}
	if ch.capacity > 0 && len(ch.buf) < ch.capacity {
		ch.buf = append(ch.buf, msg)
		ch.mu.Unlock()
		return nil
	}

	// Must park until there's room (buffered) or a reader shows up
	// (rendezvous).
	return ch.parkWriter(f, msg, timeout)
}

func (ch *Channel) parkWriter(f *fiber.Fiber, msg any, timeout time.Duration) error {
	pad := &waitPad{msg: msg}
	f.Set(fiber.KeyChannelWaitPad, pad)
	elem := ch.writers.PushBack(f)
	ch.mu.Unlock()

	timedOut := f.YieldTimeout(timeout)

	ch.mu.Lock()
	// filled means a reader actually took our message; list membership alone
	// can't tell success from Close unlinking us the same way a reader would.
	if pad.filled {
		ch.mu.Unlock()
		return nil
	}
	for e := ch.writers.Front(); e != nil; e = e.Next() {
		if e == elem {
			ch.writers.Remove(e)
			break
		}
	}
	ch.mu.Unlock()

	if err := f.TestCancel(); err != nil {
		return err
	}
	if timedOut {
		return fiber.NewDiag(fiber.KindTimedOut, 1, "ipc: put timed out")
	}
	return fiber.NewDiag(fiber.KindChannelClosed, 1, "ipc: put on closed channel")
}

// Get implements ipc_channel_get: dequeue a message, parking the caller if
// none is available, subject to timeout and cancellation.
func (ch *Channel) Get(f *fiber.Fiber, timeout time.Duration) (any, error) {
	ch.mu.Lock()
	if len(ch.buf) > 0 {
		msg := ch.buf[0]
		ch.buf = ch.buf[1:]
		var woken *fiber.Fiber
		if e := ch.writers.Front(); e != nil {
			ch.writers.Remove(e)
			woken = e.Value.(*fiber.Fiber)
		}
		ch.mu.Unlock()
		if woken != nil {
			wp := woken.Get(fiber.KeyChannelWaitPad).(*waitPad)
			ch.mu.Lock()
			ch.buf = append(ch.buf, wp.msg)
			wp.filled = true
			ch.mu.Unlock()
			woken.Cord().Wakeup(woken)
		}
		return msg, nil
	}
	if ch.capacity == 0 {
		if e := ch.writers.Front(); e != nil {
			ch.writers.Remove(e)
			wf := e.Value.(*fiber.Fiber)
			wp := wf.Get(fiber.KeyChannelWaitPad).(*waitPad)
			wp.filled = true
			ch.mu.Unlock()
			wf.Cord().Wakeup(wf)
			return wp.msg, nil
		}
	}
	if ch.closed {
		ch.mu.Unlock()
		return nil, fiber.NewDiag(fiber.KindChannelClosed, 1, "ipc: get on closed, empty channel")
	}

	pad := &waitPad{}
	f.Set(fiber.KeyChannelWaitPad, pad)
	elem := ch.readers.PushBack(f)
	ch.mu.Unlock()

	timedOut := f.YieldTimeout(timeout)

	ch.mu.Lock()
	if pad.filled {
		ch.mu.Unlock()
		return pad.msg, nil
	}
	for e := ch.readers.Front(); e != nil; e = e.Next() {
		if e == elem {
			ch.readers.Remove(e)
			break
		}
	}
	ch.mu.Unlock()

	if err := f.TestCancel(); err != nil {
		return nil, err
	}
	if timedOut {
		return nil, fiber.NewDiag(fiber.KindTimedOut, 1, "ipc: get timed out")
	}
	return nil, fiber.NewDiag(fiber.KindChannelClosed, 1, "ipc: get on closed channel")
}

// Close implements ipc_channel_close: marks the channel closed, discards
// any buffered messages, and wakes every parked reader and writer so they
// observe KindChannelClosed instead of waiting out their timeout.
func (ch *Channel) Close() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	ch.buf = nil
	var waiters []*fiber.Fiber
	for e := ch.readers.Front(); e != nil; e = e.Next() {
		waiters = append(waiters, e.Value.(*fiber.Fiber))
	}
	for e := ch.writers.Front(); e != nil; e = e.Next() {
		waiters = append(waiters, e.Value.(*fiber.Fiber))
	}
	ch.readers.Init()
	ch.writers.Init()
	ch.mu.Unlock()

	for _, w := range waiters {
		w.Cord().Wakeup(w)
	}
}

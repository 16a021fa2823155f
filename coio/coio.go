// Package coio provides fiber-blocking network I/O: calls that look
// synchronous to the calling fiber but, unlike a plain net.Conn call,
// release the cord's baton while the I/O is in flight so other fibers on
// the same cord keep making progress. Each call races the real I/O against
// fiber cancellation, the way the teacher's watcher raced a socket op
// against a deadline in its timeout heap — generalized here from "deliver
// an OpResult" to "resume a parked fiber".
package coio

import (
	"io"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/cordkit/cordkit/fiber"
)

// settle is the CAS gate that decides whether a call's real completion or
// its cancellation "wins": whichever flips it first gets to report the
// result; the loser's work is discarded.
type settle struct {
	done atomic.Bool
}

func (s *settle) win() bool { return s.done.CompareAndSwap(false, true) }

// armCloseFinalizer closes conn as a last resort if the caller drops every
// reference to it without ever calling Close themselves, leaking the
// underlying file descriptor. It must not hold a reference back to conn
// through anything other than the finalizer's own parameter, or conn would
// never become unreachable and the finalizer would never run.
func armCloseFinalizer(conn net.Conn) {
	runtime.SetFinalizer(conn, func(c net.Conn) {
		c.Close()
	})
}

func deadlineFor(timeout time.Duration) time.Time {
	if timeout == fiber.Infinite {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}

// Read implements coio_read: read whatever is available into buf, parking
// the calling fiber until data arrives, timeout elapses, or the fiber is
// cancelled.
func Read(f *fiber.Fiber, conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	conn.SetReadDeadline(deadlineFor(timeout))

	var s settle
	var n int
	var err error
	go func() {
		rn, rerr := conn.Read(buf)
		if s.win() {
			n, err = rn, rerr
			f.Cord().Wakeup(f)
		}
	}()

	f.Yield()

	if s.win() {
		conn.SetReadDeadline(time.Now())
		return 0, f.TestCancel()
	}
	return n, err
}

// ReadFull implements coio_readn: like Read but loops internally until buf
// is completely filled, EOF, or the shared deadline (computed once, up
// front, the way spec.md's "shared deadline math" requires for composite
// calls) expires.
func ReadFull(f *fiber.Fiber, conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := deadlineFor(timeout)
	total := 0
	for total < len(buf) {
		remaining := fiber.Infinite
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return total, fiber.NewDiag(fiber.KindTimedOut, 1, "coio readn: deadline exceeded after %d/%d bytes", total, len(buf))
			}
		}
		n, err := Read(f, conn, buf[total:], remaining)
		total += n
		if err != nil {
			if err == io.EOF && total == len(buf) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

// Write implements coio_write: write buf in full, parking the fiber
// between partial writes just as Read parks it between empty reads.
func Write(f *fiber.Fiber, conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	deadline := deadlineFor(timeout)
	total := 0
	for total < len(buf) {
		remaining := fiber.Infinite
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return total, fiber.NewDiag(fiber.KindTimedOut, 1, "coio write: deadline exceeded after %d/%d bytes", total, len(buf))
			}
		}
		n, err := writeOnce(f, conn, buf[total:], remaining)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func writeOnce(f *fiber.Fiber, conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	conn.SetWriteDeadline(deadlineFor(timeout))

	var s settle
	var n int
	var err error
	go func() {
		wn, werr := conn.Write(buf)
		if s.win() {
			n, err = wn, werr
			f.Cord().Wakeup(f)
		}
	}()

	f.Yield()

	if s.win() {
		conn.SetWriteDeadline(time.Now())
		return 0, f.TestCancel()
	}
	return n, err
}

// WriteV implements coio_writev: write each buffer in turn, billing all of
// them against one shared deadline.
func WriteV(f *fiber.Fiber, conn net.Conn, bufs [][]byte, timeout time.Duration) (int64, error) {
	deadline := deadlineFor(timeout)
	var total int64
	for _, b := range bufs {
		remaining := fiber.Infinite
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return total, fiber.NewDiag(fiber.KindTimedOut, 1, "coio writev: deadline exceeded after %d bytes", total)
			}
		}
		n, err := Write(f, conn, b, remaining)
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// Connect implements coio_connect: dial addr, parking the fiber until the
// dial resolves, times out, or the fiber is cancelled.
func Connect(f *fiber.Fiber, network, addr string, timeout time.Duration) (net.Conn, error) {
	var s settle
	var conn net.Conn
	var err error

	dialer := &net.Dialer{}
	if timeout != fiber.Infinite {
		dialer.Deadline = time.Now().Add(timeout)
	}

	go func() {
		c, derr := dialer.Dial(network, addr)
		if s.win() {
			conn, err = c, derr
			f.Cord().Wakeup(f)
		} else if derr == nil {
			c.Close() // cancellation already won the race; don't leak the socket.
		}
	}()

	f.Yield()

	if s.win() {
		return nil, f.TestCancel()
	}
	if err == nil {
		armCloseFinalizer(conn)
	}
	return conn, err
}

// Accept implements coio_accept: block until a new connection arrives on
// ln, times out, or the fiber is cancelled.
func Accept(f *fiber.Fiber, ln net.Listener, timeout time.Duration) (net.Conn, error) {
	type deadliner interface {
		SetDeadline(time.Time) error
	}
	if d, ok := ln.(deadliner); ok {
		d.SetDeadline(deadlineFor(timeout))
	}

	var s settle
	var conn net.Conn
	var err error
	go func() {
		c, aerr := ln.Accept()
		if s.win() {
			conn, err = c, aerr
			f.Cord().Wakeup(f)
		} else if aerr == nil {
			c.Close()
		}
	}()

	f.Yield()

	if s.win() {
		if d, ok := ln.(deadliner); ok {
			d.SetDeadline(time.Now())
		}
		return nil, f.TestCancel()
	}
	if err == nil {
		armCloseFinalizer(conn)
	}
	return conn, err
}

// SendTo implements coio_sendto for connectionless sockets (net.PacketConn).
func SendTo(f *fiber.Fiber, pc net.PacketConn, buf []byte, addr net.Addr, timeout time.Duration) (int, error) {
	pc.SetWriteDeadline(deadlineFor(timeout))

	var s settle
	var n int
	var err error
	go func() {
		wn, werr := pc.WriteTo(buf, addr)
		if s.win() {
			n, err = wn, werr
			f.Cord().Wakeup(f)
		}
	}()

	f.Yield()

	if s.win() {
		pc.SetWriteDeadline(time.Now())
		return 0, f.TestCancel()
	}
	return n, err
}

// RecvFrom implements coio_recvfrom for connectionless sockets.
func RecvFrom(f *fiber.Fiber, pc net.PacketConn, buf []byte, timeout time.Duration) (int, net.Addr, error) {
	pc.SetReadDeadline(deadlineFor(timeout))

	var s settle
	var n int
	var addr net.Addr
	var err error
	go func() {
		rn, raddr, rerr := pc.ReadFrom(buf)
		if s.win() {
			n, addr, err = rn, raddr, rerr
			f.Cord().Wakeup(f)
		}
	}()

	f.Yield()

	if s.win() {
		pc.SetReadDeadline(time.Now())
		return 0, nil, f.TestCancel()
	}
	return n, addr, err
}

// Wait implements coio_wait: park the calling fiber until fd-equivalent
// readiness is reported by an arbitrary watcher function, for callers
// layering their own readiness protocol on top of the same park/Wakeup
// primitive the rest of this package uses.
func Wait(f *fiber.Fiber, arm func(wake func()), timeout time.Duration) bool {
	var s settle
	arm(func() {
		if s.win() {
			f.Cord().Wakeup(f)
		}
	})

	timedOut := f.YieldTimeout(timeout)
	if timedOut && s.win() {
		// We claimed the race before the watcher did: a genuine timeout. If
		// the watcher fires later it will lose its own win() call and become
		// a silent no-op.
		return false
	}
	return true
}

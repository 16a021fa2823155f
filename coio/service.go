package coio

import (
	"errors"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cordkit/cordkit/fiber"
)

// Handler is invoked once per accepted connection, on its own fiber.
type Handler func(f *fiber.Fiber, conn net.Conn)

// ServiceOptions configures Service's accept loop.
type ServiceOptions struct {
	// IdleTimeout, if nonzero, closes a connection once this long has passed
	// since its handler fiber started, if that handler is still running.
	// Traffic on the connection does not reset the timer. This is
	// the supplemented coio_service behavior spec.md's distillation dropped
	// (see SPEC_FULL.md's Supplemented Features).
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// ServiceHandle lets a caller outside the cord stop a running Service and
// wait for every connection fiber it has already spawned to finish, without
// the cord's own loop goroutine ever being involved in that wait.
type ServiceHandle struct {
	ln net.Listener
	g  *errgroup.Group
}

// Close stops the acceptor from taking new connections. Connections already
// in flight keep running; use Wait to block for them.
func (h *ServiceHandle) Close() error {
	return h.ln.Close()
}

// Wait blocks until every connection fiber spawned so far has returned. Call
// Close first, or Wait may never return while the acceptor keeps spawning
// new ones.
func (h *ServiceHandle) Wait() error {
	return h.g.Wait()
}

// Service implements coio_service: accept connections on ln forever (until
// the listener closes), spawning handler on a fresh fiber per connection,
// the way the teacher's watcher loop dispatched one aiocb per readiness
// event, generalized here to one fiber per accepted socket.
func Service(c *fiber.Cord, ln net.Listener, handler Handler, opts ServiceOptions) *ServiceHandle {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var g errgroup.Group
	acceptor := c.FiberNew("coio-acceptor", func(f *fiber.Fiber, _ ...any) (int, error) {
		for {
			conn, err := Accept(f, ln, fiber.Infinite)
			if err != nil {
				if f.IsCancelled() || errors.Is(err, net.ErrClosed) {
					return 0, nil
				}
				logger.Warn("coio service accept failed", "error", err)
				continue
			}
			accepted := conn
			h := c.FiberNew("coio-conn", func(hf *fiber.Fiber, _ ...any) (int, error) {
				defer accepted.Close()
				if opts.IdleTimeout > 0 {
					wrapIdleTimeout(hf, accepted, opts.IdleTimeout)
				}
				handler(hf, accepted)
				return 0, nil
			})
			finished := make(chan struct{})
			h.OnStop(func() { close(finished) })
			g.Go(func() error {
				<-finished
				return nil
			})
			c.StartFiber(h)
		}
	})
	c.StartFiber(acceptor)
	return &ServiceHandle{ln: ln, g: &g}
}

// wrapIdleTimeout arranges for conn to be closed if hf is still running
// timeout after this call, whatever traffic the connection has seen — a
// coarse watchdog rather than true idle tracking, since net.Conn exposes no
// "bytes moved since" hook.
func wrapIdleTimeout(hf *fiber.Fiber, conn net.Conn, timeout time.Duration) {
	watchdog := hf.Cord().FiberNew("coio-idle-watchdog", func(wf *fiber.Fiber, _ ...any) (int, error) {
		wf.Sleep(timeout)
		if !hf.IsDead() {
			conn.Close()
		}
		return 0, nil
	})
	hf.Cord().StartFiber(watchdog)
	hf.OnStop(func() { watchdog.Cancel() })
}

package coio

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cordkit/cordkit/fiber"
)

// TestServiceHandlesConnection exercises Service end to end: the acceptor
// fiber and every per-connection handler fiber are spawned onto a cord whose
// loop is already running (Cord.Launch, no main fiber), from goroutines that
// are not the cord's own loop goroutine — the exact shape that once raced
// StartFiber against drainPending before StartFiber started routing through
// Wakeup.
func TestServiceHandlesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := fiber.NewCord("svc", nil)
	c.Launch()
	defer c.Shutdown()

	received := make(chan string, 1)
	Service(c, ln, func(f *fiber.Fiber, conn net.Conn) {
		buf := make([]byte, 64)
		n, err := Read(f, conn, buf, 2*time.Second)
		if err != nil {
			received <- "err:" + err.Error()
			return
		}
		received <- string(buf[:n])
	}, ServiceOptions{})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("hello service"))
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, "hello service", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to run")
	}
}

func TestServiceHandlesMultipleConnectionsConcurrently(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := fiber.NewCord("svc-multi", nil)
	c.Launch()
	defer c.Shutdown()

	const n = 5
	results := make(chan string, n)
	Service(c, ln, func(f *fiber.Fiber, conn net.Conn) {
		buf := make([]byte, 64)
		rn, err := Read(f, conn, buf, 2*time.Second)
		if err != nil {
			results <- "err:" + err.Error()
			return
		}
		results <- string(buf[:rn])
	}, ServiceOptions{})

	want := map[string]bool{}
	for i := 0; i < n; i++ {
		msg := "client-" + string(rune('a'+i))
		want[msg] = true
		conn, derr := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, derr)
		_, werr := conn.Write([]byte(msg))
		require.NoError(t, werr)
		defer conn.Close()
	}

	got := map[string]bool{}
	for i := 0; i < n; i++ {
		select {
		case msg := <-results:
			got[msg] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for all handlers")
		}
	}
	assert.Equal(t, want, got)
}

// TestServiceHandleCloseAndWait proves ServiceHandle.Close stops the
// acceptor without disturbing in-flight connections, and Wait blocks until
// every connection fiber spawned before Close has actually finished. The
// handler parks on a cooperative coio.Read rather than a raw channel
// receive, since blocking a fiber's own goroutine without ever yielding
// would stall the cord's single loop goroutine along with it.
func TestServiceHandleCloseAndWait(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c := fiber.NewCord("svc-shutdown", nil)
	c.Launch()
	defer c.Shutdown()

	handlerStarted := make(chan struct{}, 1)
	handle := Service(c, ln, func(f *fiber.Fiber, conn net.Conn) {
		handlerStarted <- struct{}{}
		buf := make([]byte, 1)
		Read(f, conn, buf, fiber.Infinite)
		conn.Close()
	}, ServiceOptions{})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-handlerStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler to start")
	}

	require.NoError(t, handle.Close())

	waitDone := make(chan error, 1)
	go func() { waitDone <- handle.Wait() }()

	select {
	case <-waitDone:
		t.Fatal("Wait returned before the in-flight handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	_, err = conn.Write([]byte("x"))
	require.NoError(t, err)

	select {
	case err := <-waitDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Wait to return after handler finished")
	}
}

func TestServiceIdleTimeoutClosesConnection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	c := fiber.NewCord("svc-idle", nil)
	c.Launch()
	defer c.Shutdown()

	Service(c, ln, func(f *fiber.Fiber, conn net.Conn) {
		buf := make([]byte, 64)
		// Never sends anything; relies on the idle watchdog to close conn.
		Read(f, conn, buf, fiber.Infinite)
	}, ServiceOptions{IdleTimeout: 30 * time.Millisecond})

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

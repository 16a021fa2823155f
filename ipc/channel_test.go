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

func TestChannelRendezvousPutGet(t *testing.T) {
	ch := NewChannel(0)
	var got any
	var getErr, putErr error

	c := fiber.StartCord("rendezvous", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		reader := f.Cord().FiberNew("reader", func(rf *fiber.Fiber, _ ...any) (int, error) {
			got, getErr = ch.Get(rf, fiber.Infinite)
			return 0, nil
		})
		reader.SetJoinable(true)
		f.Cord().StartFiber(reader)

		f.Reschedule() // let reader park in Get first

		putErr = ch.Put(f, "hello", fiber.Infinite)
		_, _ = f.Join(reader)
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	require.NoError(t, putErr)
	require.NoError(t, getErr)
	assert.Equal(t, "hello", got)
}

func TestChannelBufferedFIFO(t *testing.T) {
	ch := NewChannel(2)
	var putErr1, putErr2 error
	var got1, got2 any
	var getErr1, getErr2 error

	c := fiber.StartCord("buffered", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		putErr1 = ch.Put(f, "a", fiber.Infinite)
		putErr2 = ch.Put(f, "b", fiber.Infinite)
		got1, getErr1 = ch.Get(f, fiber.Infinite)
		got2, getErr2 = ch.Get(f, fiber.Infinite)
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	require.NoError(t, putErr1)
	require.NoError(t, putErr2)
	require.NoError(t, getErr1)
	require.NoError(t, getErr2)
	assert.Equal(t, "a", got1)
	assert.Equal(t, "b", got2)
	assert.Equal(t, 0, ch.Len())
}

// TestChannelPutBlocksWhenFull proves a writer parks once the buffer is full
// and only proceeds after a Get makes room.
func TestChannelPutBlocksWhenFull(t *testing.T) {
	ch := NewChannel(1)
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	var firstPutErr, secondPutErr, getErr error
	var gotMsg any

	c := fiber.StartCord("full", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		firstPutErr = ch.Put(f, "first", fiber.Infinite) // fills the capacity-1 buffer

		writer := f.Cord().FiberNew("writer", func(wf *fiber.Fiber, _ ...any) (int, error) {
			secondPutErr = ch.Put(wf, "second", fiber.Infinite)
			record("put-second")
			return 0, nil
		})
		writer.SetJoinable(true)
		f.Cord().StartFiber(writer)

		f.Reschedule() // let writer park trying to put "second"

		record("before-get")
		gotMsg, getErr = ch.Get(f, fiber.Infinite)

		_, _ = f.Join(writer)
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	require.NoError(t, firstPutErr)
	require.NoError(t, secondPutErr)
	require.NoError(t, getErr)
	assert.Equal(t, "first", gotMsg)
	assert.Equal(t, []string{"before-get", "put-second"}, order)
}

func TestChannelCloseWakesWaiters(t *testing.T) {
	ch := NewChannel(0)
	var getErr error

	c := fiber.StartCord("closewake", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		reader := f.Cord().FiberNew("reader", func(rf *fiber.Fiber, _ ...any) (int, error) {
			_, err := ch.Get(rf, fiber.Infinite)
			getErr = err
			return 0, err
		})
		reader.SetJoinable(true)
		f.Cord().StartFiber(reader)

		f.Reschedule() // let reader park

		ch.Close()
		_, _ = f.Join(reader)
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	require.Error(t, getErr)
	assert.True(t, errors.Is(getErr, fiber.ErrOfKind(fiber.KindChannelClosed)))
	assert.True(t, ch.IsClosed())
}

// TestChannelCloseWakesParkedWriter proves a writer parked in Put on a
// rendezvous channel is reported KindChannelClosed, not success, when Close
// races in before any reader ever takes its message.
func TestChannelCloseWakesParkedWriter(t *testing.T) {
	ch := NewChannel(0)
	var putErr error

	c := fiber.StartCord("closewakewriter", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		writer := f.Cord().FiberNew("writer", func(wf *fiber.Fiber, _ ...any) (int, error) {
			err := ch.Put(wf, "never delivered", fiber.Infinite)
			putErr = err
			return 0, err
		})
		writer.SetJoinable(true)
		f.Cord().StartFiber(writer)

		f.Reschedule() // let writer park in Put first, with no reader waiting

		ch.Close()
		_, _ = f.Join(writer)
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	require.Error(t, putErr)
	assert.True(t, errors.Is(putErr, fiber.ErrOfKind(fiber.KindChannelClosed)))
	assert.Equal(t, 0, ch.Len())
}

func TestChannelGetTimesOutWhenEmpty(t *testing.T) {
	ch := NewChannel(1)
	var getErr error

	c := fiber.StartCord("gettimeout", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		_, getErr = ch.Get(f, 20*time.Millisecond)
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	require.Error(t, getErr)
	assert.True(t, errors.Is(getErr, fiber.ErrOfKind(fiber.KindTimedOut)))
}

func TestChannelPutOnClosedChannelFails(t *testing.T) {
	ch := NewChannel(1)
	ch.Close()

	var putErr error
	c := fiber.StartCord("putclosed", nil, func(f *fiber.Fiber, _ ...any) (int, error) {
		putErr = ch.Put(f, "x", fiber.Infinite)
		return 0, nil
	})
	_, err := c.Join()
	require.NoError(t, err)
	require.Error(t, putErr)
	assert.True(t, errors.Is(putErr, fiber.ErrOfKind(fiber.KindChannelClosed)))
}

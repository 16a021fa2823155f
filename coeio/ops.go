package coeio

import (
	"context"
	"net"
	"os"
	"time"

	"github.com/cordkit/cordkit/fiber"
)

// ResolveAddr implements coeio_getaddrinfo: offload DNS resolution, which
// Go's resolver itself may block a whole OS thread on, onto the pool
// instead of the calling fiber's cord.
func ResolveAddr(p *Pool, f *fiber.Fiber, network, host string, timeout time.Duration) ([]net.IPAddr, error) {
	v, err := p.Call(f, Normal, timeout, func(args ...any) (any, error) {
		ctx := context.Background()
		if timeout != fiber.Infinite {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return net.DefaultResolver.LookupIPAddr(ctx, host)
	})
	if err != nil {
		return nil, err
	}
	return v.([]net.IPAddr), nil
}

// Stat implements coeio's blocking stat() offload.
func Stat(p *Pool, f *fiber.Fiber, path string, timeout time.Duration) (os.FileInfo, error) {
	v, err := p.Call(f, Normal, timeout, func(args ...any) (any, error) {
		return os.Stat(path)
	})
	if err != nil {
		return nil, err
	}
	return v.(os.FileInfo), nil
}

// ReadFile implements coeio's blocking whole-file read offload.
func ReadFile(p *Pool, f *fiber.Fiber, path string, timeout time.Duration) ([]byte, error) {
	v, err := p.Call(f, Normal, timeout, func(args ...any) (any, error) {
		return os.ReadFile(path)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// WriteFile implements coeio's blocking whole-file write offload.
func WriteFile(p *Pool, f *fiber.Fiber, path string, data []byte, perm os.FileMode, timeout time.Duration) error {
	_, err := p.Call(f, Normal, timeout, func(args ...any) (any, error) {
		return nil, os.WriteFile(path, data, perm)
	})
	return err
}

// CojoinThread implements the coeio side of cord_cojoin's pthread_join
// offload: block a worker thread on target's OS thread exit, so the
// calling fiber's cord keeps servicing other fibers in the meantime rather
// than dedicating the fiber's own park to a raw thread join. fiber.Fiber's
// own Cojoin method already achieves this directly via the on_exit slot;
// this entry point exists for callers that specifically want the work
// billed against a coeio pool's accounting instead.
func CojoinThread(p *Pool, f *fiber.Fiber, target *fiber.Cord, timeout time.Duration) (int, error) {
	v, err := p.Call(f, High, timeout, func(args ...any) (any, error) {
		result, joinErr := target.Join()
		return result, joinErr
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

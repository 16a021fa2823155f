package fiber

// regionGCThreshold is the high-water mark past which fiber_gc frees the
// scratch buffer outright instead of just resetting it, so a fiber that
// briefly needed a large buffer doesn't pin that memory for its whole life.
const regionGCThreshold = 128 * 1024

// Region is a fiber's per-call scratch allocator. It is not a real bump
// allocator over raw memory (Go has no use for that under a GC) — it is a
// reusable byte buffer that Alloc grows on demand and Reset/GC recycle,
// giving callers the same "cheap scratch that gets reclaimed without
// per-call free()" ergonomic the original region gives C code.
type Region struct {
	buf  []byte
	used int
	name string
}

// Alloc returns an n-byte slice backed by the region's buffer. The slice is
// only valid until the next Reset or GC call.
func (r *Region) Alloc(n int) []byte {
	if r.used+n > len(r.buf) {
		grown := make([]byte, r.used, max(len(r.buf)*2, r.used+n))
		copy(grown, r.buf[:r.used])
		r.buf = grown[:cap(grown)]
	}
	out := r.buf[r.used : r.used+n]
	r.used += n
	return out
}

// Used reports the number of live bytes since the last Reset.
func (r *Region) Used() int { return r.used }

// SetName labels the region for diagnostics, readable through Name; it has
// no effect on allocation behavior and is not included in Cord.Snapshot.
func (r *Region) SetName(name string) { r.name = name }

// Name returns the diagnostic label set via SetName.
func (r *Region) Name() string { return r.name }

// Reset rewinds the high-water mark to zero, making the whole buffer
// available for reuse without releasing it.
func (r *Region) Reset() {
	r.used = 0
}

// Free releases the underlying buffer entirely.
func (r *Region) Free() {
	r.buf = nil
	r.used = 0
}

// GC implements fiber_gc: past regionGCThreshold the buffer is freed
// outright rather than retained, so one oversized request doesn't pin
// memory for the fiber's whole lifetime; below it, GC just resets.
func (r *Region) GC() {
	if cap(r.buf) > regionGCThreshold {
		r.Free()
		return
	}
	r.Reset()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

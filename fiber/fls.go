package fiber

// FLSKey indexes a fiber's fixed-size fiber-local-storage array. The set is
// closed and small, as spec'd: a session handle, a slot for whatever
// higher-level scripting/request layer sits above the scheduler, and the
// pad a parked channel waiter publishes for its waker.
type FLSKey int

const (
	KeySession FLSKey = iota
	KeyScriptStorage
	KeyChannelWaitPad
	flsSlotCount
)

// Get returns the value stored at key, or nil if unset.
func (f *Fiber) Get(key FLSKey) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fls[key]
}

// Set stores v at key, overwriting any previous value.
func (f *Fiber) Set(key FLSKey, v any) {
	f.mu.Lock()
	f.fls[key] = v
	f.mu.Unlock()
}

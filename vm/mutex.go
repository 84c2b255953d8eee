package vm

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// ---------------------------------------------------------------------------
// ReentrantMutex: the per-object synchronization lock
// ---------------------------------------------------------------------------

// ReentrantMutex is a mutex the owning goroutine may lock again. A
// synchronized callee that synchronizes on the same object again proceeds
// instead of deadlocking; every Lock must be paired with an Unlock.
// Ownership does not pass to goroutines the holder starts.
type ReentrantMutex struct {
	mu    sync.Mutex
	owner atomic.Int64 // goroutine id of the holder, 0 when free
	depth int          // only touched by the holder
}

// Lock acquires the mutex, or deepens the hold of the current owner.
func (m *ReentrantMutex) Lock() {
	id := goroutineID()
	if m.owner.Load() == id {
		m.depth++
		return
	}
	m.mu.Lock()
	m.owner.Store(id)
	m.depth = 1
}

// TryLock is Lock without blocking. It reports whether the mutex is held.
func (m *ReentrantMutex) TryLock() bool {
	id := goroutineID()
	if m.owner.Load() == id {
		m.depth++
		return true
	}
	if !m.mu.TryLock() {
		return false
	}
	m.owner.Store(id)
	m.depth = 1
	return true
}

// Unlock releases one level of the hold.
func (m *ReentrantMutex) Unlock() {
	m.depth--
	if m.depth > 0 {
		return
	}
	m.owner.Store(0)
	m.mu.Unlock()
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID reads the current goroutine's id from its stack header,
// "goroutine 18 [running]:".
func goroutineID() int64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, goroutinePrefix)
	if i := bytes.IndexByte(b, ' '); i > 0 {
		b = b[:i]
	}
	id, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		panic("cannot parse goroutine id: " + err.Error())
	}
	return id
}

package vm

import (
	"errors"
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// FrameArena: shared variable frames addressed by generation handles
// ---------------------------------------------------------------------------

var (
	// ErrStaleFrame is returned for a handle whose frame was released.
	ErrStaleFrame = errors.New("stale shared frame handle")
	// ErrArenaFull is returned when the arena's capacity is exhausted.
	ErrArenaFull = errors.New("shared frame arena is full")
)

// FrameHandle addresses one shared frame. Gen distinguishes successive
// occupants of the same arena slot.
type FrameHandle struct {
	Index uint32
	Gen   uint32
}

func (h FrameHandle) String() string {
	return fmt.Sprintf("frame#%d.%d", h.Index, h.Gen)
}

// sharedFrame is one nesting depth of closure storage.
type sharedFrame struct {
	mu    sync.RWMutex // guards slots
	slots []Value
	gen   uint32
	refs  int32
	live  bool
}

// FrameArena owns every shared frame of a VM. Frames are reference counted;
// releasing the last reference frees the slot for reuse under a new
// generation.
type FrameArena struct {
	mu       sync.Mutex
	frames   []*sharedFrame
	free     []uint32
	live     int
	capacity int
}

// NewFrameArena creates an arena. A capacity of 0 means unlimited.
func NewFrameArena(capacity int) *FrameArena {
	return &FrameArena{capacity: capacity}
}

// Alloc creates a frame of size slots with one reference.
func (a *FrameArena) Alloc(size int) (FrameHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.capacity > 0 && a.live >= a.capacity {
		return FrameHandle{}, ErrArenaFull
	}
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.frames))
		a.frames = append(a.frames, &sharedFrame{})
	}
	f := a.frames[idx]
	f.gen++
	f.refs = 1
	f.live = true
	f.slots = make([]Value, size)
	a.live++
	return FrameHandle{Index: idx, Gen: f.gen}, nil
}

// frame resolves a handle. The caller must hold a.mu.
func (a *FrameArena) frame(h FrameHandle) (*sharedFrame, error) {
	if int(h.Index) >= len(a.frames) {
		return nil, ErrStaleFrame
	}
	f := a.frames[h.Index]
	if !f.live || f.gen != h.Gen {
		return nil, ErrStaleFrame
	}
	return f, nil
}

func (a *FrameArena) lookup(h FrameHandle) (*sharedFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frame(h)
}

// Retain adds a reference.
func (a *FrameArena) Retain(h FrameHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.frame(h)
	if err != nil {
		return err
	}
	f.refs++
	return nil
}

// Release drops a reference and frees the frame when none remain.
func (a *FrameArena) Release(h FrameHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.frame(h)
	if err != nil {
		return err
	}
	f.refs--
	if f.refs > 0 {
		return nil
	}
	f.live = false
	f.slots = nil
	a.free = append(a.free, h.Index)
	a.live--
	log.Debugf("released %s", h)
	return nil
}

// Load reads a slot.
func (a *FrameArena) Load(h FrameHandle, slot int) (Value, error) {
	f, err := a.lookup(h)
	if err != nil {
		return Void, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if slot < 0 || slot >= len(f.slots) {
		return Void, fmt.Errorf("%s: slot %d out of range (size %d)", h, slot, len(f.slots))
	}
	return f.slots[slot], nil
}

// Store writes a slot.
func (a *FrameArena) Store(h FrameHandle, slot int, v Value) error {
	f, err := a.lookup(h)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if slot < 0 || slot >= len(f.slots) {
		return fmt.Errorf("%s: slot %d out of range (size %d)", h, slot, len(f.slots))
	}
	f.slots[slot] = v
	return nil
}

// Refs reports the reference count of a live frame.
func (a *FrameArena) Refs(h FrameHandle) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.frame(h)
	if err != nil {
		return 0, err
	}
	return int(f.refs), nil
}

// Live reports the number of live frames.
func (a *FrameArena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live
}

// ---------------------------------------------------------------------------
// SharedChain: one frame per nesting depth
// ---------------------------------------------------------------------------

// SharedChain lists frame handles by nesting depth, depth 0 first.
type SharedChain []FrameHandle

// Overlay builds the chain for an invocation declaring len(sizes) nesting
// depths. Depths below the innermost are shared with chain; the innermost
// depth gets a fresh frame; depths chain has beyond it are kept, so an
// overlay never shortens a chain. Depths the caller chain lacks are filled
// with fresh frames. Every handle in the result holds a reference owned by
// the caller.
func (a *FrameArena) Overlay(chain SharedChain, sizes []int) (SharedChain, error) {
	depth := len(sizes)
	n := max(len(chain), depth)
	out := make(SharedChain, 0, n)
	for i := 0; i < n; i++ {
		if i < len(chain) && i != depth-1 {
			if err := a.Retain(chain[i]); err != nil {
				a.ReleaseChain(out)
				return nil, err
			}
			out = append(out, chain[i])
			continue
		}
		h, err := a.Alloc(sizes[i])
		if err != nil {
			a.ReleaseChain(out)
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// RetainChain adds a reference to every frame of chain.
func (a *FrameArena) RetainChain(chain SharedChain) error {
	for i, h := range chain {
		if err := a.Retain(h); err != nil {
			a.ReleaseChain(chain[:i])
			return err
		}
	}
	return nil
}

// ReleaseChain drops a reference from every frame of chain. Stale handles
// are skipped.
func (a *FrameArena) ReleaseChain(chain SharedChain) {
	for _, h := range chain {
		if err := a.Release(h); err != nil {
			log.Warningf("release %s: %s", h, err.Error())
		}
	}
}

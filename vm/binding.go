package vm

import (
	"runtime"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Binding: named access to a captured closure environment
// ---------------------------------------------------------------------------

// BindingSlot locates a captured variable in a shared chain.
type BindingSlot struct {
	Level int
	Slot  int
}

// Binding maps names to shared slots of a captured chain and remembers the
// this of the capture site. Script code reads and writes captured locals by
// name and evaluates source text against the same environment.
type Binding struct {
	arena *FrameArena
	chain SharedChain
	this  Value

	mu    sync.RWMutex
	names map[string]BindingSlot
}

// NewBinding captures chain and this. The binding holds its own reference
// to every frame in chain, released when the binding is collected.
func NewBinding(vm *VM, chain SharedChain, this Value) (*Binding, error) {
	if err := vm.arena.RetainChain(chain); err != nil {
		return nil, err
	}
	b := &Binding{
		arena: vm.arena,
		chain: chain,
		this:  this,
		names: make(map[string]BindingSlot),
	}
	runtime.AddCleanup(b, vm.arena.ReleaseChain, chain)
	return b, nil
}

// Add maps name to a slot.
func (b *Binding) Add(name string, level, slot int) {
	b.mu.Lock()
	b.names[name] = BindingSlot{Level: level, Slot: slot}
	b.mu.Unlock()
}

// Names lists the bound names in sorted order.
func (b *Binding) Names() []string {
	b.mu.RLock()
	names := make([]string, 0, len(b.names))
	for name := range b.names {
		names = append(names, name)
	}
	b.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Map returns a copy of the name map.
func (b *Binding) Map() map[string]BindingSlot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	m := make(map[string]BindingSlot, len(b.names))
	for k, v := range b.names {
		m[k] = v
	}
	return m
}

// Chain returns the captured chain.
func (b *Binding) Chain() SharedChain { return b.chain }

// This returns the captured this.
func (b *Binding) This() Value { return b.this }

func (b *Binding) resolve(name string) (FrameHandle, int, bool) {
	b.mu.RLock()
	s, ok := b.names[name]
	b.mu.RUnlock()
	if !ok || s.Level < 0 || s.Level >= len(b.chain) {
		return FrameHandle{}, 0, false
	}
	return b.chain[s.Level], s.Slot, true
}

// Operate implements Object: indexed get/set by name, "this" as a dotted
// read, and eval as a call.
func (b *Binding) Operate(vm *VM, req *Request) (Status, error) {
	switch req.Code {
	case OperateIGet:
		h, slot, ok := b.resolve(req.Arg(0).ToString())
		if !ok {
			return StatusMemberNotFound, nil
		}
		v, err := b.arena.Load(h, slot)
		if err != nil {
			return StatusOK, err
		}
		req.SetResult(v)
		return StatusOK, nil

	case OperateISet:
		h, slot, ok := b.resolve(req.Arg(0).ToString())
		if !ok {
			return StatusMemberNotFound, nil
		}
		return StatusOK, b.arena.Store(h, slot, lastArg(req))

	case OperateDGet:
		if req.Name == "this" {
			req.SetResult(b.this)
			return StatusOK, nil
		}

	case OperateDSet:
		if req.Name == "this" {
			return StatusMemberReadOnly, nil
		}

	case OperateCall:
		if req.Name == "eval" {
			v, err := b.Eval(vm, req.Arg(0).ToString())
			if err != nil {
				return StatusOK, err
			}
			req.SetResult(v)
			return StatusOK, nil
		}
	}
	return StatusMemberNotFound, nil
}

// Eval compiles source through the VM's compiler and runs it against the
// captured chain and this.
func (b *Binding) Eval(vm *VM, source string) (Value, error) {
	if vm.Compiler == nil {
		return Void, vm.NewError("UnsupportedException", "eval: no compiler is installed")
	}
	cb, err := vm.Compiler.Compile(source, b.Map())
	if err != nil {
		return Void, vm.asThrown(err)
	}
	return vm.Execute(cb, Invocation{This: b.this, Shared: b.chain})
}

package vm

import (
	"errors"
	"fmt"
	"testing"
)

// ---------------------------------------------------------------------------
// FrameArena
// ---------------------------------------------------------------------------

func TestArenaAllocLoadStore(t *testing.T) {
	a := NewFrameArena(0)
	h, err := a.Alloc(2)
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Store(h, 1, FromInt(7)); err != nil {
		t.Fatal(err)
	}
	v, err := a.Load(h, 1)
	if err != nil || v.Int() != 7 {
		t.Errorf("slot 1 = %v (%v), want 7", v, err)
	}
	if _, err := a.Load(h, 2); err == nil {
		t.Error("expected slot out of range")
	}
	if a.Live() != 1 {
		t.Errorf("live = %d, want 1", a.Live())
	}
}

func TestArenaReleaseMakesHandleStale(t *testing.T) {
	a := NewFrameArena(0)
	h, _ := a.Alloc(1)
	if err := a.Retain(h); err != nil {
		t.Fatal(err)
	}
	if refs, _ := a.Refs(h); refs != 2 {
		t.Errorf("refs = %d, want 2", refs)
	}

	a.Release(h)
	if _, err := a.Load(h, 0); err != nil {
		t.Fatalf("frame released early: %v", err)
	}
	a.Release(h)
	if _, err := a.Load(h, 0); !errors.Is(err, ErrStaleFrame) {
		t.Errorf("err = %v, want ErrStaleFrame", err)
	}

	// The slot is reused under a new generation; the old handle stays stale.
	h2, _ := a.Alloc(1)
	if h2.Index != h.Index || h2.Gen == h.Gen {
		t.Errorf("reused handle = %s, old = %s", h2, h)
	}
	if err := a.Store(h, 0, True); !errors.Is(err, ErrStaleFrame) {
		t.Errorf("store through old handle: err = %v, want ErrStaleFrame", err)
	}
	if err := a.Release(h); !errors.Is(err, ErrStaleFrame) {
		t.Errorf("double release: err = %v, want ErrStaleFrame", err)
	}
}

func TestArenaCapacity(t *testing.T) {
	a := NewFrameArena(1)
	h, err := a.Alloc(1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Alloc(1); !errors.Is(err, ErrArenaFull) {
		t.Errorf("err = %v, want ErrArenaFull", err)
	}
	a.Release(h)
	if _, err := a.Alloc(1); err != nil {
		t.Errorf("alloc after release: %v", err)
	}
}

func TestOverlayNeverShortensChain(t *testing.T) {
	a := NewFrameArena(0)
	h0, _ := a.Alloc(1)
	h1, _ := a.Alloc(1)

	out, err := a.Overlay(SharedChain{h0, h1}, []int{3})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 2 {
		t.Fatalf("overlay length = %d, want 2", len(out))
	}
	if out[0] == h0 {
		t.Error("the innermost depth should get a fresh frame")
	}
	if out[1] != h1 {
		t.Error("deeper frames of the caller chain should be kept")
	}
	if refs, _ := a.Refs(h1); refs != 2 {
		t.Errorf("kept frame refs = %d, want 2", refs)
	}

	a.ReleaseChain(out)
	if refs, _ := a.Refs(h1); refs != 1 {
		t.Errorf("refs after release = %d, want 1", refs)
	}
	if a.Live() != 2 {
		t.Errorf("live = %d, want 2", a.Live())
	}
}

func TestOverlayFillsMissingDepths(t *testing.T) {
	a := NewFrameArena(0)
	h0, _ := a.Alloc(1)

	out, err := a.Overlay(SharedChain{h0}, []int{1, 2, 4})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 3 || out[0] != h0 {
		t.Fatalf("overlay = %v, want the caller's depth 0 plus two fresh frames", out)
	}
	if err := a.Store(out[2], 3, True); err != nil {
		t.Errorf("innermost frame should have 4 slots: %v", err)
	}
}

func TestOverlayUnwindsOnFailure(t *testing.T) {
	a := NewFrameArena(2)
	h0, _ := a.Alloc(1)

	if _, err := a.Overlay(SharedChain{h0}, []int{1, 1, 1}); !errors.Is(err, ErrArenaFull) {
		t.Fatalf("err = %v, want ErrArenaFull", err)
	}
	if refs, _ := a.Refs(h0); refs != 1 {
		t.Errorf("refs = %d, want 1 after a failed overlay", refs)
	}
	if a.Live() != 1 {
		t.Errorf("live = %d, want 1", a.Live())
	}
}

func TestExecuteReleasesFrames(t *testing.T) {
	vm := NewVM(Config{})
	b := NewCodeBlockBuilder("nested").Registers(1).Nest(2)
	b.Emit(OpAssignConst, 0, b.Const(FromInt(1)))
	b.Emit(OpWrite, 0, 1, 0)
	b.Emit(OpReturn, 0)

	execute(t, vm, b.MustBuild())
	if live := vm.Arena().Live(); live != 0 {
		t.Errorf("live frames = %d, want 0", live)
	}
}

// ---------------------------------------------------------------------------
// Binding
// ---------------------------------------------------------------------------

// captureBinding runs a block that stores 5 in a shared slot, captures a
// binding naming it x, and returns the binding.
func captureBinding(t *testing.T, vm *VM, this Value) *Binding {
	t.Helper()
	b := NewCodeBlockBuilder("capture").Registers(2).Nest(1)
	b.Emit(OpAssignConst, 0, b.Const(FromInt(5)))
	b.Emit(OpWrite, 0, 0, 0)
	b.Emit(OpAssignNewBinding, 1)
	b.Emit(OpAddBindingMap, 1, b.Const(FromString("x")), 0, 0)
	b.Emit(OpReturn, 1)

	v, err := vm.Execute(b.MustBuild(), Invocation{This: this})
	if err != nil {
		t.Fatal(err)
	}
	binding, ok := v.Object().(*Binding)
	if !ok {
		t.Fatalf("result = %v, want a binding", v)
	}
	return binding
}

func TestBindingOutlivesItsBlock(t *testing.T) {
	vm := NewVM(Config{})
	binding := captureBinding(t, vm, Void)

	if live := vm.Arena().Live(); live != 1 {
		t.Errorf("live frames = %d, want 1 held by the binding", live)
	}
	if names := binding.Names(); len(names) != 1 || names[0] != "x" {
		t.Errorf("names = %v, want [x]", names)
	}
}

func TestBindingIndexedAccess(t *testing.T) {
	vm := NewVM(Config{})
	bv := FromObject(captureBinding(t, vm, Void))
	key := FromString("x")

	var got Value
	if err := vm.Do(bv, &Request{Code: OperateIGet, Result: &got, Args: []Value{key}}); err != nil {
		t.Fatal(err)
	}
	if got.Int() != 5 {
		t.Errorf("x = %v, want 5", got)
	}

	if err := vm.Do(bv, &Request{Code: OperateISet, Args: []Value{key, FromInt(7)}}); err != nil {
		t.Fatal(err)
	}
	vm.Do(bv, &Request{Code: OperateIGet, Result: &got, Args: []Value{key}})
	if got.Int() != 7 {
		t.Errorf("x after set = %v, want 7", got)
	}

	err := vm.Do(bv, &Request{Code: OperateIGet, Result: &got, Args: []Value{FromString("y")}})
	if !IsError(err, "MemberNotFoundException") {
		t.Errorf("unknown name: err = %v, want MemberNotFoundException", err)
	}
}

func TestBindingThis(t *testing.T) {
	vm := NewVM(Config{})
	this := NewScriptObject()
	bv := FromObject(captureBinding(t, vm, FromObject(this)))

	got, err := vm.Get(bv, "this")
	if err != nil || got.Object() != Object(this) {
		t.Errorf("this = %v (%v), want the capture site's this", got, err)
	}
	if err := vm.Set(bv, "this", Void); !IsError(err, "MemberReadOnlyException") {
		t.Errorf("set this: err = %v, want MemberReadOnlyException", err)
	}
}

func TestBindingEvalWithoutCompiler(t *testing.T) {
	vm := NewVM(Config{})
	bv := FromObject(captureBinding(t, vm, Void))
	if _, err := vm.CallMember(bv, "eval", FromString("x")); !IsError(err, "UnsupportedException") {
		t.Errorf("err = %v, want UnsupportedException", err)
	}
}

// slotCompiler compiles an identifier into a read of its bound slot.
type slotCompiler struct{}

func (slotCompiler) Compile(source string, names map[string]BindingSlot) (*CodeBlock, error) {
	s, ok := names[source]
	if !ok {
		return nil, fmt.Errorf("undefined: %s", source)
	}
	b := NewCodeBlockBuilder("eval").Registers(1)
	b.Emit(OpRead, 0, uint32(s.Level), uint32(s.Slot))
	b.Emit(OpReturn, 0)
	return b.Build()
}

func TestBindingEval(t *testing.T) {
	vm := NewVM(Config{})
	vm.Compiler = slotCompiler{}
	binding := captureBinding(t, vm, Void)
	bv := FromObject(binding)

	vm.Do(bv, &Request{Code: OperateISet, Args: []Value{FromString("x"), FromInt(11)}})
	got, err := vm.CallMember(bv, "eval", FromString("x"))
	if err != nil {
		t.Fatal(err)
	}
	if got.Int() != 11 {
		t.Errorf("eval(x) = %v, want 11", got)
	}

	_, err = binding.Eval(vm, "nope")
	if !IsError(err, "NativeException") {
		t.Errorf("compile failure: err = %v, want NativeException", err)
	}
}

package vm

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// syncBlock calls its second parameter with the first as argument while
// holding the first parameter's lock. Errors are rethrown.
func syncBlock() *CodeBlock {
	b := NewCodeBlockBuilder("sync").Registers(3).Nest(1)
	b.Emit(OpAssignParam, 0, 0)
	b.Emit(OpAssignParam, 1, 1)
	b.Emit(OpWrite, 0, 0, 0)
	b.EmitSync(2, 1, 0, OperateFlags{}, 0)
	done := b.NewLabel()
	b.EmitCatchBranch(2, b.Const(FromInt(0)), done)
	b.Mark(done)
	b.Emit(OpReturn, 2)
	return b.MustBuild()
}

// increment is a deliberately racy read-modify-write of obj.n.
var increment = NewNativeFunction("increment", FreeFunc(func(ci *CallInfo) error {
	obj := ci.Arg(0)
	n, err := ci.VM.Get(obj, "n")
	if err != nil {
		return err
	}
	runtime.Gosched()
	return ci.VM.Set(obj, "n", FromInt(n.Int()+1))
}))

func TestSyncSerializesConcurrentCalls(t *testing.T) {
	const workers, iterations = 8, 200

	vm := NewVM(Config{})
	cb := syncBlock()
	counter := NewScriptObject()
	counter.define("n", FromInt(0), MemberAttribute{})
	lock, fn := FromObject(counter), FromObject(increment)

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < iterations; i++ {
				if _, err := vm.Execute(cb, Invocation{Args: []Value{lock, fn}}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	n, _ := vm.Get(lock, "n")
	if n.Int() != workers*iterations {
		t.Errorf("n = %d, want %d", n.Int(), workers*iterations)
	}
	if live := vm.Arena().Live(); live != 0 {
		t.Errorf("live frames = %d, want 0", live)
	}
}

func TestSyncWithoutLock(t *testing.T) {
	vm := NewVM(Config{})
	_, err := vm.Execute(syncBlock(), Invocation{Args: []Value{FromInt(1), FromObject(increment)}})
	if !IsError(err, "IllegalArgumentException") {
		t.Errorf("err = %v, want IllegalArgumentException", err)
	}
}

func TestSyncReleasesLockOnThrow(t *testing.T) {
	vm := NewVM(Config{})
	failure := errors.New("failed inside")
	fail := NewNativeFunction("fail", FreeFunc(func(*CallInfo) error { return failure }))
	obj := NewScriptObject()

	_, err := vm.Execute(syncBlock(), Invocation{Args: []Value{FromObject(obj), FromObject(fail)}})
	if !errors.Is(err, failure) {
		t.Fatalf("err = %v, want the native failure", err)
	}
	if !lockFree(&obj.lock) {
		t.Fatal("lock still held after the call threw")
	}
}

// lockFree reports whether another goroutine could take m.
func lockFree(m *ReentrantMutex) bool {
	ok := make(chan bool)
	go func() {
		got := m.TryLock()
		if got {
			m.Unlock()
		}
		ok <- got
	}()
	return <-ok
}

func TestNestedSyncOnSameObject(t *testing.T) {
	vm := NewVM(Config{})
	obj := NewScriptObject()
	obj.define("n", FromInt(0), MemberAttribute{})
	nested := NewNativeFunction("nested", FreeFunc(func(ci *CallInfo) error {
		_, err := ci.VM.Execute(syncBlock(), Invocation{Args: []Value{ci.Arg(0), FromObject(increment)}})
		return err
	}))

	done := make(chan error, 1)
	go func() {
		_, err := vm.Execute(syncBlock(), Invocation{Args: []Value{FromObject(obj), FromObject(nested)}})
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nested synchronized call on the same object deadlocked")
	}

	if n, _ := vm.Get(FromObject(obj), "n"); n.Int() != 1 {
		t.Errorf("n = %d, want 1", n.Int())
	}
	if !lockFree(&obj.lock) {
		t.Error("lock still held after the nested calls returned")
	}
}

func TestReentrantMutexExcludesOtherGoroutines(t *testing.T) {
	var m ReentrantMutex
	m.Lock()
	m.Lock()
	if lockFree(&m) {
		t.Fatal("another goroutine took a held lock")
	}
	m.Unlock()
	if lockFree(&m) {
		t.Fatal("lock released before the outer Unlock")
	}
	m.Unlock()
	if !lockFree(&m) {
		t.Error("lock still held after matching Unlocks")
	}
}

func TestSyncThroughThisProxy(t *testing.T) {
	vm := NewVM(Config{})
	inner := NewScriptObject()
	inner.define("n", FromInt(0), MemberAttribute{})
	proxy := FromObject(NewThisProxy(inner, vm.Globals))

	var g errgroup.Group
	for w := 0; w < 4; w++ {
		g.Go(func() error {
			for i := 0; i < 50; i++ {
				if _, err := vm.Execute(syncBlock(), Invocation{Args: []Value{proxy, FromObject(increment)}}); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if n, _ := vm.Get(FromObject(inner), "n"); n.Int() != 200 {
		t.Errorf("n = %d, want 200", n.Int())
	}
}

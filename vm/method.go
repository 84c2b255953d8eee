package vm

import (
	"reflect"
	"strconv"
)

// ---------------------------------------------------------------------------
// CallInfo: what a native callable receives
// ---------------------------------------------------------------------------

// CallInfo carries one native invocation.
type CallInfo struct {
	VM     *VM
	Result *Value // nil when the caller discards the result
	Flags  OperateFlags
	Args   []Value
	Blocks []Value
	This   Value
	Class  Object // class the callable was registered on, if any
}

// Arg returns the i-th argument, or void when absent.
func (ci *CallInfo) Arg(i int) Value {
	if i < 0 || i >= len(ci.Args) {
		return Void
	}
	return ci.Args[i]
}

// Return stores v into the result slot when one is present.
func (ci *CallInfo) Return(v Value) {
	if ci.Result != nil {
		*ci.Result = v
	}
}

// ---------------------------------------------------------------------------
// Callable shapes
// ---------------------------------------------------------------------------

// Shape is a native callable shape the adapters are parameterized on.
type Shape interface {
	invoke(ci *CallInfo) error
	present() bool
}

// FreeFunc is a free-standing native callable.
type FreeFunc func(ci *CallInfo) error

func (f FreeFunc) invoke(ci *CallInfo) error { return f(ci) }
func (f FreeFunc) present() bool             { return f != nil }

// BoundFunc is a native callable bound to an instance of T. The call's this
// must unwrap to T, either directly or through a ScriptObject's Native slot.
type BoundFunc[T any] func(self T, ci *CallInfo) error

func (f BoundFunc[T]) invoke(ci *CallInfo) error {
	self, ok := unwrapThis[T](ci.This)
	if !ok {
		var zero T
		return ci.VM.NewError("IllegalArgumentException",
			"this (%s) is not a %T", ci.This.Kind(), zero)
	}
	return f(self, ci)
}

func (f BoundFunc[T]) present() bool { return f != nil }

func unwrapThis[T any](this Value) (T, bool) {
	if this.obj == nil {
		var zero T
		return zero, false
	}
	if self, ok := this.obj.(T); ok {
		return self, true
	}
	if so, ok := this.obj.(*ScriptObject); ok {
		if self, ok := so.Native.(T); ok {
			return self, true
		}
	}
	var zero T
	return zero, false
}

// ---------------------------------------------------------------------------
// Native adapters
// ---------------------------------------------------------------------------

// NativeFunction adapts a native callable to the dispatch protocol. Calling
// or constructing through the receiver itself invokes the callable.
type NativeFunction[S Shape] struct {
	Name  string
	Fn    S
	Class Object
}

// NewNativeFunction wraps fn.
func NewNativeFunction[S Shape](name string, fn S) *NativeFunction[S] {
	return &NativeFunction[S]{Name: name, Fn: fn}
}

func (f *NativeFunction[S]) bindable() {}

func (f *NativeFunction[S]) String() string { return "(native function " + f.Name + ")" }

// Operate implements Object.
func (f *NativeFunction[S]) Operate(vm *VM, req *Request) (Status, error) {
	if req.Name != "" || (req.Code != OperateCall && req.Code != OperateNew) {
		return StatusMemberNotFound, nil
	}
	if !f.Fn.present() {
		return StatusMemberNotFound, nil
	}
	err := f.Fn.invoke(&CallInfo{
		VM:     vm,
		Result: req.Result,
		Flags:  req.Flags,
		Args:   req.Args,
		Blocks: req.Blocks,
		This:   req.This,
		Class:  f.Class,
	})
	return StatusOK, vm.asThrown(err)
}

// NativeProperty adapts a native getter and setter. Reading the receiver
// itself calls the getter, writing it calls the setter with the value as the
// only argument.
type NativeProperty[G Shape, S Shape] struct {
	Name   string
	Getter G
	Setter S
	Class  Object
}

// NewNativeProperty wraps a getter/setter pair. Either may be nil.
func NewNativeProperty[G Shape, S Shape](name string, getter G, setter S) *NativeProperty[G, S] {
	return &NativeProperty[G, S]{Name: name, Getter: getter, Setter: setter}
}

func (p *NativeProperty[G, S]) String() string { return "(native property " + p.Name + ")" }

// Operate implements Object.
func (p *NativeProperty[G, S]) Operate(vm *VM, req *Request) (Status, error) {
	if req.Name != "" {
		return StatusMemberNotFound, nil
	}
	ci := &CallInfo{
		VM:     vm,
		Result: req.Result,
		Flags:  req.Flags,
		Args:   req.Args,
		This:   req.This,
		Class:  p.Class,
	}
	switch req.Code {
	case OperateDGet:
		if !p.Getter.present() {
			return StatusPropertyNotReadable, nil
		}
		ci.Args = nil
		return StatusOK, vm.asThrown(p.Getter.invoke(ci))
	case OperateDSet:
		if !p.Setter.present() {
			return StatusPropertyNotWritable, nil
		}
		ci.Args = []Value{lastArg(req)}
		return StatusOK, vm.asThrown(p.Setter.invoke(ci))
	}
	return StatusMemberNotFound, nil
}

// ---------------------------------------------------------------------------
// Arity-specialized helpers
// ---------------------------------------------------------------------------

// Func0 adapts a zero-argument free function.
func Func0(fn func(vm *VM) (Value, error)) FreeFunc {
	return func(ci *CallInfo) error {
		v, err := fn(ci.VM)
		ci.Return(v)
		return err
	}
}

// Func1 adapts a one-argument free function.
func Func1(fn func(vm *VM, a Value) (Value, error)) FreeFunc {
	return func(ci *CallInfo) error {
		v, err := fn(ci.VM, ci.Arg(0))
		ci.Return(v)
		return err
	}
}

// Func2 adapts a two-argument free function.
func Func2(fn func(vm *VM, a, b Value) (Value, error)) FreeFunc {
	return func(ci *CallInfo) error {
		v, err := fn(ci.VM, ci.Arg(0), ci.Arg(1))
		ci.Return(v)
		return err
	}
}

// Method0 adapts a zero-argument instance method.
func Method0[T any](fn func(self T) (Value, error)) BoundFunc[T] {
	return func(self T, ci *CallInfo) error {
		v, err := fn(self)
		ci.Return(v)
		return err
	}
}

// Method1 adapts a one-argument instance method.
func Method1[T any](fn func(self T, a Value) (Value, error)) BoundFunc[T] {
	return func(self T, ci *CallInfo) error {
		v, err := fn(self, ci.Arg(0))
		ci.Return(v)
		return err
	}
}

// Method2 adapts a two-argument instance method.
func Method2[T any](fn func(self T, a, b Value) (Value, error)) BoundFunc[T] {
	return func(self T, ci *CallInfo) error {
		v, err := fn(self, ci.Arg(0), ci.Arg(1))
		ci.Return(v)
		return err
	}
}

// Method3 adapts a three-argument instance method.
func Method3[T any](fn func(self T, a, b, c Value) (Value, error)) BoundFunc[T] {
	return func(self T, ci *CallInfo) error {
		v, err := fn(self, ci.Arg(0), ci.Arg(1), ci.Arg(2))
		ci.Return(v)
		return err
	}
}

// Setter adapts a native setter taking the assigned value.
func Setter[T any](fn func(self T, v Value) error) BoundFunc[T] {
	return func(self T, ci *CallInfo) error {
		return fn(self, ci.Arg(0))
	}
}

// ---------------------------------------------------------------------------
// Type marshaling: Go <-> Value
// ---------------------------------------------------------------------------

// GoToValue converts a Go value. Slices and string-keyed maps become plain
// objects; unsupported types become void.
func (vm *VM) GoToValue(goVal any) Value {
	switch x := goVal.(type) {
	case nil:
		return Void
	case Value:
		return x
	case Object:
		return FromObject(x)
	case []byte:
		return FromOctet(x)
	case error:
		return ThrownValue(vm.asThrown(x))
	}

	v := reflect.ValueOf(goVal)
	switch v.Kind() {
	case reflect.Bool:
		return FromBool(v.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return FromInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return FromInt(int64(v.Uint()))
	case reflect.Float32, reflect.Float64:
		return FromReal(v.Float())
	case reflect.String:
		return FromString(v.String())
	case reflect.Slice, reflect.Array:
		obj := NewScriptObject()
		for i := 0; i < v.Len(); i++ {
			obj.define(strconv.Itoa(i), vm.GoToValue(v.Index(i).Interface()), MemberAttribute{})
		}
		obj.define("length", FromInt(int64(v.Len())), MemberAttribute{Mutability: MutabilityConst})
		return FromObject(obj)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			break
		}
		obj := NewScriptObject()
		iter := v.MapRange()
		for iter.Next() {
			obj.define(iter.Key().String(), vm.GoToValue(iter.Value().Interface()), MemberAttribute{})
		}
		return FromObject(obj)
	case reflect.Ptr:
		obj := NewScriptObject()
		obj.Native = goVal
		return FromObject(obj)
	}
	return Void
}

// ValueToGo converts a Value to its natural Go form. Objects carrying native
// host data yield that data.
func (vm *VM) ValueToGo(v Value) any {
	switch v.kind {
	case KindVoid:
		return nil
	case KindBoolean:
		return v.Bool()
	case KindInteger:
		return v.Int()
	case KindReal:
		return v.Real()
	case KindString:
		return v.str
	case KindOctet:
		return v.Octet()
	}
	if so, ok := v.obj.(*ScriptObject); ok && so.Native != nil {
		return so.Native
	}
	return v.obj
}

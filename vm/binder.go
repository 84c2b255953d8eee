package vm

// ---------------------------------------------------------------------------
// Wrapper objects for native callables
// ---------------------------------------------------------------------------

// FunctionObject presents a callable as an instance of the Function class.
// Calling the receiver itself reaches the target; named members resolve on
// the class with the function as this.
type FunctionObject struct {
	class  *ScriptObject
	Target Object
}

func (f *FunctionObject) bindable() {}

func (f *FunctionObject) String() string { return "(function)" }

// Operate implements Object.
func (f *FunctionObject) Operate(vm *VM, req *Request) (Status, error) {
	return wrapperOperate(vm, f, f.class, f.Target, req, OperateCall, OperateNew)
}

// PropertyObject presents a getter/setter pair as an instance of the
// Property class.
type PropertyObject struct {
	class  *ScriptObject
	Target Object
}

func (p *PropertyObject) String() string { return "(property)" }

// Operate implements Object.
func (p *PropertyObject) Operate(vm *VM, req *Request) (Status, error) {
	return wrapperOperate(vm, p, p.class, p.Target, req, OperateDGet, OperateDSet)
}

func wrapperOperate(vm *VM, self Object, class *ScriptObject, target Object, req *Request, direct ...OperateCode) (Status, error) {
	if req.Name == "" {
		for _, code := range direct {
			if req.Code == code {
				return target.Operate(vm, req)
			}
		}
		if req.Code == OperateInstanceOf {
			req.SetResult(FromBool(classChainHas(class, req.Arg(0))))
			return StatusOK, nil
		}
		return StatusMemberNotFound, nil
	}
	if class == nil {
		return StatusMemberNotFound, nil
	}
	switch req.Code {
	case OperateDSet, OperateISet, OperateDSetAttrib:
		return StatusMemberReadOnly, nil
	}
	sub := *req
	sub.This = FromObject(self)
	return class.Operate(vm, &sub)
}

func classChainHas(class *ScriptObject, v Value) bool {
	target, ok := v.obj.(*ScriptObject)
	if !ok {
		return false
	}
	for c := class; c != nil; c = c.super {
		if c == target {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Binder: registering native members on a class
// ---------------------------------------------------------------------------

// Binder registers native functions, properties and constants on a class
// object. Natives are normally wrapped in Function/Property instances; while
// those two classes are themselves being bootstrapped the binder stores the
// raw adapters instead.
type Binder struct {
	vm    *VM
	class *ScriptObject
}

// NewBinder returns a binder for class.
func NewBinder(vm *VM, class *ScriptObject) *Binder {
	return &Binder{vm: vm, class: class}
}

// Raw reports whether the binder stores raw adapters.
func (b *Binder) Raw() bool {
	return b.vm.functionClass == nil || b.vm.propertyClass == nil
}

// Method registers an instance method.
func (b *Binder) Method(name string, fn Shape) *Binder {
	return b.method(name, fn, MemberAttribute{})
}

// StaticMethod registers a class-level method.
func (b *Binder) StaticMethod(name string, fn Shape) *Binder {
	return b.method(name, fn, MemberAttribute{Context: ContextStatic})
}

func (b *Binder) method(name string, fn Shape, attr MemberAttribute) *Binder {
	nf := &NativeFunction[Shape]{Name: name, Fn: orAbsent(fn), Class: b.class}
	var v Value
	if b.Raw() {
		v = FromObject(nf)
	} else {
		v = FromObject(&FunctionObject{class: b.vm.functionClass, Target: nf})
	}
	b.class.define(name, v, attr)
	return b
}

// Property registers a property. A nil getter or setter makes the property
// write-only or read-only.
func (b *Binder) Property(name string, getter, setter Shape) *Binder {
	np := &NativeProperty[Shape, Shape]{Name: name, Getter: orAbsent(getter), Setter: orAbsent(setter), Class: b.class}
	var v Value
	if b.Raw() {
		v = FromObject(np)
	} else {
		v = FromObject(&PropertyObject{class: b.vm.propertyClass, Target: np})
	}
	b.class.define(name, v, MemberAttribute{Access: AccessProperty})
	return b
}

// Constant registers a read-only value.
func (b *Binder) Constant(name string, v Value) *Binder {
	b.class.define(name, v, MemberAttribute{Mutability: MutabilityConst})
	return b
}

// orAbsent maps a nil shape to an absent FreeFunc so present() is callable.
func orAbsent(s Shape) Shape {
	if s == nil {
		return FreeFunc(nil)
	}
	return s
}

// ---------------------------------------------------------------------------
// Function and Property class members
// ---------------------------------------------------------------------------

func (vm *VM) registerFunctionMembers(b *Binder) {
	// fn.call(this, args...)
	b.Method("call", FreeFunc(func(ci *CallInfo) error {
		var this Value
		var args []Value
		if len(ci.Args) > 0 {
			this, args = ci.Args[0], ci.Args[1:]
		}
		return ci.VM.Do(FromObject(ci.This.obj), &Request{
			Code:   OperateCall,
			Result: ci.Result,
			Args:   args,
			Blocks: ci.Blocks,
			This:   this,
		})
	}))
	// fn.bind(obj) returns fn with obj as its context.
	b.Method("bind", FreeFunc(func(ci *CallInfo) error {
		ci.Return(FromObject(ci.This.obj).WithContext(ci.Arg(0).obj))
		return nil
	}))
}

func (vm *VM) registerPropertyMembers(b *Binder) {
	// prop.get(obj)
	b.Method("get", FreeFunc(func(ci *CallInfo) error {
		return ci.VM.Do(FromObject(ci.This.obj), &Request{
			Code:   OperateDGet,
			Result: ci.Result,
			This:   ci.Arg(0),
		})
	}))
	// prop.set(obj, value)
	b.Method("set", FreeFunc(func(ci *CallInfo) error {
		return ci.VM.Do(FromObject(ci.This.obj), &Request{
			Code: OperateDSet,
			Args: []Value{ci.Arg(1)},
			This: ci.Arg(0),
		})
	}))
}

// WrapFunction presents a callable object as a Function instance.
func (vm *VM) WrapFunction(target Object) Value {
	if vm.functionClass == nil {
		return FromObject(target)
	}
	return FromObject(&FunctionObject{class: vm.functionClass, Target: target})
}

// WrapProperty presents a property object as a Property instance.
func (vm *VM) WrapProperty(target Object) Value {
	if vm.propertyClass == nil {
		return FromObject(target)
	}
	return FromObject(&PropertyObject{class: vm.propertyClass, Target: target})
}

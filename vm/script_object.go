package vm

import (
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// ScriptObject: member-table objects and classes
// ---------------------------------------------------------------------------

// member is one entry of a member table.
type member struct {
	value Value
	attr  MemberAttribute
}

// ScriptObject is a dynamic object with a member table. A ScriptObject with a
// name acts as a class: constructing through it produces an instance whose
// class is the receiver, and member lookups on the instance fall back to the
// class chain.
type ScriptObject struct {
	name  string
	class *ScriptObject // class of an instance, nil for plain objects
	super *ScriptObject // superclass of a class

	mu      sync.RWMutex // guards members
	members map[string]*member

	lock ReentrantMutex // the object's synchronization lock

	// Native holds host data attached to the object; bound native functions
	// unwrap this when the receiver is a ScriptObject.
	Native any
}

// NewScriptObject creates an empty plain object.
func NewScriptObject() *ScriptObject {
	return &ScriptObject{members: make(map[string]*member)}
}

// NewClass creates a class object with an optional superclass.
func NewClass(name string, super *ScriptObject) *ScriptObject {
	c := NewScriptObject()
	c.name = name
	c.super = super
	return c
}

// Name returns the class name, or "" for non-class objects.
func (o *ScriptObject) Name() string { return o.name }

// Class returns the object's class, nil for plain objects and classes.
func (o *ScriptObject) Class() *ScriptObject { return o.class }

// Super returns a class's superclass.
func (o *ScriptObject) Super() *ScriptObject { return o.super }

// SyncLocker implements Synchronizer.
func (o *ScriptObject) SyncLocker() sync.Locker { return &o.lock }

func (o *ScriptObject) String() string {
	switch {
	case o.name != "":
		return "(class " + o.name + ")"
	case o.class != nil:
		return "(object " + o.class.name + ")"
	}
	return "(object)"
}

// Names lists the object's own member names in sorted order.
func (o *ScriptObject) Names() []string {
	o.mu.RLock()
	names := make([]string, 0, len(o.members))
	for name := range o.members {
		names = append(names, name)
	}
	o.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Attribute returns the attributes of an own member.
func (o *ScriptObject) Attribute(name string) (MemberAttribute, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.members[name]
	if !ok {
		return MemberAttribute{}, false
	}
	return m.attr, true
}

// define creates or replaces an own member unconditionally.
func (o *ScriptObject) define(name string, v Value, attr MemberAttribute) {
	o.mu.Lock()
	o.members[name] = &member{value: v, attr: attr}
	o.mu.Unlock()
}

// own returns a snapshot of an own member.
func (o *ScriptObject) own(name string) (member, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	m, ok := o.members[name]
	if !ok {
		return member{}, false
	}
	return *m, true
}

// lookup resolves name on the object, then along its class chain. The
// returned holder is the object the member was found on.
func (o *ScriptObject) lookup(name string, flags OperateFlags) (member, *ScriptObject, bool) {
	start := o
	if flags.Has(UseClassMemberRule) && o.class != nil {
		start = o.class
	}
	for cur := start; cur != nil; cur = cur.next() {
		m, ok := cur.own(name)
		if !ok {
			continue
		}
		if flags.Has(InstanceMemberOnly) && m.attr.IsStatic() {
			continue
		}
		if flags.Has(FinalMemberOnly) && !m.attr.IsFinal() {
			continue
		}
		return m, cur, true
	}
	return member{}, nil, false
}

// next is the following object in the lookup chain: an instance continues
// with its class, a class with its superclass.
func (o *ScriptObject) next() *ScriptObject {
	if o.class != nil {
		return o.class
	}
	return o.super
}

// bindable is implemented by callable values that pick up the receiver as
// their context when read as a member.
type bindable interface {
	Object
	bindable()
}

func (o *ScriptObject) receiver(req *Request) Value {
	if req.This.IsVoid() {
		return FromObject(o)
	}
	return req.This
}

// Operate implements Object.
func (o *ScriptObject) Operate(vm *VM, req *Request) (Status, error) {
	switch req.Code {
	case OperateCall:
		return o.call(vm, req)
	case OperateNew:
		return o.construct(vm, req)
	case OperateDGet:
		return o.get(vm, req, req.Name)
	case OperateDSet:
		return o.set(vm, req, req.Name, lastArg(req))
	case OperateIGet:
		return o.get(vm, req, req.Arg(0).ToString())
	case OperateISet:
		return o.set(vm, req, req.Arg(0).ToString(), lastArg(req))
	case OperateDSetAttrib:
		return o.setAttrib(req)
	case OperateInstanceOf:
		return o.instanceOf(vm, req)
	}
	return StatusMemberNotFound, nil
}

func (o *ScriptObject) get(vm *VM, req *Request, name string) (Status, error) {
	if name == "" {
		return StatusMemberNotFound, nil
	}
	m, _, ok := o.lookup(name, req.Flags)
	if !ok {
		return StatusMemberNotFound, nil
	}
	if m.attr.IsProperty() && req.Flags.Attr.Access != AccessField {
		var result Value
		status, err := vm.Operate(m.value, &Request{
			Code:   OperateDGet,
			Result: &result,
			Flags:  req.Flags,
			This:   o.receiver(req),
		})
		if status == StatusOK && err == nil {
			req.SetResult(result)
		}
		return status, err
	}
	v := m.value
	if _, ok := v.obj.(bindable); ok && v.ctx == nil {
		if this := o.receiver(req); this.IsObject() {
			v = v.WithContext(this.obj)
		}
	}
	req.SetResult(v)
	return StatusOK, nil
}

func (o *ScriptObject) set(vm *VM, req *Request, name string, v Value) (Status, error) {
	if name == "" {
		return StatusMemberNotFound, nil
	}
	m, holder, found := o.lookup(name, req.Flags)
	if found && m.attr.IsProperty() && req.Flags.Attr.Access != AccessField {
		return vm.Operate(m.value, &Request{
			Code:  OperateDSet,
			Flags: req.Flags,
			Args:  []Value{v},
			This:  o.receiver(req),
		})
	}
	if found && m.attr.IsConst() {
		return StatusMemberReadOnly, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if own, ok := o.members[name]; ok {
		own.value = v
		own.attr.Merge(req.Flags.Attr)
		return StatusOK, nil
	}
	if !found && req.Flags.Has(MemberEnsure) {
		return StatusMemberNotFound, nil
	}
	// A write to an inherited member shadows it with an own member that
	// keeps the inherited attributes.
	attr := req.Flags.Attr
	if found && holder != o {
		inherited := m.attr
		inherited.Merge(attr)
		attr = inherited
	}
	o.members[name] = &member{value: v, attr: attr}
	return StatusOK, nil
}

func (o *ScriptObject) setAttrib(req *Request) (Status, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.members[req.Name]
	if !ok {
		return StatusMemberNotFound, nil
	}
	if m.attr.Merge(req.Flags.Attr) {
		log.Debugf("attributes of %q overwritten: %s", req.Name, m.attr)
	}
	return StatusOK, nil
}

func (o *ScriptObject) call(vm *VM, req *Request) (Status, error) {
	if req.Name == "" {
		return StatusMemberNotFound, nil
	}
	var fn Value
	status, err := o.get(vm, &Request{Code: OperateDGet, Result: &fn, Flags: req.Flags, This: req.This}, req.Name)
	if status != StatusOK || err != nil {
		return status, err
	}
	return vm.Operate(fn, &Request{
		Code:   OperateCall,
		Result: req.Result,
		Flags:  req.Flags,
		Args:   req.Args,
		Blocks: req.Blocks,
		This:   o.receiver(req),
	})
}

// construct creates an instance. Calling new on a class runs the member
// named like the class, if any, as the constructor.
func (o *ScriptObject) construct(vm *VM, req *Request) (Status, error) {
	if req.Name != "" {
		m, _, ok := o.lookup(req.Name, req.Flags)
		if !ok {
			return StatusMemberNotFound, nil
		}
		return vm.Operate(m.value, &Request{
			Code:   OperateNew,
			Result: req.Result,
			Flags:  req.Flags,
			Args:   req.Args,
			Blocks: req.Blocks,
		})
	}
	if o.name == "" {
		return StatusMemberNotFound, nil
	}
	inst := NewScriptObject()
	inst.class = o
	self := FromObject(inst)
	if ctor, holder, ok := o.lookup(o.name, OperateFlags{}); ok && holder == o {
		err := vm.Do(ctor.value, &Request{
			Code:   OperateCall,
			Args:   req.Args,
			Blocks: req.Blocks,
			This:   self,
		})
		if err != nil {
			return StatusOK, err
		}
	}
	req.SetResult(self)
	return StatusOK, nil
}

// instanceOf answers whether the receiver (or the named member) is an
// instance of the class in Args[0]. Classes match themselves and their
// superclasses.
func (o *ScriptObject) instanceOf(vm *VM, req *Request) (Status, error) {
	if req.Name != "" {
		m, _, ok := o.lookup(req.Name, req.Flags)
		if !ok {
			return StatusMemberNotFound, nil
		}
		return vm.Operate(m.value, &Request{Code: OperateInstanceOf, Result: req.Result, Args: req.Args})
	}
	target, _ := req.Arg(0).obj.(*ScriptObject)
	start := o.class
	if start == nil && o.name != "" {
		start = o
	}
	for c := start; c != nil; c = c.super {
		if c == target {
			req.SetResult(True)
			return StatusOK, nil
		}
	}
	req.SetResult(False)
	return StatusOK, nil
}

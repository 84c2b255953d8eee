package vm

import (
	"sync"
)

// ---------------------------------------------------------------------------
// Object: the single polymorphic dispatch contract
// ---------------------------------------------------------------------------

// OperateCode selects what an Operate request does.
type OperateCode uint8

const (
	OperateCall       OperateCode = iota // call the member (or the receiver itself)
	OperateNew                           // construct through the member
	OperateDGet                          // dotted read
	OperateDSet                          // dotted write
	OperateIGet                          // indexed read
	OperateISet                          // indexed write
	OperateDSetAttrib                    // merge attributes into a member
	OperateInstanceOf                    // class membership test, Args[0] is the class
)

var operateNames = [...]string{
	OperateCall:       "call",
	OperateNew:        "new",
	OperateDGet:       "dget",
	OperateDSet:       "dset",
	OperateIGet:       "iget",
	OperateISet:       "iset",
	OperateDSetAttrib: "dsetattrib",
	OperateInstanceOf: "instanceof",
}

func (c OperateCode) String() string {
	if int(c) < len(operateNames) {
		return operateNames[c]
	}
	return "operate?"
}

// Status is the outcome of an Operate request. Thrown values travel on the
// error return instead.
type Status uint8

const (
	StatusOK Status = iota
	StatusMemberNotFound
	StatusMemberReadOnly
	StatusPropertyNotReadable
	StatusPropertyNotWritable
)

var statusNames = [...]string{
	StatusOK:                  "ok",
	StatusMemberNotFound:      "member not found",
	StatusMemberReadOnly:      "member is read-only",
	StatusPropertyNotReadable: "property is not readable",
	StatusPropertyNotWritable: "property is not writable",
}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "status?"
}

// Request is one dispatch request.
//
// Name is the member name; the empty name addresses the receiver itself
// (calling a function object, reading a property object). For OperateDSet
// and OperateISet the value to store is the last element of Args; for
// OperateIGet/OperateISet the key is Args[0].
type Request struct {
	Code   OperateCode
	Result *Value // optional
	Name   string
	Flags  OperateFlags
	Args   []Value
	Blocks []Value // lazily evaluated block arguments
	This   Value
}

// SetResult stores v into the request's result slot when one is present.
func (r *Request) SetResult(v Value) {
	if r.Result != nil {
		*r.Result = v
	}
}

// Arg returns the i-th argument, or void when absent.
func (r *Request) Arg(i int) Value {
	if i < 0 || i >= len(r.Args) {
		return Void
	}
	return r.Args[i]
}

// Object is implemented by every object-like value. Operate performs the
// requested operation and reports its outcome. A thrown script value is
// returned as an error (*Thrown or *NonLocalExit).
type Object interface {
	Operate(vm *VM, req *Request) (Status, error)
}

// Synchronizer is implemented by objects that own a lock usable by
// synchronized calls. Objects carry at most one such lock. A locker that
// is not reentrant deadlocks a synchronized call that synchronizes on the
// same object again; ScriptObject's ReentrantMutex does not.
type Synchronizer interface {
	SyncLocker() sync.Locker
}

// ---------------------------------------------------------------------------
// Dispatch helpers
// ---------------------------------------------------------------------------

// Operate dispatches req against any value. Primitive values are dispatched
// to the prototype registered for their kind; without one the member is not
// found. An object value bound to a context always runs with that context as
// This.
func (vm *VM) Operate(target Value, req *Request) (Status, error) {
	if target.kind == KindObject {
		if target.ctx != nil {
			req.This = FromObject(target.ctx)
		}
		return target.obj.Operate(vm, req)
	}
	proto := vm.Prototype(target.kind)
	if proto == nil {
		return StatusMemberNotFound, nil
	}
	if req.This.IsVoid() {
		req.This = target
	}
	return proto.Operate(vm, req)
}

// Do dispatches req and converts any non-OK status into a thrown exception
// naming the member.
func (vm *VM) Do(target Value, req *Request) error {
	status, err := vm.Operate(target, req)
	if err != nil {
		return err
	}
	if status != StatusOK {
		return vm.statusError(status, req.Name)
	}
	return nil
}

// Get reads a member through Do.
func (vm *VM) Get(target Value, name string) (Value, error) {
	var result Value
	err := vm.Do(target, &Request{Code: OperateDGet, Name: name, Result: &result})
	return result, err
}

// Set writes a member through Do.
func (vm *VM) Set(target Value, name string, value Value) error {
	return vm.Do(target, &Request{Code: OperateDSet, Name: name, Args: []Value{value}})
}

// Call invokes a callable value with the given this and arguments.
func (vm *VM) Call(fn Value, this Value, args ...Value) (Value, error) {
	var result Value
	err := vm.Do(fn, &Request{Code: OperateCall, Result: &result, Args: args, This: this})
	return result, err
}

// CallMember invokes a member of target with target as this.
func (vm *VM) CallMember(target Value, name string, args ...Value) (Value, error) {
	var result Value
	err := vm.Do(target, &Request{Code: OperateCall, Name: name, Result: &result, Args: args, This: target})
	return result, err
}

// statusError builds the thrown exception for a failed dispatch.
func (vm *VM) statusError(status Status, name string) error {
	if name == "" {
		name = "(receiver)"
	}
	switch status {
	case StatusMemberNotFound:
		return vm.NewError("MemberNotFoundException", "member %q not found", name)
	case StatusMemberReadOnly:
		return vm.NewError("MemberReadOnlyException", "member %q is read-only", name)
	case StatusPropertyNotReadable:
		return vm.NewError("PropertyNotReadableException", "property %q is not readable", name)
	case StatusPropertyNotWritable:
		return vm.NewError("PropertyNotWritableException", "property %q is not writable", name)
	}
	return vm.NewError("RuntimeException", "operation on %q failed: %s", name, status)
}

// lastArg returns the value operand of a set request.
func lastArg(req *Request) Value {
	if len(req.Args) == 0 {
		return Void
	}
	return req.Args[len(req.Args)-1]
}

package vm

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
)

// ---------------------------------------------------------------------------
// Invocation: what one execution of a code block receives
// ---------------------------------------------------------------------------

// Invocation carries the inputs of one code block execution.
type Invocation struct {
	Args   []Value
	Blocks []Value // lazily evaluated block arguments
	This   Value

	// Frame is an existing register frame to run in; nil allocates a fresh
	// one sized to the block.
	Frame []Value
	// Shared is the caller's shared frame chain.
	Shared SharedChain
	// Result optionally receives the result.
	Result *Value
}

// ---------------------------------------------------------------------------
// CallFrame: execution state of one invocation
// ---------------------------------------------------------------------------

// CallFrame is the state of one running code block.
type CallFrame struct {
	vm    *VM
	cb    *CodeBlock
	regs  []Value
	chain SharedChain
	inv   *Invocation

	// caught is the last ordinary thrown value taken by a catch-branch, so a
	// rethrow of the same value keeps its trace.
	caught *Thrown
}

// Execute runs cb. Thrown values and non-local exits leaving the block are
// returned as errors with the block's trace point appended.
func (vm *VM) Execute(cb *CodeBlock, inv Invocation) (Value, error) {
	regs := inv.Frame
	if regs == nil {
		regs = make([]Value, cb.NumRegs)
	} else if len(regs) < cb.NumRegs {
		panic(fmt.Sprintf("vm: %s: supplied frame has %d registers, need %d", cb, len(regs), cb.NumRegs))
	}

	chain := inv.Shared
	if cb.NestLevel > 0 {
		overlay, err := vm.arena.Overlay(inv.Shared, cb.SharedSizes)
		if err != nil {
			return Void, fmt.Errorf("%s: %w", cb, err)
		}
		chain = overlay
		defer vm.arena.ReleaseChain(overlay)
	}

	f := &CallFrame{vm: vm, cb: cb, regs: regs, chain: chain, inv: &inv}
	result, ip, err := f.run()
	if err != nil {
		annotate(err, cb.tracePoint(ip))
		return Void, err
	}
	if inv.Result != nil {
		*inv.Result = result
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Main interpreter loop
// ---------------------------------------------------------------------------

// run executes the frame. On error ip is the offset of the failing
// instruction.
func (f *CallFrame) run() (Value, int, error) {
	vm := f.vm
	code := f.cb.Code
	consts := f.cb.Consts
	regs := f.regs

	ip := 0
	for ip < len(code) {
		op := Opcode(code[ip])

		switch op {
		// --- Copy and constants ---
		case OpNop:
			ip++

		case OpAssign:
			regs[code[ip+1]] = regs[code[ip+2]]
			ip += 3

		case OpAssignConst:
			regs[code[ip+1]] = consts[code[ip+2]]
			ip += 3

		// --- Special loads ---
		case OpAssignThis:
			regs[code[ip+1]] = f.inv.This
			ip += 2

		case OpAssignThisProxy:
			regs[code[ip+1]] = FromObject(NewThisProxy(f.inv.This.obj, vm.Globals))
			ip += 2

		case OpAssignGlobal:
			regs[code[ip+1]] = FromObject(vm.Globals)
			ip += 2

		case OpAssignSuper:
			return Void, ip, vm.NewError("UnsupportedException", "super is not supported")

		// --- Construction ---
		case OpAssignNewObject:
			regs[code[ip+1]] = FromObject(NewScriptObject())
			ip += 2

		case OpAssignNewArray:
			v, err := f.construct("Array")
			if err != nil {
				return Void, ip, err
			}
			regs[code[ip+1]] = v
			ip += 2

		case OpAssignNewDict:
			v, err := f.construct("Dictionary")
			if err != nil {
				return Void, ip, err
			}
			regs[code[ip+1]] = v
			ip += 2

		case OpAssignNewRegExp:
			v, err := f.construct("RegExp", regs[code[ip+2]], regs[code[ip+3]])
			if err != nil {
				return Void, ip, err
			}
			regs[code[ip+1]] = v
			ip += 4

		case OpAssignNewFunction:
			src := regs[code[ip+2]]
			if !src.IsObject() {
				return Void, ip, vm.NewError("IllegalArgumentException", "cannot make a function from %s", src.Kind())
			}
			regs[code[ip+1]] = vm.WrapFunction(src.obj).WithContext(src.ctx)
			ip += 3

		case OpAssignNewProperty:
			prop := &ScriptProperty{Getter: regs[code[ip+2]], Setter: regs[code[ip+3]]}
			regs[code[ip+1]] = vm.WrapProperty(prop)
			ip += 4

		case OpAssignNewClass:
			return Void, ip, vm.NewError("UnsupportedException", "class construction (%s) is not supported", consts[code[ip+2]].ToString())

		case OpAssignNewModule:
			return Void, ip, vm.NewError("UnsupportedException", "module construction (%s) is not supported", consts[code[ip+2]].ToString())

		// --- Parameters ---
		case OpAssignParam:
			regs[code[ip+1]] = argAt(f.inv.Args, int(code[ip+2]))
			ip += 3

		case OpAssignBlockParam:
			regs[code[ip+1]] = argAt(f.inv.Blocks, int(code[ip+2]))
			ip += 3

		// --- Bindings ---
		case OpAssignNewBinding:
			b, err := NewBinding(vm, f.chain, f.inv.This)
			if err != nil {
				return Void, ip, err
			}
			regs[code[ip+1]] = FromObject(b)
			ip += 2

		case OpAddBindingMap:
			b, ok := regs[code[ip+1]].obj.(*Binding)
			if !ok {
				panic(fmt.Sprintf("vm: %s: BINDING_MAP at %d on a non-binding register", f.cb, ip))
			}
			b.Add(consts[code[ip+2]].ToString(), int(code[ip+3]), int(code[ip+4]))
			ip += 5

		// --- Shared space ---
		case OpRead:
			h, err := f.level(code[ip+2])
			if err != nil {
				return Void, ip, err
			}
			v, err := vm.arena.Load(h, int(code[ip+3]))
			if err != nil {
				return Void, ip, vm.asThrown(err)
			}
			regs[code[ip+1]] = v
			ip += 4

		case OpWrite:
			h, err := f.level(code[ip+1])
			if err != nil {
				return Void, ip, err
			}
			if err := vm.arena.Store(h, int(code[ip+2]), regs[code[ip+3]]); err != nil {
				return Void, ip, vm.asThrown(err)
			}
			ip += 4

		// --- Closures ---
		case OpSetFrame, OpSetShare:
			var frame []Value
			if op == OpSetFrame {
				frame = regs
			}
			c, err := newClosure(vm, f.cb.Blocks[code[ip+2]], frame, f.chain)
			if err != nil {
				return Void, ip, err
			}
			v := FromObject(c)
			if this := f.inv.This; this.IsObject() {
				v = v.WithContext(this.obj)
			}
			regs[code[ip+1]] = v
			ip += 3

		// --- Calls ---
		case OpCall, OpNew, OpTryCall:
			dst, fn := code[ip+1], regs[code[ip+2]]
			flags := UnpackOperateFlags(code[ip+3])
			args, n := f.list(ip + 4)
			opc := OperateCall
			if op == OpNew {
				opc = OperateNew
			}
			result, err := f.call(opc, fn, "", flags, args, nil, Void)
			if op == OpTryCall {
				regs[dst] = f.marker(result, err)
			} else if err != nil {
				return Void, ip, err
			} else {
				regs[dst] = result
			}
			ip += 4 + n

		case OpCallMember:
			dst, obj := code[ip+1], regs[code[ip+2]]
			name := consts[code[ip+3]].ToString()
			flags := UnpackOperateFlags(code[ip+4])
			args, n := f.list(ip + 5)
			result, err := f.call(OperateCall, obj, name, flags, args, nil, obj)
			if err != nil {
				return Void, ip, err
			}
			regs[dst] = result
			ip += 5 + n

		case OpCallBlock:
			dst, fn := code[ip+1], regs[code[ip+2]]
			flags := UnpackOperateFlags(code[ip+3])
			args, n := f.list(ip + 4)
			blocks, m := f.list(ip + 4 + n)
			result, err := f.call(OperateCall, fn, "", flags, args, blocks, Void)
			if err != nil {
				return Void, ip, err
			}
			regs[dst] = result
			ip += 4 + n + m

		case OpSync:
			dst, fn, lock := code[ip+1], regs[code[ip+2]], regs[code[ip+3]]
			flags := UnpackOperateFlags(code[ip+4])
			args, n := f.list(ip + 5)
			result, err := f.syncCall(fn, lock, flags, args)
			regs[dst] = f.marker(result, err)
			ip += 5 + n

		// --- Control flow ---
		case OpJump:
			ip += disp(code[ip+1])

		case OpJumpTrue:
			if regs[code[ip+1]].ToBoolean() {
				ip += disp(code[ip+2])
			} else {
				ip += 3
			}

		case OpJumpFalse:
			if !regs[code[ip+1]].ToBoolean() {
				ip += disp(code[ip+2])
			} else {
				ip += 3
			}

		case OpCatchBranch:
			next, err := f.catchBranch(ip)
			if err != nil {
				return Void, ip, err
			}
			ip = next

		case OpReturn:
			return regs[code[ip+1]], ip, nil

		case OpThrow:
			v := regs[code[ip+1]]
			if f.caught != nil && Identical(f.caught.Value, v) {
				t := f.caught
				f.caught = nil
				return Void, ip, t
			}
			return Void, ip, &Thrown{Value: v}

		case OpExitTry:
			return Void, ip, &NonLocalExit{
				ID:     consts[code[ip+2]].ToInteger(),
				Target: int(code[ip+3]),
				Value:  regs[code[ip+1]],
			}

		// --- Unary operators ---
		case OpLogNot, OpBitNot, OpPlus, OpMinus, OpString, OpBoolean, OpReal, OpInteger, OpOctet:
			regs[code[ip+1]] = unary(op, regs[code[ip+2]])
			ip += 3

		// --- Binary operators ---
		case OpInstanceOf:
			v, err := f.instanceOf(regs[code[ip+2]], regs[code[ip+3]])
			if err != nil {
				return Void, ip, err
			}
			regs[code[ip+1]] = v
			ip += 4

		case OpInContextOf:
			regs[code[ip+1]] = regs[code[ip+2]].WithContext(regs[code[ip+3]].obj)
			ip += 4

		case OpMod, OpIdiv:
			a, b := regs[code[ip+2]], regs[code[ip+3]]
			var v Value
			var err error
			if op == OpMod {
				v, err = Mod(a, b)
			} else {
				v, err = Idiv(a, b)
			}
			if err != nil {
				return Void, ip, vm.NewError("DivideByZeroException", "%s", err.Error())
			}
			regs[code[ip+1]] = v
			ip += 4

		case OpLogOr, OpLogAnd, OpBitOr, OpBitXor, OpBitAnd,
			OpNotEqual, OpEqual, OpDiscNotEqual, OpDiscEqual,
			OpLesser, OpGreater, OpLesserOrEqual, OpGreaterOrEqual,
			OpRBitShift, OpLShift, OpRShift, OpDiv, OpMul, OpAdd, OpSub:
			regs[code[ip+1]] = binary(op, regs[code[ip+2]], regs[code[ip+3]])
			ip += 4

		// --- Member access ---
		case OpDGet:
			var result Value
			err := vm.Do(regs[code[ip+2]], &Request{
				Code:   OperateDGet,
				Result: &result,
				Name:   consts[code[ip+3]].ToString(),
				Flags:  UnpackOperateFlags(code[ip+4]),
			})
			if err != nil {
				return Void, ip, err
			}
			regs[code[ip+1]] = result
			ip += 5

		case OpDSet:
			err := vm.Do(regs[code[ip+1]], &Request{
				Code:  OperateDSet,
				Name:  consts[code[ip+2]].ToString(),
				Flags: UnpackOperateFlags(code[ip+4]),
				Args:  []Value{regs[code[ip+3]]},
			})
			if err != nil {
				return Void, ip, err
			}
			ip += 5

		case OpIGet:
			var result Value
			err := vm.Do(regs[code[ip+2]], &Request{
				Code:   OperateIGet,
				Result: &result,
				Flags:  UnpackOperateFlags(code[ip+4]),
				Args:   []Value{regs[code[ip+3]]},
			})
			if err != nil {
				return Void, ip, err
			}
			regs[code[ip+1]] = result
			ip += 5

		case OpISet:
			err := vm.Do(regs[code[ip+1]], &Request{
				Code:  OperateISet,
				Flags: UnpackOperateFlags(code[ip+4]),
				Args:  []Value{regs[code[ip+2]], regs[code[ip+3]]},
			})
			if err != nil {
				return Void, ip, err
			}
			ip += 5

		case OpDSetAttrib:
			err := vm.Do(regs[code[ip+1]], &Request{
				Code:  OperateDSetAttrib,
				Name:  consts[code[ip+2]].ToString(),
				Flags: UnpackOperateFlags(code[ip+3]),
			})
			if err != nil {
				return Void, ip, err
			}
			ip += 4

		// --- Diagnostics ---
		case OpAssert:
			if vm.config.Assertions && !regs[code[ip+1]].ToBoolean() {
				return Void, ip, vm.NewError("AssertionFailedException", "assertion failed: %s", consts[code[ip+2]].ToString())
			}
			ip += 3

		case OpDump:
			n := int(code[ip+1])
			if vm.config.Dump {
				f.dump(ip, code[ip+2:ip+2+n])
			}
			ip += 2 + n

		default:
			panic(fmt.Sprintf("vm: %s: unknown opcode %d at %d", f.cb, code[ip], ip))
		}
	}

	// Falling off the end returns void.
	return Void, ip, nil
}

// ---------------------------------------------------------------------------
// Instruction helpers
// ---------------------------------------------------------------------------

func disp(w uint32) int { return int(int32(w)) }

func argAt(args []Value, i int) Value {
	if i < len(args) {
		return args[i]
	}
	return Void
}

// level resolves a shared level operand against the running chain. Blocks
// without their own nesting are only checked here.
func (f *CallFrame) level(l uint32) (FrameHandle, error) {
	if int(l) >= len(f.chain) {
		return FrameHandle{}, f.vm.NewError("IllegalArgumentException",
			"shared level %d out of range (chain depth %d)", l, len(f.chain))
	}
	return f.chain[l], nil
}

// list reads a counted register list at pos. It returns a fresh slice of the
// register values and the number of words consumed.
func (f *CallFrame) list(pos int) ([]Value, int) {
	n := int(f.cb.Code[pos])
	if n == 0 {
		return nil, 1
	}
	vals := make([]Value, n)
	for i, w := range f.cb.Code[pos+1 : pos+1+n] {
		vals[i] = f.regs[w]
	}
	return vals, n + 1
}

func (f *CallFrame) call(code OperateCode, fn Value, name string, flags OperateFlags, args, blocks []Value, this Value) (Value, error) {
	var result Value
	err := f.vm.Do(fn, &Request{
		Code:   code,
		Result: &result,
		Name:   name,
		Flags:  flags,
		Args:   args,
		Blocks: blocks,
		This:   this,
	})
	return result, err
}

// syncCall holds lock's lock for the duration of the call.
func (f *CallFrame) syncCall(fn, lock Value, flags OperateFlags, args []Value) (Value, error) {
	var l sync.Locker
	if s, ok := lock.obj.(Synchronizer); ok {
		l = s.SyncLocker()
	}
	if l == nil {
		return Void, f.vm.NewError("IllegalArgumentException", "%s has no lock", lock.Kind())
	}
	l.Lock()
	defer l.Unlock()
	return f.call(OperateCall, fn, "", flags, args, nil, Void)
}

// marker packages a call outcome for the following catch-branch.
func (f *CallFrame) marker(result Value, err error) Value {
	if err == nil {
		return FromObject(&tryMarker{Value: result})
	}
	err = f.vm.asThrown(err)
	return FromObject(&tryMarker{Raised: true, Value: ThrownValue(err), Err: err})
}

// catchBranch implements OpCatchBranch and returns the next ip.
//
//	no error                        -> target 0, register <- call result
//	non-local exit, matching id     -> target carried by the exit, register <- payload
//	non-local exit, other id        -> re-thrown
//	other thrown value, n > 1       -> target 1, register <- thrown value
//	other thrown value, n == 1      -> re-thrown
func (f *CallFrame) catchBranch(ip int) (int, error) {
	code := f.cb.Code
	r := code[ip+1]
	id := f.cb.Consts[code[ip+2]].ToInteger()
	n := int(code[ip+3])
	targets := code[ip+4 : ip+4+n]

	m, ok := f.regs[r].obj.(*tryMarker)
	if !ok {
		panic(fmt.Sprintf("vm: %s: CATCH_BRANCH at %d without a try-marker in r%d", f.cb, ip, r))
	}
	if !m.Raised {
		f.regs[r] = m.Value
		return ip + disp(targets[0]), nil
	}

	var exit *NonLocalExit
	if errors.As(m.Err, &exit) {
		if exit.ID == id && exit.Target >= 0 && exit.Target < n {
			f.regs[r] = exit.Value
			return ip + disp(targets[exit.Target]), nil
		}
		return ip, m.Err
	}
	if n > 1 {
		var t *Thrown
		if errors.As(m.Err, &t) {
			f.caught = t
		}
		f.regs[r] = m.Value
		return ip + disp(targets[1]), nil
	}
	return ip, m.Err
}

// construct instantiates a global class by name.
func (f *CallFrame) construct(class string, args ...Value) (Value, error) {
	cls, err := f.vm.Get(FromObject(f.vm.Globals), class)
	if err != nil {
		return Void, err
	}
	return f.call(OperateNew, cls, "", OperateFlags{}, args, nil, Void)
}

func (f *CallFrame) instanceOf(v, class Value) (Value, error) {
	if !v.IsObject() {
		return False, nil
	}
	result := False
	status, err := f.vm.Operate(v, &Request{Code: OperateInstanceOf, Result: &result, Args: []Value{class}})
	if err != nil {
		return Void, err
	}
	if status != StatusOK {
		return False, nil
	}
	return result, nil
}

func (f *CallFrame) dump(ip int, regs []uint32) {
	var sb strings.Builder
	for i, r := range regs {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "r%d=%s", r, f.regs[r])
	}
	line, col := f.cb.SourcePosition(ip)
	log.Debugf("dump %s (%d:%d): %s", f.cb, line, col, sb.String())
}

func unary(op Opcode, a Value) Value {
	switch op {
	case OpLogNot:
		return LogNot(a)
	case OpBitNot:
		return BitNot(a)
	case OpPlus:
		return Plus(a)
	case OpMinus:
		return Negate(a)
	case OpString:
		return FromString(a.ToString())
	case OpBoolean:
		return FromBool(a.ToBoolean())
	case OpReal:
		return FromReal(a.ToReal())
	case OpInteger:
		return FromInt(a.ToInteger())
	case OpOctet:
		return FromOctet(a.ToOctet())
	}
	panic(fmt.Sprintf("vm: %s is not a unary operator", op))
}

func binary(op Opcode, a, b Value) Value {
	switch op {
	case OpLogOr:
		return LogOr(a, b)
	case OpLogAnd:
		return LogAnd(a, b)
	case OpBitOr:
		return BitOr(a, b)
	case OpBitXor:
		return BitXor(a, b)
	case OpBitAnd:
		return BitAnd(a, b)
	case OpNotEqual:
		return FromBool(!Equal(a, b))
	case OpEqual:
		return FromBool(Equal(a, b))
	case OpDiscNotEqual:
		return FromBool(!DiscEqual(a, b))
	case OpDiscEqual:
		return FromBool(DiscEqual(a, b))
	case OpLesser:
		return FromBool(Lesser(a, b))
	case OpGreater:
		return FromBool(Greater(a, b))
	case OpLesserOrEqual:
		return FromBool(LesserOrEqual(a, b))
	case OpGreaterOrEqual:
		return FromBool(GreaterOrEqual(a, b))
	case OpRBitShift:
		return Ushr(a, b)
	case OpLShift:
		return Shl(a, b)
	case OpRShift:
		return Shr(a, b)
	case OpDiv:
		return Div(a, b)
	case OpMul:
		return Mul(a, b)
	case OpAdd:
		return Add(a, b)
	case OpSub:
		return Sub(a, b)
	}
	panic(fmt.Sprintf("vm: %s is not a binary operator", op))
}

// ---------------------------------------------------------------------------
// Closure: a nested code block bound to a shared chain
// ---------------------------------------------------------------------------

// Closure is the callable produced by OpSetFrame and OpSetShare. It keeps a
// reference to every frame of its chain until it is collected.
type Closure struct {
	Block *CodeBlock
	frame []Value // register frame shared with the creator, or nil
	chain SharedChain
}

func newClosure(vm *VM, block *CodeBlock, frame []Value, chain SharedChain) (*Closure, error) {
	if err := vm.arena.RetainChain(chain); err != nil {
		return nil, err
	}
	c := &Closure{Block: block, frame: frame, chain: chain}
	if len(chain) > 0 {
		runtime.AddCleanup(c, vm.arena.ReleaseChain, chain)
	}
	return c, nil
}

func (c *Closure) bindable() {}

func (c *Closure) String() string { return "(closure " + c.Block.String() + ")" }

// Chain returns the captured shared chain.
func (c *Closure) Chain() SharedChain { return c.chain }

// Operate implements Object. Named members resolve on the Function class.
func (c *Closure) Operate(vm *VM, req *Request) (Status, error) {
	if req.Name != "" {
		return wrapperOperate(vm, c, vm.functionClass, nil, req)
	}
	switch req.Code {
	case OperateCall:
		_, err := vm.Execute(c.Block, Invocation{
			Args:   req.Args,
			Blocks: req.Blocks,
			This:   req.This,
			Frame:  c.frame,
			Shared: c.chain,
			Result: req.Result,
		})
		return StatusOK, err
	case OperateNew:
		inst := FromObject(NewScriptObject())
		_, err := vm.Execute(c.Block, Invocation{
			Args:   req.Args,
			Blocks: req.Blocks,
			This:   inst,
			Frame:  c.frame,
			Shared: c.chain,
		})
		if err != nil {
			return StatusOK, err
		}
		req.SetResult(inst)
		return StatusOK, nil
	case OperateInstanceOf:
		req.SetResult(FromBool(classChainHas(vm.functionClass, req.Arg(0))))
		return StatusOK, nil
	}
	return StatusMemberNotFound, nil
}

// ---------------------------------------------------------------------------
// ScriptProperty: a property built from script getter/setter functions
// ---------------------------------------------------------------------------

// ScriptProperty routes reads to Getter and writes to Setter. A void
// function makes the property not readable or not writable.
type ScriptProperty struct {
	Getter Value
	Setter Value
}

// Operate implements Object.
func (p *ScriptProperty) Operate(vm *VM, req *Request) (Status, error) {
	if req.Name != "" {
		return StatusMemberNotFound, nil
	}
	switch req.Code {
	case OperateDGet:
		if p.Getter.IsVoid() {
			return StatusPropertyNotReadable, nil
		}
		v, err := vm.Call(p.Getter, req.This)
		if err != nil {
			return StatusOK, err
		}
		req.SetResult(v)
		return StatusOK, nil
	case OperateDSet:
		if p.Setter.IsVoid() {
			return StatusPropertyNotWritable, nil
		}
		_, err := vm.Call(p.Setter, req.This, lastArg(req))
		return StatusOK, err
	}
	return StatusMemberNotFound, nil
}

package vm

import (
	"sync"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("kiri.vm")

// ---------------------------------------------------------------------------
// VM: an isolated engine instance
// ---------------------------------------------------------------------------

// Config holds engine switches. The zero Config is a usable default.
type Config struct {
	Assertions    bool // check OpAssert instructions
	Dump          bool // log OpDump instructions
	ArenaCapacity int  // maximum live shared frames, 0 for unlimited
}

// Compiler turns source text into a code block. It is an external
// collaborator used only by Binding's eval; names maps every identifier
// visible at the capture site to its shared slot.
type Compiler interface {
	Compile(source string, names map[string]BindingSlot) (*CodeBlock, error)
}

// VM is an engine instance. Every opcode and native function receives the VM
// explicitly; there is no process-wide engine.
type VM struct {
	ID       uuid.UUID
	Globals  *ScriptObject
	Compiler Compiler

	config Config
	arena  *FrameArena

	protoMu    sync.RWMutex
	prototypes map[Kind]Object

	// Wrapper classes for native functions and properties. Both are nil
	// while they are being bootstrapped.
	functionClass *ScriptObject
	propertyClass *ScriptObject
}

// NewVM creates and bootstraps a new VM.
func NewVM(cfg Config) *VM {
	vm := &VM{
		ID:         uuid.New(),
		config:     cfg,
		arena:      NewFrameArena(cfg.ArenaCapacity),
		prototypes: make(map[Kind]Object),
	}
	vm.Globals = NewScriptObject()

	vm.bootstrap()

	log.Debugf("engine %s created (assertions=%t, dump=%t)", vm.ID, cfg.Assertions, cfg.Dump)
	return vm
}

// ---------------------------------------------------------------------------
// Bootstrap: wrapper classes for the native bridge
// ---------------------------------------------------------------------------

func (vm *VM) bootstrap() {
	// Phase 1: the Function and Property classes. Their own members are
	// registered before either exists as a wrapper, so the binder stores
	// raw adapters for them.
	fn := NewClass("Function", nil)
	prop := NewClass("Property", nil)
	vm.registerFunctionMembers(NewBinder(vm, fn))
	vm.registerPropertyMembers(NewBinder(vm, prop))

	// Phase 2: from now on binders wrap natives in instances of the classes.
	vm.functionClass = fn
	vm.propertyClass = prop

	vm.Globals.define("Function", FromObject(fn), MemberAttribute{Mutability: MutabilityConst})
	vm.Globals.define("Property", FromObject(prop), MemberAttribute{Mutability: MutabilityConst})
}

// Config returns the engine configuration.
func (vm *VM) Config() Config { return vm.config }

// Arena returns the shared frame arena.
func (vm *VM) Arena() *FrameArena { return vm.arena }

// FunctionClass returns the wrapper class of native functions.
func (vm *VM) FunctionClass() *ScriptObject { return vm.functionClass }

// PropertyClass returns the wrapper class of native properties.
func (vm *VM) PropertyClass() *ScriptObject { return vm.propertyClass }

// Prototype returns the object primitive values of kind k dispatch to.
func (vm *VM) Prototype(k Kind) Object {
	vm.protoMu.RLock()
	defer vm.protoMu.RUnlock()
	return vm.prototypes[k]
}

// SetPrototype registers the object primitive values of kind k dispatch to.
// A nil object removes the registration.
func (vm *VM) SetPrototype(k Kind, o Object) {
	vm.protoMu.Lock()
	defer vm.protoMu.Unlock()
	if o == nil {
		delete(vm.prototypes, k)
		return
	}
	vm.prototypes[k] = o
}

// SetGlobal defines or replaces a global.
func (vm *VM) SetGlobal(name string, v Value) {
	vm.Globals.define(name, v, MemberAttribute{})
}

// ---------------------------------------------------------------------------
// Top-level boundary
// ---------------------------------------------------------------------------

// Run executes a top-level code block with the global object as this. An
// uncaught thrown value or non-local exit is logged with its full trace
// before being returned.
func (vm *VM) Run(cb *CodeBlock, args ...Value) (Value, error) {
	result, err := vm.Execute(cb, Invocation{Args: args, This: FromObject(vm.Globals)})
	if err != nil {
		vm.reportUncaught(err)
	}
	return result, err
}

func (vm *VM) reportUncaught(err error) {
	switch e := err.(type) {
	case *Thrown:
		log.Errorf("uncaught %s", e.TraceString())
	case *NonLocalExit:
		log.Errorf("%s", e.TraceString())
	default:
		log.Errorf("execution failed: %s", err.Error())
	}
}

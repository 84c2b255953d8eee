package vm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// CodeBlock: the compiled unit the interpreter executes
// ---------------------------------------------------------------------------

// CodeBlock is one compiled unit: instructions, constants and frame layout.
// Code blocks come from an external compiler and are never mutated by the
// interpreter.
type CodeBlock struct {
	ID         uuid.UUID
	Name       string
	SourceName string

	Code    []uint32 // opcode words followed by operand words
	Consts  []Value  // constant pool
	NumRegs int      // register frame size

	// Shared variable layout: NestLevel depths with SharedSizes[i] slots at
	// depth i.
	NestLevel   int
	SharedSizes []int

	Blocks []*CodeBlock // nested blocks referenced by closure opcodes

	SourceMap []SourceLoc // sorted by Offset
}

// SourceLoc maps a code offset to a source position.
type SourceLoc struct {
	Offset int // code offset
	Line   int // 1-based line number
	Column int // 1-based column number
}

func (cb *CodeBlock) String() string {
	if cb.Name == "" {
		return "(anonymous)"
	}
	return cb.Name
}

// SourcePosition translates a code offset. It returns zeros when the block
// carries no position for ip.
func (cb *CodeBlock) SourcePosition(ip int) (line, column int) {
	i := sort.Search(len(cb.SourceMap), func(i int) bool {
		return cb.SourceMap[i].Offset > ip
	})
	if i == 0 {
		return 0, 0
	}
	loc := cb.SourceMap[i-1]
	return loc.Line, loc.Column
}

// tracePoint describes ip for a thrown value's trace.
func (cb *CodeBlock) tracePoint(ip int) TracePoint {
	line, col := cb.SourcePosition(ip)
	return TracePoint{Block: cb.String(), BlockID: cb.ID, Line: line, Column: col}
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate proves that every register, constant, block and shared slot index
// used by the code is within the block's declared bounds and that every jump
// lands on an instruction boundary. Nested blocks are validated too.
func (cb *CodeBlock) Validate() error {
	if cb.NumRegs < 0 {
		return fmt.Errorf("%s: negative frame size %d", cb, cb.NumRegs)
	}
	if cb.NestLevel != len(cb.SharedSizes) {
		return fmt.Errorf("%s: nest level %d but %d shared sizes", cb, cb.NestLevel, len(cb.SharedSizes))
	}

	var insts []Instruction
	starts := make(map[int]bool)
	for ip := 0; ip < len(cb.Code); {
		in, err := Decode(cb.Code, ip)
		if err != nil {
			return fmt.Errorf("%s: %w", cb, err)
		}
		insts = append(insts, in)
		starts[ip] = true
		ip += in.Len
	}
	starts[len(cb.Code)] = true

	for _, in := range insts {
		if err := cb.validateInstruction(in, starts); err != nil {
			return fmt.Errorf("%s: %s at %d: %w", cb, in.Op, in.Offset, err)
		}
	}
	for i, sub := range cb.Blocks {
		if sub == nil {
			return fmt.Errorf("%s: nested block %d is nil", cb, i)
		}
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (cb *CodeBlock) validateInstruction(in Instruction, starts map[int]bool) error {
	level := -1
	for _, o := range in.Operands {
		switch o.Kind {
		case OperandReg:
			if err := cb.checkReg(o.Word); err != nil {
				return err
			}
		case OperandRegList:
			for _, w := range o.Words {
				if err := cb.checkReg(w); err != nil {
					return err
				}
			}
		case OperandConst:
			if int(o.Word) >= len(cb.Consts) {
				return fmt.Errorf("constant %d out of range (pool size %d)", o.Word, len(cb.Consts))
			}
		case OperandBlock:
			if int(o.Word) >= len(cb.Blocks) {
				return fmt.Errorf("block %d out of range (%d nested blocks)", o.Word, len(cb.Blocks))
			}
		case OperandDisp:
			if !starts[in.Offset+o.Disp()] {
				return fmt.Errorf("jump target %d is not an instruction boundary", in.Offset+o.Disp())
			}
		case OperandDispList:
			if len(o.Words) == 0 {
				return errors.New("empty target list")
			}
			for _, w := range o.Words {
				if t := in.Offset + int(int32(w)); !starts[t] {
					return fmt.Errorf("jump target %d is not an instruction boundary", t)
				}
			}
		case OperandLevel:
			// Blocks without their own nesting run against a captured chain
			// whose depth is only known at run time.
			if cb.NestLevel > 0 && int(o.Word) >= cb.NestLevel {
				return fmt.Errorf("shared level %d out of range (nest level %d)", o.Word, cb.NestLevel)
			}
			level = int(o.Word)
		case OperandSlot:
			if cb.NestLevel > 0 && level >= 0 && int(o.Word) >= cb.SharedSizes[level] {
				return fmt.Errorf("shared slot %d out of range (level %d size %d)", o.Word, level, cb.SharedSizes[level])
			}
		}
	}
	// A SET_FRAME closure runs in this block's register frame.
	if in.Op == OpSetFrame {
		if sub := cb.Blocks[in.Operands[1].Word]; sub != nil && sub.NumRegs > cb.NumRegs {
			return fmt.Errorf("block %s needs %d registers, frame has %d", sub, sub.NumRegs, cb.NumRegs)
		}
	}
	return nil
}

func (cb *CodeBlock) checkReg(w uint32) error {
	if int(w) >= cb.NumRegs {
		return fmt.Errorf("register %d out of range (frame size %d)", w, cb.NumRegs)
	}
	return nil
}

// ---------------------------------------------------------------------------
// CodeBlockBuilder
// ---------------------------------------------------------------------------

// CodeBlockBuilder assembles a code block. Hosts without a compiler and the
// tests use it to produce code directly.
type CodeBlockBuilder struct {
	cb      CodeBlock
	labels  []*Label
	pending *SourceLoc
}

// Label is a jump target that may be referenced before it is marked.
type Label struct {
	resolved bool
	position int
	refs     []labelRef
}

// labelRef is an operand word to patch and the instruction it belongs to;
// displacements are relative to the instruction start.
type labelRef struct {
	word  int
	instr int
}

// NewCodeBlockBuilder starts a block with the given name.
func NewCodeBlockBuilder(name string) *CodeBlockBuilder {
	return &CodeBlockBuilder{cb: CodeBlock{Name: name}}
}

// Source sets the source file name.
func (b *CodeBlockBuilder) Source(name string) *CodeBlockBuilder {
	b.cb.SourceName = name
	return b
}

// Registers sets the register frame size.
func (b *CodeBlockBuilder) Registers(n int) *CodeBlockBuilder {
	b.cb.NumRegs = n
	return b
}

// Nest declares the shared variable layout, one size per depth.
func (b *CodeBlockBuilder) Nest(sizes ...int) *CodeBlockBuilder {
	b.cb.NestLevel = len(sizes)
	b.cb.SharedSizes = append([]int(nil), sizes...)
	return b
}

// Const adds a constant and returns its index. Identical primitive constants
// share one entry.
func (b *CodeBlockBuilder) Const(v Value) uint32 {
	if !v.IsObject() {
		for i, c := range b.cb.Consts {
			if Identical(c, v) {
				return uint32(i)
			}
		}
	}
	b.cb.Consts = append(b.cb.Consts, v)
	return uint32(len(b.cb.Consts) - 1)
}

// Block adds a nested block and returns its index.
func (b *CodeBlockBuilder) Block(sub *CodeBlock) uint32 {
	b.cb.Blocks = append(b.cb.Blocks, sub)
	return uint32(len(b.cb.Blocks) - 1)
}

// At attaches a source position to the next emitted instruction.
func (b *CodeBlockBuilder) At(line, column int) *CodeBlockBuilder {
	b.pending = &SourceLoc{Line: line, Column: column}
	return b
}

// Len returns the current code length.
func (b *CodeBlockBuilder) Len() int { return len(b.cb.Code) }

func (b *CodeBlockBuilder) begin() int {
	off := len(b.cb.Code)
	if b.pending != nil {
		b.pending.Offset = off
		b.cb.SourceMap = append(b.cb.SourceMap, *b.pending)
		b.pending = nil
	}
	return off
}

// Emit appends an instruction with raw operand words and returns its offset.
func (b *CodeBlockBuilder) Emit(op Opcode, operands ...uint32) int {
	off := b.begin()
	b.cb.Code = append(b.cb.Code, uint32(op))
	b.cb.Code = append(b.cb.Code, operands...)
	return off
}

// EmitCall appends OpCall, OpNew or OpTryCall.
func (b *CodeBlockBuilder) EmitCall(op Opcode, dst, fn uint32, flags OperateFlags, args ...uint32) int {
	operands := append([]uint32{dst, fn, flags.Pack(), uint32(len(args))}, args...)
	return b.Emit(op, operands...)
}

// EmitCallMember appends OpCallMember; name is added to the constant pool.
func (b *CodeBlockBuilder) EmitCallMember(dst, obj uint32, name string, flags OperateFlags, args ...uint32) int {
	k := b.Const(FromString(name))
	operands := append([]uint32{dst, obj, k, flags.Pack(), uint32(len(args))}, args...)
	return b.Emit(OpCallMember, operands...)
}

// EmitCallBlock appends OpCallBlock.
func (b *CodeBlockBuilder) EmitCallBlock(dst, fn uint32, flags OperateFlags, args, blocks []uint32) int {
	operands := []uint32{dst, fn, flags.Pack(), uint32(len(args))}
	operands = append(operands, args...)
	operands = append(operands, uint32(len(blocks)))
	operands = append(operands, blocks...)
	return b.Emit(OpCallBlock, operands...)
}

// EmitSync appends OpSync.
func (b *CodeBlockBuilder) EmitSync(dst, fn, lock uint32, flags OperateFlags, args ...uint32) int {
	operands := append([]uint32{dst, fn, lock, flags.Pack(), uint32(len(args))}, args...)
	return b.Emit(OpSync, operands...)
}

// EmitDump appends OpDump.
func (b *CodeBlockBuilder) EmitDump(regs ...uint32) int {
	return b.Emit(OpDump, append([]uint32{uint32(len(regs))}, regs...)...)
}

// NewLabel creates an unresolved label.
func (b *CodeBlockBuilder) NewLabel() *Label {
	l := &Label{}
	b.labels = append(b.labels, l)
	return l
}

// Mark resolves a label to the current position.
func (b *CodeBlockBuilder) Mark(l *Label) {
	if l.resolved {
		panic("label already resolved")
	}
	l.resolved = true
	l.position = len(b.cb.Code)
	for _, ref := range l.refs {
		b.cb.Code[ref.word] = encodeDisp(l.position - ref.instr)
	}
	l.refs = nil
}

func (b *CodeBlockBuilder) target(l *Label, instr int) uint32 {
	if l.resolved {
		return encodeDisp(l.position - instr)
	}
	l.refs = append(l.refs, labelRef{word: len(b.cb.Code), instr: instr})
	return 0
}

// EmitJump appends OpJump to l.
func (b *CodeBlockBuilder) EmitJump(l *Label) int {
	off := b.Emit(OpJump)
	b.cb.Code = append(b.cb.Code, b.target(l, off))
	return off
}

// EmitJumpIf appends OpJumpTrue or OpJumpFalse testing r.
func (b *CodeBlockBuilder) EmitJumpIf(op Opcode, r uint32, l *Label) int {
	off := b.Emit(op, r)
	b.cb.Code = append(b.cb.Code, b.target(l, off))
	return off
}

// EmitCatchBranch appends OpCatchBranch inspecting r with exit identifier
// constant k. targets[0] is the no-error target; targets[1], when present,
// receives other thrown values; further targets serve non-local exits.
func (b *CodeBlockBuilder) EmitCatchBranch(r, k uint32, targets ...*Label) int {
	off := b.Emit(OpCatchBranch, r, k, uint32(len(targets)))
	for _, l := range targets {
		b.cb.Code = append(b.cb.Code, b.target(l, off))
	}
	return off
}

// Build finishes the block. It fails on unresolved labels or when the block
// does not validate.
func (b *CodeBlockBuilder) Build() (*CodeBlock, error) {
	for _, l := range b.labels {
		if !l.resolved && len(l.refs) > 0 {
			return nil, fmt.Errorf("%s: unresolved label", b.cb.String())
		}
	}
	cb := b.cb
	if cb.ID == uuid.Nil {
		cb.ID = uuid.New()
	}
	if err := cb.Validate(); err != nil {
		return nil, err
	}
	return &cb, nil
}

// MustBuild is Build for code known to be well formed.
func (b *CodeBlockBuilder) MustBuild() *CodeBlock {
	cb, err := b.Build()
	if err != nil {
		panic(err)
	}
	return cb
}

package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode is the first word of an instruction. Operands follow as further
// words; their number depends on the opcode and, for counted lists, on a
// count operand.
type Opcode uint32

// Copy and constants
const (
	OpNop         Opcode = iota // no operation
	OpAssign                    // r0 <- r1
	OpAssignConst               // r <- const[k]

	// Special loads
	OpAssignThis      // r <- this
	OpAssignThisProxy // r <- this merged with the global object
	OpAssignGlobal    // r <- global object
	OpAssignSuper     // r <- super (unsupported)

	// Construction
	OpAssignNewObject   // r <- new plain object
	OpAssignNewArray    // r <- new Array
	OpAssignNewDict     // r <- new Dictionary
	OpAssignNewRegExp   // r <- new RegExp(pattern, flags)
	OpAssignNewFunction // r0 <- Function wrapping r1
	OpAssignNewProperty // r0 <- Property with getter r1, setter r2
	OpAssignNewClass    // r0 <- class const[k] extending r2 (unsupported)
	OpAssignNewModule   // r <- module const[k] (unsupported)

	// Parameters
	OpAssignParam      // r <- args[n]
	OpAssignBlockParam // r <- blocks[n]

	// Bindings
	OpAssignNewBinding // r <- binding of the current chain and this
	OpAddBindingMap    // binding r: const[k] -> (level, slot)

	// Shared space
	OpRead  // r <- shared[level][slot]
	OpWrite // shared[level][slot] <- r

	// Closures
	OpSetFrame // r <- closure of block b over the register frame and chain
	OpSetShare // r <- closure of block b over the chain

	// Calls
	OpCall       // dst <- fn(args...)
	OpCallMember // dst <- obj.const[k](args...)
	OpNew        // dst <- new fn(args...)
	OpCallBlock  // dst <- fn(args...) with lazy block arguments
	OpTryCall    // dst <- try-marker of fn(args...)
	OpSync       // dst <- try-marker of fn(args...) under lock's lock

	// Control flow
	OpJump        // ip += d
	OpJumpTrue    // if r { ip += d }
	OpJumpFalse   // if !r { ip += d }
	OpCatchBranch // inspect the try-marker in r
	OpReturn      // return r
	OpThrow       // throw r
	OpExitTry     // raise non-local exit (const[k], n, r)

	// Unary operators: dst <- op src
	OpLogNot
	OpBitNot
	OpPlus
	OpMinus
	OpString
	OpBoolean
	OpReal
	OpInteger
	OpOctet

	// Binary operators: dst <- a op b
	OpLogOr
	OpLogAnd
	OpBitOr
	OpBitXor
	OpBitAnd
	OpNotEqual
	OpEqual
	OpDiscNotEqual
	OpDiscEqual
	OpLesser
	OpGreater
	OpLesserOrEqual
	OpGreaterOrEqual
	OpRBitShift // logical right shift
	OpLShift
	OpRShift // arithmetic right shift
	OpMod
	OpDiv
	OpIdiv
	OpMul
	OpAdd
	OpSub
	OpInstanceOf
	OpInContextOf

	// Member access
	OpDGet       // dst <- obj.const[k]
	OpDSet       // obj.const[k] <- src
	OpIGet       // dst <- obj[key]
	OpISet       // obj[key] <- src
	OpDSetAttrib // merge flags into obj.const[k]

	// Diagnostics
	OpAssert // assert r, message const[k]
	OpDump   // log registers

	opcodeCount
)

// ---------------------------------------------------------------------------
// Operand layouts
// ---------------------------------------------------------------------------

// OperandKind says how an operand word is interpreted.
type OperandKind uint8

const (
	OperandReg     OperandKind = iota // register index
	OperandConst                      // constant pool index
	OperandBlock                      // nested block index
	OperandDisp                       // signed displacement from the instruction start
	OperandFlags                      // packed OperateFlags
	OperandImm                        // unsigned immediate
	OperandLevel                      // shared nesting level
	OperandSlot                       // shared slot index
	OperandRegList                    // count word followed by that many registers
	OperandDispList                   // count word followed by that many displacements
)

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name     string
	Operands []OperandKind
}

var (
	opsNone   = []OperandKind{}
	opsR      = []OperandKind{OperandReg}
	opsRR     = []OperandKind{OperandReg, OperandReg}
	opsRRR    = []OperandKind{OperandReg, OperandReg, OperandReg}
	opsRK     = []OperandKind{OperandReg, OperandConst}
	opsCall   = []OperandKind{OperandReg, OperandReg, OperandFlags, OperandRegList}
	opsMember = []OperandKind{OperandReg, OperandReg, OperandConst, OperandFlags, OperandRegList}
)

// opcodeTable maps opcodes to their metadata.
var opcodeTable = [opcodeCount]OpcodeInfo{
	OpNop:         {"NOP", opsNone},
	OpAssign:      {"ASSIGN", opsRR},
	OpAssignConst: {"CONST", opsRK},

	OpAssignThis:      {"THIS", opsR},
	OpAssignThisProxy: {"THIS_PROXY", opsR},
	OpAssignGlobal:    {"GLOBAL", opsR},
	OpAssignSuper:     {"SUPER", opsR},

	OpAssignNewObject:   {"NEW_OBJECT", opsR},
	OpAssignNewArray:    {"NEW_ARRAY", opsR},
	OpAssignNewDict:     {"NEW_DICT", opsR},
	OpAssignNewRegExp:   {"NEW_REGEXP", opsRRR},
	OpAssignNewFunction: {"NEW_FUNCTION", opsRR},
	OpAssignNewProperty: {"NEW_PROPERTY", opsRRR},
	OpAssignNewClass:    {"NEW_CLASS", []OperandKind{OperandReg, OperandConst, OperandReg}},
	OpAssignNewModule:   {"NEW_MODULE", opsRK},

	OpAssignParam:      {"PARAM", []OperandKind{OperandReg, OperandImm}},
	OpAssignBlockParam: {"BLOCK_PARAM", []OperandKind{OperandReg, OperandImm}},

	OpAssignNewBinding: {"NEW_BINDING", opsR},
	OpAddBindingMap:    {"BINDING_MAP", []OperandKind{OperandReg, OperandConst, OperandLevel, OperandSlot}},

	OpRead:  {"READ", []OperandKind{OperandReg, OperandLevel, OperandSlot}},
	OpWrite: {"WRITE", []OperandKind{OperandLevel, OperandSlot, OperandReg}},

	OpSetFrame: {"SET_FRAME", []OperandKind{OperandReg, OperandBlock}},
	OpSetShare: {"SET_SHARE", []OperandKind{OperandReg, OperandBlock}},

	OpCall:       {"CALL", opsCall},
	OpCallMember: {"CALL_MEMBER", opsMember},
	OpNew:        {"NEW", opsCall},
	OpCallBlock:  {"CALL_BLOCK", []OperandKind{OperandReg, OperandReg, OperandFlags, OperandRegList, OperandRegList}},
	OpTryCall:    {"TRY_CALL", opsCall},
	OpSync:       {"SYNC", []OperandKind{OperandReg, OperandReg, OperandReg, OperandFlags, OperandRegList}},

	OpJump:        {"JUMP", []OperandKind{OperandDisp}},
	OpJumpTrue:    {"JUMP_TRUE", []OperandKind{OperandReg, OperandDisp}},
	OpJumpFalse:   {"JUMP_FALSE", []OperandKind{OperandReg, OperandDisp}},
	OpCatchBranch: {"CATCH_BRANCH", []OperandKind{OperandReg, OperandConst, OperandDispList}},
	OpReturn:      {"RETURN", opsR},
	OpThrow:       {"THROW", opsR},
	OpExitTry:     {"EXIT_TRY", []OperandKind{OperandReg, OperandConst, OperandImm}},

	OpLogNot:  {"LNOT", opsRR},
	OpBitNot:  {"BNOT", opsRR},
	OpPlus:    {"PLUS", opsRR},
	OpMinus:   {"MINUS", opsRR},
	OpString:  {"TO_STRING", opsRR},
	OpBoolean: {"TO_BOOLEAN", opsRR},
	OpReal:    {"TO_REAL", opsRR},
	OpInteger: {"TO_INTEGER", opsRR},
	OpOctet:   {"TO_OCTET", opsRR},

	OpLogOr:          {"LOR", opsRRR},
	OpLogAnd:         {"LAND", opsRRR},
	OpBitOr:          {"BOR", opsRRR},
	OpBitXor:         {"BXOR", opsRRR},
	OpBitAnd:         {"BAND", opsRRR},
	OpNotEqual:       {"NE", opsRRR},
	OpEqual:          {"EQ", opsRRR},
	OpDiscNotEqual:   {"DNE", opsRRR},
	OpDiscEqual:      {"DEQ", opsRRR},
	OpLesser:         {"LT", opsRRR},
	OpGreater:        {"GT", opsRRR},
	OpLesserOrEqual:  {"LE", opsRRR},
	OpGreaterOrEqual: {"GE", opsRRR},
	OpRBitShift:      {"USHR", opsRRR},
	OpLShift:         {"SHL", opsRRR},
	OpRShift:         {"SHR", opsRRR},
	OpMod:            {"MOD", opsRRR},
	OpDiv:            {"DIV", opsRRR},
	OpIdiv:           {"IDIV", opsRRR},
	OpMul:            {"MUL", opsRRR},
	OpAdd:            {"ADD", opsRRR},
	OpSub:            {"SUB", opsRRR},
	OpInstanceOf:     {"INSTANCEOF", opsRRR},
	OpInContextOf:    {"INCONTEXTOF", opsRRR},

	OpDGet:       {"DGET", []OperandKind{OperandReg, OperandReg, OperandConst, OperandFlags}},
	OpDSet:       {"DSET", []OperandKind{OperandReg, OperandConst, OperandReg, OperandFlags}},
	OpIGet:       {"IGET", []OperandKind{OperandReg, OperandReg, OperandReg, OperandFlags}},
	OpISet:       {"ISET", []OperandKind{OperandReg, OperandReg, OperandReg, OperandFlags}},
	OpDSetAttrib: {"DSET_ATTRIB", []OperandKind{OperandReg, OperandConst, OperandFlags}},

	OpAssert: {"ASSERT", opsRK},
	OpDump:   {"DUMP", []OperandKind{OperandRegList}},
}

// Valid reports whether op is a known opcode.
func (op Opcode) Valid() bool { return op < opcodeCount }

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if op.Valid() {
		return opcodeTable[op]
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", uint32(op))}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// ---------------------------------------------------------------------------
// Instruction decoding
// ---------------------------------------------------------------------------

// Operand is one decoded operand. For list operands Count is the list length
// and Words holds the list words.
type Operand struct {
	Kind  OperandKind
	Word  uint32
	Words []uint32
}

// Disp interprets the operand word as a signed displacement.
func (o Operand) Disp() int { return int(int32(o.Word)) }

// Instruction is a decoded instruction.
type Instruction struct {
	Offset   int
	Op       Opcode
	Operands []Operand
	Len      int // total words including the opcode
}

// Decode decodes the instruction at ip. It fails on an unknown opcode or an
// instruction running past the end of code.
func Decode(code []uint32, ip int) (Instruction, error) {
	if ip < 0 || ip >= len(code) {
		return Instruction{}, fmt.Errorf("offset %d outside code (length %d)", ip, len(code))
	}
	op := Opcode(code[ip])
	if !op.Valid() {
		return Instruction{}, fmt.Errorf("unknown opcode %d at %d", code[ip], ip)
	}
	in := Instruction{Offset: ip, Op: op}
	pos := ip + 1
	for _, kind := range opcodeTable[op].Operands {
		if pos >= len(code) {
			return Instruction{}, fmt.Errorf("%s at %d: truncated", op, ip)
		}
		switch kind {
		case OperandRegList, OperandDispList:
			n := int(code[pos])
			pos++
			if n < 0 || pos+n > len(code) {
				return Instruction{}, fmt.Errorf("%s at %d: truncated operand list", op, ip)
			}
			in.Operands = append(in.Operands, Operand{Kind: kind, Word: uint32(n), Words: code[pos : pos+n]})
			pos += n
		default:
			in.Operands = append(in.Operands, Operand{Kind: kind, Word: code[pos]})
			pos++
		}
	}
	in.Len = pos - ip
	return in, nil
}

// encodeDisp stores a signed displacement in an operand word.
func encodeDisp(d int) uint32 { return uint32(int32(d)) }

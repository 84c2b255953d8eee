package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction renders one decoded instruction. Constants are
// shown next to their index when the block is known.
func DisassembleInstruction(cb *CodeBlock, in Instruction) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%04d  %-12s", in.Offset, in.Op.Name())
	for i, o := range in.Operands {
		if i > 0 {
			sb.WriteString(",")
		}
		sb.WriteString(" ")
		sb.WriteString(formatOperand(cb, in, o))
	}
	return strings.TrimRight(sb.String(), " ")
}

func formatOperand(cb *CodeBlock, in Instruction, o Operand) string {
	switch o.Kind {
	case OperandReg:
		return fmt.Sprintf("r%d", o.Word)
	case OperandConst:
		if cb != nil && int(o.Word) < len(cb.Consts) {
			return fmt.Sprintf("k%d (%s)", o.Word, cb.Consts[o.Word])
		}
		return fmt.Sprintf("k%d", o.Word)
	case OperandBlock:
		if cb != nil && int(o.Word) < len(cb.Blocks) {
			return fmt.Sprintf("b%d (%s)", o.Word, cb.Blocks[o.Word])
		}
		return fmt.Sprintf("b%d", o.Word)
	case OperandDisp:
		return fmt.Sprintf("%+d (-> %04d)", o.Disp(), in.Offset+o.Disp())
	case OperandFlags:
		f := UnpackOperateFlags(o.Word)
		if o.Word == 0 {
			return "-"
		}
		return fmt.Sprintf("flags(%s|%#x)", f.Attr, uint8(f.Control))
	case OperandLevel:
		return fmt.Sprintf("L%d", o.Word)
	case OperandSlot:
		return fmt.Sprintf("S%d", o.Word)
	case OperandRegList:
		parts := make([]string, len(o.Words))
		for i, w := range o.Words {
			parts[i] = fmt.Sprintf("r%d", w)
		}
		return "[" + strings.Join(parts, " ") + "]"
	case OperandDispList:
		parts := make([]string, len(o.Words))
		for i, w := range o.Words {
			parts[i] = fmt.Sprintf("%d:%04d", i, in.Offset+int(int32(w)))
		}
		return "{" + strings.Join(parts, " ") + "}"
	}
	return fmt.Sprintf("%d", o.Word)
}

// Disassemble returns a full disassembly of a code block and its nested
// blocks. Undecodable code ends the listing with an error line.
func Disassemble(cb *CodeBlock) string {
	var sb strings.Builder
	disassemble(&sb, cb, "")
	return strings.TrimRight(sb.String(), "\n")
}

func disassemble(sb *strings.Builder, cb *CodeBlock, indent string) {
	fmt.Fprintf(sb, "%sblock %s %s regs=%d", indent, cb, cb.ID, cb.NumRegs)
	if cb.NestLevel > 0 {
		fmt.Fprintf(sb, " shared=%v", cb.SharedSizes)
	}
	if cb.SourceName != "" {
		fmt.Fprintf(sb, " source=%s", cb.SourceName)
	}
	sb.WriteString("\n")
	for ip := 0; ip < len(cb.Code); {
		in, err := Decode(cb.Code, ip)
		if err != nil {
			fmt.Fprintf(sb, "%s  !! %s\n", indent, err)
			break
		}
		sb.WriteString(indent)
		sb.WriteString("  ")
		sb.WriteString(DisassembleInstruction(cb, in))
		if line, col := cb.SourcePosition(ip); line > 0 {
			fmt.Fprintf(sb, "  ; %d:%d", line, col)
		}
		sb.WriteString("\n")
		ip += in.Len
	}
	for _, sub := range cb.Blocks {
		if sub != nil {
			disassemble(sb, sub, indent+"  ")
		}
	}
}

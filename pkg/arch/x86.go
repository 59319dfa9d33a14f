/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: x86.go
Description: x86-64 classifier built on the x86asm decoder. Classifies conditional and
unconditional jumps, calls, returns and compares, and lowers compare operands into CmpExpr trees.
*/

package arch

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var x86ControlFlow = map[x86asm.Op]bool{
	x86asm.JA: true, x86asm.JAE: true, x86asm.JB: true, x86asm.JBE: true,
	x86asm.JCXZ: true, x86asm.JE: true, x86asm.JECXZ: true, x86asm.JG: true,
	x86asm.JGE: true, x86asm.JL: true, x86asm.JLE: true, x86asm.JMP: true,
	x86asm.JNE: true, x86asm.JNO: true, x86asm.JNP: true, x86asm.JNS: true,
	x86asm.JO: true, x86asm.JP: true, x86asm.JRCXZ: true, x86asm.JS: true,
	x86asm.LJMP: true, x86asm.LOOP: true, x86asm.LOOPE: true, x86asm.LOOPNE: true,
}

var x86Calls = map[x86asm.Op]bool{
	x86asm.CALL:  true,
	x86asm.LCALL: true,
}

var x86Returns = map[x86asm.Op]bool{
	x86asm.RET:   true,
	x86asm.LRET:  true,
	x86asm.IRET:  true,
	x86asm.IRETD: true,
	x86asm.IRETQ: true,
}

var x86Compares = map[x86asm.Op]CmpType{
	x86asm.CMP:     CmpEqual,
	x86asm.TEST:    CmpEqual,
	x86asm.CMPSB:   CmpEqual,
	x86asm.CMPSW:   CmpEqual,
	x86asm.CMPSD:   CmpEqual,
	x86asm.CMPSQ:   CmpEqual,
	x86asm.SCASB:   CmpEqual,
	x86asm.SCASW:   CmpEqual,
	x86asm.SCASD:   CmpEqual,
	x86asm.SCASQ:   CmpEqual,
	x86asm.PCMPEQB: CmpEqual,
	x86asm.PCMPEQW: CmpEqual,
	x86asm.PCMPEQD: CmpEqual,
	x86asm.PCMPEQQ: CmpEqual,
	x86asm.COMISS:  CmpEqual | CmpFp,
	x86asm.COMISD:  CmpEqual | CmpFp,
	x86asm.UCOMISS: CmpEqual | CmpFp,
	x86asm.UCOMISD: CmpEqual | CmpFp,
}

// X86Classifier decodes 64-bit mode x86 instructions
type X86Classifier struct{}

// NewX86 creates a new x86-64 classifier
func NewX86() *X86Classifier {
	return &X86Classifier{}
}

// Architecture returns X8664
func (c *X86Classifier) Architecture() Architecture {
	return X8664
}

// Classify returns the kind of the instruction at the start of code
func (c *X86Classifier) Classify(code []byte) Kind {
	return classify(c, code)
}

// DecodeOperands returns the symbolic compare operands of the instruction at pc
func (c *X86Classifier) DecodeOperands(pc uint64, code []byte) []CmpExpr {
	return decodeOperands(c, pc, code)
}

// decodeX86 decodes one instruction in 64-bit mode. x86asm reports a lone prefix byte as an
// instruction with no opcode, which is rejected here.
func decodeX86(code []byte) (x86asm.Inst, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return inst, err
	}
	if inst.Op == 0 {
		return inst, fmt.Errorf("no opcode in % x", code)
	}
	return inst, nil
}

// Disassemble renders the instruction in Intel syntax
func (c *X86Classifier) Disassemble(pc uint64, code []byte) string {
	inst, err := decodeX86(code)
	if err != nil {
		return fmt.Sprintf("(bad) % x", code)
	}
	return x86asm.IntelSyntax(inst, pc, nil)
}

// Decode decodes and classifies the instruction at pc
func (c *X86Classifier) Decode(pc uint64, code []byte) (*Instruction, error) {
	inst, err := decodeX86(code)
	if err != nil {
		return nil, fmt.Errorf("%w: x86-64 at %#x: %v", ErrDecode, pc, err)
	}

	insn := &Instruction{Kind: KindOther, Len: inst.Len}
	switch {
	case x86ControlFlow[inst.Op]:
		insn.Kind = KindControlFlow
	case x86Calls[inst.Op]:
		insn.Kind = KindCall
	case x86Returns[inst.Op]:
		insn.Kind = KindReturn
	default:
		if types, ok := x86Compares[inst.Op]; ok {
			insn.Kind = KindCompare
			insn.Compare = &Compare{Types: types, Operands: x86Operands(inst, pc, code)}
		}
	}
	return insn, nil
}

// x86Operands lowers every supported argument; unsupported encodings are skipped
func x86Operands(inst x86asm.Inst, pc uint64, code []byte) []CmpExpr {
	var operands []CmpExpr
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		switch a := arg.(type) {
		case x86asm.Reg:
			if r, ok := x86Reg(a); ok {
				operands = append(operands, r)
			}
		case x86asm.Mem:
			if m, ok := x86Mem(a, inst, pc); ok {
				operands = append(operands, m)
			}
		case x86asm.Imm:
			operands = append(operands, x86Imm(int64(a), inst, code))
		case x86asm.Rel:
			operands = append(operands, Addr{Value: pc + uint64(inst.Len) + uint64(int64(a))})
		}
	}
	return operands
}

// x86Reg maps a general purpose register of any width onto its 64-bit name.
// The legacy high-byte registers are not supported.
func x86Reg(r x86asm.Reg) (Reg, bool) {
	var idx, width int
	switch {
	case r >= x86asm.AL && r <= x86asm.R15B:
		i := int(r - x86asm.AL)
		switch {
		case i < 4:
			idx = i
		case i < 8:
			return Reg{}, false
		default:
			idx = i - 4
		}
		width = 1
	case r >= x86asm.AX && r <= x86asm.R15W:
		idx, width = int(r-x86asm.AX), 2
	case r >= x86asm.EAX && r <= x86asm.R15L:
		idx, width = int(r-x86asm.EAX), 4
	case r >= x86asm.RAX && r <= x86asm.R15:
		idx, width = int(r-x86asm.RAX), 8
	case r == x86asm.RIP:
		return Reg{Name: "rip", Width: 8}, true
	default:
		return Reg{}, false
	}
	name := strings.ToLower((x86asm.RAX + x86asm.Reg(idx)).String())
	return Reg{Name: name, Width: width}, true
}

func x86Mem(m x86asm.Mem, inst x86asm.Inst, pc uint64) (CmpExpr, bool) {
	if m.Segment == x86asm.FS || m.Segment == x86asm.GS {
		return nil, false
	}

	width := inst.MemBytes
	if width == 0 {
		width = inst.DataSize / 8
	}

	if m.Base == x86asm.RIP || m.Base == x86asm.EIP {
		target := pc + uint64(inst.Len) + uint64(m.Disp)
		return Deref{Addr: Addr{Value: target}, Width: width}, true
	}

	var addr CmpExpr
	if m.Base != 0 {
		base, ok := x86Reg(m.Base)
		if !ok {
			return nil, false
		}
		addr = base
	}
	if m.Index != 0 {
		index, ok := x86Reg(m.Index)
		if !ok {
			return nil, false
		}
		var scaled CmpExpr = Mul{L: index, R: U8(m.Scale)}
		if addr == nil {
			addr = scaled
		} else {
			addr = Add{L: addr, R: scaled}
		}
	}
	switch {
	case addr == nil:
		addr = Addr{Value: uint64(m.Disp)}
	case m.Disp != 0:
		if m.Disp >= -1<<31 && m.Disp < 1<<31 {
			addr = Add{L: addr, R: I32(int32(m.Disp))}
		} else {
			addr = Add{L: addr, R: I64(m.Disp)}
		}
	}
	return Deref{Addr: addr, Width: width}, true
}

// x86Imm sizes an immediate from the primary opcode byte
func x86Imm(v int64, inst x86asm.Inst, code []byte) Imm {
	switch x86PrimaryOpcode(code) {
	case 0x3C, 0x80, 0x82, 0xA8, 0xF6:
		return U8(uint8(v))
	case 0x83:
		return I8(int8(v))
	case 0x3D, 0x81, 0xA9, 0xF7:
		if inst.DataSize == 16 {
			return U16(uint16(v))
		}
		return I32(int32(v))
	default:
		return I32(int32(v))
	}
}

// x86PrimaryOpcode skips legacy and REX prefixes
func x86PrimaryOpcode(code []byte) byte {
	for _, b := range code {
		switch {
		case b == 0xF0, b == 0xF2, b == 0xF3, b == 0x2E, b == 0x36, b == 0x3E,
			b == 0x26, b == 0x64, b == 0x65, b == 0x66, b == 0x67:
			continue
		case b >= 0x40 && b <= 0x4F:
			continue
		default:
			return b
		}
	}
	return 0
}

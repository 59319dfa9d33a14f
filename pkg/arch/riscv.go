/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: riscv.go
Description: RISC-V classifier for RV32/RV64 with the compressed extension. Only the encodings
that matter for tracing are decoded: branches, jumps, calls, returns and set-less-than compares.
*/

package arch

import (
	"encoding/binary"
	"fmt"
)

const (
	rvOpBranch = 0x63
	rvOpJAL    = 0x6f
	rvOpJALR   = 0x67
	rvOpImm    = 0x13
	rvOp       = 0x33
)

var rvBranchTypes = map[uint32]struct {
	name  string
	types CmpType
}{
	0: {"beq", CmpEqual},
	1: {"bne", CmpEqual},
	4: {"blt", CmpLesser},
	5: {"bge", CmpGreater | CmpEqual},
	6: {"bltu", CmpLesser},
	7: {"bgeu", CmpGreater | CmpEqual},
}

// RISCVClassifier decodes RISC-V instructions for a fixed XLEN
type RISCVClassifier struct {
	xlen int
}

// NewRISCV creates a classifier for the given XLEN (32 or 64)
func NewRISCV(xlen int) *RISCVClassifier {
	if xlen != 32 {
		xlen = 64
	}
	return &RISCVClassifier{xlen: xlen}
}

// Architecture returns RISCV32 or RISCV64
func (c *RISCVClassifier) Architecture() Architecture {
	if c.xlen == 32 {
		return RISCV32
	}
	return RISCV64
}

// Classify returns the kind of the instruction at the start of code
func (c *RISCVClassifier) Classify(code []byte) Kind {
	return classify(c, code)
}

// DecodeOperands returns the symbolic compare operands of the instruction at pc
func (c *RISCVClassifier) DecodeOperands(pc uint64, code []byte) []CmpExpr {
	return decodeOperands(c, pc, code)
}

func (c *RISCVClassifier) reg(n uint32) Reg {
	return Reg{Name: fmt.Sprintf("x%d", n), Width: c.xlen / 8}
}

func isLinkRegister(n uint32) bool {
	return n == 1 || n == 5
}

// Decode decodes and classifies the instruction at pc
func (c *RISCVClassifier) Decode(pc uint64, code []byte) (*Instruction, error) {
	if len(code) < 2 {
		return nil, fmt.Errorf("%w: riscv at %#x: need at least 2 bytes, have %d", ErrDecode, pc, len(code))
	}
	if code[0]&3 != 3 {
		return c.decodeCompressed(pc, binary.LittleEndian.Uint16(code))
	}
	if len(code) < 4 {
		return nil, fmt.Errorf("%w: riscv at %#x: truncated 32-bit instruction", ErrDecode, pc)
	}
	return c.decode32(pc, binary.LittleEndian.Uint32(code))
}

func (c *RISCVClassifier) decode32(pc uint64, w uint32) (*Instruction, error) {
	opcode := w & 0x7f
	rd := (w >> 7) & 31
	funct3 := (w >> 12) & 7
	rs1 := (w >> 15) & 31
	rs2 := (w >> 20) & 31
	funct7 := w >> 25
	immI := int32(w) >> 20

	insn := &Instruction{Kind: KindOther, Len: 4}
	switch opcode {
	case rvOpBranch:
		b, ok := rvBranchTypes[funct3]
		if !ok {
			return nil, fmt.Errorf("%w: riscv at %#x: reserved branch funct3 %d", ErrDecode, pc, funct3)
		}
		insn.Kind = KindControlFlow
		insn.Compare = &Compare{Types: b.types, Operands: []CmpExpr{c.reg(rs1), c.reg(rs2)}}
	case rvOpJAL:
		if isLinkRegister(rd) {
			insn.Kind = KindCall
		} else {
			insn.Kind = KindControlFlow
		}
	case rvOpJALR:
		if funct3 != 0 {
			return nil, fmt.Errorf("%w: riscv at %#x: reserved jalr funct3 %d", ErrDecode, pc, funct3)
		}
		switch {
		case rd == 0 && isLinkRegister(rs1) && immI == 0:
			insn.Kind = KindReturn
		case isLinkRegister(rd):
			insn.Kind = KindCall
		default:
			insn.Kind = KindControlFlow
		}
	case rvOpImm:
		if funct3 == 2 || funct3 == 3 {
			insn.Kind = KindCompare
			insn.Compare = &Compare{Types: CmpLesser, Operands: []CmpExpr{c.reg(rs1), I32(immI)}}
		}
	case rvOp:
		if funct7 == 0 && (funct3 == 2 || funct3 == 3) {
			insn.Kind = KindCompare
			insn.Compare = &Compare{Types: CmpLesser, Operands: []CmpExpr{c.reg(rs1), c.reg(rs2)}}
		}
	}
	return insn, nil
}

func (c *RISCVClassifier) decodeCompressed(pc uint64, h uint16) (*Instruction, error) {
	if h == 0 {
		return nil, fmt.Errorf("%w: riscv at %#x: illegal all-zero instruction", ErrDecode, pc)
	}

	quadrant := h & 3
	funct3 := h >> 13
	insn := &Instruction{Kind: KindOther, Len: 2}

	switch quadrant {
	case 1:
		switch funct3 {
		case 1:
			// C.JAL on RV32, C.ADDIW on RV64
			if c.xlen == 32 {
				insn.Kind = KindCall
			}
		case 5:
			insn.Kind = KindControlFlow
		case 6, 7:
			rs1 := uint32((h>>7)&7) + 8
			insn.Kind = KindControlFlow
			insn.Compare = &Compare{Types: CmpEqual, Operands: []CmpExpr{c.reg(rs1), I32(0)}}
		}
	case 2:
		if funct3 == 4 {
			bit12 := (h >> 12) & 1
			rs1 := uint32((h >> 7) & 31)
			rs2 := (h >> 2) & 31
			if rs2 == 0 && rs1 != 0 {
				switch {
				case bit12 == 1:
					insn.Kind = KindCall
				case isLinkRegister(rs1):
					insn.Kind = KindReturn
				default:
					insn.Kind = KindControlFlow
				}
			}
		}
	}
	return insn, nil
}

// Disassemble renders the traced subset of instructions, other encodings as raw words
func (c *RISCVClassifier) Disassemble(pc uint64, code []byte) string {
	insn, err := c.Decode(pc, code)
	if err != nil {
		return fmt.Sprintf("(bad) % x", code)
	}
	if insn.Len == 2 {
		h := binary.LittleEndian.Uint16(code)
		switch insn.Kind {
		case KindReturn:
			return "c.ret"
		case KindCall:
			return fmt.Sprintf("c.jal* %#04x", h)
		case KindControlFlow:
			if insn.Compare != nil {
				return fmt.Sprintf("c.b*z %s", insn.Compare.Operands[0])
			}
			return fmt.Sprintf("c.j* %#04x", h)
		default:
			return fmt.Sprintf(".half %#04x", h)
		}
	}

	w := binary.LittleEndian.Uint32(code)
	switch {
	case w&0x7f == rvOpBranch:
		b := rvBranchTypes[(w>>12)&7]
		return fmt.Sprintf("%s x%d, x%d", b.name, (w>>15)&31, (w>>20)&31)
	case insn.Kind == KindReturn:
		return "ret"
	case insn.Kind == KindCall:
		return fmt.Sprintf("call %#08x", w)
	case insn.Kind == KindControlFlow:
		return fmt.Sprintf("jump %#08x", w)
	case insn.Kind == KindCompare:
		return fmt.Sprintf("slt* %s, %s", insn.Compare.Operands[0], insn.Compare.Operands[1])
	default:
		return fmt.Sprintf(".word %#08x", w)
	}
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: arch.go
Description: Instruction classification for traced processors. Defines the architecture
enumeration, instruction kinds, comparison attribute flags and the Classifier interface
implemented once per architecture.
*/

package arch

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDecode is returned when bytes cannot be decoded as an instruction.
// It never escapes the tracer; callers treat it as KindOther.
var ErrDecode = errors.New("instruction decode failed")

// Architecture identifies the instruction set of a processor
type Architecture int

const (
	ArchUnknown Architecture = iota
	X8664
	RISCV64
	RISCV32
)

// String returns the canonical architecture name
func (a Architecture) String() string {
	switch a {
	case X8664:
		return "x86-64"
	case RISCV64:
		return "riscv64"
	case RISCV32:
		return "riscv32"
	default:
		return "unknown"
	}
}

// PointerWidth returns the native pointer width in bytes
func (a Architecture) PointerWidth() int {
	if a == RISCV32 {
		return 4
	}
	return 8
}

// IsRISCV reports whether the architecture is any RISC-V variant
func (a Architecture) IsRISCV() bool {
	return a == RISCV64 || a == RISCV32
}

// ParseArchitecture maps a simulator architecture string to an Architecture.
func ParseArchitecture(name string) (Architecture, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "x86-64", "x86_64", "x8664", "amd64", "x86":
		return X8664, nil
	case "riscv", "risc-v", "riscv64", "risc-v64", "rv64":
		return RISCV64, nil
	case "riscv32", "risc-v32", "rv32":
		return RISCV32, nil
	default:
		return ArchUnknown, fmt.Errorf("unsupported architecture %q", name)
	}
}

// Kind is the classification of a single instruction
type Kind int

const (
	KindOther Kind = iota
	KindControlFlow
	KindCall
	KindReturn
	KindCompare
)

// String returns a readable kind name
func (k Kind) String() string {
	switch k {
	case KindControlFlow:
		return "control_flow"
	case KindCall:
		return "call"
	case KindReturn:
		return "return"
	case KindCompare:
		return "compare"
	default:
		return "other"
	}
}

// IsEdge reports whether instructions of this kind produce a coverage edge
func (k Kind) IsEdge() bool {
	return k == KindControlFlow || k == KindCall || k == KindReturn
}

// CmpType holds comparison attribute flags in the AFL++ cmplog encoding
type CmpType uint8

const (
	CmpEqual     CmpType = 1
	CmpGreater   CmpType = 2
	CmpLesser    CmpType = 4
	CmpFp        CmpType = 8
	CmpFpMod     CmpType = 16
	CmpIntMod    CmpType = 32
	CmpTransform CmpType = 64
)

// String renders the set flags joined with '|'
func (t CmpType) String() string {
	if t == 0 {
		return "none"
	}
	names := []struct {
		flag CmpType
		name string
	}{
		{CmpEqual, "eq"}, {CmpGreater, "gt"}, {CmpLesser, "lt"}, {CmpFp, "fp"},
		{CmpFpMod, "fpmod"}, {CmpIntMod, "intmod"}, {CmpTransform, "transform"},
	}
	var parts []string
	for _, n := range names {
		if t&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// Compare describes the comparison performed by an instruction
type Compare struct {
	Types    CmpType
	Operands []CmpExpr
}

// Instruction is the decoded form of one instruction.
// Compare is set whenever the instruction compares values, including conditional branches
// on architectures that fuse compare and branch.
type Instruction struct {
	Kind    Kind
	Len     int
	Compare *Compare
}

// Classifier decodes and classifies instructions for one architecture.
type Classifier interface {
	// Architecture returns the instruction set this classifier decodes
	Architecture() Architecture
	// Decode decodes the instruction at pc. Unsupported operands are skipped.
	Decode(pc uint64, code []byte) (*Instruction, error)
	// Classify returns the kind of the instruction, KindOther when it cannot be decoded
	Classify(code []byte) Kind
	// DecodeOperands returns the symbolic operands of a compare instruction
	DecodeOperands(pc uint64, code []byte) []CmpExpr
	// Disassemble renders the instruction as text, or a byte dump if it cannot be decoded
	Disassemble(pc uint64, code []byte) string
}

// New returns the classifier for an architecture
func New(a Architecture) (Classifier, error) {
	switch a {
	case X8664:
		return NewX86(), nil
	case RISCV64:
		return NewRISCV(64), nil
	case RISCV32:
		return NewRISCV(32), nil
	default:
		return nil, fmt.Errorf("no classifier for architecture %s", a)
	}
}

func classify(c Classifier, code []byte) Kind {
	insn, err := c.Decode(0, code)
	if err != nil {
		return KindOther
	}
	if insn.Kind == KindOther && insn.Compare != nil {
		return KindCompare
	}
	return insn.Kind
}

func decodeOperands(c Classifier, pc uint64, code []byte) []CmpExpr {
	insn, err := c.Decode(pc, code)
	if err != nil || insn.Compare == nil {
		return nil
	}
	return insn.Compare.Operands
}

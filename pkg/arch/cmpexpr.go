/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: cmpexpr.go
Description: Symbolic comparison operands. A decoded compare yields one expression tree per
operand; the tree is resolved against live processor state to recover concrete operand values
for input-to-state analysis.
*/

package arch

import (
	"encoding/binary"
	"fmt"
)

// CmpExpr is a symbolic operand expression. Widths are in bytes, zero means unknown.
type CmpExpr interface {
	fmt.Stringer
	cmpExpr()
}

// Reg is a named register read at the given width
type Reg struct {
	Name  string
	Width int
}

// Deref reads Width bytes of memory at the address computed by Addr
type Deref struct {
	Addr  CmpExpr
	Width int
}

// Mul multiplies two expressions
type Mul struct{ L, R CmpExpr }

// Add adds two expressions
type Add struct{ L, R CmpExpr }

// Sub subtracts R from L
type Sub struct{ L, R CmpExpr }

// Shift shifts L left by R bits
type Shift struct{ L, R CmpExpr }

// Imm is an immediate. Value holds the sign-extended 64-bit value for signed immediates.
type Imm struct {
	Value  uint64
	Width  int
	Signed bool
}

// Addr is an absolute address already resolved at decode time
type Addr struct{ Value uint64 }

func (Reg) cmpExpr()   {}
func (Deref) cmpExpr() {}
func (Mul) cmpExpr()   {}
func (Add) cmpExpr()   {}
func (Sub) cmpExpr()   {}
func (Shift) cmpExpr() {}
func (Imm) cmpExpr()   {}
func (Addr) cmpExpr()  {}

func (r Reg) String() string { return fmt.Sprintf("%s:%d", r.Name, r.Width*8) }

func (d Deref) String() string {
	if d.Width == 0 {
		return fmt.Sprintf("[%s]", d.Addr)
	}
	return fmt.Sprintf("u%d[%s]", d.Width*8, d.Addr)
}

func (m Mul) String() string   { return fmt.Sprintf("(%s*%s)", m.L, m.R) }
func (a Add) String() string   { return fmt.Sprintf("(%s+%s)", a.L, a.R) }
func (s Sub) String() string   { return fmt.Sprintf("(%s-%s)", s.L, s.R) }
func (s Shift) String() string { return fmt.Sprintf("(%s<<%s)", s.L, s.R) }
func (a Addr) String() string  { return fmt.Sprintf("%#x", a.Value) }

func (i Imm) String() string {
	if i.Signed {
		return fmt.Sprintf("i%d(%d)", i.Width*8, int64(i.Value))
	}
	return fmt.Sprintf("u%d(%#x)", i.Width*8, i.Value)
}

// U8 builds an unsigned 8-bit immediate
func U8(v uint8) Imm { return Imm{Value: uint64(v), Width: 1} }

// I8 builds a signed 8-bit immediate
func I8(v int8) Imm { return Imm{Value: uint64(int64(v)), Width: 1, Signed: true} }

// U16 builds an unsigned 16-bit immediate
func U16(v uint16) Imm { return Imm{Value: uint64(v), Width: 2} }

// I16 builds a signed 16-bit immediate
func I16(v int16) Imm { return Imm{Value: uint64(int64(v)), Width: 2, Signed: true} }

// U32 builds an unsigned 32-bit immediate
func U32(v uint32) Imm { return Imm{Value: uint64(v), Width: 4} }

// I32 builds a signed 32-bit immediate
func I32(v int32) Imm { return Imm{Value: uint64(int64(v)), Width: 4, Signed: true} }

// U64 builds an unsigned 64-bit immediate
func U64(v uint64) Imm { return Imm{Value: v, Width: 8} }

// I64 builds a signed 64-bit immediate
func I64(v int64) Imm { return Imm{Value: uint64(v), Width: 8, Signed: true} }

// Resolver gives read access to the state of the processor that executed the compare.
type Resolver interface {
	ReadRegister(name string) (uint64, error)
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// Width returns the encoded width of an operand expression, zero when it has none.
func Width(e CmpExpr) int {
	switch v := e.(type) {
	case Reg:
		return v.Width
	case Deref:
		return v.Width
	case Imm:
		return v.Width
	default:
		return 0
	}
}

func mask(width int) uint64 {
	if width <= 0 || width >= 8 {
		return ^uint64(0)
	}
	return (uint64(1) << (uint(width) * 8)) - 1
}

// Eval resolves an expression to a concrete value
func Eval(e CmpExpr, r Resolver) (uint64, error) {
	switch v := e.(type) {
	case Imm:
		return v.Value, nil
	case Addr:
		return v.Value, nil
	case Reg:
		val, err := r.ReadRegister(v.Name)
		if err != nil {
			return 0, fmt.Errorf("failed to read register %s: %w", v.Name, err)
		}
		return val & mask(v.Width), nil
	case Deref:
		addr, err := Eval(v.Addr, r)
		if err != nil {
			return 0, err
		}
		width := v.Width
		if width == 0 {
			width = 8
		}
		raw, err := r.ReadMemory(addr, width)
		if err != nil {
			return 0, fmt.Errorf("failed to read %d bytes at %#x: %w", width, addr, err)
		}
		if len(raw) < width {
			return 0, fmt.Errorf("short memory read at %#x: %d of %d bytes", addr, len(raw), width)
		}
		var buf [8]byte
		copy(buf[:], raw[:width])
		return binary.LittleEndian.Uint64(buf[:]), nil
	case Mul:
		return evalBinary(v.L, v.R, r, func(a, b uint64) uint64 { return a * b })
	case Add:
		return evalBinary(v.L, v.R, r, func(a, b uint64) uint64 { return a + b })
	case Sub:
		return evalBinary(v.L, v.R, r, func(a, b uint64) uint64 { return a - b })
	case Shift:
		return evalBinary(v.L, v.R, r, func(a, b uint64) uint64 { return a << (b & 63) })
	case nil:
		return 0, fmt.Errorf("nil expression")
	default:
		return 0, fmt.Errorf("unsupported expression %T", e)
	}
}

func evalBinary(l, rhs CmpExpr, r Resolver, op func(a, b uint64) uint64) (uint64, error) {
	a, err := Eval(l, r)
	if err != nil {
		return 0, err
	}
	b, err := Eval(rhs, r)
	if err != nil {
		return 0, err
	}
	return op(a, b), nil
}

// CmpValues is a resolved pair of comparison operands of a common width
type CmpValues struct {
	Width int
	V0    uint64
	V1    uint64
}

// Shape returns the AFL++ cmplog shape (byte width minus one)
func (c CmpValues) Shape() uint8 {
	return uint8(c.Width - 1)
}

// Pair resolves the first two operands into a CmpValues. The common width is taken from the
// first operand that is not an immediate, immediates are truncated to it.
// Returns false when fewer than two operands resolve.
func Pair(operands []CmpExpr, r Resolver) (CmpValues, bool) {
	if len(operands) < 2 {
		return CmpValues{}, false
	}

	width := 0
	for _, op := range operands[:2] {
		if _, isImm := op.(Imm); !isImm && Width(op) > 0 {
			width = Width(op)
			break
		}
	}
	if width == 0 {
		width = max(Width(operands[0]), Width(operands[1]))
	}
	switch width {
	case 0:
		width = 8
	case 1, 2, 4, 8:
	default:
		return CmpValues{}, false
	}

	v0, err := Eval(operands[0], r)
	if err != nil {
		return CmpValues{}, false
	}
	v1, err := Eval(operands[1], r)
	if err != nil {
		return CmpValues{}, false
	}

	m := mask(width)
	return CmpValues{Width: width, V0: v0 & m, V1: v1 & m}, true
}

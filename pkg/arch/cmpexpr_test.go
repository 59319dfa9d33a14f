/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: cmpexpr_test.go
Description: Tests for operand expression evaluation and compare value pairing.
*/

package arch_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	regs map[string]uint64
	mem  map[uint64][]byte
}

func (f *fakeResolver) ReadRegister(name string) (uint64, error) {
	v, ok := f.regs[name]
	if !ok {
		return 0, errors.New("no such register")
	}
	return v, nil
}

func (f *fakeResolver) ReadMemory(addr uint64, size int) ([]byte, error) {
	b, ok := f.mem[addr]
	if !ok || len(b) < size {
		return nil, errors.New("unmapped")
	}
	return b[:size], nil
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		regs: map[string]uint64{"rax": 0x1122334455667741, "rbx": 0x2000, "rcx": 3},
		mem: map[uint64][]byte{
			0x2014: {0xef, 0xbe, 0xad, 0xde, 0, 0, 0, 0},
		},
	}
}

// TestEvalExpressions resolves registers, memory and arithmetic
func TestEvalExpressions(t *testing.T) {
	r := newFakeResolver()

	v, err := arch.Eval(arch.Reg{Name: "rax", Width: 1}, r)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x41), v)

	v, err = arch.Eval(arch.Reg{Name: "rax", Width: 4}, r)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x55667741), v)

	// [rbx + rcx*4 + 8]
	addr := arch.Add{
		L: arch.Add{L: arch.Reg{Name: "rbx", Width: 8}, R: arch.Mul{L: arch.Reg{Name: "rcx", Width: 8}, R: arch.U8(4)}},
		R: arch.I32(8),
	}
	v, err = arch.Eval(arch.Deref{Addr: addr, Width: 4}, r)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xdeadbeef), v)

	v, err = arch.Eval(arch.Sub{L: arch.U64(10), R: arch.U64(3)}, r)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)

	v, err = arch.Eval(arch.Shift{L: arch.U64(1), R: arch.U8(68)}, r)
	require.NoError(t, err)
	assert.Equal(t, uint64(16), v)
}

// TestEvalErrors propagates resolver failures
func TestEvalErrors(t *testing.T) {
	r := newFakeResolver()

	_, err := arch.Eval(arch.Reg{Name: "r99", Width: 8}, r)
	assert.Error(t, err)

	_, err = arch.Eval(arch.Deref{Addr: arch.Addr{Value: 0x9999}, Width: 8}, r)
	assert.Error(t, err)

	_, err = arch.Eval(nil, r)
	assert.Error(t, err)
}

// TestPairTruncatesToOperandWidth applies the register width to immediates
func TestPairTruncatesToOperandWidth(t *testing.T) {
	r := newFakeResolver()

	tests := []struct {
		name string
		ops  []arch.CmpExpr
		want arch.CmpValues
	}{
		{
			name: "byte register against imm8",
			ops:  []arch.CmpExpr{arch.Reg{Name: "rax", Width: 1}, arch.U8(0x41)},
			want: arch.CmpValues{Width: 1, V0: 0x41, V1: 0x41},
		},
		{
			name: "dword register against negative imm32",
			ops:  []arch.CmpExpr{arch.Reg{Name: "rax", Width: 4}, arch.I32(-1)},
			want: arch.CmpValues{Width: 4, V0: 0x55667741, V1: 0xffffffff},
		},
		{
			name: "immediate first takes width of the register",
			ops:  []arch.CmpExpr{arch.I8(-2), arch.Reg{Name: "rcx", Width: 2}},
			want: arch.CmpValues{Width: 2, V0: 0xfffe, V1: 3},
		},
		{
			name: "two immediates use the wider one",
			ops:  []arch.CmpExpr{arch.U8(1), arch.U16(0x1234)},
			want: arch.CmpValues{Width: 2, V0: 1, V1: 0x1234},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := arch.Pair(tt.ops, r)
			require.True(t, ok)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("pair mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, uint8(tt.want.Width-1), got.Shape())
		})
	}
}

// TestPairRejects covers unresolvable or malformed operand lists
func TestPairRejects(t *testing.T) {
	r := newFakeResolver()

	_, ok := arch.Pair([]arch.CmpExpr{arch.Reg{Name: "rax", Width: 8}}, r)
	assert.False(t, ok)

	_, ok = arch.Pair([]arch.CmpExpr{arch.Reg{Name: "nope", Width: 8}, arch.U8(1)}, r)
	assert.False(t, ok)

	_, ok = arch.Pair([]arch.CmpExpr{arch.Deref{Addr: arch.Addr{Value: 0x2014}, Width: 3}, arch.U8(1)}, r)
	assert.False(t, ok)
}

// TestCmpTypeString renders flag sets
func TestCmpTypeString(t *testing.T) {
	assert.Equal(t, "none", arch.CmpType(0).String())
	assert.Equal(t, "eq|gt", (arch.CmpEqual | arch.CmpGreater).String())
	assert.Equal(t, "i32(-1)", arch.I32(-1).String())
	assert.Equal(t, "rax:64", arch.Reg{Name: "rax", Width: 8}.String())
}

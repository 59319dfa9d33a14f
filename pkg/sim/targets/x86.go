/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: x86.go
Description: x86-64 demo target. Uses the buffer pointer plus size pointer start marker.
*/

package targets

import (
	"encoding/binary"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/magic"
	"github.com/kleascm/simfuzz/pkg/sim/machine"
)

var (
	x86Cpuid      = []byte{0x0f, 0xa2}
	x86XorRdi     = []byte{0x48, 0x31, 0xff}
	x86MovRsi     = []byte{0x48, 0xbe, 0x00, 0x80, 0, 0, 0, 0, 0, 0}
	x86MovRdx     = []byte{0x48, 0xba, 0xf8, 0x7f, 0, 0, 0, 0, 0, 0}
	x86StoreMax   = []byte{0x48, 0xc7, 0x02, 0x00, 0x10, 0x00, 0x00}
	x86LoadSize   = []byte{0x48, 0x8b, 0x12}
	x86CmpRdx4    = []byte{0x48, 0x83, 0xfa, 0x04}
	x86Jb         = []byte{0x72, 0x40}
	x86LoadByte   = []byte{0x0f, 0xb6, 0x06}
	x86CmpAlA     = []byte{0x3c, 0x41}
	x86Jnz        = []byte{0x75, 0x02}
	x86JmpSelf    = []byte{0xeb, 0xfe}
	x86CmpHeader  = []byte{0x81, 0x3e, 0x46, 0x55, 0x5a, 0x5a}
	x86CmpRdx12   = []byte{0x48, 0x83, 0xfa, 0x0c}
	x86LoadPtr    = []byte{0x48, 0x8b, 0x46, 0x04}
	x86Deref      = []byte{0x48, 0x8b, 0x00}
	x86LoadIndex  = []byte{0x0f, 0xb6, 0x04, 0x0e}
	x86CmpAl0     = []byte{0x3c, 0x30}
	x86CmpAl9     = []byte{0x3c, 0x39}
	x86CmpAlLower = []byte{0x3c, 0x61}
	x86Ja         = []byte{0x77, 0x10}
	x86Call       = []byte{0xe8, 0x00, 0x01, 0x00, 0x00}
	x86Ret        = []byte{0xc3}
	x86IncRcx     = []byte{0x48, 0xff, 0xc1}
	x86CmpRcxRdx  = []byte{0x48, 0x39, 0xd1}
)

// X86Parser is the x86-64 demo target
type X86Parser struct{}

// NewX86Parser creates the x86-64 demo target
func NewX86Parser() *X86Parser {
	return &X86Parser{}
}

// Arch implements machine.Program
func (p *X86Parser) Arch() arch.Architecture {
	return arch.X8664
}

// Boot publishes the buffer and size cell and signals the start marker
func (p *X86Parser) Boot(g *machine.Guest) {
	g.SetReg("rdi", 0)
	g.Exec(0x1000, x86XorRdi)
	g.SetReg("rsi", BufferAddress)
	g.Exec(0x1003, x86MovRsi)
	g.SetReg("rdx", SizeAddress)
	g.Exec(0x100d, x86MovRdx)
	g.StoreWord(SizeAddress, MaxInputSize)
	g.Exec(0x1017, x86StoreMax)
	p.signal(g, 0x101e, magic.StartBufferPtrSizePtr)
}

func (p *X86Parser) signal(g *machine.Guest, pc uint64, n magic.Number) {
	v := magic.Value(n)
	g.SetReg("rax", v)
	g.Exec(pc, x86Cpuid)
	g.Magic(v)
}

// Harness parses the input delivered into the buffer
func (p *X86Parser) Harness(g *machine.Guest) {
	size := g.LoadWord(g.Reg("rdx"))
	g.SetReg("rdx", size)
	g.Exec(0x1020, x86LoadSize)

	g.Exec(0x1023, x86CmpRdx4)
	g.Exec(0x1027, x86Jb)
	if size < 4 {
		p.stop(g)
		return
	}
	if size > MaxInputSize {
		size = MaxInputSize
	}
	buf := g.Load(BufferAddress, int(size))

	g.SetReg("rax", uint64(buf[0]))
	g.Exec(0x1029, x86LoadByte)
	g.Exec(0x102c, x86CmpAlA)
	g.Exec(0x102e, x86Jnz)
	if buf[0] == 'A' {
		for {
			g.Exec(0x1030, x86JmpSelf)
		}
	}

	g.Exec(0x1032, x86CmpHeader)
	g.Exec(0x1038, x86Jnz)
	if string(buf[:4]) != Header {
		p.scan(g, buf)
		return
	}

	g.Exec(0x1040, x86CmpRdx12)
	g.Exec(0x1044, x86Jb)
	if size >= 12 {
		ptr := binary.LittleEndian.Uint64(buf[4:12])
		g.SetReg("rax", ptr)
		g.Exec(0x1046, x86LoadPtr)
		g.Exec(0x104a, x86Deref)
		g.SetReg("rax", g.LoadWord(ptr))
	}
	p.stop(g)
}

// scan walks the input and branches on byte classes
func (p *X86Parser) scan(g *machine.Guest, buf []byte) {
	g.SetReg("rcx", 0)
	for i, b := range buf {
		g.SetReg("rax", uint64(b))
		g.Exec(0x1050, x86LoadIndex)
		g.Exec(0x1054, x86CmpAl0)
		g.Exec(0x1056, x86Jb)
		g.Exec(0x1058, x86CmpAl9)
		g.Exec(0x105a, x86Ja)
		switch classify(b) {
		case 0:
			g.Exec(0x1060, x86Call)
			g.Exec(0x1160, x86Ret)
		case 1:
			g.Exec(0x106c, x86CmpAlLower)
			g.Exec(0x106e, x86Jb)
			g.Exec(0x1070, x86Call)
			g.Exec(0x1170, x86Ret)
		case 2:
			g.Exec(0x107c, x86CmpAlA)
			g.Exec(0x107e, x86Jnz)
		}
		g.SetReg("rcx", uint64(i+1))
		g.Exec(0x1080, x86IncRcx)
		g.Exec(0x1083, x86CmpRcxRdx)
		g.Exec(0x1086, x86Jb)
	}
	p.stop(g)
}

func (p *X86Parser) stop(g *machine.Guest) {
	g.SetReg("rdi", 0)
	p.signal(g, 0x10f0, magic.StopNormal)
	g.Halt()
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: riscv.go
Description: RISC-V demo target. Uses the buffer pointer plus size value start marker, so
the size arrives in a register rather than a memory cell.
*/

package targets

import (
	"encoding/binary"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/magic"
	"github.com/kleascm/simfuzz/pkg/sim/machine"
)

func rv(w uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, w)
	return b
}

var (
	rvMagic      = rv(0x40005013) // srai x0, x0, 0
	rvLiSelector = rv(0x00000513) // li x10, 0
	rvLuiBuffer  = rv(0x000085b7) // lui x11, 0x8
	rvLuiSize    = rv(0x00001637) // lui x12, 0x1
	rvLiMagic    = rv(0x00000293) // li x5, 0 (value patched in x5)
	rvLi4        = rv(0x00400393) // li x7, 4
	rvBltSize    = rv(0x00764863) // blt x12, x7, +16
	rvLbu        = rv(0x0005c283) // lbu x5, 0(x11)
	rvLiA        = rv(0x04100313) // li x6, 'A'
	rvBne        = rv(0x00629863) // bne x5, x6, +16
	rvBeq        = rv(0x00628863) // beq x5, x6, +16
	rvJSelf      = rv(0x0000006f) // j .
	rvLw         = rv(0x0005a283) // lw x5, 0(x11)
	rvLuiHeader  = rv(0x5a5a5337) // lui x6, 0x5a5a5
	rvAddiHeader = rv(0x54630313) // addi x6, x6, 0x546
	rvLi12       = rv(0x00c00393) // li x7, 12
	rvLdPtr      = rv(0x0045b283) // ld x5, 4(x11)
	rvLwPtr      = rv(0x0045a283) // lw x5, 4(x11)
	rvLdDeref    = rv(0x0002b283) // ld x5, 0(x5)
	rvSltiu      = rv(0x00a2b313) // sltiu x6, x5, 10
	rvJal        = rv(0x100000ef) // jal ra, +256
	rvRet        = rv(0x00008067) // ret
	rvAddi       = rv(0x00170713) // addi x14, x14, 1
	rvBltLoop    = rv(0xfec74ee3) // blt x14, x12, -4
	rvCNop       = []byte{0x01, 0x00}
)

// RISCVParser is the RISC-V demo target
type RISCVParser struct {
	xlen int
}

// NewRISCVParser creates the RISC-V demo target for RV32 or RV64
func NewRISCVParser(xlen int) *RISCVParser {
	if xlen != 32 {
		xlen = 64
	}
	return &RISCVParser{xlen: xlen}
}

// Arch implements machine.Program
func (p *RISCVParser) Arch() arch.Architecture {
	if p.xlen == 32 {
		return arch.RISCV32
	}
	return arch.RISCV64
}

// Boot places the buffer and maximum size in argument registers and signals the start marker
func (p *RISCVParser) Boot(g *machine.Guest) {
	g.SetReg("x10", 0)
	g.Exec(0x2000, rvLiSelector)
	g.SetReg("x11", BufferAddress)
	g.Exec(0x2004, rvLuiBuffer)
	g.SetReg("x12", MaxInputSize)
	g.Exec(0x2008, rvLuiSize)
	p.signal(g, 0x200c, magic.StartBufferPtrSizeVal)
}

func (p *RISCVParser) signal(g *machine.Guest, pc uint64, n magic.Number) {
	v := magic.Value(n)
	g.SetReg("x5", v)
	g.Exec(pc, rvLiMagic)
	g.Exec(pc+4, rvMagic)
	g.Magic(v)
}

// Harness parses the input delivered into the buffer
func (p *RISCVParser) Harness(g *machine.Guest) {
	size := g.Reg("x12")
	g.SetReg("x7", 4)
	g.Exec(0x2020, rvLi4)
	g.Exec(0x2024, rvBltSize)
	if size < 4 {
		p.stop(g)
		return
	}
	if size > MaxInputSize {
		size = MaxInputSize
	}
	buf := g.Load(g.Reg("x11"), int(size))

	g.SetReg("x5", uint64(buf[0]))
	g.Exec(0x2028, rvLbu)
	g.SetReg("x6", 'A')
	g.Exec(0x202c, rvLiA)
	g.Exec(0x2030, rvBne)
	if buf[0] == 'A' {
		for {
			g.Exec(0x2034, rvJSelf)
		}
	}

	g.SetReg("x5", uint64(binary.LittleEndian.Uint32(buf)))
	g.Exec(0x2040, rvLw)
	g.SetReg("x6", 0x5a5a5000)
	g.Exec(0x2044, rvLuiHeader)
	g.SetReg("x6", 0x5a5a5546)
	g.Exec(0x2048, rvAddiHeader)
	g.Exec(0x204c, rvBne)
	if string(buf[:4]) != Header {
		p.scan(g, buf)
		return
	}

	g.SetReg("x7", 12)
	g.Exec(0x2050, rvLi12)
	g.Exec(0x2054, rvBltSize)
	if size >= 12 {
		var ptr uint64
		if p.xlen == 32 {
			ptr = uint64(binary.LittleEndian.Uint32(buf[4:8]))
			g.SetReg("x5", ptr)
			g.Exec(0x2058, rvLwPtr)
		} else {
			ptr = binary.LittleEndian.Uint64(buf[4:12])
			g.SetReg("x5", ptr)
			g.Exec(0x2058, rvLdPtr)
		}
		g.Exec(0x205c, rvLdDeref)
		g.SetReg("x5", g.LoadWord(ptr))
	}
	p.stop(g)
}

// scan walks the input and branches on byte classes
func (p *RISCVParser) scan(g *machine.Guest, buf []byte) {
	g.SetReg("x14", 0)
	for i, b := range buf {
		g.SetReg("x5", uint64(b))
		g.Exec(0x2060, rvLbu)
		g.Exec(0x2064, rvSltiu)
		g.Exec(0x2068, rvBeq)
		switch classify(b) {
		case 0:
			g.Exec(0x206c, rvJal)
			g.Exec(0x216c, rvRet)
		case 1:
			g.Exec(0x2070, rvCNop)
			g.Exec(0x2072, rvJal)
			g.Exec(0x2172, rvRet)
		case 2:
			g.Exec(0x2076, rvBne)
		}
		g.SetReg("x14", uint64(i+1))
		g.Exec(0x2080, rvAddi)
		g.Exec(0x2084, rvBltLoop)
	}
	p.stop(g)
}

func (p *RISCVParser) stop(g *machine.Guest) {
	g.SetReg("x10", 0)
	p.signal(g, 0x20f0, magic.StopNormal)
	g.Halt()
}

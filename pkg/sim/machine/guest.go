/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: guest.go
Description: The API guest programs execute against. Every instruction passes through the
machine's instrumentation before it takes effect.
*/

package machine

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/faults"
)

// Guest is the processor as seen from guest code
type Guest struct {
	m  *Machine
	co *coroutine
}

// Arch returns the processor architecture
func (g *Guest) Arch() arch.Architecture {
	return g.m.arch
}

// Now returns the current virtual time
func (g *Guest) Now() time.Duration {
	return g.m.Now()
}

func (g *Guest) suspend(k yieldKind) {
	g.co.yield <- k
	if abort := <-g.co.resume; abort {
		panic(abortSignal{})
	}
}

// checkpoint hands control back to Continue if a break or cancellation is pending
func (g *Guest) checkpoint() {
	if g.m.breakReq.Load() {
		g.suspend(yieldBreak)
		return
	}
	if ctx := g.m.ctx; ctx != nil && ctx.Err() != nil {
		g.suspend(yieldCancel)
	}
}

// Exec executes one instruction at pc
func (g *Guest) Exec(pc uint64, code []byte) {
	m := g.m
	m.mu.Lock()
	m.regs[pcRegister(m.arch)] = pc
	m.mu.Unlock()

	for _, fn := range m.instructionCallbacks(pc) {
		fn(0, pc, code)
	}
	m.advance(m.cycle)
	g.checkpoint()
}

// Magic executes the magic instruction with value
func (g *Guest) Magic(value uint64) {
	for _, fn := range g.m.magicCallbacks() {
		fn(0, value)
	}
	g.checkpoint()
}

// Breakpoint reports a hit of breakpoint id
func (g *Guest) Breakpoint(id int64) {
	for _, fn := range g.m.breakpointCallbacks() {
		fn(0, id)
	}
	g.checkpoint()
}

// Raise delivers an exception and halts the processor
func (g *Guest) Raise(code faults.Kind) {
	for _, fn := range g.m.exceptionCallbacks() {
		fn(0, int64(code))
	}
	panic(haltSignal{})
}

// TripleFault notifies subscribers and halts the processor
func (g *Guest) TripleFault() {
	for _, fn := range g.m.tripleCallbacks() {
		fn(0)
	}
	panic(haltSignal{})
}

// Halt stops the processor. Time keeps running until the next break.
func (g *Guest) Halt() {
	panic(haltSignal{})
}

// Reg reads a register
func (g *Guest) Reg(name string) uint64 {
	v, err := g.m.ReadRegister(0, name)
	if err != nil {
		panic(err)
	}
	return v
}

// SetReg writes a register
func (g *Guest) SetReg(name string, value uint64) {
	if err := g.m.WriteRegister(0, name, value); err != nil {
		panic(err)
	}
}

// Load reads guest memory, faulting on unmapped addresses
func (g *Guest) Load(addr uint64, n int) []byte {
	paddr, err := g.m.Translate(0, addr)
	if err == nil {
		var data []byte
		if data, err = g.m.ReadPhysical(paddr, n); err == nil {
			return data
		}
	}
	g.Raise(pageFault(g.m.arch, false))
	return nil
}

// Store writes guest memory, faulting on unmapped addresses
func (g *Guest) Store(addr uint64, data []byte) {
	paddr, err := g.m.Translate(0, addr)
	if err == nil {
		if err = g.m.WritePhysical(paddr, data); err == nil {
			return
		}
	}
	g.Raise(pageFault(g.m.arch, true))
}

// LoadWord reads a little-endian pointer-width value
func (g *Guest) LoadWord(addr uint64) uint64 {
	w := g.m.arch.PointerWidth()
	b := g.Load(addr, w)
	if w == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// StoreWord writes a little-endian pointer-width value
func (g *Guest) StoreWord(addr, value uint64) {
	b := make([]byte, g.m.arch.PointerWidth())
	if len(b) == 4 {
		binary.LittleEndian.PutUint32(b, uint32(value))
	} else {
		binary.LittleEndian.PutUint64(b, value)
	}
	g.Store(addr, b)
}

func pageFault(a arch.Architecture, store bool) faults.Kind {
	switch {
	case a.IsRISCV() && store:
		return faults.RVStorePage
	case a.IsRISCV():
		return faults.RVLoadPage
	default:
		return faults.PageFault
	}
}

func pcRegister(a arch.Architecture) string {
	if a.IsRISCV() {
		return "pc"
	}
	return "rip"
}

func registerNames(a arch.Architecture) []string {
	if a.IsRISCV() {
		names := make([]string, 0, 33)
		for i := 0; i < 32; i++ {
			names = append(names, fmt.Sprintf("x%d", i))
		}
		return append(names, "pc")
	}
	return []string{
		"rax", "rbx", "rcx", "rdx", "rsi", "rdi", "rbp", "rsp",
		"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
		"rip", "rflags",
	}
}

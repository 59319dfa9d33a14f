/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: sim.go
Description: Capability interface of a full-system simulator as seen by the instrumentation
module. Everything above this boundary (tracer, detector, module loop) talks to the simulator
only through these calls and never touches simulator internals.
*/

package sim

import (
	"context"
	"errors"
	"time"

	"github.com/kleascm/simfuzz/pkg/arch"
)

var (
	// ErrIdle is returned by Continue when nothing is left to execute and no event is pending
	ErrIdle = errors.New("simulation idle")
	// ErrNoSnapshot is returned when restoring a snapshot that was never taken
	ErrNoSnapshot = errors.New("no such snapshot")
	// ErrNoEvent is returned when cancelling an event that already fired or was cancelled
	ErrNoEvent = errors.New("no such event")
	// ErrNoProcessor is returned for an unknown processor number
	ErrNoProcessor = errors.New("no such processor")
	// ErrUnmapped is returned for accesses outside guest memory or untranslatable addresses
	ErrUnmapped = errors.New("address not mapped")
	// ErrNoRegister is returned for register names the processor does not have
	ErrNoRegister = errors.New("no such register")
)

// InstrumentMode selects how often an instruction callback fires
type InstrumentMode int

const (
	// EveryExecution fires on each executed instruction
	EveryExecution InstrumentMode = iota
	// FirstExecution fires only the first time an instruction is translated
	FirstExecution
)

// Subscription identifies a registered callback
type Subscription uint64

// EventID identifies a posted virtual time event
type EventID uint64

// InstructionFunc is called before an instruction executes
type InstructionFunc func(cpu int, pc uint64, code []byte)

// ExceptionFunc is called when a processor raises an architectural exception
type ExceptionFunc func(cpu int, code int64)

// TripleFaultFunc is called when a processor triple faults
type TripleFaultFunc func(cpu int)

// MagicFunc is called when a processor executes a magic instruction
type MagicFunc func(cpu int, value uint64)

// BreakpointFunc is called when a guest breakpoint is hit
type BreakpointFunc func(cpu int, id int64)

// EventFunc is called when a posted event fires
type EventFunc func()

// Simulator is the set of simulator capabilities the module needs
type Simulator interface {
	// Processors lists processor numbers in the configuration
	Processors() []int
	// Architecture reports the instruction set of a processor
	Architecture(cpu int) (arch.Architecture, error)

	OnInstruction(cpu int, mode InstrumentMode, fn InstructionFunc) (Subscription, error)
	OnException(fn ExceptionFunc) Subscription
	OnTripleFault(fn TripleFaultFunc) Subscription
	OnMagic(fn MagicFunc) Subscription
	OnBreakpoint(fn BreakpointFunc) Subscription
	Unsubscribe(s Subscription)

	// PostEvent schedules fn after d of virtual time on cpu's clock
	PostEvent(cpu int, d time.Duration, fn EventFunc) (EventID, error)
	// CancelEvent removes a pending event. Fails with ErrNoEvent if it already fired.
	CancelEvent(id EventID) error

	ReadPhysical(addr uint64, n int) ([]byte, error)
	WritePhysical(addr uint64, data []byte) error
	// Translate maps a logical address on cpu to a physical address
	Translate(cpu int, vaddr uint64) (uint64, error)
	ReadRegister(cpu int, name string) (uint64, error)
	WriteRegister(cpu int, name string, value uint64) error

	// Break asks the simulation to halt after the current instruction. Safe from callbacks.
	Break()
	// Continue runs the simulation until it halts
	Continue(ctx context.Context) error

	SaveSnapshot(name string) error
	RestoreSnapshot(name string) error
}

// ReadMemory reads n bytes at a logical address of cpu
func ReadMemory(s Simulator, cpu int, vaddr uint64, n int) ([]byte, error) {
	paddr, err := s.Translate(cpu, vaddr)
	if err != nil {
		return nil, err
	}
	return s.ReadPhysical(paddr, n)
}

// WriteMemory writes data at a logical address of cpu
func WriteMemory(s Simulator, cpu int, vaddr uint64, data []byte) error {
	paddr, err := s.Translate(cpu, vaddr)
	if err != nil {
		return err
	}
	return s.WritePhysical(paddr, data)
}

// Resolver adapts one processor of a simulator to arch.Resolver
type Resolver struct {
	Sim Simulator
	CPU int
}

// ReadRegister reads a register of the processor
func (r Resolver) ReadRegister(name string) (uint64, error) {
	return r.Sim.ReadRegister(r.CPU, name)
}

// ReadMemory reads logical memory of the processor
func (r Resolver) ReadMemory(addr uint64, size int) ([]byte, error) {
	return ReadMemory(r.Sim, r.CPU, addr, size)
}

var _ arch.Resolver = Resolver{}

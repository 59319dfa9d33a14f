/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: mock.go
Description: MockSimulator is a scriptable sim.Simulator for component tests. Tests drive it
directly by executing instructions, raising exceptions and firing events, and inspect what
the component under test subscribed to or requested.
*/

package simtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/sim"
)

type instructionSub struct {
	cpu  int
	mode sim.InstrumentMode
	fn   sim.InstructionFunc
}

// PendingEvent is a posted, not yet fired event
type PendingEvent struct {
	ID    sim.EventID
	CPU   int
	Delay time.Duration
	Fn    sim.EventFunc
}

// MockSimulator implements sim.Simulator with flat identity-mapped memory
type MockSimulator struct {
	mu sync.Mutex

	Arch      map[int]arch.Architecture
	Registers map[int]map[string]uint64
	Memory    []byte

	nextID       uint64
	instructions map[sim.Subscription]instructionSub
	exceptions   map[sim.Subscription]sim.ExceptionFunc
	triples      map[sim.Subscription]sim.TripleFaultFunc
	magics       map[sim.Subscription]sim.MagicFunc
	breakpoints  map[sim.Subscription]sim.BreakpointFunc
	events       map[sim.EventID]*PendingEvent
	snapshots    map[string][]byte

	// BreakCount counts Break calls
	BreakCount int
	// CancelCount counts CancelEvent calls including failed ones
	CancelCount int
	// Restores lists restored snapshot names in order
	Restores []string
}

// NewMockSimulator creates a mock with the given processors and 64KiB of memory
func NewMockSimulator(cpus map[int]arch.Architecture) *MockSimulator {
	regs := make(map[int]map[string]uint64)
	for cpu := range cpus {
		regs[cpu] = make(map[string]uint64)
	}
	return &MockSimulator{
		Arch:         cpus,
		Registers:    regs,
		Memory:       make([]byte, 64*1024),
		instructions: make(map[sim.Subscription]instructionSub),
		exceptions:   make(map[sim.Subscription]sim.ExceptionFunc),
		triples:      make(map[sim.Subscription]sim.TripleFaultFunc),
		magics:       make(map[sim.Subscription]sim.MagicFunc),
		breakpoints:  make(map[sim.Subscription]sim.BreakpointFunc),
		events:       make(map[sim.EventID]*PendingEvent),
		snapshots:    make(map[string][]byte),
	}
}

func (m *MockSimulator) id() uint64 {
	m.nextID++
	return m.nextID
}

// Processors implements sim.Simulator
func (m *MockSimulator) Processors() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []int
	for cpu := range m.Arch {
		out = append(out, cpu)
	}
	sort.Ints(out)
	return out
}

// Architecture implements sim.Simulator
func (m *MockSimulator) Architecture(cpu int) (arch.Architecture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.Arch[cpu]
	if !ok {
		return arch.ArchUnknown, fmt.Errorf("cpu %d: %w", cpu, sim.ErrNoProcessor)
	}
	return a, nil
}

// OnInstruction implements sim.Simulator
func (m *MockSimulator) OnInstruction(cpu int, mode sim.InstrumentMode, fn sim.InstructionFunc) (sim.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Arch[cpu]; !ok {
		return 0, fmt.Errorf("cpu %d: %w", cpu, sim.ErrNoProcessor)
	}
	s := sim.Subscription(m.id())
	m.instructions[s] = instructionSub{cpu: cpu, mode: mode, fn: fn}
	return s, nil
}

// OnException implements sim.Simulator
func (m *MockSimulator) OnException(fn sim.ExceptionFunc) sim.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sim.Subscription(m.id())
	m.exceptions[s] = fn
	return s
}

// OnTripleFault implements sim.Simulator
func (m *MockSimulator) OnTripleFault(fn sim.TripleFaultFunc) sim.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sim.Subscription(m.id())
	m.triples[s] = fn
	return s
}

// OnMagic implements sim.Simulator
func (m *MockSimulator) OnMagic(fn sim.MagicFunc) sim.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sim.Subscription(m.id())
	m.magics[s] = fn
	return s
}

// OnBreakpoint implements sim.Simulator
func (m *MockSimulator) OnBreakpoint(fn sim.BreakpointFunc) sim.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sim.Subscription(m.id())
	m.breakpoints[s] = fn
	return s
}

// Unsubscribe implements sim.Simulator
func (m *MockSimulator) Unsubscribe(s sim.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instructions, s)
	delete(m.exceptions, s)
	delete(m.triples, s)
	delete(m.magics, s)
	delete(m.breakpoints, s)
}

// PostEvent implements sim.Simulator
func (m *MockSimulator) PostEvent(cpu int, d time.Duration, fn sim.EventFunc) (sim.EventID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Arch[cpu]; !ok {
		return 0, fmt.Errorf("cpu %d: %w", cpu, sim.ErrNoProcessor)
	}
	id := sim.EventID(m.id())
	m.events[id] = &PendingEvent{ID: id, CPU: cpu, Delay: d, Fn: fn}
	return id, nil
}

// CancelEvent implements sim.Simulator
func (m *MockSimulator) CancelEvent(id sim.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCount++
	if _, ok := m.events[id]; !ok {
		return sim.ErrNoEvent
	}
	delete(m.events, id)
	return nil
}

// ReadPhysical implements sim.Simulator
func (m *MockSimulator) ReadPhysical(addr uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr+uint64(n) > uint64(len(m.Memory)) || n < 0 {
		return nil, sim.ErrUnmapped
	}
	return append([]byte{}, m.Memory[addr:addr+uint64(n)]...), nil
}

// WritePhysical implements sim.Simulator
func (m *MockSimulator) WritePhysical(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if addr+uint64(len(data)) > uint64(len(m.Memory)) {
		return sim.ErrUnmapped
	}
	copy(m.Memory[addr:], data)
	return nil
}

// Translate implements sim.Simulator with an identity mapping
func (m *MockSimulator) Translate(cpu int, vaddr uint64) (uint64, error) {
	return vaddr, nil
}

// ReadRegister implements sim.Simulator
func (m *MockSimulator) ReadRegister(cpu int, name string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs, ok := m.Registers[cpu]
	if !ok {
		return 0, sim.ErrNoProcessor
	}
	v, ok := regs[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, sim.ErrNoRegister)
	}
	return v, nil
}

// WriteRegister implements sim.Simulator
func (m *MockSimulator) WriteRegister(cpu int, name string, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs, ok := m.Registers[cpu]
	if !ok {
		return sim.ErrNoProcessor
	}
	regs[name] = value
	return nil
}

// Break implements sim.Simulator
func (m *MockSimulator) Break() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BreakCount++
}

// Continue implements sim.Simulator and returns immediately
func (m *MockSimulator) Continue(ctx context.Context) error {
	return ctx.Err()
}

// SaveSnapshot implements sim.Simulator by copying memory
func (m *MockSimulator) SaveSnapshot(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[name] = append([]byte{}, m.Memory...)
	return nil
}

// RestoreSnapshot implements sim.Simulator
func (m *MockSimulator) RestoreSnapshot(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[name]
	if !ok {
		return sim.ErrNoSnapshot
	}
	copy(m.Memory, snap)
	m.Restores = append(m.Restores, name)
	return nil
}

// Execute delivers an instruction to every callback registered on cpu
func (m *MockSimulator) Execute(cpu int, pc uint64, code []byte) {
	m.mu.Lock()
	var fns []sim.InstructionFunc
	for _, s := range m.instructions {
		if s.cpu == cpu {
			fns = append(fns, s.fn)
		}
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(cpu, pc, code)
	}
}

// InstructionMode returns the mode cpu was instrumented with
func (m *MockSimulator) InstructionMode(cpu int) (sim.InstrumentMode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.instructions {
		if s.cpu == cpu {
			return s.mode, true
		}
	}
	return 0, false
}

// RaiseException delivers an exception to every subscriber
func (m *MockSimulator) RaiseException(cpu int, code int64) {
	m.mu.Lock()
	fns := make([]sim.ExceptionFunc, 0, len(m.exceptions))
	for _, fn := range m.exceptions {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(cpu, code)
	}
}

// TripleFault delivers a triple fault to every subscriber
func (m *MockSimulator) TripleFault(cpu int) {
	m.mu.Lock()
	fns := make([]sim.TripleFaultFunc, 0, len(m.triples))
	for _, fn := range m.triples {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(cpu)
	}
}

// Magic delivers a magic instruction to every subscriber
func (m *MockSimulator) Magic(cpu int, value uint64) {
	m.mu.Lock()
	fns := make([]sim.MagicFunc, 0, len(m.magics))
	for _, fn := range m.magics {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(cpu, value)
	}
}

// HitBreakpoint delivers a breakpoint hit to every subscriber
func (m *MockSimulator) HitBreakpoint(cpu int, id int64) {
	m.mu.Lock()
	fns := make([]sim.BreakpointFunc, 0, len(m.breakpoints))
	for _, fn := range m.breakpoints {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(cpu, id)
	}
}

// Events returns pending events ordered by id
func (m *MockSimulator) Events() []*PendingEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*PendingEvent, 0, len(m.events))
	for _, e := range m.events {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FireEvent runs and removes a pending event
func (m *MockSimulator) FireEvent(id sim.EventID) bool {
	m.mu.Lock()
	e, ok := m.events[id]
	delete(m.events, id)
	m.mu.Unlock()
	if ok {
		e.Fn()
	}
	return ok
}

// Subscribers reports how many callbacks of each stream are registered
func (m *MockSimulator) Subscribers() (exceptions, triples, magics, breakpoints int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.exceptions), len(m.triples), len(m.magics), len(m.breakpoints)
}

var _ sim.Simulator = (*MockSimulator)(nil)

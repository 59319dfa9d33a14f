/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: machine.go
Description: Built-in deterministic single-processor machine implementing sim.Simulator.
A guest Program runs as a coroutine: it executes instructions through the Guest API and
hands control back to Continue whenever a break is requested. Virtual time advances by a
fixed cycle per instruction and jumps straight to the next event while the processor idles.
*/

package machine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/sim"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultMemorySize is the size of guest physical memory
	DefaultMemorySize = 1 << 20
	// DefaultCycleTime is the virtual time one instruction takes
	DefaultCycleTime = time.Millisecond
)

// Program is guest software. Boot runs once from power-on, Harness runs after Boot and again
// from its entry after every snapshot restore.
type Program interface {
	Arch() arch.Architecture
	Boot(g *Guest)
	Harness(g *Guest)
}

// Option configures a Machine
type Option func(*Machine)

// WithMemorySize sets the size of guest memory in bytes
func WithMemorySize(n int) Option {
	return func(m *Machine) { m.mem = make([]byte, n) }
}

// WithCycleTime sets the virtual time per instruction
func WithCycleTime(d time.Duration) Option {
	return func(m *Machine) { m.cycle = d }
}

// WithLogger sets the machine logger
func WithLogger(l *logrus.Logger) Option {
	return func(m *Machine) { m.logger = l }
}

type instructionSub struct {
	id   sim.Subscription
	mode sim.InstrumentMode
	fn   sim.InstructionFunc
}

type event struct {
	id  sim.EventID
	due time.Duration
	fn  sim.EventFunc
}

type snapshot struct {
	mem  []byte
	regs map[string]uint64
	now  time.Duration
}

// Machine runs one Program on one processor
type Machine struct {
	prog   Program
	arch   arch.Architecture
	logger *logrus.Logger
	cycle  time.Duration

	mu           sync.Mutex
	mem          []byte
	regs         map[string]uint64
	now          time.Duration
	nextID       uint64
	instructions map[sim.Subscription]instructionSub
	exceptions   map[sim.Subscription]sim.ExceptionFunc
	triples      map[sim.Subscription]sim.TripleFaultFunc
	magics       map[sim.Subscription]sim.MagicFunc
	breakpoints  map[sim.Subscription]sim.BreakpointFunc
	translated   map[uint64]struct{}
	events       []*event
	snapshots    map[string]snapshot

	breakReq atomic.Bool

	// owned by the goroutine driving Continue
	co       *coroutine
	ctx      context.Context
	halted   bool
	restored bool
	guestErr error
}

// New creates a machine powered on at the start of prog's Boot
func New(prog Program, opts ...Option) *Machine {
	m := &Machine{
		prog:         prog,
		arch:         prog.Arch(),
		logger:       logrus.StandardLogger(),
		cycle:        DefaultCycleTime,
		instructions: make(map[sim.Subscription]instructionSub),
		exceptions:   make(map[sim.Subscription]sim.ExceptionFunc),
		triples:      make(map[sim.Subscription]sim.TripleFaultFunc),
		magics:       make(map[sim.Subscription]sim.MagicFunc),
		breakpoints:  make(map[sim.Subscription]sim.BreakpointFunc),
		translated:   make(map[uint64]struct{}),
		snapshots:    make(map[string]snapshot),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.mem == nil {
		m.mem = make([]byte, DefaultMemorySize)
	}
	m.regs = make(map[string]uint64)
	for _, name := range registerNames(m.arch) {
		m.regs[name] = 0
	}
	return m
}

// Close stops the guest coroutine
func (m *Machine) Close() {
	m.abortGuest()
}

// Now returns the current virtual time
func (m *Machine) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Machine) id() uint64 {
	m.nextID++
	return m.nextID
}

func (m *Machine) checkCPU(cpu int) error {
	if cpu != 0 {
		return fmt.Errorf("cpu %d: %w", cpu, sim.ErrNoProcessor)
	}
	return nil
}

// Processors implements sim.Simulator
func (m *Machine) Processors() []int {
	return []int{0}
}

// Architecture implements sim.Simulator
func (m *Machine) Architecture(cpu int) (arch.Architecture, error) {
	if err := m.checkCPU(cpu); err != nil {
		return arch.ArchUnknown, err
	}
	return m.arch, nil
}

// OnInstruction implements sim.Simulator
func (m *Machine) OnInstruction(cpu int, mode sim.InstrumentMode, fn sim.InstructionFunc) (sim.Subscription, error) {
	if err := m.checkCPU(cpu); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sim.Subscription(m.id())
	m.instructions[s] = instructionSub{id: s, mode: mode, fn: fn}
	return s, nil
}

// OnException implements sim.Simulator
func (m *Machine) OnException(fn sim.ExceptionFunc) sim.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sim.Subscription(m.id())
	m.exceptions[s] = fn
	return s
}

// OnTripleFault implements sim.Simulator
func (m *Machine) OnTripleFault(fn sim.TripleFaultFunc) sim.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sim.Subscription(m.id())
	m.triples[s] = fn
	return s
}

// OnMagic implements sim.Simulator
func (m *Machine) OnMagic(fn sim.MagicFunc) sim.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sim.Subscription(m.id())
	m.magics[s] = fn
	return s
}

// OnBreakpoint implements sim.Simulator
func (m *Machine) OnBreakpoint(fn sim.BreakpointFunc) sim.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := sim.Subscription(m.id())
	m.breakpoints[s] = fn
	return s
}

// Unsubscribe implements sim.Simulator
func (m *Machine) Unsubscribe(s sim.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instructions, s)
	delete(m.exceptions, s)
	delete(m.triples, s)
	delete(m.magics, s)
	delete(m.breakpoints, s)
}

// PostEvent implements sim.Simulator
func (m *Machine) PostEvent(cpu int, d time.Duration, fn sim.EventFunc) (sim.EventID, error) {
	if err := m.checkCPU(cpu); err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative event delay %v", d)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &event{id: sim.EventID(m.id()), due: m.now + d, fn: fn}
	m.events = append(m.events, e)
	return e.id, nil
}

// CancelEvent implements sim.Simulator
func (m *Machine) CancelEvent(id sim.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.events {
		if e.id == id {
			m.events = append(m.events[:i], m.events[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("event %d: %w", id, sim.ErrNoEvent)
}

// popDue removes the earliest event due at or before limit, or the earliest at all when idle
func (m *Machine) popDue(limit time.Duration, idle bool) *event {
	m.mu.Lock()
	defer m.mu.Unlock()
	best := -1
	for i, e := range m.events {
		if best < 0 || e.due < m.events[best].due || (e.due == m.events[best].due && e.id < m.events[best].id) {
			best = i
		}
	}
	if best < 0 || (!idle && m.events[best].due > limit) {
		return nil
	}
	e := m.events[best]
	m.events = append(m.events[:best], m.events[best+1:]...)
	if e.due > m.now {
		m.now = e.due
	}
	return e
}

// advance moves virtual time forward by d and fires the events that become due
func (m *Machine) advance(d time.Duration) {
	m.mu.Lock()
	target := m.now + d
	m.mu.Unlock()
	for e := m.popDue(target, false); e != nil; e = m.popDue(target, false) {
		e.fn()
	}
	m.mu.Lock()
	m.now = target
	m.mu.Unlock()
}

func (m *Machine) inMemory(addr uint64, n int) bool {
	return n >= 0 && addr <= uint64(len(m.mem)) && uint64(n) <= uint64(len(m.mem))-addr
}

// ReadPhysical implements sim.Simulator
func (m *Machine) ReadPhysical(addr uint64, n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inMemory(addr, n) {
		return nil, fmt.Errorf("read %d bytes at %#x: %w", n, addr, sim.ErrUnmapped)
	}
	return append([]byte(nil), m.mem[addr:addr+uint64(n)]...), nil
}

// WritePhysical implements sim.Simulator
func (m *Machine) WritePhysical(addr uint64, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inMemory(addr, len(data)) {
		return fmt.Errorf("write %d bytes at %#x: %w", len(data), addr, sim.ErrUnmapped)
	}
	copy(m.mem[addr:], data)
	return nil
}

// Translate implements sim.Simulator. Guest memory is identity mapped.
func (m *Machine) Translate(cpu int, vaddr uint64) (uint64, error) {
	if err := m.checkCPU(cpu); err != nil {
		return 0, err
	}
	if vaddr >= uint64(len(m.mem)) {
		return 0, fmt.Errorf("translate %#x: %w", vaddr, sim.ErrUnmapped)
	}
	return vaddr, nil
}

// ReadRegister implements sim.Simulator
func (m *Machine) ReadRegister(cpu int, name string) (uint64, error) {
	if err := m.checkCPU(cpu); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.regs[name]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, sim.ErrNoRegister)
	}
	return v, nil
}

// WriteRegister implements sim.Simulator
func (m *Machine) WriteRegister(cpu int, name string, value uint64) error {
	if err := m.checkCPU(cpu); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.regs[name]; !ok {
		return fmt.Errorf("%s: %w", name, sim.ErrNoRegister)
	}
	if m.arch.IsRISCV() && name == "x0" {
		return nil
	}
	if m.arch == arch.RISCV32 {
		value &= 0xffffffff
	}
	m.regs[name] = value
	return nil
}

// Break implements sim.Simulator
func (m *Machine) Break() {
	m.breakReq.Store(true)
}

// Continue implements sim.Simulator. It runs the guest until a break is requested, the
// context is cancelled or nothing is left to do, in which case it returns sim.ErrIdle.
func (m *Machine) Continue(ctx context.Context) error {
	m.breakReq.Store(false)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !m.halted {
			switch m.resumeGuest(ctx) {
			case yieldBreak:
				m.breakReq.Store(false)
				return nil
			case yieldCancel:
				return ctx.Err()
			case yieldDone:
				if err := m.guestErr; err != nil {
					m.guestErr = nil
					return err
				}
				if m.breakReq.Swap(false) {
					return nil
				}
				continue
			}
		}

		e := m.popDue(0, true)
		if e == nil {
			return sim.ErrIdle
		}
		e.fn()
		if m.breakReq.Swap(false) {
			return nil
		}
	}
}

// SaveSnapshot implements sim.Simulator. Restoring it resumes the guest at the harness entry.
func (m *Machine) SaveSnapshot(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	regs := make(map[string]uint64, len(m.regs))
	for k, v := range m.regs {
		regs[k] = v
	}
	m.snapshots[name] = snapshot{mem: append([]byte(nil), m.mem...), regs: regs, now: m.now}
	m.logger.WithFields(logrus.Fields{
		"snapshot": name,
		"time":     m.now.String(),
	}).Debug("Saved snapshot")
	return nil
}

// RestoreSnapshot implements sim.Simulator. Pending events are discarded. It must not be
// called from a simulator callback.
func (m *Machine) RestoreSnapshot(name string) error {
	m.mu.Lock()
	snap, ok := m.snapshots[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("snapshot %q: %w", name, sim.ErrNoSnapshot)
	}

	m.abortGuest()

	m.mu.Lock()
	copy(m.mem, snap.mem)
	for k, v := range snap.regs {
		m.regs[k] = v
	}
	m.now = snap.now
	m.events = nil
	m.mu.Unlock()

	m.halted = false
	m.restored = true
	m.breakReq.Store(false)
	m.logger.WithField("snapshot", name).Trace("Restored snapshot")
	return nil
}

// instructionCallbacks returns the callbacks to run for pc in subscription order
func (m *Machine) instructionCallbacks(pc uint64) []sim.InstructionFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, seen := m.translated[pc]
	m.translated[pc] = struct{}{}
	subs := make([]instructionSub, 0, len(m.instructions))
	for _, s := range m.instructions {
		if s.mode == sim.EveryExecution || !seen {
			subs = append(subs, s)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].id < subs[j].id })
	fns := make([]sim.InstructionFunc, len(subs))
	for i, s := range subs {
		fns[i] = s.fn
	}
	return fns
}

func ordered[T any](subs map[sim.Subscription]T) []T {
	keys := make([]sim.Subscription, 0, len(subs))
	for k := range subs {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]T, len(keys))
	for i, k := range keys {
		out[i] = subs[k]
	}
	return out
}

func (m *Machine) exceptionCallbacks() []sim.ExceptionFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ordered(m.exceptions)
}

func (m *Machine) tripleCallbacks() []sim.TripleFaultFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ordered(m.triples)
}

func (m *Machine) magicCallbacks() []sim.MagicFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ordered(m.magics)
}

func (m *Machine) breakpointCallbacks() []sim.BreakpointFunc {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ordered(m.breakpoints)
}

var _ sim.Simulator = (*Machine)(nil)

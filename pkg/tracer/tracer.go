/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: tracer.go
Description: Instruction tracer. Runs on the simulator's instruction callback path, records
AFL-style edge hits in the shared coverage map and concrete compare operands in the shared
comparison log. Nothing here blocks or returns decode errors to the simulator.
*/

package tracer

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/cmplog"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/kleascm/simfuzz/pkg/shm"
	"github.com/kleascm/simfuzz/pkg/sim"
	"github.com/sirupsen/logrus"
)

// DefaultCoverageMapSize is used when the fuzzer does not ask for a size
const DefaultCoverageMapSize = 128 * 1024

type processor struct {
	id           int
	arch         arch.Architecture
	classifier   arch.Classifier
	subscription sim.Subscription
	subscribed   bool

	// an edge instruction was traced; the next traced pc is its destination
	pendingEdge bool
}

// Tracer owns the writer side of the coverage map and the comparison log
type Tracer struct {
	sim    sim.Simulator
	logger *logrus.Logger

	mu          sync.Mutex
	initialized bool
	mode        Mode
	processors  map[int]*processor

	coverage     *shm.Channel
	coverageMap  []byte
	cmpChannel   *shm.Channel
	cmp          *cmplog.Map
	cmpLogWidth  uint64
	seed         uint64
	prevLoc      uint64
	cmpLogActive bool

	reporting bool
	seenEdges map[uint64]struct{}

	trace *executionTrace
}

// New creates a tracer for a simulator. Shared memory is allocated by OnInitialize.
func New(s sim.Simulator, logger *logrus.Logger) *Tracer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Tracer{
		sim:        s,
		logger:     logger,
		processors: make(map[int]*processor),
		seenEdges:  make(map[uint64]struct{}),
	}
}

// AddProcessor registers a processor for tracing. Instruction callbacks are installed once
// the tracer is initialized. Adding the same processor twice is a no-op.
func (t *Tracer) AddProcessor(cpu int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.processors[cpu]; ok {
		return nil
	}
	a, err := t.sim.Architecture(cpu)
	if err != nil {
		return fmt.Errorf("failed to query architecture of cpu %d: %w", cpu, err)
	}
	classifier, err := arch.New(a)
	if err != nil {
		return fmt.Errorf("cpu %d: %w", cpu, err)
	}
	p := &processor{id: cpu, arch: a, classifier: classifier}
	t.processors[cpu] = p

	t.logger.WithFields(logrus.Fields{
		"cpu":  cpu,
		"arch": a.String(),
	}).Info("Added processor to tracer")

	if t.initialized {
		return t.subscribe(p)
	}
	return nil
}

// Processors returns the registered processors and their architectures
func (t *Tracer) Processors() []protocol.Processor {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]protocol.Processor, 0, len(t.processors))
	for _, p := range t.processors {
		out = append(out, protocol.Processor{ID: p.id, Arch: p.arch.String()})
	}
	return out
}

func (t *Tracer) subscribe(p *processor) error {
	if p.subscribed {
		return nil
	}
	mode := sim.EveryExecution
	if t.mode == ModeOnce {
		mode = sim.FirstExecution
	}
	sub, err := t.sim.OnInstruction(p.id, mode, t.OnInstruction)
	if err != nil {
		return fmt.Errorf("failed to instrument cpu %d: %w", p.id, err)
	}
	p.subscription = sub
	p.subscribed = true
	return nil
}

// OnInitialize allocates the shared regions and reports their descriptors in out
func (t *Tracer) OnInitialize(cfg *protocol.InputConfig, out *protocol.OutputConfig) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	mode, err := ParseMode(cfg.TraceMode)
	if err != nil {
		return err
	}
	t.mode = mode

	size := cfg.CoverageMapSize
	if size <= 0 {
		size = DefaultCoverageMapSize
	}
	coverage, err := shm.Create("simfuzz-coverage", size)
	if err != nil {
		return fmt.Errorf("failed to create coverage map: %w", err)
	}
	w, err := coverage.Writer()
	if err != nil {
		coverage.Close()
		return fmt.Errorf("failed to map coverage map: %w", err)
	}
	t.coverage = coverage
	t.coverageMap = w.Bytes()
	out.Coverage = coverage.Descriptor()

	if cfg.CmpLog {
		if err := t.initCmpLog(cfg, out); err != nil {
			return err
		}
	}

	t.seed = cfg.Seed
	if t.seed == 0 {
		t.seed = rand.Uint64()
	}
	t.seed %= uint64(len(t.coverageMap))
	t.prevLoc = t.seed

	t.reporting = cfg.CoverageReporting
	t.trace, err = newExecutionTrace(cfg)
	if err != nil {
		return err
	}

	t.initialized = true
	for _, p := range t.processors {
		if err := t.subscribe(p); err != nil {
			return err
		}
	}

	t.logger.WithFields(logrus.Fields{
		"mode":          t.mode.String(),
		"coverage_size": size,
		"cmplog":        t.cmp != nil,
	}).Info("Tracer initialized")
	return nil
}

func (t *Tracer) initCmpLog(cfg *protocol.InputConfig, out *protocol.OutputConfig) error {
	layout := cmplog.DefaultLayout
	if cfg.CmpLogWidth > 0 {
		layout.Width = cfg.CmpLogWidth
	}
	if cfg.CmpLogHeight > 0 {
		layout.Height = cfg.CmpLogHeight
	}
	if err := layout.Validate(); err != nil {
		return err
	}

	ch, err := shm.Create("simfuzz-cmplog", layout.Size())
	if err != nil {
		return fmt.Errorf("failed to create cmplog map: %w", err)
	}
	w, err := ch.Writer()
	if err != nil {
		ch.Close()
		return fmt.Errorf("failed to map cmplog map: %w", err)
	}
	m, err := cmplog.NewMap(layout, w.Bytes())
	if err != nil {
		ch.Close()
		return err
	}

	t.cmpChannel = ch
	t.cmp = m
	t.cmpLogWidth = uint64(layout.Width)
	t.cmpLogActive = true
	desc := ch.Descriptor()
	out.CmpLog = &desc
	out.CmpLogWidth = layout.Width
	out.CmpLogHeight = layout.Height
	return nil
}

// SetCmpLog toggles comparison logging for subsequent runs
func (t *Tracer) SetCmpLog(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cmpLogActive = enabled && t.cmp != nil
}

// PreFirstRun is a no-op for the tracer
func (t *Tracer) PreFirstRun() error {
	return nil
}

// OnReady clears the shared maps and rewinds the edge state for the next run
func (t *Tracer) OnReady() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.coverageMap)
	if t.cmp != nil {
		t.cmp.Reset()
	}
	t.prevLoc = t.seed
	for _, p := range t.processors {
		p.pendingEdge = false
	}
	t.trace.reset()
	return nil
}

// OnRun is a no-op for the tracer
func (t *Tracer) OnRun() error {
	return nil
}

// OnStopped saves the execution trace when the reason is configured for it
func (t *Tracer) OnStopped(reason interfaces.StopReason) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	path, err := t.trace.save(reason)
	if err != nil {
		t.logger.WithError(err).Warn("Failed to save execution trace")
		return nil
	}
	if path != "" {
		t.logger.WithFields(logrus.Fields{
			"path":   path,
			"reason": reason.String(),
		}).Info("Saved execution trace")
	}
	return nil
}

// OnExit releases the shared regions
func (t *Tracer) OnExit() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, p := range t.processors {
		if p.subscribed {
			t.sim.Unsubscribe(p.subscription)
			p.subscribed = false
		}
	}
	if t.coverage != nil {
		t.coverage.Close()
		t.coverage = nil
		t.coverageMap = nil
	}
	if t.cmpChannel != nil {
		t.cmpChannel.Close()
		t.cmpChannel = nil
		t.cmp = nil
		t.cmpLogActive = false
	}
}

// OnInstruction is the per-instruction callback. Callbacks run before an instruction
// executes, so an edge is credited to the first instruction traced after a control-flow
// instruction on the same processor: the branch target, or the fall-through when not taken.
func (t *Tracer) OnInstruction(cpu int, pc uint64, code []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.processors[cpu]
	if !ok || t.coverageMap == nil {
		return
	}
	if p.pendingEdge {
		p.pendingEdge = false
		t.logPC(pc)
	}
	insn, err := p.classifier.Decode(pc, code)
	if err != nil {
		t.logger.WithFields(logrus.Fields{
			"cpu": cpu,
			"pc":  fmt.Sprintf("%#x", pc),
		}).WithError(err).Trace("Skipping undecodable instruction")
		return
	}

	t.trace.record(pc, func() string { return p.classifier.Disassemble(pc, code) })

	if insn.Kind.IsEdge() {
		p.pendingEdge = true
	}
	if t.cmpLogActive && insn.Compare != nil {
		values, ok := arch.Pair(insn.Compare.Operands, sim.Resolver{Sim: t.sim, CPU: cpu})
		if !ok {
			return
		}
		t.cmp.Log(int(HashIndex(pc, t.cmpLogWidth)), insn.Compare.Types, values)
	}
}

// LogPC records an edge ending at pc
func (t *Tracer) LogPC(pc uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.coverageMap == nil {
		return
	}
	t.logPC(pc)
}

func (t *Tracer) logPC(pc uint64) {
	n := uint64(len(t.coverageMap))
	idx := (pc ^ t.prevLoc) % n
	t.coverageMap[idx]++
	t.prevLoc = (pc >> 1) % n

	if t.reporting {
		if _, seen := t.seenEdges[pc]; !seen {
			t.seenEdges[pc] = struct{}{}
			t.logger.WithFields(logrus.Fields{
				"pc":    fmt.Sprintf("%#x", pc),
				"edges": len(t.seenEdges),
			}).Info("New edge")
		}
	}
}

// LogCmp records a resolved comparison at pc
func (t *Tracer) LogCmp(pc uint64, types arch.CmpType, values arch.CmpValues) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cmpLogActive {
		return
	}
	t.cmp.Log(int(HashIndex(pc, t.cmpLogWidth)), types, values)
}

// CoverageMap exposes the writer mapping. Callers must not retain it past OnExit.
func (t *Tracer) CoverageMap() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.coverageMap
}

// Seed returns the initial previous-location value used at the start of each run
func (t *Tracer) Seed() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seed
}

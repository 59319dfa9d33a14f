/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: module.go
Description: Simulation-side instrumentation module. Module is the explicit context that
owns the simulator handle, the tracer and detector components and the server end of the
protocol. Serve drives the simulation: it runs the guest to the start condition, takes the
origin snapshot once and then answers Reset/Run requests until the fuzzer exits.
*/

package module

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kleascm/simfuzz/pkg/detector"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/magic"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/kleascm/simfuzz/pkg/sim"
	"github.com/kleascm/simfuzz/pkg/tracer"
	"github.com/sirupsen/logrus"
)

// OriginSnapshot is the snapshot every iteration starts from
const OriginSnapshot = "origin"

var (
	// ErrNotStarted is returned when an operation needs the origin snapshot before it exists
	ErrNotStarted = errors.New("fuzzing has not started")
	// ErrNoStart is returned when the guest goes idle before reaching the start condition
	ErrNoStart = errors.New("guest never reached the start condition")

	errExit = errors.New("exit requested")
)

// Component receives the lifecycle hooks of a fuzzing session
type Component interface {
	OnInitialize(cfg *protocol.InputConfig, out *protocol.OutputConfig) error
	PreFirstRun() error
	OnReady() error
	OnRun() error
	OnStopped(reason interfaces.StopReason) error
	OnExit()
}

// Module is the simulation-side fuzzing context
type Module struct {
	sim      sim.Simulator
	logger   *logrus.Logger
	tracer   *tracer.Tracer
	detector *detector.Detector

	components []Component
	registers  map[int]magic.Registers
	cfg        protocol.InputConfig
	out        protocol.OutputConfig
	magicSub   *sim.Subscription
	configured bool
	iterations int64

	mu      sync.Mutex
	start   *StartInfo
	pending *StartInfo
}

// New creates a module over a simulator
func New(s sim.Simulator, logger *logrus.Logger) *Module {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	m := &Module{
		sim:       s,
		logger:    logger,
		tracer:    tracer.New(s, logger),
		detector:  detector.New(s, logger),
		registers: make(map[int]magic.Registers),
	}
	m.components = []Component{m.tracer, m.detector}
	return m
}

// Tracer returns the module's tracer
func (m *Module) Tracer() *tracer.Tracer {
	return m.tracer
}

// Detector returns the module's fault detector
func (m *Module) Detector() *detector.Detector {
	return m.detector
}

// Iterations returns the number of completed runs
func (m *Module) Iterations() int64 {
	return m.iterations
}

// Setup applies a configuration and runs the guest to its start condition. On return the
// origin snapshot exists and the output configuration describes the input buffer.
func (m *Module) Setup(ctx context.Context, cfg protocol.InputConfig) (protocol.OutputConfig, error) {
	if m.configured {
		return protocol.OutputConfig{}, errors.New("module already configured")
	}
	if len(m.registers) == 0 {
		for _, cpu := range m.sim.Processors() {
			if err := m.AddProcessor(cpu); err != nil {
				return protocol.OutputConfig{}, err
			}
		}
	}

	m.cfg = cfg
	var out protocol.OutputConfig
	for _, c := range m.components {
		if err := c.OnInitialize(&m.cfg, &out); err != nil {
			return protocol.OutputConfig{}, fmt.Errorf("failed to initialize component: %w", err)
		}
	}
	s := m.sim.OnMagic(m.onMagic)
	m.magicSub = &s
	m.configured = true

	if err := m.runToStart(ctx); err != nil {
		return protocol.OutputConfig{}, err
	}

	out.Processors = m.tracer.Processors()
	m.mu.Lock()
	out.BufferAddress = m.start.BufferAddress
	out.BufferSize = m.start.MaxSize
	m.mu.Unlock()
	m.out = out
	return out, nil
}

// runToStart continues the simulation until a start request arrives
func (m *Module) runToStart(ctx context.Context) error {
	for {
		m.mu.Lock()
		info := m.pending
		m.pending = nil
		m.mu.Unlock()
		if info != nil {
			return m.begin(info)
		}

		err := m.sim.Continue(ctx)
		if errors.Is(err, sim.ErrIdle) {
			m.mu.Lock()
			idle := m.pending == nil
			m.mu.Unlock()
			if idle {
				return ErrNoStart
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to run to start: %w", err)
		}
		if r, ok := m.detector.Reason(); ok {
			m.logger.WithField("reason", r.String()).Warn("Stop reason before fuzzing started, ignoring")
			m.detector.ClearReason()
		}
	}
}

// begin takes the origin snapshot and prepares the components for the first run
func (m *Module) begin(info *StartInfo) error {
	if err := m.sim.SaveSnapshot(OriginSnapshot); err != nil {
		return fmt.Errorf("failed to take origin snapshot: %w", err)
	}
	m.mu.Lock()
	m.start = info
	m.mu.Unlock()

	for _, c := range m.components {
		if err := c.PreFirstRun(); err != nil {
			return fmt.Errorf("failed to prepare first run: %w", err)
		}
	}
	m.logger.WithFields(logrus.Fields{
		"cpu":      info.CPU,
		"mode":     info.ModeName(),
		"buffer":   fmt.Sprintf("%#x", info.BufferAddress),
		"max_size": info.MaxSize,
	}).Info("Fuzzing started")
	return nil
}

// started reports whether the origin snapshot exists
func (m *Module) started() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.start != nil
}

// Serve answers a fuzzer over ep until it sends Exit
func (m *Module) Serve(ctx context.Context, ep *protocol.Endpoint) error {
	defer m.Close()

	msg, err := ep.Recv()
	if err != nil {
		return err
	}
	if msg.Kind == protocol.MsgExit {
		return nil
	}
	out, err := m.Setup(ctx, *msg.Config)
	if err != nil {
		return err
	}
	if err := ep.Send(protocol.Initialized(out)); err != nil {
		return err
	}

	for {
		if err := m.resetAndRun(ctx, ep); err != nil {
			if errors.Is(err, errExit) {
				m.logger.WithField("iterations", m.iterations).Info("Fuzzer exited")
				return nil
			}
			return err
		}
		reason, err := m.runToStop(ctx)
		if err != nil {
			return err
		}
		if err := m.stopped(reason); err != nil {
			return err
		}
		if err := ep.Send(protocol.Stopped(reason)); err != nil {
			return err
		}
		if m.cfg.Iterations > 0 && m.iterations >= m.cfg.Iterations {
			m.logger.WithField("iterations", m.iterations).Info("Iteration limit reached")
			return m.awaitExit(ep)
		}
	}
}

// resetAndRun answers Reset with Ready, repeating for every extra Reset, then delivers the
// Run input to the guest
func (m *Module) resetAndRun(ctx context.Context, ep *protocol.Endpoint) error {
	msg, err := ep.Recv()
	if err != nil {
		return err
	}
	for msg.Kind == protocol.MsgReset {
		if err := m.reset(); err != nil {
			return err
		}
		if err := ep.Send(protocol.Ready()); err != nil {
			return err
		}
		if msg, err = ep.Recv(); err != nil {
			return err
		}
	}
	switch msg.Kind {
	case protocol.MsgExit:
		return errExit
	case protocol.MsgRun:
		return m.run(msg.Input)
	default:
		return fmt.Errorf("unexpected %s", msg.Kind)
	}
}

// awaitExit accepts nothing but Exit once the iteration limit is reached
func (m *Module) awaitExit(ep *protocol.Endpoint) error {
	msg, err := ep.Recv()
	if err != nil {
		return err
	}
	if msg.Kind != protocol.MsgExit {
		return fmt.Errorf("iteration limit of %d reached, got %s", m.cfg.Iterations, msg.Kind)
	}
	return nil
}

// reset restores the origin snapshot and readies the components
func (m *Module) reset() error {
	if !m.started() {
		return ErrNotStarted
	}
	if err := m.sim.RestoreSnapshot(OriginSnapshot); err != nil {
		return fmt.Errorf("failed to restore origin snapshot: %w", err)
	}
	for _, c := range m.components {
		if err := c.OnReady(); err != nil {
			return fmt.Errorf("failed to ready component: %w", err)
		}
	}
	return nil
}

// run writes the input into the guest and arms the components
func (m *Module) run(input []byte) error {
	if err := m.writeInput(input); err != nil {
		return err
	}
	for _, c := range m.components {
		if err := c.OnRun(); err != nil {
			return fmt.Errorf("failed to start run: %w", err)
		}
	}
	return nil
}

// runToStop continues the simulation until the detector holds a stop reason
func (m *Module) runToStop(ctx context.Context) (interfaces.StopReason, error) {
	for {
		if r, ok := m.detector.Reason(); ok {
			return r, nil
		}
		err := m.sim.Continue(ctx)
		if errors.Is(err, sim.ErrIdle) {
			m.logger.Debug("Guest idle without a stop reason, treating as normal exit")
			m.detector.SetReason(interfaces.NormalExit())
			continue
		}
		if err != nil {
			return interfaces.StopReason{}, fmt.Errorf("simulation failed: %w", err)
		}
	}
}

// stopped runs the stop hooks for a finished iteration
func (m *Module) stopped(reason interfaces.StopReason) error {
	for _, c := range m.components {
		if err := c.OnStopped(reason); err != nil {
			return fmt.Errorf("failed to stop component: %w", err)
		}
	}
	m.iterations++
	m.logger.WithFields(logrus.Fields{
		"iteration": m.iterations,
		"reason":    reason.String(),
	}).Debug("Iteration stopped")
	return nil
}

// Close releases the components
func (m *Module) Close() {
	if m.magicSub != nil {
		m.sim.Unsubscribe(*m.magicSub)
		m.magicSub = nil
	}
	for _, c := range m.components {
		c.OnExit()
	}
}

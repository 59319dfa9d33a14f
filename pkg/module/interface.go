/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: interface.go
Description: Manual control points exposed to the simulator's scripting layer. They mirror
the marker-driven flow: register processors and faults, start and stop iterations, report
solutions and replay a single input.
*/

package module

import (
	"context"
	"fmt"
	"os"

	"github.com/kleascm/simfuzz/pkg/faults"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/magic"
	"github.com/sirupsen/logrus"
)

// StartRequest describes a manual start. A zero Buffer starts without input delivery.
type StartRequest struct {
	Buffer       uint64
	SizeAddress  uint64
	SizeRegister string
	MaxSize      uint64
}

// AddProcessor registers a processor with the tracer and detector
func (m *Module) AddProcessor(cpu int) error {
	a, err := m.sim.Architecture(cpu)
	if err != nil {
		return fmt.Errorf("failed to add processor %d: %w", cpu, err)
	}
	regs, err := magic.RegistersFor(a)
	if err != nil {
		return fmt.Errorf("failed to add processor %d: %w", cpu, err)
	}
	if err := m.tracer.AddProcessor(cpu); err != nil {
		return err
	}
	if err := m.detector.AddProcessor(cpu); err != nil {
		return err
	}
	m.registers[cpu] = regs
	return nil
}

// AddFault adds an exception code to the fault set
func (m *Module) AddFault(code int64) {
	m.detector.AddFault(faults.Kind(code))
}

// Start requests a manual start on cpu. It is honoured the next time the simulation halts.
func (m *Module) Start(cpu int, req StartRequest) error {
	if m.started() {
		return fmt.Errorf("fuzzing already started")
	}
	a, err := m.sim.Architecture(cpu)
	if err != nil {
		return err
	}
	m.requestStart(&StartInfo{
		CPU:           cpu,
		BufferAddress: req.Buffer,
		SizeAddress:   req.SizeAddress,
		SizeRegister:  req.SizeRegister,
		MaxSize:       req.MaxSize,
		PointerWidth:  a.PointerWidth(),
	})
	return nil
}

// Stop ends the current iteration normally
func (m *Module) Stop() {
	m.requestStop(interfaces.ManualStop())
}

// Solution ends the current iteration with a solution
func (m *Module) Solution(id int64, message string) {
	m.requestStop(interfaces.Solution(id, message))
}

// Repro runs one input from the origin snapshot. The stop reason is logged and returned
// and the simulation is left halted for inspection.
func (m *Module) Repro(ctx context.Context, input []byte) (interfaces.StopReason, error) {
	if !m.started() {
		return interfaces.StopReason{}, ErrNotStarted
	}
	if err := m.reset(); err != nil {
		return interfaces.StopReason{}, err
	}
	if err := m.run(input); err != nil {
		return interfaces.StopReason{}, err
	}
	reason, err := m.runToStop(ctx)
	if err != nil {
		return interfaces.StopReason{}, err
	}
	if err := m.stopped(reason); err != nil {
		return reason, err
	}
	m.logger.WithFields(logrus.Fields{
		"reason": reason.String(),
		"size":   len(input),
	}).Info("Reproduced input")
	return reason, nil
}

// ReproFile runs the input stored at path
func (m *Module) ReproFile(ctx context.Context, path string) (interfaces.StopReason, error) {
	input, err := os.ReadFile(path)
	if err != nil {
		return interfaces.StopReason{}, fmt.Errorf("failed to read repro input: %w", err)
	}
	return m.Repro(ctx, input)
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: start.go
Description: Start information and the magic marker handler. A start marker describes where
the guest expects its input; stop and assert markers end the current iteration.
*/

package module

import (
	"encoding/binary"
	"fmt"

	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/magic"
	"github.com/kleascm/simfuzz/pkg/sim"
	"github.com/sirupsen/logrus"
)

// StartInfo describes where each input is delivered
type StartInfo struct {
	CPU  int
	Mode magic.Number
	// BufferAddress is the logical address of the input buffer, zero for a manual start
	// without a buffer
	BufferAddress uint64
	// SizeAddress is the logical address of the size cell, zero when the size goes to a register
	SizeAddress  uint64
	SizeRegister string
	MaxSize      uint64
	PointerWidth int
}

// HasBuffer reports whether inputs are written into the guest
func (s *StartInfo) HasBuffer() bool {
	return s.BufferAddress != 0 && s.MaxSize > 0
}

// ModeName names how the iteration was started
func (s *StartInfo) ModeName() string {
	if s.Mode == 0 {
		return "manual"
	}
	return s.Mode.String()
}

// startInfo reads the marker's argument registers
func (m *Module) startInfo(cpu int, n magic.Number, regs magic.Registers) (*StartInfo, error) {
	a, err := m.sim.Architecture(cpu)
	if err != nil {
		return nil, err
	}
	var args [3]uint64
	for i, name := range regs.Args {
		if args[i], err = m.sim.ReadRegister(cpu, name); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
	}

	info := &StartInfo{CPU: cpu, Mode: n, BufferAddress: args[0], PointerWidth: a.PointerWidth()}
	switch n {
	case magic.StartBufferPtrSizePtr:
		info.SizeAddress = args[1]
		if info.MaxSize, err = m.readWord(cpu, args[1], info.PointerWidth); err != nil {
			return nil, fmt.Errorf("failed to read maximum size: %w", err)
		}
	case magic.StartBufferPtrSizeVal:
		info.SizeRegister = regs.Args[1]
		info.MaxSize = args[1]
	case magic.StartBufferPtrSizePtrVal:
		info.SizeAddress = args[1]
		info.MaxSize = args[2]
	default:
		return nil, fmt.Errorf("%s is not a start marker", n)
	}
	return info, nil
}

func (m *Module) readWord(cpu int, addr uint64, width int) (uint64, error) {
	b, err := sim.ReadMemory(m.sim, cpu, addr, width)
	if err != nil {
		return 0, err
	}
	if width == 4 {
		return uint64(binary.LittleEndian.Uint32(b)), nil
	}
	return binary.LittleEndian.Uint64(b), nil
}

// writeInput copies an input into the guest buffer, truncated to the maximum size, and
// publishes its size
func (m *Module) writeInput(input []byte) error {
	m.mu.Lock()
	info := m.start
	m.mu.Unlock()
	if info == nil {
		return ErrNotStarted
	}
	if !info.HasBuffer() {
		return nil
	}
	if uint64(len(input)) > info.MaxSize {
		input = input[:info.MaxSize]
	}

	if err := sim.WriteMemory(m.sim, info.CPU, info.BufferAddress, input); err != nil {
		return fmt.Errorf("failed to write input: %w", err)
	}
	size := uint64(len(input))
	switch {
	case info.SizeRegister != "":
		if err := m.sim.WriteRegister(info.CPU, info.SizeRegister, size); err != nil {
			return fmt.Errorf("failed to write input size: %w", err)
		}
	case info.SizeAddress != 0:
		cell := make([]byte, info.PointerWidth)
		if info.PointerWidth == 4 {
			binary.LittleEndian.PutUint32(cell, uint32(size))
		} else {
			binary.LittleEndian.PutUint64(cell, size)
		}
		if err := sim.WriteMemory(m.sim, info.CPU, info.SizeAddress, cell); err != nil {
			return fmt.Errorf("failed to write input size: %w", err)
		}
	}
	return nil
}

// onMagic handles harness markers. It runs inside the simulation.
func (m *Module) onMagic(cpu int, value uint64) {
	n, ok := magic.Decode(value)
	if !ok {
		return
	}
	regs, ok := m.registers[cpu]
	if !ok {
		return
	}
	index, err := m.sim.ReadRegister(cpu, regs.Selector)
	if err != nil {
		m.logger.WithError(err).Warn("Failed to read magic selector")
		return
	}
	logger := m.logger.WithFields(logrus.Fields{
		"cpu":    cpu,
		"marker": n.String(),
		"index":  int64(index),
	})

	switch {
	case n.IsStart():
		if !m.cfg.StartOnHarness || m.started() {
			return
		}
		if m.cfg.StartIndex != nil && *m.cfg.StartIndex != int64(index) {
			return
		}
		info, err := m.startInfo(cpu, n, regs)
		if err != nil {
			logger.WithError(err).Error("Invalid start marker")
			return
		}
		logger.Debug("Start marker")
		m.requestStart(info)
	case n == magic.StopNormal:
		if !m.cfg.StopOnHarness || !m.started() || !selected(m.cfg.StopIndices, int64(index)) {
			return
		}
		logger.Trace("Stop marker")
		m.requestStop(interfaces.NormalExit())
	case n == magic.StopAssert:
		if !m.cfg.StopOnHarness || !m.started() || !selected(m.cfg.AssertIndices, int64(index)) {
			return
		}
		logger.Debug("Assert marker")
		m.requestStop(interfaces.Solution(int64(index), "assertion failed"))
	default:
		logger.Trace("Ignoring unknown magic marker")
	}
}

// selected reports whether index passes a filter. An empty filter accepts everything.
func selected(indices []int64, index int64) bool {
	if len(indices) == 0 {
		return true
	}
	for _, i := range indices {
		if i == index {
			return true
		}
	}
	return false
}

func (m *Module) requestStart(info *StartInfo) {
	m.mu.Lock()
	if m.pending == nil {
		m.pending = info
	}
	m.mu.Unlock()
	m.sim.Break()
}

func (m *Module) requestStop(reason interfaces.StopReason) {
	if m.detector.SetReason(reason) {
		m.sim.Break()
	}
}

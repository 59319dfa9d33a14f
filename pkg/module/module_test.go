/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: module_test.go
Description: End-to-end tests running the module on the built-in machine, driven by a
client endpoint over a socketpair.
*/

//go:build linux

package module_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/faults"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/magic"
	"github.com/kleascm/simfuzz/pkg/module"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/kleascm/simfuzz/pkg/shm"
	"github.com/kleascm/simfuzz/pkg/sim/machine"
	"github.com/kleascm/simfuzz/pkg/sim/targets"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

type session struct {
	machine  *machine.Machine
	client   *protocol.Endpoint
	out      protocol.OutputConfig
	coverage *shm.Reader
	done     chan error
}

func harnessConfig() protocol.InputConfig {
	return protocol.InputConfig{
		Faults:          []int64{int64(faults.PageFault)},
		TimeoutSeconds:  3.0,
		StartOnHarness:  true,
		StopOnHarness:   true,
		CoverageMapSize: 4096,
		Seed:            7,
	}
}

func startSession(t *testing.T, prog machine.Program, cfg protocol.InputConfig) *session {
	t.Helper()
	m := machine.New(prog, machine.WithLogger(quietLogger()))
	mod := module.New(m, quietLogger())

	clientConn, serverConn, err := protocol.Pipe()
	require.NoError(t, err)

	s := &session{machine: m, done: make(chan error, 1)}
	go func() {
		s.done <- mod.Serve(context.Background(), protocol.NewEndpoint(protocol.Server, serverConn, quietLogger()))
	}()
	s.client = protocol.NewEndpoint(protocol.Client, clientConn, quietLogger())
	t.Cleanup(func() {
		if !s.client.Done() {
			_ = s.client.Send(protocol.Exit())
		}
		select {
		case <-s.done:
		case <-time.After(10 * time.Second):
			t.Error("module did not exit")
		}
		_ = s.client.Close()
		_ = serverConn.Close()
		m.Close()
		if s.coverage != nil {
			_ = s.coverage.Close()
		}
	})

	require.NoError(t, s.client.Send(protocol.Initialize(cfg)))
	msg, err := s.client.Expect(protocol.MsgInitialized)
	require.NoError(t, err)
	s.out = *msg.Output
	s.coverage, err = shm.OpenReader(s.out.Coverage.FD, s.out.Coverage.Size)
	require.NoError(t, err)
	return s
}

func (s *session) reset(t *testing.T) {
	t.Helper()
	require.NoError(t, s.client.Send(protocol.Reset()))
	_, err := s.client.Expect(protocol.MsgReady)
	require.NoError(t, err)
}

func (s *session) run(t *testing.T, input []byte) interfaces.StopReason {
	t.Helper()
	require.NoError(t, s.client.Send(protocol.Run(input)))
	msg, err := s.client.Expect(protocol.MsgStopped)
	require.NoError(t, err)
	return *msg.Reason
}

func nonZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return true
		}
	}
	return false
}

// TestTimeoutThenPageFault runs a hanging input and then a faulting input in one session
func TestTimeoutThenPageFault(t *testing.T) {
	s := startSession(t, targets.NewX86Parser(), harnessConfig())
	assert.Equal(t, uint64(targets.BufferAddress), s.out.BufferAddress)
	assert.Equal(t, uint64(targets.MaxInputSize), s.out.BufferSize)
	assert.Equal(t, []protocol.Processor{{ID: 0, Arch: "x86-64"}}, s.out.Processors)
	assert.Equal(t, 4096, s.out.Coverage.Size)

	s.reset(t)
	reason := s.run(t, bytes.Repeat([]byte{0x41}, 64))
	assert.Equal(t, interfaces.Timeout(), reason)
	assert.True(t, nonZero(s.coverage.ReadAll()), "no edges recorded")

	s.reset(t)
	reason = s.run(t, targets.CrashInput(0xdead_0000_0000))
	assert.Equal(t, interfaces.Crash(faults.PageFault, 0), reason)

	require.NoError(t, s.client.Send(protocol.Exit()))
	assert.NoError(t, <-s.done)
	s.done <- nil
}

// TestNormalExitAndDeterministicCoverage stops on the stop marker with identical coverage per run
func TestNormalExitAndDeterministicCoverage(t *testing.T) {
	s := startSession(t, targets.NewX86Parser(), harnessConfig())

	var maps [][]byte
	for i := 0; i < 3; i++ {
		s.reset(t)
		reason := s.run(t, []byte("hello, 42 World"))
		assert.Equal(t, interfaces.NormalExit(), reason)
		maps = append(maps, s.coverage.ReadAll())
	}
	assert.True(t, nonZero(maps[0]))
	assert.Equal(t, maps[0], maps[1])
	assert.Equal(t, maps[0], maps[2])
}

// TestRepeatedResetIsIdempotent restores the same guest state however often Reset is sent
func TestRepeatedResetIsIdempotent(t *testing.T) {
	s := startSession(t, targets.NewX86Parser(), harnessConfig())

	s.reset(t)
	s.run(t, []byte("some input that lands in the buffer"))

	s.reset(t)
	once, err := s.machine.ReadPhysical(targets.SizeAddress, 64)
	require.NoError(t, err)
	s.reset(t)
	s.reset(t)
	thrice, err := s.machine.ReadPhysical(targets.SizeAddress, 64)
	require.NoError(t, err)
	assert.Equal(t, once, thrice)

	reason := s.run(t, targets.CrashInput(0xdead_0000_0000))
	assert.Equal(t, interfaces.Crash(faults.PageFault, 0), reason)
}

// TestRunBeforeResetRejected fails on the client without touching the session
func TestRunBeforeResetRejected(t *testing.T) {
	s := startSession(t, targets.NewX86Parser(), harnessConfig())

	err := s.client.Send(protocol.Run([]byte("early")))
	var perr *protocol.ProtocolError
	require.ErrorAs(t, err, &perr)
	assert.True(t, errors.Is(err, protocol.ErrProtocol))
	assert.Equal(t, protocol.StateInitialized, s.client.State())
	assert.False(t, nonZero(s.coverage.ReadAll()))

	s.reset(t)
	assert.Equal(t, interfaces.NormalExit(), s.run(t, []byte("late")))
}

// TestRISCVTarget delivers the size through a register
func TestRISCVTarget(t *testing.T) {
	cfg := harnessConfig()
	cfg.Faults = []int64{int64(faults.RVLoadPage)}
	cfg.CmpLog = true
	cfg.CmpLogWidth = 256
	cfg.CmpLogHeight = 4
	s := startSession(t, targets.NewRISCVParser(64), cfg)
	require.NotNil(t, s.out.CmpLog)

	s.reset(t)
	assert.Equal(t, interfaces.NormalExit(), s.run(t, []byte("abc1")))
	x12, err := s.machine.ReadRegister(0, "x12")
	require.NoError(t, err)
	assert.Equal(t, uint64(4), x12)

	s.reset(t)
	assert.Equal(t, interfaces.Crash(faults.RVLoadPage, 0), s.run(t, targets.CrashInput(0xdead_0000)))

	s.reset(t)
	assert.Equal(t, interfaces.Timeout(), s.run(t, []byte("AAAA")))
}

// TestIterationLimit accepts only Exit after the last iteration
func TestIterationLimit(t *testing.T) {
	cfg := harnessConfig()
	cfg.Iterations = 1

	t.Run("exit", func(t *testing.T) {
		s := startSession(t, targets.NewX86Parser(), cfg)
		s.reset(t)
		s.run(t, []byte("one"))
		require.NoError(t, s.client.Send(protocol.Exit()))
		assert.NoError(t, <-s.done)
		s.done <- nil
	})

	t.Run("reset", func(t *testing.T) {
		s := startSession(t, targets.NewX86Parser(), cfg)
		s.reset(t)
		s.run(t, []byte("one"))
		require.NoError(t, s.client.Send(protocol.Reset()))
		err := <-s.done
		require.Error(t, err)
		assert.Contains(t, err.Error(), "iteration limit")
		s.done <- nil
	})
}

// scripted is a guest program assembled from closures
type scripted struct {
	boot    func(g *machine.Guest)
	harness func(g *machine.Guest)
}

func (p *scripted) Arch() arch.Architecture  { return arch.X8664 }
func (p *scripted) Boot(g *machine.Guest)    { p.boot(g) }
func (p *scripted) Harness(g *machine.Guest) { p.harness(g) }

func marker(g *machine.Guest, index uint64, n magic.Number) {
	g.SetReg("rdi", index)
	g.Exec(0x10, []byte{0x0f, 0xa2})
	g.Magic(magic.Value(n))
}

// TestMarkerIndices filters start and assert markers on the selector register
func TestMarkerIndices(t *testing.T) {
	prog := &scripted{
		boot: func(g *machine.Guest) {
			g.SetReg("rsi", 0x100)
			g.SetReg("rdx", 0x40)
			marker(g, 1, magic.StartBufferPtrSizeVal)
			g.SetReg("rsi", 0x200)
			g.SetReg("rdx", 0x20)
			marker(g, 0, magic.StartBufferPtrSizeVal)
		},
		harness: func(g *machine.Guest) {
			buf := g.Load(0x200, int(g.Reg("rdx")))
			marker(g, 2, magic.StopAssert)
			marker(g, 3, magic.StopAssert)
			if buf[0] == 'n' {
				marker(g, 9, magic.StopNormal)
			}
			g.Halt()
		},
	}
	cfg := harnessConfig()
	var zero int64
	cfg.StartIndex = &zero
	cfg.AssertIndices = []int64{3}
	cfg.StopIndices = []int64{9}

	s := startSession(t, prog, cfg)
	assert.Equal(t, uint64(0x200), s.out.BufferAddress)
	assert.Equal(t, uint64(0x20), s.out.BufferSize)

	s.reset(t)
	assert.Equal(t, interfaces.Solution(3, "assertion failed"), s.run(t, []byte("x")))

	cfg.AssertIndices = []int64{7}
	s2 := startSession(t, prog, cfg)
	s2.reset(t)
	assert.Equal(t, interfaces.NormalExit(), s2.run(t, []byte("n")))

	// input larger than the maximum is truncated
	s2.reset(t)
	s2.run(t, bytes.Repeat([]byte{'n'}, 100))
	rdx, err := s2.machine.ReadRegister(0, "rdx")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x20), rdx)
}

// TestManualStartAndRepro starts from an interface call and replays inputs without a fuzzer
func TestManualStartAndRepro(t *testing.T) {
	var mod *module.Module
	prog := &scripted{
		boot: func(g *machine.Guest) {
			g.Exec(0x20, []byte{0x90})
			g.Breakpoint(1)
		},
		harness: func(g *machine.Guest) {
			buf := g.Load(0x300, int(g.Reg("rdx")))
			g.Exec(0x30, []byte{0x3c, 0x58})
			g.Exec(0x32, []byte{0x75, 0x02})
			if len(buf) > 0 && buf[0] == 'X' {
				g.Raise(faults.GeneralProtection)
			}
			g.Halt()
		},
	}
	m := machine.New(prog, machine.WithLogger(quietLogger()))
	t.Cleanup(m.Close)
	mod = module.New(m, quietLogger())
	t.Cleanup(mod.Close)
	m.OnBreakpoint(func(cpu int, id int64) {
		assert.NoError(t, mod.Start(cpu, module.StartRequest{Buffer: 0x300, SizeRegister: "rdx", MaxSize: 16}))
	})

	_, err := mod.Repro(context.Background(), []byte("X"))
	assert.ErrorIs(t, err, module.ErrNotStarted)

	out, err := mod.Setup(context.Background(), protocol.InputConfig{
		Faults:         []int64{int64(faults.GeneralProtection)},
		TimeoutSeconds: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(16), out.BufferSize)

	reason, err := mod.Repro(context.Background(), []byte("X marks the spot"))
	require.NoError(t, err)
	assert.Equal(t, interfaces.Crash(faults.GeneralProtection, 0), reason)

	reason, err = mod.Repro(context.Background(), bytes.Repeat([]byte{'Y'}, 40))
	require.NoError(t, err)
	assert.Equal(t, interfaces.Timeout(), reason)
	rdx, err := m.ReadRegister(0, "rdx")
	require.NoError(t, err)
	assert.Equal(t, uint64(16), rdx)
	assert.Equal(t, int64(2), mod.Iterations())
}

// TestNoStartCondition fails setup when the guest never signals a start
func TestNoStartCondition(t *testing.T) {
	prog := &scripted{
		boot:    func(g *machine.Guest) { g.Exec(0x40, []byte{0x90}) },
		harness: func(g *machine.Guest) { g.Halt() },
	}
	m := machine.New(prog, machine.WithLogger(quietLogger()))
	t.Cleanup(m.Close)
	mod := module.New(m, quietLogger())
	t.Cleanup(mod.Close)

	_, err := mod.Setup(context.Background(), protocol.InputConfig{StartOnHarness: true})
	assert.ErrorIs(t, err, module.ErrNoStart)
}

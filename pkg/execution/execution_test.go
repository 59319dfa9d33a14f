/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: execution_test.go
Description: Tests for the harness and the simulator executor against in-process hosts.
*/

//go:build linux

package execution_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kleascm/simfuzz/pkg/controller"
	"github.com/kleascm/simfuzz/pkg/execution"
	"github.com/kleascm/simfuzz/pkg/faults"
	"github.com/kleascm/simfuzz/pkg/interfaces"
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

func fuzzerConfig() *interfaces.FuzzerConfig {
	return &interfaces.FuzzerConfig{
		Arch:            "x86-64",
		Program:         "x86-parser",
		Faults:          []string{"page", "gp"},
		Timeout:         2 * time.Second,
		ExecutorTimeout: 10 * time.Second,
		BitmapSize:      4096,
		StartOnHarness:  true,
		StopOnHarness:   true,
		StartIndex:      -1,
		Seed:            5,
	}
}

// inProcess serves a registered target in a goroutine and attaches a session to it
func inProcess(t *testing.T, cfg *interfaces.FuzzerConfig) execution.Launcher {
	t.Helper()
	input, err := execution.InputConfig(cfg)
	require.NoError(t, err)

	var mu sync.Mutex
	var cleanups []func()
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, fn := range cleanups {
			fn()
		}
	})

	return func(ctx context.Context) (*controller.Session, error) {
		prog, err := targets.Lookup(cfg.Program)
		if err != nil {
			return nil, err
		}
		m := machine.New(prog, machine.WithLogger(quietLogger()))
		mod := module.New(m, quietLogger())
		clientConn, serverConn, err := protocol.Pipe()
		if err != nil {
			return nil, err
		}
		serveCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			mod.Serve(serveCtx, protocol.NewEndpoint(protocol.Server, serverConn, quietLogger()))
		}()

		mu.Lock()
		cleanups = append(cleanups, func() {
			cancel()
			serverConn.Close()
			<-done
			m.Close()
		})
		mu.Unlock()

		return controller.Attach(ctx, clientConn, input, quietLogger(),
			controller.WithKillHook(func() {
				cancel()
				serverConn.Close()
			}))
	}
}

// TestTranslate checks the ternary outcome mapping
func TestTranslate(t *testing.T) {
	assert.Equal(t, execution.OutcomeCrash, execution.Translate(interfaces.Crash(faults.PageFault, 0)))
	assert.Equal(t, execution.OutcomeCrash, execution.Translate(interfaces.BreakpointHit(2)))
	assert.Equal(t, execution.OutcomeCrash, execution.Translate(interfaces.Solution(1, "assertion failed")))
	assert.Equal(t, execution.OutcomeTimeout, execution.Translate(interfaces.Timeout()))
	assert.Equal(t, execution.OutcomeNormal, execution.Translate(interfaces.NormalExit()))
	assert.Equal(t, execution.OutcomeNormal, execution.Translate(interfaces.ManualStop()))
	assert.Equal(t, "timeout", execution.OutcomeTimeout.String())
}

// TestInputConfig checks the translation of fuzzer settings for the host
func TestInputConfig(t *testing.T) {
	cfg := fuzzerConfig()
	in, err := execution.InputConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, []int64{int64(faults.PageFault), int64(faults.GeneralProtection)}, in.Faults)
	assert.Equal(t, 2.0, in.TimeoutSeconds)
	assert.Nil(t, in.StartIndex)
	assert.Equal(t, uint64(5), in.Seed)

	cfg.StartIndex = 0
	cfg.Faults = nil
	in, err = execution.InputConfig(cfg)
	require.NoError(t, err)
	require.NotNil(t, in.StartIndex)
	assert.Equal(t, int64(0), *in.StartIndex)
	assert.Len(t, in.Faults, len(execution.DefaultFaults))
	assert.Contains(t, in.Faults, int64(faults.Triple))

	cfg.Arch = "riscv64"
	in, err = execution.InputConfig(cfg)
	require.NoError(t, err)
	assert.Contains(t, in.Faults, int64(faults.RVLoadPage))

	cfg.Faults = []string{"no_such_fault"}
	_, err = execution.InputConfig(cfg)
	assert.Error(t, err)

	cfg.Arch = "sparc"
	_, err = execution.InputConfig(cfg)
	assert.Error(t, err)
}

// TestHarnessOutcomes runs the three outcomes through a harness
func TestHarnessOutcomes(t *testing.T) {
	cfg := fuzzerConfig()
	s, err := inProcess(t, cfg)(context.Background())
	require.NoError(t, err)
	defer s.Close()

	h, err := execution.NewHarness(s, cfg.ExecutorTimeout, true)
	require.NoError(t, err)
	assert.Nil(t, h.CmpLog())
	ctx := context.Background()

	outcome, reason, err := h.Execute(ctx, []byte("plain text input"))
	require.NoError(t, err)
	assert.Equal(t, execution.OutcomeNormal, outcome)
	assert.Equal(t, interfaces.NormalExit(), reason)
	normal := h.Observer().Snapshot()
	assert.Greater(t, normal.EdgeCount, 0)

	outcome, reason, err = h.Execute(ctx, bytes.Repeat([]byte{'A'}, 8))
	require.NoError(t, err)
	assert.Equal(t, execution.OutcomeTimeout, outcome)
	assert.Equal(t, interfaces.StopTimeout, reason.Kind)

	outcome, reason, err = h.Execute(ctx, targets.CrashInput(0x4_0000_0000))
	require.NoError(t, err)
	assert.Equal(t, execution.OutcomeCrash, outcome)
	assert.Equal(t, "page", h.Describe(reason))

	outcome, _, err = h.Execute(ctx, []byte("plain text input"))
	require.NoError(t, err)
	assert.Equal(t, execution.OutcomeNormal, outcome)
	assert.Equal(t, normal.Hash, h.Observer().Snapshot().Hash, "same input should give the same coverage")
}

// TestHarnessExposesCmpLog checks the comparison log view on the RISC-V target
func TestHarnessExposesCmpLog(t *testing.T) {
	cfg := fuzzerConfig()
	cfg.Arch = "riscv64"
	cfg.Program = "riscv-parser"
	cfg.Faults = []string{"load_page_fault"}
	cfg.CmpLog = true
	s, err := inProcess(t, cfg)(context.Background())
	require.NoError(t, err)
	defer s.Close()

	h, err := execution.NewHarness(s, cfg.ExecutorTimeout, true)
	require.NoError(t, err)
	require.NotNil(t, h.CmpLog())

	_, _, err = h.Execute(context.Background(), []byte("some input bytes"))
	require.NoError(t, err)
	assert.NotEmpty(t, h.CmpLog().Entries())
}

// TestExecutorResults checks result statuses and the attached feedback
func TestExecutorResults(t *testing.T) {
	cfg := fuzzerConfig()
	e := execution.NewSimulatorExecutor(context.Background(), inProcess(t, cfg), quietLogger())
	require.NoError(t, e.Initialize(cfg))
	defer e.Cleanup()

	res, err := e.Execute(&interfaces.TestCase{ID: "crash", Data: targets.CrashInput(0x4_0000_0000)})
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusCrash, res.Status)
	require.NotNil(t, res.CrashInfo)
	assert.Equal(t, "page", res.CrashInfo.Type)
	assert.Equal(t, int64(faults.PageFault), res.CrashInfo.Fault)
	require.NotNil(t, res.StopReason)
	require.NotNil(t, res.Coverage)

	res, err = e.Execute(&interfaces.TestCase{ID: "hang", Data: []byte("AAAA")})
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusTimeout, res.Status)
	assert.Equal(t, "hang", res.TestCaseID)
	assert.Zero(t, e.Restarts())
}

// TestExecutorRestartsStuckHost checks that a stuck host is replaced and reported as a hang
func TestExecutorRestartsStuckHost(t *testing.T) {
	cfg := fuzzerConfig()
	cfg.ExecutorTimeout = 100 * time.Millisecond
	good := inProcess(t, cfg)
	input, err := execution.InputConfig(cfg)
	require.NoError(t, err)

	launches := 0
	launch := func(ctx context.Context) (*controller.Session, error) {
		launches++
		if launches > 1 {
			return good(ctx)
		}
		return stuckHost(t, input)
	}

	e := execution.NewSimulatorExecutor(context.Background(), launch, quietLogger())
	require.NoError(t, e.Initialize(cfg))
	defer e.Cleanup()

	res, err := e.Execute(&interfaces.TestCase{ID: "first", Data: []byte("input")})
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusHang, res.Status)
	require.NotNil(t, res.HangInfo)
	assert.Equal(t, int64(1), e.Restarts())
	assert.Equal(t, 2, launches)

	cfg.ExecutorTimeout = 10 * time.Second
	require.NoError(t, e.Reset())
	assert.Equal(t, 3, launches)
	res, err = e.Execute(&interfaces.TestCase{ID: "second", Data: []byte("plain input")})
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusSuccess, res.Status)
}

// stuckHost answers initialization and the first reset, then never answers a run
func stuckHost(t *testing.T, input protocol.InputConfig) (*controller.Session, error) {
	ch, err := shm.Create("stuck-host", 4096)
	require.NoError(t, err)
	clientConn, serverConn, err := protocol.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() {
		serverConn.Close()
		ch.Close()
	})

	go func() {
		ep := protocol.NewEndpoint(protocol.Server, serverConn, quietLogger())
		if _, err := ep.Expect(protocol.MsgInitialize); err != nil {
			return
		}
		if err := ep.Send(protocol.Initialized(protocol.OutputConfig{Coverage: ch.Descriptor()})); err != nil {
			return
		}
		for {
			msg, err := ep.Recv()
			if err != nil || msg.Kind != protocol.MsgReset {
				return
			}
			if err := ep.Send(protocol.Ready()); err != nil {
				return
			}
		}
	}()
	return controller.Attach(context.Background(), clientConn, input, quietLogger())
}

// TestExecutorIterationLimit checks that the limit surfaces as an error
func TestExecutorIterationLimit(t *testing.T) {
	cfg := fuzzerConfig()
	cfg.Iterations = 1
	e := execution.NewSimulatorExecutor(context.Background(), inProcess(t, cfg), quietLogger())
	require.NoError(t, e.Initialize(cfg))
	defer e.Cleanup()

	_, err := e.Execute(&interfaces.TestCase{ID: "one", Data: []byte("plain input")})
	require.NoError(t, err)
	_, err = e.Execute(&interfaces.TestCase{ID: "two", Data: []byte("plain input")})
	assert.ErrorIs(t, err, controller.ErrIterationLimit)
}

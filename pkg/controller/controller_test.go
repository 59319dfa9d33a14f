/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: controller_test.go
Description: Tests for the protocol controller and sessions, run against the in-process
module on the built-in machine and against scripted hosts that misbehave.
*/

//go:build linux

package controller_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kleascm/simfuzz/pkg/controller"
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

const wallClock = 10 * time.Second

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func hostConfig() protocol.InputConfig {
	return protocol.InputConfig{
		Faults:          []int64{int64(faults.PageFault)},
		TimeoutSeconds:  2.0,
		StartOnHarness:  true,
		StopOnHarness:   true,
		CoverageMapSize: 4096,
		Seed:            3,
	}
}

// attachModule serves the x86 parser in-process and attaches a session to it
func attachModule(t *testing.T, cfg protocol.InputConfig) *controller.Session {
	t.Helper()
	m := machine.New(targets.NewX86Parser(), machine.WithLogger(quietLogger()))
	mod := module.New(m, quietLogger())
	clientConn, serverConn, err := protocol.Pipe()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- mod.Serve(ctx, protocol.NewEndpoint(protocol.Server, serverConn, quietLogger()))
	}()

	s, err := controller.Attach(context.Background(), clientConn, cfg, quietLogger(),
		controller.WithKillHook(func() {
			cancel()
			serverConn.Close()
		}))
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		select {
		case <-done:
		case <-time.After(wallClock):
			t.Error("module did not exit")
		}
		cancel()
		serverConn.Close()
		m.Close()
	})
	return s
}

// scriptedHost answers Initialize with out and then runs script on the server endpoint
func scriptedHost(t *testing.T, out func() protocol.OutputConfig, script func(ep *protocol.Endpoint) error) (*protocol.Conn, chan error) {
	t.Helper()
	clientConn, serverConn, err := protocol.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { serverConn.Close() })

	done := make(chan error, 1)
	go func() {
		ep := protocol.NewEndpoint(protocol.Server, serverConn, quietLogger())
		if _, err := ep.Expect(protocol.MsgInitialize); err != nil {
			done <- err
			return
		}
		if err := ep.Send(protocol.Initialized(out())); err != nil {
			done <- err
			return
		}
		done <- script(ep)
	}()
	return clientConn, done
}

func coverageRegion(t *testing.T) *shm.Channel {
	t.Helper()
	ch, err := shm.Create("controller-test", 4096)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

// TestSessionRunsInputs drives a hang and a crash through one session
func TestSessionRunsInputs(t *testing.T) {
	s := attachModule(t, hostConfig())
	ctx := context.Background()
	ctrl := s.Controller()

	assert.Equal(t, protocol.StateInitialized, ctrl.State())
	assert.Equal(t, uint64(targets.MaxInputSize), s.Output().BufferSize)
	assert.Nil(t, s.CmpLog())

	require.NoError(t, s.ResetTimeout(ctx, wallClock))
	assert.Equal(t, protocol.StateReady, ctrl.State())
	reason, err := s.RunTimeout(ctx, bytes.Repeat([]byte{'A'}, 16), wallClock)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Timeout(), reason)
	assert.Equal(t, protocol.StateStopped, ctrl.State())

	hits := 0
	for _, b := range s.Coverage().ReadAll() {
		if b != 0 {
			hits++
		}
	}
	assert.Greater(t, hits, 0)

	require.NoError(t, s.ResetTimeout(ctx, wallClock))
	reason, err = s.RunTimeout(ctx, targets.CrashInput(0xbad_0000_0000), wallClock)
	require.NoError(t, err)
	assert.Equal(t, interfaces.Crash(faults.PageFault, 0), reason)
	assert.Equal(t, int64(2), ctrl.Runs())
}

// TestRunBeforeResetRejectedLocally checks that an illegal message never reaches the host
func TestRunBeforeResetRejectedLocally(t *testing.T) {
	s := attachModule(t, hostConfig())

	_, err := s.RunTimeout(context.Background(), []byte("FUZZ"), wallClock)
	require.Error(t, err)
	assert.ErrorIs(t, err, protocol.ErrProtocol)
	assert.Equal(t, protocol.StateInitialized, s.Controller().State())
	assert.True(t, s.Alive())

	require.NoError(t, s.ResetTimeout(context.Background(), wallClock))
}

// TestIterationLimitStopsResets checks that Reset fails without a round trip after the limit
func TestIterationLimitStopsResets(t *testing.T) {
	cfg := hostConfig()
	cfg.Iterations = 1
	s := attachModule(t, cfg)
	ctx := context.Background()

	require.NoError(t, s.ResetTimeout(ctx, wallClock))
	_, err := s.RunTimeout(ctx, []byte("FUZZ-short"), wallClock)
	require.NoError(t, err)

	assert.True(t, s.Controller().LimitReached())
	err = s.ResetTimeout(ctx, wallClock)
	assert.ErrorIs(t, err, controller.ErrIterationLimit)
	assert.Equal(t, protocol.StateStopped, s.Controller().State())
}

// TestStuckHostIsKilled checks the wall-clock guard on a host that never answers Run
func TestStuckHostIsKilled(t *testing.T) {
	ch := coverageRegion(t)
	conn, hostDone := scriptedHost(t,
		func() protocol.OutputConfig { return protocol.OutputConfig{Coverage: ch.Descriptor()} },
		func(ep *protocol.Endpoint) error {
			if _, err := ep.Expect(protocol.MsgReset); err != nil {
				return err
			}
			if err := ep.Send(protocol.Ready()); err != nil {
				return err
			}
			if _, err := ep.Expect(protocol.MsgRun); err != nil {
				return err
			}
			_, err := ep.Recv()
			return err
		})

	killed := false
	s, err := controller.Attach(context.Background(), conn, hostConfig(), quietLogger(),
		controller.WithKillHook(func() { killed = true }))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.ResetTimeout(context.Background(), wallClock))
	_, err = s.RunTimeout(context.Background(), []byte("input"), 50*time.Millisecond)
	assert.ErrorIs(t, err, controller.ErrStuckExecutor)
	assert.True(t, killed)
	assert.False(t, s.Alive())

	select {
	case err := <-hostDone:
		assert.Error(t, err, "host should see the session closed")
	case <-time.After(wallClock):
		t.Fatal("host still blocked after kill")
	}

	_, err = s.RunTimeout(context.Background(), []byte("input"), wallClock)
	assert.ErrorIs(t, err, protocol.ErrChannelClosed)
}

// TestCancelledContextKillsSession checks that the caller's context also bounds a run
func TestCancelledContextKillsSession(t *testing.T) {
	ch := coverageRegion(t)
	conn, _ := scriptedHost(t,
		func() protocol.OutputConfig { return protocol.OutputConfig{Coverage: ch.Descriptor()} },
		func(ep *protocol.Endpoint) error {
			_, err := ep.Recv()
			return err
		})

	s, err := controller.Attach(context.Background(), conn, hostConfig(), quietLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.ResetTimeout(ctx, 0)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.False(t, s.Alive())
}

// TestUnmappableCoverageIsResourceError checks that a bad region fails Attach
func TestUnmappableCoverageIsResourceError(t *testing.T) {
	ch := coverageRegion(t)
	conn, hostDone := scriptedHost(t,
		func() protocol.OutputConfig {
			d := ch.Descriptor()
			d.Size = 0
			return protocol.OutputConfig{Coverage: d}
		},
		func(ep *protocol.Endpoint) error {
			_, err := ep.Expect(protocol.MsgExit)
			return err
		})

	_, err := controller.Attach(context.Background(), conn, hostConfig(), quietLogger())
	assert.ErrorIs(t, err, controller.ErrResource)

	select {
	case err := <-hostDone:
		assert.NoError(t, err, "host should receive exit")
	case <-time.After(wallClock):
		t.Fatal("host never received exit")
	}
}

// TestStartRejectsMissingHost checks the launch precondition
func TestStartRejectsMissingHost(t *testing.T) {
	_, err := controller.Start(context.Background(), controller.Config{}, hostConfig(), quietLogger())
	assert.Error(t, err)

	_, err = controller.Start(context.Background(), controller.Config{
		HostPath:     "/nonexistent/simfuzz-host",
		StartTimeout: time.Second,
	}, hostConfig(), quietLogger())
	assert.Error(t, err)
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: executor.go
Description: Simulator executor. Adapts a host session to the engine's Executor interface,
translating stop reasons into execution results and restarting the host whenever it gets
stuck or breaks the protocol.
*/

package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kleascm/simfuzz/pkg/controller"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// SimulatorExecutor implements the Executor interface on top of a host session
type SimulatorExecutor struct {
	config *interfaces.FuzzerConfig
	launch Launcher
	logger *logrus.Logger
	ctx    context.Context

	mu       sync.Mutex
	harness  *Harness
	restarts int64
}

// NewSimulatorExecutor creates an executor that starts sessions with launch
func NewSimulatorExecutor(ctx context.Context, launch Launcher, logger *logrus.Logger) *SimulatorExecutor {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &SimulatorExecutor{
		launch: launch,
		logger: logger,
		ctx:    ctx,
	}
}

// Initialize starts the first session
func (e *SimulatorExecutor) Initialize(config *interfaces.FuzzerConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.config = config
	return e.start()
}

func (e *SimulatorExecutor) start() error {
	s, err := e.launch(e.ctx)
	if err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	h, err := NewHarness(s, e.config.ExecutorTimeout, true)
	if err != nil {
		s.Close()
		return err
	}
	e.harness = h
	return nil
}

// restart replaces the current session with a fresh one
func (e *SimulatorExecutor) restart(cause error) error {
	e.restarts++
	e.logger.WithFields(logrus.Fields{
		"restarts": e.restarts,
		"cause":    cause.Error(),
	}).Warn("Restarting simulation host")
	if e.harness != nil {
		e.harness.Session().Close()
		e.harness = nil
	}
	return e.start()
}

// Execute runs a test case and returns the execution result
func (e *SimulatorExecutor) Execute(testCase *interfaces.TestCase) (*interfaces.ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config == nil {
		return nil, errors.New("executor not initialized")
	}
	if e.harness == nil {
		if err := e.start(); err != nil {
			return nil, err
		}
	}

	result := &interfaces.ExecutionResult{
		TestCaseID: testCase.ID,
		Status:     interfaces.StatusSuccess,
	}
	startTime := time.Now()
	outcome, reason, err := e.harness.Execute(e.ctx, testCase.Data)
	result.Duration = time.Since(startTime)

	switch {
	case err == nil:
	case errors.Is(err, controller.ErrIterationLimit):
		return nil, err
	case errors.Is(err, controller.ErrStuckExecutor):
		result.Status = interfaces.StatusHang
		result.HangInfo = &interfaces.HangInfo{Duration: result.Duration, Reason: err.Error()}
		if rerr := e.restart(err); rerr != nil {
			return result, rerr
		}
		return result, nil
	case errors.Is(err, protocol.ErrProtocol), errors.Is(err, protocol.ErrChannelClosed):
		result.Status = interfaces.StatusError
		if rerr := e.restart(err); rerr != nil {
			return result, rerr
		}
		return result, fmt.Errorf("run of %s failed: %w", testCase.ID, err)
	default:
		result.Status = interfaces.StatusError
		return result, err
	}

	result.StopReason = &reason
	result.Coverage = e.harness.Observer().Snapshot()
	if view := e.harness.CmpLog(); view != nil {
		result.Comparisons = view.Entries()
	}

	switch outcome {
	case OutcomeCrash:
		result.Status = interfaces.StatusCrash
		result.CrashInfo = &interfaces.CrashInfo{
			Type:      e.harness.Describe(reason),
			Fault:     int64(reason.Fault),
			Processor: reason.Processor,
		}
	case OutcomeTimeout:
		result.Status = interfaces.StatusTimeout
	}
	return result, nil
}

// Harness returns the current harness, or nil between sessions
func (e *SimulatorExecutor) Harness() *Harness {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.harness
}

// Restarts returns how many times the host was restarted
func (e *SimulatorExecutor) Restarts() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.restarts
}

// Cleanup closes the session
func (e *SimulatorExecutor) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.harness == nil {
		return nil
	}
	err := e.harness.Session().Close()
	e.harness = nil
	return err
}

// Reset replaces the session with a fresh host
func (e *SimulatorExecutor) Reset() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.config == nil {
		return errors.New("executor not initialized")
	}
	return e.restart(errors.New("reset requested"))
}

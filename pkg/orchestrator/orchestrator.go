/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: orchestrator.go
Description: Multi-session orchestration for simfuzz. Starts one simulation host per worker
in parallel, wires the engine with the coverage analyzer and reporters, and runs it until the
context ends, the engine finishes, or the solution limit is reached. Sessions share nothing.
*/

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kleascm/simfuzz/pkg/analysis"
	"github.com/kleascm/simfuzz/pkg/core"
	"github.com/kleascm/simfuzz/pkg/execution"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ExecutorFactory creates the executor of one worker. Initialize is called by the orchestrator.
type ExecutorFactory func(ctx context.Context, worker int) (interfaces.Executor, error)

// SimulatorFactory starts host processes as configured
func SimulatorFactory(config *interfaces.FuzzerConfig, logger *logrus.Logger) (ExecutorFactory, error) {
	launch, err := execution.HostLauncher(config, logger)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context, worker int) (interfaces.Executor, error) {
		return execution.NewSimulatorExecutor(ctx, launch, logger), nil
	}, nil
}

// Orchestrator runs a fuzzing campaign over several independent sessions
type Orchestrator struct {
	config    *interfaces.FuzzerConfig
	factory   ExecutorFactory
	logger    *logrus.Logger
	reporters []core.Reporter

	mu     sync.Mutex
	engine *core.Engine
}

// New creates an orchestrator
func New(config *interfaces.FuzzerConfig, factory ExecutorFactory, logger *logrus.Logger) *Orchestrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Orchestrator{config: config, factory: factory, logger: logger}
}

// AddReporter registers a reporter with the engine built by Run
func (o *Orchestrator) AddReporter(r core.Reporter) {
	o.reporters = append(o.reporters, r)
}

// Launch creates and initializes one executor per worker in parallel. If any fails, the
// others are cleaned up.
func (o *Orchestrator) Launch(ctx context.Context) ([]interfaces.Executor, error) {
	n := o.config.Workers
	if n <= 0 {
		n = 1
	}
	executors := make([]interfaces.Executor, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			exec, err := o.factory(gctx, i)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			if err := exec.Initialize(o.config); err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			executors[i] = exec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, exec := range executors {
			if exec != nil {
				exec.Cleanup()
			}
		}
		return nil, err
	}
	o.logger.WithField("sessions", n).Info("Simulation sessions started")
	return executors, nil
}

// Run launches the sessions and fuzzes until ctx ends or the engine finishes
func (o *Orchestrator) Run(ctx context.Context) (*core.FuzzerStats, error) {
	analyzer := analysis.NewCoverageAnalyzer()
	if len(o.config.CrashPatterns) > 0 {
		matcher, err := analysis.NewRegexCrashMatcher(o.config.CrashPatterns)
		if err != nil {
			return nil, err
		}
		analyzer.SetCrashMatcher(matcher)
	}

	executors, err := o.Launch(ctx)
	if err != nil {
		return nil, err
	}

	engine := core.NewEngine(o.logger)
	engine.SetExecutors(executors)
	engine.SetAnalyzer(analyzer)
	engine.AddReporter(core.NewLoggerReporter(o.logger))
	for _, r := range o.reporters {
		engine.AddReporter(r)
	}
	o.mu.Lock()
	o.engine = engine
	o.mu.Unlock()

	if err := engine.Initialize(o.config); err != nil {
		return nil, errors.Join(err, engine.Stop())
	}
	if err := engine.Start(); err != nil {
		return nil, errors.Join(err, engine.Stop())
	}

	var tick <-chan time.Time
	if o.config.HeartbeatInterval > 0 {
		ticker := time.NewTicker(o.config.HeartbeatInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for done := false; !done; {
		select {
		case <-ctx.Done():
			o.logger.Info("Stopping campaign")
			done = true
		case <-engine.Done():
			done = true
		case <-tick:
			o.heartbeat(engine.GetStats())
		}
	}

	err = engine.Stop()
	stats := engine.GetStats()
	o.heartbeat(stats)
	return stats, err
}

// Stats returns the statistics of the running engine. Before Run they are all zero.
func (o *Orchestrator) Stats() *core.FuzzerStats {
	o.mu.Lock()
	engine := o.engine
	o.mu.Unlock()
	if engine == nil {
		return &core.FuzzerStats{}
	}
	return engine.GetStats()
}

// heartbeat logs a status line and refreshes the status file
func (o *Orchestrator) heartbeat(s *core.FuzzerStats) {
	if o.config.OutputDir != "" {
		if _, err := utils.WriteStatsFile(o.config.OutputDir, s); err != nil {
			o.logger.WithError(err).Warn("Failed to write stats file")
		}
	}
	o.logger.WithFields(logrus.Fields{
		"execs":     s.Executions,
		"execs_sec": fmt.Sprintf("%.1f", s.ExecutionsPerSecond),
		"corpus":    s.CorpusSize,
		"edges":     s.CoverageEdges,
		"solutions": s.UniqueCrashes,
		"timeouts":  s.Timeouts,
		"hangs":     s.Hangs,
		"errors":    s.Errors,
		"elapsed":   time.Since(s.StartTime).Round(time.Second),
	}).Info("Heartbeat")
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: engine.go
Description: Main fuzzer engine. Runs one worker per executor, feeds them seeds and mutants
through the scheduler, keeps inputs the analyzer finds interesting, and saves unique
solutions with a YAML description next to them.
*/

package core

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kleascm/simfuzz/pkg/analysis"
	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/controller"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/strategies"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// mutantBatch is how many mutants a worker queues per parent
const mutantBatch = 8

// MutatorFactory builds the mutator of one worker
type MutatorFactory func(worker int, donor strategies.Donor) (interfaces.Mutator, error)

// SolutionRecord is the YAML description saved next to a solution input
type SolutionRecord struct {
	ID          string    `yaml:"id"`
	ParentID    string    `yaml:"parent,omitempty"`
	Generation  int       `yaml:"generation"`
	Size        int       `yaml:"size"`
	Reason      string    `yaml:"reason"`
	Type        string    `yaml:"type"`
	Fault       int64     `yaml:"fault,omitempty"`
	Processor   int       `yaml:"processor"`
	Hash        string    `yaml:"hash"`
	Severity    string    `yaml:"severity"`
	Interesting bool      `yaml:"interesting,omitempty"`
	Mutator     string    `yaml:"mutator,omitempty"`
	FoundAt     time.Time `yaml:"found_at"`
}

// Engine implements the FuzzerEngine interface
type Engine struct {
	config *interfaces.FuzzerConfig
	stats  *FuzzerStats
	logger *logrus.Logger

	executors  []interfaces.Executor
	analyzer   interfaces.Analyzer
	newMutator MutatorFactory

	corpus    *Corpus
	scheduler Scheduler
	workers   []*Worker
	reporters []Reporter

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	done    chan struct{}
	running bool
	stopped bool
	mu      sync.RWMutex

	solutionsMu sync.Mutex
	solutions   map[string]string
	fallback    int64
}

// NewEngine creates a new fuzzer engine instance
func NewEngine(logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		stats:     &FuzzerStats{StartTime: time.Now()},
		logger:    logger,
		solutions: make(map[string]string),
		done:      make(chan struct{}),
	}
}

// SetExecutors hands initialized executors to the engine, one per worker. The engine cleans
// them up on Stop.
func (e *Engine) SetExecutors(executors []interfaces.Executor) {
	e.executors = executors
}

// SetAnalyzer sets the analyzer for the engine
func (e *Engine) SetAnalyzer(analyzer interfaces.Analyzer) {
	e.analyzer = analyzer
}

// SetMutatorFactory overrides how worker mutators are built
func (e *Engine) SetMutatorFactory(factory MutatorFactory) {
	e.newMutator = factory
}

// AddReporter registers a Reporter for telemetry and live reporting.
func (e *Engine) AddReporter(reporter Reporter) {
	e.reporters = append(e.reporters, reporter)
}

// Initialize prepares workers, mutators and the seed queue
func (e *Engine) Initialize(config *interfaces.FuzzerConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.executors) == 0 {
		return fmt.Errorf("executors not set - use SetExecutors() before Initialize()")
	}
	if e.analyzer == nil {
		return fmt.Errorf("analyzer not set - use SetAnalyzer() before Initialize()")
	}

	e.config = config
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.scheduler = NewScheduler(config.SchedulerType)
	e.corpus = NewCorpus(config.MaxCorpusSize, config.Seed)

	if e.newMutator == nil {
		tokens, err := strategies.LoadTokens(config.TokenFiles)
		if err != nil {
			return err
		}
		e.newMutator = func(worker int, donor strategies.Donor) (interfaces.Mutator, error) {
			return strategies.Build(config, strategies.Options{
				Seed:   config.Seed + int64(worker) + 1,
				Tokens: tokens,
				Donor:  donor,
			})
		}
	}

	e.workers = make([]*Worker, len(e.executors))
	for i, exec := range e.executors {
		mutator, err := e.newMutator(i, e.corpus.Random)
		if err != nil {
			return fmt.Errorf("failed to build mutator: %w", err)
		}
		e.workers[i] = NewWorker(i, exec, mutator, e.logger)
	}

	if err := e.initializeCorpus(); err != nil {
		return fmt.Errorf("failed to initialize corpus: %w", err)
	}

	e.logger.WithFields(logrus.Fields{
		"workers":   len(e.workers),
		"seeds":     e.scheduler.Size(),
		"scheduler": config.SchedulerType,
		"strategy":  config.Strategy,
	}).Info("Fuzzer engine initialized")
	return nil
}

// initializeCorpus queues seed files and random seeds
func (e *Engine) initializeCorpus() error {
	var seeds []*TestCase
	if e.config.CorpusDir != "" {
		loaded, err := LoadDir(e.config.CorpusDir)
		if err != nil {
			return err
		}
		seeds = append(seeds, loaded...)
	}
	seeds = append(seeds, RandomSeeds(e.config.InitialRandom, e.config.Seed)...)
	if len(seeds) == 0 {
		return errors.New("no seeds: set a corpus directory or an initial random count")
	}
	// seeds run before any mutant
	for _, s := range seeds {
		s.Priority = 1 << 20
		e.scheduler.Push(s)
	}
	return nil
}

// Start launches all workers
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("fuzzer is already running")
	}
	if e.ctx == nil {
		return fmt.Errorf("fuzzer is not initialized")
	}
	e.running = true
	e.stats.StartTime = time.Now()

	for _, w := range e.workers {
		e.wg.Add(1)
		go func(w *Worker) {
			defer e.wg.Done()
			e.runWorker(w)
		}(w)
	}
	go func() {
		e.wg.Wait()
		close(e.done)
	}()

	e.logger.Info("Fuzzer engine started")
	return nil
}

// Stop signals all workers, waits for them and cleans up the executors
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	running := e.running
	e.running = false
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	if running {
		<-e.done
	}

	var errs []error
	for _, exec := range e.executors {
		if err := exec.Cleanup(); err != nil {
			errs = append(errs, err)
		}
	}
	e.logger.WithFields(logrus.Fields{
		"executions": atomic.LoadInt64(&e.stats.Executions),
		"solutions":  atomic.LoadInt64(&e.stats.UniqueCrashes),
	}).Info("Fuzzer engine stopped")
	return errors.Join(errs...)
}

// Done is closed once every worker has returned
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// runWorker is the main worker loop
func (e *Engine) runWorker(w *Worker) {
	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		tc := e.scheduler.Next()
		if tc == nil {
			e.queueMutants(w)
			continue
		}

		result, err := w.Execute(tc)
		if err != nil {
			if errors.Is(err, controller.ErrIterationLimit) {
				w.markExhausted()
				// put the candidate back for the remaining workers
				e.scheduler.Push(tc)
				w.logger.Info("Iteration limit reached")
				return
			}
			e.stats.IncrementErrors()
			w.logger.WithError(err).Warn("Execution failed")
			if result == nil {
				continue
			}
		}
		e.processResult(w, tc, result)
	}
}

// queueMutants derives a batch of candidates from a corpus parent
func (e *Engine) queueMutants(w *Worker) {
	parent := e.corpus.Select()
	if parent == nil {
		n := atomic.AddInt64(&e.fallback, 1)
		e.scheduler.Push(RandomSeeds(1, e.config.Seed+n)[0])
		return
	}
	edges := 0
	if parent.Coverage != nil {
		edges = parent.Coverage.EdgeCount
	}
	for i := 0; i < mutantBatch; i++ {
		child, err := w.Mutate(parent)
		if err != nil {
			w.logger.WithError(err).Debug("Mutation failed")
			continue
		}
		if child.Metadata == nil {
			child.Metadata = make(map[string]interface{})
		}
		child.Metadata[parentEdgesKey] = edges
		child.Priority = e.calculatePriority(child)
		e.scheduler.Push(child)
	}
}

// calculatePriority determines the priority of a test case for scheduling
func (e *Engine) calculatePriority(tc *TestCase) int {
	priority := 100
	if tc.Generation == 0 {
		priority += 50
	}
	if tc.Coverage != nil {
		priority += tc.Coverage.EdgeCount * 2
	} else if v, ok := tc.Metadata[parentEdgesKey].(int); ok {
		priority += v
	}
	return priority - tc.Generation
}

// processResult updates statistics, grows the corpus and records solutions
func (e *Engine) processResult(w *Worker, tc *TestCase, result *ExecutionResult) {
	e.stats.IncrementExecutions()
	switch result.Status {
	case interfaces.StatusCrash:
		e.stats.IncrementCrashes()
	case interfaces.StatusHang:
		e.stats.IncrementHangs()
	case interfaces.StatusTimeout:
		e.stats.IncrementTimeouts()
	case interfaces.StatusError:
		e.stats.IncrementErrors()
	}
	for _, r := range e.reporters {
		r.OnTestCaseExecuted(result)
	}
	if result.Coverage == nil {
		return
	}

	if err := e.analyzer.Analyze(result); err != nil {
		w.logger.WithError(err).Warn("Failed to analyze result")
		return
	}
	if c, ok := e.analyzer.(interface{ CoveredEdges() int }); ok {
		atomic.StoreInt64(&e.stats.CoverageEdges, int64(c.CoveredEdges()))
	}

	if result.StopReason != nil && result.StopReason.IsSolution() {
		e.analyzer.IsInteresting(tc)
		e.handleSolution(w, tc, result)
		return
	}
	if hang, _ := e.analyzer.DetectHang(result); hang != nil {
		return
	}
	if !e.analyzer.IsInteresting(tc) && tc.Generation != 0 {
		return
	}

	cov := *result.Coverage
	cov.Bitmap = nil
	tc.Coverage = &cov
	tc.Comparisons = result.Comparisons
	tc.Priority = e.calculatePriority(tc)
	if err := e.corpus.Add(tc); err != nil {
		w.logger.WithError(err).Warn("Failed to add test case")
		return
	}
	atomic.StoreInt64(&e.stats.CorpusSize, int64(e.corpus.Size()))
	e.stats.MarkNewPath()

	if e.config.OutputDir != "" {
		if _, err := Persist(filepath.Join(e.config.OutputDir, "queue"), tc); err != nil {
			w.logger.WithError(err).Warn("Failed to persist corpus entry")
		}
	}
	for _, r := range e.reporters {
		r.OnTestCaseAdded(tc)
	}
}

// handleSolution saves a solution the first time its hash is seen
func (e *Engine) handleSolution(w *Worker, tc *TestCase, result *ExecutionResult) {
	info, err := e.analyzer.DetectCrash(result)
	if err != nil || info == nil {
		w.logger.WithError(err).Warn("Failed to describe solution")
		return
	}

	e.solutionsMu.Lock()
	if _, seen := e.solutions[info.Hash]; seen {
		e.solutionsMu.Unlock()
		return
	}
	e.solutions[info.Hash] = tc.ID
	unique := len(e.solutions)
	e.solutionsMu.Unlock()

	if info.Metadata == nil {
		info.Metadata = make(map[string]interface{})
	}
	info.Metadata["severity"] = analysis.Triage(e.architecture(), *result.StopReason).String()

	e.stats.MarkCrash()
	if e.config.SolutionsDir != "" {
		if err := e.saveSolution(tc, result, info); err != nil {
			w.logger.WithError(err).Error("Failed to save solution")
		}
	}
	for _, r := range e.reporters {
		r.OnSolution(tc, result)
	}

	if e.config.ReproduceAttempts > 0 {
		h := analysis.NewReproducibilityHarness(&analysis.ReproducibilityConfig{
			MaxReproductionAttempts: e.config.ReproduceAttempts,
			Minimize:                e.config.Minimize,
			OutputDirectory:         e.config.SolutionsDir,
		}, w.Executor(), w.logger)
		if _, err := h.Reproduce(tc, *result.StopReason); err != nil {
			w.logger.WithError(err).Warn("Failed to reproduce solution")
		}
	}

	if e.config.MaxCrashes > 0 && unique >= e.config.MaxCrashes {
		e.logger.WithField("solutions", unique).Info("Solution limit reached")
		e.cancel()
	}
}

// architecture returns the guest architecture used to name faults, x86-64 when unset
func (e *Engine) architecture() arch.Architecture {
	a, err := arch.ParseArchitecture(e.config.Arch)
	if err != nil {
		return arch.X8664
	}
	return a
}

// saveSolution writes the input and its YAML record to the solutions directory
func (e *Engine) saveSolution(tc *TestCase, result *ExecutionResult, info *interfaces.CrashInfo) error {
	if _, err := Persist(e.config.SolutionsDir, tc); err != nil {
		return err
	}
	record := SolutionRecord{
		ID:         tc.ID,
		ParentID:   tc.ParentID,
		Generation: tc.Generation,
		Size:       len(tc.Data),
		Reason:     result.StopReason.String(),
		Type:       info.Type,
		Fault:      info.Fault,
		Processor:  info.Processor,
		Hash:       info.Hash,
		FoundAt:    time.Now(),
	}
	if v, ok := info.Metadata["interesting"].(bool); ok {
		record.Interesting = v
	}
	if m, ok := tc.Metadata["mutator"].(string); ok {
		record.Mutator = m
	}
	if sev, ok := info.Metadata["severity"].(string); ok {
		record.Severity = sev
	}
	data, err := yaml.Marshal(&record)
	if err != nil {
		return fmt.Errorf("failed to marshal solution record: %w", err)
	}
	path := filepath.Join(e.config.SolutionsDir, tc.ID+".yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write solution record: %w", err)
	}
	return nil
}

// GetStats returns current fuzzer statistics
func (e *Engine) GetStats() *FuzzerStats {
	return e.stats.Snapshot()
}

// AddTestCase queues a test case for execution
func (e *Engine) AddTestCase(testCase *TestCase) error {
	if e.scheduler == nil {
		return fmt.Errorf("fuzzer is not initialized")
	}
	e.scheduler.Push(testCase)
	return nil
}

// GetTestCases returns test cases from the corpus
func (e *Engine) GetTestCases(count int) ([]*TestCase, error) {
	if e.corpus == nil {
		return nil, fmt.Errorf("fuzzer is not initialized")
	}
	return e.corpus.GetRandom(count), nil
}

// GetCorpus returns the corpus managed by the engine.
func (e *Engine) GetCorpus() *Corpus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.corpus
}

// Workers returns the engine's workers
func (e *Engine) Workers() []*Worker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.workers
}

// Solutions returns the number of unique solutions
func (e *Engine) Solutions() int {
	e.solutionsMu.Lock()
	defer e.solutionsMu.Unlock()
	return len(e.solutions)
}

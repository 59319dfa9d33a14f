/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: types.go
Description: Core types for the simfuzz engine. Test cases and results are shared with the
executor and analyzer through pkg/interfaces; this file adds the engine statistics and the
engine contract.
*/

package core

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/kleascm/simfuzz/pkg/interfaces"
)

// TestCase is the unit of work of the engine
type TestCase = interfaces.TestCase

// ExecutionResult is what a worker reports after running a test case
type ExecutionResult = interfaces.ExecutionResult

// FuzzerStats tracks overall fuzzer statistics
// Counters are updated atomically by the workers
type FuzzerStats struct {
	Executions          int64     `json:"executions" yaml:"executions"`
	Crashes             int64     `json:"crashes" yaml:"crashes"`
	UniqueCrashes       int64     `json:"unique_crashes" yaml:"unique_crashes"`
	Hangs               int64     `json:"hangs" yaml:"hangs"`
	Timeouts            int64     `json:"timeouts" yaml:"timeouts"`
	Errors              int64     `json:"errors" yaml:"errors"`
	CorpusSize          int64     `json:"corpus_size" yaml:"corpus_size"`
	CoverageEdges       int64     `json:"coverage_edges" yaml:"coverage_edges"`
	StartTime           time.Time `json:"start_time" yaml:"start_time"`
	LastCrashTime       time.Time `json:"last_crash_time" yaml:"last_crash_time"`
	LastNewPathTime     time.Time `json:"last_new_path_time" yaml:"last_new_path_time"`
	ExecutionsPerSecond float64   `json:"executions_per_second" yaml:"executions_per_second"`

	mu sync.Mutex
}

// IncrementExecutions atomically increments the execution counter
func (s *FuzzerStats) IncrementExecutions() {
	atomic.AddInt64(&s.Executions, 1)
}

// IncrementCrashes atomically increments the crash counter
func (s *FuzzerStats) IncrementCrashes() {
	atomic.AddInt64(&s.Crashes, 1)
}

// IncrementHangs atomically increments the hang counter
func (s *FuzzerStats) IncrementHangs() {
	atomic.AddInt64(&s.Hangs, 1)
}

// IncrementTimeouts atomically increments the timeout counter
func (s *FuzzerStats) IncrementTimeouts() {
	atomic.AddInt64(&s.Timeouts, 1)
}

// IncrementErrors atomically increments the error counter
func (s *FuzzerStats) IncrementErrors() {
	atomic.AddInt64(&s.Errors, 1)
}

// MarkCrash records the time of the latest unique solution
func (s *FuzzerStats) MarkCrash() {
	atomic.AddInt64(&s.UniqueCrashes, 1)
	s.mu.Lock()
	s.LastCrashTime = time.Now()
	s.mu.Unlock()
}

// MarkNewPath records the time of the latest corpus addition
func (s *FuzzerStats) MarkNewPath() {
	s.mu.Lock()
	s.LastNewPathTime = time.Now()
	s.mu.Unlock()
}

// Snapshot returns a copy of the counters
func (s *FuzzerStats) Snapshot() *FuzzerStats {
	out := &FuzzerStats{
		Executions:    atomic.LoadInt64(&s.Executions),
		Crashes:       atomic.LoadInt64(&s.Crashes),
		UniqueCrashes: atomic.LoadInt64(&s.UniqueCrashes),
		Hangs:         atomic.LoadInt64(&s.Hangs),
		Timeouts:      atomic.LoadInt64(&s.Timeouts),
		Errors:        atomic.LoadInt64(&s.Errors),
		CorpusSize:    atomic.LoadInt64(&s.CorpusSize),
		CoverageEdges: atomic.LoadInt64(&s.CoverageEdges),
		StartTime:     s.StartTime,
	}
	s.mu.Lock()
	out.LastCrashTime = s.LastCrashTime
	out.LastNewPathTime = s.LastNewPathTime
	s.mu.Unlock()
	if elapsed := time.Since(s.StartTime).Seconds(); elapsed > 0 {
		out.ExecutionsPerSecond = float64(out.Executions) / elapsed
	}
	return out
}

// FuzzerEngine is the main interface for the fuzzing engine
type FuzzerEngine interface {
	// Initialize initializes the fuzzer with the given configuration
	Initialize(config *interfaces.FuzzerConfig) error

	// Start begins the fuzzing process
	Start() error

	// Stop gracefully stops the fuzzing process
	Stop() error

	// Done is closed once every worker has stopped
	Done() <-chan struct{}

	// GetStats returns current fuzzer statistics
	GetStats() *FuzzerStats

	// AddTestCase queues a test case for execution
	AddTestCase(testCase *TestCase) error

	// GetTestCases returns test cases from the corpus
	GetTestCases(count int) ([]*TestCase, error)
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: interfaces.go
Description: Shared interfaces for simfuzz. Defines the test case, coverage and execution
result types and the executor, analyzer and mutator interfaces used across packages to
break import cycles.
*/

package interfaces

import (
	"time"

	"github.com/kleascm/simfuzz/pkg/cmplog"
)

// TestCase represents a single test case for fuzzing
type TestCase struct {
	ID         string
	Data       []byte
	ParentID   string
	Generation int
	CreatedAt  time.Time
	Executions int64
	Priority   int
	Coverage   *Coverage
	Metadata   map[string]interface{}

	// Comparisons logged by the run that admitted the test case
	Comparisons []cmplog.Entry
}

// Coverage is a snapshot of the shared coverage map taken after one run
type Coverage struct {
	Bitmap    []byte
	EdgeCount int
	Timestamp time.Time
	Hash      uint64
}

// ExecutionResult represents the result of executing a test case
type ExecutionResult struct {
	TestCaseID string
	Duration   time.Duration
	Status     ExecutionStatus
	StopReason *StopReason
	Coverage   *Coverage
	CrashInfo  *CrashInfo
	HangInfo   *HangInfo

	// Comparisons logged during the run, when cmplog is enabled
	Comparisons []cmplog.Entry
}

// ExecutionStatus represents the status of an execution
type ExecutionStatus int

const (
	StatusSuccess ExecutionStatus = iota
	StatusError
	StatusCrash
	StatusHang
	StatusTimeout
)

// String returns the status name
func (s ExecutionStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusCrash:
		return "crash"
	case StatusHang:
		return "hang"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// CrashInfo describes a run that stopped with a solution
type CrashInfo struct {
	Type         string
	Fault        int64
	Processor    int
	Reproducible bool
	Hash         string
	Metadata     map[string]interface{}
}

// HangInfo describes a run the executor had to abandon
type HangInfo struct {
	Duration time.Duration
	Reason   string
}

// FuzzerConfig represents the configuration for the fuzzer
type FuzzerConfig struct {
	// Simulation host
	HostPath string
	HostArgs []string
	HostEnv  []string
	Program  string
	Arch     string

	// Engine
	Workers       int
	Iterations    int64
	CorpusDir     string
	OutputDir     string
	SolutionsDir  string
	MaxCorpusSize int
	InitialRandom int
	MutationRate  float64
	MaxMutations  int
	Strategy      string
	SchedulerType string // Scheduler type: "priority" (default), "coverage-guided"
	MaxCrashes    int
	Seed          int64
	TokenFiles    []string

	// Solutions
	CrashPatterns     []string
	ReproduceAttempts int
	Minimize          bool

	// Timeouts: Timeout is guest virtual time, ExecutorTimeout is host wall-clock
	Timeout         time.Duration
	ExecutorTimeout time.Duration

	// Detection
	Faults                     []string
	AllExceptionsAreSolutions  bool
	AllBreakpointsAreSolutions bool
	Breakpoints                []int64

	// Tracing
	BitmapSize        int
	TraceMode         string
	CmpLog            bool
	CoverageReporting bool
	SaveTraces        []string
	TraceDir          string
	TracePCOnly       bool

	// Harness markers
	StartOnHarness bool
	StopOnHarness  bool
	StartIndex     int64
	StopIndices    []int64
	AssertIndices  []int64

	// Observability
	LogLevel          string
	LogDir            string
	JSONLogs          bool
	MetricsAddr       string
	HeartbeatInterval time.Duration
}

// Executor runs test cases against a target
type Executor interface {
	Initialize(config *FuzzerConfig) error
	Execute(testCase *TestCase) (*ExecutionResult, error)
	Cleanup() error
	Reset() error
}

// Analyzer decides which results are worth keeping
type Analyzer interface {
	Analyze(result *ExecutionResult) error
	IsInteresting(testCase *TestCase) bool
	GetCoverage(result *ExecutionResult) (*Coverage, error)
	DetectCrash(result *ExecutionResult) (*CrashInfo, error)
	DetectHang(result *ExecutionResult) (*HangInfo, error)
	Reset() error
}

// Mutator interface for mutating test cases
type Mutator interface {
	Mutate(testCase *TestCase) (*TestCase, error)
	Name() string
	Description() string
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: scheduler.go
Description: Scheduler interface and implementations for pluggable test case scheduling in
simfuzz. The scheduler holds candidates waiting to run; kept inputs live in the corpus.
*/

package core

// Scheduler defines the interface for pluggable test case scheduling.
type Scheduler interface {
	// Next returns the next test case to execute, or nil if empty.
	Next() *TestCase
	// Push adds a test case to the scheduler.
	Push(tc *TestCase)
	// Size returns the number of test cases in the scheduler.
	Size() int
	// IsEmpty returns true if the scheduler is empty.
	IsEmpty() bool
}

// NewScheduler returns the scheduler named by kind. Unknown kinds get a PriorityScheduler.
func NewScheduler(kind string) Scheduler {
	switch kind {
	case "coverage-guided":
		return NewCoverageGuidedScheduler()
	default:
		return NewPriorityScheduler()
	}
}

// PriorityScheduler implements Scheduler using a PriorityQueue.
type PriorityScheduler struct {
	queue *PriorityQueue
}

// NewPriorityScheduler creates a new PriorityScheduler instance.
func NewPriorityScheduler() *PriorityScheduler {
	return &PriorityScheduler{
		queue: NewPriorityQueue(),
	}
}

// Next returns the next test case (highest priority) or nil if empty.
func (s *PriorityScheduler) Next() *TestCase {
	return s.queue.Get()
}

// Push adds a test case to the scheduler.
func (s *PriorityScheduler) Push(tc *TestCase) {
	s.queue.Put(tc)
}

// Size returns the number of test cases in the scheduler.
func (s *PriorityScheduler) Size() int {
	return s.queue.Size()
}

// IsEmpty returns true if the scheduler is empty.
func (s *PriorityScheduler) IsEmpty() bool {
	return s.queue.IsEmpty()
}

// CoverageGuidedScheduler runs candidates whose parents covered the most edges per input byte
// first. Seeds always run before mutants.
type CoverageGuidedScheduler struct {
	queue *PriorityQueue
}

// NewCoverageGuidedScheduler creates a new CoverageGuidedScheduler instance.
func NewCoverageGuidedScheduler() *CoverageGuidedScheduler {
	return &CoverageGuidedScheduler{queue: NewScoredQueue(coverageScore)}
}

// parentEdgesKey is the metadata key the engine uses to pass the parent's edge count
const parentEdgesKey = "parent_edges"

func coverageScore(tc *TestCase) int {
	if tc.Generation == 0 {
		return 1 << 30
	}
	edges := 0
	if v, ok := tc.Metadata[parentEdgesKey].(int); ok {
		edges = v
	}
	// edges per 64 bytes of input, minus a small penalty for deep lineages
	return edges*64/(len(tc.Data)+64) - tc.Generation/8
}

// Next returns the best scored candidate or nil if empty.
func (s *CoverageGuidedScheduler) Next() *TestCase {
	return s.queue.Get()
}

// Push adds a candidate.
func (s *CoverageGuidedScheduler) Push(tc *TestCase) {
	s.queue.Put(tc)
}

// Size returns the number of waiting candidates.
func (s *CoverageGuidedScheduler) Size() int {
	return s.queue.Size()
}

// IsEmpty returns true if no candidate is waiting.
func (s *CoverageGuidedScheduler) IsEmpty() bool {
	return s.queue.IsEmpty()
}

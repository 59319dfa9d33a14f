/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: analyzer.go
Description: Coverage analyzer for simfuzz. Keeps AFL-style virgin maps for the corpus and for
solutions, decides which executions brought new coverage, and turns stop reasons into crash
and hang records. Crash matchers can flag solutions of particular interest.
*/

package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sync"

	"github.com/kleascm/simfuzz/pkg/interfaces"
)

// CrashMatcher defines the interface for matching interesting crashes.
type CrashMatcher interface {
	IsInterestingCrash(crash *interfaces.CrashInfo, result *interfaces.ExecutionResult) bool
}

// RegexCrashMatcher implements CrashMatcher using regex patterns.
type RegexCrashMatcher struct {
	patterns []*regexp.Regexp
}

// NewRegexCrashMatcher compiles patterns. Any invalid pattern is an error.
func NewRegexCrashMatcher(patterns []string) (*RegexCrashMatcher, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("invalid crash pattern %q: %w", pat, err)
		}
		compiled = append(compiled, re)
	}
	return &RegexCrashMatcher{patterns: compiled}, nil
}

// IsInterestingCrash returns true if any pattern matches the crash type or the stop reason.
func (m *RegexCrashMatcher) IsInterestingCrash(crash *interfaces.CrashInfo, result *interfaces.ExecutionResult) bool {
	if crash == nil || result == nil {
		return false
	}
	reason := ""
	if result.StopReason != nil {
		reason = result.StopReason.String()
	}
	for _, re := range m.patterns {
		if re.MatchString(crash.Type) || (reason != "" && re.MatchString(reason)) {
			return true
		}
	}
	return false
}

// Novelty grades what an execution added to a virgin map
type Novelty int

const (
	NoveltyNone Novelty = iota
	// NoveltyCounts means only hit count classes changed on known edges
	NoveltyCounts
	// NoveltyEdges means at least one edge was never seen before
	NoveltyEdges
)

// virginMap tracks which hit count classes have been seen per map entry
type virginMap struct {
	bits []byte
}

func newVirginMap(size int) *virginMap {
	v := &virginMap{bits: make([]byte, size)}
	for i := range v.bits {
		v.bits[i] = 0xff
	}
	return v
}

// update clears the classes seen in trace and reports what was new
func (v *virginMap) update(trace []byte) Novelty {
	if len(v.bits) != len(trace) {
		return NoveltyNone
	}
	novelty := NoveltyNone
	for i, t := range trace {
		if t == 0 || t&v.bits[i] == 0 {
			continue
		}
		if v.bits[i] == 0xff {
			novelty = NoveltyEdges
		} else if novelty == NoveltyNone {
			novelty = NoveltyCounts
		}
		v.bits[i] &^= t
	}
	return novelty
}

func (v *virginMap) covered() int {
	n := 0
	for _, b := range v.bits {
		if b != 0xff {
			n++
		}
	}
	return n
}

// CoverageAnalyzer implements the Analyzer interface
type CoverageAnalyzer struct {
	mu           sync.Mutex
	corpus       *virginMap
	solutions    *virginMap
	fresh        map[string]Novelty
	crashMatcher CrashMatcher
}

// NewCoverageAnalyzer creates a new coverage analyzer instance
func NewCoverageAnalyzer() *CoverageAnalyzer {
	return &CoverageAnalyzer{
		fresh: make(map[string]Novelty),
	}
}

// SetCrashMatcher sets the crash matcher for the analyzer.
func (a *CoverageAnalyzer) SetCrashMatcher(matcher CrashMatcher) {
	a.crashMatcher = matcher
}

// Analyze folds an execution's coverage into the virgin maps and remembers whether it was new
func (a *CoverageAnalyzer) Analyze(result *interfaces.ExecutionResult) error {
	cov, err := a.GetCoverage(result)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.corpus == nil {
		a.corpus = newVirginMap(len(cov.Bitmap))
		a.solutions = newVirginMap(len(cov.Bitmap))
	}
	if len(cov.Bitmap) != len(a.corpus.bits) {
		return fmt.Errorf("coverage map size changed from %d to %d", len(a.corpus.bits), len(cov.Bitmap))
	}

	if result.StopReason != nil && result.StopReason.IsSolution() {
		a.fresh[result.TestCaseID] = a.solutions.update(cov.Bitmap)
		return nil
	}
	if result.Status == interfaces.StatusSuccess {
		if n := a.corpus.update(cov.Bitmap); n != NoveltyNone {
			a.fresh[result.TestCaseID] = n
		}
	}
	return nil
}

// Novelty returns and forgets the grade Analyze recorded for a test case
func (a *CoverageAnalyzer) Novelty(id string) Novelty {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.fresh[id]
	delete(a.fresh, id)
	return n
}

// IsInteresting reports whether the test case's last execution reached new coverage
func (a *CoverageAnalyzer) IsInteresting(testCase *interfaces.TestCase) bool {
	return a.Novelty(testCase.ID) != NoveltyNone
}

// GetCoverage returns the snapshot the executor attached
func (a *CoverageAnalyzer) GetCoverage(result *interfaces.ExecutionResult) (*interfaces.Coverage, error) {
	if result.Coverage == nil {
		return nil, fmt.Errorf("execution %s carries no coverage", result.TestCaseID)
	}
	return result.Coverage, nil
}

// DetectCrash returns crash information for executions that ended in a solution
func (a *CoverageAnalyzer) DetectCrash(result *interfaces.ExecutionResult) (*interfaces.CrashInfo, error) {
	if result.StopReason == nil || !result.StopReason.IsSolution() {
		return nil, nil
	}
	info := result.CrashInfo
	if info == nil {
		info = &interfaces.CrashInfo{Type: result.StopReason.Kind.String()}
	}
	info.Hash = a.calculateCrashHash(result)
	info.Reproducible = true
	if a.crashMatcher != nil && a.crashMatcher.IsInterestingCrash(info, result) {
		if info.Metadata == nil {
			info.Metadata = make(map[string]interface{})
		}
		info.Metadata["interesting"] = true
	}
	result.CrashInfo = info
	return info, nil
}

// DetectHang reports virtual time timeouts and executions the host could not finish
func (a *CoverageAnalyzer) DetectHang(result *interfaces.ExecutionResult) (*interfaces.HangInfo, error) {
	switch {
	case result.HangInfo != nil:
		return result.HangInfo, nil
	case result.Status == interfaces.StatusTimeout:
		return &interfaces.HangInfo{Duration: result.Duration, Reason: "virtual time limit"}, nil
	default:
		return nil, nil
	}
}

// Reset forgets all coverage
func (a *CoverageAnalyzer) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.corpus = nil
	a.solutions = nil
	a.fresh = make(map[string]Novelty)
	return nil
}

// CoveredEdges returns the number of map entries any corpus execution has touched
func (a *CoverageAnalyzer) CoveredEdges() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.corpus == nil {
		return 0
	}
	return a.corpus.covered()
}

// calculateCrashHash identifies a solution by its stop reason and the edges it took
func (a *CoverageAnalyzer) calculateCrashHash(result *interfaces.ExecutionResult) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d:%d:%d:%d", result.StopReason.Kind, result.StopReason.Fault,
		result.StopReason.Breakpoint, result.StopReason.Solution)
	if result.Coverage != nil {
		for i, v := range result.Coverage.Bitmap {
			if v != 0 {
				fmt.Fprintf(h, ",%d", i)
			}
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: profiler.go
Description: Runtime profiling for simfuzz campaigns. Captures CPU and execution traces for
the whole run and writes heap, goroutine, block and mutex snapshots when it stops.
*/

package monitoring

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ProfilerType represents the type of profiling
type ProfilerType string

const (
	ProfilerTypeCPU       ProfilerType = "cpu"
	ProfilerTypeMemory    ProfilerType = "memory"
	ProfilerTypeGoroutine ProfilerType = "goroutine"
	ProfilerTypeBlock     ProfilerType = "block"
	ProfilerTypeMutex     ProfilerType = "mutex"
	ProfilerTypeTrace     ProfilerType = "trace"
)

// ParseProfilerTypes parses a list of profile names
func ParseProfilerTypes(names []string) ([]ProfilerType, error) {
	var out []ProfilerType
	for _, n := range names {
		t := ProfilerType(strings.ToLower(strings.TrimSpace(n)))
		switch t {
		case ProfilerTypeCPU, ProfilerTypeMemory, ProfilerTypeGoroutine, ProfilerTypeBlock, ProfilerTypeMutex, ProfilerTypeTrace:
			out = append(out, t)
		default:
			return nil, fmt.Errorf("unknown profile %q", n)
		}
	}
	return out, nil
}

// ProfileResult describes one written profile
type ProfileResult struct {
	Type       ProfilerType  `json:"type" yaml:"type"`
	OutputFile string        `json:"output_file" yaml:"output_file"`
	Duration   time.Duration `json:"duration" yaml:"duration"`
	Size       int64         `json:"size" yaml:"size"`
}

// Profiler captures Go runtime profiles of the fuzzer process
type Profiler struct {
	dir    string
	types  map[ProfilerType]bool
	logger logrus.FieldLogger

	mu        sync.Mutex
	running   bool
	startTime time.Time
	cpuFile   *os.File
	traceFile *os.File
	results   []ProfileResult
}

// NewProfiler creates a profiler writing into dir
func NewProfiler(dir string, types []ProfilerType, logger logrus.FieldLogger) *Profiler {
	p := &Profiler{dir: dir, types: make(map[ProfilerType]bool), logger: logger}
	for _, t := range types {
		p.types[t] = true
	}
	return p
}

func (p *Profiler) path(t ProfilerType) string {
	ext := ".prof"
	if t == ProfilerTypeTrace {
		ext = ".out"
	}
	return filepath.Join(p.dir, fmt.Sprintf("%s_%s%s", t, p.startTime.Format("20060102-150405"), ext))
}

// Start begins the continuous profiles
func (p *Profiler) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("profiler already running")
	}
	if err := os.MkdirAll(p.dir, 0755); err != nil {
		return fmt.Errorf("failed to create profile directory: %w", err)
	}
	p.startTime = time.Now()

	if p.types[ProfilerTypeBlock] {
		runtime.SetBlockProfileRate(1)
	}
	if p.types[ProfilerTypeMutex] {
		runtime.SetMutexProfileFraction(1)
	}
	if p.types[ProfilerTypeCPU] {
		f, err := os.Create(p.path(ProfilerTypeCPU))
		if err != nil {
			return fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			f.Close()
			return fmt.Errorf("failed to start CPU profile: %w", err)
		}
		p.cpuFile = f
	}
	if p.types[ProfilerTypeTrace] {
		f, err := os.Create(p.path(ProfilerTypeTrace))
		if err != nil {
			p.stopContinuous()
			return fmt.Errorf("failed to create trace file: %w", err)
		}
		if err := trace.Start(f); err != nil {
			f.Close()
			p.stopContinuous()
			return fmt.Errorf("failed to start trace: %w", err)
		}
		p.traceFile = f
	}
	p.running = true
	p.logger.WithField("dir", p.dir).Debug("Profiler started")
	return nil
}

// stopContinuous ends the CPU profile and the execution trace
func (p *Profiler) stopContinuous() {
	if p.cpuFile != nil {
		pprof.StopCPUProfile()
		p.record(ProfilerTypeCPU, p.cpuFile)
		p.cpuFile = nil
	}
	if p.traceFile != nil {
		trace.Stop()
		p.record(ProfilerTypeTrace, p.traceFile)
		p.traceFile = nil
	}
}

func (p *Profiler) record(t ProfilerType, f *os.File) {
	r := ProfileResult{Type: t, OutputFile: f.Name(), Duration: time.Since(p.startTime)}
	if st, err := f.Stat(); err == nil {
		r.Size = st.Size()
	}
	f.Close()
	p.results = append(p.results, r)
}

// Stop ends profiling and writes the snapshot profiles
func (p *Profiler) Stop() ([]ProfileResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, fmt.Errorf("profiler not running")
	}
	p.running = false
	p.stopContinuous()

	snapshots := []struct {
		t    ProfilerType
		name string
	}{
		{ProfilerTypeMemory, "heap"},
		{ProfilerTypeGoroutine, "goroutine"},
		{ProfilerTypeBlock, "block"},
		{ProfilerTypeMutex, "mutex"},
	}
	var firstErr error
	for _, s := range snapshots {
		if !p.types[s.t] {
			continue
		}
		if s.t == ProfilerTypeMemory {
			runtime.GC()
		}
		f, err := os.Create(p.path(s.t))
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := pprof.Lookup(s.name).WriteTo(f, 0); err != nil && firstErr == nil {
			firstErr = err
		}
		p.record(s.t, f)
	}
	if p.types[ProfilerTypeBlock] {
		runtime.SetBlockProfileRate(0)
	}
	if p.types[ProfilerTypeMutex] {
		runtime.SetMutexProfileFraction(0)
	}

	for _, r := range p.results {
		p.logger.WithFields(logrus.Fields{"type": r.Type, "file": r.OutputFile, "size": r.Size}).Info("Profile written")
	}
	return append([]ProfileResult(nil), p.results...), firstErr
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: stop.go
Description: Stop reasons reported by the simulation host when a run ends. A reason is
set at most once per run and read once by the controller to route the input.
*/

package interfaces

import (
	"fmt"

	"github.com/kleascm/simfuzz/pkg/faults"
)

// StopKind discriminates StopReason variants
type StopKind int

const (
	StopNone StopKind = iota
	StopCrash
	StopTimeout
	StopNormal
	StopBreakpoint
	StopManual
	StopSolution
	StopManualStart
)

// String returns the variant name
func (k StopKind) String() string {
	switch k {
	case StopCrash:
		return "crash"
	case StopTimeout:
		return "timeout"
	case StopNormal:
		return "normal"
	case StopBreakpoint:
		return "breakpoint"
	case StopManual:
		return "manual_stop"
	case StopSolution:
		return "solution"
	case StopManualStart:
		return "manual_start"
	default:
		return "none"
	}
}

// StopReason explains why a run ended. Only the fields of the active Kind are meaningful.
type StopReason struct {
	Kind       StopKind
	Fault      faults.Kind
	Processor  int
	Breakpoint int64
	Solution   int64
	Message    string
	Address    uint64
	Size       uint64
}

// Crash builds a crash reason for a configured fault raised on a processor
func Crash(fault faults.Kind, processor int) StopReason {
	return StopReason{Kind: StopCrash, Fault: fault, Processor: processor}
}

// Timeout builds a virtual time timeout reason
func Timeout() StopReason {
	return StopReason{Kind: StopTimeout}
}

// NormalExit builds the reason for a harness that reached its stop marker
func NormalExit() StopReason {
	return StopReason{Kind: StopNormal}
}

// BreakpointHit builds a breakpoint reason
func BreakpointHit(id int64) StopReason {
	return StopReason{Kind: StopBreakpoint, Breakpoint: id}
}

// ManualStop builds the reason for an explicit stop call
func ManualStop() StopReason {
	return StopReason{Kind: StopManual}
}

// Solution builds the reason for an explicit solution call or a harness assertion
func Solution(id int64, message string) StopReason {
	return StopReason{Kind: StopSolution, Solution: id, Message: message}
}

// ManualStart builds the reason for an explicit start call. Address and size describe the
// input buffer and are zero when the start carried none.
func ManualStart(processor int, address, size uint64) StopReason {
	return StopReason{Kind: StopManualStart, Processor: processor, Address: address, Size: size}
}

// IsSolution reports whether the reason should be saved as a finding
func (r StopReason) IsSolution() bool {
	switch r.Kind {
	case StopCrash, StopBreakpoint, StopSolution:
		return true
	default:
		return false
	}
}

// String renders the reason for logs
func (r StopReason) String() string {
	switch r.Kind {
	case StopCrash:
		return fmt.Sprintf("crash(%d, cpu%d)", int64(r.Fault), r.Processor)
	case StopBreakpoint:
		return fmt.Sprintf("breakpoint(%d)", r.Breakpoint)
	case StopSolution:
		if r.Message != "" {
			return fmt.Sprintf("solution(%d: %s)", r.Solution, r.Message)
		}
		return fmt.Sprintf("solution(%d)", r.Solution)
	case StopManualStart:
		return fmt.Sprintf("manual_start(cpu%d, %#x, %d)", r.Processor, r.Address, r.Size)
	default:
		return r.Kind.String()
	}
}

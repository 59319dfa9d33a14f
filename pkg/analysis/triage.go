/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: triage.go
Description: Severity triage for solutions. Ranks a stop reason by the fault it raised so
reports and logs can surface the worst findings first.
*/

package analysis

import (
	"strings"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/faults"
	"github.com/kleascm/simfuzz/pkg/interfaces"
)

// Severity represents the severity level of a solution
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// String returns the string representation of a severity
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "LOW"
	case SeverityMedium:
		return "MEDIUM"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// faults that leave the machine unable to continue
var criticalFaults = map[string]bool{
	"triple":        true,
	"double":        true,
	"machine_check": true,
}

// memory protection faults
var highFaults = map[string]bool{
	"page":                true,
	"general_protection":  true,
	"stack_segment":       true,
	"segment_not_present": true,
	"control_protection":  true,
	"security":            true,
}

// Triage ranks a stop reason. Harness assertions rank high, breakpoints and
// non-solution stops rank low, and faults are ranked by name.
func Triage(a arch.Architecture, reason interfaces.StopReason) Severity {
	switch reason.Kind {
	case interfaces.StopSolution:
		return SeverityHigh
	case interfaces.StopCrash:
		return triageFault(faults.Name(a, reason.Fault))
	default:
		return SeverityLow
	}
}

func triageFault(name string) Severity {
	switch {
	case criticalFaults[name]:
		return SeverityCritical
	case highFaults[name], strings.HasSuffix(name, "access_fault"), strings.HasSuffix(name, "page_fault"):
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

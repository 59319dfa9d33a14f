/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: faults.go
Description: Architecture exception tables. A fault is an exception code that the detector
treats as a crash when it is raised during a run. Sideband faults that have no hardware
vector, such as the x86 triple fault, use negative codes.
*/

package faults

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/kleascm/simfuzz/pkg/arch"
)

// Kind is an architecture exception code
type Kind int64

// x86-64 exception vectors
const (
	DivideError         Kind = 0
	Debug               Kind = 1
	NMI                 Kind = 2
	Breakpoint          Kind = 3
	Overflow            Kind = 4
	BoundRange          Kind = 5
	InvalidOpcode       Kind = 6
	DeviceNotAvailable  Kind = 7
	DoubleFault         Kind = 8
	InvalidTSS          Kind = 10
	SegmentNotPresent   Kind = 11
	StackSegment        Kind = 12
	GeneralProtection   Kind = 13
	PageFault           Kind = 14
	X87FloatingPoint    Kind = 16
	AlignmentCheck      Kind = 17
	MachineCheck        Kind = 18
	SIMDFloatingPoint   Kind = 19
	Virtualization      Kind = 20
	ControlProtection   Kind = 21
	HypervisorInjection Kind = 28
	VMMCommunication    Kind = 29
	Security            Kind = 30

	// Triple is delivered through its own notification rather than the exception stream
	Triple Kind = -1
)

// RISC-V synchronous exception causes
const (
	RVInstructionMisaligned Kind = 0
	RVInstructionAccess     Kind = 1
	RVIllegalInstruction    Kind = 2
	RVBreakpoint            Kind = 3
	RVLoadMisaligned        Kind = 4
	RVLoadAccess            Kind = 5
	RVStoreMisaligned       Kind = 6
	RVStoreAccess           Kind = 7
	RVEcallU                Kind = 8
	RVEcallS                Kind = 9
	RVEcallM                Kind = 11
	RVInstructionPage       Kind = 12
	RVLoadPage              Kind = 13
	RVStorePage             Kind = 15
)

var x86Names = map[Kind]string{
	DivideError:         "divide_error",
	Debug:               "debug",
	NMI:                 "nmi",
	Breakpoint:          "breakpoint",
	Overflow:            "overflow",
	BoundRange:          "bound_range",
	InvalidOpcode:       "invalid_opcode",
	DeviceNotAvailable:  "device_not_available",
	DoubleFault:         "double",
	InvalidTSS:          "invalid_tss",
	SegmentNotPresent:   "segment_not_present",
	StackSegment:        "stack_segment",
	GeneralProtection:   "general_protection",
	PageFault:           "page",
	X87FloatingPoint:    "x87_floating_point",
	AlignmentCheck:      "alignment_check",
	MachineCheck:        "machine_check",
	SIMDFloatingPoint:   "simd_floating_point",
	Virtualization:      "virtualization",
	ControlProtection:   "control_protection",
	HypervisorInjection: "hypervisor_injection",
	VMMCommunication:    "vmm_communication",
	Security:            "security",
	Triple:              "triple",
}

var riscvNames = map[Kind]string{
	RVInstructionMisaligned: "instruction_address_misaligned",
	RVInstructionAccess:     "instruction_access_fault",
	RVIllegalInstruction:    "illegal_instruction",
	RVBreakpoint:            "breakpoint",
	RVLoadMisaligned:        "load_address_misaligned",
	RVLoadAccess:            "load_access_fault",
	RVStoreMisaligned:       "store_address_misaligned",
	RVStoreAccess:           "store_access_fault",
	RVEcallU:                "ecall_user",
	RVEcallS:                "ecall_supervisor",
	RVEcallM:                "ecall_machine",
	RVInstructionPage:       "instruction_page_fault",
	RVLoadPage:              "load_page_fault",
	RVStorePage:             "store_page_fault",
}

// aliases accepted by Parse in addition to the canonical names
var x86Aliases = map[string]Kind{
	"de": DivideError, "db": Debug, "bp": Breakpoint, "of": Overflow, "br": BoundRange,
	"ud": InvalidOpcode, "nm": DeviceNotAvailable, "df": DoubleFault, "double_fault": DoubleFault,
	"ts": InvalidTSS, "np": SegmentNotPresent, "ss": StackSegment, "gp": GeneralProtection,
	"pf": PageFault, "page_fault": PageFault, "mf": X87FloatingPoint, "ac": AlignmentCheck,
	"mc": MachineCheck, "xm": SIMDFloatingPoint, "xf": SIMDFloatingPoint, "ve": Virtualization,
	"cp": ControlProtection, "triple_fault": Triple,
}

// Fault is one named entry of an architecture table
type Fault struct {
	Arch arch.Architecture
	Kind Kind
	Name string
}

// String renders the fault as name(code)
func (f Fault) String() string {
	return fmt.Sprintf("%s(%d)", f.Name, f.Kind)
}

func table(a arch.Architecture) map[Kind]string {
	if a.IsRISCV() {
		return riscvNames
	}
	return x86Names
}

// Lookup returns the named fault for an exception code
func Lookup(a arch.Architecture, code int64) (Fault, bool) {
	name, ok := table(a)[Kind(code)]
	if !ok {
		return Fault{}, false
	}
	return Fault{Arch: a, Kind: Kind(code), Name: name}, true
}

// Name returns the canonical name of a fault, or exception_<code> when it is not in the table
func Name(a arch.Architecture, k Kind) string {
	if name, ok := table(a)[k]; ok {
		return name
	}
	return fmt.Sprintf("exception_%d", int64(k))
}

// Parse resolves a fault from its name, an alias, or a decimal or hex exception code.
// Numeric codes are accepted even when they are not in the table.
func Parse(a arch.Architecture, s string) (Kind, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	if key == "" {
		return 0, fmt.Errorf("empty fault name")
	}

	// numeric codes may be negative, so parse before dashes become underscores
	if n, err := strconv.ParseInt(key, 0, 64); err == nil {
		return Kind(n), nil
	}
	key = strings.ReplaceAll(key, "-", "_")

	for k, name := range table(a) {
		if name == key {
			return k, nil
		}
	}
	if !a.IsRISCV() {
		if k, ok := x86Aliases[key]; ok {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown %s fault %q", a, s)
}

// ParseList parses a comma separated fault list, skipping empty items
func ParseList(a arch.Architecture, list string) ([]Kind, error) {
	var kinds []Kind
	for _, item := range strings.Split(list, ",") {
		if strings.TrimSpace(item) == "" {
			continue
		}
		k, err := Parse(a, item)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// All returns every fault of an architecture ordered by code
func All(a arch.Architecture) []Fault {
	names := table(a)
	out := make([]Fault, 0, len(names))
	for k, name := range names {
		out = append(out, Fault{Arch: a, Kind: k, Name: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

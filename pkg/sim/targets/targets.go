/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: targets.go
Description: Demo guest programs for the built-in machine. Each target boots, signals the
start marker with its input buffer and parses the input with real instruction encodings so
the tracer and cmplog observe genuine branches and comparisons. Inputs starting with 'A'
spin forever and inputs starting with the "FUZZ" header dereference a guest pointer taken
from the input.
*/

package targets

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/kleascm/simfuzz/pkg/sim/machine"
)

const (
	// BufferAddress is where targets expect their input
	BufferAddress = 0x8000
	// SizeAddress is the size cell of targets using a size pointer
	SizeAddress = 0x7ff8
	// MaxInputSize is the largest input targets accept
	MaxInputSize = 0x1000
	// Header starts inputs that reach the pointer dereference
	Header = "FUZZ"
)

var registry = map[string]func() machine.Program{
	"x86-parser":   func() machine.Program { return NewX86Parser() },
	"riscv-parser": func() machine.Program { return NewRISCVParser(64) },
	"rv32-parser":  func() machine.Program { return NewRISCVParser(32) },
}

// Lookup returns a fresh instance of the named target
func Lookup(name string) (machine.Program, error) {
	newProgram, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown target %q (available: %v)", name, Names())
	}
	return newProgram(), nil
}

// Names lists the available targets
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CrashInput builds an input that makes a target dereference addr
func CrashInput(addr uint64) []byte {
	in := make([]byte, 12)
	copy(in, Header)
	binary.LittleEndian.PutUint64(in[4:], addr)
	return in
}

// classify groups a byte the way both parsers branch on it
func classify(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return 0
	case b >= 'a' && b <= 'z':
		return 1
	case b >= 'A' && b <= 'Z':
		return 2
	default:
		return 3
	}
}

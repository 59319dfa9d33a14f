/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: magic.go
Description: In-guest signaling convention. A guest harness marks the start and end of an
iteration by executing the architecture's magic instruction with a value whose low 16 bits
are the leaf Magic and whose high 16 bits carry the marker number. A selector register
carries the harness index and argument registers carry buffer and size information.
*/

package magic

import (
	"fmt"

	"github.com/kleascm/simfuzz/pkg/arch"
)

// Magic is the leaf value identifying simfuzz markers
const Magic uint64 = 0x4711

// Number identifies a marker
type Number uint16

const (
	// StartBufferPtrSizePtr starts with a buffer pointer and a pointer to a size cell holding the maximum
	StartBufferPtrSizePtr Number = 1
	// StartBufferPtrSizeVal starts with a buffer pointer and the maximum size in a register
	StartBufferPtrSizeVal Number = 2
	// StartBufferPtrSizePtrVal starts with a buffer pointer, a size cell pointer and an explicit maximum
	StartBufferPtrSizePtrVal Number = 3
	// StopNormal ends the iteration normally
	StopNormal Number = 4
	// StopAssert ends the iteration with an assertion failure
	StopAssert Number = 5
)

// String names the marker
func (n Number) String() string {
	switch n {
	case StartBufferPtrSizePtr:
		return "start_buffer_ptr_size_ptr"
	case StartBufferPtrSizeVal:
		return "start_buffer_ptr_size_val"
	case StartBufferPtrSizePtrVal:
		return "start_buffer_ptr_size_ptr_val"
	case StopNormal:
		return "stop_normal"
	case StopAssert:
		return "stop_assert"
	default:
		return fmt.Sprintf("magic_%d", uint16(n))
	}
}

// IsStart reports whether the marker begins input delivery
func (n Number) IsStart() bool {
	return n >= StartBufferPtrSizePtr && n <= StartBufferPtrSizePtrVal
}

// Value encodes a marker number as a magic instruction value
func Value(n Number) uint64 {
	return uint64(n)<<16 | Magic
}

// Decode splits a magic instruction value. ok is false for values without the leaf.
func Decode(value uint64) (n Number, ok bool) {
	if value&0xffff != Magic {
		return 0, false
	}
	return Number(value >> 16 & 0xffff), true
}

// Registers names the selector and argument registers of one architecture
type Registers struct {
	Selector string
	Args     [3]string
}

// RegistersFor returns the marker registers of an architecture
func RegistersFor(a arch.Architecture) (Registers, error) {
	switch {
	case a == arch.X8664:
		return Registers{Selector: "rdi", Args: [3]string{"rsi", "rdx", "rcx"}}, nil
	case a.IsRISCV():
		return Registers{Selector: "x10", Args: [3]string{"x11", "x12", "x13"}}, nil
	default:
		return Registers{}, fmt.Errorf("no magic convention for architecture %s", a)
	}
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: hash.go
Description: Index hashing for the comparison log and trace mode parsing.
*/

package tracer

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// byteWidth returns the smallest of 1, 2, 4 or 8 bytes that holds v
func byteWidth(v uint64) int {
	switch {
	case v < 1<<8:
		return 1
	case v < 1<<16:
		return 2
	case v < 1<<32:
		return 4
	default:
		return 8
	}
}

// HashIndex folds the little-endian bytes of value into an index below tableLen.
// The fold width is the byte width of tableLen-1, so value is folded in 8, 4, 2 or 1 chunks.
func HashIndex(value, tableLen uint64) uint64 {
	if tableLen <= 1 {
		return 0
	}

	width := byteWidth(tableLen - 1)
	var raw [8]byte
	binary.LittleEndian.PutUint64(raw[:], value)

	var acc uint64
	for i := 0; i < len(raw)/width; i++ {
		var chunk [8]byte
		copy(chunk[:], raw[i*width:(i+1)*width])
		acc ^= binary.LittleEndian.Uint64(chunk[:])
	}
	return acc % tableLen
}

// Mode selects how often instructions are traced
type Mode int

const (
	// ModeHitCount traces every executed instruction
	ModeHitCount Mode = iota
	// ModeOnce traces an instruction only the first time it is translated
	ModeOnce
)

// String returns the configuration name of the mode
func (m Mode) String() string {
	if m == ModeOnce {
		return "once"
	}
	return "hit_count"
}

// ParseMode parses a trace mode name. The empty string selects hit counting.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "hit_count", "hitcount", "hit-count":
		return ModeHitCount, nil
	case "once":
		return ModeOnce, nil
	default:
		return ModeHitCount, fmt.Errorf("unknown trace mode %q", s)
	}
}

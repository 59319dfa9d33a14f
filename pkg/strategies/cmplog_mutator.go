/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: cmplog_mutator.go
Description: Input-to-state mutator. Uses the comparison operands logged while the parent ran
to find operand bytes that appear verbatim in the input and replaces them with the value they
were compared against.
*/

package strategies

import (
	"bytes"
	"encoding/binary"
	"math/rand"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/cmplog"
	"github.com/kleascm/simfuzz/pkg/interfaces"
)

// Replacement is one candidate input-to-state substitution
type Replacement struct {
	Pattern []byte
	With    []byte
}

// Replacements derives substitutions from logged comparisons. Each operand pair yields both
// directions in both byte orders. Ordered comparisons also yield the off-by-one neighbours.
func Replacements(entries []cmplog.Entry) []Replacement {
	var out []Replacement
	seen := make(map[string]bool)
	add := func(width int, pattern, with uint64) {
		if pattern == with {
			return
		}
		for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
			if width == 1 && order == binary.BigEndian {
				continue
			}
			p, w := encode(order, width, pattern), encode(order, width, with)
			key := string(p) + "\x00" + string(w)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Replacement{Pattern: p, With: w})
		}
	}

	for _, e := range entries {
		width := e.Width()
		if width != 1 && width != 2 && width != 4 && width != 8 {
			continue
		}
		ordered := e.Header.Attribute&(arch.CmpGreater|arch.CmpLesser) != 0
		for _, op := range e.Operands {
			add(width, op.V0, op.V1)
			add(width, op.V1, op.V0)
			if ordered {
				add(width, op.V0, op.V1+1)
				add(width, op.V0, op.V1-1)
			}
		}
	}
	return out
}

func encode(order binary.ByteOrder, width int, v uint64) []byte {
	b := make([]byte, 8)
	switch width {
	case 1:
		return []byte{byte(v)}
	case 2:
		order.PutUint16(b, uint16(v))
	case 4:
		order.PutUint32(b, uint32(v))
	default:
		order.PutUint64(b, v)
	}
	return b[:width]
}

// CmpLogMutator applies one input-to-state substitution per mutation
type CmpLogMutator struct {
	rng *rand.Rand
}

// NewCmpLogMutator creates an input-to-state mutator
func NewCmpLogMutator(rng *rand.Rand) *CmpLogMutator {
	return &CmpLogMutator{rng: rng}
}

// Mutate replaces one occurrence of a logged operand. Parents without comparisons, or whose
// operands never appear in the input, get a replacement value written at a random offset.
func (m *CmpLogMutator) Mutate(testCase *interfaces.TestCase) (*interfaces.TestCase, error) {
	data := clone(testCase.Data)
	candidates := Replacements(testCase.Comparisons)
	if len(candidates) == 0 {
		return derive(testCase, data, m.Name()), nil
	}

	var matching []Replacement
	for _, r := range candidates {
		if bytes.Contains(data, r.Pattern) {
			matching = append(matching, r)
		}
	}

	if len(matching) > 0 {
		r := matching[m.rng.Intn(len(matching))]
		var offsets []int
		for i := 0; i+len(r.Pattern) <= len(data); i++ {
			if bytes.Equal(data[i:i+len(r.Pattern)], r.Pattern) {
				offsets = append(offsets, i)
			}
		}
		off := offsets[m.rng.Intn(len(offsets))]
		copy(data[off:], r.With)
		child := derive(testCase, data, m.Name())
		child.Metadata["i2s_offset"] = off
		return child, nil
	}

	r := candidates[m.rng.Intn(len(candidates))]
	if len(data) < len(r.With) {
		data = append(data, make([]byte, len(r.With)-len(data))...)
	}
	off := m.rng.Intn(len(data) - len(r.With) + 1)
	copy(data[off:], r.With)
	return derive(testCase, data, m.Name()), nil
}

// Name returns the name of this mutator
func (m *CmpLogMutator) Name() string {
	return "CmpLogMutator"
}

// Description returns a description of this mutator
func (m *CmpLogMutator) Description() string {
	return "Replaces compared operands found in the input with their counterparts"
}

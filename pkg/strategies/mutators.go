/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: mutators.go
Description: Byte-level mutation strategies for simfuzz. Implements bit flipping, byte
substitution, arithmetic on embedded integers, block insertion and deletion, and crossover
with other corpus entries. Mutators carry their own random source and are not safe for
concurrent use; each worker builds its own set.
*/

package strategies

import (
	"encoding/binary"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/kleascm/simfuzz/pkg/interfaces"
)

// MaxInputSize bounds the inputs mutators produce
const MaxInputSize = 1 << 16

// derive builds a child test case carrying data
func derive(parent *interfaces.TestCase, data []byte, mutator string) *interfaces.TestCase {
	if len(data) > MaxInputSize {
		data = data[:MaxInputSize]
	}
	child := &interfaces.TestCase{
		ID:         uuid.New().String(),
		Data:       data,
		ParentID:   parent.ID,
		Generation: parent.Generation + 1,
		CreatedAt:  time.Now(),
		Priority:   parent.Priority,
		Metadata:   make(map[string]interface{}),
	}
	child.Metadata["mutator"] = mutator
	return child
}

func clone(data []byte) []byte {
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// BitFlipMutator implements bit-level mutation strategy
type BitFlipMutator struct {
	mutationRate float64 // Probability of mutation per bit
	rng          *rand.Rand
}

// NewBitFlipMutator creates a new bit flip mutator
func NewBitFlipMutator(mutationRate float64, rng *rand.Rand) *BitFlipMutator {
	return &BitFlipMutator{mutationRate: mutationRate, rng: rng}
}

// Mutate flips bits in a copy of the input. At least one bit flips for non-empty inputs.
func (m *BitFlipMutator) Mutate(testCase *interfaces.TestCase) (*interfaces.TestCase, error) {
	data := clone(testCase.Data)
	if len(data) == 0 {
		return derive(testCase, data, m.Name()), nil
	}

	flipped := false
	for i := 0; i < len(data)*8; i++ {
		if m.rng.Float64() < m.mutationRate {
			data[i/8] ^= 1 << (i % 8)
			flipped = true
		}
	}
	if !flipped {
		i := m.rng.Intn(len(data) * 8)
		data[i/8] ^= 1 << (i % 8)
	}
	return derive(testCase, data, m.Name()), nil
}

// Name returns the name of this mutator
func (m *BitFlipMutator) Name() string {
	return "BitFlipMutator"
}

// Description returns a description of this mutator
func (m *BitFlipMutator) Description() string {
	return "Flips individual bits in test case data for fine-grained mutations"
}

// interestingBytes are the AFL single byte boundary values
var interestingBytes = []byte{0x00, 0x01, 0x10, 0x20, 0x40, 0x64, 0x7f, 0x80, 0x81, 0xff}

// ByteSubstitutionMutator replaces bytes with random or boundary values
type ByteSubstitutionMutator struct {
	mutationRate float64 // Probability of mutation per byte
	rng          *rand.Rand
}

// NewByteSubstitutionMutator creates a new byte substitution mutator
func NewByteSubstitutionMutator(mutationRate float64, rng *rand.Rand) *ByteSubstitutionMutator {
	return &ByteSubstitutionMutator{mutationRate: mutationRate, rng: rng}
}

// Mutate creates a new test case by substituting bytes in the original
func (m *ByteSubstitutionMutator) Mutate(testCase *interfaces.TestCase) (*interfaces.TestCase, error) {
	data := clone(testCase.Data)
	if len(data) == 0 {
		return derive(testCase, data, m.Name()), nil
	}

	substitute := func(i int) {
		if m.rng.Intn(2) == 0 {
			data[i] = interestingBytes[m.rng.Intn(len(interestingBytes))]
		} else {
			data[i] = byte(m.rng.Intn(256))
		}
	}
	changed := false
	for i := range data {
		if m.rng.Float64() < m.mutationRate {
			substitute(i)
			changed = true
		}
	}
	if !changed {
		substitute(m.rng.Intn(len(data)))
	}
	return derive(testCase, data, m.Name()), nil
}

// Name returns the name of this mutator
func (m *ByteSubstitutionMutator) Name() string {
	return "ByteSubstitutionMutator"
}

// Description returns a description of this mutator
func (m *ByteSubstitutionMutator) Description() string {
	return "Substitutes bytes with random or boundary values"
}

// ArithmeticMutator adds small deltas to integers embedded in the input
type ArithmeticMutator struct {
	rng *rand.Rand
}

// NewArithmeticMutator creates a new arithmetic mutator
func NewArithmeticMutator(rng *rand.Rand) *ArithmeticMutator {
	return &ArithmeticMutator{rng: rng}
}

// arithMax is the AFL bound on arithmetic deltas
const arithMax = 35

// Mutate picks a width and endianness, then adds or subtracts a delta at a random offset
func (m *ArithmeticMutator) Mutate(testCase *interfaces.TestCase) (*interfaces.TestCase, error) {
	data := clone(testCase.Data)
	widths := []int{1, 2, 4, 8}
	width := widths[m.rng.Intn(len(widths))]
	for width > len(data) && width > 1 {
		width /= 2
	}
	if len(data) < width {
		return derive(testCase, data, m.Name()), nil
	}

	off := m.rng.Intn(len(data) - width + 1)
	delta := uint64(1 + m.rng.Intn(arithMax))
	if m.rng.Intn(2) == 0 {
		delta = -delta
	}
	var order binary.ByteOrder = binary.LittleEndian
	if m.rng.Intn(2) == 0 {
		order = binary.BigEndian
	}

	b := data[off : off+width]
	switch width {
	case 1:
		b[0] += byte(delta)
	case 2:
		order.PutUint16(b, order.Uint16(b)+uint16(delta))
	case 4:
		order.PutUint32(b, order.Uint32(b)+uint32(delta))
	case 8:
		order.PutUint64(b, order.Uint64(b)+delta)
	}
	return derive(testCase, data, m.Name()), nil
}

// Name returns the name of this mutator
func (m *ArithmeticMutator) Name() string {
	return "ArithmeticMutator"
}

// Description returns a description of this mutator
func (m *ArithmeticMutator) Description() string {
	return "Adds small deltas to 8, 16, 32 and 64 bit integers in either byte order"
}

// BlockMutator inserts, deletes and duplicates byte ranges
type BlockMutator struct {
	rng *rand.Rand
}

// NewBlockMutator creates a new block mutator
func NewBlockMutator(rng *rand.Rand) *BlockMutator {
	return &BlockMutator{rng: rng}
}

// Mutate changes the input length. Empty inputs always grow.
func (m *BlockMutator) Mutate(testCase *interfaces.TestCase) (*interfaces.TestCase, error) {
	data := testCase.Data
	if len(data) == 0 {
		grown := make([]byte, 1+m.rng.Intn(16))
		m.rng.Read(grown)
		return derive(testCase, grown, m.Name()), nil
	}

	start := m.rng.Intn(len(data))
	size := 1 + m.rng.Intn(min(len(data)-start, 32))
	var out []byte
	switch m.rng.Intn(3) {
	case 0:
		// delete
		if size == len(data) {
			size = len(data) - 1
		}
		out = append(clone(data[:start]), data[start+size:]...)
	case 1:
		// duplicate
		out = make([]byte, 0, len(data)+size)
		out = append(out, data[:start+size]...)
		out = append(out, data[start:]...)
	default:
		// insert random bytes
		block := make([]byte, size)
		m.rng.Read(block)
		out = make([]byte, 0, len(data)+size)
		out = append(out, data[:start]...)
		out = append(out, block...)
		out = append(out, data[start:]...)
	}
	return derive(testCase, out, m.Name()), nil
}

// Name returns the name of this mutator
func (m *BlockMutator) Name() string {
	return "BlockMutator"
}

// Description returns a description of this mutator
func (m *BlockMutator) Description() string {
	return "Deletes, duplicates or inserts byte ranges"
}

// Donor supplies another corpus entry for crossover, or nil when there is none
type Donor func() *interfaces.TestCase

// CrossOverMutator splices the input with another corpus entry
type CrossOverMutator struct {
	donor Donor
	rng   *rand.Rand
}

// NewCrossOverMutator creates a new crossover mutator
func NewCrossOverMutator(donor Donor, rng *rand.Rand) *CrossOverMutator {
	return &CrossOverMutator{donor: donor, rng: rng}
}

// Mutate keeps a prefix of the input and appends a suffix of the donor. Without a donor the
// input is rotated instead.
func (m *CrossOverMutator) Mutate(testCase *interfaces.TestCase) (*interfaces.TestCase, error) {
	data := testCase.Data
	if len(data) == 0 {
		return derive(testCase, nil, m.Name()), nil
	}

	var other *interfaces.TestCase
	if m.donor != nil {
		other = m.donor()
	}
	split := m.rng.Intn(len(data))
	if other == nil || len(other.Data) == 0 || other.ID == testCase.ID {
		out := make([]byte, 0, len(data))
		out = append(out, data[split:]...)
		out = append(out, data[:split]...)
		return derive(testCase, out, m.Name()), nil
	}

	at := m.rng.Intn(len(other.Data))
	out := make([]byte, 0, split+len(other.Data)-at)
	out = append(out, data[:split]...)
	out = append(out, other.Data[at:]...)
	child := derive(testCase, out, m.Name())
	child.Metadata["donor"] = other.ID
	return child, nil
}

// Name returns the name of this mutator
func (m *CrossOverMutator) Name() string {
	return "CrossOverMutator"
}

// Description returns a description of this mutator
func (m *CrossOverMutator) Description() string {
	return "Combines parts of multiple test cases to create new ones"
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: hash_test.go
Description: Tests for index hashing and trace mode parsing.
*/

package tracer_test

import (
	"math/rand"
	"testing"

	"github.com/kleascm/simfuzz/pkg/tracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHashIndexBounds checks every power of two table up to 64K
func TestHashIndexBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	values := []uint64{0, 1, ^uint64(0), 0x8000000000000000, 0xdeadbeefcafebabe}
	for i := 0; i < 2000; i++ {
		values = append(values, rng.Uint64())
	}

	for k := 1; k <= 16; k++ {
		tableLen := uint64(1) << k
		for _, v := range values {
			idx := tracer.HashIndex(v, tableLen)
			require.Less(t, idx, tableLen, "value %#x table %d", v, tableLen)
		}
	}
}

// TestHashIndexFold checks the fold against hand computed values
func TestHashIndexFold(t *testing.T) {
	// one byte window: xor of all bytes
	assert.Equal(t, uint64(0x03), tracer.HashIndex(0x0102, 256))
	// two byte window: xor of the four 16-bit chunks
	assert.Equal(t, uint64(0x4444), tracer.HashIndex(0x1111222233334444, 65536))
	// tables above 64K fold in four byte chunks
	assert.Equal(t, uint64(0x3), tracer.HashIndex(0x0000000100000002, 1<<20))
	assert.Equal(t, uint64(0x3), tracer.HashIndex(0x0000000100000002, 1<<24))
	// deterministic
	assert.Equal(t, tracer.HashIndex(0xabcdef, 1024), tracer.HashIndex(0xabcdef, 1024))
	// degenerate tables
	assert.Equal(t, uint64(0), tracer.HashIndex(12345, 1))
	assert.Equal(t, uint64(0), tracer.HashIndex(12345, 0))
}

// TestHashIndexNonPowerOfTwo stays in bounds for odd table sizes
func TestHashIndexNonPowerOfTwo(t *testing.T) {
	for _, n := range []uint64{3, 100, 1000, 70000, 1 << 24} {
		for v := uint64(0); v < 5000; v += 7 {
			assert.Less(t, tracer.HashIndex(v*0x9e3779b97f4a7c15, n), n)
		}
	}
}

// TestParseMode accepts the configuration spellings
func TestParseMode(t *testing.T) {
	for in, want := range map[string]tracer.Mode{
		"once":      tracer.ModeOnce,
		"ONCE":      tracer.ModeOnce,
		"hit_count": tracer.ModeHitCount,
		"hitcount":  tracer.ModeHitCount,
		"":          tracer.ModeHitCount,
	} {
		got, err := tracer.ParseMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := tracer.ParseMode("sometimes")
	assert.Error(t, err)
	assert.Equal(t, "once", tracer.ModeOnce.String())
}

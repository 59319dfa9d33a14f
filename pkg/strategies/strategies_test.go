/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: strategies_test.go
Description: Tests for mutators, dictionaries and the strategy factory.
*/

package strategies

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/cmplog"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed() *interfaces.TestCase {
	return &interfaces.TestCase{ID: "parent", Data: []byte("hello simulated world"), Generation: 2}
}

func TestMutatorsDeriveChildren(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	mutators := []interfaces.Mutator{
		NewBitFlipMutator(0.01, rng),
		NewByteSubstitutionMutator(0.01, rng),
		NewArithmeticMutator(rng),
		NewBlockMutator(rng),
		NewCrossOverMutator(nil, rng),
	}
	for _, m := range mutators {
		t.Run(m.Name(), func(t *testing.T) {
			parent := seed()
			original := append([]byte(nil), parent.Data...)
			child, err := m.Mutate(parent)
			require.NoError(t, err)
			assert.Equal(t, "parent", child.ParentID)
			assert.Equal(t, 3, child.Generation)
			assert.NotEqual(t, parent.ID, child.ID)
			assert.Equal(t, m.Name(), child.Metadata["mutator"])
			assert.Equal(t, original, parent.Data, "parent must not change")
			assert.NotEmpty(t, m.Description())
		})
	}
}

func TestBitFlipAlwaysChanges(t *testing.T) {
	m := NewBitFlipMutator(0, rand.New(rand.NewSource(3)))
	child, err := m.Mutate(seed())
	require.NoError(t, err)
	assert.NotEqual(t, seed().Data, child.Data)
	assert.Len(t, child.Data, len(seed().Data))
}

func TestBlockMutatorGrowsEmptyInput(t *testing.T) {
	m := NewBlockMutator(rand.New(rand.NewSource(4)))
	child, err := m.Mutate(&interfaces.TestCase{ID: "empty"})
	require.NoError(t, err)
	assert.NotEmpty(t, child.Data)
}

func TestCrossOverUsesDonor(t *testing.T) {
	donor := &interfaces.TestCase{ID: "donor", Data: bytes.Repeat([]byte{'Z'}, 32)}
	m := NewCrossOverMutator(func() *interfaces.TestCase { return donor }, rand.New(rand.NewSource(5)))
	child, err := m.Mutate(seed())
	require.NoError(t, err)
	assert.Equal(t, "donor", child.Metadata["donor"])
	assert.True(t, bytes.HasSuffix(child.Data, []byte("Z")))
}

func TestCompositeChains(t *testing.T) {
	rng := rand.New(rand.NewSource(6))
	c := NewCompositeMutator([]interfaces.Mutator{NewBitFlipMutator(0, rng), NewArithmeticMutator(rng)}, 0, false, rng)
	child, err := c.Mutate(seed())
	require.NoError(t, err)
	assert.Equal(t, "parent", child.ParentID)
	assert.Equal(t, 3, child.Generation)
	assert.Equal(t, []string{"BitFlipMutator", "ArithmeticMutator"}, child.Metadata["chain"])

	_, err = NewCompositeMutator(nil, 1, true, rng).Mutate(seed())
	assert.Error(t, err)
}

func TestParseDictionary(t *testing.T) {
	dict := []byte(`
# header tokens
magic="MZ"
"\x7fELF"
quote="a\"b\\c"
`)
	tokens, err := ParseDictionary(dict)
	require.NoError(t, err)
	want := [][]byte{[]byte("MZ"), []byte("\x7fELF"), []byte(`a"b\c`)}
	if diff := cmp.Diff(want, tokens); diff != "" {
		t.Errorf("tokens mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{`unquoted`, `"\x7"`, `"\q"`, `"`} {
		_, err := ParseDictionary([]byte(bad))
		assert.Error(t, err, bad)
	}
}

func TestLoadTokens(t *testing.T) {
	dir := t.TempDir()
	dict := filepath.Join(dir, "x86.dict")
	list := filepath.Join(dir, "extra.yaml")
	require.NoError(t, os.WriteFile(dict, []byte("a=\"GET\"\nb=\"\\x00\\x01\"\n"), 0644))
	require.NoError(t, os.WriteFile(list, []byte("tokens:\n  - GET\n  - POST\n"), 0644))

	tokens, err := LoadTokens([]string{dict, list})
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("GET"), {0, 1}, []byte("POST")}, tokens)

	_, err = LoadTokens([]string{filepath.Join(dir, "missing.dict")})
	assert.Error(t, err)
}

func TestTokenMutatorPlacesToken(t *testing.T) {
	m := NewTokenMutator([][]byte{[]byte("TOKEN")}, rand.New(rand.NewSource(7)))
	for i := 0; i < 20; i++ {
		child, err := m.Mutate(seed())
		require.NoError(t, err)
		assert.Contains(t, string(child.Data), "TOKEN")
	}
}

func cmpEntry(width int, attr arch.CmpType, v0, v1 uint64) cmplog.Entry {
	return cmplog.Entry{
		Header:   cmplog.Header{Hits: 1, Shape: uint8(width - 1), Attribute: attr},
		Operands: []cmplog.Operands{{V0: v0, V1: v1}},
	}
}

func TestReplacements(t *testing.T) {
	reps := Replacements([]cmplog.Entry{cmpEntry(4, arch.CmpEqual, 0x41424344, 0x11223344)})
	assert.Contains(t, reps, Replacement{Pattern: []byte{0x44, 0x43, 0x42, 0x41}, With: []byte{0x44, 0x33, 0x22, 0x11}})
	assert.Contains(t, reps, Replacement{Pattern: []byte{0x41, 0x42, 0x43, 0x44}, With: []byte{0x11, 0x22, 0x33, 0x44}})
	assert.Len(t, reps, 4)

	ordered := Replacements([]cmplog.Entry{cmpEntry(1, arch.CmpGreater, 'a', 'q')})
	assert.Contains(t, ordered, Replacement{Pattern: []byte{'a'}, With: []byte{'r'}})
	assert.Contains(t, ordered, Replacement{Pattern: []byte{'a'}, With: []byte{'p'}})

	assert.Empty(t, Replacements([]cmplog.Entry{cmpEntry(4, arch.CmpEqual, 7, 7)}))
	assert.Empty(t, Replacements([]cmplog.Entry{cmpEntry(3, arch.CmpEqual, 1, 2)}))
}

func TestCmpLogMutatorSolvesComparison(t *testing.T) {
	parent := &interfaces.TestCase{
		ID:          "p",
		Data:        []byte("xxDCBAyy"),
		Comparisons: []cmplog.Entry{cmpEntry(4, arch.CmpEqual, 0x41424344, 0x4d414749)},
	}
	m := NewCmpLogMutator(rand.New(rand.NewSource(8)))
	solved := false
	for i := 0; i < 20 && !solved; i++ {
		child, err := m.Mutate(parent)
		require.NoError(t, err)
		solved = bytes.Equal(child.Data, []byte("xxIGAMyy"))
	}
	assert.True(t, solved)

	child, err := m.Mutate(&interfaces.TestCase{ID: "none", Data: []byte("abc")})
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), child.Data)
}

func TestBuild(t *testing.T) {
	cfg := &interfaces.FuzzerConfig{}
	m, err := Build(cfg, Options{Seed: 1})
	require.NoError(t, err)
	assert.Equal(t, "CompositeMutator", m.Name())

	cfg.Strategy = "token"
	_, err = Build(cfg, Options{})
	assert.Error(t, err)
	m, err = Build(cfg, Options{Tokens: [][]byte{[]byte("x")}})
	require.NoError(t, err)
	assert.Equal(t, "TokenMutator", m.Name())

	cfg.Strategy = "cmplog"
	_, err = Build(cfg, Options{})
	assert.Error(t, err)
	cfg.CmpLog = true
	m, err = Build(cfg, Options{})
	require.NoError(t, err)
	assert.Equal(t, "CmpLogMutator", m.Name())

	cfg.Strategy = "nope"
	_, err = Build(cfg, Options{})
	assert.Error(t, err)
}

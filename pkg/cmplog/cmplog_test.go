/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: cmplog_test.go
Description: Tests for the comparison log table: header accounting, ring overwrite and reset.
*/

package cmplog_test

import (
	"testing"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/cmplog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var smallLayout = cmplog.Layout{Width: 16, Height: 4}

func newPair(t *testing.T) (*cmplog.Map, *cmplog.View) {
	buf := make([]byte, smallLayout.Size())
	m, err := cmplog.NewMap(smallLayout, buf)
	require.NoError(t, err)
	v, err := cmplog.NewView(smallLayout, buf)
	require.NoError(t, err)
	return m, v
}

// TestLayoutSize matches the AFL++ dimensions
func TestLayoutSize(t *testing.T) {
	assert.Equal(t, 65536*8+65536*32*16, cmplog.DefaultLayout.Size())
	assert.NoError(t, cmplog.DefaultLayout.Validate())
	assert.Error(t, cmplog.Layout{Width: 3, Height: 1}.Validate())
	assert.Error(t, cmplog.Layout{Width: 0, Height: 1}.Validate())

	_, err := cmplog.NewMap(smallLayout, make([]byte, 10))
	assert.Error(t, err)
}

// TestLogRecordsHeaderAndOperands checks a single logged comparison
func TestLogRecordsHeaderAndOperands(t *testing.T) {
	m, v := newPair(t)

	m.Log(5, arch.CmpLesser, arch.CmpValues{Width: 4, V0: 0x1234, V1: 0x4321})

	entries := v.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, 5, e.Index)
	assert.Equal(t, uint32(1), e.Header.Hits)
	assert.Equal(t, uint8(3), e.Header.Shape)
	assert.Equal(t, 4, e.Width())
	assert.Equal(t, cmplog.TypeInstruction, e.Header.Type)
	assert.Equal(t, arch.CmpLesser, e.Header.Attribute)
	assert.Equal(t, []cmplog.Operands{{V0: 0x1234, V1: 0x4321}}, e.Operands)
}

// TestLogDefaultsAttributeToEqual fills in the attribute when none is known
func TestLogDefaultsAttributeToEqual(t *testing.T) {
	m, v := newPair(t)
	m.Log(0, 0, arch.CmpValues{Width: 1, V0: 1, V1: 2})
	assert.Equal(t, arch.CmpEqual, v.Header(0).Attribute)
}

// TestLogRingOverwritesOldest keeps the most recent Height pairs
func TestLogRingOverwritesOldest(t *testing.T) {
	m, v := newPair(t)

	for i := uint64(0); i < 6; i++ {
		m.Log(2, arch.CmpEqual, arch.CmpValues{Width: 8, V0: i, V1: i * 10})
	}

	entries := v.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, uint32(6), entries[0].Header.Hits)
	assert.Equal(t, []cmplog.Operands{
		{V0: 2, V1: 20}, {V0: 3, V1: 30}, {V0: 4, V1: 40}, {V0: 5, V1: 50},
	}, entries[0].Operands)
}

// TestLogKeepsWidestShape never narrows the recorded width
func TestLogKeepsWidestShape(t *testing.T) {
	m, v := newPair(t)
	m.Log(1, arch.CmpEqual, arch.CmpValues{Width: 8, V0: 1, V1: 1})
	m.Log(1, arch.CmpEqual, arch.CmpValues{Width: 2, V0: 1, V1: 1})
	assert.Equal(t, uint8(7), v.Header(1).Shape)
}

// TestResetClearsHeaders hides every entry without touching operands
func TestResetClearsHeaders(t *testing.T) {
	m, v := newPair(t)
	m.Log(1, arch.CmpEqual, arch.CmpValues{Width: 8, V0: 1, V1: 1})
	m.Log(9, arch.CmpEqual, arch.CmpValues{Width: 8, V0: 1, V1: 1})
	require.Len(t, v.Entries(), 2)

	m.Reset()
	assert.Empty(t, v.Entries())
}

// TestLogIgnoresOutOfRangeIndex drops indices outside the table
func TestLogIgnoresOutOfRangeIndex(t *testing.T) {
	m, v := newPair(t)
	m.Log(-1, arch.CmpEqual, arch.CmpValues{Width: 1})
	m.Log(smallLayout.Width, arch.CmpEqual, arch.CmpValues{Width: 1})
	assert.Empty(t, v.Entries())
	assert.Equal(t, cmplog.Header{}, v.Header(smallLayout.Width))
}

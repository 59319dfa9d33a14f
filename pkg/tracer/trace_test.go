/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: trace_test.go
Description: Tests for the per-run execution trace buffer.
*/

package tracer

import (
	"encoding/json"
	"os"
	"testing"

	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestExecutionTraceBounded stops recording at the limit and counts the rest
func TestExecutionTraceBounded(t *testing.T) {
	tr, err := newExecutionTrace(&protocol.InputConfig{
		SaveTraces:  []string{"all"},
		TraceDir:    t.TempDir(),
		TracePCOnly: true,
	})
	require.NoError(t, err)
	assert.Equal(t, MaxTraceLength, tr.limit)
	tr.limit = 4

	for pc := uint64(0); pc < 10; pc++ {
		tr.record(pc, func() string { return "nop" })
	}
	assert.Equal(t, []uint64{0, 1, 2, 3}, tr.pcs)
	assert.Equal(t, 6, tr.dropped)

	path, err := tr.save(interfaces.Timeout())
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved Trace
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.Equal(t, 6, saved.Dropped)
	assert.Len(t, saved.PCs, 4)

	tr.reset()
	assert.Empty(t, tr.pcs)
	assert.Zero(t, tr.dropped)
}

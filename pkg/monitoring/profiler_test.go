/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: profiler_test.go
Description: Tests for runtime profile capture.
*/

package monitoring

import (
	"os"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProfilerTypes(t *testing.T) {
	types, err := ParseProfilerTypes([]string{"CPU", " memory"})
	require.NoError(t, err)
	assert.Equal(t, []ProfilerType{ProfilerTypeCPU, ProfilerTypeMemory}, types)

	_, err = ParseProfilerTypes([]string{"disk"})
	assert.Error(t, err)
}

// TestProfilerWritesProfiles checks that every requested profile lands on disk
func TestProfilerWritesProfiles(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	p := NewProfiler(t.TempDir(), []ProfilerType{ProfilerTypeCPU, ProfilerTypeMemory, ProfilerTypeGoroutine}, logger)

	_, err := p.Stop()
	assert.Error(t, err, "stop before start")

	require.NoError(t, p.Start())
	assert.Error(t, p.Start())
	results, err := p.Stop()
	require.NoError(t, err)
	require.Len(t, results, 3)

	seen := map[ProfilerType]bool{}
	for _, r := range results {
		seen[r.Type] = true
		_, err := os.Stat(r.OutputFile)
		assert.NoError(t, err)
	}
	assert.True(t, seen[ProfilerTypeCPU])
	assert.True(t, seen[ProfilerTypeMemory])
	assert.True(t, seen[ProfilerTypeGoroutine])
}

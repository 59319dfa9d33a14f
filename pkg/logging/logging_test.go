/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logging_test.go
Description: Tests for logger setup, run log files, retention and the console formatters.
*/

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoggerConfigValidate tests configuration checks
func TestLoggerConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Format = "xml"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Level = "loud"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.OutputDir = t.TempDir()
	bad.MaxFiles = 0
	assert.Error(t, bad.Validate())
}

// TestFromFuzzerConfig tests the mapping from run options
func TestFromFuzzerConfig(t *testing.T) {
	c := FromFuzzerConfig(&interfaces.FuzzerConfig{LogLevel: "debug", JSONLogs: true, LogDir: "/tmp/x"})
	assert.Equal(t, LogLevelDebug, c.Level)
	assert.Equal(t, LogFormatJSON, c.Format)
	assert.Equal(t, "/tmp/x", c.OutputDir)

	c = FromFuzzerConfig(&interfaces.FuzzerConfig{})
	assert.Equal(t, LogLevelInfo, c.Level)
	assert.Equal(t, LogFormatCustom, c.Format)
}

// TestLoggerWritesFileAndConsole tests that entries reach both outputs
func TestLoggerWritesFileAndConsole(t *testing.T) {
	var console bytes.Buffer
	dir := t.TempDir()
	logger, err := NewLogger(&LoggerConfig{
		Level:     LogLevelDebug,
		Format:    LogFormatJSON,
		OutputDir: dir,
		MaxFiles:  3,
		Console:   &console,
	})
	require.NoError(t, err)

	logger.GetLogger().WithField("edges", 12).Info("Heartbeat")
	path := logger.FilePath()
	require.NoError(t, logger.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[len(lines)-1]), &entry))
	assert.Equal(t, "Heartbeat", entry["msg"])
	assert.Equal(t, float64(12), entry["edges"])
	assert.Contains(t, console.String(), "Heartbeat")

	// after close the file no longer grows
	logger.GetLogger().Info("late")
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, raw, after)
}

// TestLoggerCompressesOnClose tests archiving of finished logs
func TestLoggerCompressesOnClose(t *testing.T) {
	dir := t.TempDir()
	logger, err := NewLogger(&LoggerConfig{
		Level:     LogLevelInfo,
		Format:    LogFormatText,
		OutputDir: dir,
		MaxFiles:  3,
		Compress:  true,
		Console:   &bytes.Buffer{},
	})
	require.NoError(t, err)
	logger.GetLogger().Info("hello")
	require.NoError(t, logger.Close())

	_, err = os.Stat(logger.FilePath() + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(logger.FilePath())
	assert.True(t, os.IsNotExist(err))
}

// TestCleanupOldLogs tests retention by file age
func TestCleanupOldLogs(t *testing.T) {
	dir := t.TempDir()
	names := []string{
		"simfuzz_2024-01-01_00-00-00.000.log",
		"simfuzz_2024-01-02_00-00-00.000.log.gz",
		"simfuzz_2024-01-03_00-00-00.000.log",
		"other.log",
	}
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644))
	}

	lm := NewLogManager(dir, 2, false)
	require.NoError(t, lm.CleanupOldLogs())

	_, err := os.Stat(filepath.Join(dir, names[0]))
	assert.True(t, os.IsNotExist(err))
	for _, n := range names[1:] {
		_, err := os.Stat(filepath.Join(dir, n))
		assert.NoError(t, err, n)
	}

	stats, err := lm.GetLogStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalFiles)
	assert.Equal(t, 1, stats.CompressedFiles)
	assert.Equal(t, int64(2), stats.TotalSize)
}

// TestCustomFormatter tests field ordering and plain output
func TestCustomFormatter(t *testing.T) {
	f := &CustomFormatter{Timestamp: false, Colors: false}
	out, err := f.Format(&logrus.Entry{
		Level:   logrus.InfoLevel,
		Message: "Test message",
		Time:    time.Now(),
		Data: logrus.Fields{
			"zeta":     1,
			"alpha":    "value one",
			"duration": 1500 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "INFO  Test message alpha=\"value one\" duration=1.5s zeta=1\n", string(out))
}

// TestFuzzerFormatterTags tests event tags
func TestFuzzerFormatterTags(t *testing.T) {
	f := &FuzzerFormatter{CustomFormatter: CustomFormatter{}}
	cases := []struct {
		message string
		tag     string
	}{
		{"Solution found", "[SOLUTION]"},
		{"Heartbeat", "[STATS]"},
		{"Session started", "[HOST]"},
		{"Fuzzer engine started", "[ENGINE]"},
	}
	for _, tc := range cases {
		out, err := f.Format(&logrus.Entry{Level: logrus.WarnLevel, Message: tc.message, Data: logrus.Fields{}})
		require.NoError(t, err)
		assert.Contains(t, string(out), tc.tag+" "+tc.message)
	}

	out, err := f.Format(&logrus.Entry{Level: logrus.InfoLevel, Message: "nothing special", Data: logrus.Fields{}})
	require.NoError(t, err)
	assert.Equal(t, "INFO  nothing special\n", string(out))
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: commands_test.go
Description: Tests for configuration merging and the small commands.
*/

package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

// newRunCommand parses args the way the CLI does and returns the bound viper
func newRunCommand(t *testing.T, configFile string, args ...string) (*cobra.Command, *viper.Viper) {
	t.Helper()
	v := viper.New()
	cmd := &cobra.Command{Use: "fuzz"}
	cmd.Flags().String("log-level", "info", "")
	AddRunFlags(cmd)
	require.NoError(t, cmd.ParseFlags(args))
	require.NoError(t, InitViper(v, configFile))
	require.NoError(t, BindFlags(cmd, v))
	return cmd, v
}

// TestLoadConfigDefaults checks derived defaults
func TestLoadConfigDefaults(t *testing.T) {
	_, v := newRunCommand(t, "", "--output", "/tmp/out", "--seed", "9")
	cfg, err := LoadConfig(v)
	require.NoError(t, err)

	self, err := os.Executable()
	require.NoError(t, err)
	assert.Equal(t, self, cfg.HostPath)
	assert.Equal(t, []string{"host", "--program", "x86-parser"}, cfg.HostArgs)
	assert.Equal(t, "x86-64", cfg.Arch)
	assert.Equal(t, "/tmp/out/solutions", cfg.SolutionsDir)
	assert.Equal(t, int64(-1), cfg.StartIndex)
	assert.Equal(t, int64(9), cfg.Seed)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.True(t, cfg.StartOnHarness)
}

// TestLoadConfigFlags checks flag parsing of lists and numbers
func TestLoadConfigFlags(t *testing.T) {
	_, v := newRunCommand(t, "",
		"--program", "rv32-parser",
		"--breakpoints", "1,0x10",
		"--stop-indices", "2",
		"--start-index", "0",
		"--faults", "illegal_instruction",
		"--workers", "3",
	)
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, "riscv32", cfg.Arch)
	assert.Equal(t, []int64{1, 16}, cfg.Breakpoints)
	assert.Equal(t, []int64{2}, cfg.StopIndices)
	assert.Equal(t, int64(0), cfg.StartIndex)
	assert.Equal(t, 3, cfg.Workers)
}

// TestLoadConfigPrecedence checks flag over environment over config file
func TestLoadConfigPrecedence(t *testing.T) {
	file := filepath.Join(t.TempDir(), "simfuzz.yaml")
	require.NoError(t, os.WriteFile(file, []byte("workers: 2\nmax_crashes: 4\nstrategy: token\ntimeout: 2s\n"), 0644))
	t.Setenv("SIMFUZZ_MAX_CRASHES", "7")

	_, v := newRunCommand(t, file, "--strategy", "bitflip")
	cfg, err := LoadConfig(v)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, 7, cfg.MaxCrashes)
	assert.Equal(t, "bitflip", cfg.Strategy)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
}

// TestLoadConfigRejects checks validation errors
func TestLoadConfigRejects(t *testing.T) {
	cases := [][]string{
		{"--bitmap-size", "1000"},
		{"--workers", "0"},
		{"--mutation-rate", "2"},
		{"--program", "nope"},
		{"--faults", "not_a_fault"},
		{"--breakpoints", "x"},
	}
	for _, args := range cases {
		_, v := newRunCommand(t, "", args...)
		_, err := LoadConfig(v)
		assert.Error(t, err, strings.Join(args, " "))
	}
}

// TestShowConfigRoundTrips checks that printed settings load back
func TestShowConfigRoundTrips(t *testing.T) {
	cmd, v := newRunCommand(t, "", "--workers", "5", "--cmplog")
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, ShowConfig(cmd, v))

	var settings map[string]interface{}
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &settings))
	assert.Equal(t, 5, settings["workers"])
	assert.Equal(t, true, settings["cmplog"])

	file := filepath.Join(t.TempDir(), "cfg.yaml")
	require.NoError(t, os.WriteFile(file, out.Bytes(), 0644))
	_, v2 := newRunCommand(t, file)
	cfg, err := LoadConfig(v2)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers)
	assert.True(t, cfg.CmpLog)
}

// TestRunHostNeedsBootstrap checks that the host refuses to run standalone
func TestRunHostNeedsBootstrap(t *testing.T) {
	t.Setenv(protocol.EnvBootstrap, "")
	v := viper.New()
	v.Set("program", "x86-parser")
	err := RunHost(&cobra.Command{}, v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), protocol.EnvBootstrap)

	v.Set("program", "missing")
	assert.Error(t, RunHost(&cobra.Command{}, v))
}

// TestListTargets checks the target listing
func TestListTargets(t *testing.T) {
	cmd := &cobra.Command{}
	var out bytes.Buffer
	cmd.SetOut(&out)
	ListTargets(cmd)
	assert.Contains(t, out.String(), "x86-parser")
	assert.Contains(t, out.String(), "riscv64")
}

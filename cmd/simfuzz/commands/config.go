/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: config.go
Description: Configuration loading for the simfuzz commands. Flags, SIMFUZZ_* environment
variables and an optional YAML config file are merged by viper and resolved into a
FuzzerConfig.
*/

package commands

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/kleascm/simfuzz/pkg/execution"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/sim/targets"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "SIMFUZZ"

// InitViper prepares v for SIMFUZZ_* overrides and reads file if given
func InitViper(v *viper.Viper, file string) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if file == "" {
		return nil
	}
	v.SetConfigFile(file)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", file, err)
	}
	return nil
}

// BindFlags binds every flag of cmd to its snake_case key
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	var err error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if err == nil {
			err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		}
	})
	return err
}

// AddRunFlags registers the options shared by every command that starts hosts
func AddRunFlags(cmd *cobra.Command) {
	f := cmd.Flags()

	f.String("host", "", "Simulation host binary (default: this binary's host command)")
	f.StringSlice("host-args", nil, "Arguments for the host binary")
	f.StringSlice("host-env", nil, "Extra environment for the host binary")
	f.String("program", "x86-parser", "Built-in target served by the host command")
	f.String("arch", "", "Guest architecture (x86-64, riscv64, riscv32), default from the program")

	f.Int("workers", runtime.NumCPU(), "Parallel simulation sessions")
	f.Int64("iterations", 0, "Runs per session before it stops, 0 for unlimited")
	f.String("corpus", "", "Seed corpus directory")
	f.String("output", "./simfuzz_output", "Output directory for the queue")
	f.String("solutions", "", "Solutions directory (default: <output>/solutions)")
	f.Int("max-corpus-size", 10000, "Maximum corpus entries")
	f.Int("initial-random", 8, "Random seeds added to the corpus")
	f.Float64("mutation-rate", 0.01, "Per-byte mutation probability")
	f.Int("max-mutations", 8, "Longest havoc chain")
	f.String("strategy", "havoc", "Mutation strategy (havoc, bitflip, byte, arith, block, crossover, token, cmplog)")
	f.String("scheduler", "priority", "Scheduler (priority, coverage-guided)")
	f.Int("max-crashes", 0, "Stop after this many unique solutions, 0 for unlimited")
	f.Int64("seed", 0, "Random seed, 0 for time based")
	f.StringSlice("tokens", nil, "Dictionary files (AFL format or YAML token lists)")

	f.StringSlice("crash-patterns", nil, "Regular expressions marking interesting solutions")
	f.Int("reproduce-attempts", 3, "Replays per new solution, 0 disables")
	f.Bool("minimize", true, "Minimize reproducible solutions")

	f.Duration("timeout", 5*time.Second, "Virtual time limit per run")
	f.Duration("executor-timeout", 30*time.Second, "Wall clock limit per host request")

	f.StringSlice("faults", nil, "Faults treated as solutions")
	f.Bool("all-exceptions", false, "Treat every exception as a solution")
	f.Bool("all-breakpoints", false, "Treat every breakpoint as a solution")
	f.StringSlice("breakpoints", nil, "Breakpoint numbers treated as solutions")

	f.Int("bitmap-size", 65536, "Coverage map size, a power of two")
	f.String("trace-mode", "hit_count", "Coverage mode (hit_count, once)")
	f.Bool("cmplog", false, "Log comparison operands")
	f.Bool("coverage-reporting", false, "Report newly covered edges")
	f.StringSlice("save-traces", nil, "Stop kinds whose execution trace is saved (all, timeout, solution, normal)")
	f.String("trace-dir", "", "Directory for saved traces")
	f.Bool("trace-pc-only", false, "Save program counters only")

	f.Bool("start-on-harness", true, "Start at the harness start marker")
	f.Bool("stop-on-harness", true, "Stop at harness stop markers")
	f.Int64("start-index", -1, "Only this start marker index starts fuzzing, -1 for any")
	f.StringSlice("stop-indices", nil, "Stop marker indices, empty for all")
	f.StringSlice("assert-indices", nil, "Assert marker indices, empty for all")

	f.String("metrics-addr", "", "Listen address for /metrics, empty disables")
	f.Duration("heartbeat", 10*time.Second, "Interval between status lines")
}

func parseInt64s(values []string) ([]int64, error) {
	out := make([]int64, 0, len(values))
	for _, s := range values {
		n, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", s, err)
		}
		out = append(out, n)
	}
	return out, nil
}

// LoadConfig resolves the merged settings in v into a fuzzer configuration
func LoadConfig(v *viper.Viper) (*interfaces.FuzzerConfig, error) {
	cfg := &interfaces.FuzzerConfig{
		HostPath: v.GetString("host"),
		HostArgs: v.GetStringSlice("host_args"),
		HostEnv:  v.GetStringSlice("host_env"),
		Program:  v.GetString("program"),
		Arch:     v.GetString("arch"),

		Workers:       v.GetInt("workers"),
		Iterations:    v.GetInt64("iterations"),
		CorpusDir:     v.GetString("corpus"),
		OutputDir:     v.GetString("output"),
		SolutionsDir:  v.GetString("solutions"),
		MaxCorpusSize: v.GetInt("max_corpus_size"),
		InitialRandom: v.GetInt("initial_random"),
		MutationRate:  v.GetFloat64("mutation_rate"),
		MaxMutations:  v.GetInt("max_mutations"),
		Strategy:      v.GetString("strategy"),
		SchedulerType: v.GetString("scheduler"),
		MaxCrashes:    v.GetInt("max_crashes"),
		Seed:          v.GetInt64("seed"),
		TokenFiles:    v.GetStringSlice("tokens"),

		CrashPatterns:     v.GetStringSlice("crash_patterns"),
		ReproduceAttempts: v.GetInt("reproduce_attempts"),
		Minimize:          v.GetBool("minimize"),

		Timeout:         v.GetDuration("timeout"),
		ExecutorTimeout: v.GetDuration("executor_timeout"),

		Faults:                     v.GetStringSlice("faults"),
		AllExceptionsAreSolutions:  v.GetBool("all_exceptions"),
		AllBreakpointsAreSolutions: v.GetBool("all_breakpoints"),

		BitmapSize:        v.GetInt("bitmap_size"),
		TraceMode:         v.GetString("trace_mode"),
		CmpLog:            v.GetBool("cmplog"),
		CoverageReporting: v.GetBool("coverage_reporting"),
		SaveTraces:        v.GetStringSlice("save_traces"),
		TraceDir:          v.GetString("trace_dir"),
		TracePCOnly:       v.GetBool("trace_pc_only"),

		StartOnHarness: v.GetBool("start_on_harness"),
		StopOnHarness:  v.GetBool("stop_on_harness"),
		StartIndex:     v.GetInt64("start_index"),

		LogLevel:          v.GetString("log_level"),
		LogDir:            v.GetString("log_dir"),
		JSONLogs:          v.GetBool("json_logs"),
		MetricsAddr:       v.GetString("metrics_addr"),
		HeartbeatInterval: v.GetDuration("heartbeat"),
	}

	var err error
	if cfg.Breakpoints, err = parseInt64s(v.GetStringSlice("breakpoints")); err != nil {
		return nil, fmt.Errorf("breakpoints: %w", err)
	}
	if cfg.StopIndices, err = parseInt64s(v.GetStringSlice("stop_indices")); err != nil {
		return nil, fmt.Errorf("stop_indices: %w", err)
	}
	if cfg.AssertIndices, err = parseInt64s(v.GetStringSlice("assert_indices")); err != nil {
		return nil, fmt.Errorf("assert_indices: %w", err)
	}
	if !v.IsSet("start_index") {
		cfg.StartIndex = -1
	}

	if err := resolve(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolve fills derived defaults and rejects impossible settings
func resolve(cfg *interfaces.FuzzerConfig) error {
	if cfg.HostPath == "" {
		if cfg.Program == "" {
			return fmt.Errorf("either host or program must be set")
		}
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("failed to locate simfuzz binary: %w", err)
		}
		cfg.HostPath = self
		cfg.HostArgs = []string{"host", "--program", cfg.Program}
	}
	if cfg.Arch == "" && cfg.Program != "" {
		prog, err := targets.Lookup(cfg.Program)
		if err != nil {
			return err
		}
		cfg.Arch = prog.Arch().String()
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", cfg.Workers)
	}
	if cfg.BitmapSize <= 0 || cfg.BitmapSize&(cfg.BitmapSize-1) != 0 {
		return fmt.Errorf("bitmap_size must be a positive power of two, got %d", cfg.BitmapSize)
	}
	if cfg.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if cfg.MutationRate < 0 || cfg.MutationRate > 1 {
		return fmt.Errorf("mutation_rate must be within [0, 1], got %g", cfg.MutationRate)
	}
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.SolutionsDir == "" && cfg.OutputDir != "" {
		cfg.SolutionsDir = cfg.OutputDir + "/solutions"
	}
	// fault names are checked the same way the host will resolve them
	if _, err := execution.InputConfig(cfg); err != nil {
		return err
	}
	return nil
}

// ShowConfig prints the merged settings as YAML, ready to be used with --config
func ShowConfig(cmd *cobra.Command, v *viper.Viper) error {
	if _, err := LoadConfig(v); err != nil {
		return err
	}
	settings := v.AllSettings()
	delete(settings, "config")
	out, err := yaml.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

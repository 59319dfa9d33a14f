/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: config.go
Description: Translation of the fuzzer configuration into the host's initialization config,
and the launcher that starts host sessions from it.
*/

package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/controller"
	"github.com/kleascm/simfuzz/pkg/faults"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// DefaultFaults are reported as crashes when no fault list is configured
var DefaultFaults = []string{"triple", "double", "invalid_opcode", "general_protection", "page"}

// Launcher starts a fresh, initialized session
type Launcher func(ctx context.Context) (*controller.Session, error)

// InputConfig builds the host configuration. Fault names resolve against cfg.Arch.
func InputConfig(cfg *interfaces.FuzzerConfig) (protocol.InputConfig, error) {
	a := arch.X8664
	if cfg.Arch != "" {
		parsed, err := arch.ParseArchitecture(cfg.Arch)
		if err != nil {
			return protocol.InputConfig{}, err
		}
		a = parsed
	}

	names := cfg.Faults
	if len(names) == 0 {
		names = DefaultFaults
		if a.IsRISCV() {
			names = []string{"illegal_instruction", "load_page_fault", "store_page_fault", "load_access_fault", "store_access_fault"}
		}
	}
	kinds, err := faults.ParseList(a, strings.Join(names, ","))
	if err != nil {
		return protocol.InputConfig{}, fmt.Errorf("invalid fault list: %w", err)
	}
	codes := make([]int64, len(kinds))
	for i, k := range kinds {
		codes[i] = int64(k)
	}

	in := protocol.InputConfig{
		Faults:                     codes,
		TimeoutSeconds:             cfg.Timeout.Seconds(),
		TraceMode:                  cfg.TraceMode,
		CmpLog:                     cfg.CmpLog,
		CoverageMapSize:            cfg.BitmapSize,
		CoverageReporting:          cfg.CoverageReporting,
		SaveTraces:                 cfg.SaveTraces,
		TraceDir:                   cfg.TraceDir,
		TracePCOnly:                cfg.TracePCOnly,
		AllExceptionsAreSolutions:  cfg.AllExceptionsAreSolutions,
		AllBreakpointsAreSolutions: cfg.AllBreakpointsAreSolutions,
		Breakpoints:                cfg.Breakpoints,
		StartOnHarness:             cfg.StartOnHarness,
		StopOnHarness:              cfg.StopOnHarness,
		StopIndices:                cfg.StopIndices,
		AssertIndices:              cfg.AssertIndices,
		Iterations:                 cfg.Iterations,
		Seed:                       uint64(cfg.Seed),
	}
	if cfg.StartIndex >= 0 {
		idx := cfg.StartIndex
		in.StartIndex = &idx
	}
	return in, nil
}

// HostLauncher starts host processes as configured
func HostLauncher(cfg *interfaces.FuzzerConfig, logger *logrus.Logger) (Launcher, error) {
	input, err := InputConfig(cfg)
	if err != nil {
		return nil, err
	}
	hostCfg := controller.Config{
		HostPath: cfg.HostPath,
		HostArgs: cfg.HostArgs,
		HostEnv:  cfg.HostEnv,
		LogLevel: cfg.LogLevel,
	}
	return func(ctx context.Context) (*controller.Session, error) {
		return controller.Start(ctx, hostCfg, input, logger)
	}, nil
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: repro.go
Description: The repro command. Replays saved inputs on a fresh simulation host, checks
that each one stops the same way every time and optionally minimizes it.
*/

package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/kleascm/simfuzz/pkg/analysis"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/logging"
	"github.com/kleascm/simfuzz/pkg/orchestrator"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// RunRepro replays every input file named in args
func RunRepro(cmd *cobra.Command, v *viper.Viper, args []string) error {
	config, err := LoadConfig(v)
	if err != nil {
		return err
	}
	config.Workers = 1
	log, err := logging.NewLogger(logging.FromFuzzerConfig(config))
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.GetLogger()

	factory, err := orchestrator.SimulatorFactory(config, logger)
	if err != nil {
		return err
	}
	executors, err := orchestrator.New(config, factory, logger).Launch(cmd.Context())
	if err != nil {
		return err
	}
	executor := executors[0]
	defer executor.Cleanup()

	attempts := config.ReproduceAttempts
	if attempts <= 0 {
		attempts = analysis.DefaultReproducibilityConfig().MaxReproductionAttempts
	}
	harness := analysis.NewReproducibilityHarness(&analysis.ReproducibilityConfig{
		MaxReproductionAttempts: attempts,
		Minimize:                config.Minimize,
		MaxMinimizationRuns:     analysis.DefaultReproducibilityConfig().MaxMinimizationRuns,
		OutputDirectory:         v.GetString("report_dir"),
	}, executor, logger)

	for _, path := range args {
		result, err := replay(harness, executor, path)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(result)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "---\n%s", out)
	}
	return nil
}

// replay runs an input once to learn its stop reason, then reproduces it
func replay(h *analysis.ReproducibilityHarness, executor interfaces.Executor, path string) (*analysis.ReproducibilityResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	tc := &interfaces.TestCase{ID: filepath.Base(path), Data: data, Metadata: map[string]interface{}{"source": path}}

	first, err := executor.Execute(tc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if first.StopReason == nil {
		return nil, fmt.Errorf("%s: no stop reason (status %s)", path, first.Status)
	}
	result, err := h.Reproduce(tc, *first.StopReason)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return result, nil
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: main.go
Description: Command-line interface for simfuzz. Fuzzes programs running on a simulated
machine, serves as its own simulation host, replays solutions and prints the effective
configuration.
*/

package main

import (
	"fmt"
	"os"

	"github.com/kleascm/simfuzz/cmd/simfuzz/commands"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	configFile string
	logLevel   string
	jsonLogs   bool
	logDir     string
)

func main() {
	v := viper.GetViper()

	rootCmd := &cobra.Command{
		Use:   "simfuzz",
		Short: "simfuzz - coverage-guided fuzzing of full-system simulations",
		Long: `simfuzz drives programs running inside a full-system simulator. Each session runs
the guest to its harness start marker, snapshots it, and then replays mutated inputs from
that snapshot, collecting edge coverage, comparison operands and faults.`,
		Version:       "0.3.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := commands.InitViper(v, configFile); err != nil {
				return err
			}
			return commands.BindFlags(cmd, v)
		},
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json-logs", false, "Use JSON log format")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Directory for run logs, empty for console only")

	fuzzCmd := &cobra.Command{
		Use:   "fuzz",
		Short: "Fuzz a program on the simulated machine",
		Long: `Start one simulation host per worker and fuzz until interrupted, until every host
reaches its iteration limit, or until --max-crashes unique solutions were found.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.RunFuzz(cmd, v)
		},
	}
	commands.AddRunFlags(fuzzCmd)
	fuzzCmd.Flags().StringSlice("profile", nil, "Go runtime profiles to capture (cpu, memory, goroutine, block, mutex, trace)")
	fuzzCmd.Flags().String("profile-dir", "", "Directory for profiles (default: <output>/profiles)")

	reproCmd := &cobra.Command{
		Use:   "repro <input>...",
		Short: "Replay saved inputs and check that they reproduce",
		Long: `Run each input on a fresh host, then replay it --reproduce-attempts times and report
whether it always stops the same way. With --minimize, reproducible inputs are shrunk.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.RunRepro(cmd, v, args)
		},
	}
	commands.AddRunFlags(reproCmd)
	reproCmd.Flags().String("report-dir", "", "Directory for reproduction reports and minimized inputs")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Long:  `Merge flags, SIMFUZZ_* environment variables and --config, validate the result and print it.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.ShowConfig(cmd, v)
		},
	}
	commands.AddRunFlags(configCmd)

	hostCmd := &cobra.Command{
		Use:    "host",
		Short:  "Serve a fuzzer as a simulation host (started by simfuzz)",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.RunHost(cmd, v)
		},
	}
	hostCmd.Flags().String("program", "x86-parser", "Built-in target to run")

	targetsCmd := &cobra.Command{
		Use:   "targets",
		Short: "List the built-in targets",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			commands.ListTargets(cmd)
		},
	}

	rootCmd.AddCommand(fuzzCmd, reproCmd, configCmd, hostCmd, targetsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

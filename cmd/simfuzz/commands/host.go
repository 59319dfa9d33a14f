/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: host.go
Description: The host command. Runs a built-in target on the simulated machine with the
instrumentation module loaded and serves the fuzzer that launched it.
*/

package commands

import (
	"fmt"
	"os"

	"github.com/kleascm/simfuzz/pkg/module"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/kleascm/simfuzz/pkg/sim/machine"
	"github.com/kleascm/simfuzz/pkg/sim/targets"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// hostLogger writes to stderr, which the fuzzer forwards into its own log
func hostLogger(v *viper.Viper) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{DisableColors: true, DisableTimestamp: true})
	level, err := logrus.ParseLevel(v.GetString("log_level"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	return logger
}

// RunHost serves one fuzzing session for a built-in target
func RunHost(cmd *cobra.Command, v *viper.Viper) error {
	name := v.GetString("program")
	prog, err := targets.Lookup(name)
	if err != nil {
		return err
	}
	logger := hostLogger(v)

	conn, err := protocol.DialFromEnv()
	if err != nil {
		return fmt.Errorf("host must be started by simfuzz: %w", err)
	}
	defer conn.Close()

	m := machine.New(prog, machine.WithLogger(logger))
	defer m.Close()
	mod := module.New(m, logger)
	return mod.Serve(cmd.Context(), protocol.NewEndpoint(protocol.Server, conn, logger))
}

// ListTargets prints the built-in targets
func ListTargets(cmd *cobra.Command) {
	for _, name := range targets.Names() {
		prog, err := targets.Lookup(name)
		if err != nil {
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-14s %s\n", name, prog.Arch())
	}
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: fuzz.go
Description: The fuzz command. Starts the configured number of simulation hosts, runs the
campaign until interrupted or finished and optionally serves Prometheus metrics.
*/

package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kleascm/simfuzz/pkg/core"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/logging"
	"github.com/kleascm/simfuzz/pkg/monitoring"
	"github.com/kleascm/simfuzz/pkg/orchestrator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// RunFuzz runs a fuzzing campaign
func RunFuzz(cmd *cobra.Command, v *viper.Viper) error {
	config, err := LoadConfig(v)
	if err != nil {
		return err
	}
	log, err := logging.NewLogger(logging.FromFuzzerConfig(config))
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.GetLogger()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory, err := orchestrator.SimulatorFactory(config, logger)
	if err != nil {
		return err
	}
	o := orchestrator.New(config, factory, logger)

	if config.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		reporter, err := core.NewPrometheusReporter(reg, o.Stats)
		if err != nil {
			return err
		}
		o.AddReporter(reporter)
		shutdown, err := serveMetrics(config.MetricsAddr, reg, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	if kinds := v.GetStringSlice("profile"); len(kinds) > 0 {
		types, err := monitoring.ParseProfilerTypes(kinds)
		if err != nil {
			return err
		}
		dir := v.GetString("profile_dir")
		if dir == "" {
			dir = config.OutputDir + "/profiles"
		}
		profiler := monitoring.NewProfiler(dir, types, logger)
		if err := profiler.Start(); err != nil {
			return err
		}
		defer profiler.Stop()
	}

	printBanner(cmd, config)
	stats, err := o.Run(ctx)
	if err != nil {
		return err
	}
	printSummary(cmd, stats)
	return nil
}

// serveMetrics exposes reg on addr until the returned function is called
func serveMetrics(addr string, reg *prometheus.Registry, logger *logrus.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen on %s failed: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	logger.WithField("addr", ln.Addr().String()).Info("Serving metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

func printBanner(cmd *cobra.Command, config *interfaces.FuzzerConfig) {
	out := cmd.ErrOrStderr()
	fmt.Fprintf(out, "simfuzz: %d sessions of %s", config.Workers, config.HostPath)
	if config.Program != "" {
		fmt.Fprintf(out, " (%s, %s)", config.Program, config.Arch)
	}
	fmt.Fprintf(out, "\n  output %s, solutions %s\n", config.OutputDir, config.SolutionsDir)
}

func printSummary(cmd *cobra.Command, stats *core.FuzzerStats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "executions:  %d (%.1f/s)\n", stats.Executions, stats.ExecutionsPerSecond)
	fmt.Fprintf(out, "corpus:      %d\n", stats.CorpusSize)
	fmt.Fprintf(out, "edges:       %d\n", stats.CoverageEdges)
	fmt.Fprintf(out, "solutions:   %d unique of %d\n", stats.UniqueCrashes, stats.Crashes)
	fmt.Fprintf(out, "timeouts:    %d\n", stats.Timeouts)
	fmt.Fprintf(out, "hangs:       %d\n", stats.Hangs)
	fmt.Fprintf(out, "errors:      %d\n", stats.Errors)
}

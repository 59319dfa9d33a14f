/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: reporter.go
Description: Reporter interface and implementations for simfuzz telemetry. LoggerReporter
logs engine events, PrometheusReporter exports them as metrics.
*/

package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Reporter defines the interface for telemetry and reporting hooks.
type Reporter interface {
	// OnTestCaseExecuted is called after a test case is executed.
	OnTestCaseExecuted(result *ExecutionResult)
	// OnTestCaseAdded is called when a new test case is added to the corpus.
	OnTestCaseAdded(tc *TestCase)
	// OnSolution is called once per unique solution.
	OnSolution(tc *TestCase, result *ExecutionResult)
}

// LoggerReporter logs execution and corpus events.
type LoggerReporter struct {
	logger logrus.FieldLogger
}

// NewLoggerReporter creates a new LoggerReporter.
func NewLoggerReporter(logger logrus.FieldLogger) *LoggerReporter {
	return &LoggerReporter{logger: logger}
}

// OnTestCaseExecuted logs hangs at warn level and everything else at trace level.
func (r *LoggerReporter) OnTestCaseExecuted(result *ExecutionResult) {
	fields := logrus.Fields{"test_case": result.TestCaseID, "status": result.Status.String()}
	if result.StopReason != nil {
		fields["reason"] = result.StopReason.String()
	}
	if result.HangInfo != nil && result.HangInfo.Reason != "virtual time limit" {
		r.logger.WithFields(fields).Warn("Host hang detected")
		return
	}
	r.logger.WithFields(fields).Trace("Test case executed")
}

// OnTestCaseAdded logs new corpus entries.
func (r *LoggerReporter) OnTestCaseAdded(tc *TestCase) {
	fields := logrus.Fields{"id": tc.ID, "generation": tc.Generation, "size": len(tc.Data)}
	if tc.Coverage != nil {
		fields["edges"] = tc.Coverage.EdgeCount
	}
	r.logger.WithFields(fields).Debug("Test case added to corpus")
}

// OnSolution logs a unique solution.
func (r *LoggerReporter) OnSolution(tc *TestCase, result *ExecutionResult) {
	fields := logrus.Fields{"id": tc.ID, "size": len(tc.Data)}
	if result.CrashInfo != nil {
		fields["type"] = result.CrashInfo.Type
		fields["hash"] = result.CrashInfo.Hash
		if sev, ok := result.CrashInfo.Metadata["severity"]; ok {
			fields["severity"] = sev
		}
	}
	if result.StopReason != nil {
		fields["reason"] = result.StopReason.String()
	}
	r.logger.WithFields(fields).Warn("Solution found")
}

// PrometheusReporter exports engine events as Prometheus metrics.
type PrometheusReporter struct {
	executions *prometheus.CounterVec
	solutions  *prometheus.CounterVec
	added      prometheus.Counter
	inputBytes prometheus.Histogram
}

// NewPrometheusReporter registers the simfuzz metrics with reg. stats feeds the gauges and
// may be nil.
func NewPrometheusReporter(reg prometheus.Registerer, stats func() *FuzzerStats) (*PrometheusReporter, error) {
	r := &PrometheusReporter{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simfuzz",
			Name:      "executions_total",
			Help:      "Executions by result status.",
		}, []string{"status"}),
		solutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simfuzz",
			Name:      "solutions_total",
			Help:      "Unique solutions by type.",
		}, []string{"type"}),
		added: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "simfuzz",
			Name:      "corpus_additions_total",
			Help:      "Inputs added to the corpus.",
		}),
		inputBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "simfuzz",
			Name:      "corpus_input_bytes",
			Help:      "Sizes of inputs added to the corpus.",
			Buckets:   prometheus.ExponentialBuckets(8, 4, 8),
		}),
	}
	collectors := []prometheus.Collector{r.executions, r.solutions, r.added, r.inputBytes}
	if stats != nil {
		gauge := func(name, help string, value func(*FuzzerStats) float64) prometheus.Collector {
			return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace: "simfuzz",
				Name:      name,
				Help:      help,
			}, func() float64 { return value(stats()) })
		}
		collectors = append(collectors,
			gauge("corpus_size", "Inputs in the corpus.", func(s *FuzzerStats) float64 { return float64(s.CorpusSize) }),
			gauge("coverage_edges", "Coverage map entries reached.", func(s *FuzzerStats) float64 { return float64(s.CoverageEdges) }),
			gauge("executions_per_second", "Average execution rate.", func(s *FuzzerStats) float64 { return s.ExecutionsPerSecond }),
		)
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// OnTestCaseExecuted counts the execution by status.
func (r *PrometheusReporter) OnTestCaseExecuted(result *ExecutionResult) {
	r.executions.WithLabelValues(result.Status.String()).Inc()
}

// OnTestCaseAdded counts the corpus addition.
func (r *PrometheusReporter) OnTestCaseAdded(tc *TestCase) {
	r.added.Inc()
	r.inputBytes.Observe(float64(len(tc.Data)))
}

// OnSolution counts the solution by type.
func (r *PrometheusReporter) OnSolution(tc *TestCase, result *ExecutionResult) {
	kind := "unknown"
	if result.CrashInfo != nil {
		kind = result.CrashInfo.Type
	}
	r.solutions.WithLabelValues(kind).Inc()
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: reproducibility.go
Description: Reproducibility harness for simfuzz solutions. Replays a solution against a fresh
executor, measures how often the same stop reason comes back, optionally shrinks the input
while the stop reason holds, and writes a YAML report next to the solution.
*/

package analysis

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ReproducibilityResult contains the results of a replay
type ReproducibilityResult struct {
	TestCaseID           string        `yaml:"test_case"`
	Expected             string        `yaml:"expected"`
	Observed             []string      `yaml:"observed"`
	Reproducible         bool          `yaml:"reproducible"`
	ReproductionRate     float64       `yaml:"reproduction_rate"`
	ReproductionAttempts int           `yaml:"attempts"`
	ReproductionTime     time.Duration `yaml:"duration"`
	OriginalSize         int           `yaml:"original_size"`
	MinimalSize          int           `yaml:"minimal_size,omitempty"`
	MinimizationRuns     int           `yaml:"minimization_runs,omitempty"`

	MinimalTestCase *interfaces.TestCase `yaml:"-"`
}

// ReproducibilityConfig configures the reproducibility harness
type ReproducibilityConfig struct {
	MaxReproductionAttempts int    // Runs per replay
	Minimize                bool   // Shrink reproducible inputs
	MaxMinimizationRuns     int    // Upper bound on executions spent shrinking
	OutputDirectory         string // Directory for reports and minimized inputs, empty disables
}

// DefaultReproducibilityConfig returns the settings used when none are given
func DefaultReproducibilityConfig() *ReproducibilityConfig {
	return &ReproducibilityConfig{
		MaxReproductionAttempts: 5,
		MaxMinimizationRuns:     2048,
	}
}

// ReproducibilityHarness replays solutions through an executor
type ReproducibilityHarness struct {
	config   *ReproducibilityConfig
	executor interfaces.Executor
	logger   logrus.FieldLogger
}

// NewReproducibilityHarness creates a new reproducibility harness
func NewReproducibilityHarness(config *ReproducibilityConfig, executor interfaces.Executor, logger logrus.FieldLogger) *ReproducibilityHarness {
	if config == nil {
		config = DefaultReproducibilityConfig()
	}
	if config.MaxReproductionAttempts <= 0 {
		config.MaxReproductionAttempts = 1
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ReproducibilityHarness{
		config:   config,
		executor: executor,
		logger:   logger,
	}
}

// SameStop reports whether two stop reasons name the same finding
func SameStop(a, b *interfaces.StopReason) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Kind == b.Kind && a.Fault == b.Fault && a.Breakpoint == b.Breakpoint && a.Solution == b.Solution
}

// Reproduce replays testCase and compares each run with expected
func (h *ReproducibilityHarness) Reproduce(testCase *interfaces.TestCase, expected interfaces.StopReason) (*ReproducibilityResult, error) {
	start := time.Now()
	result := &ReproducibilityResult{
		TestCaseID:   testCase.ID,
		Expected:     expected.String(),
		OriginalSize: len(testCase.Data),
	}

	successes := 0
	for attempt := 1; attempt <= h.config.MaxReproductionAttempts; attempt++ {
		res, err := h.executor.Execute(testCase)
		if err != nil {
			if res == nil {
				return nil, fmt.Errorf("reproduction attempt %d: %w", attempt, err)
			}
			h.logger.WithError(err).Warnf("Reproduction attempt %d failed", attempt)
		}
		result.ReproductionAttempts++
		observed := res.Status.String()
		if res.StopReason != nil {
			observed = res.StopReason.String()
		}
		result.Observed = append(result.Observed, observed)
		if SameStop(res.StopReason, &expected) {
			successes++
		}
	}

	result.ReproductionRate = float64(successes) / float64(result.ReproductionAttempts)
	result.Reproducible = successes == result.ReproductionAttempts
	h.logger.WithFields(logrus.Fields{
		"test_case": testCase.ID,
		"expected":  result.Expected,
		"rate":      result.ReproductionRate,
	}).Info("Reproduction finished")

	if result.Reproducible && h.config.Minimize {
		minimal, runs, err := h.minimize(testCase, expected)
		if err != nil {
			return nil, err
		}
		result.MinimalTestCase = minimal
		result.MinimalSize = len(minimal.Data)
		result.MinimizationRuns = runs
	}

	result.ReproductionTime = time.Since(start)
	if err := h.saveReport(result); err != nil {
		return result, err
	}
	return result, nil
}

// minimize removes chunks of decreasing size while the run keeps the same stop reason
func (h *ReproducibilityHarness) minimize(testCase *interfaces.TestCase, expected interfaces.StopReason) (*interfaces.TestCase, int, error) {
	data := append([]byte(nil), testCase.Data...)
	runs := 0
	limit := h.config.MaxMinimizationRuns
	if limit <= 0 {
		limit = DefaultReproducibilityConfig().MaxMinimizationRuns
	}

	holds := func(candidate []byte) (bool, error) {
		runs++
		res, err := h.executor.Execute(&interfaces.TestCase{
			ID:       testCase.ID + "-min",
			Data:     candidate,
			ParentID: testCase.ID,
		})
		if err != nil && res == nil {
			return false, err
		}
		return res != nil && SameStop(res.StopReason, &expected), nil
	}

	for chunk := len(data) / 2; chunk >= 1 && runs < limit; chunk /= 2 {
		for offset := 0; offset+chunk <= len(data) && runs < limit; {
			candidate := make([]byte, 0, len(data)-chunk)
			candidate = append(candidate, data[:offset]...)
			candidate = append(candidate, data[offset+chunk:]...)
			ok, err := holds(candidate)
			if err != nil {
				return nil, runs, fmt.Errorf("minimization: %w", err)
			}
			if ok {
				data = candidate
				continue
			}
			offset += chunk
		}
	}

	h.logger.WithFields(logrus.Fields{
		"test_case": testCase.ID,
		"from":      len(testCase.Data),
		"to":        len(data),
		"runs":      runs,
	}).Info("Minimized solution")

	return &interfaces.TestCase{
		ID:         testCase.ID + "-min",
		Data:       data,
		ParentID:   testCase.ID,
		Generation: testCase.Generation,
		CreatedAt:  time.Now(),
	}, runs, nil
}

// saveReport writes the YAML report and the minimized input
func (h *ReproducibilityHarness) saveReport(result *ReproducibilityResult) error {
	if h.config.OutputDirectory == "" {
		return nil
	}
	if result.TestCaseID == "" {
		return errors.New("report needs a test case id")
	}
	if err := os.MkdirAll(h.config.OutputDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}

	data, err := yaml.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal reproduction report: %w", err)
	}
	path := filepath.Join(h.config.OutputDirectory, result.TestCaseID+".repro.yaml")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write reproduction report: %w", err)
	}
	if result.MinimalTestCase != nil {
		minPath := filepath.Join(h.config.OutputDirectory, result.TestCaseID+".min")
		if err := os.WriteFile(minPath, result.MinimalTestCase.Data, 0644); err != nil {
			return fmt.Errorf("failed to write minimized input: %w", err)
		}
	}
	h.logger.WithField("path", path).Debug("Reproduction report saved")
	return nil
}

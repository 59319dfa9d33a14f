/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: worker.go
Description: Worker for parallel test case execution in simfuzz. Each worker owns one
executor, and therefore one simulation host, plus its own mutator.
*/

package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/sirupsen/logrus"
)

// Worker represents a single worker in the fuzzing process
type Worker struct {
	ID       int
	executor interfaces.Executor
	mutator  interfaces.Mutator
	logger   logrus.FieldLogger

	executions int64
	crashes    int64
	hangs      int64
	errors     int64
	startTime  time.Time
	exhausted  bool

	mu sync.RWMutex
}

// NewWorker creates a new worker instance
func NewWorker(id int, executor interfaces.Executor, mutator interfaces.Mutator, logger logrus.FieldLogger) *Worker {
	return &Worker{
		ID:        id,
		executor:  executor,
		mutator:   mutator,
		logger:    logger.WithField("worker", id),
		startTime: time.Now(),
	}
}

// Execute runs a test case on the worker's executor
func (w *Worker) Execute(testCase *TestCase) (*ExecutionResult, error) {
	result, err := w.executor.Execute(testCase)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.executions++
	if err != nil {
		w.errors++
		return result, fmt.Errorf("worker %d: %w", w.ID, err)
	}
	switch result.Status {
	case interfaces.StatusCrash:
		w.crashes++
	case interfaces.StatusHang, interfaces.StatusTimeout:
		w.hangs++
	}
	w.logger.WithFields(logrus.Fields{
		"test_case": testCase.ID,
		"status":    result.Status.String(),
		"duration":  result.Duration,
	}).Trace("Test case executed")
	return result, nil
}

// Mutate derives a candidate from parent with the worker's mutator
func (w *Worker) Mutate(parent *TestCase) (*TestCase, error) {
	return w.mutator.Mutate(parent)
}

// Executor returns the worker's executor
func (w *Worker) Executor() interfaces.Executor {
	return w.executor
}

// markExhausted records that the executor reached its iteration limit
func (w *Worker) markExhausted() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exhausted = true
}

// Exhausted reports whether the executor reached its iteration limit
func (w *Worker) Exhausted() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.exhausted
}

// GetStats returns worker performance statistics
func (w *Worker) GetStats() map[string]interface{} {
	w.mu.RLock()
	defer w.mu.RUnlock()

	stats := map[string]interface{}{
		"id":         w.ID,
		"executions": w.executions,
		"crashes":    w.crashes,
		"hangs":      w.hangs,
		"errors":     w.errors,
		"uptime":     time.Since(w.startTime),
		"exhausted":  w.exhausted,
		"mutator":    w.mutator.Name(),
	}
	if uptime := time.Since(w.startTime).Seconds(); uptime > 0 {
		stats["executions_per_second"] = float64(w.executions) / uptime
	}
	return stats
}

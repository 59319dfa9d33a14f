/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: detector.go
Description: Fault detector. Watches exceptions, triple faults, breakpoints and a virtual time
timeout, and turns the first matching event of a run into the run's stop reason. The reason
is write-once per run and cleared when the next run is prepared.
*/

package detector

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/faults"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/kleascm/simfuzz/pkg/sim"
	"github.com/sirupsen/logrus"
)

// Detector decides when a run has produced a stop reason
type Detector struct {
	sim    sim.Simulator
	logger *logrus.Logger

	mu         sync.Mutex
	processors map[int]arch.Architecture
	faults     map[faults.Kind]struct{}
	timeout    time.Duration
	pending    map[int]sim.EventID
	reason     *interfaces.StopReason

	allExceptions  bool
	allBreakpoints bool
	breakpoints    map[int64]struct{}

	exceptionSub  *sim.Subscription
	tripleSub     *sim.Subscription
	breakpointSub *sim.Subscription
}

// New creates a detector with an empty fault set
func New(s sim.Simulator, logger *logrus.Logger) *Detector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Detector{
		sim:         s,
		logger:      logger,
		processors:  make(map[int]arch.Architecture),
		faults:      make(map[faults.Kind]struct{}),
		pending:     make(map[int]sim.EventID),
		breakpoints: make(map[int64]struct{}),
	}
}

// AddProcessor registers a processor whose clock drives the timeout
func (d *Detector) AddProcessor(cpu int) error {
	a, err := d.sim.Architecture(cpu)
	if err != nil {
		return fmt.Errorf("failed to query architecture of cpu %d: %w", cpu, err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.processors[cpu] = a
	return nil
}

// AddFault adds a fault to the set. The simulator subscription for the fault's event stream
// is made the first time it is needed.
func (d *Detector) AddFault(k faults.Kind) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.addFault(k)
}

func (d *Detector) addFault(k faults.Kind) {
	if _, ok := d.faults[k]; ok {
		return
	}
	d.faults[k] = struct{}{}
	if k == faults.Triple {
		d.ensureTripleSubscription()
	} else {
		d.ensureExceptionSubscription()
	}
	d.logger.WithField("fault", int64(k)).Debug("Added fault")
}

func (d *Detector) ensureExceptionSubscription() {
	if d.exceptionSub != nil {
		return
	}
	s := d.sim.OnException(d.OnException)
	d.exceptionSub = &s
}

func (d *Detector) ensureTripleSubscription() {
	if d.tripleSub != nil {
		return
	}
	s := d.sim.OnTripleFault(d.OnTripleFault)
	d.tripleSub = &s
}

// Faults returns the configured fault set in ascending order
func (d *Detector) Faults() []faults.Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]faults.Kind, 0, len(d.faults))
	for k := range d.faults {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetTimeout sets the virtual time limit of a run, zero disables it
func (d *Detector) SetTimeout(timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.timeout = timeout
}

// OnInitialize applies the fuzzer's detection settings
func (d *Detector) OnInitialize(cfg *protocol.InputConfig, _ *protocol.OutputConfig) error {
	if cfg.TimeoutSeconds < 0 {
		return fmt.Errorf("invalid timeout %v", cfg.TimeoutSeconds)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, f := range cfg.Faults {
		d.addFault(faults.Kind(f))
	}
	d.timeout = time.Duration(cfg.TimeoutSeconds * float64(time.Second))
	d.allExceptions = cfg.AllExceptionsAreSolutions
	if d.allExceptions {
		d.ensureExceptionSubscription()
	}
	d.allBreakpoints = cfg.AllBreakpointsAreSolutions
	for _, id := range cfg.Breakpoints {
		d.breakpoints[id] = struct{}{}
	}

	d.logger.WithFields(logrus.Fields{
		"faults":         len(d.faults),
		"timeout":        d.timeout.String(),
		"all_exceptions": d.allExceptions,
	}).Info("Detector initialized")
	return nil
}

// PreFirstRun subscribes to breakpoints when breakpoints are solutions
func (d *Detector) PreFirstRun() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if (d.allBreakpoints || len(d.breakpoints) > 0) && d.breakpointSub == nil {
		s := d.sim.OnBreakpoint(d.OnBreakpoint)
		d.breakpointSub = &s
	}
	return nil
}

// OnReady clears the previous run's stop reason. The fault set is kept.
func (d *Detector) OnReady() error {
	d.ClearReason()
	return nil
}

// OnRun posts the timeout event on every registered processor
func (d *Detector) OnRun() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timeout <= 0 {
		return nil
	}
	for cpu := range d.processors {
		cpu := cpu
		id, err := d.sim.PostEvent(cpu, d.timeout, func() { d.onTimeout(cpu) })
		if err != nil {
			return fmt.Errorf("failed to post timeout event on cpu %d: %w", cpu, err)
		}
		d.pending[cpu] = id
	}
	return nil
}

// OnStopped cancels timeout events that have not fired. Cancel failures are expected when
// the event fired or was consumed and are only logged.
func (d *Detector) OnStopped(interfaces.StopReason) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for cpu, id := range d.pending {
		if err := d.sim.CancelEvent(id); err != nil {
			level := logrus.WarnLevel
			if errors.Is(err, sim.ErrNoEvent) {
				level = logrus.DebugLevel
			}
			d.logger.WithFields(logrus.Fields{
				"cpu":   cpu,
				"event": uint64(id),
			}).WithError(err).Log(level, "Timeout event not cancelled")
		}
		delete(d.pending, cpu)
	}
	return nil
}

// OnExit drops the simulator subscriptions
func (d *Detector) OnExit() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range []*sim.Subscription{d.exceptionSub, d.tripleSub, d.breakpointSub} {
		if s != nil {
			d.sim.Unsubscribe(*s)
		}
	}
	d.exceptionSub, d.tripleSub, d.breakpointSub = nil, nil, nil
}

// OnException stops the run if the exception is a configured fault
func (d *Detector) OnException(cpu int, code int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	k := faults.Kind(code)
	_, configured := d.faults[k]
	if !configured && !d.allExceptions {
		return
	}
	if d.stop(interfaces.Crash(k, cpu)) {
		d.logger.WithFields(logrus.Fields{
			"cpu":   cpu,
			"fault": faults.Name(d.processors[cpu], k),
			"code":  code,
		}).Info("Fault detected")
	}
}

// OnTripleFault stops the run if triple faults are configured
func (d *Detector) OnTripleFault(cpu int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.faults[faults.Triple]; !ok {
		return
	}
	if d.stop(interfaces.Crash(faults.Triple, cpu)) {
		d.logger.WithField("cpu", cpu).Info("Triple fault detected")
	}
}

// OnBreakpoint stops the run if breakpoints are solutions
func (d *Detector) OnBreakpoint(cpu int, id int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, listed := d.breakpoints[id]
	if !listed && !d.allBreakpoints {
		return
	}
	if d.stop(interfaces.BreakpointHit(id)) {
		d.logger.WithFields(logrus.Fields{
			"cpu":        cpu,
			"breakpoint": id,
		}).Info("Breakpoint solution")
	}
}

// OnTimeoutEvent stops the run with a timeout
func (d *Detector) OnTimeoutEvent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stop(interfaces.Timeout()) {
		d.logger.Debug("Run timed out")
	}
}

func (d *Detector) onTimeout(cpu int) {
	d.mu.Lock()
	delete(d.pending, cpu)
	d.mu.Unlock()
	d.OnTimeoutEvent()
}

// stop records the reason if none is set yet and halts the simulation. Caller holds mu.
func (d *Detector) stop(r interfaces.StopReason) bool {
	if d.reason != nil {
		return false
	}
	d.reason = &r
	d.sim.Break()
	return true
}

// SetReason records a reason from an explicit call. Returns false if one was already set.
func (d *Detector) SetReason(r interfaces.StopReason) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reason != nil {
		return false
	}
	d.reason = &r
	return true
}

// Reason returns the current stop reason
func (d *Detector) Reason() (interfaces.StopReason, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.reason == nil {
		return interfaces.StopReason{}, false
	}
	return *d.reason, true
}

// ClearReason forgets the current stop reason
func (d *Detector) ClearReason() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reason = nil
}

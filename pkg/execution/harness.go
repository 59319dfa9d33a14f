/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: harness.go
Description: Harness wraps a live session as the function a coverage-guided engine calls for
each candidate input: reset, run, translate the stop reason to a ternary outcome. The shared
coverage map and comparison log are exposed read-only for feedback. The harness keeps no
inputs and takes no retention decisions.
*/

package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/cmplog"
	"github.com/kleascm/simfuzz/pkg/controller"
	"github.com/kleascm/simfuzz/pkg/coverage"
	"github.com/kleascm/simfuzz/pkg/faults"
	"github.com/kleascm/simfuzz/pkg/interfaces"
)

// Outcome is the engine-facing classification of a run
type Outcome int

const (
	OutcomeNormal Outcome = iota
	OutcomeCrash
	OutcomeTimeout
)

// String returns the outcome name
func (o Outcome) String() string {
	switch o {
	case OutcomeCrash:
		return "crash"
	case OutcomeTimeout:
		return "timeout"
	default:
		return "normal"
	}
}

// Translate maps a stop reason to an outcome. Every solution kind counts as a crash.
func Translate(r interfaces.StopReason) Outcome {
	switch {
	case r.IsSolution():
		return OutcomeCrash
	case r.Kind == interfaces.StopTimeout:
		return OutcomeTimeout
	default:
		return OutcomeNormal
	}
}

// Harness runs inputs on one session
type Harness struct {
	session  *controller.Session
	observer *coverage.MapObserver
	cmp      *cmplog.View
	limit    time.Duration
	archs    map[int]arch.Architecture
}

// NewHarness wraps a session. limit bounds each exchange with the host in wall-clock time.
func NewHarness(s *controller.Session, limit time.Duration, classify bool) (*Harness, error) {
	h := &Harness{
		session:  s,
		observer: coverage.NewMapObserver(s.Coverage(), classify),
		limit:    limit,
		archs:    make(map[int]arch.Architecture),
	}
	out := s.Output()
	if r := s.CmpLog(); r != nil {
		view, err := cmplog.NewView(cmplog.Layout{Width: out.CmpLogWidth, Height: out.CmpLogHeight}, r.Bytes())
		if err != nil {
			return nil, fmt.Errorf("%w: cmplog view: %w", controller.ErrResource, err)
		}
		h.cmp = view
	}
	for _, p := range out.Processors {
		if a, err := arch.ParseArchitecture(p.Arch); err == nil {
			h.archs[p.ID] = a
		}
	}
	return h, nil
}

// Execute resets the host and runs input on it
func (h *Harness) Execute(ctx context.Context, input []byte) (Outcome, interfaces.StopReason, error) {
	if err := h.session.ResetTimeout(ctx, h.limit); err != nil {
		return OutcomeNormal, interfaces.StopReason{}, err
	}
	reason, err := h.session.RunTimeout(ctx, input, h.limit)
	if err != nil {
		return OutcomeNormal, interfaces.StopReason{}, err
	}
	return Translate(reason), reason, nil
}

// Observer returns the read-only coverage observer
func (h *Harness) Observer() *coverage.MapObserver {
	return h.observer
}

// CmpLog returns the comparison log view, or nil when cmplog is disabled
func (h *Harness) CmpLog() *cmplog.View {
	return h.cmp
}

// Session returns the wrapped session
func (h *Harness) Session() *controller.Session {
	return h.session
}

// Describe names the fault of a crash using the crashing processor's architecture
func (h *Harness) Describe(r interfaces.StopReason) string {
	if r.Kind != interfaces.StopCrash {
		return r.String()
	}
	a, ok := h.archs[r.Processor]
	if !ok {
		a = arch.X8664
	}
	return faults.Name(a, r.Fault)
}

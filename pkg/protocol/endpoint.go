/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: endpoint.go
Description: One side of a protocol session: a transport paired with that side's mirrored
state machine. Sends are validated before any byte is written, receives are validated
before they are handed to the caller.
*/

package protocol

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Endpoint enforces legal sequencing for one side of a session
type Endpoint struct {
	side      Side
	transport Transport
	machine   *StateMachine
	logger    logrus.FieldLogger
}

// NewEndpoint creates an endpoint in state Uninitialized
func NewEndpoint(side Side, transport Transport, logger logrus.FieldLogger) *Endpoint {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Endpoint{
		side:      side,
		transport: transport,
		machine:   NewStateMachine(side),
		logger:    logger.WithField("side", side.String()),
	}
}

// State returns the current protocol state
func (e *Endpoint) State() State {
	return e.machine.State()
}

// Done reports whether the session has exited
func (e *Endpoint) Done() bool {
	return e.machine.Done()
}

// Send validates and transmits a message
func (e *Endpoint) Send(msg Message) error {
	if msg.Kind.Sender() != e.side {
		return &ProtocolError{Side: e.side, State: e.machine.State(), Expected: e.outgoing(), Received: msg.Kind}
	}
	if err := e.machine.Check(msg); err != nil {
		return err
	}
	if err := e.transport.Send(msg); err != nil {
		return err
	}
	from := e.machine.State()
	if err := e.machine.Consume(msg); err != nil {
		return err
	}
	e.logger.WithFields(logrus.Fields{
		"message": msg.String(),
		"from":    from.String(),
		"to":      e.machine.State().String(),
	}).Trace("Sent protocol message")
	return nil
}

// Recv receives and validates the next message
func (e *Endpoint) Recv() (Message, error) {
	msg, err := e.transport.Recv()
	if err != nil {
		return Message{}, err
	}
	if msg.Kind.Sender() == e.side {
		return Message{}, &ProtocolError{Side: e.side, State: e.machine.State(), Expected: e.incoming(), Received: msg.Kind}
	}
	from := e.machine.State()
	if err := e.machine.Consume(msg); err != nil {
		return Message{}, err
	}
	e.logger.WithFields(logrus.Fields{
		"message": msg.String(),
		"from":    from.String(),
		"to":      e.machine.State().String(),
	}).Trace("Received protocol message")
	return msg, nil
}

// Expect receives the next message and fails unless it has the given kind
func (e *Endpoint) Expect(kind MessageKind) (Message, error) {
	state := e.machine.State()
	msg, err := e.Recv()
	if err != nil {
		return Message{}, err
	}
	if msg.Kind != kind {
		return Message{}, fmt.Errorf("waiting for %s: %w", kind, &ProtocolError{
			Side: e.side, State: state, Expected: []MessageKind{kind}, Received: msg.Kind,
		})
	}
	return msg, nil
}

// Close closes the underlying transport
func (e *Endpoint) Close() error {
	return e.transport.Close()
}

func (e *Endpoint) outgoing() []MessageKind {
	return e.filter(func(k MessageKind) bool { return k.Sender() == e.side })
}

func (e *Endpoint) incoming() []MessageKind {
	return e.filter(func(k MessageKind) bool { return k.Sender() != e.side })
}

func (e *Endpoint) filter(keep func(MessageKind) bool) []MessageKind {
	var out []MessageKind
	for _, k := range Expected(e.machine.State()) {
		if keep(k) {
			out = append(out, k)
		}
	}
	return out
}

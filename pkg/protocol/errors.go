/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: errors.go
Description: Protocol errors. Sequencing violations carry the state and the expected and
received messages so a desynchronized session can be diagnosed from the log line alone.
*/

package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrProtocol matches every sequencing violation
	ErrProtocol = errors.New("protocol violation")
	// ErrChannelClosed is returned when the peer went away
	ErrChannelClosed = errors.New("protocol channel closed")
)

// ProtocolError is a message that is illegal in the current state
type ProtocolError struct {
	Side     Side
	State    State
	Expected []MessageKind
	Received MessageKind
}

// Error implements error
func (e *ProtocolError) Error() string {
	expected := make([]string, len(e.Expected))
	for i, k := range e.Expected {
		expected[i] = k.String()
	}
	return fmt.Sprintf("protocol violation on %s in state %s: expected one of [%s], got %s",
		e.Side, e.State, strings.Join(expected, " "), e.Received)
}

// Is makes errors.Is(err, ErrProtocol) match
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

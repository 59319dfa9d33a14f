/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: state.go
Description: Mirrored protocol state machine. Each side keeps its own copy and feeds it every
message it sends or receives. Validation happens before a message is transmitted so an
illegal message never reaches the wire.
*/

package protocol

import "fmt"

// State is the protocol state of one side of a session
type State int

const (
	StateUninitialized State = iota
	StateHalfInitialized
	StateInitialized
	StateHalfReady
	StateReady
	StateRunning
	StateStopped
	StateDone
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "Uninitialized"
	case StateHalfInitialized:
		return "HalfInitialized"
	case StateInitialized:
		return "Initialized"
	case StateHalfReady:
		return "HalfReady"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateStopped:
		return "Stopped"
	case StateDone:
		return "Done"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type transition struct {
	from State
	msg  MessageKind
}

// Reset is also accepted from Ready so repeated resets without a run stay legal
var transitions = map[transition]State{
	{StateUninitialized, MsgInitialize}:    StateHalfInitialized,
	{StateHalfInitialized, MsgInitialized}: StateInitialized,
	{StateInitialized, MsgReset}:           StateHalfReady,
	{StateStopped, MsgReset}:               StateHalfReady,
	{StateReady, MsgReset}:                 StateHalfReady,
	{StateHalfReady, MsgReady}:             StateReady,
	{StateReady, MsgRun}:                   StateRunning,
	{StateRunning, MsgStopped}:             StateStopped,
}

var allKinds = []MessageKind{MsgInitialize, MsgInitialized, MsgReset, MsgReady, MsgRun, MsgStopped, MsgExit}

// Expected lists the messages legal in a state
func Expected(s State) []MessageKind {
	var out []MessageKind
	for _, k := range allKinds {
		if _, ok := next(s, k); ok {
			out = append(out, k)
		}
	}
	return out
}

func next(s State, k MessageKind) (State, bool) {
	if k == MsgExit {
		return StateDone, true
	}
	to, ok := transitions[transition{s, k}]
	return to, ok
}

// StateMachine tracks the protocol state of one side
type StateMachine struct {
	side  Side
	state State
}

// NewStateMachine creates a state machine in Uninitialized
func NewStateMachine(side Side) *StateMachine {
	return &StateMachine{side: side, state: StateUninitialized}
}

// Side returns the owning side
func (m *StateMachine) Side() Side {
	return m.side
}

// State returns the current state
func (m *StateMachine) State() State {
	return m.state
}

// Done reports whether Exit was seen
func (m *StateMachine) Done() bool {
	return m.state == StateDone
}

// Check validates a message without changing state
func (m *StateMachine) Check(msg Message) error {
	if _, ok := next(m.state, msg.Kind); !ok {
		return &ProtocolError{Side: m.side, State: m.state, Expected: Expected(m.state), Received: msg.Kind}
	}
	return nil
}

// Consume validates a message and applies its transition. On error the state is unchanged.
func (m *StateMachine) Consume(msg Message) error {
	to, ok := next(m.state, msg.Kind)
	if !ok {
		return &ProtocolError{Side: m.side, State: m.state, Expected: Expected(m.state), Received: msg.Kind}
	}
	m.state = to
	return nil
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: messages.go
Description: Protocol messages exchanged between the fuzzer (client) and the simulation
host (server), plus the configuration each side hands the other during initialization.
*/

package protocol

import (
	"fmt"

	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/shm"
)

// Side identifies which end of a session a state machine belongs to
type Side int

const (
	Client Side = iota
	Server
)

// String returns the side name
func (s Side) String() string {
	if s == Server {
		return "server"
	}
	return "client"
}

// MessageKind identifies a protocol message
type MessageKind int

const (
	MsgInitialize MessageKind = iota + 1
	MsgInitialized
	MsgReset
	MsgReady
	MsgRun
	MsgStopped
	MsgExit
)

// String returns the message name
func (k MessageKind) String() string {
	switch k {
	case MsgInitialize:
		return "Initialize"
	case MsgInitialized:
		return "Initialized"
	case MsgReset:
		return "Reset"
	case MsgReady:
		return "Ready"
	case MsgRun:
		return "Run"
	case MsgStopped:
		return "Stopped"
	case MsgExit:
		return "Exit"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// Sender returns the side allowed to send this message
func (k MessageKind) Sender() Side {
	switch k {
	case MsgInitialized, MsgReady, MsgStopped:
		return Server
	default:
		return Client
	}
}

// InputConfig is sent by the fuzzer with Initialize
type InputConfig struct {
	Faults                     []int64
	TimeoutSeconds             float64
	TraceMode                  string
	CmpLog                     bool
	CoverageMapSize            int
	CmpLogWidth                int
	CmpLogHeight               int
	CoverageReporting          bool
	SaveTraces                 []string
	TraceDir                   string
	TracePCOnly                bool
	AllExceptionsAreSolutions  bool
	AllBreakpointsAreSolutions bool
	Breakpoints                []int64
	StartOnHarness             bool
	StopOnHarness              bool
	StartIndex                 *int64
	StopIndices                []int64
	AssertIndices              []int64
	Iterations                 int64
	Seed                       uint64
}

// Processor describes one traced processor
type Processor struct {
	ID   int
	Arch string
}

// OutputConfig is returned by the simulation host with Initialized
type OutputConfig struct {
	Coverage      shm.Descriptor
	CmpLog        *shm.Descriptor
	CmpLogWidth   int
	CmpLogHeight  int
	Processors    []Processor
	BufferAddress uint64
	BufferSize    uint64
}

// Message is one protocol message. Only the payload of the active Kind is set.
type Message struct {
	Kind   MessageKind
	Config *InputConfig
	Output *OutputConfig
	Input  []byte
	Reason *interfaces.StopReason
}

// String summarizes the message for logs
func (m Message) String() string {
	switch m.Kind {
	case MsgRun:
		return fmt.Sprintf("Run(%d bytes)", len(m.Input))
	case MsgStopped:
		if m.Reason != nil {
			return fmt.Sprintf("Stopped(%s)", m.Reason)
		}
	}
	return m.Kind.String()
}

// Initialize builds an Initialize message
func Initialize(cfg InputConfig) Message {
	return Message{Kind: MsgInitialize, Config: &cfg}
}

// Initialized builds an Initialized message
func Initialized(out OutputConfig) Message {
	return Message{Kind: MsgInitialized, Output: &out}
}

// Reset builds a Reset message
func Reset() Message {
	return Message{Kind: MsgReset}
}

// Ready builds a Ready message
func Ready() Message {
	return Message{Kind: MsgReady}
}

// Run builds a Run message carrying the input bytes
func Run(input []byte) Message {
	return Message{Kind: MsgRun, Input: input}
}

// Stopped builds a Stopped message
func Stopped(reason interfaces.StopReason) Message {
	return Message{Kind: MsgStopped, Reason: &reason}
}

// Exit builds an Exit message
func Exit() Message {
	return Message{Kind: MsgExit}
}

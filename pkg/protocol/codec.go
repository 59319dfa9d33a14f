/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: codec.go
Description: Wire codec. A frame is a 4 byte little-endian body length followed by a
protobuf wire-format body. Shared memory descriptors are not encoded inline; the body holds
an index into the descriptor list that travels alongside the frame as SCM_RIGHTS data.
*/

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/kleascm/simfuzz/pkg/faults"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/shm"
	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize bounds a single frame body
const MaxFrameSize = 64 << 20

const frameHeaderSize = 4

var errMalformed = errors.New("malformed frame")

// message fields
const (
	fMsgKind   protowire.Number = 1
	fMsgConfig protowire.Number = 2
	fMsgOutput protowire.Number = 3
	fMsgInput  protowire.Number = 4
	fMsgReason protowire.Number = 5
)

// input config fields
const (
	fInFaults            protowire.Number = 1
	fInTimeout           protowire.Number = 2
	fInTraceMode         protowire.Number = 3
	fInCmpLog            protowire.Number = 4
	fInCoverageMapSize   protowire.Number = 5
	fInCoverageReporting protowire.Number = 6
	fInSaveTraces        protowire.Number = 7
	fInTraceDir          protowire.Number = 8
	fInTracePCOnly       protowire.Number = 9
	fInAllExceptions     protowire.Number = 10
	fInAllBreakpoints    protowire.Number = 11
	fInBreakpoints       protowire.Number = 12
	fInStartOnHarness    protowire.Number = 13
	fInStopOnHarness     protowire.Number = 14
	fInStartIndex        protowire.Number = 15
	fInStopIndices       protowire.Number = 16
	fInAssertIndices     protowire.Number = 17
	fInIterations        protowire.Number = 18
	fInSeed              protowire.Number = 19
	fInCmpLogWidth       protowire.Number = 20
	fInCmpLogHeight      protowire.Number = 21
)

// output config fields
const (
	fOutCoverage      protowire.Number = 1
	fOutCmpLog        protowire.Number = 2
	fOutCmpLogWidth   protowire.Number = 3
	fOutCmpLogHeight  protowire.Number = 4
	fOutProcessor     protowire.Number = 5
	fOutBufferAddress protowire.Number = 6
	fOutBufferSize    protowire.Number = 7
)

// descriptor, processor and stop reason fields
const (
	fDescIndex protowire.Number = 1
	fDescSize  protowire.Number = 2

	fProcID   protowire.Number = 1
	fProcArch protowire.Number = 2

	fStopKind       protowire.Number = 1
	fStopFault      protowire.Number = 2
	fStopProcessor  protowire.Number = 3
	fStopBreakpoint protowire.Number = 4
	fStopSolution   protowire.Number = 5
	fStopMessage    protowire.Number = 6
	fStopAddress    protowire.Number = 7
	fStopSize       protowire.Number = 8
)

// Encode serializes a message into a frame and the descriptors that must accompany it
func Encode(msg Message) ([]byte, []int, error) {
	var fds []int
	body := protowire.AppendTag(nil, fMsgKind, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(msg.Kind))

	switch msg.Kind {
	case MsgInitialize:
		if msg.Config == nil {
			return nil, nil, fmt.Errorf("%w: Initialize without config", errMalformed)
		}
		body = appendMessage(body, fMsgConfig, encodeInputConfig(msg.Config))
	case MsgInitialized:
		if msg.Output == nil {
			return nil, nil, fmt.Errorf("%w: Initialized without output config", errMalformed)
		}
		var out []byte
		out, fds = encodeOutputConfig(msg.Output)
		body = appendMessage(body, fMsgOutput, out)
	case MsgRun:
		body = protowire.AppendTag(body, fMsgInput, protowire.BytesType)
		body = protowire.AppendBytes(body, msg.Input)
	case MsgStopped:
		if msg.Reason == nil {
			return nil, nil, fmt.Errorf("%w: Stopped without reason", errMalformed)
		}
		body = appendMessage(body, fMsgReason, encodeStopReason(msg.Reason))
	}

	if len(body) > MaxFrameSize {
		return nil, nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", errMalformed, len(body), MaxFrameSize)
	}
	frame := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(frame, uint32(len(body)))
	return append(frame, body...), fds, nil
}

// Decode parses a frame body. fds are the descriptors received with the frame.
func Decode(body []byte, fds []int) (Message, error) {
	var msg Message
	err := walk(body, func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error {
		switch num {
		case fMsgKind:
			msg.Kind = MessageKind(v)
		case fMsgConfig:
			cfg, err := decodeInputConfig(b)
			if err != nil {
				return err
			}
			msg.Config = cfg
		case fMsgOutput:
			out, err := decodeOutputConfig(b, fds)
			if err != nil {
				return err
			}
			msg.Output = out
		case fMsgInput:
			msg.Input = append([]byte{}, b...)
		case fMsgReason:
			r, err := decodeStopReason(b)
			if err != nil {
				return err
			}
			msg.Reason = r
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}

	switch {
	case msg.Kind < MsgInitialize || msg.Kind > MsgExit:
		return Message{}, fmt.Errorf("%w: unknown message kind %d", errMalformed, int(msg.Kind))
	case msg.Kind == MsgInitialize && msg.Config == nil,
		msg.Kind == MsgInitialized && msg.Output == nil,
		msg.Kind == MsgStopped && msg.Reason == nil:
		return Message{}, fmt.Errorf("%w: %s without payload", errMalformed, msg.Kind)
	case msg.Kind == MsgRun && msg.Input == nil:
		msg.Input = []byte{}
	}
	return msg, nil
}

// walk visits every field of a wire-format message. Varint and fixed values arrive in v,
// length-delimited values in b.
func walk(b []byte, visit func(num protowire.Number, typ protowire.Type, v uint64, b []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		var (
			v   uint64
			val []byte
		)
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			val, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if err := visit(num, typ, v, val); err != nil {
			return err
		}
	}
	return nil
}

func appendMessage(b []byte, num protowire.Number, m []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, m)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendSint(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return appendVarint(b, num, 1)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func encodeInputConfig(c *InputConfig) []byte {
	var b []byte
	for _, f := range c.Faults {
		b = appendSint(b, fInFaults, f)
	}
	if c.TimeoutSeconds != 0 {
		b = protowire.AppendTag(b, fInTimeout, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(c.TimeoutSeconds))
	}
	b = appendString(b, fInTraceMode, c.TraceMode)
	b = appendBool(b, fInCmpLog, c.CmpLog)
	b = appendVarint(b, fInCoverageMapSize, uint64(c.CoverageMapSize))
	b = appendVarint(b, fInCmpLogWidth, uint64(c.CmpLogWidth))
	b = appendVarint(b, fInCmpLogHeight, uint64(c.CmpLogHeight))
	b = appendBool(b, fInCoverageReporting, c.CoverageReporting)
	for _, s := range c.SaveTraces {
		b = protowire.AppendTag(b, fInSaveTraces, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	b = appendString(b, fInTraceDir, c.TraceDir)
	b = appendBool(b, fInTracePCOnly, c.TracePCOnly)
	b = appendBool(b, fInAllExceptions, c.AllExceptionsAreSolutions)
	b = appendBool(b, fInAllBreakpoints, c.AllBreakpointsAreSolutions)
	for _, id := range c.Breakpoints {
		b = appendSint(b, fInBreakpoints, id)
	}
	b = appendBool(b, fInStartOnHarness, c.StartOnHarness)
	b = appendBool(b, fInStopOnHarness, c.StopOnHarness)
	if c.StartIndex != nil {
		b = appendSint(b, fInStartIndex, *c.StartIndex)
	}
	for _, idx := range c.StopIndices {
		b = appendSint(b, fInStopIndices, idx)
	}
	for _, idx := range c.AssertIndices {
		b = appendSint(b, fInAssertIndices, idx)
	}
	b = appendVarint(b, fInIterations, uint64(c.Iterations))
	b = appendVarint(b, fInSeed, c.Seed)
	return b
}

func decodeInputConfig(b []byte) (*InputConfig, error) {
	c := &InputConfig{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, val []byte) error {
		switch num {
		case fInFaults:
			c.Faults = append(c.Faults, protowire.DecodeZigZag(v))
		case fInTimeout:
			c.TimeoutSeconds = math.Float64frombits(v)
		case fInTraceMode:
			c.TraceMode = string(val)
		case fInCmpLog:
			c.CmpLog = v != 0
		case fInCoverageMapSize:
			c.CoverageMapSize = int(v)
		case fInCmpLogWidth:
			c.CmpLogWidth = int(v)
		case fInCmpLogHeight:
			c.CmpLogHeight = int(v)
		case fInCoverageReporting:
			c.CoverageReporting = v != 0
		case fInSaveTraces:
			c.SaveTraces = append(c.SaveTraces, string(val))
		case fInTraceDir:
			c.TraceDir = string(val)
		case fInTracePCOnly:
			c.TracePCOnly = v != 0
		case fInAllExceptions:
			c.AllExceptionsAreSolutions = v != 0
		case fInAllBreakpoints:
			c.AllBreakpointsAreSolutions = v != 0
		case fInBreakpoints:
			c.Breakpoints = append(c.Breakpoints, protowire.DecodeZigZag(v))
		case fInStartOnHarness:
			c.StartOnHarness = v != 0
		case fInStopOnHarness:
			c.StopOnHarness = v != 0
		case fInStartIndex:
			idx := protowire.DecodeZigZag(v)
			c.StartIndex = &idx
		case fInStopIndices:
			c.StopIndices = append(c.StopIndices, protowire.DecodeZigZag(v))
		case fInAssertIndices:
			c.AssertIndices = append(c.AssertIndices, protowire.DecodeZigZag(v))
		case fInIterations:
			c.Iterations = int64(v)
		case fInSeed:
			c.Seed = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("input config: %w", err)
	}
	return c, nil
}

func encodeDescriptor(d shm.Descriptor, fds *[]int) []byte {
	idx := len(*fds)
	*fds = append(*fds, d.FD)
	b := protowire.AppendTag(nil, fDescIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(idx))
	return appendVarint(b, fDescSize, uint64(d.Size))
}

func decodeDescriptor(b []byte, fds []int) (shm.Descriptor, error) {
	var (
		idx  = -1
		size int
	)
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, val []byte) error {
		switch num {
		case fDescIndex:
			idx = int(v)
		case fDescSize:
			size = int(v)
		}
		return nil
	})
	if err != nil {
		return shm.Descriptor{}, err
	}
	if idx < 0 || idx >= len(fds) {
		return shm.Descriptor{}, fmt.Errorf("%w: descriptor index %d with %d fds received", errMalformed, idx, len(fds))
	}
	return shm.Descriptor{FD: fds[idx], Size: size}, nil
}

func encodeOutputConfig(c *OutputConfig) ([]byte, []int) {
	var fds []int
	b := appendMessage(nil, fOutCoverage, encodeDescriptor(c.Coverage, &fds))
	if c.CmpLog != nil {
		b = appendMessage(b, fOutCmpLog, encodeDescriptor(*c.CmpLog, &fds))
	}
	b = appendVarint(b, fOutCmpLogWidth, uint64(c.CmpLogWidth))
	b = appendVarint(b, fOutCmpLogHeight, uint64(c.CmpLogHeight))
	for _, p := range c.Processors {
		var pb []byte
		pb = protowire.AppendTag(pb, fProcID, protowire.VarintType)
		pb = protowire.AppendVarint(pb, uint64(p.ID))
		pb = appendString(pb, fProcArch, p.Arch)
		b = appendMessage(b, fOutProcessor, pb)
	}
	b = appendVarint(b, fOutBufferAddress, c.BufferAddress)
	b = appendVarint(b, fOutBufferSize, c.BufferSize)
	return b, fds
}

func decodeOutputConfig(b []byte, fds []int) (*OutputConfig, error) {
	c := &OutputConfig{}
	seenCoverage := false
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, val []byte) error {
		switch num {
		case fOutCoverage:
			d, err := decodeDescriptor(val, fds)
			if err != nil {
				return err
			}
			c.Coverage = d
			seenCoverage = true
		case fOutCmpLog:
			d, err := decodeDescriptor(val, fds)
			if err != nil {
				return err
			}
			c.CmpLog = &d
		case fOutCmpLogWidth:
			c.CmpLogWidth = int(v)
		case fOutCmpLogHeight:
			c.CmpLogHeight = int(v)
		case fOutProcessor:
			var p Processor
			err := walk(val, func(num protowire.Number, typ protowire.Type, v uint64, s []byte) error {
				switch num {
				case fProcID:
					p.ID = int(v)
				case fProcArch:
					p.Arch = string(s)
				}
				return nil
			})
			if err != nil {
				return err
			}
			c.Processors = append(c.Processors, p)
		case fOutBufferAddress:
			c.BufferAddress = v
		case fOutBufferSize:
			c.BufferSize = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("output config: %w", err)
	}
	if !seenCoverage {
		return nil, fmt.Errorf("%w: output config without coverage descriptor", errMalformed)
	}
	return c, nil
}

func encodeStopReason(r *interfaces.StopReason) []byte {
	b := appendVarint(nil, fStopKind, uint64(r.Kind))
	b = appendSint(b, fStopFault, int64(r.Fault))
	b = appendVarint(b, fStopProcessor, uint64(r.Processor))
	b = appendSint(b, fStopBreakpoint, r.Breakpoint)
	b = appendSint(b, fStopSolution, r.Solution)
	b = appendString(b, fStopMessage, r.Message)
	b = appendVarint(b, fStopAddress, r.Address)
	return appendVarint(b, fStopSize, r.Size)
}

func decodeStopReason(b []byte) (*interfaces.StopReason, error) {
	r := &interfaces.StopReason{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, v uint64, val []byte) error {
		switch num {
		case fStopKind:
			r.Kind = interfaces.StopKind(v)
		case fStopFault:
			r.Fault = faults.Kind(protowire.DecodeZigZag(v))
		case fStopProcessor:
			r.Processor = int(v)
		case fStopBreakpoint:
			r.Breakpoint = protowire.DecodeZigZag(v)
		case fStopSolution:
			r.Solution = protowire.DecodeZigZag(v)
		case fStopMessage:
			r.Message = string(val)
		case fStopAddress:
			r.Address = v
		case fStopSize:
			r.Size = v
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("stop reason: %w", err)
	}
	if r.Kind == interfaces.StopNone || r.Kind > interfaces.StopManualStart {
		return nil, fmt.Errorf("%w: stop reason kind %d", errMalformed, int(r.Kind))
	}
	return r, nil
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: codec_test.go
Description: Tests for the frame codec.
*/

package protocol_test

import (
	"encoding/binary"
	"testing"

	"github.com/kleascm/simfuzz/pkg/faults"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/kleascm/simfuzz/pkg/shm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeFrame(t *testing.T, frame []byte, fds []int) protocol.Message {
	t.Helper()
	require.GreaterOrEqual(t, len(frame), 4)
	size := binary.LittleEndian.Uint32(frame[:4])
	require.Equal(t, int(size), len(frame)-4)
	msg, err := protocol.Decode(frame[4:], fds)
	require.NoError(t, err)
	return msg
}

// TestCodecInitialize carries every input config field
func TestCodecInitialize(t *testing.T) {
	start := int64(2)
	cfg := protocol.InputConfig{
		Faults:                    []int64{int64(faults.PageFault), int64(faults.Triple)},
		TimeoutSeconds:            3.0,
		TraceMode:                 "hit_count",
		CmpLog:                    true,
		CoverageMapSize:           65536,
		CmpLogWidth:               1024,
		CmpLogHeight:              8,
		SaveTraces:                []string{"timeout", "solution"},
		TraceDir:                  "/tmp/traces",
		AllExceptionsAreSolutions: true,
		Breakpoints:               []int64{1, 7},
		StartOnHarness:            true,
		StopOnHarness:             true,
		StartIndex:                &start,
		StopIndices:               []int64{0, -1},
		Iterations:                100,
		Seed:                      42,
	}

	frame, fds, err := protocol.Encode(protocol.Initialize(cfg))
	require.NoError(t, err)
	assert.Empty(t, fds)

	msg := decodeFrame(t, frame, nil)
	assert.Equal(t, protocol.MsgInitialize, msg.Kind)
	require.NotNil(t, msg.Config)
	assert.Equal(t, cfg, *msg.Config)
}

// TestCodecInitializedDescriptors moves descriptors out of band
func TestCodecInitializedDescriptors(t *testing.T) {
	out := protocol.OutputConfig{
		Coverage:      shm.Descriptor{FD: 11, Size: 65536},
		CmpLog:        &shm.Descriptor{FD: 12, Size: 4096},
		CmpLogWidth:   16,
		CmpLogHeight:  4,
		Processors:    []protocol.Processor{{ID: 0, Arch: "x86-64"}},
		BufferAddress: 0x4000,
		BufferSize:    256,
	}

	frame, fds, err := protocol.Encode(protocol.Initialized(out))
	require.NoError(t, err)
	assert.Equal(t, []int{11, 12}, fds)

	// the receiver sees different descriptor numbers
	msg := decodeFrame(t, frame, []int{21, 22})
	require.NotNil(t, msg.Output)
	assert.Equal(t, shm.Descriptor{FD: 21, Size: 65536}, msg.Output.Coverage)
	assert.Equal(t, &shm.Descriptor{FD: 22, Size: 4096}, msg.Output.CmpLog)
	assert.Equal(t, out.Processors, msg.Output.Processors)
	assert.Equal(t, uint64(0x4000), msg.Output.BufferAddress)
	assert.Equal(t, uint64(256), msg.Output.BufferSize)

	_, err = protocol.Decode(frame[4:], []int{21})
	assert.Error(t, err)
}

// TestCodecRunAndStopped covers the per iteration messages
func TestCodecRunAndStopped(t *testing.T) {
	frame, _, err := protocol.Encode(protocol.Run([]byte{0x41, 0x42}))
	require.NoError(t, err)
	msg := decodeFrame(t, frame, nil)
	assert.Equal(t, []byte{0x41, 0x42}, msg.Input)

	frame, _, err = protocol.Encode(protocol.Run(nil))
	require.NoError(t, err)
	msg = decodeFrame(t, frame, nil)
	assert.Equal(t, protocol.MsgRun, msg.Kind)
	assert.Empty(t, msg.Input)

	for _, reason := range []interfaces.StopReason{
		interfaces.Crash(faults.PageFault, 0),
		interfaces.Crash(faults.Triple, 3),
		interfaces.Timeout(),
		interfaces.NormalExit(),
		interfaces.BreakpointHit(9),
		interfaces.ManualStop(),
		interfaces.Solution(2, "assertion"),
		interfaces.ManualStart(1, 0x1000, 64),
	} {
		frame, _, err := protocol.Encode(protocol.Stopped(reason))
		require.NoError(t, err)
		msg := decodeFrame(t, frame, nil)
		require.NotNil(t, msg.Reason)
		assert.Equal(t, reason, *msg.Reason)
	}
}

// TestCodecRejectsMalformed fails on garbage and missing payloads
func TestCodecRejectsMalformed(t *testing.T) {
	_, err := protocol.Decode([]byte{0xff, 0xff, 0xff}, nil)
	assert.Error(t, err)

	_, err = protocol.Decode([]byte{0x08, 0x63}, nil) // kind 99
	assert.Error(t, err)

	_, err = protocol.Decode([]byte{0x08, byte(protocol.MsgStopped)}, nil)
	assert.Error(t, err)

	_, _, err = protocol.Encode(protocol.Message{Kind: protocol.MsgInitialize})
	assert.Error(t, err)
}

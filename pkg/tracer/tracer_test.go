/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: tracer_test.go
Description: Tests for edge recording, comparison logging and execution traces.
*/

//go:build linux

package tracer_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/cmplog"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/protocol"
	"github.com/kleascm/simfuzz/pkg/shm"
	"github.com/kleascm/simfuzz/pkg/sim"
	"github.com/kleascm/simfuzz/pkg/sim/simtest"
	"github.com/kleascm/simfuzz/pkg/tracer"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	jz     = []byte{0x74, 0x05}
	nop    = []byte{0x90}
	cmpRax = []byte{0x48, 0x81, 0xf8, 0x44, 0x33, 0x22, 0x11}
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newTracer(t *testing.T, cfg protocol.InputConfig) (*tracer.Tracer, *simtest.MockSimulator, protocol.OutputConfig) {
	t.Helper()
	mock := simtest.NewMockSimulator(map[int]arch.Architecture{0: arch.X8664})
	tr := tracer.New(mock, quietLogger())
	require.NoError(t, tr.AddProcessor(0))

	var out protocol.OutputConfig
	require.NoError(t, tr.OnInitialize(&cfg, &out))
	t.Cleanup(tr.OnExit)
	require.NoError(t, tr.OnReady())
	return tr, mock, out
}

// TestLogPCWraps increments with byte wrap-around
func TestLogPCWraps(t *testing.T) {
	tr, _, _ := newTracer(t, protocol.InputConfig{CoverageMapSize: 64, Seed: 1})
	m := tr.CoverageMap()

	// the first hit lands on (0x100^1)%64, every later hit on 0x100%64
	tr.LogPC(0x100)
	assert.Equal(t, byte(1), m[1])
	for i := 0; i < 255; i++ {
		tr.LogPC(0x100)
	}
	assert.Equal(t, byte(255), m[0])
	tr.LogPC(0x100)
	assert.Equal(t, byte(0), m[0])
}

// TestCoverageDeterminism replays the same pcs into identical maps
func TestCoverageDeterminism(t *testing.T) {
	pcs := []uint64{0x1000, 0x1010, 0x1004, 0x2000, 0x1000, 0x1010, 0x3000}
	cfg := protocol.InputConfig{CoverageMapSize: 4096, Seed: 0x777}

	run := func(tr *tracer.Tracer, mock *simtest.MockSimulator) []byte {
		for _, pc := range pcs {
			mock.Execute(0, pc, jz)
		}
		return append([]byte{}, tr.CoverageMap()...)
	}

	a, mockA, _ := newTracer(t, cfg)
	b, mockB, _ := newTracer(t, cfg)
	first := run(a, mockA)
	assert.Equal(t, first, run(b, mockB))
	assert.NotEqual(t, make([]byte, 4096), first)

	require.NoError(t, a.OnReady())
	assert.Equal(t, make([]byte, 4096), a.CoverageMap())
	assert.Equal(t, first, run(a, mockA))
}

// TestOnlyEdgesAreCounted ignores straight-line and undecodable instructions
func TestOnlyEdgesAreCounted(t *testing.T) {
	tr, mock, _ := newTracer(t, protocol.InputConfig{CoverageMapSize: 1024, Seed: 5})
	empty := make([]byte, 1024)

	mock.Execute(0, 0x1000, nop)
	mock.Execute(0, 0x1001, []byte{0x0f})
	mock.Execute(0, 0x1002, nil)
	assert.Equal(t, empty, tr.CoverageMap())

	// the return is credited to the instruction it lands on
	mock.Execute(0, 0x1003, []byte{0xc3})
	assert.Equal(t, empty, tr.CoverageMap())
	mock.Execute(0, 0x2000, nop)
	assert.NotEqual(t, empty, tr.CoverageMap())
}

// TestBranchTargetRecorded distinguishes a taken branch from its fall-through
func TestBranchTargetRecorded(t *testing.T) {
	const size = 4096
	const seed = 0x55
	jnz := []byte{0x75, 0x02}

	taken, mock, _ := newTracer(t, protocol.InputConfig{CoverageMapSize: size, Seed: seed})
	mock.Execute(0, 0x1000, jnz)
	mock.Execute(0, 0x1004, jz)
	mock.Execute(0, 0x100b, nop)
	takenMap := append([]byte{}, taken.CoverageMap()...)

	fallthru, mock, _ := newTracer(t, protocol.InputConfig{CoverageMapSize: size, Seed: seed})
	mock.Execute(0, 0x1000, jnz)
	mock.Execute(0, 0x1002, nop)
	mock.Execute(0, 0x1003, nop)
	mock.Execute(0, 0x1004, jz)
	mock.Execute(0, 0x100b, nop)
	fallthruMap := append([]byte{}, fallthru.CoverageMap()...)

	assert.NotEqual(t, takenMap, fallthruMap)
	assert.Equal(t, byte(1), takenMap[(0x1004^seed)%size])
	assert.Equal(t, byte(1), fallthruMap[(0x1002^seed)%size])
	assert.Equal(t, byte(0), fallthruMap[(0x1004^seed)%size])
}

// TestPendingEdgeClearedOnReady does not carry an edge across runs
func TestPendingEdgeClearedOnReady(t *testing.T) {
	tr, mock, _ := newTracer(t, protocol.InputConfig{CoverageMapSize: 1024, Seed: 3})
	mock.Execute(0, 0x1000, jz)
	require.NoError(t, tr.OnReady())
	mock.Execute(0, 0x2000, nop)
	assert.Equal(t, make([]byte, 1024), tr.CoverageMap())
}

// TestCoverageVisibleThroughDescriptor reads the map from the descriptor handed to the fuzzer
func TestCoverageVisibleThroughDescriptor(t *testing.T) {
	tr, mock, out := newTracer(t, protocol.InputConfig{CoverageMapSize: 1024, Seed: 9})

	r, err := shm.OpenReader(out.Coverage.FD, out.Coverage.Size)
	require.NoError(t, err)
	defer r.Close()

	mock.Execute(0, 0x4000, jz)
	mock.Execute(0, 0x4007, nop)
	assert.Equal(t, tr.CoverageMap(), r.ReadAll())
	assert.NotEqual(t, make([]byte, 1024), r.ReadAll())
}

// TestTraceModeSelectsInstrumentation maps once onto first execution callbacks
func TestTraceModeSelectsInstrumentation(t *testing.T) {
	_, mock, _ := newTracer(t, protocol.InputConfig{TraceMode: "once"})
	mode, ok := mock.InstructionMode(0)
	require.True(t, ok)
	assert.Equal(t, sim.FirstExecution, mode)

	_, mock, _ = newTracer(t, protocol.InputConfig{})
	mode, ok = mock.InstructionMode(0)
	require.True(t, ok)
	assert.Equal(t, sim.EveryExecution, mode)
}

// TestCmpLogRecordsOperands resolves register operands at the compare
func TestCmpLogRecordsOperands(t *testing.T) {
	layout := cmplog.Layout{Width: 256, Height: 4}
	tr, mock, out := newTracer(t, protocol.InputConfig{
		CmpLog:       true,
		CmpLogWidth:  layout.Width,
		CmpLogHeight: layout.Height,
	})
	require.NotNil(t, out.CmpLog)
	assert.Equal(t, layout.Width, out.CmpLogWidth)

	r, err := shm.OpenReader(out.CmpLog.FD, out.CmpLog.Size)
	require.NoError(t, err)
	defer r.Close()
	view, err := cmplog.NewView(layout, r.Bytes())
	require.NoError(t, err)

	const pc = 0x1234
	require.NoError(t, mock.WriteRegister(0, "rax", 0x41414141))
	mock.Execute(0, pc, cmpRax)

	entries := view.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, int(tracer.HashIndex(pc, uint64(layout.Width))), entries[0].Index)
	assert.Equal(t, arch.CmpEqual, entries[0].Header.Attribute)
	assert.Equal(t, 8, entries[0].Width())
	assert.Equal(t, []cmplog.Operands{{V0: 0x41414141, V1: 0x11223344}}, entries[0].Operands)

	// unresolvable operands are skipped
	tr.SetCmpLog(true)
	require.NoError(t, tr.OnReady())
	delete(mock.Registers[0], "rax")
	mock.Execute(0, pc, cmpRax)
	assert.Empty(t, view.Entries())

	// disabled logging records nothing
	require.NoError(t, mock.WriteRegister(0, "rax", 1))
	tr.SetCmpLog(false)
	mock.Execute(0, pc, cmpRax)
	assert.Empty(t, view.Entries())
}

// TestAddProcessorUnknownCPU fails on processors the simulator lacks
func TestAddProcessorUnknownCPU(t *testing.T) {
	mock := simtest.NewMockSimulator(map[int]arch.Architecture{0: arch.X8664})
	tr := tracer.New(mock, quietLogger())
	assert.Error(t, tr.AddProcessor(3))
	assert.NoError(t, tr.AddProcessor(0))
	assert.NoError(t, tr.AddProcessor(0))
	assert.Len(t, tr.Processors(), 1)
}

// TestExecutionTraceSaved writes traces only for selected stop reasons
func TestExecutionTraceSaved(t *testing.T) {
	dir := t.TempDir()
	tr, mock, _ := newTracer(t, protocol.InputConfig{
		SaveTraces: []string{"timeout"},
		TraceDir:   dir,
	})

	mock.Execute(0, 0x1000, nop)
	mock.Execute(0, 0x1001, jz)
	require.NoError(t, tr.OnStopped(interfaces.Timeout()))

	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pcs":[4096,4097]`)
	assert.Contains(t, string(data), "nop")

	require.NoError(t, tr.OnReady())
	mock.Execute(0, 0x2000, jz)
	require.NoError(t, tr.OnStopped(interfaces.NormalExit()))
	files, err = filepath.Glob(filepath.Join(dir, "*.json"))
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

// TestExecutionTraceRejectsUnknownReason fails initialization on bad config
func TestExecutionTraceRejectsUnknownReason(t *testing.T) {
	mock := simtest.NewMockSimulator(map[int]arch.Architecture{0: arch.X8664})
	tr := tracer.New(mock, quietLogger())
	var out protocol.OutputConfig
	err := tr.OnInitialize(&protocol.InputConfig{SaveTraces: []string{"sometimes"}, TraceDir: t.TempDir()}, &out)
	assert.Error(t, err)
	tr.OnExit()
}

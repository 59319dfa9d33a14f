/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: trace.go
Description: Per-run execution traces. When enabled the tracer records every traced program
counter of the current run and writes the trace to disk when the run stops for a selected
reason. Files are named by the SHA-256 of their contents so identical traces collapse.
*/

package tracer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/kleascm/simfuzz/pkg/protocol"
)

// MaxTraceLength bounds the instructions kept per run. Later instructions are counted
// but not recorded.
const MaxTraceLength = 1 << 20

// Trace is the on-disk form of an execution trace
type Trace struct {
	Reason       string   `json:"reason"`
	PCs          []uint64 `json:"pcs"`
	Instructions []string `json:"instructions,omitempty"`
	Dropped      int      `json:"dropped,omitempty"`
}

type executionTrace struct {
	dir      string
	pcOnly   bool
	all      bool
	timeout  bool
	solution bool
	normal   bool

	limit   int
	dropped int

	pcs   []uint64
	insns []string
}

// newExecutionTrace returns nil when no stop reason selects tracing
func newExecutionTrace(cfg *protocol.InputConfig) (*executionTrace, error) {
	if len(cfg.SaveTraces) == 0 {
		return nil, nil
	}
	t := &executionTrace{dir: cfg.TraceDir, pcOnly: cfg.TracePCOnly, limit: MaxTraceLength}
	if t.dir == "" {
		t.dir = "traces"
	}
	for _, r := range cfg.SaveTraces {
		switch strings.ToLower(strings.TrimSpace(r)) {
		case "all":
			t.all = true
		case "timeout":
			t.timeout = true
		case "solution", "solutions":
			t.solution = true
		case "normal":
			t.normal = true
		default:
			return nil, fmt.Errorf("unknown trace save reason %q", r)
		}
	}
	if err := os.MkdirAll(t.dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	return t, nil
}

func (t *executionTrace) reset() {
	if t == nil {
		return
	}
	t.pcs = t.pcs[:0]
	t.insns = t.insns[:0]
	t.dropped = 0
}

func (t *executionTrace) record(pc uint64, disassemble func() string) {
	if t == nil {
		return
	}
	if len(t.pcs) >= t.limit {
		t.dropped++
		return
	}
	t.pcs = append(t.pcs, pc)
	if !t.pcOnly {
		t.insns = append(t.insns, disassemble())
	}
}

func (t *executionTrace) wants(reason interfaces.StopReason) bool {
	switch {
	case t.all:
		return true
	case t.timeout && reason.Kind == interfaces.StopTimeout:
		return true
	case t.solution && reason.IsSolution():
		return true
	case t.normal && reason.Kind == interfaces.StopNormal:
		return true
	default:
		return false
	}
}

// save writes the trace if the reason selects it and returns the file path
func (t *executionTrace) save(reason interfaces.StopReason) (string, error) {
	if t == nil || !t.wants(reason) {
		return "", nil
	}

	data, err := json.Marshal(Trace{Reason: reason.String(), PCs: t.pcs, Instructions: t.insns, Dropped: t.dropped})
	if err != nil {
		return "", fmt.Errorf("failed to encode trace: %w", err)
	}
	sum := sha256.Sum256(data)
	path := filepath.Join(t.dir, hex.EncodeToString(sum[:])+".json")
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write trace: %w", err)
	}
	return path, nil
}

/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: stop_test.go
Description: Tests for stop reason construction and routing helpers.
*/

package interfaces_test

import (
	"testing"

	"github.com/kleascm/simfuzz/pkg/faults"
	"github.com/kleascm/simfuzz/pkg/interfaces"
	"github.com/stretchr/testify/assert"
)

// TestStopReasonEquality checks reasons compare by value
func TestStopReasonEquality(t *testing.T) {
	assert.Equal(t, interfaces.Crash(faults.PageFault, 0), interfaces.Crash(faults.PageFault, 0))
	assert.NotEqual(t, interfaces.Crash(faults.PageFault, 0), interfaces.Crash(faults.PageFault, 1))
	assert.NotEqual(t, interfaces.Timeout(), interfaces.NormalExit())
}

// TestStopReasonIsSolution routes findings
func TestStopReasonIsSolution(t *testing.T) {
	assert.True(t, interfaces.Crash(faults.GeneralProtection, 0).IsSolution())
	assert.True(t, interfaces.BreakpointHit(3).IsSolution())
	assert.True(t, interfaces.Solution(1, "assert").IsSolution())
	assert.False(t, interfaces.Timeout().IsSolution())
	assert.False(t, interfaces.NormalExit().IsSolution())
	assert.False(t, interfaces.ManualStop().IsSolution())
	assert.False(t, interfaces.ManualStart(0, 0x1000, 64).IsSolution())
}

// TestStopReasonString renders log text
func TestStopReasonString(t *testing.T) {
	assert.Equal(t, "crash(14, cpu0)", interfaces.Crash(faults.PageFault, 0).String())
	assert.Equal(t, "timeout", interfaces.Timeout().String())
	assert.Equal(t, "solution(7: boom)", interfaces.Solution(7, "boom").String())
	assert.Equal(t, "breakpoint(2)", interfaces.BreakpointHit(2).String())
	assert.Equal(t, "none", interfaces.StopReason{}.String())
}

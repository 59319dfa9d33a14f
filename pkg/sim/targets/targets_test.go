/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: targets_test.go
Description: Tests for the demo target registry and their start markers.
*/

package targets_test

import (
	"context"
	"testing"

	"github.com/kleascm/simfuzz/pkg/arch"
	"github.com/kleascm/simfuzz/pkg/magic"
	"github.com/kleascm/simfuzz/pkg/sim/machine"
	"github.com/kleascm/simfuzz/pkg/sim/targets"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLookup resolves every registered target
func TestLookup(t *testing.T) {
	assert.Equal(t, []string{"riscv-parser", "rv32-parser", "x86-parser"}, targets.Names())
	for _, name := range targets.Names() {
		p, err := targets.Lookup(name)
		require.NoError(t, err)
		assert.NotEqual(t, arch.ArchUnknown, p.Arch())
	}
	_, err := targets.Lookup("arm-parser")
	assert.Error(t, err)
}

// TestCrashInput lays out the header and pointer
func TestCrashInput(t *testing.T) {
	in := targets.CrashInput(0x1122334455667788)
	assert.Equal(t, []byte("FUZZ"), in[:4])
	assert.Equal(t, []byte{0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}, in[4:])
}

// TestStartMarkers boots each target to its start marker
func TestStartMarkers(t *testing.T) {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)

	for _, tc := range []struct {
		name string
		want magic.Number
	}{
		{"x86-parser", magic.StartBufferPtrSizePtr},
		{"riscv-parser", magic.StartBufferPtrSizeVal},
		{"rv32-parser", magic.StartBufferPtrSizeVal},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p, err := targets.Lookup(tc.name)
			require.NoError(t, err)
			m := machine.New(p, machine.WithLogger(l))
			t.Cleanup(m.Close)

			var got []magic.Number
			m.OnMagic(func(cpu int, value uint64) {
				n, ok := magic.Decode(value)
				assert.True(t, ok)
				got = append(got, n)
				m.Break()
			})
			require.NoError(t, m.Continue(context.Background()))
			assert.Equal(t, []magic.Number{tc.want}, got)

			regs, err := magic.RegistersFor(p.Arch())
			require.NoError(t, err)
			buf, err := m.ReadRegister(0, regs.Args[0])
			require.NoError(t, err)
			assert.Equal(t, uint64(targets.BufferAddress), buf)
		})
	}
}

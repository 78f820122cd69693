package radio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGenerateIQProducesRequestedLength(t *testing.T) {
	g := NewSignalGenerator(48000, 1000, 0, 0.3)
	out := g.GenerateIQ(100, 0)
	require.Len(t, out, 100)
}

func TestGenerateIQNoiselessAmplitudeBound(t *testing.T) {
	g := NewSignalGenerator(48000, 1000, 0, 0.3)
	out := g.GenerateIQ(1000, 0)
	for _, s := range out {
		mag := real(s)*real(s) + imag(s)*imag(s)
		require.LessOrEqual(t, mag, 0.3*0.3+1e-9)
	}
}

func TestGenerateIQPhaseAccumulatesPerDDCIndependently(t *testing.T) {
	g := NewSignalGenerator(48000, 1000, 0, 0.3)
	_ = g.GenerateIQ(500, 0)
	require.NotZero(t, g.phase[0])
	require.Zero(t, g.phase[1], "ddc 1 untouched")
}

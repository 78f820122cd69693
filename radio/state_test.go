package radio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNextSeqMonotonicWrapping(t *testing.T) {
	s := NewState(HermesLite, [6]byte{}, 48000)

	require.Equal(t, uint32(0), s.NextSeq("p1_data"))
	require.Equal(t, uint32(1), s.NextSeq("p1_data"))
	require.Equal(t, uint32(2), s.NextSeq("p1_data"))

	require.Equal(t, uint32(0), s.NextSeq("mic"), "independent stream names track independent counters")

	s.seq["p1_data"] = 0xFFFFFFFF
	require.Equal(t, uint32(0xFFFFFFFF), s.NextSeq("p1_data"))
	require.Equal(t, uint32(0), s.NextSeq("p1_data"), "counter wraps modulo 2^32")
}

func TestRandomMACIsLocallyAdministeredUnicast(t *testing.T) {
	for i := 0; i < 100; i++ {
		mac, err := RandomMAC()
		require.NoError(t, err)
		require.Zero(t, mac[0]&0x01, "multicast bit must be clear")
		require.NotZero(t, mac[0]&0x02, "locally-administered bit must be set")
	}
}

func TestNewStateDefaultsNDDCToHardwareMax(t *testing.T) {
	s := NewState(OrionMkII, [6]byte{1, 2, 3, 4, 5, 6}, 192000)
	require.Equal(t, OrionMkII.MaxDDCs(), s.NDDC())
	require.Equal(t, uint32(7074000), s.TXFrequency())
	require.Equal(t, uint32(7074000), s.RXFrequency(0))
}

func TestSetNDDCClampsToOne(t *testing.T) {
	s := NewState(Hermes, [6]byte{}, 48000)
	s.SetNDDC(0)
	require.Equal(t, 1, s.NDDC())
	s.SetNDDC(-3)
	require.Equal(t, 1, s.NDDC())
}

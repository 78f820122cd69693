package protocol2

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cwsl/hpsdr-emu/radio"
)

func newTestServer(t *testing.T) (*Server, *radio.State) {
	t.Helper()
	mac := [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	state := radio.NewState(radio.HermesLite, mac, 192000)
	gen := radio.NewSignalGenerator(192000, 1000, 0, 0.3)
	srv := New(state, gen, nil)
	return srv, state
}

func TestSendDiscoveryResponseShape(t *testing.T) {
	srv, state := newTestServer(t)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	replyConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer replyConn.Close()

	srv.sendDiscoveryResponse(replyConn.LocalAddr().(*net.UDPAddr))

	buf := make([]byte, 128)
	replyConn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := replyConn.ReadFromUDP(buf)
	require.NoError(t, err)
	resp := buf[:n]

	want := make([]byte, discoveryRespSize)
	want[4] = 0x02
	mac := state.MAC()
	copy(want[5:11], mac[:])
	want[11] = state.Hardware().Code()
	want[12] = 0x01
	want[13] = state.FirmwareVersion()
	mercury := state.MercuryVersions()
	copy(want[14:18], mercury[:])
	want[18] = state.PennyVersion()
	want[19] = state.MetisVersion()
	want[20] = byte(state.NDDC())

	require.Equal(t, byte(0x02), resp[4])
	require.Len(t, resp, 60)
	require.Equal(t, want, resp)
}

func TestHandleHighPriorityUpdatesFrequenciesAndDrive(t *testing.T) {
	srv, state := newTestServer(t)

	data := make([]byte, 400)
	data[4] = 0x03 // run + ptt
	binary.BigEndian.PutUint32(data[9:13], 14070000) // rx0
	binary.BigEndian.PutUint32(data[329:333], 14074000)
	data[345] = 128

	srv.handleHighPriority(data, nil)

	require.Equal(t, uint32(14070000), state.RXFrequency(0))
	require.Equal(t, uint32(14074000), state.TXFrequency())
	require.Equal(t, byte(128), state.TXDrive())
	require.True(t, state.PTT())
	require.True(t, state.Running())

	srv.stopStreaming()
}

func TestHandleHighPriorityRunTransitionStartsAndStopsStreaming(t *testing.T) {
	srv, state := newTestServer(t)
	require.NoError(t, srv.Start())
	defer srv.Stop()

	data := make([]byte, 400)
	data[4] = 0x01 // run, no ptt
	srv.handleHighPriority(data, nil)
	require.True(t, state.Running())
	srv.streamMu.Lock()
	streaming := srv.streaming
	srv.streamMu.Unlock()
	require.True(t, streaming)

	data[4] = 0x00
	srv.handleHighPriority(data, nil)
	require.False(t, state.Running())
	srv.streamMu.Lock()
	streaming = srv.streaming
	srv.streamMu.Unlock()
	require.False(t, streaming)
}

func TestHandleTXIQFeedsEchoAfterPTT(t *testing.T) {
	mac := [6]byte{0x02}
	state := radio.NewState(radio.HermesLite, mac, 192000)
	gen := radio.NewSignalGenerator(192000, 1000, 0, 0.3)
	echo := radio.NewEchoBuffer(192000, 10)
	srv := New(state, gen, echo)

	state.SetPTT(true)
	state.SetTXFrequency(7100000)

	iq := radio.PackIQ24([]complex128{complex(0.1, 0.1), complex(0.2, 0.2)})
	pkt := append([]byte{0, 0, 0, 0}, iq...)

	srv.handleTXIQ(pkt, nil)

	srv.echoMu.Lock()
	on := srv.echoTXOn
	srv.echoMu.Unlock()
	require.True(t, on)

	srv.cancelEchoTimer()
}

func TestBuildDDCIQPacketShape(t *testing.T) {
	srv, state := newTestServer(t)
	_ = state

	pkt := srv.buildDDCIQPacket(0, "ddc_0")
	require.Len(t, pkt, 16+samplesPerDDCFrame*6)
	require.Equal(t, byte(0x00), pkt[12])
	require.Equal(t, byte(0x18), pkt[13])
	require.Equal(t, byte(0x00), pkt[14])
	require.Equal(t, byte(0xEE), pkt[15])

	pkt2 := srv.buildDDCIQPacket(0, "ddc_0")
	seq1 := binary.BigEndian.Uint32(pkt[0:4])
	seq2 := binary.BigEndian.Uint32(pkt2[0:4])
	require.Equal(t, seq1+1, seq2)
}

func TestBuildMicPacketShape(t *testing.T) {
	srv, _ := newTestServer(t)
	pkt := srv.buildMicPacket()
	require.Len(t, pkt, 4+samplesPerMicFrame*2)
	for _, b := range pkt[4:] {
		require.Equal(t, byte(0), b)
	}
}

package protocol1

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cwsl/hpsdr-emu/radio"
)

func newTestServer(t *testing.T) (*Server, *radio.State) {
	t.Helper()
	mac := [6]byte{0x02, 0x11, 0x22, 0x33, 0x44, 0x55}
	state := radio.NewState(radio.HermesLite, mac, 48000)
	gen := radio.NewSignalGenerator(48000, 1000, 0, 0.3)
	srv := New(state, gen, nil)
	return srv, state
}

func TestHandleDiscoveryResponseShape(t *testing.T) {
	srv, state := newTestServer(t)

	addr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp4", addr)
	require.NoError(t, err)
	defer conn.Close()
	srv.sock = conn

	replyConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer replyConn.Close()

	srv.handleDiscovery(replyConn.LocalAddr().(*net.UDPAddr))

	buf := make([]byte, 128)
	replyConn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := replyConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, responseSize, n)

	resp := buf[:n]
	require.Equal(t, byte(0xEF), resp[0])
	require.Equal(t, byte(0xFE), resp[1])
	require.Equal(t, byte(0x02), resp[2])
	mac := state.MAC()
	require.Equal(t, mac[:], resp[3:9])
	require.Equal(t, state.FirmwareVersion(), resp[9])
	require.Equal(t, state.Hardware().Code(), resp[10])
	require.Equal(t, byte(state.NDDC()), resp[20])
}

func TestHandlePacketDispatchesShortDiscoveryRequest(t *testing.T) {
	srv, _ := newTestServer(t)

	addr, err := net.ResolveUDPAddr("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	conn, err := net.ListenUDP("udp4", addr)
	require.NoError(t, err)
	defer conn.Close()
	srv.sock = conn

	replyConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer replyConn.Close()

	// spec.md Scenario 1: a 60-byte discovery probe, not the teacher's
	// 63-byte one. Dispatch must fire on magic + command byte alone.
	req := make([]byte, 60)
	req[0], req[1], req[2] = 0xEF, 0xFE, cmdDiscovery

	srv.handlePacket(req, replyConn.LocalAddr().(*net.UDPAddr))

	buf := make([]byte, 128)
	replyConn.SetReadDeadline(time.Now().Add(time.Second))
	n, _, err := replyConn.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, responseSize, n)
	require.Equal(t, byte(0x02), buf[2])
}

func TestProcessControlSampleRateAndNDDC(t *testing.T) {
	srv, state := newTestServer(t)

	// addr=0x00, c1 rate code 2 (192000), c4 bits3-5 = nddc-1 = 1 -> nddc=2
	srv.processControl(0x00, 0x02, 0, 0, 0x08)
	require.Equal(t, 192000, state.SampleRate())
	require.Equal(t, 2, state.NDDC())
}

func TestProcessControlTXFrequency(t *testing.T) {
	srv, state := newTestServer(t)
	// addr=0x02, freq = 0x006ACFC0 = 7,000,000
	srv.processControl(0x02, 0x00, 0x6A, 0xCF, 0xC0)
	require.Equal(t, uint32(7000000), state.TXFrequency())
}

func TestProcessControlRXFrequency(t *testing.T) {
	srv, state := newTestServer(t)
	// addr=0x04 -> rx index 0
	srv.processControl(0x04, 0x00, 0x6A, 0xCF, 0xC0)
	require.Equal(t, uint32(7000000), state.RXFrequency(0))
}

func TestProcessControlPTTTransitionStartsEcho(t *testing.T) {
	mac := [6]byte{0x02}
	state := radio.NewState(radio.HermesLite, mac, 48000)
	gen := radio.NewSignalGenerator(48000, 1000, 0, 0.3)
	echo := radio.NewEchoBuffer(48000, 10)
	srv := New(state, gen, echo)

	state.SetTXFrequency(7100000)
	srv.processControl(0x01, 0, 0, 0, 0) // mox bit set, addr 0x00

	require.True(t, state.PTT())

	// A sample fed while PTT is on is committed under the TX frequency
	// when PTT drops, so it plays back on a receiver tuned there.
	echo.Feed([]complex128{complex(1, 0)})
	srv.processControl(0x00, 0, 0, 0, 0)
	require.False(t, state.PTT())
	out := echo.GenerateEcho(1, 7100000, 48000)
	require.NotZero(t, real(out[0]))
}

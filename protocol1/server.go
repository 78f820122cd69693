// Package protocol1 implements the legacy OpenHPSDR Protocol 1 (Metis)
// wire protocol: a single UDP port carrying discovery, control and
// interleaved IQ data.
package protocol1

import (
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cwsl/hpsdr-emu/metrics"
	"github.com/cwsl/hpsdr-emu/radio"
)

const (
	magicByte1 = 0xEF
	magicByte2 = 0xFE

	cmdDiscovery = 0x02
	cmdStartStop = 0x04
	cmdHostData  = 0x01

	dataSize     = 1032
	subframeSize = 512

	responseSize = 60

	// Port is the single UDP port Protocol 1 listens on for every packet
	// kind.
	Port = 1024
)

var responseAddrs = [4]byte{0x00, 0x08, 0x10, 0x18}

// Server implements the Protocol 1 radio side: it answers discovery and
// control packets and, once started, streams interleaved IQ data to the
// most recent client address seen in a start/stop or host data packet.
type Server struct {
	state *radio.State
	gen   *radio.SignalGenerator
	echo  *radio.EchoBuffer // nil disables TX-to-RX loopback

	mu         sync.RWMutex
	sock       *net.UDPConn
	clientAddr *net.UDPAddr
	controlIdx int

	streamMu   sync.Mutex
	streamStop chan struct{}

	stopChan chan struct{}
	wg       sync.WaitGroup

	metrics *metrics.Registry
}

// New builds a Protocol 1 server around the given shared radio state,
// signal generator and optional echo buffer.
func New(state *radio.State, gen *radio.SignalGenerator, echo *radio.EchoBuffer) *Server {
	return &Server{
		state:    state,
		gen:      gen,
		echo:     echo,
		stopChan: make(chan struct{}),
	}
}

// SetMetrics wires an optional Prometheus registry. Must be called
// before Start; nil disables metrics (the default).
func (s *Server) SetMetrics(m *metrics.Registry) {
	s.metrics = m
	if s.echo != nil && m != nil {
		s.echo.OnCommit = func(freq uint32, samples int) {
			m.EchoCommits.Inc()
		}
	}
}

// Start binds the shared UDP port and begins serving packets. It does
// not block.
func (s *Server) Start() error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: Port}
	sock, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("protocol1: bind port %d: %w", Port, err)
	}
	s.sock = sock

	log.Printf("protocol1: listening on 0.0.0.0:%d", Port)

	s.wg.Add(1)
	go s.receiveLoop()
	return nil
}

// Stop cancels any in-flight stream, waits for goroutines to exit, and
// closes the socket.
func (s *Server) Stop() {
	close(s.stopChan)
	s.wg.Wait()
	if s.sock != nil {
		s.sock.Close()
	}
	log.Println("protocol1: stopped")
}

func (s *Server) receiveLoop() {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	s.sock.SetReadDeadline(time.Now().Add(time.Second))

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		n, addr, err := s.sock.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				s.mu.RLock()
				hasClient := s.clientAddr != nil
				s.mu.RUnlock()
				if hasClient {
					s.sock.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
				} else {
					s.sock.SetReadDeadline(time.Now().Add(time.Second))
				}
				continue
			}
			select {
			case <-s.stopChan:
				return
			default:
			}
			log.Printf("protocol1: read error: %v", err)
			continue
		}

		s.handlePacket(buf[:n], addr)
	}
}

func (s *Server) handlePacket(data []byte, addr *net.UDPAddr) {
	if len(data) < 4 {
		s.dropMalformed()
		return
	}
	if data[0] != magicByte1 || data[1] != magicByte2 {
		s.dropMalformed()
		return
	}

	switch {
	case data[2] == cmdDiscovery:
		s.handleDiscovery(addr)
	case data[2] == cmdStartStop:
		s.handleStartStop(data, addr)
	case len(data) == dataSize && data[2] == cmdHostData:
		s.handleHostData(data, addr)
	default:
		s.dropMalformed()
	}
}

func (s *Server) dropMalformed() {
	if s.metrics != nil {
		s.metrics.MalformedDropped.Inc()
	}
}

func (s *Server) handleDiscovery(addr *net.UDPAddr) {
	if s.metrics != nil {
		s.metrics.DiscoveryRequests.Inc()
	}
	resp := make([]byte, responseSize)
	resp[0] = magicByte1
	resp[1] = magicByte2
	resp[2] = cmdDiscovery
	mac := s.state.MAC()
	copy(resp[3:9], mac[:])
	resp[9] = s.state.FirmwareVersion()
	resp[10] = s.state.Hardware().Code()
	resp[11] = 0x00
	// resp[12:14] reserved, left zero
	mercury := s.state.MercuryVersions()
	copy(resp[14:18], mercury[:])
	resp[18] = s.state.PennyVersion()
	resp[19] = s.state.MetisVersion()
	resp[20] = byte(s.state.NDDC())

	s.sendNamed(addr, resp, "p1_discovery")
}

func (s *Server) handleStartStop(data []byte, addr *net.UDPAddr) {
	if len(data) < 4 {
		return
	}
	start := data[3] == 0x01

	s.mu.Lock()
	s.clientAddr = addr
	s.mu.Unlock()

	wasRunning := s.state.Running()
	s.state.SetRunning(start)

	if start && !wasRunning {
		s.streamMu.Lock()
		s.streamStop = make(chan struct{})
		stop := s.streamStop
		s.streamMu.Unlock()

		s.wg.Add(1)
		go s.streamLoop(stop)
	} else if !start && wasRunning {
		s.streamMu.Lock()
		if s.streamStop != nil {
			close(s.streamStop)
			s.streamStop = nil
		}
		s.streamMu.Unlock()
	}
}

func (s *Server) handleHostData(data []byte, addr *net.UDPAddr) {
	s.mu.Lock()
	s.clientAddr = addr
	s.mu.Unlock()

	s.processSubframe(data[8:8+subframeSize], addr)
	s.processSubframe(data[8+subframeSize:8+2*subframeSize], addr)
}

func (s *Server) processSubframe(sf []byte, addr *net.UDPAddr) {
	if len(sf) < 8 || sf[0] != 0x7F || sf[1] != 0x7F || sf[2] != 0x7F {
		return
	}
	c0, c1, c2, c3, c4 := sf[3], sf[4], sf[5], sf[6], sf[7]
	s.processControl(c0, c1, c2, c3, c4)

	if s.echo != nil && s.state.PTT() {
		txData := sf[8:]
		if len(txData) >= 63*8 {
			iq := radio.UnpackTXIQ16(txData[:63*8])
			s.echo.Feed(iq)
		}
	}
}

func (s *Server) processControl(c0, c1, c2, c3, c4 byte) {
	mox := c0&0x01 != 0
	addr := c0 &^ 0x01

	wasPTT := s.state.PTT()
	if mox != wasPTT {
		s.state.SetPTT(mox)
		if s.echo != nil {
			if mox {
				s.echo.StartRecording(s.state.TXFrequency())
			} else {
				s.echo.StopRecording()
			}
		}
	}

	switch addr {
	case 0x00:
		rateCode := c1 & 0x03
		if hz, ok := radio.P1SampleRateFromCode(rateCode); ok && hz != s.state.SampleRate() {
			s.state.SetSampleRate(hz)
			s.gen.SetSampleRate(hz)
		}
		nddc := int((c4>>3)&0x07) + 1
		if nddc != s.state.NDDC() {
			s.state.SetNDDC(nddc)
		}
	case 0x02:
		freq := binary.BigEndian.Uint32([]byte{c1, c2, c3, c4})
		s.state.SetTXFrequency(freq)
	case 0x12:
		s.state.SetTXDrive(c1)
	default:
		if addr >= 0x04 && addr <= 0x10 && addr%2 == 0 {
			idx := int(addr-0x04) / 2
			freq := binary.BigEndian.Uint32([]byte{c1, c2, c3, c4})
			s.state.SetRXFrequency(idx, freq)
		}
	}
}

func (s *Server) streamLoop(stop chan struct{}) {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopChan:
			return
		case <-stop:
			return
		default:
		}
		if !s.state.Running() {
			return
		}

		s.mu.RLock()
		addr := s.clientAddr
		s.mu.RUnlock()
		if addr == nil {
			return
		}

		nddc := s.state.NDDC()
		if nddc < 1 {
			nddc = 1
		}
		spr := 504 / (6*nddc + 2)
		if spr < 1 {
			spr = 1
		}
		sampleRate := s.state.SampleRate()

		pkt := s.buildDataPacket(spr, nddc)
		s.sendTo(addr, pkt)

		samplesPerPacket := spr * 2
		interval := time.Duration(float64(samplesPerPacket) / float64(sampleRate) * float64(time.Second))

		select {
		case <-s.stopChan:
			return
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

func (s *Server) buildDataPacket(spr, nddc int) []byte {
	pkt := make([]byte, dataSize)
	pkt[0] = magicByte1
	pkt[1] = magicByte2
	pkt[2] = cmdHostData
	pkt[3] = 0x06
	seq := s.state.NextSeq("p1_data")
	binary.BigEndian.PutUint32(pkt[4:8], seq)

	s.fillSubframe(pkt[8:8+subframeSize], spr, nddc)
	s.fillSubframe(pkt[8+subframeSize:8+2*subframeSize], spr, nddc)

	return pkt
}

func (s *Server) fillSubframe(sf []byte, spr, nddc int) {
	sf[0], sf[1], sf[2] = 0x7F, 0x7F, 0x7F

	addr := responseAddrs[s.controlIdx%len(responseAddrs)]
	s.controlIdx++

	ptt := s.state.PTT()
	pttBit := byte(0)
	if ptt {
		pttBit = 1
	}
	sf[3] = addr | 0x80 | pttBit

	drive := s.state.TXDrive()
	switch addr {
	case 0x00:
		sf[4] = 0x00
		sf[5] = s.state.FirmwareVersion()
		sf[6] = s.state.PennyVersion()
		sf[7] = 0x00
	case 0x08:
		exc, fwd := uint16(0), uint16(0)
		if ptt {
			exc = uint16(drive) * 10
			fwd = (uint16(drive) * uint16(drive)) >> 4
		}
		binary.BigEndian.PutUint16(sf[4:6], exc)
		binary.BigEndian.PutUint16(sf[6:8], fwd)
	case 0x10:
		rev := uint16(0)
		if ptt && drive > 0 {
			fwd := (uint16(drive) * uint16(drive)) >> 4
			rev = fwd / 50
			if rev < 1 {
				rev = 1
			}
		}
		binary.BigEndian.PutUint16(sf[4:6], rev)
		binary.BigEndian.PutUint16(sf[6:8], 3200)
	case 0x18:
		pa := uint16(0)
		if ptt {
			pa = uint16(drive) * 5
		}
		binary.BigEndian.PutUint16(sf[4:6], pa)
		binary.BigEndian.PutUint16(sf[6:8], 3200)
	default:
		sf[4], sf[5], sf[6], sf[7] = 0, 0, 0, 0
	}

	ddcSamples := make([][]complex128, nddc)
	for ddc := 0; ddc < nddc; ddc++ {
		if s.echo != nil {
			ddcSamples[ddc] = s.echo.GenerateEcho(spr, s.state.RXFrequency(ddc), s.state.SampleRate())
		} else {
			ddcSamples[ddc] = s.gen.GenerateIQ(spr, ddc)
		}
	}

	payload := sf[8:]
	rowLen := 6*nddc + 2
	for row := 0; row < spr; row++ {
		for ddc := 0; ddc < nddc; ddc++ {
			off := row*rowLen + ddc*6
			packed := radio.PackIQ24(ddcSamples[ddc][row : row+1])
			copy(payload[off:off+6], packed)
		}
		micOff := row*rowLen + 6*nddc
		payload[micOff] = 0
		payload[micOff+1] = 0
	}
}

func (s *Server) sendTo(addr *net.UDPAddr, data []byte) {
	s.sendNamed(addr, data, "p1_data")
}

func (s *Server) sendNamed(addr *net.UDPAddr, data []byte, stream string) {
	if _, err := s.sock.WriteToUDP(data, addr); err != nil {
		log.Printf("protocol1: send error: %v", err)
		return
	}
	if s.metrics != nil {
		s.metrics.PacketsSent.WithLabelValues(stream).Inc()
	}
}

// ClientAddr returns the most recently observed client address, or nil
// if none has connected yet.
func (s *Server) ClientAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientAddr
}

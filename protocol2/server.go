// Package protocol2 implements the modern OpenHPSDR Protocol 2 wire
// protocol: discovery/config/control on dedicated low-numbered ports and
// one outbound IQ stream per receiver on its own port.
package protocol2

import (
	"encoding/binary"
	"log"
	"net"
	"sync"
	"time"

	"github.com/cwsl/hpsdr-emu/metrics"
	"github.com/cwsl/hpsdr-emu/radio"
)

const (
	portGeneral      = 1024
	portRXSpecificIn = 1025
	portTXSpecificIn = 1026
	portHighPriority = 1027
	portTXAudio      = 1028
	portTXIQ         = 1029

	portHPStatusOut = 1025
	portMicOut      = 1026
	portDDCBase     = 1035

	discoveryRespSize  = 60
	samplesPerDDCFrame = 238
	samplesPerMicFrame = 64

	hpStatusInterval = 100 * time.Millisecond
	echoTXTimeout    = 1 * time.Second

	maxDDC = 10
)

// Server implements the Protocol 2 radio side across its six UDP ports.
type Server struct {
	state *radio.State
	gen   *radio.SignalGenerator
	echo  *radio.EchoBuffer

	mu         sync.RWMutex
	clientAddr *net.UDPAddr

	inbound  map[int]*net.UDPConn
	ddcSocks [maxDDC]*net.UDPConn

	stopChan chan struct{}
	wg       sync.WaitGroup

	streamMu    sync.Mutex
	streamStop  chan struct{}
	streaming   bool

	echoMu      sync.Mutex
	echoTXOn    bool
	echoTimer   *time.Timer

	metrics *metrics.Registry
}

// New builds a Protocol 2 server around shared radio state, signal
// generator, and optional echo buffer.
func New(state *radio.State, gen *radio.SignalGenerator, echo *radio.EchoBuffer) *Server {
	s := &Server{
		state:    state,
		gen:      gen,
		echo:     echo,
		inbound:  make(map[int]*net.UDPConn),
		stopChan: make(chan struct{}),
	}
	return s
}

// SetMetrics wires an optional Prometheus registry. Must be called
// before Start; nil disables metrics (the default). If an echo buffer
// is attached, commits into it are also counted.
func (s *Server) SetMetrics(m *metrics.Registry) {
	s.metrics = m
	if s.echo != nil && m != nil {
		s.echo.OnCommit = func(freq uint32, samples int) {
			m.EchoCommits.Inc()
		}
	}
}

// Start binds all six well-known ports and the per-DDC send sockets,
// then begins serving. It does not block.
func (s *Server) Start() error {
	ports := []int{portGeneral, portRXSpecificIn, portTXSpecificIn, portHighPriority, portTXAudio, portTXIQ}
	for _, p := range ports {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: p})
		if err != nil {
			s.closeSockets()
			return err
		}
		s.inbound[p] = conn
	}

	nddc := s.state.NDDC()
	if nddc > maxDDC {
		nddc = maxDDC
	}
	for k := 0; k < nddc; k++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: portDDCBase + k})
		if err != nil {
			s.closeSockets()
			return err
		}
		s.ddcSocks[k] = conn
	}

	log.Printf("protocol2: listening on 0.0.0.0:{%d,%d,%d,%d,%d,%d} and %d DDC ports from %d",
		portGeneral, portRXSpecificIn, portTXSpecificIn, portHighPriority, portTXAudio, portTXIQ,
		nddc, portDDCBase)

	for port, conn := range s.inbound {
		s.wg.Add(1)
		go s.receiveLoop(port, conn)
	}

	return nil
}

// Stop cancels any active stream, waits for goroutines to exit, and
// closes every socket.
func (s *Server) Stop() {
	close(s.stopChan)
	s.stopStreaming()
	s.wg.Wait()
	s.closeSockets()
	log.Println("protocol2: stopped")
}

func (s *Server) closeSockets() {
	for _, conn := range s.inbound {
		conn.Close()
	}
	for _, conn := range s.ddcSocks {
		if conn != nil {
			conn.Close()
		}
	}
}

func (s *Server) receiveLoop(port int, conn *net.UDPConn) {
	defer s.wg.Done()

	buf := make([]byte, 2048)
	conn.SetReadDeadline(time.Now().Add(time.Second))

	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				conn.SetReadDeadline(time.Now().Add(time.Second))
				continue
			}
			select {
			case <-s.stopChan:
				return
			default:
			}
			log.Printf("protocol2: read error on port %d: %v", port, err)
			continue
		}

		s.handlePacket(port, buf[:n], addr)
	}
}

func (s *Server) handlePacket(port int, data []byte, addr *net.UDPAddr) {
	switch port {
	case portGeneral:
		s.handleGeneral(data, addr)
	case portRXSpecificIn:
		s.handleRXSpecific(data, addr)
	case portTXSpecificIn:
		s.handleTXSpecific(data, addr)
	case portHighPriority:
		s.handleHighPriority(data, addr)
	case portTXAudio:
		s.handleTXAudio(data, addr)
	case portTXIQ:
		s.handleTXIQ(data, addr)
	}
}

func (s *Server) setClient(addr *net.UDPAddr) {
	s.mu.Lock()
	s.clientAddr = addr
	s.mu.Unlock()
}

// ClientAddr returns the most recently observed client address, or nil.
func (s *Server) ClientAddr() *net.UDPAddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientAddr
}

func (s *Server) dropMalformed() {
	if s.metrics != nil {
		s.metrics.MalformedDropped.Inc()
	}
}

func (s *Server) handleGeneral(data []byte, addr *net.UDPAddr) {
	if len(data) < 5 {
		s.dropMalformed()
		return
	}
	switch data[4] {
	case 0x02:
		s.sendDiscoveryResponse(addr)
	case 0x00:
		s.setClient(addr)
	}
}

func (s *Server) sendDiscoveryResponse(addr *net.UDPAddr) {
	resp := make([]byte, discoveryRespSize)
	resp[4] = 0x02
	mac := s.state.MAC()
	copy(resp[5:11], mac[:])
	resp[11] = s.state.Hardware().Code()
	resp[12] = 0x01 // protocol version
	resp[13] = s.state.FirmwareVersion()
	mercury := s.state.MercuryVersions()
	copy(resp[14:18], mercury[:])
	resp[18] = s.state.PennyVersion()
	resp[19] = s.state.MetisVersion()
	resp[20] = byte(s.state.NDDC())

	if conn, ok := s.inbound[portGeneral]; ok {
		if _, err := conn.WriteToUDP(resp, addr); err != nil {
			log.Printf("protocol2: discovery send error: %v", err)
		} else if s.metrics != nil {
			s.metrics.DiscoveryRequests.Inc()
			s.metrics.PacketsSent.WithLabelValues("p2_discovery").Inc()
		}
	}
}

func (s *Server) handleRXSpecific(data []byte, addr *net.UDPAddr) {
	if len(data) < 20 {
		s.dropMalformed()
		return
	}
	s.setClient(addr)

	srKHz := binary.BigEndian.Uint16(data[18:20])
	if srKHz != 0 {
		hz := int(srKHz) * 1000
		if hz != s.state.SampleRate() {
			s.state.SetSampleRate(hz)
			s.gen.SetSampleRate(hz)
		}
	}
}

func (s *Server) handleTXSpecific(data []byte, addr *net.UDPAddr) {
	s.setClient(addr)
}

func (s *Server) handleHighPriority(data []byte, addr *net.UDPAddr) {
	if len(data) < 57 {
		s.dropMalformed()
		return
	}
	s.setClient(addr)

	flags := data[4]
	run := flags&0x01 != 0
	ptt := flags&0x02 != 0

	if ptt != s.state.PTT() {
		s.state.SetPTT(ptt)
		if !ptt && s.echo != nil {
			s.cancelEchoTimer()
			s.echoMu.Lock()
			s.echoTXOn = false
			s.echoMu.Unlock()
			s.echo.StopRecording()
		}
	}

	for i := 0; i < radio.NumRXFrequencies; i++ {
		off := 9 + i*4
		if off+4 > len(data) {
			break
		}
		freq := binary.BigEndian.Uint32(data[off : off+4])
		if freq > 0 && freq != s.state.RXFrequency(i) {
			s.state.SetRXFrequency(i, freq)
		}
	}

	if len(data) > 332 {
		txFreq := binary.BigEndian.Uint32(data[329:333])
		if txFreq > 0 && txFreq != s.state.TXFrequency() {
			s.state.SetTXFrequency(txFreq)
		}
	}

	if len(data) > 345 {
		drive := data[345]
		if drive != s.state.TXDrive() {
			s.state.SetTXDrive(drive)
		}
	}

	running := s.state.Running()
	if run && !running {
		s.state.SetRunning(true)
		s.startStreaming()
	} else if !run && running {
		s.state.SetRunning(false)
		s.stopStreaming()
	}
}

func (s *Server) handleTXAudio(data []byte, addr *net.UDPAddr) {
	s.setClient(addr)
	if s.echo == nil || !s.state.PTT() || len(data) <= 4 {
		return
	}
	payload := data[4:]
	var iq []complex128
	switch {
	case len(payload)%6 == 0 && len(payload) >= 6*60:
		iq = radio.UnpackTXIQ24(payload)
	case len(payload)%4 == 0:
		iq = radio.UnpackTXAudio16(payload)
	default:
		return
	}
	s.feedEcho(iq)
}

func (s *Server) handleTXIQ(data []byte, addr *net.UDPAddr) {
	s.setClient(addr)
	if s.echo == nil || !s.state.PTT() || len(data) <= 4 {
		return
	}
	iq := radio.UnpackTXIQ24(data[4:])
	s.feedEcho(iq)
}

func (s *Server) feedEcho(iq []complex128) {
	s.echoMu.Lock()
	if !s.echoTXOn {
		s.echoTXOn = true
		s.echo.StartRecording(s.state.TXFrequency())
	}
	s.echoMu.Unlock()

	s.echo.Feed(iq)
	s.resetEchoTimer()
}

func (s *Server) resetEchoTimer() {
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	if s.echoTimer != nil {
		s.echoTimer.Stop()
	}
	s.echoTimer = time.AfterFunc(echoTXTimeout, s.echoTXTimeoutFired)
}

func (s *Server) cancelEchoTimer() {
	s.echoMu.Lock()
	defer s.echoMu.Unlock()
	if s.echoTimer != nil {
		s.echoTimer.Stop()
		s.echoTimer = nil
	}
}

func (s *Server) echoTXTimeoutFired() {
	s.echoMu.Lock()
	wasOn := s.echoTXOn
	s.echoTXOn = false
	s.echoMu.Unlock()
	if wasOn {
		s.echo.StopRecording()
		log.Println("protocol2: TX echo recording committed after idle timeout")
	}
}

func (s *Server) startStreaming() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if s.streaming {
		return
	}
	s.streaming = true
	s.streamStop = make(chan struct{})
	stop := s.streamStop

	s.wg.Add(1)
	go s.hpStatusLoop(stop)

	nddc := s.state.NDDC()
	if nddc > maxDDC {
		nddc = maxDDC
	}
	for k := 0; k < nddc; k++ {
		if s.ddcSocks[k] == nil {
			continue
		}
		s.wg.Add(1)
		go s.ddcIQLoop(k, stop)
	}

	s.wg.Add(1)
	go s.micLoop(stop)
}

func (s *Server) stopStreaming() {
	s.streamMu.Lock()
	defer s.streamMu.Unlock()
	if !s.streaming {
		return
	}
	s.streaming = false
	close(s.streamStop)
}

func (s *Server) hpStatusLoop(stop chan struct{}) {
	defer s.wg.Done()
	conn := s.inbound[portRXSpecificIn] // port 1025 doubles as HP status source
	for {
		select {
		case <-s.stopChan:
			return
		case <-stop:
			return
		default:
		}

		addr := s.ClientAddr()
		if addr != nil {
			pkt := s.buildHPStatus()
			if _, err := conn.WriteToUDP(pkt, addr); err != nil {
				log.Printf("protocol2: hp status send error: %v", err)
			} else if s.metrics != nil {
				s.metrics.PacketsSent.WithLabelValues("hp_status").Inc()
			}
		}

		select {
		case <-s.stopChan:
			return
		case <-stop:
			return
		case <-time.After(hpStatusInterval):
		}
	}
}

func (s *Server) buildHPStatus() []byte {
	buf := make([]byte, discoveryRespSize)
	seq := s.state.NextSeq("hp_status")
	binary.BigEndian.PutUint32(buf[0:4], seq)

	ptt := s.state.PTT()
	if ptt {
		buf[4] = 1
	}
	drive := s.state.TXDrive()
	if ptt && drive > 0 {
		exc := uint16(drive) * 10
		fwd := (uint16(drive) * uint16(drive)) >> 4
		rev := fwd / 50
		if rev < 1 {
			rev = 1
		}
		binary.BigEndian.PutUint16(buf[6:8], exc)
		binary.BigEndian.PutUint16(buf[14:16], fwd)
		binary.BigEndian.PutUint16(buf[22:24], rev)
	}
	return buf
}

func (s *Server) ddcIQLoop(ddcIndex int, stop chan struct{}) {
	defer s.wg.Done()
	conn := s.ddcSocks[ddcIndex]
	streamName := ddcStreamName(ddcIndex)

	for {
		select {
		case <-s.stopChan:
			return
		case <-stop:
			return
		default:
		}

		addr := s.ClientAddr()
		sampleRate := s.state.SampleRate()
		if addr != nil {
			pkt := s.buildDDCIQPacket(ddcIndex, streamName)
			if _, err := conn.WriteToUDP(pkt, addr); err != nil {
				log.Printf("protocol2: ddc %d send error: %v", ddcIndex, err)
			} else if s.metrics != nil {
				s.metrics.PacketsSent.WithLabelValues(streamName).Inc()
			}
		}

		interval := time.Duration(float64(samplesPerDDCFrame) / float64(sampleRate) * float64(time.Second))
		select {
		case <-s.stopChan:
			return
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

func (s *Server) buildDDCIQPacket(ddcIndex int, streamName string) []byte {
	seq := s.state.NextSeq(streamName)
	ts := uint64(time.Now().UnixMicro())

	header := make([]byte, 16)
	binary.BigEndian.PutUint32(header[0:4], seq)
	binary.BigEndian.PutUint64(header[4:12], ts)
	binary.BigEndian.PutUint16(header[12:14], 24)
	binary.BigEndian.PutUint16(header[14:16], samplesPerDDCFrame)

	var iq []complex128
	rxFreq := s.state.RXFrequency(ddcIndex)
	sampleRate := s.state.SampleRate()
	if s.echo != nil {
		iq = s.echo.GenerateEcho(samplesPerDDCFrame, rxFreq, sampleRate)
	} else {
		iq = s.gen.GenerateIQ(samplesPerDDCFrame, ddcIndex)
	}

	return append(header, radio.PackIQ24(iq)...)
}

func (s *Server) micLoop(stop chan struct{}) {
	defer s.wg.Done()
	conn := s.inbound[portTXSpecificIn] // port 1026 doubles as mic source
	interval := time.Duration(float64(samplesPerMicFrame) / 48000.0 * float64(time.Second))

	for {
		select {
		case <-s.stopChan:
			return
		case <-stop:
			return
		default:
		}

		addr := s.ClientAddr()
		if addr != nil {
			pkt := s.buildMicPacket()
			if _, err := conn.WriteToUDP(pkt, addr); err != nil {
				log.Printf("protocol2: mic send error: %v", err)
			} else if s.metrics != nil {
				s.metrics.PacketsSent.WithLabelValues("mic").Inc()
			}
		}

		select {
		case <-s.stopChan:
			return
		case <-stop:
			return
		case <-time.After(interval):
		}
	}
}

func (s *Server) buildMicPacket() []byte {
	buf := make([]byte, 4+samplesPerMicFrame*2)
	seq := s.state.NextSeq("mic")
	binary.BigEndian.PutUint32(buf[0:4], seq)
	return buf
}

func ddcStreamName(i int) string {
	const letters = "0123456789"
	return "ddc_" + string(letters[i])
}

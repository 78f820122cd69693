package radio

import (
	"crypto/rand"
	"sync"
)

// NumRXFrequencies is the number of independently tunable RX slots a
// RadioState carries, regardless of how many the active hardware profile
// or protocol actually streams.
const NumRXFrequencies = 12

// SampleRatesP1 maps a Protocol 1 sample rate in Hz to its 2-bit wire
// code, and is also used in reverse to resolve an incoming code.
var SampleRatesP1 = map[int]byte{
	48000:  0,
	96000:  1,
	192000: 2,
	384000: 3,
}

// P1SampleRateFromCode resolves a Protocol 1 2-bit rate code back to Hz.
// ok is false for any code outside the closed set (3 is the widest 2-bit
// value so this never happens in practice, but callers still check).
func P1SampleRateFromCode(code byte) (rate int, ok bool) {
	for hz, c := range SampleRatesP1 {
		if c == code {
			return hz, true
		}
	}
	return 0, false
}

// State is the single simulated radio shared by whichever protocol
// engine is active. All fields are guarded by mu; callers must go
// through the accessor methods rather than touching fields directly.
type State struct {
	mu sync.Mutex

	hw  Hardware
	mac [6]byte

	firmwareVersion byte
	mercuryVersions [4]byte
	pennyVersion    byte
	metisVersion    byte

	sampleRate     int
	nddc           int
	rxFrequencies  [NumRXFrequencies]uint32
	txFrequency    uint32
	txDrive        byte
	running        bool
	ptt            bool

	seq map[string]uint32
}

// NewState builds a RadioState for the given hardware profile, sample
// rate and MAC address. nddc is initialized to hw.MaxDDCs; the host can
// change it afterwards through SetNDDC.
func NewState(hw Hardware, mac [6]byte, sampleRate int) *State {
	s := &State{
		hw:              hw,
		mac:             mac,
		firmwareVersion: 25,
		mercuryVersions: [4]byte{25, 25, 25, 25},
		pennyVersion:    25,
		metisVersion:    25,
		sampleRate:      sampleRate,
		nddc:            hw.MaxDDCs(),
		txFrequency:     7074000,
		seq:             make(map[string]uint32),
	}
	for i := range s.rxFrequencies {
		s.rxFrequencies[i] = 7074000
	}
	return s
}

// RandomMAC generates a random 6-byte MAC address with the
// locally-administered, unicast bits set per IEEE 802 convention:
// bit1 (locally administered) set, bit0 (multicast) cleared.
func RandomMAC() ([6]byte, error) {
	var b [6]byte
	if _, err := rand.Read(b[:]); err != nil {
		return b, err
	}
	b[0] = (b[0] | 0x02) & 0xFE
	return b, nil
}

// NextSeq returns the current sequence value for the named stream and
// post-increments it modulo 2^32. The first call for a given name
// returns 0.
func (s *State) NextSeq(name string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	val := s.seq[name]
	s.seq[name] = val + 1
	return val
}

func (s *State) Hardware() Hardware {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hw
}

func (s *State) MAC() [6]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mac
}

func (s *State) SetMAC(mac [6]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mac = mac
}

func (s *State) FirmwareVersion() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firmwareVersion
}

func (s *State) MercuryVersions() [4]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mercuryVersions
}

func (s *State) PennyVersion() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pennyVersion
}

func (s *State) MetisVersion() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metisVersion
}

func (s *State) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampleRate
}

func (s *State) SetSampleRate(hz int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sampleRate = hz
}

func (s *State) NDDC() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nddc
}

func (s *State) SetNDDC(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	s.nddc = n
}

func (s *State) RXFrequency(i int) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= NumRXFrequencies {
		return 0
	}
	return s.rxFrequencies[i]
}

func (s *State) SetRXFrequency(i int, hz uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= NumRXFrequencies {
		return
	}
	s.rxFrequencies[i] = hz
}

func (s *State) TXFrequency() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txFrequency
}

func (s *State) SetTXFrequency(hz uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txFrequency = hz
}

func (s *State) TXDrive() byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txDrive
}

func (s *State) SetTXDrive(d byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txDrive = d
}

func (s *State) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *State) SetRunning(r bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = r
}

func (s *State) PTT() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ptt
}

func (s *State) SetPTT(p bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ptt = p
}

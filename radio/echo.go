package radio

import (
	"math"
	"sync"
)

// EchoAttenuationDB is the fixed loopback attenuation applied to every
// echoed sample.
const EchoAttenuationDB = 80.0

// echoAttenuation is 10^(-80/20).
var echoAttenuation = math.Pow(10, -EchoAttenuationDB/20)

// EchoBuffer records transmitted I/Q samples keyed by the TX frequency
// they were transmitted on, and plays them back — frequency-shifted and
// heavily attenuated — on whichever RX frequencies fall within Nyquist
// distance of a stored recording. It models a simple TX-to-RX loopback
// for testing without real RF.
type EchoBuffer struct {
	mu sync.Mutex

	sampleRate  int
	maxDuration float64

	echoes      map[uint32][]complex128
	playbackPos map[uint32]int
	shiftPhase  map[uint32]float64

	recording     []complex128
	recordingFreq uint32
	isRecording   bool

	// OnCommit, if set, is called each time a recording is committed
	// into the echo map. Used by callers that want to count commits
	// (e.g. metrics) without this package depending on them.
	OnCommit func(freq uint32, samples int)
}

// NewEchoBuffer builds an EchoBuffer. maxDuration defaults to 10 seconds
// when 0 is passed.
func NewEchoBuffer(sampleRate int, maxDuration float64) *EchoBuffer {
	if maxDuration == 0 {
		maxDuration = 10.0
	}
	return &EchoBuffer{
		sampleRate:  sampleRate,
		maxDuration: maxDuration,
		echoes:      make(map[uint32][]complex128),
		playbackPos: make(map[uint32]int),
		shiftPhase:  make(map[uint32]float64),
	}
}

// StartRecording begins accumulating TX samples under txFreq. If a
// recording is already in progress it is committed first, so calling
// StartRecording repeatedly is safe.
func (e *EchoBuffer) StartRecording(txFreq uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isRecording {
		e.commit()
	}
	e.recording = nil
	e.recordingFreq = txFreq
	e.isRecording = true
}

// Feed appends samples to the in-progress recording. It is a no-op if no
// recording is active or samples is empty.
func (e *EchoBuffer) Feed(samples []complex128) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isRecording || len(samples) == 0 {
		return
	}
	cp := make([]complex128, len(samples))
	copy(cp, samples)
	e.recording = append(e.recording, cp...)
}

// StopRecording commits the in-progress recording, if any, and clears
// the recording flag.
func (e *EchoBuffer) StopRecording() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isRecording {
		e.commit()
	}
	e.isRecording = false
}

func (e *EchoBuffer) commit() {
	if len(e.recording) == 0 {
		return
	}
	freq := e.recordingFreq
	rec := e.recording
	e.recording = nil
	if freq == 0 {
		return
	}
	maxLen := int(float64(e.sampleRate) * e.maxDuration)
	if len(rec) > maxLen {
		rec = rec[:maxLen]
	}
	if len(rec) == 0 {
		return
	}
	e.echoes[freq] = rec
	e.playbackPos[freq] = 0
	e.shiftPhase[freq] = 0
	if e.OnCommit != nil {
		e.OnCommit(freq, len(rec))
	}
}

// GenerateEcho synthesizes n samples of looped-back echo for rxFreq. Any
// stored recording whose frequency is within sampleRate/2 Hz of rxFreq
// contributes a frequency-shifted, phase-continuous copy of itself; all
// contributions are summed and attenuated by EchoAttenuationDB. Returns
// exact zeros when no stored recording is within range.
func (e *EchoBuffer) GenerateEcho(n int, rxFreq uint32, sampleRate int) []complex128 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]complex128, n)
	if len(e.echoes) == 0 {
		return out
	}

	halfBW := float64(sampleRate) / 2.0

	for freq, buf := range e.echoes {
		offsetHz := float64(int64(rxFreq) - int64(freq))
		if math.Abs(offsetHz) > halfBW {
			continue
		}
		if len(buf) == 0 {
			continue
		}

		pos := e.playbackPos[freq]
		chunk := make([]complex128, n)
		for i := 0; i < n; i++ {
			chunk[i] = buf[(pos+i)%len(buf)]
		}
		e.playbackPos[freq] = (pos + n) % len(buf)

		if offsetHz != 0 {
			phase0 := e.shiftPhase[freq]
			step := 2 * math.Pi * offsetHz / float64(sampleRate)
			for k := 0; k < n; k++ {
				ang := phase0 + step*float64(k)
				rot := complex(math.Cos(ang), math.Sin(ang))
				chunk[k] *= rot
			}
			newPhase := phase0 + step*float64(n)
			newPhase = reduceModulo(newPhase, 2*math.Pi)
			e.shiftPhase[freq] = newPhase
		}

		for i := 0; i < n; i++ {
			out[i] += chunk[i]
		}
	}

	for i := range out {
		out[i] *= complex(echoAttenuation, 0)
	}
	return out
}

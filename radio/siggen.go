package radio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// SignalGenerator synthesizes a single test tone plus additive white
// Gaussian noise on each DDC, with a phase accumulator per DDC so
// consecutive calls are phase-continuous.
type SignalGenerator struct {
	mu sync.Mutex

	sampleRate   int
	toneOffsetHz float64
	noiseLevel   float64
	amplitude    float64

	phase map[int]float64
	noise distuv.Normal
}

// NewSignalGenerator builds a generator. amplitude defaults to 0.3 when 0
// is passed, matching original_source's default.
func NewSignalGenerator(sampleRate int, toneOffsetHz, noiseLevel, amplitude float64) *SignalGenerator {
	if amplitude == 0 {
		amplitude = 0.3
	}
	return &SignalGenerator{
		sampleRate:   sampleRate,
		toneOffsetHz: toneOffsetHz,
		noiseLevel:   noiseLevel,
		amplitude:    amplitude,
		phase:        make(map[int]float64),
		noise:        distuv.Normal{Mu: 0, Sigma: 1},
	}
}

func (g *SignalGenerator) SampleRate() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sampleRate
}

func (g *SignalGenerator) SetSampleRate(hz int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sampleRate = hz
}

// GenerateIQ synthesizes n samples for the given DDC index, advancing
// that DDC's phase accumulator. The tone is
// amplitude*exp(2*pi*j*toneOffsetHz*(k/sampleRate+phase)) plus
// independent complex Gaussian noise with the configured sigma.
func (g *SignalGenerator) GenerateIQ(n int, ddc int) []complex128 {
	g.mu.Lock()
	defer g.mu.Unlock()

	phase := g.phase[ddc]
	out := make([]complex128, n)
	for k := 0; k < n; k++ {
		t := float64(k)/float64(g.sampleRate) + phase
		ang := 2 * math.Pi * g.toneOffsetHz * t
		tone := complex(g.amplitude*math.Cos(ang), g.amplitude*math.Sin(ang))
		noiseI := g.noiseLevel * g.noise.Rand()
		noiseQ := g.noiseLevel * g.noise.Rand()
		out[k] = tone + complex(noiseI, noiseQ)
	}

	phase += float64(n) / float64(g.sampleRate)
	if g.toneOffsetHz != 0 {
		phase = reduceModulo(phase, 1/g.toneOffsetHz)
	}
	g.phase[ddc] = phase

	return out
}

// Package radio models the simulated OpenHPSDR peripheral: its hardware
// identity, tunable state, signal generator and TX/RX echo loopback.
package radio

import "fmt"

// Hardware identifies one of the OpenHPSDR board profiles this emulator
// can impersonate. The set is closed — callers select one of the named
// constants rather than constructing arbitrary values.
type Hardware struct {
	name    string
	code    byte
	maxDDCs int
}

// Name returns the hardware's canonical lowercase identifier, used as the
// --radio CLI choice and in log output. Discovery responses carry Code.
func (h Hardware) Name() string { return h.name }

// Code returns the board type byte sent in discovery responses.
func (h Hardware) Code() byte { return h.code }

// MaxDDCs returns the largest number of simultaneous receivers (DDCs)
// this board supports.
func (h Hardware) MaxDDCs() int { return h.maxDDCs }

func (h Hardware) String() string { return fmt.Sprintf("%s(code=%d,ddcs=%d)", h.name, h.code, h.maxDDCs) }

// The closed set of supported hardware profiles.
var (
	Atlas      = Hardware{"atlas", 0, 2}
	Hermes     = Hardware{"hermes", 1, 4}
	HermesII   = Hardware{"hermes2", 2, 4}
	Angelia    = Hardware{"angelia", 3, 5}
	Orion      = Hardware{"orion", 4, 5}
	OrionMkII  = Hardware{"orionmk2", 5, 8}
	HermesLite = Hardware{"hermeslite", 6, 2}
	Saturn     = Hardware{"saturn", 10, 10}
	SaturnMkII = Hardware{"saturnmk2", 11, 10}
)

// HardwareChoices maps the --radio flag's accepted lowercase names to
// their Hardware profile, mirroring original_source's RADIO_CHOICES table.
var HardwareChoices = map[string]Hardware{
	Atlas.name:      Atlas,
	Hermes.name:     Hermes,
	HermesII.name:   HermesII,
	Angelia.name:    Angelia,
	Orion.name:      Orion,
	OrionMkII.name:  OrionMkII,
	HermesLite.name: HermesLite,
	Saturn.name:     Saturn,
	SaturnMkII.name: SaturnMkII,
}

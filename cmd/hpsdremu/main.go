// Command hpsdremu emulates an OpenHPSDR Protocol 1 or Protocol 2 radio
// peripheral over UDP, for exercising host software without real RF
// hardware.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/cwsl/hpsdr-emu/metrics"
	"github.com/cwsl/hpsdr-emu/protocol1"
	"github.com/cwsl/hpsdr-emu/protocol2"
	"github.com/cwsl/hpsdr-emu/radio"
)

func main() {
	protocolVersion := pflag.IntP("protocol", "p", 0, "Protocol version (1=legacy, 2=modern), required")
	radioName := pflag.String("radio", "hermeslite", "Radio hardware type")
	macHex := pflag.String("mac", "", "MAC address (hex, e.g. 00:1c:c0:a2:22:5e). Random if omitted.")
	toneHz := pflag.Float64("freq", 1000.0, "Test tone offset from center in Hz")
	noiseLevel := pflag.Float64("noise", 3e-6, "Noise level as fraction of full-scale")
	amplitude := pflag.Float64("amplitude", 0.3, "Test tone amplitude as a fraction of full-scale")
	echoEnabled := pflag.Bool("echo", false, "Enable echo mode: TX IQ is recorded and looped back on RX")
	verbose := pflag.BoolP("verbose", "v", false, "Use microsecond-resolution log timestamps")
	metricsAddr := pflag.String("metrics-addr", "", "If set, serve Prometheus metrics on this address (e.g. :9090)")
	pflag.Parse()

	if *protocolVersion != 1 && *protocolVersion != 2 {
		fmt.Fprintln(os.Stderr, "hpsdremu: --protocol must be 1 or 2")
		pflag.Usage()
		os.Exit(2)
	}

	hw, ok := radio.HardwareChoices[strings.ToLower(*radioName)]
	if !ok {
		names := make([]string, 0, len(radio.HardwareChoices))
		for n := range radio.HardwareChoices {
			names = append(names, n)
		}
		sort.Strings(names)
		fmt.Fprintf(os.Stderr, "hpsdremu: unknown --radio %q, choices are: %s\n", *radioName, strings.Join(names, ", "))
		os.Exit(2)
	}

	var mac [6]byte
	if *macHex != "" {
		clean := strings.NewReplacer(":", "", "-", "").Replace(*macHex)
		b, err := hex.DecodeString(clean)
		if err != nil || len(b) != 6 {
			fmt.Fprintln(os.Stderr, "hpsdremu: --mac must be 6 bytes of hex")
			os.Exit(2)
		}
		copy(mac[:], b)
	} else {
		m, err := radio.RandomMAC()
		if err != nil {
			log.Fatalf("hpsdremu: generating random MAC: %v", err)
		}
		mac = m
	}

	sampleRate := 48000
	if *protocolVersion == 2 {
		sampleRate = 192000
	}

	if *verbose {
		log.SetFlags(log.Ltime | log.Lmicroseconds)
	} else {
		log.SetFlags(log.Ltime)
	}

	state := radio.NewState(hw, mac, sampleRate)
	gen := radio.NewSignalGenerator(sampleRate, *toneHz, *noiseLevel, *amplitude)

	var echo *radio.EchoBuffer
	if *echoEnabled {
		echo = radio.NewEchoBuffer(sampleRate, 10.0)
	}

	log.Printf("hpsdremu: protocol=%d radio=%s tone=%.0fHz noise=%.2g echo=%v",
		*protocolVersion, hw.Name(), *toneHz, *noiseLevel, *echoEnabled)

	var reg *metrics.Registry
	if *metricsAddr != "" {
		reg = metrics.New()
		go metrics.Serve(*metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("hpsdremu: shutting down...")
		cancel()
	}()

	if *protocolVersion == 1 {
		srv := protocol1.New(state, gen, echo)
		if reg != nil {
			srv.SetMetrics(reg)
		}
		if err := srv.Start(); err != nil {
			log.Fatalf("hpsdremu: %v", err)
		}
		<-ctx.Done()
		srv.Stop()
		return
	}

	srv := protocol2.New(state, gen, echo)
	if reg != nil {
		srv.SetMetrics(reg)
	}
	if err := srv.Start(); err != nil {
		log.Fatalf("hpsdremu: %v", err)
	}
	<-ctx.Done()
	srv.Stop()
}

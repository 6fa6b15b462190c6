// Command loopcored wires the SyncTimer, MidiRouter, SamplerSynth, and
// AudioLevels JACK clients into a single running engine, the way
// NewSfzPlayer starts its JackClient and falls back to an inert
// instance on failure rather than exiting.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/GeoffreyPlitt/debuggo"

	"loopcore"
)

var debug = debuggo.Debug("loopcore:cmd")

func main() {
	bpm := flag.Float64("bpm", 120, "initial tempo in BPM")
	soundFont := flag.String("soundfont", "", "path to a SoundFont2 file for the Zynthian synth backend")
	flag.Parse()

	synth := loopcore.NewSamplerSynth(48000)
	st := loopcore.NewSyncTimer(synth, nil)
	defer st.Close()
	st.SetBpm(*bpm)

	router := loopcore.NewMidiRouter()
	router.Reload()
	if *soundFont != "" {
		backend, err := loopcore.NewZynthianSynthBackend(*soundFont, 48000)
		if err != nil {
			debug("soundfont backend unavailable, continuing without it: %v", err)
		} else {
			router.ZynthianBackend = backend
		}
	}

	levels := loopcore.NewAudioLevels()
	stopMetering := make(chan struct{})
	levels.StartMeteringTimer(stopMetering)
	defer close(stopMetering)

	jackSynctimer, err := loopcore.NewJackSyncTimer(st)
	if err != nil {
		debug("JACK synctimer unavailable, running without transport output: %v", err)
		jackSynctimer = nil
	} else if err := jackSynctimer.Activate(); err != nil {
		debug("failed to activate JACK synctimer: %v", err)
		jackSynctimer = nil
	} else {
		defer jackSynctimer.Close()
	}

	if jackRouter, err := loopcore.NewJackMidiRouter(router, st); err != nil {
		debug("JACK midirouter unavailable, continuing without hardware routing: %v", err)
	} else if err := jackRouter.Activate(); err != nil {
		debug("failed to activate JACK midirouter: %v", err)
	} else {
		defer jackRouter.Close()
	}

	if jackSynth, err := loopcore.NewJackSamplerSynth(synth); err != nil {
		debug("JACK samplersynth unavailable, continuing silently: %v", err)
	} else if err := jackSynth.Activate(); err != nil {
		debug("failed to activate JACK samplersynth: %v", err)
	} else {
		defer jackSynth.Close()
	}

	if jackLevels, err := loopcore.NewJackAudioLevels(levels); err != nil {
		debug("JACK audiolevels unavailable, metering stays at zero: %v", err)
	} else if err := jackLevels.Activate(); err != nil {
		debug("failed to activate JACK audiolevels: %v", err)
	} else {
		defer jackLevels.Close()
	}

	if jackSynctimer != nil {
		transport, err := loopcore.NewTransportManager(st, jackSynctimer)
		if err != nil {
			debug("JACK transport manager unavailable: %v", err)
		} else if err := transport.Activate(); err != nil {
			debug("failed to activate transport manager: %v", err)
		} else {
			defer transport.Close()
		}
	}

	debug("loopcored running at %.1f BPM", st.BPM())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

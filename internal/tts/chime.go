package tts

import (
	"math"
	"time"
)

// Chime identifies a synthesized notification sound.
type Chime int

const (
	ChimeWake Chime = iota
	ChimeError
	ChimeDone
	ChimeAnnounce
	ChimeAlert
)

func (c Chime) String() string {
	switch c {
	case ChimeWake:
		return "wake"
	case ChimeError:
		return "error"
	case ChimeDone:
		return "done"
	case ChimeAnnounce:
		return "announce"
	case ChimeAlert:
		return "alert"
	}
	return "unknown"
}

type waveform int

const (
	sine waveform = iota
	square
)

type note struct {
	freq       float64
	start, end float64 // seconds; end == 0 means until the pattern ends
}

// pattern describes a chime. Stepped patterns glide one oscillator through
// the notes under a single exponential decay; the others give every note its
// own attack and release.
type pattern struct {
	wave     waveform
	scale    float64
	stepped  bool
	notes    []note
	duration float64
}

var patterns = map[Chime]pattern{
	ChimeWake: {wave: sine, scale: 1, stepped: true, duration: 0.25, notes: []note{
		{freq: 523}, {freq: 659, start: 0.08}, {freq: 784, start: 0.16},
	}},
	ChimeError: {wave: square, scale: 0.3, stepped: true, duration: 0.15, notes: []note{
		{freq: 300}, {freq: 200, start: 0.08},
	}},
	ChimeDone: {wave: sine, scale: 1, stepped: true, duration: 0.25, notes: []note{
		{freq: 784}, {freq: 659, start: 0.08},
	}},
	ChimeAnnounce: {wave: sine, scale: 1, duration: 0.5, notes: []note{
		{freq: 784, end: 0.15}, {freq: 587, start: 0.18, end: 0.4},
	}},
	ChimeAlert: {wave: sine, scale: 1, duration: 0.6, notes: []note{
		{freq: 880, end: 0.15}, {freq: 660, start: 0.18, end: 0.33}, {freq: 880, start: 0.36, end: 0.55},
	}},
}

// Duration returns how long c sounds.
func Duration(c Chime) time.Duration {
	p, ok := patterns[c]
	if !ok {
		p = patterns[ChimeDone]
	}
	return time.Duration(p.duration * float64(time.Second))
}

// Synthesize renders c as mono float32 samples at rate. volume is 0 to 1.
func Synthesize(c Chime, rate int, volume float64) []float32 {
	p, ok := patterns[c]
	if !ok {
		p = patterns[ChimeDone]
	}
	n := int(p.duration * float64(rate))
	out := make([]float32, n)
	amp := volume * 0.5 * p.scale
	if amp <= 0 || n == 0 {
		return out
	}
	if p.stepped {
		synthStepped(out, p, rate, amp)
	} else {
		synthNotes(out, p, rate, amp)
	}
	return out
}

func synthStepped(out []float32, p pattern, rate int, amp float64) {
	// Decay from amp to 0.001 across the pattern.
	decay := math.Log(0.001/amp) / p.duration
	phase := 0.0
	for i := range out {
		t := float64(i) / float64(rate)
		freq := p.notes[0].freq
		for _, nt := range p.notes {
			if t >= nt.start {
				freq = nt.freq
			}
		}
		phase += 2 * math.Pi * freq / float64(rate)
		out[i] = float32(amp * math.Exp(decay*t) * osc(p.wave, phase))
	}
}

const (
	attack  = 0.01
	release = 0.05
)

func synthNotes(out []float32, p pattern, rate int, amp float64) {
	for _, nt := range p.notes {
		end := nt.end
		if end == 0 {
			end = p.duration
		}
		from, to := int(nt.start*float64(rate)), min(int(end*float64(rate)), len(out))
		for i := from; i < to; i++ {
			t := float64(i-from) / float64(rate)
			left := end - nt.start - t
			env := 1.0
			if t < attack {
				env = t / attack
			} else if left < release {
				env = left / release
			}
			out[i] += float32(amp * env * osc(p.wave, 2*math.Pi*nt.freq*t))
		}
	}
}

func osc(w waveform, phase float64) float64 {
	s := math.Sin(phase)
	if w == square {
		if s >= 0 {
			return 1
		}
		return -1
	}
	return s
}

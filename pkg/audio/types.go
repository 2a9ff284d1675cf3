package audio

import "time"

// AudioFrame is a block of little-endian int16 PCM. Playback clips and
// decoded media travel as AudioFrame values.
type AudioFrame struct {
	// PCM audio data, interleaved when Channels > 1.
	Data []byte

	// SampleRate in Hz.
	SampleRate int

	// Channels: 1 for mono, 2 for interleaved stereo.
	Channels int

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playing time of the frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Frame is a block of mono float samples in [-1, 1] as captured from a
// microphone at its native rate.
type Frame struct {
	Samples    []float32
	SampleRate int
	Timestamp  time.Duration
}

// TargetSampleRate is the rate the backend and the wake-word models expect.
const TargetSampleRate = 16000

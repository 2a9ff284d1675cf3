package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}

// FormatConverter converts decoded [AudioFrame] clips to a sink format. It
// logs once on the first mismatch. Not safe for concurrent use.
type FormatConverter struct {
	Target      Format
	warnedOnce  sync.Once
	corruptOnce sync.Once
}

// Convert returns frame in the target format. Channel count is reduced to
// mono before resampling and widened after it, so interpolation always runs
// on the smaller stream.
func (c *FormatConverter) Convert(frame AudioFrame) AudioFrame {
	if len(frame.Data)%2 != 0 {
		c.corruptOnce.Do(func() {
			slog.Warn("audio: odd byte count in PCM clip, dropping",
				"bytes", len(frame.Data),
				"format", Format{frame.SampleRate, frame.Channels},
			)
		})
		return AudioFrame{SampleRate: c.Target.SampleRate, Channels: c.Target.Channels, Timestamp: frame.Timestamp}
	}
	src := Format{frame.SampleRate, frame.Channels}
	if src == c.Target {
		return frame
	}
	c.warnedOnce.Do(func() {
		slog.Debug("audio: converting playback format", "from", src, "to", c.Target)
	})

	pcm := frame.Data
	if src.Channels == 2 {
		pcm = StereoToMono(pcm)
	}
	pcm = ResampleMono16(pcm, src.SampleRate, c.Target.SampleRate)
	if c.Target.Channels == 2 {
		pcm = MonoToStereo(pcm)
	}
	return AudioFrame{
		Data:       pcm,
		SampleRate: c.Target.SampleRate,
		Channels:   c.Target.Channels,
		Timestamp:  frame.Timestamp,
	}
}

// MonoToStereo duplicates each int16 mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		j := i * 2
		out[j], out[j+1] = pcm[i], pcm[i+1]
		out[j+2], out[j+3] = pcm[i], pcm[i+1]
	}
	return out
}

// StereoToMono averages each interleaved L+R pair.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		r := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16((l+r)/2)))
	}
	return out
}

// ResampleMono16 resamples int16 mono PCM from srcRate to dstRate with
// linear interpolation. Equal rates return the input unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	in := PCM16ToFloat(pcm)
	return FloatToPCM16(ResampleFloat(in, srcRate, dstRate))
}

// ResampleFloat converts mono float samples from srcRate to dstRate. The
// output length is round(len/ratio); each output sample interpolates between
// the two nearest inputs, clamping the upper neighbour to the last sample.
func ResampleFloat(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}
	ratio := float64(srcRate) / float64(dstRate)
	n := int(math.Round(float64(len(in)) / ratio))
	out := make([]float32, n)
	last := len(in) - 1
	for i := range n {
		pos := float64(i) * ratio
		lo := int(pos)
		if lo > last {
			lo = last
		}
		hi := min(lo+1, last)
		frac := float32(pos - float64(lo))
		out[i] = in[lo]*(1-frac) + in[hi]*frac
	}
	return out
}

// FloatToPCM16 clamps samples to [-1, 1] and encodes them as little-endian
// int16, scaling negatives by 0x8000 and positives by 0x7FFF.
func FloatToPCM16(in []float32) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		s = max(-1, min(1, s))
		var v int16
		if s < 0 {
			v = int16(s * 0x8000)
		} else {
			v = int16(s * 0x7FFF)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToFloat decodes little-endian int16 PCM into floats in [-1, 1).
func PCM16ToFloat(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768
	}
	return out
}

// Float32LE decodes little-endian IEEE-754 float32 samples, as delivered by
// capture devices opened in float format.
func Float32LE(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

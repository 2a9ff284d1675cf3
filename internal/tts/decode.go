package tts

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"

	"github.com/MrWong99/voicesat/pkg/audio"
)

// ErrUnsupportedMedia is returned by [Decode] for payloads that are neither
// WAV nor MP3.
var ErrUnsupportedMedia = errors.New("tts: unsupported media format")

// Decode turns a WAV or MP3 payload into 16-bit PCM. The container is
// detected from the payload itself; Home Assistant serves both with loose
// content types.
func Decode(data []byte) (audio.AudioFrame, error) {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return decodeWAV(data)
	case isMP3(data):
		return decodeMP3(data)
	}
	return audio.AudioFrame{}, ErrUnsupportedMedia
}

func isMP3(data []byte) bool {
	if len(data) >= 3 && string(data[0:3]) == "ID3" {
		return true
	}
	// MPEG frame sync: eleven set bits.
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

func decodeMP3(data []byte) (audio.AudioFrame, error) {
	d, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return audio.AudioFrame{}, fmt.Errorf("tts: decode mp3: %w", err)
	}
	pcm, err := io.ReadAll(d)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return audio.AudioFrame{}, fmt.Errorf("tts: decode mp3: %w", err)
	}
	// go-mp3 always emits interleaved 16-bit stereo.
	pcm = pcm[:len(pcm)-len(pcm)%4]
	return audio.AudioFrame{Data: pcm, SampleRate: d.SampleRate(), Channels: 2}, nil
}

type wavFormat struct {
	tag        uint16
	channels   int
	sampleRate int
	bits       int
}

const (
	wavPCM   = 1
	wavFloat = 3
)

func decodeWAV(data []byte) (audio.AudioFrame, error) {
	var (
		f       wavFormat
		haveFmt bool
	)
	le := binary.LittleEndian
	off := 12
	for off+8 <= len(data) {
		id := string(data[off : off+4])
		size := int(le.Uint32(data[off+4 : off+8]))
		body := data[off+8:]
		if size < len(body) {
			body = body[:size]
		}

		switch id {
		case "fmt ":
			if len(body) < 16 {
				return audio.AudioFrame{}, errors.New("tts: wav fmt chunk too short")
			}
			f = wavFormat{
				tag:        le.Uint16(body[0:2]),
				channels:   int(le.Uint16(body[2:4])),
				sampleRate: int(le.Uint32(body[4:8])),
				bits:       int(le.Uint16(body[14:16])),
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return audio.AudioFrame{}, errors.New("tts: wav data before fmt chunk")
			}
			return wavToPCM16(f, body)
		}

		off += 8 + size
		if size%2 != 0 {
			off++
		}
	}
	return audio.AudioFrame{}, errors.New("tts: wav missing data chunk")
}

func wavToPCM16(f wavFormat, body []byte) (audio.AudioFrame, error) {
	if f.channels != 1 && f.channels != 2 {
		return audio.AudioFrame{}, fmt.Errorf("tts: wav with %d channels", f.channels)
	}
	if f.sampleRate <= 0 {
		return audio.AudioFrame{}, errors.New("tts: wav without sample rate")
	}
	frame := audio.AudioFrame{SampleRate: f.sampleRate, Channels: f.channels}

	switch {
	case f.tag == wavPCM && f.bits == 16:
		frame.Data = body[:len(body)-len(body)%2]
	case f.tag == wavPCM && f.bits == 8:
		out := make([]byte, len(body)*2)
		for i, b := range body {
			binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(int(b)-128)<<8))
		}
		frame.Data = out
	case f.tag == wavFloat && f.bits == 32:
		frame.Data = audio.FloatToPCM16(audio.Float32LE(body))
	default:
		return audio.AudioFrame{}, fmt.Errorf("tts: wav format %d with %d bits: %w", f.tag, f.bits, ErrUnsupportedMedia)
	}
	return frame, nil
}

package device

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/voicesat/pkg/audio"
)

// drainPoll is how often a playing clip is checked for completion.
const drainPoll = 20 * time.Millisecond

// Speaker plays clips through the default output device. Only one oto
// context may exist per process, so create a single Speaker and derive
// further outputs with [Speaker.NewVoice]. It implements [audio.Sink] and
// [audio.Pauser].
type Speaker struct {
	ctx    *oto.Context
	format audio.Format

	mu     sync.Mutex
	player *oto.Player
	done   func(error)
	gen    uint64
	volume float64
	paused bool
}

var (
	_ audio.Sink   = (*Speaker)(nil)
	_ audio.Pauser = (*Speaker)(nil)
)

// NewSpeaker opens the output device at format. Channels must be 1 or 2.
func NewSpeaker(format audio.Format) (*Speaker, error) {
	if format.SampleRate <= 0 {
		format.SampleRate = 48000
	}
	if format.Channels <= 0 {
		format.Channels = 2
	}
	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   format.SampleRate,
		ChannelCount: format.Channels,
		Format:       oto.FormatSignedInt16LE,
	})
	if err != nil {
		return nil, fmt.Errorf("speaker: open output: %w", err)
	}
	<-ready
	return &Speaker{ctx: ctx, format: format, volume: 1}, nil
}

// NewVoice returns another output on the same device. Voices mix: a clip on
// one voice never interrupts a clip on another.
func (s *Speaker) NewVoice() *Speaker {
	return &Speaker{ctx: s.ctx, format: s.format, volume: 1}
}

// Format implements [audio.Sink].
func (s *Speaker) Format() audio.Format { return s.format }

// SetVolume implements [audio.Sink].
func (s *Speaker) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = max(0, min(1, v))
	if s.player != nil {
		s.player.SetVolume(s.volume)
	}
}

// Play implements [audio.Sink]. The clip must already be in [Speaker.Format].
func (s *Speaker) Play(frame audio.AudioFrame, done func(error)) {
	s.mu.Lock()
	prevPlayer, prevDone := s.player, s.done
	s.gen++
	gen := s.gen
	p := s.ctx.NewPlayer(bytes.NewReader(frame.Data))
	p.SetVolume(s.volume)
	s.player, s.done = p, done
	s.paused = false
	s.mu.Unlock()

	if prevPlayer != nil {
		prevPlayer.Pause()
		_ = prevPlayer.Close()
	}
	if prevDone != nil {
		prevDone(context.Canceled)
	}

	p.Play()
	go s.watch(gen, p)
}

func (s *Speaker) watch(gen uint64, p *oto.Player) {
	ticker := time.NewTicker(drainPoll)
	defer ticker.Stop()
	for range ticker.C {
		if p.IsPlaying() {
			continue
		}
		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		if s.paused {
			s.mu.Unlock()
			continue
		}
		done := s.done
		s.player, s.done = nil, nil
		s.mu.Unlock()

		err := p.Err()
		_ = p.Close()
		if done != nil {
			done(err)
		}
		return
	}
}

// Stop implements [audio.Sink].
func (s *Speaker) Stop() {
	s.mu.Lock()
	p, done := s.player, s.done
	s.player, s.done = nil, nil
	s.gen++
	s.paused = false
	s.mu.Unlock()
	if p != nil {
		p.Pause()
		_ = p.Close()
	}
	if done != nil {
		done(context.Canceled)
	}
}

// Pause implements [audio.Pauser].
func (s *Speaker) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil || s.paused {
		return
	}
	s.paused = true
	s.player.Pause()
}

// Resume implements [audio.Pauser].
func (s *Speaker) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil || !s.paused {
		return
	}
	s.paused = false
	s.player.Play()
}

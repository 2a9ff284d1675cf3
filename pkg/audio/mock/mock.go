// Package mock provides in-memory implementations of [audio.Source],
// [audio.Sink] and [audio.BinarySink] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that
// tests can assert on call counts and arguments, and they expose exported
// fields that the test sets to control return values.
//
// Typical usage:
//
//	mic := &mock.Source{Rate: 16000}
//	_ = mic.Start(ctx)
//	mic.Emit(make([]float32, 1600))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicesat/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock microphone. Frames are injected with [Source.Emit].
type Source struct {
	mu     sync.Mutex
	fanout audio.Fanout

	// Rate is reported by SampleRate. Defaults to 16000 when zero.
	Rate int

	// StartErr is returned by Start.
	StartErr error

	// ResumeErr is returned by Resume.
	ResumeErr error

	// Running reports whether Start succeeded and Stop was not yet called.
	Running bool

	// Paused reports whether Pause was called after the last Resume.
	Paused bool

	CallCountStart  int
	CallCountStop   int
	CallCountPause  int
	CallCountResume int
}

// Start implements [audio.Source].
func (s *Source) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartErr != nil {
		return s.StartErr
	}
	s.Running = true
	s.Paused = false
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.Running = false
	return nil
}

// Pause implements [audio.Source].
func (s *Source) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountPause++
	s.Paused = true
}

// Resume implements [audio.Source].
func (s *Source) Resume(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountResume++
	if s.ResumeErr != nil {
		return s.ResumeErr
	}
	s.Paused = false
	return nil
}

// Subscribe implements [audio.Source].
func (s *Source) Subscribe(fn func(audio.Frame)) func() { return s.fanout.Subscribe(fn) }

// SampleRate implements [audio.Source].
func (s *Source) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Rate == 0 {
		return audio.TargetSampleRate
	}
	return s.Rate
}

// Emit delivers samples to subscribers when running and not paused.
func (s *Source) Emit(samples []float32) {
	s.mu.Lock()
	live := s.Running && !s.Paused
	s.mu.Unlock()
	if !live {
		return
	}
	s.fanout.Publish(audio.Frame{Samples: samples, SampleRate: s.SampleRate()})
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// Sink is a mock output device. Clips complete only when the test calls
// [Sink.Finish].
type Sink struct {
	mu sync.Mutex

	// Fmt is returned by Format. Defaults to 16 kHz mono.
	Fmt audio.Format

	// Played records every clip passed to Play.
	Played []audio.AudioFrame

	// Volume is the last value passed to SetVolume.
	Volume float64

	CallCountStop int

	// Paused reports whether Pause was called without a later Resume.
	Paused bool

	pending func(error)
}

// Play implements [audio.Sink].
func (s *Sink) Play(frame audio.AudioFrame, done func(error)) {
	s.mu.Lock()
	prev := s.pending
	s.Played = append(s.Played, frame)
	s.pending = done
	s.mu.Unlock()
	if prev != nil {
		prev(context.Canceled)
	}
}

// Stop implements [audio.Sink].
func (s *Sink) Stop() {
	s.mu.Lock()
	s.CallCountStop++
	prev := s.pending
	s.pending = nil
	s.mu.Unlock()
	if prev != nil {
		prev(context.Canceled)
	}
}

// Format implements [audio.Sink].
func (s *Sink) Format() audio.Format {
	if s.Fmt.SampleRate == 0 {
		return audio.Format{SampleRate: audio.TargetSampleRate, Channels: 1}
	}
	return s.Fmt
}

// SetVolume implements [audio.Sink].
func (s *Sink) SetVolume(v float64) {
	s.mu.Lock()
	s.Volume = v
	s.mu.Unlock()
}

// Pause implements [audio.Pauser].
func (s *Sink) Pause() {
	s.mu.Lock()
	s.Paused = true
	s.mu.Unlock()
}

// Resume implements [audio.Pauser].
func (s *Sink) Resume() {
	s.mu.Lock()
	s.Paused = false
	s.mu.Unlock()
}

// Pending reports whether a clip is in progress.
func (s *Sink) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

// Finish completes the clip in progress with err.
func (s *Sink) Finish(err error) {
	s.mu.Lock()
	done := s.pending
	s.pending = nil
	s.mu.Unlock()
	if done != nil {
		done(err)
	}
}

// PlayCount returns the number of Play calls.
func (s *Sink) PlayCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Played)
}

// ─── BinarySink ───────────────────────────────────────────────────────────────

// BinarySink records every packet passed to SendBinary.
type BinarySink struct {
	mu sync.Mutex

	// Err is returned by SendBinary.
	Err error

	Packets [][]byte
}

// SendBinary implements [audio.BinarySink].
func (b *BinarySink) SendBinary(_ context.Context, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return b.Err
	}
	b.Packets = append(b.Packets, append([]byte(nil), payload...))
	return nil
}

// Sent returns a copy of the recorded packets.
func (b *BinarySink) Sent() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.Packets))
	copy(out, b.Packets)
	return out
}

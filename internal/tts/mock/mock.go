// Package mock provides a scripted TTS player for tests.
package mock

import (
	"sync"

	"github.com/MrWong99/voicesat/internal/tts"
)

// Player records playback requests. Playback stays "playing" until the test
// calls [Player.Complete] or [Player.FinishMedia].
type Player struct {
	// RemoteTarget makes Remote report true.
	RemoteTarget bool

	mu        sync.Mutex
	playing   bool
	plays     []string
	chimes    []tts.Chime
	media     []string
	mediaDone []func(error)
	stops     int
	streaming string
	fallback  string
	complete  func(failed bool)
}

// SetOnComplete registers the playback completion callback.
func (p *Player) SetOnComplete(fn func(failed bool)) {
	p.mu.Lock()
	p.complete = fn
	p.mu.Unlock()
}

// Play records url and marks the player as playing.
func (p *Player) Play(url string) {
	p.mu.Lock()
	p.plays = append(p.plays, url)
	p.playing = true
	p.mu.Unlock()
}

// Stop marks the player idle.
func (p *Player) Stop() {
	p.mu.Lock()
	p.stops++
	p.playing = false
	p.fallback = ""
	p.mu.Unlock()
}

// IsPlaying reports whether TTS is playing.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Remote reports RemoteTarget.
func (p *Player) Remote() bool { return p.RemoteTarget }

// StoreStreamingURL records the early streaming URL.
func (p *Player) StoreStreamingURL(url string) {
	p.mu.Lock()
	p.streaming = url
	p.mu.Unlock()
}

// TakeStreamingURL returns and clears the streaming URL.
func (p *Player) TakeStreamingURL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	u := p.streaming
	p.streaming = ""
	return u
}

// SetFallbackURL records the retry URL.
func (p *Player) SetFallbackURL(url string) {
	p.mu.Lock()
	p.fallback = url
	p.mu.Unlock()
}

// Fallback returns the recorded retry URL.
func (p *Player) Fallback() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fallback
}

// PlayChime records c.
func (p *Player) PlayChime(c tts.Chime) {
	p.mu.Lock()
	p.chimes = append(p.chimes, c)
	p.mu.Unlock()
}

// PlayMedia records url. done runs when the test calls FinishMedia.
func (p *Player) PlayMedia(url string, done func(error)) {
	p.mu.Lock()
	p.media = append(p.media, url)
	p.mediaDone = append(p.mediaDone, done)
	p.mu.Unlock()
}

// StopMedia drops pending media callbacks.
func (p *Player) StopMedia() {
	p.mu.Lock()
	p.mediaDone = nil
	p.mu.Unlock()
}

// FinishMedia completes the oldest pending media playback with err. It
// reports whether one was pending.
func (p *Player) FinishMedia(err error) bool {
	p.mu.Lock()
	if len(p.mediaDone) == 0 {
		p.mu.Unlock()
		return false
	}
	done := p.mediaDone[0]
	p.mediaDone = p.mediaDone[1:]
	p.mu.Unlock()
	if done != nil {
		done(err)
	}
	return true
}

// Complete ends TTS playback and runs the completion callback.
func (p *Player) Complete(failed bool) {
	p.mu.Lock()
	p.playing = false
	fn := p.complete
	p.mu.Unlock()
	if fn != nil {
		fn(failed)
	}
}

// Plays returns every TTS URL played.
func (p *Player) Plays() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.plays...)
}

// Chimes returns every chime played.
func (p *Player) Chimes() []tts.Chime {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]tts.Chime(nil), p.chimes...)
}

// Media returns every media URL played.
func (p *Player) Media() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.media...)
}

// Stops returns the number of Stop calls.
func (p *Player) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stops
}

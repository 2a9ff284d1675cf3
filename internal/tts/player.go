// Package tts plays pipeline speech, notification media and chimes.
//
// [Player] has two targets for speech. Locally it fetches the media from
// Home Assistant, decodes it and plays it on the speaker. Remotely it asks a
// media_player entity to play the URL and follows the entity state until
// playback ends. Notification media and chimes always play locally, each on
// its own voice so they never cut off speech.
//
// Every Player method runs on the session loop. Network and decode work
// happens on goroutines whose results are posted back to the loop and
// discarded if the playback they belong to was replaced in the meantime.
package tts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/observe"
	"github.com/MrWong99/voicesat/internal/transport"
	"github.com/MrWong99/voicesat/pkg/audio"
)

const (
	// LocalWatchdog bounds a local playback that never reports its end. It
	// is re-armed to clip length plus this margin once the clip starts.
	LocalWatchdog = 30 * time.Second

	// RemoteSafetyTimeout completes remote playback when the entity state
	// never reports the end.
	RemoteSafetyTimeout = 120 * time.Second

	callTimeout = 10 * time.Second
)

// Audio sources reported to [Activity].
const (
	SourceTTS          = "tts"
	SourceChime        = "chime"
	SourceNotification = "notification"
)

// Backend is the part of the Home Assistant connection used for remote
// playback.
type Backend interface {
	transport.Caller
	transport.Subscriber
}

// Activity is told when audio output starts and stops.
type Activity interface {
	AudioStarted(source string)
	AudioEnded(source string)
}

// Voices are the output channels of a [Player]. They may not be nil.
type Voices struct {
	Speech       audio.Sink
	Notification audio.Sink
	Chimes       audio.Sink
}

// Config holds the player settings.
type Config struct {
	// Target is the media_player entity that plays speech. Empty or "local"
	// plays on the local speaker.
	Target string

	// ChimeVolume scales chimes, 0 to 1.
	ChimeVolume float64
}

// Option configures a [Player].
type Option func(*Player)

// WithMetrics records playback outcomes to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Player) { p.metrics = m }
}

// WithActivity reports audio output to a.
func WithActivity(a Activity) Option {
	return func(p *Player) {
		if a != nil {
			p.activity = a
		}
	}
}

type nopActivity struct{}

func (nopActivity) AudioStarted(string) {}
func (nopActivity) AudioEnded(string)   {}

// playback is one clip in a slot.
type playback struct {
	source  string
	url     string
	remote  bool
	retried bool
	sink    audio.Sink

	// done receives the result of notification media.
	done func(error)

	timer      *loop.Timer
	unwatch    transport.Unsubscribe
	sawPlaying bool
}

// Player implements speech playback for the pipeline engine and media
// playback for notifications.
type Player struct {
	lp       *loop.Loop
	backend  Backend
	fetch    Fetcher
	voices   Voices
	metrics  *observe.Metrics
	activity Activity

	target      string
	chimeVolume float64
	onComplete  func(failed bool)

	speech       *playback
	media        *playback
	streamingURL string
	fallbackURL  string
}

// NewPlayer returns an idle player. backend may be nil when only local
// playback is used.
func NewPlayer(lp *loop.Loop, backend Backend, fetch Fetcher, voices Voices, cfg Config, opts ...Option) *Player {
	p := &Player{
		lp:       lp,
		backend:  backend,
		fetch:    fetch,
		voices:   voices,
		activity: nopActivity{},
	}
	p.SetTarget(cfg.Target)
	p.SetChimeVolume(cfg.ChimeVolume)
	for _, o := range opts {
		o(p)
	}
	return p
}

// SetOnComplete registers the speech completion callback. failed reports a
// fetch, decode or playback error.
func (p *Player) SetOnComplete(fn func(failed bool)) { p.onComplete = fn }

// SetTarget switches the speech target for subsequent playbacks.
func (p *Player) SetTarget(target string) {
	if target == "local" || (p.backend == nil && target != "") {
		target = ""
	}
	p.target = target
}

// Target returns the remote media_player entity, or "" for local playback.
func (p *Player) Target() string { return p.target }

// SetChimeVolume sets the chime level, 0 to 1.
func (p *Player) SetChimeVolume(v float64) { p.chimeVolume = max(0, min(1, v)) }

// Remote reports whether speech plays on a media_player entity.
func (p *Player) Remote() bool { return p.target != "" }

// IsPlaying reports whether speech is playing.
func (p *Player) IsPlaying() bool { return p.speech != nil }

// MediaPlaying reports whether notification media is playing.
func (p *Player) MediaPlaying() bool { return p.media != nil }

// StoreStreamingURL records the URL of a streaming response announced at
// run start. An empty url clears it.
func (p *Player) StoreStreamingURL(url string) { p.streamingURL = url }

// TakeStreamingURL returns and clears the streaming URL.
func (p *Player) TakeStreamingURL() string {
	u := p.streamingURL
	p.streamingURL = ""
	return u
}

// SetFallbackURL records the URL retried once when the current speech
// playback fails.
func (p *Player) SetFallbackURL(url string) { p.fallbackURL = url }

// ─── Speech ──────────────────────────────────────────────────────────────────

// Play starts speech playback of url, replacing any speech in progress.
// Completion is reported through the callback set with [Player.SetOnComplete].
func (p *Player) Play(url string) {
	p.playSpeech(url, false)
}

func (p *Player) playSpeech(url string, retry bool) {
	p.halt(&p.speech)
	pb := &playback{source: SourceTTS, url: url, retried: retry, remote: p.Remote(), sink: p.voices.Speech}
	p.speech = pb
	p.activity.AudioStarted(SourceTTS)
	if pb.remote {
		slog.Info("tts: playing on media player", "target", p.target, "url", url)
		p.playRemote(pb)
		return
	}
	slog.Info("tts: playing locally", "url", url, "retry", retry)
	p.playLocal(&p.speech, pb)
}

// Stop ends speech playback without reporting completion. It is safe to
// call when idle. With a remote target the media player is always told to
// stop.
func (p *Player) Stop() {
	p.fallbackURL = ""
	p.halt(&p.speech)
	if p.Remote() {
		target := p.target
		go p.callService("media_stop", transport.Fields{"entity_id": target})
	}
}

// ─── Notification media ──────────────────────────────────────────────────────

// PlayMedia plays url on the notification voice and calls done on the loop
// when it ends. Errors are passed to done; a replaced or stopped playback
// never calls it.
func (p *Player) PlayMedia(url string, done func(error)) {
	p.halt(&p.media)
	pb := &playback{source: SourceNotification, url: url, sink: p.voices.Notification, done: done}
	p.media = pb
	p.activity.AudioStarted(SourceNotification)
	slog.Debug("tts: playing notification media", "url", url)
	p.playLocal(&p.media, pb)
}

// StopMedia stops notification media without calling its done callback.
func (p *Player) StopMedia() { p.halt(&p.media) }

// ─── Chimes ──────────────────────────────────────────────────────────────────

// PlayChime synthesizes c on the chime voice.
func (p *Player) PlayChime(c Chime) {
	sink := p.voices.Chimes
	f := sink.Format()
	samples := Synthesize(c, f.SampleRate, p.chimeVolume)
	clip := audio.AudioFrame{Data: audio.FloatToPCM16(samples), SampleRate: f.SampleRate, Channels: 1}
	if f.Channels == 2 {
		clip.Data = audio.MonoToStereo(clip.Data)
		clip.Channels = 2
	}
	slog.Debug("tts: chime", "chime", c.String())
	p.activity.AudioStarted(SourceChime)
	sink.Play(clip, nil)
	p.lp.After(Duration(c), func() { p.activity.AudioEnded(SourceChime) })
}

// ─── Slot lifecycle ──────────────────────────────────────────────────────────

// halt clears a slot without reporting completion.
func (p *Player) halt(slot **playback) {
	pb := *slot
	if pb == nil {
		return
	}
	*slot = nil
	pb.timer.Stop()
	p.unwatch(pb)
	if !pb.remote {
		pb.sink.Stop()
	}
	p.activity.AudioEnded(pb.source)
	p.metrics.RecordPlayback(context.Background(), p.targetLabel(pb), "stopped")
}

// finish clears a slot and reports the result.
func (p *Player) finish(slot **playback, pb *playback, err error) {
	if *slot != pb {
		return
	}
	*slot = nil
	pb.timer.Stop()
	p.unwatch(pb)
	p.activity.AudioEnded(pb.source)

	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	p.metrics.RecordPlayback(context.Background(), p.targetLabel(pb), outcome)

	if pb.source != SourceTTS {
		if pb.done != nil {
			pb.done(err)
		}
		return
	}
	p.fallbackURL = ""
	slog.Info("tts: playback complete", "failed", err != nil)
	if p.onComplete != nil {
		p.onComplete(err != nil)
	}
}

func (p *Player) targetLabel(pb *playback) string {
	switch {
	case pb.source == SourceNotification:
		return "notification"
	case pb.remote:
		return "remote"
	}
	return "local"
}

// ─── Local playback ──────────────────────────────────────────────────────────

func (p *Player) playLocal(slot **playback, pb *playback) {
	pb.timer = p.lp.After(LocalWatchdog, func() { p.watchdog(slot, pb) })
	target := pb.sink.Format()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), LocalWatchdog)
		defer cancel()
		clip, err := p.load(ctx, pb.url, target)
		p.lp.Post(func() {
			if *slot != pb {
				return
			}
			if err != nil {
				p.failed(slot, pb, err)
				return
			}
			p.startClip(slot, pb, clip)
		})
	}()
}

func (p *Player) load(ctx context.Context, url string, target audio.Format) (audio.AudioFrame, error) {
	if p.fetch == nil {
		return audio.AudioFrame{}, errors.New("tts: no media fetcher configured")
	}
	data, err := p.fetch.Fetch(ctx, url)
	if err != nil {
		return audio.AudioFrame{}, err
	}
	clip, err := Decode(data)
	if err != nil {
		return audio.AudioFrame{}, err
	}
	conv := audio.FormatConverter{Target: target}
	return conv.Convert(clip), nil
}

func (p *Player) startClip(slot **playback, pb *playback, clip audio.AudioFrame) {
	d := clip.Duration()
	slog.Debug("tts: clip started", "source", pb.source, "duration", d)
	pb.timer.Stop()
	pb.timer = p.lp.After(d+LocalWatchdog, func() { p.watchdog(slot, pb) })
	pb.sink.Play(clip, func(err error) {
		p.lp.Post(func() {
			if *slot != pb {
				return
			}
			if err != nil {
				p.failed(slot, pb, err)
				return
			}
			p.finish(slot, pb, nil)
		})
	})
}

func (p *Player) watchdog(slot **playback, pb *playback) {
	if *slot != pb {
		return
	}
	slog.Warn("tts: playback watchdog fired, forcing completion", "source", pb.source, "url", pb.url)
	pb.sink.Stop()
	p.finish(slot, pb, nil)
}

// failed retries speech once with the fallback URL before reporting the
// failure.
func (p *Player) failed(slot **playback, pb *playback, err error) {
	slog.Error("tts: playback error", "source", pb.source, "url", pb.url, "err", err)
	if pb.source == SourceTTS && !pb.retried && p.fallbackURL != "" && p.fallbackURL != pb.url {
		url := p.fallbackURL
		p.fallbackURL = ""
		slog.Info("tts: retrying with tts-end url", "url", url)
		p.playSpeech(url, true)
		return
	}
	p.finish(slot, pb, err)
}

// ─── Remote playback ─────────────────────────────────────────────────────────

type triggerEvent struct {
	Variables struct {
		Trigger struct {
			ToState *struct {
				State string `json:"state"`
			} `json:"to_state"`
		} `json:"trigger"`
	} `json:"variables"`
}

func (p *Player) playRemote(pb *playback) {
	pb.timer = p.lp.After(RemoteSafetyTimeout, func() {
		if p.speech != pb {
			return
		}
		slog.Warn("tts: remote safety timeout, forcing completion", "target", p.target)
		p.finish(&p.speech, pb, nil)
	})

	url := pb.url
	if p.fetch != nil {
		if abs, err := p.fetch.Resolve(url); err == nil {
			url = abs
		}
	}
	target := p.target
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		unsub, err := p.backend.Subscribe(ctx, "subscribe_trigger", transport.Fields{
			"trigger": map[string]any{"platform": "state", "entity_id": target},
		}, p.stateHandler(pb))
		if err != nil {
			slog.Warn("tts: cannot follow media player state, relying on safety timeout", "target", target, "err", err)
		}
		callErr := p.callService("play_media", transport.Fields{
			"entity_id":          target,
			"media_content_id":   url,
			"media_content_type": "music",
		})
		p.lp.Post(func() {
			if p.speech != pb {
				if unsub != nil {
					go dropWatch(unsub)
				}
				return
			}
			pb.unwatch = unsub
			if callErr != nil {
				p.finish(&p.speech, pb, callErr)
			}
		})
	}()
}

func (p *Player) stateHandler(pb *playback) transport.EventHandler {
	return func(raw json.RawMessage) {
		var ev triggerEvent
		if err := json.Unmarshal(raw, &ev); err != nil || ev.Variables.Trigger.ToState == nil {
			return
		}
		state := ev.Variables.Trigger.ToState.State
		p.lp.Post(func() {
			if p.speech != pb {
				return
			}
			if state == "playing" || state == "buffering" {
				pb.sawPlaying = true
				return
			}
			// Ignore the idle state reported before playback begins.
			if pb.sawPlaying {
				slog.Info("tts: media player stopped", "state", state)
				p.finish(&p.speech, pb, nil)
			}
		})
	}
}

func (p *Player) callService(service string, data transport.Fields) error {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	_, err := p.backend.Call(ctx, "call_service", transport.Fields{
		"domain":       "media_player",
		"service":      service,
		"service_data": data,
	})
	if err != nil {
		err = fmt.Errorf("tts: media_player.%s on %v: %w", service, data["entity_id"], err)
		slog.Error("tts: remote call failed", "service", service, "err", err)
	}
	return err
}

func (p *Player) unwatch(pb *playback) {
	if pb.unwatch == nil {
		return
	}
	unsub := pb.unwatch
	pb.unwatch = nil
	go dropWatch(unsub)
}

func dropWatch(unsub transport.Unsubscribe) {
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	if err := unsub(ctx); err != nil {
		slog.Debug("tts: unsubscribe state watch failed", "err", err)
	}
}

// IsMediaPlayer reports whether entity names a media_player entity.
func IsMediaPlayer(entity string) bool { return strings.HasPrefix(entity, "media_player.") }

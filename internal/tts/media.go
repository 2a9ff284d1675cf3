package tts

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/transport"
	"github.com/MrWong99/voicesat/pkg/audio"
)

const (
	mediaPlayerEventType = "voice_satellite/media_player_event"
	idleDebounce         = 200 * time.Millisecond
	reportBacklog        = 16
)

// Media player states reported to Home Assistant.
const (
	MediaIdle    = "idle"
	MediaPlaying = "playing"
	MediaPaused  = "paused"
)

// Command is a media_player command pushed by the integration.
type Command struct {
	Command string   `json:"command"`
	MediaID string   `json:"media_id,omitempty"`
	Volume  *float64 `json:"volume,omitempty"`
	Mute    *bool    `json:"mute,omitempty"`
}

// MediaPlayer backs the satellite's media_player entity. It plays media on
// request, owns the output volume of every voice and reports one combined
// playback state: the entity shows playing while any speech, chime or
// notification is audible, not only while its own media plays.
//
// Methods run on the session loop.
type MediaPlayer struct {
	lp      *loop.Loop
	fetch   Fetcher
	sink    audio.Sink
	follow  []audio.Sink
	entity  string
	reports *reporter

	volume  float64
	muted   bool
	playing bool
	paused  bool
	mediaID string
	cur     *playback

	sources   map[string]int
	idleTimer *loop.Timer
}

var _ Activity = (*MediaPlayer)(nil)

// NewMediaPlayer returns a media player playing on sink. Sinks in follow
// receive the same volume. entity is the satellite's media_player entity;
// when empty no state is reported. volume is the initial level, 0 to 1.
func NewMediaPlayer(lp *loop.Loop, caller transport.Caller, fetch Fetcher, sink audio.Sink, entity string, volume float64, follow ...audio.Sink) *MediaPlayer {
	m := &MediaPlayer{
		lp:      lp,
		fetch:   fetch,
		sink:    sink,
		follow:  follow,
		entity:  entity,
		volume:  max(0, min(1, volume)),
		sources: make(map[string]int),
	}
	if caller != nil && entity != "" {
		m.reports = newReporter(caller)
	}
	m.applyVolume()
	return m
}

// Close stops playback and the state reporter.
func (m *MediaPlayer) Close() {
	m.cleanup()
	m.idleTimer.Stop()
	if m.reports != nil {
		m.reports.close()
	}
}

// Volume returns the configured level, 0 to 1, before muting.
func (m *MediaPlayer) Volume() float64 { return m.volume }

// Muted reports whether output is muted.
func (m *MediaPlayer) Muted() bool { return m.muted }

// Playing reports whether the media player's own media is playing.
func (m *MediaPlayer) Playing() bool { return m.playing }

// SetVolume sets the output level, 0 to 1.
func (m *MediaPlayer) SetVolume(v float64) {
	m.volume = max(0, min(1, v))
	m.applyVolume()
}

// effective applies mute and a perceptual curve.
func (m *MediaPlayer) effective() float64 {
	if m.muted {
		return 0
	}
	return m.volume * m.volume
}

func (m *MediaPlayer) applyVolume() {
	v := m.effective()
	m.sink.SetVolume(v)
	for _, s := range m.follow {
		s.SetVolume(v)
	}
}

// HandleCommand applies a command from the integration.
func (m *MediaPlayer) HandleCommand(cmd Command) {
	slog.Debug("tts: media player command", "command", cmd.Command)
	switch cmd.Command {
	case "play":
		m.play(cmd)
	case "pause":
		m.pause()
	case "resume":
		m.resume()
	case "stop":
		if m.cur == nil && !m.paused {
			return
		}
		m.cleanup()
		m.reportIfSilent()
	case "volume_set":
		if cmd.Volume != nil {
			m.SetVolume(*cmd.Volume)
		}
		switch {
		case m.playing || len(m.sources) > 0:
			m.report(MediaPlaying)
		case m.paused:
			m.report(MediaPaused)
		default:
			m.report(MediaIdle)
		}
	case "volume_mute":
		if cmd.Mute != nil {
			m.muted = *cmd.Mute
			m.applyVolume()
		}
	default:
		slog.Warn("tts: unknown media player command", "command", cmd.Command)
	}
}

// Interrupt stops the media player's own playback, for example when a wake
// word barges in. Other audio sources are not affected.
func (m *MediaPlayer) Interrupt() {
	if !m.playing && !m.paused {
		return
	}
	slog.Info("tts: media playback interrupted")
	m.cleanup()
	m.reportIfSilent()
}

func (m *MediaPlayer) play(cmd Command) {
	m.cleanup()
	if cmd.Volume != nil {
		m.SetVolume(*cmd.Volume)
	}
	if cmd.MediaID == "" || m.fetch == nil {
		slog.Warn("tts: cannot play media", "media_id", cmd.MediaID)
		m.reportIfSilent()
		return
	}
	m.mediaID = cmd.MediaID
	m.playing = true
	pb := &playback{source: "media", url: cmd.MediaID, sink: m.sink}
	m.cur = pb

	target := m.sink.Format()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), LocalWatchdog)
		defer cancel()
		var clip audio.AudioFrame
		data, err := m.fetch.Fetch(ctx, pb.url)
		if err == nil {
			clip, err = Decode(data)
		}
		m.lp.Post(func() {
			if m.cur != pb {
				return
			}
			if err != nil {
				m.ended(pb, err)
				return
			}
			conv := audio.FormatConverter{Target: target}
			slog.Info("tts: media playing", "media_id", pb.url)
			m.report(MediaPlaying)
			m.sink.Play(conv.Convert(clip), func(err error) {
				m.lp.Post(func() {
					if m.cur == pb {
						m.ended(pb, err)
					}
				})
			})
		})
	}()
}

func (m *MediaPlayer) ended(pb *playback, err error) {
	if err != nil {
		slog.Error("tts: media playback error", "media_id", pb.url, "err", err)
	} else {
		slog.Info("tts: media playback complete", "media_id", pb.url)
	}
	m.cur = nil
	m.playing, m.paused = false, false
	m.reportIfSilent()
}

func (m *MediaPlayer) pause() {
	pauser, ok := m.sink.(audio.Pauser)
	if m.cur == nil || !m.playing || !ok {
		m.report(MediaIdle)
		return
	}
	pauser.Pause()
	m.playing, m.paused = false, true
	m.report(MediaPaused)
}

func (m *MediaPlayer) resume() {
	pauser, ok := m.sink.(audio.Pauser)
	if m.cur == nil || !m.paused || !ok {
		m.report(MediaIdle)
		return
	}
	pauser.Resume()
	m.playing, m.paused = true, false
	m.report(MediaPlaying)
}

func (m *MediaPlayer) cleanup() {
	m.idleTimer.Stop()
	m.idleTimer = nil
	if m.cur != nil {
		m.cur = nil
		m.sink.Stop()
	}
	m.playing, m.paused = false, false
}

func (m *MediaPlayer) reportIfSilent() {
	if len(m.sources) == 0 {
		m.report(MediaIdle)
	}
}

// ─── Activity ────────────────────────────────────────────────────────────────

// AudioStarted implements [Activity].
func (m *MediaPlayer) AudioStarted(source string) {
	m.idleTimer.Stop()
	m.idleTimer = nil
	m.sources[source]++
	m.report(MediaPlaying)
}

// AudioEnded implements [Activity]. Idle is reported after a short
// debounce so back-to-back sources do not flap the entity state.
func (m *MediaPlayer) AudioEnded(source string) {
	if n := m.sources[source]; n > 1 {
		m.sources[source] = n - 1
	} else {
		delete(m.sources, source)
	}
	if len(m.sources) > 0 || m.playing || m.paused {
		return
	}
	m.idleTimer.Stop()
	m.idleTimer = m.lp.After(idleDebounce, func() {
		m.idleTimer = nil
		if len(m.sources) == 0 && !m.playing && !m.paused {
			m.report(MediaIdle)
		}
	})
}

func (m *MediaPlayer) report(state string) {
	if m.reports == nil {
		return
	}
	fields := transport.Fields{
		"entity_id": m.entity,
		"state":     state,
		"volume":    m.volume,
	}
	if m.mediaID != "" && state != MediaIdle {
		fields["media_id"] = m.mediaID
	}
	m.reports.push(fields)
}

// reporter sends state reports in order on its own goroutine.
type reporter struct {
	caller transport.Caller
	ch     chan transport.Fields
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newReporter(c transport.Caller) *reporter {
	r := &reporter{caller: c, ch: make(chan transport.Fields, reportBacklog), done: make(chan struct{})}
	r.wg.Add(1)
	go r.work()
	return r
}

func (r *reporter) push(f transport.Fields) {
	select {
	case r.ch <- f:
	case <-r.done:
	default:
		slog.Debug("tts: media player report backlog full, dropping", "state", f["state"])
	}
}

func (r *reporter) work() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case f := <-r.ch:
			ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
			_, err := r.caller.Call(ctx, mediaPlayerEventType, f)
			cancel()
			if err != nil {
				slog.Debug("tts: media player report failed", "state", f["state"], "err", err)
			}
		}
	}
}

func (r *reporter) close() {
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

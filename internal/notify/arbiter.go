// Package notify plays announcements, questions and conversation prompts
// pushed by the voice_satellite integration.
//
// An [Arbiter] decides per envelope whether it plays now, waits in its
// kind's queue slot or is dropped, then runs the shared playback sequence:
// overlay, pre-announcement, message, media, acknowledgement. What happens
// after that depends on the [Kind]. All methods run on the session loop.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/observe"
	"github.com/MrWong99/voicesat/internal/pipeline"
	"github.com/MrWong99/voicesat/internal/transport"
	"github.com/MrWong99/voicesat/internal/tts"
	"github.com/MrWong99/voicesat/internal/ui"
)

// Backend command types.
const (
	announceFinishedType = "voice_satellite/announce_finished"
	questionAnsweredType = "voice_satellite/question_answered"
)

// Timing.
const (
	DefaultDisplayDuration = 5 * time.Second

	noMediaDelay    = 3 * time.Second
	chimeSettle     = 500 * time.Millisecond
	answerCleanup   = 2 * time.Second
	answerSafety    = 30 * time.Second
	callTimeout     = 10 * time.Second
	outcomePlayed   = "played"
	outcomeQueued   = "queued"
	outcomeDropped  = "dropped"
	outcomeCanceled = "cancelled"
)

// Engine is the part of the pipeline engine notifications drive.
type Engine interface {
	Interacting() bool
	WakeSound() bool
	Restart(delay time.Duration)
	RestartContinue(conversationID string, opts pipeline.ContinueOptions)
}

// Player is the audio output used by notifications.
type Player interface {
	IsPlaying() bool
	Remote() bool
	PlayChime(c tts.Chime)
	PlayMedia(url string, done func(error))
	StopMedia()
}

// MediaHandler receives media_player commands.
type MediaHandler interface {
	HandleCommand(cmd tts.Command)
}

// Config holds the arbiter settings.
type Config struct {
	// Entity is the voice_satellite entity acknowledgements are sent for.
	Entity string

	// DisplayDuration is how long an announcement stays visible after it
	// played. Defaults to [DefaultDisplayDuration].
	DisplayDuration time.Duration
}

// Option configures an [Arbiter].
type Option func(*Arbiter)

// WithMetrics records notification outcomes to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Arbiter) { a.metrics = m }
}

// WithUI publishes surface events to sink.
func WithUI(sink ui.Sink) Option {
	return func(a *Arbiter) {
		if sink != nil {
			a.ui = sink
		}
	}
}

// WithMediaHandler forwards media_player events to h.
func WithMediaHandler(h MediaHandler) Option {
	return func(a *Arbiter) { a.media = h }
}

// slot is the playback state of one kind.
type slot struct {
	kind     Kind
	behavior kindBehavior

	playing bool
	queued  *Envelope
	current *Envelope
	acked   bool

	// seq invalidates callbacks of a cancelled or finished playback.
	seq       uint64
	ownsMedia bool
	step      *loop.Timer
	clear     *loop.Timer

	// Question capture.
	answerSent bool
	settle     *loop.Timer
	safety     *loop.Timer
	cleanup    *loop.Timer
}

// Arbiter owns the three notification slots and the session's dedup
// counter.
type Arbiter struct {
	lp      *loop.Loop
	caller  transport.Caller
	engine  Engine
	player  Player
	media   MediaHandler
	ui      ui.Sink
	metrics *observe.Metrics

	entity  string
	display time.Duration

	// lastID is the id of the last envelope that started playing.
	lastID int
	slots  [kindCount]*slot

	hidden bool
	held   *Event
}

// New returns an idle arbiter.
func New(lp *loop.Loop, caller transport.Caller, engine Engine, player Player, cfg Config, opts ...Option) *Arbiter {
	a := &Arbiter{
		lp:     lp,
		caller: caller,
		engine: engine,
		player: player,
		ui:     ui.Discard,
		entity: cfg.Entity,
	}
	a.SetDisplayDuration(cfg.DisplayDuration)
	a.slots[KindAnnouncement] = &slot{kind: KindAnnouncement, behavior: announcement{}}
	a.slots[KindQuestion] = &slot{kind: KindQuestion, behavior: question{}}
	a.slots[KindConversation] = &slot{kind: KindConversation, behavior: conversation{}}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SetDisplayDuration changes how long announcements stay visible.
func (a *Arbiter) SetDisplayDuration(d time.Duration) {
	if d <= 0 {
		d = DefaultDisplayDuration
	}
	a.display = d
}

// LastID returns the id of the last envelope that started playing.
func (a *Arbiter) LastID() int { return a.lastID }

// Active reports whether any notification is playing or on screen.
func (a *Arbiter) Active() bool {
	for _, s := range a.slots {
		if s.playing {
			return true
		}
	}
	return false
}

// Queued reports whether any slot holds a waiting envelope.
func (a *Arbiter) Queued() bool {
	for _, s := range a.slots {
		if s.queued != nil {
			return true
		}
	}
	return false
}

// ─── Inbound ─────────────────────────────────────────────────────────────────

// HandleRaw decodes and delivers one satellite event.
func (a *Arbiter) HandleRaw(raw json.RawMessage) {
	ev, err := DecodeEvent(raw)
	if err != nil {
		slog.Warn("notify: dropping undecodable event", "err", err)
		return
	}
	a.Deliver(ev)
}

// Deliver routes one satellite event. media_player commands go to the
// media handler; notifications are arbitrated. While hidden only the
// newest notification is held for [Arbiter.ReplayHeld].
func (a *Arbiter) Deliver(ev Event) {
	if ev.Type == EventMediaPlayer {
		a.forwardMedia(ev)
		return
	}
	env, err := ev.Envelope()
	if err != nil {
		slog.Warn("notify: dropping event", "type", ev.Type, "err", err)
		return
	}
	if env.ID == 0 {
		return
	}
	if a.hidden {
		slog.Info("notify: event held while hidden", "id", env.ID)
		a.held = &ev
		return
	}
	a.offer(Route(ev.Type, env), env)
}

func (a *Arbiter) forwardMedia(ev Event) {
	if a.media == nil {
		return
	}
	var cmd tts.Command
	if err := json.Unmarshal(ev.Data, &cmd); err != nil {
		slog.Warn("notify: bad media_player command", "err", err)
		return
	}
	a.media.HandleCommand(cmd)
}

// offer applies the arbitration rule to env.
func (a *Arbiter) offer(kind Kind, env Envelope) {
	if env.ID <= a.lastID {
		slog.Debug("notify: dropping replayed notification", "id", env.ID, "last_id", a.lastID)
		a.record(kind, outcomeDropped)
		return
	}
	s := a.slots[kind]
	switch {
	case s.playing:
		a.enqueue(s, env, "still playing")
		return
	case a.engine.Interacting() || a.player.IsPlaying():
		a.enqueue(s, env, "pipeline busy")
		return
	case a.Active():
		// The notification voice is shared between kinds.
		a.enqueue(s, env, "another notification playing")
		return
	}
	s.queued = nil
	a.lastID = env.ID
	a.play(s, env)
}

// enqueue stores env in the slot unless the slot already holds a newer one.
func (a *Arbiter) enqueue(s *slot, env Envelope, why string) {
	if s.queued != nil && s.queued.ID >= env.ID {
		slog.Info("notify: dropping superseded notification", "kind", s.kind.String(), "id", env.ID, "queued_id", s.queued.ID)
		a.record(s.kind, outcomeDropped)
		return
	}
	if s.queued != nil {
		slog.Info("notify: notification superseded", "kind", s.kind.String(), "id", s.queued.ID, "by", env.ID)
		a.record(s.kind, outcomeDropped)
	}
	s.queued = &env
	slog.Info("notify: notification queued", "kind", s.kind.String(), "id", env.ID, "reason", why)
	a.record(s.kind, outcomeQueued)
}

// PlayQueued plays the oldest queued envelope when no notification is
// playing. It reports whether one started.
func (a *Arbiter) PlayQueued() bool {
	if a.Active() {
		return false
	}
	var next *slot
	for _, s := range a.slots {
		if s.queued == nil {
			continue
		}
		if s.queued.ID <= a.lastID {
			a.record(s.kind, outcomeDropped)
			s.queued = nil
			continue
		}
		if next == nil || s.queued.ID < next.queued.ID {
			next = s
		}
	}
	if next == nil {
		return false
	}
	env := *next.queued
	next.queued = nil
	a.lastID = env.ID
	slog.Info("notify: playing queued notification", "kind", next.kind.String(), "id", env.ID)
	a.play(next, env)
	return true
}

// ─── Hidden buffering ────────────────────────────────────────────────────────

// SetHidden starts (true) or stops holding inbound notifications.
func (a *Arbiter) SetHidden(h bool) { a.hidden = h }

// ReplayHeld delivers the notification held while hidden. It reports
// whether there was one.
func (a *Arbiter) ReplayHeld() bool {
	ev := a.held
	a.held = nil
	if ev == nil {
		return false
	}
	slog.Info("notify: replaying notification held while hidden")
	a.Deliver(*ev)
	return true
}

// ─── Playback sequence ───────────────────────────────────────────────────────

func (a *Arbiter) play(s *slot, env Envelope) {
	s.seq++
	seq := s.seq
	s.playing = true
	s.current = &env
	s.acked = false
	s.answerSent = false
	a.record(s.kind, outcomePlayed)
	slog.Info("notify: playing", "kind", s.kind.String(), "id", env.ID, "message", env.Message, "media", env.MediaID)

	a.ui.Publish(ui.Blur{Reason: ui.BlurAnnouncement, Shown: true})
	a.ui.Publish(ui.Bar{Mode: ui.BarNormal})

	switch {
	case env.Preannounce != nil && !*env.Preannounce:
		a.playMain(s, seq)
	case env.PreannounceMediaID != "":
		a.playMedia(s, seq, env.PreannounceMediaID, func() { a.playMain(s, seq) })
	default:
		a.player.PlayChime(tts.ChimeAnnounce)
		s.step = a.lp.After(tts.Duration(tts.ChimeAnnounce), func() {
			s.step = nil
			a.playMain(s, seq)
		})
	}
}

func (a *Arbiter) playMain(s *slot, seq uint64) {
	if s.seq != seq {
		return
	}
	env := s.current
	if env.Message != "" {
		a.ui.Publish(ui.Notification{ID: env.ID, Kind: s.kind.String(), Message: env.Message})
	}
	if env.MediaID != "" {
		a.playMedia(s, seq, env.MediaID, func() { a.complete(s, seq) })
		return
	}
	s.step = a.lp.After(noMediaDelay, func() {
		s.step = nil
		a.complete(s, seq)
	})
}

// playMedia plays url and calls next whether it succeeded or not.
func (a *Arbiter) playMedia(s *slot, seq uint64, url string, next func()) {
	s.ownsMedia = true
	a.player.PlayMedia(url, func(err error) {
		if s.seq != seq {
			return
		}
		s.ownsMedia = false
		if err != nil {
			slog.Error("notify: media playback error", "url", url, "err", err)
		}
		next()
	})
}

func (a *Arbiter) complete(s *slot, seq uint64) {
	if s.seq != seq {
		return
	}
	slog.Info("notify: playback complete", "kind", s.kind.String(), "id", s.current.ID)
	s.behavior.complete(a, s, seq)
}

// ack tells the integration the notification finished playing. It is sent
// at most once per playback.
func (a *Arbiter) ack(s *slot) {
	if s.current == nil || s.acked {
		return
	}
	s.acked = true
	id := s.current.ID
	a.send(announceFinishedType, transport.Fields{"entity_id": a.entity, "announce_id": id}, func(_ json.RawMessage, err error) {
		if err != nil {
			slog.Error("notify: acknowledgement failed", "id", id, "err", err)
			return
		}
		slog.Debug("notify: acknowledged", "id", id)
	})
}

// clearUI removes the notification from the surfaces.
func (a *Arbiter) clearUI(s *slot) {
	s.clear.Stop()
	s.clear = nil
	a.ui.Publish(ui.NotificationCleared{})
	a.ui.Publish(ui.Blur{Reason: ui.BlurAnnouncement, Shown: false})
}

// finish marks the slot idle.
func (a *Arbiter) finish(s *slot) {
	s.seq++
	s.playing = false
	s.current = nil
	s.ownsMedia = false
	s.step.Stop()
	s.step = nil
}

// ─── Cancellation ────────────────────────────────────────────────────────────

// Cancel aborts every notification: media stops, unacknowledged playbacks
// are acknowledged anyway, a pending question gets an empty answer, queued
// envelopes are discarded and the engine restarts from idle.
func (a *Arbiter) Cancel() {
	slog.Info("notify: cancelled")
	for _, s := range a.slots {
		a.cancelSlot(s)
		s.queued = nil
	}
	a.held = nil
	a.engine.Restart(0)
}

// CancelQuestion aborts a question in progress without touching the other
// slots or the engine.
func (a *Arbiter) CancelQuestion() {
	a.cancelSlot(a.slots[KindQuestion])
}

func (a *Arbiter) cancelSlot(s *slot) {
	if !s.playing {
		return
	}
	a.ack(s)
	if s.ownsMedia {
		a.player.StopMedia()
	}
	s.behavior.cancel(a, s)
	a.clearUI(s)
	a.record(s.kind, outcomeCanceled)
	a.finish(s)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// send runs a backend call off the loop and delivers the result back on it.
func (a *Arbiter) send(msgType string, fields transport.Fields, then func(json.RawMessage, error)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		res, err := a.caller.Call(ctx, msgType, fields)
		a.lp.Post(func() { then(res, err) })
	}()
}

func (a *Arbiter) record(k Kind, outcome string) {
	a.metrics.RecordNotification(context.Background(), k.String(), outcome)
}

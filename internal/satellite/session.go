// Package satellite assembles one voice satellite session.
//
// A [Session] is the only owner of the Home Assistant connection, the
// microphone and the pipeline engine of a satellite entity. It wires the
// engine, the TTS player, the notification arbiter, the timers and the
// visibility coordinator onto one event loop, mirrors the satellite's
// settings entities and fans every surface event out to the registered
// surfaces.
package satellite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicesat/internal/clock"
	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/notify"
	"github.com/MrWong99/voicesat/internal/observe"
	"github.com/MrWong99/voicesat/internal/pipeline"
	"github.com/MrWong99/voicesat/internal/timer"
	"github.com/MrWong99/voicesat/internal/transport"
	"github.com/MrWong99/voicesat/internal/tts"
	"github.com/MrWong99/voicesat/internal/ui"
	"github.com/MrWong99/voicesat/internal/visibility"
	"github.com/MrWong99/voicesat/internal/wakeword"
	"github.com/MrWong99/voicesat/pkg/audio"
)

// ErrOwned is returned by [Session.Claim] when another owner holds the
// session.
var ErrOwned = errors.New("satellite: session already owned")

const (
	subscribeEventsType = "voice_satellite/subscribe_events"

	reconnectDelay = 2 * time.Second
	setupTimeout   = 15 * time.Second
	modelTimeout   = time.Minute
)

// WakeWord is the on-device wake-word detector. [*wakeword.Detector]
// implements it.
type WakeWord interface {
	Load(ctx context.Context, model string, s wakeword.Sensitivity) error
	Loaded() bool
	Model() string
	Sensitivity() wakeword.Sensitivity
	SetSensitivity(s wakeword.Sensitivity)
	SetHandoff(h wakeword.Handoff)
	Start() error
	Stop()
	Feed(fr audio.Frame)
}

// Config holds the static session settings.
type Config struct {
	// Entity is the assist_satellite entity id.
	Entity string

	// MediaPlayerEntity is the satellite's media_player entity. Empty
	// disables media player state reports.
	MediaPlayerEntity string

	// Pipeline configures the engine. Its Entity is taken from Entity.
	Pipeline pipeline.Config

	// SendInterval is the outbound audio cadence.
	SendInterval time.Duration

	// Volume is the initial output level, 0 to 1.
	Volume float64

	// ChimeVolume scales chimes, 0 to 1.
	ChimeVolume float64

	// Defaults apply until the satellite's entities report otherwise.
	Defaults Settings
}

// Deps are the devices and connections a session drives.
type Deps struct {
	Conn transport.Conn
	Mic  audio.Source

	// Output voices. Media plays media_player content; the others follow
	// its volume.
	Speech       audio.Sink
	Notification audio.Sink
	Chimes       audio.Sink
	Media        audio.Sink

	Fetcher tts.Fetcher

	// Detector enables on-device wake-word detection. Optional.
	Detector WakeWord

	// Clock drives every session timer. Defaults to the wall clock.
	Clock clock.Clock

	// Loop is the session loop. Components that post to the session, such
	// as the detector, must share it. Defaults to a new loop on Clock.
	Loop *loop.Loop

	Metrics *observe.Metrics
}

// Status is a snapshot of the session for health checks and logs.
type Status struct {
	Listening   bool
	State       pipeline.State
	OnDevice    bool
	ModelLoaded bool
	Unavailable bool
	Hidden      bool
}

// Session is one satellite. Exported methods may be called from any
// goroutine except the session loop.
type Session struct {
	cfg      Config
	conn     transport.Conn
	mic      audio.Source
	detector WakeWord
	metrics  *observe.Metrics

	lp      *loop.Loop
	ui      *ui.Broadcaster
	sender  *audio.Sender
	engine  *pipeline.Engine
	player  *tts.Player
	media   *tts.MediaPlayer
	arbiter *notify.Arbiter
	timers  *timer.Manager
	vis     *visibility.Coordinator

	ownerMu sync.Mutex
	owner   string

	removeReconnect func()

	// Loop-owned.
	listening      bool
	closed         bool
	defaults       Settings
	settings       Settings
	cache          *entityCache
	siblings       map[string]string
	eventsUnsub    transport.Unsubscribe
	entitiesUnsub  transport.Unsubscribe
	micUnsub       func()
	reconnectTimer *loop.Timer
	retryTimer     *loop.Timer
	wakePending    bool
	loading        string
	loadGen        uint64
}

// New wires a session. Nothing touches the devices or the connection until
// [Session.StartListening].
func New(cfg Config, deps Deps) (*Session, error) {
	if cfg.Entity == "" {
		return nil, pipeline.ErrNoSatellite
	}
	if deps.Conn == nil || deps.Mic == nil {
		return nil, errors.New("satellite: connection and microphone are required")
	}
	if deps.Speech == nil || deps.Notification == nil || deps.Chimes == nil || deps.Media == nil {
		return nil, errors.New("satellite: all output voices are required")
	}
	lp := deps.Loop
	if lp == nil {
		lp = loop.New(deps.Clock)
	}
	if cfg.Defaults.Model == "" {
		cfg.Defaults.Model = wakeword.DefaultModel
	}
	if cfg.Defaults.Sensitivity == "" {
		cfg.Defaults.Sensitivity = wakeword.SensitivityModerate
	}

	s := &Session{
		cfg:      cfg,
		conn:     deps.Conn,
		mic:      deps.Mic,
		detector: deps.Detector,
		metrics:  deps.Metrics,
		lp:       lp,
		ui:       ui.NewBroadcaster(),
		defaults: cfg.Defaults,
		settings: cfg.Defaults,
		cache:    newEntityCache(),
	}
	s.ui.OnCountChange(func(delta int) {
		s.metrics.SurfaceConnected(context.Background(), int64(delta))
	})
	s.sender = audio.NewSender(deps.Conn,
		audio.WithSendInterval(cfg.SendInterval),
		audio.WithSentHook(func(n int) { s.metrics.RecordAudioSent(context.Background(), n) }),
	)

	s.media = tts.NewMediaPlayer(s.lp, deps.Conn, deps.Fetcher, deps.Media, cfg.MediaPlayerEntity, cfg.Volume,
		deps.Speech, deps.Notification, deps.Chimes)
	s.player = tts.NewPlayer(s.lp, deps.Conn, deps.Fetcher,
		tts.Voices{Speech: deps.Speech, Notification: deps.Notification, Chimes: deps.Chimes},
		tts.Config{Target: cfg.Defaults.TTSTarget, ChimeVolume: cfg.ChimeVolume},
		tts.WithMetrics(deps.Metrics),
		tts.WithActivity(s.media),
	)

	pcfg := cfg.Pipeline
	pcfg.Entity = cfg.Entity
	opts := []pipeline.Option{pipeline.WithUI(s.ui), pipeline.WithMetrics(deps.Metrics)}
	if deps.Detector != nil {
		opts = append(opts, pipeline.WithDetector(deps.Detector))
	}
	s.engine = pipeline.New(s.lp, deps.Conn, s.sender, s.player, pcfg, opts...)

	s.arbiter = notify.New(s.lp, deps.Conn, s.engine, s.player,
		notify.Config{Entity: cfg.Entity, DisplayDuration: cfg.Defaults.DisplayDuration},
		notify.WithUI(s.ui),
		notify.WithMetrics(deps.Metrics),
		notify.WithMediaHandler(s.media),
	)
	s.timers = timer.New(s.lp, deps.Conn, s.player, cfg.Entity, timer.WithUI(s.ui))
	s.vis = visibility.New(s.lp, s.engine, deps.Mic, s.arbiter)

	s.player.SetOnComplete(s.engine.PlaybackComplete)
	s.engine.SetHooks(pipeline.Hooks{
		TurnComplete: func() { s.arbiter.PlayQueued() },
		Displaced:    s.onDisplaced,
		StateChanged: s.onStateChanged,
	})
	if deps.Detector != nil {
		deps.Detector.SetHandoff(handoffFunc(s.engine.WakeWordDetected))
	}
	s.removeReconnect = deps.Conn.OnReconnect(s.onReconnect)
	return s, nil
}

type handoffFunc func()

func (f handoffFunc) WakeWordDetected() { f() }

// ─── Surfaces and ownership ──────────────────────────────────────────────────

// Register adds a surface and returns its registration id.
func (s *Session) Register(surface ui.Surface) string { return s.ui.Register(surface) }

// Unregister removes a surface. Unknown ids are ignored.
func (s *Session) Unregister(id string) { s.ui.Unregister(id) }

// Claim makes owner the only client allowed to drive the session.
// Claiming again with the same owner succeeds.
func (s *Session) Claim(owner string) error {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	if s.owner != "" && s.owner != owner {
		return fmt.Errorf("%w (owner=%s)", ErrOwned, s.owner)
	}
	s.owner = owner
	return nil
}

// Release gives up ownership. Releasing as a non-owner does nothing.
func (s *Session) Release(owner string) {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	if s.owner == owner {
		s.owner = ""
	}
}

// Owner returns the current owner, or "" when unclaimed.
func (s *Session) Owner() string {
	s.ownerMu.Lock()
	defer s.ownerMu.Unlock()
	return s.owner
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	var st Status
	s.do(func() {
		st = Status{
			Listening:   s.listening,
			State:       s.engine.State(),
			OnDevice:    s.engine.OnDevice(),
			Unavailable: s.engine.Unavailable(),
			Hidden:      s.vis.Hidden(),
		}
	})
	if s.detector != nil {
		st.ModelLoaded = s.detector.Loaded()
	}
	return st
}

// ─── Start / Stop ────────────────────────────────────────────────────────────

// StartListening acquires the microphone, loads the satellite settings,
// starts the pipeline and subscribes to satellite events. A microphone that
// needs operator action is reported to the surfaces and returned without
// retrying; other failures are retried with the engine backoff.
func (s *Session) StartListening(ctx context.Context) (err error) {
	ctx, span := observe.StartSpan(ctx, "satellite.start", observe.AttrEntity.String(s.cfg.Entity))
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	var skip bool
	s.do(func() {
		skip = s.listening || s.closed
		if skip {
			return
		}
		s.retryTimer.Stop()
		s.retryTimer = nil
		s.engine.SetState(pipeline.Connecting)
	})
	if skip {
		return nil
	}

	if err := s.mic.Start(ctx); err != nil {
		if stopErr := s.mic.Stop(); stopErr != nil {
			slog.Debug("satellite: microphone rollback failed", "err", stopErr)
		}
		var micErr *audio.MicError
		if errors.As(err, &micErr) && !micErr.Retryable() {
			log.Warn("satellite: microphone needs attention", "reason", string(micErr.Reason), "err", err)
			s.do(func() {
				s.engine.SetState(pipeline.Idle)
				s.ui.Publish(ui.StartRequired{Reason: startReason(micErr.Reason)})
			})
			return fmt.Errorf("satellite: start microphone: %w", err)
		}
		s.do(func() {
			d := s.engine.NextRetryDelay()
			log.Error("satellite: microphone start failed, retrying", "delay", d, "err", err)
			if micErr != nil {
				s.ui.Publish(ui.StartRequired{Reason: startReason(micErr.Reason)})
			}
			s.engine.SetState(pipeline.Idle)
			s.retryTimer = s.lp.After(d, func() {
				s.retryTimer = nil
				go func() {
					if err := s.StartListening(context.Background()); err != nil {
						slog.Error("satellite: retry failed", "err", err)
					}
				}()
			})
		})
		return fmt.Errorf("satellite: start microphone: %w", err)
	}

	s.do(func() {
		if s.micUnsub == nil {
			s.micUnsub = s.mic.Subscribe(s.onFrame)
		}
	})

	s.syncSettings(ctx)
	s.prepareWakeWord(ctx)

	s.do(func() {
		s.listening = true
		if err := s.engine.Start(ctx, pipeline.RunOptions{}); err != nil {
			log.Error("satellite: pipeline start failed", "err", err)
			s.engine.Restart(s.engine.NextRetryDelay())
		}
		s.reconcileWakeWord()
	})

	if err := s.subscribeEvents(ctx); err != nil {
		log.Error("satellite: satellite events unavailable", "err", err)
	}
	log.Info("satellite: listening", "entity", s.cfg.Entity)
	return nil
}

func startReason(r audio.MicReason) ui.StartReason {
	switch r {
	case audio.ReasonNotFound:
		return ui.StartNoDevice
	case audio.ReasonDeviceBusy:
		return ui.StartDeviceBusy
	}
	return ui.StartNeedsGesture
}

// StopListening stops the pipeline, drops the satellite subscriptions and
// releases the microphone.
func (s *Session) StopListening() {
	var drop []transport.Unsubscribe
	s.do(func() {
		s.retryTimer.Stop()
		s.retryTimer = nil
		if !s.listening {
			return
		}
		s.listening = false
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
		s.engine.Stop()
		if s.detector != nil {
			s.detector.Stop()
		}
		drop = append(drop, s.eventsUnsub, s.entitiesUnsub)
		s.eventsUnsub, s.entitiesUnsub = nil, nil
		if s.micUnsub != nil {
			s.micUnsub()
			s.micUnsub = nil
		}
		s.engine.SetState(pipeline.Idle)
	})
	unsubscribeAll(drop)
	s.sender.StopSending()
	if err := s.mic.Stop(); err != nil {
		slog.Debug("satellite: microphone stop failed", "err", err)
	}
}

// Close stops the session and releases everything it created.
func (s *Session) Close() {
	s.StopListening()
	s.removeReconnect()
	s.do(func() {
		s.closed = true
		s.arbiter.Cancel()
		s.engine.Close()
		s.timers.Close()
		s.player.Stop()
		s.media.Close()
	})
	s.sender.StopSending()
}

func unsubscribeAll(unsubs []transport.Unsubscribe) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, u := range unsubs {
		if u == nil {
			continue
		}
		if err := u(ctx); err != nil {
			slog.Debug("satellite: unsubscribe failed", "err", err)
		}
	}
}

// onFrame runs on the capture goroutine.
func (s *Session) onFrame(fr audio.Frame) {
	s.sender.Push(fr)
	if s.detector != nil {
		s.detector.Feed(fr)
	}
}

// ─── Gestures ────────────────────────────────────────────────────────────────

// Cancel is the double-tap gesture. It dismisses a ringing timer alert,
// aborts notifications, or ends the running turn, in that order of
// precedence.
func (s *Session) Cancel() {
	s.do(func() {
		switch {
		case s.timers.Ringing():
			slog.Info("satellite: cancel, dismissing timer alert")
			s.timers.Dismiss()
		case s.arbiter.Active():
			slog.Info("satellite: cancel, dismissing notification")
			s.arbiter.Cancel()
			s.doneChime()
		case s.engine.Interacting() || s.player.IsPlaying():
			slog.Info("satellite: cancel, ending interaction")
			s.arbiter.CancelQuestion()
			s.engine.AbortTurn()
			s.engine.SetState(pipeline.Idle)
			s.doneChime()
			s.engine.Restart(0)
		default:
			slog.Debug("satellite: cancel with nothing to cancel")
		}
	})
}

func (s *Session) doneChime() {
	if s.engine.WakeSound() && !s.player.Remote() {
		s.player.PlayChime(tts.ChimeDone)
	}
}

// CancelTimer cancels one running timer.
func (s *Session) CancelTimer(id string) error {
	var err error
	s.do(func() { err = s.timers.Cancel(id) })
	return err
}

// Hide pauses the satellite while no surface is watching.
func (s *Session) Hide() { s.vis.Hide() }

// Show resumes a hidden satellite.
func (s *Session) Show(ctx context.Context) error { return s.vis.Show(ctx) }

// ─── Reconfiguration ─────────────────────────────────────────────────────────

// SetDefaults replaces the configured settings defaults and re-resolves
// the live settings.
func (s *Session) SetDefaults(d Settings) {
	s.do(func() {
		if d.Model == "" {
			d.Model = wakeword.DefaultModel
		}
		if d.Sensitivity == "" {
			d.Sensitivity = wakeword.SensitivityModerate
		}
		s.defaults = d
		s.applySettings(s.cache.resolve(s.cfg.Entity, s.siblings, d))
	})
}

// SetIdleTimeout changes the quiet-run refresh period.
func (s *Session) SetIdleTimeout(d time.Duration) {
	s.do(func() { s.engine.SetIdleTimeout(d) })
}

// SetContinueConversation toggles follow-up turns.
func (s *Session) SetContinueConversation(on bool) {
	s.do(func() { s.engine.SetContinueConversation(on) })
}

// SetVolume sets the output level, 0 to 1.
func (s *Session) SetVolume(v float64) {
	s.do(func() { s.media.SetVolume(v) })
}

// SetChimeVolume sets the chime level, 0 to 1.
func (s *Session) SetChimeVolume(v float64) {
	s.do(func() { s.player.SetChimeVolume(v) })
}

// ─── Engine hooks ────────────────────────────────────────────────────────────

func (s *Session) onStateChanged(st pipeline.State) {
	if st == pipeline.WakeWordDetected {
		s.media.Interrupt()
	}
	if s.wakePending && (st == pipeline.Listening || st == pipeline.Idle) {
		s.wakePending = false
		s.reconcileWakeWord()
	}
}

func (s *Session) onDisplaced() {
	slog.Warn("satellite: displaced, releasing microphone")
	s.listening = false
	if s.detector != nil {
		s.detector.Stop()
	}
	if s.micUnsub != nil {
		s.micUnsub()
		s.micUnsub = nil
	}
	drop := []transport.Unsubscribe{s.eventsUnsub, s.entitiesUnsub}
	s.eventsUnsub, s.entitiesUnsub = nil, nil
	go func() {
		unsubscribeAll(drop)
		if err := s.mic.Stop(); err != nil {
			slog.Debug("satellite: microphone stop failed", "err", err)
		}
	}()
}

// ─── Connection ──────────────────────────────────────────────────────────────

// onReconnect runs on the transport goroutine after a re-authentication.
func (s *Session) onReconnect() {
	var resume bool
	s.lp.Post(func() {
		if !s.listening || s.closed {
			return
		}
		resume = true
		slog.Info("satellite: connection restored")
		s.engine.ResetRetryState()
		s.ui.Publish(ui.Bar{Mode: ui.BarNormal})
		s.timers.Reset()
		s.eventsUnsub, s.entitiesUnsub = nil, nil
		s.reconnectTimer.Stop()
		s.reconnectTimer = s.lp.After(reconnectDelay, func() {
			s.reconnectTimer = nil
			if s.engine.Paused() {
				return
			}
			s.engine.Restart(0)
		})
	})
	go func() {
		// Post may have queued the callback; wait for it.
		s.do(func() {})
		if !resume {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), setupTimeout)
		defer cancel()
		if err := s.subscribeEvents(ctx); err != nil {
			slog.Error("satellite: resubscribe events failed", "err", err)
		}
		s.syncSettings(ctx)
	}()
}

func (s *Session) subscribeEvents(ctx context.Context) error {
	unsub, err := s.conn.Subscribe(ctx, subscribeEventsType, transport.Fields{"entity_id": s.cfg.Entity},
		func(raw json.RawMessage) {
			s.lp.Post(func() { s.arbiter.HandleRaw(raw) })
		})
	if err != nil {
		return fmt.Errorf("satellite: subscribe events: %w", err)
	}
	var stale transport.Unsubscribe
	s.do(func() {
		if !s.listening {
			stale = unsub
			return
		}
		stale, s.eventsUnsub = s.eventsUnsub, unsub
	})
	unsubscribeAll([]transport.Unsubscribe{stale})
	return nil
}

// ─── Settings ────────────────────────────────────────────────────────────────

// syncSettings resolves the settings entities of the satellite's device
// and subscribes to their states. Without the entity registry only the
// satellite's own attributes are read.
func (s *Session) syncSettings(ctx context.Context) {
	siblings := map[string]string{}
	raw, err := s.conn.Call(ctx, entityRegistryType, nil)
	if err == nil {
		siblings, err = siblingEntities(raw, s.cfg.Entity)
	}
	if err != nil {
		slog.Warn("satellite: entity registry unavailable, reading satellite attributes only", "err", err)
		siblings = map[string]string{}
	}
	ids := append([]string{s.cfg.Entity}, slices.Sorted(maps.Values(siblings))...)
	slog.Debug("satellite: settings entities", "entities", ids)

	s.do(func() {
		s.siblings = siblings
		s.cache.reset()
	})
	unsub, err := s.conn.Subscribe(ctx, subscribeEntitiesType, transport.Fields{"entity_ids": ids},
		func(raw json.RawMessage) {
			s.lp.Post(func() { s.onEntities(raw) })
		})
	if err != nil {
		slog.Error("satellite: settings subscription failed, using configured defaults", "err", err)
		return
	}
	var stale transport.Unsubscribe
	s.do(func() { stale, s.entitiesUnsub = s.entitiesUnsub, unsub })
	unsubscribeAll([]transport.Unsubscribe{stale})
}

func (s *Session) onEntities(raw json.RawMessage) {
	if s.closed {
		return
	}
	if err := s.cache.apply(raw); err != nil {
		slog.Warn("satellite: dropping entity update", "err", err)
		return
	}
	s.applySettings(s.cache.resolve(s.cfg.Entity, s.siblings, s.defaults))
}

// applySettings pushes resolved settings into the components.
func (s *Session) applySettings(next Settings) {
	prev := s.settings
	s.settings = next

	s.engine.SetWakeSound(next.WakeSound)
	s.player.SetTarget(next.TTSTarget)
	s.arbiter.SetDisplayDuration(next.DisplayDuration)
	s.timers.Update(next.ActiveTimers, next.LastTimerEvent)

	if prev.wakeWordChanged(next) {
		slog.Info("satellite: wake word settings changed", "on_device", next.OnDevice, "model", next.Model)
	}
	if next.Muted != prev.Muted {
		slog.Info("satellite: mute changed", "muted", next.Muted)
	}
	s.engine.SetMuted(next.Muted)
	if next.Muted && !prev.Muted && s.listening && s.engine.Streaming() && !s.engine.Interacting() {
		// The restart blocks on the mute and polls until unmuted.
		s.engine.Restart(0)
	}
	s.reconcileWakeWord()
}

// prepareWakeWord loads the detector models before the first start when
// the settings select on-device detection.
func (s *Session) prepareWakeWord(ctx context.Context) {
	if s.detector == nil {
		return
	}
	var want Settings
	s.do(func() { want = s.settings })
	if !want.OnDevice {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, modelTimeout)
	defer cancel()
	if err := s.detector.Load(ctx, want.Model, want.Sensitivity); err != nil {
		observe.Logger(ctx).Error("satellite: wake word models unavailable, using server detection", "model", want.Model, "err", err)
		return
	}
	s.do(func() { s.engine.SetOnDevice(true) })
}

// reconcileWakeWord moves the detector towards the wanted settings. Mode
// and model switches wait until the engine is listening or idle.
func (s *Session) reconcileWakeWord() {
	if s.detector == nil || !s.listening {
		return
	}
	want := s.settings
	onDevice := s.engine.OnDevice()
	if want.OnDevice && onDevice && s.detector.Sensitivity() != want.Sensitivity {
		s.detector.SetSensitivity(want.Sensitivity)
	}
	if want.OnDevice == onDevice && (!want.OnDevice || s.detector.Model() == want.Model) {
		return
	}
	if st := s.engine.State(); st != pipeline.Listening && st != pipeline.Idle {
		slog.Info("satellite: wake word switch deferred until the turn ends", "state", st.String())
		s.wakePending = true
		return
	}

	if !want.OnDevice {
		slog.Info("satellite: switching to server wake word detection")
		s.loadGen++
		s.loading = ""
		s.detector.Stop()
		s.engine.Restart(0)
		s.engine.SetOnDevice(false)
		return
	}
	if s.loading == want.Model {
		return
	}
	s.loadGen++
	gen, model, sens := s.loadGen, want.Model, want.Sensitivity
	s.loading = model
	slog.Info("satellite: switching to on-device wake word", "model", model)
	s.detector.Stop()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), modelTimeout)
		defer cancel()
		err := s.detector.Load(ctx, model, sens)
		s.lp.Post(func() {
			if gen != s.loadGen || s.closed {
				return
			}
			s.loading = ""
			if err != nil {
				slog.Error("satellite: wake word switch failed", "model", model, "err", err)
				s.engine.SetOnDevice(false)
				s.engine.Restart(s.engine.NextRetryDelay())
				return
			}
			s.engine.Restart(0)
			s.engine.SetOnDevice(true)
		})
	}()
}

// do runs fn on the loop and waits for it.
func (s *Session) do(fn func()) {
	done := make(chan struct{})
	s.lp.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

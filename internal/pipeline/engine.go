// Package pipeline drives voice pipeline runs on a Home Assistant
// voice_satellite entity.
//
// The [Engine] subscribes one run at a time, streams microphone audio while
// the run is live and walks the turn state machine as backend events arrive:
// wake word, speech to text, intent, text to speech. Every transition happens
// on a single [loop.Loop]; the only work done off the loop is decoding events
// and recording the routing byte of the synthetic init message.
//
// Failures funnel into one recovery path, [Engine.Restart] with a delay from
// [Engine.NextRetryDelay].
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/observe"
	"github.com/MrWong99/voicesat/internal/transport"
	"github.com/MrWong99/voicesat/internal/tts"
	"github.com/MrWong99/voicesat/internal/ui"
	"github.com/MrWong99/voicesat/pkg/audio"
)

// ErrNoSatellite is returned by [Engine.Start] when no satellite entity is
// configured.
var ErrNoSatellite = errors.New("pipeline: no satellite entity configured")

// Backend command types.
const (
	runPipelineType = "voice_satellite/run_pipeline"
	updateStateType = "voice_satellite/update_state"
)

// Timing.
const (
	SampleRate          = 16000
	mutePollInterval    = 2 * time.Second
	recoveryDelay       = 2 * time.Second
	intentErrorDisplay  = 3 * time.Second
	failedLinger        = 5 * time.Second
	chimeResumeMargin   = 50 * time.Millisecond
	initTimeout         = 10 * time.Second
	startTimeout        = 15 * time.Second
	unsubscribeTimeout  = 2 * time.Second
	debugPayloadLimit   = 500
	noHandler           = -1
	defaultSyncCapacity = 16
)

// Backend is the part of the Home Assistant connection the engine uses.
type Backend interface {
	transport.Caller
	transport.Subscriber
}

// AudioOut is the outbound microphone stream.
type AudioOut interface {
	StartSending(audio.HandlerFunc)
	StopSending()
	ClearBuffer()
}

// Player plays TTS media and chimes.
type Player interface {
	Play(url string)
	Stop()
	IsPlaying() bool
	Remote() bool
	StoreStreamingURL(url string)
	TakeStreamingURL() string
	SetFallbackURL(url string)
	PlayChime(c tts.Chime)
}

// LocalDetector is an on-device wake-word detector.
type LocalDetector interface {
	Start() error
	Stop()
}

// Config holds the static engine settings.
type Config struct {
	// Entity is the voice_satellite entity id.
	Entity string

	// ContinueConversation honours continue_conversation from intent results.
	ContinueConversation bool

	// ChimeOnWakeWord plays the wake and error chimes.
	ChimeOnWakeWord bool

	// ChimeOnRequestSent plays the done chime after expected errors end a turn.
	ChimeOnRequestSent bool

	// IdleTimeout refreshes a quiet run after this long. Zero disables it.
	IdleTimeout time.Duration

	// Debug logs every backend event.
	Debug bool
}

// RunOptions configures one run.
type RunOptions struct {
	StartStage        Stage
	EndStage          Stage
	ConversationID    string
	ExtraSystemPrompt string
}

func (o RunOptions) withDefaults() RunOptions {
	if o.StartStage == "" {
		o.StartStage = StageWakeWord
	}
	if o.EndStage == "" {
		o.EndStage = StageTTS
	}
	return o
}

// ContinueOptions configures [Engine.RestartContinue].
type ContinueOptions struct {
	// OnSTTEnd receives the transcript of the continuation run. It is called
	// with an empty string when the run fails.
	OnSTTEnd func(text string)

	EndStage          Stage
	ExtraSystemPrompt string
}

// Hooks are optional callbacks run on the loop.
type Hooks struct {
	// TurnComplete runs after a turn's UI is cleaned up. Queued notifications
	// play from here.
	TurnComplete func()

	// Displaced runs after another client took over the satellite.
	Displaced func()

	// StateChanged runs after every state transition.
	StateChanged func(State)
}

// Option configures an [Engine].
type Option func(*Engine)

// WithMetrics records turns, restarts and errors to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithUI publishes surface events to sink.
func WithUI(sink ui.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.ui = sink
		}
	}
}

// WithDetector enables on-device wake-word detection through d.
func WithDetector(d LocalDetector) Option {
	return func(e *Engine) { e.detector = d }
}

// WithBackoff overrides the retry delays.
func WithBackoff(base, max time.Duration) Option {
	return func(e *Engine) { e.backoff = Backoff{Base: base, Max: max} }
}

// run is one subscription to voice_satellite/run_pipeline.
type run struct {
	seq       uint64
	opts      RunOptions
	unsub     transport.Unsubscribe
	initTimer *loop.Timer
}

// Engine is the turn state machine. Apart from [Engine.HandlerID] every
// method must be called on the engine's loop.
type Engine struct {
	lp       *loop.Loop
	backend  Backend
	out      AudioOut
	player   Player
	detector LocalDetector
	ui       ui.Sink
	metrics  *observe.Metrics
	cfg      Config
	hooks    Hooks
	syncer   *stateSyncer

	// handlerID is read by the audio sender goroutine.
	handlerID atomic.Int32

	state       State
	life        lifecycle
	run         *run
	runSeq      uint64
	streaming   bool
	paused      bool
	unavailable bool
	backoff     Backoff

	muted     bool
	wakeSound bool
	onDevice  bool

	runStartReceived bool
	wakeWordPhase    bool
	errorReceived    bool

	continueMode     bool
	shouldContinue   bool
	continueID       string
	askCallback      func(string)
	askHandled       bool
	suppressTTS      bool
	pendingRunEnd    bool
	streamedResponse string
	turnStarted      time.Time

	restartTimer     *loop.Timer
	muteTimer        *loop.Timer
	recoveryTimer    *loop.Timer
	intentErrorTimer *loop.Timer
	idleTimer        *loop.Timer
	chimeTimer       *loop.Timer
	lingerTimer      *loop.Timer
}

// New returns an idle engine. Call [Engine.Close] to release it.
func New(lp *loop.Loop, backend Backend, out AudioOut, player Player, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		lp:        lp,
		backend:   backend,
		out:       out,
		player:    player,
		ui:        ui.Discard,
		cfg:       cfg,
		wakeSound: true,
	}
	e.handlerID.Store(noHandler)
	for _, opt := range opts {
		opt(e)
	}
	e.syncer = newStateSyncer(backend, cfg.Entity)
	return e
}

// SetHooks replaces the engine hooks.
func (e *Engine) SetHooks(h Hooks) { e.hooks = h }

// Close stops the engine and its state sync worker.
func (e *Engine) Close() {
	e.Stop()
	e.syncer.close()
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// State returns the turn state.
func (e *Engine) State() State { return e.state }

// Interacting reports whether a turn is in progress.
func (e *Engine) Interacting() bool { return e.state.Interacting() }

// Streaming reports whether a server run is receiving audio.
func (e *Engine) Streaming() bool { return e.streaming }

// Restarting reports whether a restart is in flight.
func (e *Engine) Restarting() bool { return e.life == lifeRestarting }

// Unavailable reports whether the service is marked unavailable.
func (e *Engine) Unavailable() bool { return e.unavailable }

// Paused reports whether events are being ignored.
func (e *Engine) Paused() bool { return e.paused }

// SetPaused makes the engine ignore (true) or accept backend events.
func (e *Engine) SetPaused(p bool) { e.paused = p }

// HandlerID returns the routing byte of the live run. It is safe to call
// from any goroutine.
func (e *Engine) HandlerID() (byte, bool) {
	id := e.handlerID.Load()
	if id < 0 {
		return 0, false
	}
	return byte(id), true
}

// ShouldContinue reports whether the last intent asked for a follow-up turn.
func (e *Engine) ShouldContinue() bool { return e.shouldContinue && e.continueID != "" }

// ClearContinueState forgets a pending conversation continuation.
func (e *Engine) ClearContinueState() {
	e.shouldContinue = false
	e.continueID = ""
}

// SetMuted updates the satellite mute switch.
func (e *Engine) SetMuted(m bool) { e.muted = m }

// SetWakeSound updates the satellite wake sound switch.
func (e *Engine) SetWakeSound(on bool) { e.wakeSound = on }

// WakeSound reports whether wake and done chimes are enabled.
func (e *Engine) WakeSound() bool { return e.wakeSound }

// SetIdleTimeout changes the quiet-run refresh period. It applies from the
// next run start.
func (e *Engine) SetIdleTimeout(d time.Duration) { e.cfg.IdleTimeout = d }

// SetContinueConversation toggles follow-up turns.
func (e *Engine) SetContinueConversation(on bool) { e.cfg.ContinueConversation = on }

// SetOnDevice selects on-device (true) or server wake-word detection for
// subsequent runs.
func (e *Engine) SetOnDevice(on bool) { e.onDevice = on && e.detector != nil }

// OnDevice reports whether on-device detection is selected.
func (e *Engine) OnDevice() bool { return e.onDevice }

// SetState moves to s and publishes the change.
func (e *Engine) SetState(s State) {
	old := e.state
	e.state = s
	if old != s {
		slog.Debug("pipeline: state", "from", old.String(), "to", s.String())
	}
	playing := e.player.IsPlaying()
	e.ui.Publish(ui.StateChanged{State: s.String(), Unavailable: e.unavailable, TTSPlaying: playing})
	if e.hooks.StateChanged != nil {
		e.hooks.StateChanged(s)
	}
	if playing && (s == Listening || s == Idle) {
		return
	}
	e.syncer.push(s.String())
}

// ─── Start / Stop / Restart ──────────────────────────────────────────────────

// Start subscribes a new run and starts sending audio once the backend
// confirms the routing byte. When on-device detection is selected and opts
// starts at the wake-word stage, the local detector is activated instead.
// A muted satellite blocks the start and polls until unmuted.
func (e *Engine) Start(ctx context.Context, opts RunOptions) error {
	return e.start(ctx, opts)
}

func (e *Engine) start(ctx context.Context, opts RunOptions) (err error) {
	if e.cfg.Entity == "" {
		return ErrNoSatellite
	}
	e.muteTimer.Stop()
	e.muteTimer = nil

	if e.muted {
		slog.Info("pipeline: satellite muted, start blocked")
		e.ui.Publish(ui.Bar{Mode: ui.BarError})
		e.muteTimer = e.lp.After(mutePollInterval, func() {
			e.muteTimer = nil
			e.startOrRecover(opts)
		})
		return nil
	}
	e.ui.Publish(ui.Bar{Mode: ui.BarNormal})

	e.dropRun()
	e.handlerID.Store(noHandler)
	opts = opts.withDefaults()
	e.runStartReceived = false

	if e.onDevice && opts.StartStage == StageWakeWord {
		if err := e.detector.Start(); err != nil {
			return fmt.Errorf("pipeline: start detector: %w", err)
		}
		e.life = lifeLive
		slog.Info("pipeline: on-device wake word detection active")
		e.SetState(Listening)
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "pipeline.start",
		observe.AttrStartStage.String(string(opts.StartStage)),
		observe.AttrEndStage.String(string(opts.EndStage)),
		observe.AttrContinue.Bool(e.continueMode),
	)
	defer func() { observe.EndSpan(span, err) }()

	e.runSeq++
	r := &run{seq: e.runSeq, opts: opts}
	e.life = lifeStarting

	fields := transport.Fields{
		"entity_id":   e.cfg.Entity,
		"start_stage": string(opts.StartStage),
		"end_stage":   string(opts.EndStage),
		"sample_rate": SampleRate,
	}
	if opts.ConversationID != "" {
		fields["conversation_id"] = opts.ConversationID
	}
	if opts.ExtraSystemPrompt != "" {
		fields["extra_system_prompt"] = opts.ExtraSystemPrompt
	}
	observe.Logger(ctx).Info("pipeline: starting run",
		"start_stage", string(opts.StartStage),
		"end_stage", string(opts.EndStage),
		"conversation_id", opts.ConversationID,
	)

	unsub, err := e.backend.Subscribe(ctx, runPipelineType, fields, e.runHandler(r))
	if err != nil {
		e.life = lifeStopped
		return fmt.Errorf("pipeline: subscribe run: %w", err)
	}
	r.unsub = unsub
	e.run = r
	// The init message may already be queued behind this call.
	r.initTimer = e.lp.After(initTimeout, func() { e.initTimedOut(r) })
	return nil
}

// runLive completes a start once the backend assigned the routing byte.
func (e *Engine) runLive(r *run, handlerID int) {
	if e.run != r || e.life != lifeStarting {
		return
	}
	r.initTimer.Stop()
	r.initTimer = nil
	e.handlerID.Store(int32(handlerID))
	slog.Info("pipeline: run live, sending audio", "handler_id", handlerID, "start_stage", string(r.opts.StartStage))
	e.out.StartSending(e.HandlerID)
	e.streaming = true
	e.life = lifeLive
}

func (e *Engine) initTimedOut(r *run) {
	if e.run != r || e.life != lifeStarting {
		return
	}
	r.initTimer = nil
	e.dropRun()
	e.life = lifeStopped
	err := fmt.Errorf("pipeline: waiting for init: %w", context.DeadlineExceeded)
	if e.continueMode {
		e.continueFailed(err)
		return
	}
	e.startFailed(err)
}

// startOrRecover starts a default run from a timer and routes failures into
// the backoff.
func (e *Engine) startOrRecover(opts RunOptions) {
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	if err := e.start(ctx, opts); err != nil {
		e.startFailed(err)
	}
}

func (e *Engine) startFailed(err error) {
	slog.Error("pipeline: start failed", "err", err)
	if !e.unavailable {
		e.ui.Publish(ui.Bar{Mode: ui.BarError})
		e.unavailable = true
	}
	e.restart(e.NextRetryDelay(), "start_failed")
}

func (e *Engine) runHandler(r *run) transport.EventHandler {
	return func(raw json.RawMessage) {
		ev, err := Decode(raw)
		if err != nil {
			slog.Warn("pipeline: dropping undecodable event", "err", err)
			return
		}
		if in, ok := ev.(Init); ok {
			e.lp.Post(func() { e.runLive(r, in.HandlerID) })
			return
		}
		if e.cfg.Debug {
			slog.Debug("pipeline: event", "type", ev.Type(), "data", truncate(raw, debugPayloadLimit))
		}
		e.lp.Post(func() {
			if e.run == nil || e.run.seq != r.seq {
				return
			}
			e.HandleEvent(ev)
		})
	}
}

func truncate(raw []byte, n int) string {
	if len(raw) <= n {
		return string(raw)
	}
	return string(raw[:n])
}

// dropRun unsubscribes the current run. Errors are logged and swallowed.
func (e *Engine) dropRun() {
	r := e.run
	e.run = nil
	if r == nil {
		return
	}
	r.initTimer.Stop()
	if r.unsub == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
	defer cancel()
	if err := r.unsub(ctx); err != nil {
		slog.Debug("pipeline: unsubscribe failed", "err", err)
	}
}

// stop ends the current run without touching restart bookkeeping.
func (e *Engine) stop() {
	e.out.StopSending()
	e.handlerID.Store(noHandler)
	e.streaming = false
	e.muteTimer.Stop()
	e.muteTimer = nil
	e.idleTimer.Stop()
	e.idleTimer = nil
	if e.onDevice {
		e.detector.Stop()
	}
	e.dropRun()
	if e.life != lifeRestarting {
		e.life = lifeStopped
	}
}

// Stop ends the current run and cancels every pending timer. It never
// fails.
func (e *Engine) Stop() {
	e.stop()
	for _, t := range []**loop.Timer{
		&e.restartTimer, &e.recoveryTimer, &e.intentErrorTimer, &e.chimeTimer, &e.lingerTimer,
	} {
		(*t).Stop()
		*t = nil
	}
	e.life = lifeStopped
}

// Restart stops the current run and starts a fresh one after delay. A
// restart already in flight absorbs the call.
func (e *Engine) Restart(delay time.Duration) {
	e.restart(delay, "requested")
}

func (e *Engine) restart(delay time.Duration, reason string) {
	if e.life == lifeRestarting {
		slog.Debug("pipeline: restart already in progress", "reason", reason)
		return
	}
	e.life = lifeRestarting
	e.restartTimer.Stop()
	e.stop()
	e.askCallback = nil
	e.askHandled = false
	e.metrics.RecordRestart(context.Background(), reason)
	slog.Debug("pipeline: restarting", "delay", delay, "reason", reason)
	e.restartTimer = e.lp.After(delay, func() {
		e.restartTimer = nil
		e.life = lifeStopped
		e.startOrRecover(RunOptions{})
	})
}

// RestartContinue replaces the current run with one starting at speech to
// text, carrying conversationID. It backs follow-up turns and spoken
// answers to questions.
func (e *Engine) RestartContinue(conversationID string, opts ContinueOptions) {
	if e.life == lifeRestarting {
		slog.Debug("pipeline: restart already in progress, continuation skipped")
		return
	}
	e.askCallback = opts.OnSTTEnd
	e.life = lifeRestarting
	e.stop()
	e.life = lifeStopped
	e.continueMode = true

	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	err := e.start(ctx, RunOptions{
		StartStage:        StageSTT,
		EndStage:          opts.EndStage,
		ConversationID:    conversationID,
		ExtraSystemPrompt: opts.ExtraSystemPrompt,
	})
	if err == nil {
		return
	}
	e.continueFailed(err)
}

func (e *Engine) continueFailed(err error) {
	slog.Error("pipeline: continuation failed", "err", err)
	e.askCallback = nil
	e.continueMode = false
	e.ui.Publish(ui.ChatCleared{})
	e.ui.Publish(ui.Blur{Reason: ui.BlurPipeline, Shown: false})
	e.restart(0, "continue_failed")
}

// NextRetryDelay counts a failed attempt and returns the delay before the
// next one.
func (e *Engine) NextRetryDelay() time.Duration {
	d := e.backoff.Next()
	slog.Info("pipeline: retry scheduled", "delay", d, "attempt", e.backoff.Attempt())
	return d
}

// ResetRetryState forgets failed attempts and any scheduled restart. It
// runs when the connection is restored.
func (e *Engine) ResetRetryState() {
	e.backoff.Reset()
	e.restartTimer.Stop()
	e.restartTimer = nil
	if e.life == lifeRestarting {
		e.life = lifeStopped
	}
	e.unavailable = false
}

// ResetForResume cancels a pending restart and continuation before the
// satellite resumes from a pause.
func (e *Engine) ResetForResume() {
	if e.life == lifeRestarting {
		e.life = lifeStopped
	}
	e.continueMode = false
	e.restartTimer.Stop()
	e.restartTimer = nil
}

// ─── Turn cleanup ────────────────────────────────────────────────────────────

// AbortTurn drops an in-progress turn: stops playback and clears the turn
// UI and continuation state.
func (e *Engine) AbortTurn() {
	if e.player.IsPlaying() {
		e.player.Stop()
	}
	e.pendingRunEnd = false
	e.suppressTTS = false
	e.askCallback = nil
	e.askHandled = false
	e.ClearContinueState()
	e.lingerTimer.Stop()
	e.lingerTimer = nil
	e.clearTurnUI()
	if e.state.Interacting() {
		e.SetState(Idle)
	}
}

func (e *Engine) clearTurnUI() {
	e.streamedResponse = ""
	e.ui.Publish(ui.ChatCleared{})
	e.ui.Publish(ui.Blur{Reason: ui.BlurPipeline, Shown: false})
}

func (e *Engine) recordTurn(outcome string) {
	if e.turnStarted.IsZero() {
		return
	}
	e.metrics.RecordTurn(context.Background(), outcome, e.lp.Now().Sub(e.turnStarted))
	e.turnStarted = time.Time{}
}

// beginTurn resets everything left over from the previous turn after a wake
// word.
func (e *Engine) beginTurn() {
	if e.player.IsPlaying() {
		e.player.Stop()
		e.pendingRunEnd = false
	}
	e.intentErrorTimer.Stop()
	e.intentErrorTimer = nil
	e.lingerTimer.Stop()
	e.lingerTimer = nil
	e.streamedResponse = ""
	e.ui.Publish(ui.ChatCleared{})
	e.ClearContinueState()
	e.turnStarted = e.lp.Now()
	e.SetState(WakeWordDetected)
}

// WakeWordDetected takes over from the on-device detector: it starts a turn
// and subscribes a run beginning at speech to text. With the wake sound on,
// audio sending is suspended while the chime plays and audio captured in
// that window is discarded.
func (e *Engine) WakeWordDetected() {
	if e.paused {
		return
	}
	slog.Info("pipeline: on-device wake word handoff")
	e.beginTurn()
	e.ui.Publish(ui.Blur{Reason: ui.BlurPipeline, Shown: true})

	startSTT := func() {
		ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
		defer cancel()
		if err := e.start(ctx, RunOptions{StartStage: StageSTT}); err != nil {
			slog.Error("pipeline: start after wake word failed", "err", err)
			e.restart(e.NextRetryDelay(), "handoff_failed")
		}
	}
	if !e.wakeSound {
		startSTT()
		return
	}
	e.out.StopSending()
	e.player.PlayChime(tts.ChimeWake)
	e.chimeTimer.Stop()
	e.chimeTimer = e.lp.After(tts.Duration(tts.ChimeWake)+chimeResumeMargin, func() {
		e.chimeTimer = nil
		e.out.ClearBuffer()
		startSTT()
	})
}

// PlaybackComplete is called when TTS playback ends. failed reports a
// fetch or playback error.
func (e *Engine) PlaybackComplete(failed bool) {
	switch e.state {
	case WakeWordDetected, STT, Intent:
		slog.Debug("pipeline: new interaction in progress, playback cleanup skipped")
		return
	}
	if !failed && e.ShouldContinue() {
		id := e.continueID
		e.ClearContinueState()
		e.pendingRunEnd = false
		e.recordTurn("continued")
		slog.Info("pipeline: continuing conversation", "conversation_id", id)
		e.RestartContinue(id, ContinueOptions{})
		return
	}
	if !failed && e.wakeSound && !e.player.Remote() {
		e.player.PlayChime(tts.ChimeDone)
	}
	if failed {
		e.recordTurn("playback_failed")
		e.lingerTimer.Stop()
		e.lingerTimer = e.lp.After(failedLinger, func() {
			e.lingerTimer = nil
			e.finishTurn()
		})
		return
	}
	e.recordTurn("completed")
	e.finishTurn()
}

// finishTurn clears the turn UI, reports idle and hands over to queued
// notifications.
func (e *Engine) finishTurn() {
	deferred := e.pendingRunEnd
	e.pendingRunEnd = false
	e.clearTurnUI()
	if e.state.Interacting() {
		e.SetState(Idle)
	} else {
		e.ui.Publish(ui.StateChanged{State: e.state.String(), Unavailable: e.unavailable})
		e.syncer.push(Idle.String())
	}
	if deferred && !e.unavailable {
		e.restart(0, "run_end")
	}
	if e.hooks.TurnComplete != nil {
		e.hooks.TurnComplete()
	}
}

// ─── Backend events ──────────────────────────────────────────────────────────

// HandleEvent applies one backend event. Events are ignored while paused or
// restarting.
func (e *Engine) HandleEvent(ev Event) {
	if e.paused {
		slog.Debug("pipeline: ignoring event while paused", "type", ev.Type())
		return
	}
	if e.life == lifeRestarting {
		slog.Debug("pipeline: ignoring event while restarting", "type", ev.Type())
		return
	}

	switch ev := ev.(type) {
	case Init:
		// Handled on the transport goroutine.
	case RunStart:
		e.runStartReceived = true
		e.wakeWordPhase = false
		e.errorReceived = false
		e.onRunStart(ev)
	case WakeWordStart:
		e.wakeWordPhase = true
		e.onWakeWordStart()
	case WakeWordEnd:
		if !e.runStartReceived {
			slog.Debug("pipeline: ignoring stale wake_word-end")
			return
		}
		if ev.Missing {
			slog.Debug("pipeline: ignoring wake_word-end without output")
			return
		}
		e.wakeWordPhase = false
		e.onWakeWordEnd(ev)
	case SttStart:
		e.SetState(STT)
	case SttVADStart:
		slog.Debug("pipeline: speech started")
	case SttVADEnd:
		slog.Debug("pipeline: speech ended")
	case SttEnd:
		e.onSttEnd(ev)
	case IntentStart:
		e.SetState(Intent)
	case IntentProgress:
		e.onIntentProgress(ev)
	case IntentEnd:
		e.onIntentEnd(ev)
	case TTSStart:
		e.SetState(TTS)
	case TTSEnd:
		e.onTTSEnd(ev)
	case RunEnd:
		if !e.runStartReceived {
			slog.Debug("pipeline: ignoring stale run-end")
			return
		}
		if e.wakeWordPhase && !e.errorReceived {
			slog.Debug("pipeline: ignoring run-end during wake word phase")
			return
		}
		e.onRunEnd()
	case RunError:
		if !e.runStartReceived {
			slog.Debug("pipeline: ignoring stale error", "code", ev.Code)
			return
		}
		e.errorReceived = true
		e.onError(ev)
	case Displaced:
		e.onDisplaced()
	case Unknown:
		slog.Debug("pipeline: unhandled event", "type", ev.Name)
	}
}

func (e *Engine) onRunStart(ev RunStart) {
	if ev.HasHandler {
		e.handlerID.Store(int32(ev.HandlerID))
	}
	e.armIdle()
	e.player.StoreStreamingURL("")
	if ev.StreamResponse && ev.TTSURL != "" {
		e.player.StoreStreamingURL(ev.TTSURL)
	}

	stage := StageWakeWord
	if e.run != nil {
		stage = e.run.opts.StartStage
	}
	if e.continueMode || stage == StageSTT {
		e.continueMode = false
		slog.Info("pipeline: run started, listening for speech", "handler_id", ev.HandlerID)
		e.SetState(STT)
		return
	}
	slog.Info("pipeline: run started, listening for wake word", "handler_id", ev.HandlerID)
	e.SetState(Listening)
}

func (e *Engine) onWakeWordStart() {
	if !e.unavailable {
		return
	}
	e.recoveryTimer.Stop()
	e.recoveryTimer = e.lp.After(recoveryDelay, func() {
		e.recoveryTimer = nil
		if !e.unavailable {
			return
		}
		slog.Info("pipeline: wake word service recovered")
		e.unavailable = false
		e.backoff.Reset()
		e.ui.Publish(ui.Bar{Mode: ui.BarNormal})
	})
}

func (e *Engine) onWakeWordEnd(ev WakeWordEnd) {
	e.recoveryTimer.Stop()
	e.recoveryTimer = nil

	if ev.WakeWordID == "" {
		slog.Error("pipeline: wake word service unavailable (empty output)")
		e.handlerID.Store(noHandler)
		e.ui.Publish(ui.Bar{Mode: ui.BarError})
		e.unavailable = true
		e.metrics.RecordPipelineError(context.Background(), "empty-wake-word-output", false)
		e.restart(e.NextRetryDelay(), "unavailable")
		return
	}

	e.unavailable = false
	e.backoff.Reset()
	e.ui.Publish(ui.Bar{Mode: ui.BarNormal})
	e.metrics.RecordWakeWord(context.Background(), "server")
	slog.Info("pipeline: wake word detected", "wake_word_id", ev.WakeWordID)

	e.beginTurn()
	e.armIdle()
	if e.cfg.ChimeOnWakeWord {
		// Audio keeps streaming under the chime; the server run is already past wake word.
		e.player.PlayChime(tts.ChimeWake)
	}
	e.ui.Publish(ui.Blur{Reason: ui.BlurPipeline, Shown: true})
}

func (e *Engine) onSttEnd(ev SttEnd) {
	if ev.Text != "" {
		e.ui.Publish(ui.Transcript{Text: ev.Text})
	}
	if cb := e.askCallback; cb != nil {
		e.askCallback = nil
		e.askHandled = true
		slog.Info("pipeline: answer captured", "text", ev.Text)
		cb(ev.Text)
	}
}

func (e *Engine) onIntentProgress(ev IntentProgress) {
	if ev.TTSStartStreaming && !e.player.IsPlaying() {
		if url := e.player.TakeStreamingURL(); url != "" {
			slog.Info("pipeline: streaming TTS started early")
			e.SetState(TTS)
			e.player.Play(url)
		}
	}
	if !ev.HasDelta {
		return
	}
	e.streamedResponse += ev.Delta
	e.ui.Publish(ui.Response{Text: e.streamedResponse, Partial: true})
}

func (e *Engine) onIntentEnd(ev IntentEnd) {
	if ev.ResponseType == "error" {
		text := ev.Text
		if text == "" {
			text = "An error occurred"
		}
		slog.Error("pipeline: intent error", "text", text)
		e.metrics.RecordPipelineError(context.Background(), "intent", true)
		e.ui.Publish(ui.Bar{Mode: ui.BarFlash})
		if e.cfg.ChimeOnWakeWord {
			e.player.PlayChime(tts.ChimeError)
		}
		e.suppressTTS = true
		e.intentErrorTimer.Stop()
		e.intentErrorTimer = e.lp.After(intentErrorDisplay, func() {
			e.intentErrorTimer = nil
			e.ui.Publish(ui.Bar{Mode: ui.BarNormal})
		})
		e.streamedResponse = ""
		return
	}

	if ev.Text != "" {
		e.ui.Publish(ui.Response{Text: ev.Text})
	} else {
		slog.Warn("pipeline: could not extract response text")
	}
	e.ClearContinueState()
	if e.cfg.ContinueConversation && ev.Continue {
		e.shouldContinue = true
		e.continueID = ev.ConversationID
		slog.Info("pipeline: continue conversation requested", "conversation_id", ev.ConversationID)
	}
	e.streamedResponse = ""
}

func (e *Engine) onTTSEnd(ev TTSEnd) {
	if e.suppressTTS {
		e.suppressTTS = false
		slog.Info("pipeline: TTS suppressed after intent error")
		e.restart(0, "turn_end")
		e.recordTurn("intent_error")
		e.finishTurn()
		return
	}
	if e.player.IsPlaying() {
		slog.Debug("pipeline: streaming TTS already playing, keeping URL as fallback")
		e.player.SetFallbackURL(ev.URL)
		e.restart(0, "turn_end")
		return
	}
	if ev.URL != "" {
		e.player.Play(ev.URL)
	}
	e.restart(0, "turn_end")
}

func (e *Engine) onRunEnd() {
	slog.Debug("pipeline: run ended")
	e.handlerID.Store(noHandler)

	switch {
	case e.life == lifeRestarting:
	case e.askHandled:
		e.askHandled = false
	case e.unavailable:
		e.ui.Publish(ui.Blur{Reason: ui.BlurPipeline, Shown: false})
	case e.player.IsPlaying():
		slog.Debug("pipeline: TTS playing, deferring run-end cleanup")
		e.pendingRunEnd = true
	default:
		e.pendingRunEnd = false
		e.clearTurnUI()
		e.SetState(Idle)
		if !e.unavailable {
			e.restart(0, "run_end")
		}
	}
}

func (e *Engine) onError(ev RunError) {
	slog.Info("pipeline: run error", "code", ev.Code, "message", ev.Message)
	expected := ev.Expected()
	e.metrics.RecordPipelineError(context.Background(), ev.Code, expected)

	if cb := e.askCallback; cb != nil {
		e.askCallback = nil
		slog.Info("pipeline: answer capture failed, sending empty answer", "code", ev.Code)
		cb("")
		return
	}

	if expected {
		if e.state.Interacting() {
			e.recordTurn("expected_error")
			e.SetState(Idle)
			e.clearTurnUI()
			e.ClearContinueState()
			if e.cfg.ChimeOnRequestSent && !e.player.Remote() {
				e.player.PlayChime(tts.ChimeDone)
			}
		}
		e.restart(0, "expected_error")
		return
	}

	slog.Error("pipeline: unexpected run error", "code", ev.Code, "message", ev.Message)
	wasInteracting := e.state.Interacting()
	e.handlerID.Store(noHandler)
	if wasInteracting {
		e.recordTurn("error")
		if e.cfg.ChimeOnWakeWord {
			e.player.PlayChime(tts.ChimeError)
		}
	}
	e.ui.Publish(ui.Bar{Mode: ui.BarError})
	e.unavailable = true
	e.clearTurnUI()
	e.restart(e.NextRetryDelay(), "unexpected_error")
}

func (e *Engine) onDisplaced() {
	slog.Error("pipeline: displaced, another client is using this satellite entity")
	e.Stop()
	if e.player.IsPlaying() {
		e.player.Stop()
	}
	e.clearTurnUI()
	e.ui.Publish(ui.Blur{Reason: ui.BlurAnnouncement, Shown: false})
	e.state = Idle
	e.ui.Publish(ui.StateChanged{State: Idle.String(), Unavailable: e.unavailable})
	e.ui.Publish(ui.StartRequired{Reason: ui.StartDisplaced})
	if e.hooks.Displaced != nil {
		e.hooks.Displaced()
	}
}

// ─── Idle timeout ────────────────────────────────────────────────────────────

func (e *Engine) armIdle() {
	e.idleTimer.Stop()
	e.idleTimer = nil
	if e.cfg.IdleTimeout <= 0 {
		return
	}
	e.idleTimer = e.lp.After(e.cfg.IdleTimeout, e.idleFired)
}

func (e *Engine) idleFired() {
	e.idleTimer = nil
	if !e.streaming {
		return
	}
	if e.state.Interacting() || e.player.IsPlaying() {
		e.armIdle()
		return
	}
	slog.Info("pipeline: idle timeout, refreshing run")
	e.restart(0, "idle_timeout")
}

// ─── State sync ──────────────────────────────────────────────────────────────

// stateSyncer reports states to the satellite entity in order on its own
// goroutine, skipping repeats of the last reported state.
type stateSyncer struct {
	caller transport.Caller
	entity string
	last   string
	ch     chan string
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newStateSyncer(c transport.Caller, entity string) *stateSyncer {
	s := &stateSyncer{
		caller: c,
		entity: entity,
		ch:     make(chan string, defaultSyncCapacity),
		done:   make(chan struct{}),
	}
	s.wg.Add(1)
	go s.work()
	return s
}

// push is called on the loop.
func (s *stateSyncer) push(state string) {
	if s.entity == "" || state == s.last {
		return
	}
	s.last = state
	select {
	case s.ch <- state:
	case <-s.done:
	default:
		slog.Debug("pipeline: state sync backlog full, dropping", "state", state)
	}
}

func (s *stateSyncer) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case state := <-s.ch:
			ctx, cancel := context.WithTimeout(context.Background(), unsubscribeTimeout)
			_, err := s.caller.Call(ctx, updateStateType, transport.Fields{"entity_id": s.entity, "state": state})
			cancel()
			if err != nil {
				slog.Debug("pipeline: state sync failed", "state", state, "err", err)
			}
		}
	}
}

func (s *stateSyncer) close() {
	s.once.Do(func() { close(s.done) })
	s.wg.Wait()
}

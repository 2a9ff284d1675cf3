// Package app wires the voicesat subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates the connection, the
// devices, the wake-word detector and the satellite session, Run connects and
// keeps the daemon serving, and Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithConnection,
// WithMicrophone, WithOutputs, ...). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicesat/internal/clock"
	"github.com/MrWong99/voicesat/internal/config"
	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/observe"
	"github.com/MrWong99/voicesat/internal/pipeline"
	"github.com/MrWong99/voicesat/internal/resilience"
	"github.com/MrWong99/voicesat/internal/satellite"
	"github.com/MrWong99/voicesat/internal/transport"
	"github.com/MrWong99/voicesat/internal/tts"
	"github.com/MrWong99/voicesat/internal/ui"
	"github.com/MrWong99/voicesat/internal/wakeword"
	"github.com/MrWong99/voicesat/pkg/audio"
	"github.com/MrWong99/voicesat/pkg/audio/device"
)

// Timeouts for the HTTP control server.
const (
	readHeaderTimeout = 5 * time.Second
	serverStopTimeout = 5 * time.Second
)

// Connection is the Home Assistant connection the daemon runs.
// [*transport.Client] implements it.
type Connection interface {
	transport.Conn
	Run(ctx context.Context) error
	WaitConnected(ctx context.Context) error
	Connected() bool
	Close() error
}

// Outputs are the playback voices of the satellite.
type Outputs struct {
	Speech       audio.Sink
	Notification audio.Sink
	Chimes       audio.Sink
	Media        audio.Sink
}

// App owns all subsystem lifetimes of one satellite daemon.
type App struct {
	cfg     *config.Config
	level   *slog.LevelVar
	metrics *observe.Metrics
	clk     clock.Clock

	conn     Connection
	mic      audio.Source
	outputs  *Outputs
	fetcher  tts.Fetcher
	detector satellite.WakeWord
	lp       *loop.Loop
	session  *satellite.Session
	owner    string

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithConnection injects the Home Assistant connection.
func WithConnection(c Connection) Option {
	return func(a *App) { a.conn = c }
}

// WithMicrophone injects the capture source.
func WithMicrophone(m audio.Source) Option {
	return func(a *App) { a.mic = m }
}

// WithOutputs injects the playback voices.
func WithOutputs(o Outputs) Option {
	return func(a *App) { a.outputs = &o }
}

// WithFetcher injects the media fetcher.
func WithFetcher(f tts.Fetcher) Option {
	return func(a *App) { a.fetcher = f }
}

// WithDetector injects the on-device wake-word detector.
func WithDetector(d satellite.WakeWord) Option {
	return func(a *App) { a.detector = d }
}

// WithClock sets the clock driving the session timers.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clk = c }
}

// WithMetrics sets the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevel hands the daemon's log level over to hot reloads.
func WithLevel(l *slog.LevelVar) Option {
	return func(a *App) { a.level = l }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing connects or
// opens the microphone until [App.Run].
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.lp = loop.New(a.clk)

	if err := a.initConnection(); err != nil {
		return nil, err
	}
	if err := a.initFetcher(); err != nil {
		return nil, err
	}
	if err := a.initDevices(); err != nil {
		return nil, err
	}
	a.initDetector()
	if err := a.initSession(); err != nil {
		return nil, err
	}

	observe.Logger(ctx).Info("satellite ready",
		"entity", cfg.HomeAssistant.SatelliteEntity,
		"wake_word_mode", cfg.WakeWord.Mode,
		"model", cfg.WakeWord.Model,
		"on_device_available", a.detector != nil,
	)
	return a, nil
}

func (a *App) initConnection() error {
	if a.conn != nil {
		return nil
	}
	c, err := transport.New(a.cfg.HomeAssistant.URL, a.cfg.HomeAssistant.Token)
	if err != nil {
		return fmt.Errorf("app: create connection: %w", err)
	}
	a.conn = c
	a.closers = append(a.closers, c.Close)
	return nil
}

func (a *App) initFetcher() error {
	if a.fetcher != nil {
		return nil
	}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name: "media-fetch",
		OnStateChange: func(from, to resilience.State) {
			slog.Warn("media fetch breaker changed", "from", from, "to", to)
		},
	})
	f, err := tts.NewHTTPFetcher(a.cfg.HomeAssistant.URL, a.cfg.HomeAssistant.Token, tts.WithBreaker(cb))
	if err != nil {
		return fmt.Errorf("app: create fetcher: %w", err)
	}
	a.fetcher = f
	return nil
}

func (a *App) initDevices() error {
	if a.mic == nil {
		mic := device.NewMicrophone(device.MicrophoneConfig{
			DeviceName: a.cfg.Audio.CaptureDevice,
			SampleRate: a.cfg.Audio.SampleRate,
		})
		a.mic = mic
		a.closers = append(a.closers, mic.Stop)
	}
	if a.outputs == nil {
		if a.cfg.Audio.PlaybackDevice != "" {
			slog.Warn("audio.playback_device is ignored, playing on the system default output",
				"device", a.cfg.Audio.PlaybackDevice)
		}
		spk, err := device.NewSpeaker(audio.Format{})
		if err != nil {
			return fmt.Errorf("app: open speaker: %w", err)
		}
		a.outputs = &Outputs{
			Speech:       spk,
			Notification: spk.NewVoice(),
			Chimes:       spk.NewVoice(),
			Media:        spk.NewVoice(),
		}
	}
	return nil
}

// initDetector creates the on-device detector whenever a model directory is
// configured, so the satellite's detection select can switch modes at
// runtime.
func (a *App) initDetector() {
	if a.detector != nil || a.cfg.WakeWord.ModelDir == "" {
		return
	}
	provider := wakeword.NewONNXProvider(a.cfg.WakeWord.ModelDir, a.cfg.WakeWord.ONNXLibrary)
	det := wakeword.NewDetector(provider, a.lp, wakeword.WithMetrics(a.metrics))
	a.detector = det
	a.closers = append(a.closers, det.Close, provider.Close)
}

func (a *App) initSession() error {
	deps := satellite.Deps{
		Conn:         a.conn,
		Mic:          a.mic,
		Speech:       a.outputs.Speech,
		Notification: a.outputs.Notification,
		Chimes:       a.outputs.Chimes,
		Media:        a.outputs.Media,
		Fetcher:      a.fetcher,
		Detector:     a.detector,
		Clock:        a.clk,
		Loop:         a.lp,
		Metrics:      a.metrics,
	}
	s, err := satellite.New(sessionConfig(a.cfg), deps)
	if err != nil {
		return fmt.Errorf("app: create session: %w", err)
	}
	a.session = s
	s.Register(ui.NewLogSurface(slog.Default()))

	a.owner = uuid.NewString()
	if err := s.Claim(a.owner); err != nil {
		return fmt.Errorf("app: claim session: %w", err)
	}
	return nil
}

// sessionConfig maps the daemon config onto the session.
func sessionConfig(cfg *config.Config) satellite.Config {
	return satellite.Config{
		Entity:            cfg.HomeAssistant.SatelliteEntity,
		MediaPlayerEntity: cfg.HomeAssistant.MediaPlayerEntity,
		Pipeline: pipeline.Config{
			ContinueConversation: cfg.Pipeline.Continue(),
			ChimeOnWakeWord:      cfg.Pipeline.WakeChime(),
			ChimeOnRequestSent:   cfg.Pipeline.RequestChime(),
			IdleTimeout:          cfg.Pipeline.IdleTimeout,
			Debug:                cfg.Server.Debug,
		},
		SendInterval: cfg.Audio.SendInterval,
		Volume:       cfg.TTS.Level(),
		ChimeVolume:  cfg.TTS.ChimeLevel(),
		Defaults:     settingsDefaults(cfg),
	}
}

// settingsDefaults are the satellite settings used until the entities
// report their own.
func settingsDefaults(cfg *config.Config) satellite.Settings {
	sens, _ := wakeword.ParseSensitivity(cfg.WakeWord.Sensitivity)
	target := cfg.TTS.Target
	if target == "local" {
		target = ""
	}
	return satellite.Settings{
		WakeSound:       cfg.Pipeline.WakeChime(),
		OnDevice:        cfg.WakeWord.Mode == config.WakeWordOnDevice,
		Model:           cfg.WakeWord.Model,
		Sensitivity:     sens,
		TTSTarget:       target,
		DisplayDuration: cfg.Notifications.DisplayDuration,
	}
}

// Session returns the satellite session.
func (a *App) Session() *satellite.Session { return a.session }

// Connection returns the Home Assistant connection.
func (a *App) Connection() Connection { return a.conn }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run connects to Home Assistant, starts listening once connected and serves
// handler on the configured listen address. It blocks until ctx is
// cancelled or a subsystem fails. A nil handler disables the HTTP server.
func (a *App) Run(ctx context.Context, handler http.Handler) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := a.conn.Run(ctx)
		if errors.Is(err, context.Canceled) || errors.Is(err, transport.ErrClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		if err := a.conn.WaitConnected(ctx); err != nil {
			return nil
		}
		if err := a.session.StartListening(ctx); err != nil {
			// Surfaces already got a start-required event; the operator
			// retries through the control endpoint.
			slog.Warn("satellite not listening", "err", err)
		}
		return nil
	})

	if handler != nil {
		srv := &http.Server{
			Addr:              a.cfg.Server.ListenAddr,
			Handler:           handler,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		g.Go(func() error {
			slog.Info("control server listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve %s: %w", srv.Addr, err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	return g.Wait()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops the session and tears down all subsystems in init order.
// It respects the context deadline: if ctx expires before all closers
// finish, remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.session != nil {
			a.session.Release(a.owner)
			a.session.Close()
		}
		var errs []error
		for i, closer := range a.closers {
			if ctx.Err() != nil {
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				break
			}
			if cerr := closer(); cerr != nil {
				errs = append(errs, cerr)
			}
		}
		err = errors.Join(errs...)
	})
	return err
}

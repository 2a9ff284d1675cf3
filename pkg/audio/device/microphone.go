// Package device binds [audio.Source] and [audio.Sink] to real hardware:
// capture through miniaudio (malgo) and playback through oto.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voicesat/pkg/audio"
)

// resumeTimeout bounds how long [Microphone.Resume] waits for the device.
const resumeTimeout = 800 * time.Millisecond

// MicrophoneConfig configures a [Microphone].
type MicrophoneConfig struct {
	// DeviceName selects a capture device by (case-insensitive) name
	// substring. Empty selects the system default.
	DeviceName string

	// SampleRate requested from the device. Defaults to 16000.
	SampleRate int
}

// Microphone captures mono float32 audio and fans it out to subscribers.
// It implements [audio.Source].
type Microphone struct {
	cfg    MicrophoneConfig
	fanout audio.Fanout

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	rate    int
	started time.Time
}

var _ audio.Source = (*Microphone)(nil)

// NewMicrophone returns an unstarted [Microphone].
func NewMicrophone(cfg MicrophoneConfig) *Microphone {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.TargetSampleRate
	}
	return &Microphone{cfg: cfg, rate: cfg.SampleRate}
}

// Start opens and starts the capture device. Acquisition failures are
// reported as [*audio.MicError].
func (m *Microphone) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return classify(fmt.Errorf("init context: %w", err))
	}

	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(m.cfg.SampleRate)
	devCfg.Alsa.NoMMap = 1

	if m.cfg.DeviceName != "" {
		infos, err := mctx.Devices(malgo.Capture)
		if err != nil {
			releaseContext(mctx)
			return classify(fmt.Errorf("enumerate devices: %w", err))
		}
		found := false
		for _, info := range infos {
			if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(m.cfg.DeviceName)) {
				devCfg.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			releaseContext(mctx)
			return &audio.MicError{Reason: audio.ReasonNotFound, Err: fmt.Errorf("no capture device matching %q", m.cfg.DeviceName)}
		}
	}

	m.started = time.Now()
	dev, err := malgo.InitDevice(mctx.Context, devCfg, malgo.DeviceCallbacks{
		Data: m.onData,
	})
	if err != nil {
		releaseContext(mctx)
		return classify(fmt.Errorf("init device: %w", err))
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		releaseContext(mctx)
		return classify(fmt.Errorf("start device: %w", err))
	}

	m.mctx = mctx
	m.dev = dev
	m.rate = int(dev.SampleRate())
	slog.Info("microphone started", "sample_rate", m.rate, "device", m.cfg.DeviceName)
	return nil
}

func (m *Microphone) onData(_, in []byte, _ uint32) {
	if len(in) == 0 {
		return
	}
	m.fanout.Publish(audio.Frame{
		Samples:    audio.Float32LE(in),
		SampleRate: m.SampleRate(),
		Timestamp:  time.Since(m.started),
	})
}

// Stop releases the device and its context.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	dev, mctx := m.dev, m.mctx
	m.dev, m.mctx = nil, nil
	m.mu.Unlock()
	if dev == nil {
		return nil
	}
	if err := dev.Stop(); err != nil {
		slog.Debug("microphone: stop device", "err", err)
	}
	dev.Uninit()
	releaseContext(mctx)
	return nil
}

// Pause stops the device callbacks while keeping it open.
func (m *Microphone) Pause() {
	m.mu.Lock()
	dev := m.dev
	m.mu.Unlock()
	if dev == nil {
		return
	}
	if err := dev.Stop(); err != nil {
		slog.Debug("microphone: pause", "err", err)
	}
}

// Resume restarts a paused device. It gives up after 800ms and reports a
// permission failure, matching platforms that block until the operator
// grants access.
func (m *Microphone) Resume(ctx context.Context) error {
	m.mu.Lock()
	dev := m.dev
	m.mu.Unlock()
	if dev == nil {
		return nil
	}
	if dev.IsStarted() {
		return nil
	}

	res := make(chan error, 1)
	go func() { res <- dev.Start() }()

	timer := time.NewTimer(resumeTimeout)
	defer timer.Stop()
	select {
	case err := <-res:
		if err != nil {
			return classify(fmt.Errorf("resume: %w", err))
		}
		return nil
	case <-timer.C:
		return &audio.MicError{Reason: audio.ReasonPermissionDenied, Err: errors.New("resume timed out")}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscribe implements [audio.Source].
func (m *Microphone) Subscribe(fn func(audio.Frame)) func() { return m.fanout.Subscribe(fn) }

// SampleRate implements [audio.Source].
func (m *Microphone) SampleRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate
}

// Running reports whether the device is open.
func (m *Microphone) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dev != nil
}

func releaseContext(mctx *malgo.AllocatedContext) {
	if mctx == nil {
		return
	}
	if err := mctx.Uninit(); err != nil {
		slog.Debug("microphone: release context", "err", err)
	}
	mctx.Free()
}

// classify maps a miniaudio failure onto the acquisition taxonomy.
func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "access denied"), strings.Contains(msg, "permission"):
		return &audio.MicError{Reason: audio.ReasonPermissionDenied, Err: err}
	case strings.Contains(msg, "no device"), strings.Contains(msg, "not found"), strings.Contains(msg, "no backend"):
		return &audio.MicError{Reason: audio.ReasonNotFound, Err: err}
	case strings.Contains(msg, "busy"), strings.Contains(msg, "unavailable"), strings.Contains(msg, "in use"):
		return &audio.MicError{Reason: audio.ReasonDeviceBusy, Err: err}
	}
	return err
}

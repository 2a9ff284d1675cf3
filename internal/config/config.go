// Package config provides the configuration schema, loader and hot-reload
// watcher for the voicesat daemon.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// WakeWordMode selects where the wake word is detected.
type WakeWordMode string

const (
	// WakeWordServer streams audio continuously and lets Home Assistant
	// detect the wake word.
	WakeWordServer WakeWordMode = "home_assistant"

	// WakeWordOnDevice runs the detection models locally and only streams
	// after a detection.
	WakeWordOnDevice WakeWordMode = "on_device"
)

// IsValid reports whether m is a recognised mode.
func (m WakeWordMode) IsValid() bool {
	return m == WakeWordServer || m == WakeWordOnDevice
}

// Defaults applied by [Config.applyDefaults].
const (
	DefaultListenAddr      = ":8089"
	DefaultSampleRate      = 16000
	DefaultSendInterval    = 100 * time.Millisecond
	DefaultModel           = "ok_nabu"
	DefaultSensitivity     = "Moderately sensitive"
	DefaultVolume          = 100
	DefaultDisplayDuration = 5 * time.Second
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	HomeAssistant HomeAssistantConfig `yaml:"home_assistant"`
	Audio         AudioConfig         `yaml:"audio"`
	WakeWord      WakeWordConfig      `yaml:"wake_word"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	TTS           TTSConfig           `yaml:"tts"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

// ServerConfig holds the local HTTP and logging settings.
type ServerConfig struct {
	// ListenAddr serves the control, health and metrics endpoints.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// Debug logs every backend pipeline event.
	Debug bool `yaml:"debug"`
}

// HomeAssistantConfig locates the Home Assistant instance and the satellite.
type HomeAssistantConfig struct {
	// URL is the base URL, e.g. "http://homeassistant.local:8123".
	// VOICESAT_HA_URL overrides it.
	URL string `yaml:"url"`

	// Token is a long-lived access token. VOICESAT_HA_TOKEN overrides it.
	Token string `yaml:"token"`

	// SatelliteEntity is the assist_satellite entity this daemon drives.
	SatelliteEntity string `yaml:"satellite_entity"`

	// MediaPlayerEntity is the satellite's media_player entity, used for
	// state reports. Optional.
	MediaPlayerEntity string `yaml:"media_player_entity"`
}

// AudioConfig selects the audio devices.
type AudioConfig struct {
	// CaptureDevice and PlaybackDevice match a device name substring.
	// Empty selects the system default.
	CaptureDevice  string `yaml:"capture_device"`
	PlaybackDevice string `yaml:"playback_device"`

	// SampleRate is the device-native capture rate.
	SampleRate int `yaml:"sample_rate"`

	// SendInterval is the outbound audio cadence.
	SendInterval time.Duration `yaml:"send_interval"`
}

// WakeWordConfig holds the wake-word defaults. The satellite's settings
// entities override them at runtime.
type WakeWordConfig struct {
	Mode        WakeWordMode `yaml:"mode"`
	Model       string       `yaml:"model"`
	Sensitivity string       `yaml:"sensitivity"`

	// ModelDir holds the ONNX model files. Required for on-device mode.
	ModelDir string `yaml:"model_dir"`

	// ONNXLibrary is the onnxruntime shared library path. Empty uses the
	// platform default.
	ONNXLibrary string `yaml:"onnx_library"`
}

// PipelineConfig tunes the turn state machine.
type PipelineConfig struct {
	// IdleTimeout refreshes a quiet run. Zero disables it.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	ContinueConversation *bool `yaml:"continue_conversation"`
	ChimeOnWakeWord      *bool `yaml:"chime_on_wake_word"`
	ChimeOnRequestSent   *bool `yaml:"chime_on_request_sent"`
}

// TTSConfig configures playback.
type TTSConfig struct {
	// Target is empty or "local" for the local speaker, or a
	// media_player entity.
	Target string `yaml:"target"`

	// Volume and ChimeVolume range from 0 to 100.
	Volume      *int `yaml:"volume"`
	ChimeVolume *int `yaml:"chime_volume"`
}

// NotificationsConfig configures announcements.
type NotificationsConfig struct {
	DisplayDuration time.Duration `yaml:"display_duration"`
}

// Level returns the output volume as a fraction.
func (t TTSConfig) Level() float64 { return percent(t.Volume) }

// ChimeLevel returns the chime volume as a fraction.
func (t TTSConfig) ChimeLevel() float64 { return percent(t.ChimeVolume) }

func percent(v *int) float64 {
	if v == nil {
		return 1
	}
	return float64(*v) / 100
}

// enabled reads an optional flag that defaults to true.
func enabled(b *bool) bool { return b == nil || *b }

// Continue reports whether follow-up turns are enabled.
func (p PipelineConfig) Continue() bool { return enabled(p.ContinueConversation) }

// WakeChime reports whether the wake and error chimes play.
func (p PipelineConfig) WakeChime() bool { return enabled(p.ChimeOnWakeWord) }

// RequestChime reports whether the done chime plays after an expected
// error.
func (p PipelineConfig) RequestChime() bool { return enabled(p.ChimeOnRequestSent) }

// applyDefaults fills zero values.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = DefaultSampleRate
	}
	if c.Audio.SendInterval == 0 {
		c.Audio.SendInterval = DefaultSendInterval
	}
	if c.WakeWord.Mode == "" {
		c.WakeWord.Mode = WakeWordServer
	}
	if c.WakeWord.Model == "" {
		c.WakeWord.Model = DefaultModel
	}
	if c.WakeWord.Sensitivity == "" {
		c.WakeWord.Sensitivity = DefaultSensitivity
	}
	if c.TTS.Volume == nil {
		v := DefaultVolume
		c.TTS.Volume = &v
	}
	if c.TTS.ChimeVolume == nil {
		v := DefaultVolume
		c.TTS.ChimeVolume = &v
	}
	if c.Notifications.DisplayDuration == 0 {
		c.Notifications.DisplayDuration = DefaultDisplayDuration
	}
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicesat/internal/wakeword"
)

// Environment variables overriding the file.
const (
	EnvToken = "VOICESAT_HA_TOKEN"
	EnvURL   = "VOICESAT_HA_URL"
)

// suggestThreshold is the minimum Jaro-Winkler similarity for a "did you
// mean" hint.
const suggestThreshold = 0.8

// LoadEnv loads .env style files into the process environment. Missing
// files are skipped; variables already set win.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load env file %q: %w", f, err)
		}
		slog.Debug("config: loaded env file", "path", f)
	}
	return nil
}

// Load reads the YAML configuration file at path, applies the environment
// overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data, true)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// Environment overrides are not applied.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	return parse(data, false)
}

func parse(data []byte, env bool) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if env {
		applyEnv(cfg)
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvToken); v != "" {
		cfg.HomeAssistant.Token = v
	}
	if v := os.Getenv(EnvURL); v != "" {
		cfg.HomeAssistant.URL = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Home Assistant
	ha := cfg.HomeAssistant
	if ha.URL == "" {
		errs = append(errs, fmt.Errorf("home_assistant.url is required (or set %s)", EnvURL))
	} else if u, err := url.Parse(ha.URL); err != nil || u.Host == "" || !validScheme(u.Scheme) {
		errs = append(errs, fmt.Errorf("home_assistant.url %q must be an http(s) or ws(s) URL", ha.URL))
	}
	if ha.Token == "" {
		errs = append(errs, fmt.Errorf("home_assistant.token is required (or set %s)", EnvToken))
	}
	if ha.SatelliteEntity == "" {
		errs = append(errs, errors.New("home_assistant.satellite_entity is required"))
	} else if !strings.HasPrefix(ha.SatelliteEntity, "assist_satellite.") {
		errs = append(errs, fmt.Errorf("home_assistant.satellite_entity %q is not an assist_satellite entity", ha.SatelliteEntity))
	}
	if ha.MediaPlayerEntity != "" && !strings.HasPrefix(ha.MediaPlayerEntity, "media_player.") {
		errs = append(errs, fmt.Errorf("home_assistant.media_player_entity %q is not a media_player entity", ha.MediaPlayerEntity))
	}

	// Audio
	if cfg.Audio.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", cfg.Audio.SampleRate))
	}
	if cfg.Audio.SendInterval < 0 {
		errs = append(errs, fmt.Errorf("audio.send_interval %v must not be negative", cfg.Audio.SendInterval))
	}

	// Wake word
	ww := cfg.WakeWord
	if ww.Mode != "" && !ww.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("wake_word.mode %q is invalid; valid values: home_assistant, on_device", ww.Mode))
	}
	if ww.Model != "" && !knownModel(ww) {
		err := fmt.Errorf("wake_word.model %q is unknown; known models: %s", ww.Model, strings.Join(wakeword.KnownModels(), ", "))
		if s := suggest(ww.Model, wakeword.KnownModels()); s != "" {
			err = fmt.Errorf("wake_word.model %q is unknown; did you mean %q?", ww.Model, s)
		}
		errs = append(errs, err)
	}
	if ww.Sensitivity != "" {
		if _, ok := wakeword.ParseSensitivity(ww.Sensitivity); !ok {
			errs = append(errs, fmt.Errorf("wake_word.sensitivity %q is invalid; valid values: %q, %q, %q",
				ww.Sensitivity, wakeword.SensitivitySlight, wakeword.SensitivityModerate, wakeword.SensitivityVery))
		}
	}
	if ww.Mode == WakeWordOnDevice && ww.ModelDir == "" {
		errs = append(errs, errors.New("wake_word.model_dir is required when wake_word.mode is on_device"))
	}

	// Pipeline
	if cfg.Pipeline.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("pipeline.idle_timeout %v must not be negative", cfg.Pipeline.IdleTimeout))
	}

	// TTS
	if t := cfg.TTS.Target; t != "" && t != "local" && !strings.HasPrefix(t, "media_player.") {
		errs = append(errs, fmt.Errorf("tts.target %q must be empty, \"local\" or a media_player entity", t))
	}
	for name, v := range map[string]*int{"tts.volume": cfg.TTS.Volume, "tts.chime_volume": cfg.TTS.ChimeVolume} {
		if v != nil && (*v < 0 || *v > 100) {
			errs = append(errs, fmt.Errorf("%s %d is out of range [0, 100]", name, *v))
		}
	}

	// Notifications
	if cfg.Notifications.DisplayDuration < 0 {
		errs = append(errs, fmt.Errorf("notifications.display_duration %v must not be negative", cfg.Notifications.DisplayDuration))
	}

	return errors.Join(errs...)
}

func validScheme(s string) bool {
	switch s {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

// knownModel accepts the bundled models and custom keyword files present in
// the model directory.
func knownModel(ww WakeWordConfig) bool {
	for _, m := range wakeword.KnownModels() {
		if m == ww.Model {
			return true
		}
	}
	if ww.ModelDir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(ww.ModelDir, wakeword.KeywordFile(ww.Model)+".onnx"))
	return err == nil
}

// suggest returns the candidate closest to name, or "" when none is close
// enough.
func suggest(name string, candidates []string) string {
	best, score := "", 0.0
	for _, c := range candidates {
		if s := matchr.JaroWinkler(strings.ToLower(name), c, false); s > score {
			best, score = c, s
		}
	}
	if score < suggestThreshold {
		return ""
	}
	return best
}

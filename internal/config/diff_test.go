package config_test

import (
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicesat/internal/config"
)

func mustLoad(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return cfg
}

func TestDiff_Identical(t *testing.T) {
	t.Parallel()
	a, b := mustLoad(t, minimalYAML), mustLoad(t, minimalYAML)
	if d := config.Diff(a, b); !d.Empty() {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_HotReloadable(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, minimalYAML)
	new := mustLoad(t, minimalYAML+`
server:
  log_level: warn
wake_word:
  model: alexa
pipeline:
  idle_timeout: 1m
  continue_conversation: false
  chime_on_request_sent: false
tts:
  target: media_player.den
  volume: 50
notifications:
  display_duration: 8s
`)
	d := config.Diff(old, new)

	if !d.LogLevelChanged || d.NewLogLevel != config.LogWarn {
		t.Errorf("log level: got %v %q", d.LogLevelChanged, d.NewLogLevel)
	}
	checks := map[string]bool{
		"WakeWordChanged":        d.WakeWordChanged,
		"IdleTimeoutChanged":     d.IdleTimeoutChanged,
		"ContinueChanged":        d.ContinueChanged,
		"ChimesChanged":          d.ChimesChanged,
		"TTSChanged":             d.TTSChanged,
		"VolumeChanged":          d.VolumeChanged,
		"DisplayDurationChanged": d.DisplayDurationChanged,
	}
	for name, changed := range checks {
		if !changed {
			t.Errorf("%s = false, want true", name)
		}
	}
	if d.ChimeVolumeChanged || d.DebugChanged {
		t.Errorf("unexpected changes: %+v", d)
	}
	if !d.Defaults() {
		t.Error("Defaults() = false, want true")
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old := mustLoad(t, minimalYAML)
	new := mustLoad(t, `
server:
  listen_addr: ":9000"
home_assistant:
  url: http://homeassistant.local:8123
  token: rotated
  satellite_entity: assist_satellite.kitchen
audio:
  send_interval: 50ms
`)
	d := config.Diff(old, new)
	for _, key := range []string{"server.listen_addr", "home_assistant", "audio"} {
		if !slices.Contains(d.RestartRequired, key) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, key)
		}
	}
	if d.Defaults() {
		t.Error("Defaults() = true, want false")
	}
	if new.Audio.SendInterval != 50*time.Millisecond {
		t.Errorf("send_interval: got %v", new.Audio.SendInterval)
	}
}

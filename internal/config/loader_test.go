package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/voicesat/internal/config"
)

const minimalYAML = `
home_assistant:
  url: http://homeassistant.local:8123
  token: secret
  satellite_entity: assist_satellite.kitchen
`

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.ListenAddr != config.DefaultListenAddr {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level: got %q", cfg.Server.LogLevel)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.SendInterval != 100*time.Millisecond {
		t.Errorf("audio: got %+v", cfg.Audio)
	}
	if cfg.WakeWord.Mode != config.WakeWordServer || cfg.WakeWord.Model != "ok_nabu" || cfg.WakeWord.Sensitivity != "Moderately sensitive" {
		t.Errorf("wake_word: got %+v", cfg.WakeWord)
	}
	if !cfg.Pipeline.Continue() || !cfg.Pipeline.WakeChime() || !cfg.Pipeline.RequestChime() {
		t.Error("pipeline flags should default to true")
	}
	if cfg.TTS.Level() != 1 || cfg.TTS.ChimeLevel() != 1 {
		t.Errorf("volumes: got %v/%v", cfg.TTS.Level(), cfg.TTS.ChimeLevel())
	}
	if cfg.Notifications.DisplayDuration != 5*time.Second {
		t.Errorf("display_duration: got %v", cfg.Notifications.DisplayDuration)
	}
}

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
server:
  log_level: debug
  debug: true
pipeline:
  idle_timeout: 30s
  continue_conversation: false
  chime_on_wake_word: false
tts:
  target: media_player.living_room
  volume: 40
  chime_volume: 0
notifications:
  display_duration: 12s
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.Server.Debug || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server: got %+v", cfg.Server)
	}
	if cfg.Pipeline.IdleTimeout != 30*time.Second || cfg.Pipeline.Continue() || cfg.Pipeline.WakeChime() || !cfg.Pipeline.RequestChime() {
		t.Errorf("pipeline: got %+v", cfg.Pipeline)
	}
	if cfg.TTS.Level() != 0.4 || cfg.TTS.ChimeLevel() != 0 {
		t.Errorf("volumes: got %v/%v", cfg.TTS.Level(), cfg.TTS.ChimeLevel())
	}
	if cfg.Notifications.DisplayDuration != 12*time.Second {
		t.Errorf("display_duration: got %v", cfg.Notifications.DisplayDuration)
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nbogus: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field, got nil")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "empty config",
			yaml: ``,
			want: []string{"home_assistant.url is required", "home_assistant.token is required", "satellite_entity is required"},
		},
		{
			name: "bad url and entities",
			yaml: `
home_assistant:
  url: ftp://nowhere
  token: x
  satellite_entity: switch.kitchen
  media_player_entity: light.kitchen
`,
			want: []string{"must be an http(s) or ws(s) URL", "not an assist_satellite entity", "not a media_player entity"},
		},
		{
			name: "bad enums",
			yaml: minimalYAML + `
server:
  log_level: bananas
wake_word:
  mode: cloud
  sensitivity: Extremely sensitive
`,
			want: []string{"server.log_level", "wake_word.mode", "wake_word.sensitivity"},
		},
		{
			name: "on device needs model dir",
			yaml: minimalYAML + `
wake_word:
  mode: on_device
`,
			want: []string{"model_dir is required"},
		},
		{
			name: "ranges",
			yaml: minimalYAML + `
pipeline:
  idle_timeout: -1s
tts:
  target: speaker
  volume: 101
  chime_volume: -5
notifications:
  display_duration: -3s
`,
			want: []string{"idle_timeout", "tts.target", "tts.volume 101", "tts.chime_volume -5", "display_duration"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error should mention %q, got: %v", w, err)
				}
			}
		})
	}
}

func TestValidate_ModelSuggestion(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + `
wake_word:
  model: hey_jarvi
`))
	if err == nil {
		t.Fatal("expected error for unknown model, got nil")
	}
	if !strings.Contains(err.Error(), `did you mean "hey_jarvis"`) {
		t.Errorf("error should suggest hey_jarvis, got: %v", err)
	}

	_, err = config.LoadFromReader(strings.NewReader(minimalYAML + `
wake_word:
  model: zzzzzz
`))
	if err == nil || !strings.Contains(err.Error(), "known models") {
		t.Errorf("error should list known models, got: %v", err)
	}
}

func TestValidate_CustomModelInModelDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "computer.onnx"), "model")

	yaml := minimalYAML + `
wake_word:
  mode: on_device
  model: computer
  model_dir: ` + dir + "\n"
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.WakeWord.Model != "computer" {
		t.Errorf("model: got %q", cfg.WakeWord.Model)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, `
home_assistant:
  url: http://from-file:8123
  satellite_entity: assist_satellite.kitchen
`)
	t.Setenv(config.EnvToken, "env-token")
	t.Setenv(config.EnvURL, "https://from-env:8123")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HomeAssistant.Token != "env-token" {
		t.Errorf("token: got %q", cfg.HomeAssistant.Token)
	}
	if cfg.HomeAssistant.URL != "https://from-env:8123" {
		t.Errorf("url: got %q", cfg.HomeAssistant.URL)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	writeFile(t, env, "VOICESAT_TEST_LOADENV=from-dotenv\n")
	t.Setenv("VOICESAT_TEST_LOADENV", "")
	os.Unsetenv("VOICESAT_TEST_LOADENV")

	if err := config.LoadEnv(filepath.Join(dir, "missing.env"), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := os.Getenv("VOICESAT_TEST_LOADENV"); got != "from-dotenv" {
		t.Errorf("env: got %q, want from-dotenv", got)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file %q: %v", path, err)
	}
}

package app

import (
	"log/slog"
	"testing"
	"time"

	"github.com/MrWong99/voicesat/internal/config"
	"github.com/MrWong99/voicesat/internal/satellite"
	"github.com/MrWong99/voicesat/internal/wakeword"
)

type reconfig struct {
	defaults    *satellite.Settings
	idle        *time.Duration
	cont        *bool
	volume      *float64
	chimeVolume *float64
}

func (r *reconfig) SetDefaults(d satellite.Settings) { r.defaults = &d }
func (r *reconfig) SetIdleTimeout(d time.Duration) { r.idle = &d }
func (r *reconfig) SetContinueConversation(on bool) { r.cont = &on }
func (r *reconfig) SetVolume(v float64) { r.volume = &v }
func (r *reconfig) SetChimeVolume(v float64) { r.chimeVolume = &v }

func baseConfig() *config.Config {
	vol, chime := 100, 100
	return &config.Config{
		Server:        config.ServerConfig{LogLevel: config.LogInfo},
		WakeWord:      config.WakeWordConfig{Mode: config.WakeWordServer, Model: "ok_nabu", Sensitivity: "Moderately sensitive"},
		TTS:           config.TTSConfig{Volume: &vol, ChimeVolume: &chime},
		Notifications: config.NotificationsConfig{DisplayDuration: 5 * time.Second},
	}
}

func TestApplyConfig_NoChanges(t *testing.T) {
	var level slog.LevelVar
	r := &reconfig{}
	d := applyConfig(&level, r, baseConfig(), baseConfig())
	if !d.Empty() {
		t.Errorf("diff = %+v, want empty", d)
	}
	if r.defaults != nil || r.idle != nil || r.cont != nil || r.volume != nil || r.chimeVolume != nil {
		t.Errorf("setters called without changes: %+v", r)
	}
}

func TestApplyConfig_HotReload(t *testing.T) {
	var level slog.LevelVar
	r := &reconfig{}

	next := baseConfig()
	next.Server.LogLevel = config.LogDebug
	next.WakeWord.Model = "hey_jarvis"
	next.WakeWord.Sensitivity = "Very sensitive"
	next.Pipeline.IdleTimeout = 45 * time.Second
	off := false
	next.Pipeline.ContinueConversation = &off
	vol := 30
	next.TTS.Volume = &vol
	next.TTS.Target = "local"

	applyConfig(&level, r, baseConfig(), next)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	if r.defaults == nil {
		t.Fatal("SetDefaults not called")
	}
	if r.defaults.Model != "hey_jarvis" || r.defaults.Sensitivity != wakeword.SensitivityVery {
		t.Errorf("defaults = %+v", *r.defaults)
	}
	if r.defaults.TTSTarget != "" {
		t.Errorf("local target should map to the local speaker, got %q", r.defaults.TTSTarget)
	}
	if r.idle == nil || *r.idle != 45*time.Second {
		t.Errorf("idle timeout = %v", r.idle)
	}
	if r.cont == nil || *r.cont {
		t.Errorf("continue = %v, want false", r.cont)
	}
	if r.volume == nil || *r.volume != 0.3 {
		t.Errorf("volume = %v, want 0.3", r.volume)
	}
	if r.chimeVolume != nil {
		t.Error("chime volume changed unexpectedly")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   config.LogLevel
		want slog.Level
	}{
		{config.LogDebug, slog.LevelDebug},
		{config.LogInfo, slog.LevelInfo},
		{config.LogWarn, slog.LevelWarn},
		{config.LogError, slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

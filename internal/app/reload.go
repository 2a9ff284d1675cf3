package app

import (
	"log/slog"
	"time"

	"github.com/MrWong99/voicesat/internal/config"
	"github.com/MrWong99/voicesat/internal/satellite"
)

// Reconfigurable is the hot-reloadable part of a satellite.
// [*satellite.Session] implements it.
type Reconfigurable interface {
	SetDefaults(d satellite.Settings)
	SetIdleTimeout(d time.Duration)
	SetContinueConversation(on bool)
	SetVolume(v float64)
	SetChimeVolume(v float64)
}

// ParseLevel maps a config log level onto slog.
func ParseLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// ApplyConfig applies the hot-reloadable changes between old and new. It
// is the [config.Watcher] callback.
func (a *App) ApplyConfig(old, new *config.Config) {
	applyConfig(a.level, a.session, old, new)
}

func applyConfig(level *slog.LevelVar, r Reconfigurable, old, new *config.Config) config.ConfigDiff {
	d := config.Diff(old, new)
	if d.Empty() {
		return d
	}

	if d.LogLevelChanged {
		level.Set(ParseLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.Defaults() {
		r.SetDefaults(settingsDefaults(new))
	}
	if d.IdleTimeoutChanged {
		r.SetIdleTimeout(new.Pipeline.IdleTimeout)
	}
	if d.ContinueChanged {
		r.SetContinueConversation(new.Pipeline.Continue())
	}
	if d.VolumeChanged {
		r.SetVolume(new.TTS.Level())
	}
	if d.ChimeVolumeChanged {
		r.SetChimeVolume(new.TTS.ChimeLevel())
	}
	if d.DebugChanged {
		slog.Warn("server.debug applies on restart", "debug", new.Server.Debug)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes need a restart", "keys", d.RestartRequired)
	}
	return d
}

package config

// ConfigDiff describes what changed between two configs.
// Fields that cannot be hot-reloaded are reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	DebugChanged bool

	// WakeWordChanged covers the model and sensitivity defaults.
	WakeWordChanged bool

	IdleTimeoutChanged bool
	ContinueChanged    bool
	ChimesChanged      bool

	// TTSChanged covers the target default.
	TTSChanged         bool
	VolumeChanged      bool
	ChimeVolumeChanged bool

	DisplayDurationChanged bool

	// RestartRequired lists the changed keys that only take effect after a
	// restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.DebugChanged && !d.WakeWordChanged &&
		!d.IdleTimeoutChanged && !d.ContinueChanged && !d.ChimesChanged &&
		!d.TTSChanged && !d.VolumeChanged && !d.ChimeVolumeChanged &&
		!d.DisplayDurationChanged && len(d.RestartRequired) == 0
}

// Defaults reports whether the satellite setting defaults need reapplying.
func (d ConfigDiff) Defaults() bool {
	return d.WakeWordChanged || d.ChimesChanged || d.TTSChanged || d.DisplayDurationChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.DebugChanged = old.Server.Debug != new.Server.Debug

	d.WakeWordChanged = old.WakeWord.Model != new.WakeWord.Model ||
		old.WakeWord.Sensitivity != new.WakeWord.Sensitivity

	d.IdleTimeoutChanged = old.Pipeline.IdleTimeout != new.Pipeline.IdleTimeout
	d.ContinueChanged = old.Pipeline.Continue() != new.Pipeline.Continue()
	d.ChimesChanged = old.Pipeline.WakeChime() != new.Pipeline.WakeChime() ||
		old.Pipeline.RequestChime() != new.Pipeline.RequestChime()

	d.TTSChanged = old.TTS.Target != new.TTS.Target
	d.VolumeChanged = old.TTS.Level() != new.TTS.Level()
	d.ChimeVolumeChanged = old.TTS.ChimeLevel() != new.TTS.ChimeLevel()

	d.DisplayDurationChanged = old.Notifications.DisplayDuration != new.Notifications.DisplayDuration

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("home_assistant", old.HomeAssistant != new.HomeAssistant)
	restart("audio", old.Audio != new.Audio)
	restart("wake_word.mode", old.WakeWord.Mode != new.WakeWord.Mode)
	restart("wake_word.model_dir", old.WakeWord.ModelDir != new.WakeWord.ModelDir)
	restart("wake_word.onnx_library", old.WakeWord.ONNXLibrary != new.WakeWord.ONNXLibrary)

	return d
}

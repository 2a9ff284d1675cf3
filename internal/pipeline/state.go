package pipeline

// State is the turn state of the satellite.
type State int

const (
	Idle State = iota
	Connecting
	Listening
	WakeWordDetected
	STT
	Intent
	TTS
	Paused
	Error
)

var stateNames = [...]string{
	Idle:             "IDLE",
	Connecting:       "CONNECTING",
	Listening:        "LISTENING",
	WakeWordDetected: "WAKE_WORD_DETECTED",
	STT:              "STT",
	Intent:           "INTENT",
	TTS:              "TTS",
	Paused:           "PAUSED",
	Error:            "ERROR",
}

// String returns the name synced to the satellite entity.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Interacting reports whether s belongs to an active turn.
func (s State) Interacting() bool {
	switch s {
	case WakeWordDetected, STT, Intent, TTS:
		return true
	}
	return false
}

// Stage is a pipeline stage name understood by the backend.
type Stage string

const (
	StageWakeWord Stage = "wake_word"
	StageSTT      Stage = "stt"
	StageIntent   Stage = "intent"
	StageTTS      Stage = "tts"
)

// lifecycle is the run lifecycle. Restarts are mutually exclusive because
// only one value can be held at a time.
type lifecycle int

const (
	lifeStopped lifecycle = iota
	lifeStarting
	lifeLive
	lifeRestarting
)

func (l lifecycle) String() string {
	switch l {
	case lifeStopped:
		return "stopped"
	case lifeStarting:
		return "starting"
	case lifeLive:
		return "live"
	case lifeRestarting:
		return "restarting"
	}
	return "unknown"
}

package wakeword

import (
	"slices"
	"strings"
)

// Sensitivity is the operator-facing detection sensitivity label.
type Sensitivity string

const (
	SensitivitySlight   Sensitivity = "Slightly sensitive"
	SensitivityModerate Sensitivity = "Moderately sensitive"
	SensitivityVery     Sensitivity = "Very sensitive"
)

// DefaultModel is the wake word used when none is configured.
const DefaultModel = "ok_nabu"

// thresholds maps model name to per-sensitivity cutoffs. Score distributions
// differ per model, so every model gets its own row.
var thresholds = map[string]map[Sensitivity]float32{
	"ok_nabu":     {SensitivitySlight: 0.65, SensitivityModerate: 0.50, SensitivityVery: 0.35},
	"hey_jarvis":  {SensitivitySlight: 0.70, SensitivityModerate: 0.55, SensitivityVery: 0.40},
	"hey_mycroft": {SensitivitySlight: 0.70, SensitivityModerate: 0.55, SensitivityVery: 0.40},
	"alexa":       {SensitivitySlight: 0.70, SensitivityModerate: 0.55, SensitivityVery: 0.40},
	"hey_rhasspy": {SensitivitySlight: 0.70, SensitivityModerate: 0.55, SensitivityVery: 0.40},
}

var defaultThresholds = map[Sensitivity]float32{
	SensitivitySlight:   0.70,
	SensitivityModerate: 0.55,
	SensitivityVery:     0.40,
}

// keywordFiles maps model name to its keyword classifier file stem.
var keywordFiles = map[string]string{
	"ok_nabu":     "ok_nabu",
	"hey_jarvis":  "hey_jarvis_v0.1",
	"alexa":       "alexa_v0.1",
	"hey_mycroft": "hey_mycroft_v0.1",
	"hey_rhasspy": "hey_rhasspy_v0.1",
}

// Shared feature models, loaded once and reused across keyword switches.
const (
	melFile       = "melspectrogram"
	embeddingFile = "embedding_model"
	vadFile       = "silero_vad"
)

// Threshold returns the cutoff for model at sensitivity. Unknown models use
// the default row; an unknown sensitivity gets the default moderate cutoff
// whatever the model.
func Threshold(model string, s Sensitivity) float32 {
	row, ok := thresholds[model]
	if !ok {
		row = defaultThresholds
	}
	if t, ok := row[s]; ok {
		return t
	}
	return defaultThresholds[SensitivityModerate]
}

// KeywordFile returns the classifier file stem for model. Unknown names are
// used verbatim so custom models can be dropped into the model directory.
func KeywordFile(model string) string {
	if f, ok := keywordFiles[model]; ok {
		return f
	}
	return model
}

// KnownModels lists the bundled wake words in sorted order.
func KnownModels() []string {
	names := make([]string, 0, len(keywordFiles))
	for name := range keywordFiles {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ParseSensitivity maps a label to a [Sensitivity], case-insensitively.
func ParseSensitivity(label string) (Sensitivity, bool) {
	for _, s := range []Sensitivity{SensitivitySlight, SensitivityModerate, SensitivityVery} {
		if strings.EqualFold(label, string(s)) {
			return s, true
		}
	}
	return "", false
}

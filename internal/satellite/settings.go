package satellite

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/voicesat/internal/wakeword"
)

// Backend command types used for settings.
const (
	entityRegistryType    = "config/entity_registry/list"
	subscribeEntitiesType = "subscribe_entities"
	integrationPlatform   = "voice_satellite"
)

// Translation keys of the satellite's sibling entities, which double as the
// fallback attribute names on the satellite entity itself.
const (
	keyMute            = "mute"
	keyWakeSound       = "wake_sound"
	keyDetection       = "wake_word_detection"
	keyModel           = "wake_word_model"
	keySensitivity     = "wake_word_sensitivity"
	keyTTSOutput       = "tts_output"
	keyDisplayDuration = "announcement_display_duration"

	attrMuted          = "muted"
	attrActiveTimers   = "active_timers"
	attrLastTimerEvent = "last_timer_event"

	detectionOnDevice = "On Device"
)

// settingKeys are the translation keys resolved to sibling entities.
var settingKeys = []string{
	keyMute, keyWakeSound, keyDetection, keyModel, keySensitivity, keyTTSOutput, keyDisplayDuration,
}

// Settings is the live configuration of a satellite: the configured
// defaults overlaid with whatever the Home Assistant entities report.
type Settings struct {
	Muted           bool
	WakeSound       bool
	OnDevice        bool
	Model           string
	Sensitivity     wakeword.Sensitivity
	TTSTarget       string
	DisplayDuration time.Duration

	ActiveTimers   json.RawMessage
	LastTimerEvent string
}

// wakeWordChanged reports whether switching from s to next needs the
// detection mode or model swapped.
func (s Settings) wakeWordChanged(next Settings) bool {
	return s.OnDevice != next.OnDevice || (next.OnDevice && s.Model != next.Model)
}

// ─── Entity registry ─────────────────────────────────────────────────────────

type registryEntry struct {
	EntityID       string  `json:"entity_id"`
	DeviceID       *string `json:"device_id"`
	Platform       string  `json:"platform"`
	TranslationKey *string `json:"translation_key"`
}

// siblingEntities maps the setting translation keys to the entity ids that
// share the satellite's device.
func siblingEntities(raw json.RawMessage, satellite string) (map[string]string, error) {
	var entries []registryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("satellite: decode entity registry: %w", err)
	}
	var device string
	for _, e := range entries {
		if e.EntityID == satellite && e.DeviceID != nil {
			device = *e.DeviceID
			break
		}
	}
	out := make(map[string]string)
	if device == "" {
		return out, nil
	}
	for _, e := range entries {
		if e.DeviceID == nil || *e.DeviceID != device || e.Platform != integrationPlatform || e.TranslationKey == nil {
			continue
		}
		if slices.Contains(settingKeys, *e.TranslationKey) {
			out[*e.TranslationKey] = e.EntityID
		}
	}
	return out, nil
}

// ─── Entity cache ────────────────────────────────────────────────────────────

type entityState struct {
	State string
	Attrs map[string]json.RawMessage
}

// compressedState is one entity in a subscribe_entities message.
type compressedState struct {
	State *string                    `json:"s"`
	Attrs map[string]json.RawMessage `json:"a"`
}

type compressedDiff struct {
	Add    *compressedState `json:"+"`
	Remove *struct {
		Attrs []string `json:"a"`
	} `json:"-,"`
}

type entitiesMessage struct {
	Added   map[string]compressedState `json:"a"`
	Changed map[string]compressedDiff  `json:"c"`
	Removed []string                   `json:"r"`
}

// entityCache mirrors the states of the subscribed entities.
type entityCache struct {
	states map[string]*entityState
}

func newEntityCache() *entityCache {
	return &entityCache{states: make(map[string]*entityState)}
}

func (c *entityCache) reset() { clear(c.states) }

// apply merges one subscribe_entities message.
func (c *entityCache) apply(raw json.RawMessage) error {
	var msg entitiesMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("satellite: decode entity update: %w", err)
	}
	for id, st := range msg.Added {
		es := &entityState{Attrs: maps.Clone(st.Attrs)}
		if es.Attrs == nil {
			es.Attrs = make(map[string]json.RawMessage)
		}
		if st.State != nil {
			es.State = *st.State
		}
		c.states[id] = es
	}
	for id, diff := range msg.Changed {
		es, ok := c.states[id]
		if !ok {
			es = &entityState{Attrs: make(map[string]json.RawMessage)}
			c.states[id] = es
		}
		if diff.Add != nil {
			if diff.Add.State != nil {
				es.State = *diff.Add.State
			}
			maps.Copy(es.Attrs, diff.Add.Attrs)
		}
		if diff.Remove != nil {
			for _, name := range diff.Remove.Attrs {
				delete(es.Attrs, name)
			}
		}
	}
	for _, id := range msg.Removed {
		delete(c.states, id)
	}
	return nil
}

func (c *entityCache) state(id string) (string, bool) {
	es, ok := c.states[id]
	if !ok || es.State == "" || es.State == "unavailable" || es.State == "unknown" {
		return "", false
	}
	return es.State, true
}

func (c *entityCache) attr(id, name string) (json.RawMessage, bool) {
	es, ok := c.states[id]
	if !ok {
		return nil, false
	}
	v, ok := es.Attrs[name]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}

func (c *entityCache) attrString(id, name string) (string, bool) {
	raw, ok := c.attr(id, name)
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

func (c *entityCache) attrBool(id, name string) (bool, bool) {
	raw, ok := c.attr(id, name)
	if !ok {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

func (c *entityCache) attrNumber(id, name string) (float64, bool) {
	raw, ok := c.attr(id, name)
	if !ok {
		return 0, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	return f, err == nil
}

// number reads the display duration from the number entity sibling, then
// from the satellite attribute.
func (c *entityCache) number(satellite, sibling string) (float64, bool) {
	if sibling != "" {
		if st, ok := c.state(sibling); ok {
			if f, err := strconv.ParseFloat(st, 64); err == nil {
				return f, true
			}
		}
	}
	return c.attrNumber(satellite, keyDisplayDuration)
}

// ─── Resolution ──────────────────────────────────────────────────────────────

// resolve overlays the entity states on defaults. A sibling entity wins
// over the satellite attribute of the same name.
func (c *entityCache) resolve(satellite string, siblings map[string]string, defaults Settings) Settings {
	s := defaults

	switchState := func(key, attr string, def bool) bool {
		if id, ok := siblings[key]; ok {
			if st, ok := c.state(id); ok {
				return st == "on"
			}
		}
		if b, ok := c.attrBool(satellite, attr); ok {
			return b
		}
		return def
	}
	selectState := func(key string) (string, bool) {
		if id, ok := siblings[key]; ok {
			if st, ok := c.state(id); ok {
				return st, true
			}
		}
		return c.attrString(satellite, key)
	}

	s.Muted = switchState(keyMute, attrMuted, defaults.Muted)
	s.WakeSound = switchState(keyWakeSound, keyWakeSound, defaults.WakeSound)

	if mode, ok := selectState(keyDetection); ok {
		s.OnDevice = strings.EqualFold(mode, detectionOnDevice) || mode == "on_device"
	}
	if model, ok := selectState(keyModel); ok && model != "" {
		s.Model = model
	}
	if label, ok := selectState(keySensitivity); ok {
		if sens, ok := wakeword.ParseSensitivity(label); ok {
			s.Sensitivity = sens
		} else {
			slog.Debug("satellite: unknown wake word sensitivity", "label", label)
		}
	}

	// The tts_output select exposes the chosen media player in its
	// entity_id attribute; an empty value selects local playback.
	if id, ok := siblings[keyTTSOutput]; ok {
		if target, ok := c.attrString(id, "entity_id"); ok {
			s.TTSTarget = target
		}
	} else if target, ok := c.attrString(satellite, keyTTSOutput); ok {
		s.TTSTarget = target
	}

	if f, ok := c.number(satellite, siblings[keyDisplayDuration]); ok && f > 0 {
		s.DisplayDuration = time.Duration(f * float64(time.Second))
	}

	s.ActiveTimers, _ = c.attr(satellite, attrActiveTimers)
	s.LastTimerEvent, _ = c.attrString(satellite, attrLastTimerEvent)
	return s
}

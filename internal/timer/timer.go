// Package timer mirrors the voice_satellite timers of a satellite entity.
//
// Home Assistant publishes running timers in the entity's active_timers
// attribute and the reason the last one disappeared in last_timer_event.
// The [Manager] derives each countdown from the server start time, ticks it
// every second and rings an alert when a timer finishes.
package timer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/transport"
	"github.com/MrWong99/voicesat/internal/tts"
	"github.com/MrWong99/voicesat/internal/ui"
)

const cancelTimerType = "voice_satellite/cancel_timer"

// Timing.
const (
	TickInterval  = time.Second
	ChimeInterval = 3 * time.Second
	AutoDismiss   = 60 * time.Second
	callTimeout   = 10 * time.Second
)

// Last timer events.
const (
	EventFinished  = "finished"
	EventCancelled = "cancelled"
)

// Raw is one entry of the active_timers attribute.
type Raw struct {
	ID           string  `json:"id"`
	Name         string  `json:"name,omitempty"`
	TotalSeconds int     `json:"total_seconds"`
	StartedAt    float64 `json:"started_at,omitempty"`
}

// Timer is one running countdown.
type Timer struct {
	ID          string
	Name        string
	Total       int
	SecondsLeft int
	StartedAt   time.Time
}

// Player plays the alert and confirmation chimes.
type Player interface {
	PlayChime(c tts.Chime)
}

// Option configures a [Manager].
type Option func(*Manager)

// WithUI publishes timer views and alerts to sink.
func WithUI(sink ui.Sink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.ui = sink
		}
	}
}

// Manager tracks the timers of one satellite entity. All methods run on the
// session loop.
type Manager struct {
	lp     *loop.Loop
	caller transport.Caller
	player Player
	ui     ui.Sink
	entity string

	timers   []*Timer
	known    []string
	lastJSON string

	tick    *loop.Timer
	ringing bool
	chime   *loop.Timer
	dismiss *loop.Timer
}

// New returns a manager without timers.
func New(lp *loop.Loop, caller transport.Caller, player Player, entity string, opts ...Option) *Manager {
	m := &Manager{lp: lp, caller: caller, player: player, ui: ui.Discard, entity: entity}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Timers returns a snapshot of the running timers.
func (m *Manager) Timers() []Timer {
	out := make([]Timer, len(m.timers))
	for i, t := range m.timers {
		out[i] = *t
	}
	return out
}

// Ringing reports whether the finished alert is active.
func (m *Manager) Ringing() bool { return m.ringing }

// Update applies the active_timers and last_timer_event attributes.
// Updates whose timer list did not change are ignored.
func (m *Manager) Update(activeTimers json.RawMessage, lastEvent string) {
	var raws []Raw
	if len(activeTimers) > 0 {
		if err := json.Unmarshal(activeTimers, &raws); err != nil {
			// Not a list; treat as no timers.
			slog.Debug("timer: active_timers is not a timer list", "err", err)
			raws = nil
		}
	}
	key := dedupKey(raws)
	if key == m.lastJSON {
		return
	}
	m.lastJSON = key
	slog.Debug("timer: timers changed", "timers", key, "last_event", lastEvent)

	ids := make([]string, len(raws))
	for i, r := range raws {
		ids[i] = r.ID
	}
	var removed []string
	for _, id := range m.known {
		if !slices.Contains(ids, id) {
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 && lastEvent == EventFinished {
		slog.Info("timer: finished", "ids", removed)
		m.ring(m.nameOf(removed[0]))
	}
	m.known = ids
	m.sync(raws)
}

func dedupKey(raws []Raw) string {
	if len(raws) == 0 {
		return "[]"
	}
	b, err := json.Marshal(raws)
	if err != nil {
		return ""
	}
	return string(b)
}

func (m *Manager) nameOf(id string) string {
	for _, t := range m.timers {
		if t.ID == id {
			return t.Name
		}
	}
	return ""
}

// sync replaces the timer list, keeping the start time of unchanged timers.
func (m *Manager) sync(raws []Raw) {
	if len(raws) == 0 {
		m.timers = nil
		m.stopTick()
		m.publish()
		return
	}
	now := m.lp.Now()
	next := make([]*Timer, 0, len(raws))
	for _, r := range raws {
		started := now
		if r.StartedAt > 0 {
			sec, frac := math.Modf(r.StartedAt)
			started = time.Unix(int64(sec), int64(frac*1e9))
		}
		i := slices.IndexFunc(m.timers, func(t *Timer) bool { return t.ID == r.ID })
		if i >= 0 && m.timers[i].Total == r.TotalSeconds {
			next = append(next, m.timers[i])
			continue
		}
		t := &Timer{ID: r.ID, Name: r.Name, Total: r.TotalSeconds, StartedAt: started}
		t.SecondsLeft = secondsLeft(t, now)
		next = append(next, t)
	}
	m.timers = next
	m.startTick()
	m.publish()
}

// secondsLeft derives the countdown from the wall clock so a late tick never
// drifts.
func secondsLeft(t *Timer, now time.Time) int {
	elapsed := max(0, int(now.Sub(t.StartedAt)/time.Second))
	return max(0, t.Total-elapsed)
}

// ─── Tick ────────────────────────────────────────────────────────────────────

func (m *Manager) startTick() {
	if m.tick != nil {
		return
	}
	m.tick = m.lp.After(TickInterval, m.onTick)
}

func (m *Manager) stopTick() {
	m.tick.Stop()
	m.tick = nil
}

func (m *Manager) onTick() {
	m.tick = nil
	now := m.lp.Now()
	for _, t := range m.timers {
		t.SecondsLeft = secondsLeft(t, now)
	}
	m.publish()
	if len(m.timers) > 0 {
		m.startTick()
	}
}

func (m *Manager) publish() {
	views := make([]ui.TimerView, len(m.timers))
	for i, t := range m.timers {
		views[i] = ui.TimerView{ID: t.ID, Name: t.Name, SecondsLeft: t.SecondsLeft, Total: t.Total}
	}
	m.ui.Publish(ui.Timers{Timers: views})
}

// ─── Alert ───────────────────────────────────────────────────────────────────

func (m *Manager) ring(name string) {
	if m.ringing {
		slog.Debug("timer: alert already ringing")
		return
	}
	m.ringing = true
	m.ui.Publish(ui.Blur{Reason: ui.BlurTimer, Shown: true})
	m.ui.Publish(ui.TimerAlert{Name: name, Ringing: true})
	m.playAlert()
	m.dismiss = m.lp.After(AutoDismiss, func() {
		m.dismiss = nil
		slog.Info("timer: alert auto-dismissed")
		m.clearAlert()
	})
}

func (m *Manager) playAlert() {
	m.player.PlayChime(tts.ChimeAlert)
	m.chime = m.lp.After(ChimeInterval, func() {
		m.chime = nil
		if m.ringing {
			m.playAlert()
		}
	})
}

// Dismiss silences a ringing alert with the done chime. It reports whether
// an alert was ringing.
func (m *Manager) Dismiss() bool {
	if !m.ringing {
		return false
	}
	m.player.PlayChime(tts.ChimeDone)
	m.clearAlert()
	return true
}

func (m *Manager) clearAlert() {
	if !m.ringing {
		return
	}
	m.ringing = false
	m.chime.Stop()
	m.chime = nil
	m.dismiss.Stop()
	m.dismiss = nil
	m.ui.Publish(ui.TimerAlert{Ringing: false})
	m.stopTick()
	m.timers = nil
	m.publish()
	m.ui.Publish(ui.Blur{Reason: ui.BlurTimer, Shown: false})
	slog.Info("timer: alert dismissed")
}

// ─── Cancel ──────────────────────────────────────────────────────────────────

// Cancel asks Home Assistant to cancel the timer and drops it locally
// without waiting for the entity update.
func (m *Manager) Cancel(id string) error {
	i := slices.IndexFunc(m.timers, func(t *Timer) bool { return t.ID == id })
	if i < 0 {
		return fmt.Errorf("timer: cancel %q: unknown timer", id)
	}
	slog.Info("timer: cancelling", "id", id)
	fields := transport.Fields{"entity_id": m.entity, "timer_id": id}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
		defer cancel()
		if _, err := m.caller.Call(ctx, cancelTimerType, fields); err != nil {
			slog.Error("timer: cancel failed", "id", id, "err", err)
		}
	}()
	m.player.PlayChime(tts.ChimeDone)

	m.timers = slices.Delete(m.timers, i, i+1)
	m.known = slices.DeleteFunc(m.known, func(k string) bool { return k == id })
	m.lastJSON = ""
	if len(m.timers) == 0 {
		m.stopTick()
	}
	m.publish()
	return nil
}

// Reset forgets the dedup state so the next update is applied even if it
// repeats the last one. It runs after a reconnect.
func (m *Manager) Reset() { m.lastJSON = "" }

// Close stops every timer and the alert.
func (m *Manager) Close() {
	m.stopTick()
	m.chime.Stop()
	m.chime = nil
	m.dismiss.Stop()
	m.dismiss = nil
	m.ringing = false
}

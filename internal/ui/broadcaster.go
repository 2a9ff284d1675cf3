package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Surface receives events. Deliver is called synchronously by
// [Broadcaster.Publish] and must not block.
type Surface interface {
	Deliver(Event)
}

// SurfaceFunc adapts a function to [Surface].
type SurfaceFunc func(Event)

// Deliver calls f(ev).
func (f SurfaceFunc) Deliver(ev Event) { f(ev) }

// Sink is the publishing side of a [Broadcaster], handed to components that
// emit events without managing registrations.
type Sink interface {
	Publish(Event)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}

type registration struct {
	id      string
	seq     uint64
	surface Surface
}

// Broadcaster fans events out to registered surfaces in registration order.
// It is safe for concurrent use.
type Broadcaster struct {
	mu    sync.Mutex
	regs  map[string]registration
	seq   uint64
	hooks []func(delta int)
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{regs: make(map[string]registration)}
}

// OnCountChange registers fn to be told about every registration change
// (+1 or -1). Used for the active surface gauge.
func (b *Broadcaster) OnCountChange(fn func(delta int)) {
	b.mu.Lock()
	b.hooks = append(b.hooks, fn)
	b.mu.Unlock()
}

// Register adds s and returns its registration id.
func (b *Broadcaster) Register(s Surface) string {
	id := uuid.NewString()
	b.mu.Lock()
	b.seq++
	b.regs[id] = registration{id: id, seq: b.seq, surface: s}
	hooks := b.hooks
	b.mu.Unlock()
	for _, h := range hooks {
		h(1)
	}
	return id
}

// Unregister removes the surface registered under id. Unknown ids are
// ignored.
func (b *Broadcaster) Unregister(id string) {
	b.mu.Lock()
	_, ok := b.regs[id]
	delete(b.regs, id)
	hooks := b.hooks
	b.mu.Unlock()
	if !ok {
		return
	}
	for _, h := range hooks {
		h(-1)
	}
}

// Len returns the number of registered surfaces.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.regs)
}

// Publish delivers ev to every registered surface.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	regs := make([]registration, 0, len(b.regs))
	for _, r := range b.regs {
		regs = append(regs, r)
	}
	b.mu.Unlock()
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })
	for _, r := range regs {
		r.surface.Deliver(ev)
	}
}

// ─── Console surface ─────────────────────────────────────────────────────────

// LogSurface renders events as structured log records.
type LogSurface struct {
	logger *slog.Logger
}

// NewLogSurface returns a surface logging through l (slog.Default when nil).
func NewLogSurface(l *slog.Logger) *LogSurface {
	if l == nil {
		l = slog.Default()
	}
	return &LogSurface{logger: l.With("component", "ui")}
}

// Deliver implements [Surface].
func (s *LogSurface) Deliver(ev Event) {
	ctx := context.Background()
	switch e := ev.(type) {
	case StateChanged:
		s.logger.Log(ctx, slog.LevelDebug, "state", "state", e.State, "unavailable", e.Unavailable, "tts_playing", e.TTSPlaying)
	case Bar:
		s.logger.Log(ctx, slog.LevelDebug, "bar", "mode", e.Mode.String())
	case Blur:
		s.logger.Log(ctx, slog.LevelDebug, "overlay", "reason", string(e.Reason), "shown", e.Shown)
	case Transcript:
		s.logger.Info("you said", "text", e.Text)
	case Response:
		if !e.Partial {
			s.logger.Info("assistant", "text", e.Text)
		}
	case ChatCleared, NotificationCleared:
	case Notification:
		s.logger.Info("notification", "id", e.ID, "kind", e.Kind, "message", e.Message)
	case AnswerResult:
		s.logger.Info("answer", "matched", e.Matched)
	case StartRequired:
		s.logger.Warn("listening stopped, start required", "reason", string(e.Reason))
	case Timers:
		for _, t := range e.Timers {
			s.logger.Log(ctx, slog.LevelDebug, "timer", "id", t.ID, "name", t.Name, "left", formatSeconds(t.SecondsLeft))
		}
	case TimerAlert:
		s.logger.Info("timer alert", "name", e.Name, "ringing", e.Ringing)
	default:
		s.logger.Warn("unknown ui event", "type", fmt.Sprintf("%T", ev))
	}
}

func formatSeconds(s int) string {
	return (time.Duration(s) * time.Second).String()
}

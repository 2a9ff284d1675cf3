package ui_test

import (
	"bytes"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/MrWong99/voicesat/internal/ui"
)

type collect struct {
	name string
	out  *[]string
	mu   *sync.Mutex
}

func (c collect) Deliver(ev ui.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.out = append(*c.out, c.name)
}

func TestBroadcaster_RegistrationOrder(t *testing.T) {
	b := ui.NewBroadcaster()
	var (
		mu  sync.Mutex
		got []string
	)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		b.Register(collect{name: name, out: &got, mu: &mu})
	}

	for range 3 {
		got = nil
		b.Publish(ui.ChatCleared{})
		if want := []string{"a", "b", "c", "d", "e"}; !slices.Equal(got, want) {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}
}

func TestBroadcaster_Unregister(t *testing.T) {
	b := ui.NewBroadcaster()
	var deltas []int
	b.OnCountChange(func(d int) { deltas = append(deltas, d) })

	var n int
	id := b.Register(ui.SurfaceFunc(func(ui.Event) { n++ }))
	other := b.Register(ui.SurfaceFunc(func(ui.Event) {}))
	if id == other {
		t.Fatal("registrations share an id")
	}
	if b.Len() != 2 {
		t.Fatalf("Len = %d, want 2", b.Len())
	}

	b.Publish(ui.Bar{Mode: ui.BarNormal})
	b.Unregister(id)
	b.Unregister(id)
	b.Unregister("unknown")
	b.Publish(ui.Bar{Mode: ui.BarNormal})

	if n != 1 {
		t.Errorf("deliveries after unregister = %d, want 1", n)
	}
	if b.Len() != 1 {
		t.Errorf("Len = %d, want 1", b.Len())
	}
	if want := []int{1, 1, -1}; !slices.Equal(deltas, want) {
		t.Errorf("count changes = %v, want %v", deltas, want)
	}
}

func TestBroadcaster_NoSurfaces(t *testing.T) {
	b := ui.NewBroadcaster()
	b.Publish(ui.Transcript{Text: "nobody listens"})
	ui.Discard.Publish(ui.ChatCleared{})
}

func TestBarMode_String(t *testing.T) {
	tests := []struct {
		mode ui.BarMode
		want string
	}{
		{ui.BarHidden, "hidden"},
		{ui.BarNormal, "normal"},
		{ui.BarError, "error"},
		{ui.BarFlash, "flash"},
		{ui.BarMode(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.mode.String(); got != tt.want {
			t.Errorf("BarMode(%d).String() = %q, want %q", int(tt.mode), got, tt.want)
		}
	}
}

func TestLogSurface(t *testing.T) {
	var buf bytes.Buffer
	s := ui.NewLogSurface(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	s.Deliver(ui.Transcript{Text: "turn on the lights"})
	s.Deliver(ui.Response{Text: "Turning", Partial: true})
	s.Deliver(ui.Response{Text: "Turned on the lights"})
	s.Deliver(ui.Timers{Timers: []ui.TimerView{{ID: "t1", Name: "pasta", SecondsLeft: 90}}})
	s.Deliver(ui.StartRequired{Reason: ui.StartNeedsGesture})

	out := buf.String()
	for _, want := range []string{
		"turn on the lights",
		"Turned on the lights",
		"pasta",
		"left=1m30s",
		"reason=not-allowed",
		"component=ui",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "text=Turning ") {
		t.Error("partial response was logged")
	}
}

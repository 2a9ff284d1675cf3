package timer

import (
	"encoding/json"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicesat/internal/clock"
	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/transport/mock"
	"github.com/MrWong99/voicesat/internal/tts"
	ttsmock "github.com/MrWong99/voicesat/internal/tts/mock"
	"github.com/MrWong99/voicesat/internal/ui"
)

var epoch = time.Unix(1_700_000_000, 0)

type recorder struct {
	mu     sync.Mutex
	events []ui.Event
}

func (r *recorder) Publish(ev ui.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// lastTimers returns the most recent timer list published.
func (r *recorder) lastTimers() []ui.TimerView {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if ts, ok := r.events[i].(ui.Timers); ok {
			return ts.Timers
		}
	}
	return nil
}

func (r *recorder) count(match func(ui.Event) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if match(ev) {
			n++
		}
	}
	return n
}

type harness struct {
	clk    *clock.Fake
	lp     *loop.Loop
	conn   *mock.Conn
	player *ttsmock.Player
	ui     *recorder
	m      *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(epoch),
		conn:   &mock.Conn{},
		player: &ttsmock.Player{},
		ui:     &recorder{},
	}
	h.lp = loop.New(h.clk)
	h.m = New(h.lp, h.conn, h.player, "assist_satellite.kitchen", WithUI(h.ui))
	t.Cleanup(func() { h.lp.Post(h.m.Close) })
	return h
}

func (h *harness) update(t *testing.T, raws []Raw, last string) {
	t.Helper()
	b, err := json.Marshal(raws)
	if err != nil {
		t.Fatal(err)
	}
	h.lp.Post(func() { h.m.Update(b, last) })
}

func startedAt(d time.Duration) float64 {
	return float64(epoch.Add(d).UnixMilli()) / 1000
}

func TestManager_Countdown(t *testing.T) {
	h := newHarness(t)
	h.update(t, []Raw{{ID: "t1", Name: "pasta", TotalSeconds: 600, StartedAt: startedAt(-10 * time.Second)}}, "")

	got := h.ui.lastTimers()
	if len(got) != 1 || got[0].SecondsLeft != 590 || got[0].Name != "pasta" || got[0].Total != 600 {
		t.Fatalf("timers = %+v, want pasta with 590s left", got)
	}

	h.clk.Advance(3 * time.Second)
	if got := h.ui.lastTimers(); got[0].SecondsLeft != 587 {
		t.Errorf("after 3s SecondsLeft = %d, want 587", got[0].SecondsLeft)
	}
}

func TestManager_CountdownNeverNegative(t *testing.T) {
	h := newHarness(t)
	h.update(t, []Raw{{ID: "t1", TotalSeconds: 5, StartedAt: startedAt(-time.Hour)}}, "")
	if got := h.ui.lastTimers(); got[0].SecondsLeft != 0 {
		t.Errorf("SecondsLeft = %d, want 0", got[0].SecondsLeft)
	}
}

func TestManager_MissingStartUsesNow(t *testing.T) {
	h := newHarness(t)
	h.update(t, []Raw{{ID: "t1", TotalSeconds: 60}}, "")
	h.clk.Advance(2 * time.Second)
	if got := h.ui.lastTimers(); got[0].SecondsLeft != 58 {
		t.Errorf("SecondsLeft = %d, want 58", got[0].SecondsLeft)
	}
}

func TestManager_DedupesByContent(t *testing.T) {
	h := newHarness(t)
	raws := []Raw{{ID: "t1", TotalSeconds: 60, StartedAt: startedAt(0)}}
	h.update(t, raws, "")
	h.update(t, raws, "")
	isTimers := func(ev ui.Event) bool { _, ok := ev.(ui.Timers); return ok }
	if n := h.ui.count(isTimers); n != 1 {
		t.Fatalf("publishes = %d, want 1 for a repeated update", n)
	}

	h.lp.Post(h.m.Reset)
	h.update(t, raws, "")
	if n := h.ui.count(isTimers); n != 2 {
		t.Errorf("publishes = %d after Reset, want 2", n)
	}
}

func TestManager_RemovalOutcome(t *testing.T) {
	tests := []struct {
		last     string
		wantRing bool
	}{
		{EventFinished, true},
		{EventCancelled, false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.last, func(t *testing.T) {
			h := newHarness(t)
			h.update(t, []Raw{{ID: "t1", Name: "tea", TotalSeconds: 60}}, "")
			h.update(t, nil, tt.last)

			var ringing bool
			h.lp.Post(func() { ringing = h.m.Ringing() })
			if ringing != tt.wantRing {
				t.Fatalf("Ringing = %v, want %v", ringing, tt.wantRing)
			}
			alerted := h.ui.count(func(ev ui.Event) bool { return ev == ui.TimerAlert{Name: "tea", Ringing: true} })
			if (alerted == 1) != tt.wantRing {
				t.Errorf("alert events = %d", alerted)
			}
			if got := h.ui.lastTimers(); len(got) != 0 {
				t.Errorf("timers = %+v after removal", got)
			}
		})
	}
}

func TestManager_AlertChimesUntilDismissed(t *testing.T) {
	h := newHarness(t)
	h.update(t, []Raw{{ID: "t1", TotalSeconds: 60}}, "")
	h.update(t, nil, EventFinished)

	h.clk.Advance(ChimeInterval * 2)
	alerts := func() int {
		n := 0
		for _, c := range h.player.Chimes() {
			if c == tts.ChimeAlert {
				n++
			}
		}
		return n
	}
	if n := alerts(); n != 3 {
		t.Fatalf("alert chimes = %d, want 3", n)
	}

	var dismissed bool
	h.lp.Post(func() { dismissed = h.m.Dismiss() })
	if !dismissed {
		t.Fatal("Dismiss = false while ringing")
	}
	h.clk.Advance(ChimeInterval * 3)
	if n := alerts(); n != 3 {
		t.Errorf("alert chimes = %d after dismiss, want 3", n)
	}
	if c := h.player.Chimes(); c[len(c)-1] != tts.ChimeDone {
		t.Errorf("last chime = %v, want done", c[len(c)-1])
	}
	if n := h.ui.count(func(ev ui.Event) bool { return ev == ui.Blur{Reason: ui.BlurTimer, Shown: false} }); n != 1 {
		t.Errorf("overlay hides = %d, want 1", n)
	}

	h.lp.Post(func() { dismissed = h.m.Dismiss() })
	if dismissed {
		t.Error("second Dismiss = true")
	}
}

func TestManager_AlertAutoDismiss(t *testing.T) {
	h := newHarness(t)
	h.update(t, []Raw{{ID: "t1", TotalSeconds: 60}}, "")
	h.update(t, nil, EventFinished)
	h.clk.Advance(AutoDismiss)

	var ringing bool
	h.lp.Post(func() { ringing = h.m.Ringing() })
	if ringing {
		t.Error("alert still ringing after auto-dismiss")
	}
	if slices.Contains(h.player.Chimes(), tts.ChimeDone) {
		t.Error("auto-dismiss played the done chime")
	}
}

func TestManager_Cancel(t *testing.T) {
	h := newHarness(t)
	h.update(t, []Raw{{ID: "t1", TotalSeconds: 60}, {ID: "t2", TotalSeconds: 90}}, "")

	var err error
	h.lp.Post(func() { err = h.m.Cancel("t1") })
	if err != nil {
		t.Fatal(err)
	}
	if got := h.ui.lastTimers(); len(got) != 1 || got[0].ID != "t2" {
		t.Errorf("timers = %+v, want t2 only", got)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(h.conn.Calls(cancelTimerType)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("cancel_timer not sent")
		}
		time.Sleep(time.Millisecond)
	}
	call := h.conn.Calls(cancelTimerType)[0]
	if call.Fields["timer_id"] != "t1" || call.Fields["entity_id"] != "assist_satellite.kitchen" {
		t.Errorf("cancel fields = %v", call.Fields)
	}

	// The entity update confirming the cancel must not ring.
	h.update(t, []Raw{{ID: "t2", TotalSeconds: 90}}, EventFinished)
	var ringing bool
	h.lp.Post(func() { ringing = h.m.Ringing() })
	if ringing {
		t.Error("cancelled timer rang")
	}

	h.lp.Post(func() { err = h.m.Cancel("nope") })
	if err == nil {
		t.Error("Cancel of an unknown timer succeeded")
	}
}

func TestManager_IgnoresMalformedAttribute(t *testing.T) {
	h := newHarness(t)
	h.lp.Post(func() { h.m.Update(json.RawMessage(`"not a list"`), "") })
	var n int
	h.lp.Post(func() { n = len(h.m.Timers()) })
	if n != 0 {
		t.Errorf("timers = %d, want 0", n)
	}
}

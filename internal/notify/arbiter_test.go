package notify

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voicesat/internal/clock"
	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/pipeline"
	"github.com/MrWong99/voicesat/internal/transport"
	"github.com/MrWong99/voicesat/internal/transport/mock"
	"github.com/MrWong99/voicesat/internal/tts"
	ttsmock "github.com/MrWong99/voicesat/internal/tts/mock"
	"github.com/MrWong99/voicesat/internal/ui"
)

// ─── Test doubles ────────────────────────────────────────────────────────────

type fakeEngine struct {
	interacting bool
	wakeSound   bool
	restarts    []time.Duration
	continues   []pipeline.ContinueOptions
}

func (e *fakeEngine) Interacting() bool { return e.interacting }
func (e *fakeEngine) WakeSound() bool   { return e.wakeSound }
func (e *fakeEngine) Restart(d time.Duration) {
	e.restarts = append(e.restarts, d)
}
func (e *fakeEngine) RestartContinue(_ string, opts pipeline.ContinueOptions) {
	e.continues = append(e.continues, opts)
}

type recorder struct {
	mu     sync.Mutex
	events []ui.Event
}

func (r *recorder) Publish(ev ui.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) has(want ui.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.events, want)
}

// shown returns the ids of every notification message shown.
func (r *recorder) shown() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []int
	for _, ev := range r.events {
		if n, ok := ev.(ui.Notification); ok {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

type fakeMedia struct{ cmds []tts.Command }

func (m *fakeMedia) HandleCommand(c tts.Command) { m.cmds = append(m.cmds, c) }

type harness struct {
	clk    *clock.Fake
	lp     *loop.Loop
	conn   *mock.Conn
	engine *fakeEngine
	player *ttsmock.Player
	ui     *recorder
	media  *fakeMedia
	a      *Arbiter
}

const testDisplay = 5 * time.Second

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(time.Unix(1_700_000_000, 0)),
		conn:   &mock.Conn{},
		engine: &fakeEngine{wakeSound: true},
		player: &ttsmock.Player{},
		ui:     &recorder{},
		media:  &fakeMedia{},
	}
	h.lp = loop.New(h.clk)
	h.a = New(h.lp, h.conn, h.engine, h.player,
		Config{Entity: "assist_satellite.kitchen", DisplayDuration: testDisplay},
		WithUI(h.ui), WithMediaHandler(h.media),
	)
	return h
}

// do runs fn on the loop and waits for it.
func (h *harness) do(fn func()) {
	done := make(chan struct{})
	h.lp.Post(func() {
		fn()
		close(done)
	})
	<-done
}

func (h *harness) deliver(t *testing.T, typ string, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	h.do(func() { h.a.Deliver(Event{Type: typ, Data: data}) })
}

func (h *harness) announce(t *testing.T, id int) {
	t.Helper()
	h.deliver(t, EventAnnouncement, Envelope{ID: id, Message: "msg"})
}

// playThrough drives an announcement without media from its chime to the
// end of the display duration.
func (h *harness) playThrough(t *testing.T) {
	t.Helper()
	n := len(h.acked())
	h.clk.Advance(tts.Duration(tts.ChimeAnnounce))
	h.clk.Advance(noMediaDelay)
	waitFor(t, "ack", func() bool { return len(h.acked()) > n })
	h.do(func() {})
	h.clk.Advance(testDisplay)
}

func (h *harness) finishMedia(err error) {
	h.do(func() { h.player.FinishMedia(err) })
}

func (h *harness) restarts() []time.Duration {
	var out []time.Duration
	h.do(func() { out = slices.Clone(h.engine.restarts) })
	return out
}

// answers returns the sentences submitted as question answers.
func (h *harness) answers() []string {
	var out []string
	for _, c := range h.conn.Calls(questionAnsweredType) {
		out = append(out, c.Fields["sentence"].(string))
	}
	return out
}

// acked returns the announce ids acknowledged.
func (h *harness) acked() []int {
	var out []int
	for _, c := range h.conn.Calls(announceFinishedType) {
		out = append(out, c.Fields["announce_id"].(int))
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// ─── Arbitration ─────────────────────────────────────────────────────────────

func TestArbiter_MonotonicOrdering(t *testing.T) {
	h := newHarness(t)
	for _, id := range []int{5, 3, 7, 6} {
		h.announce(t, id)
	}
	h.playThrough(t)
	h.playThrough(t)

	if got := h.ui.shown(); !slices.Equal(got, []int{5, 7}) {
		t.Fatalf("shown = %v, want [5 7]", got)
	}
	waitFor(t, "acks", func() bool { return len(h.acked()) == 2 })
	if got := slices.Sorted(slices.Values(h.acked())); !slices.Equal(got, []int{5, 7}) {
		t.Errorf("acked = %v, want [5 7]", got)
	}
	h.do(func() {
		if h.a.LastID() != 7 {
			t.Errorf("LastID = %d, want 7", h.a.LastID())
		}
	})
}

func TestArbiter_QueuesWhilePipelineBusy(t *testing.T) {
	tests := []struct {
		name string
		busy func(h *harness)
	}{
		{"interacting", func(h *harness) { h.engine.interacting = true }},
		{"tts playing", func(h *harness) { h.player.Play("/api/tts_proxy/x.mp3") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.do(func() { tt.busy(h) })
			h.announce(t, 1)
			h.announce(t, 2)
			h.clk.Advance(time.Minute)
			if got := h.ui.shown(); len(got) != 0 {
				t.Fatalf("shown = %v while busy", got)
			}

			h.do(func() {
				h.engine.interacting = false
				h.player.Stop()
				if !h.a.PlayQueued() {
					t.Error("PlayQueued = false with a queued envelope")
				}
			})
			h.playThrough(t)
			if got := h.ui.shown(); !slices.Equal(got, []int{2}) {
				t.Errorf("shown = %v, want the newest queued envelope only", got)
			}
		})
	}
}

func TestArbiter_OtherKindWaitsForPlayingNotification(t *testing.T) {
	h := newHarness(t)
	h.announce(t, 1)
	h.deliver(t, EventStartConversation, Envelope{ID: 2, Message: "let's talk"})
	if got := h.ui.shown(); len(got) != 0 {
		t.Fatalf("shown = %v before the chime ended", got)
	}

	h.playThrough(t)
	h.clk.Advance(tts.Duration(tts.ChimeAnnounce))
	if got := h.ui.shown(); !slices.Equal(got, []int{1, 2}) {
		t.Fatalf("shown = %v, want [1 2]", got)
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		typ  string
		env  Envelope
		want Kind
	}{
		{EventAnnouncement, Envelope{ID: 1}, KindAnnouncement},
		{EventAnnouncement, Envelope{ID: 1, AskQuestion: true}, KindQuestion},
		{EventStartConversation, Envelope{ID: 1}, KindConversation},
		{EventAnnouncement, Envelope{ID: 1, StartConversation: true}, KindConversation},
		{EventStartConversation, Envelope{ID: 1, AskQuestion: true}, KindQuestion},
	}
	for _, tt := range tests {
		if got := Route(tt.typ, tt.env); got != tt.want {
			t.Errorf("Route(%q, %+v) = %v, want %v", tt.typ, tt.env, got, tt.want)
		}
	}
}

func TestArbiter_IgnoresEventsWithoutID(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		h.a.HandleRaw(json.RawMessage(`{"type":"announcement","data":{"message":"no id"}}`))
		h.a.HandleRaw(json.RawMessage(`not json`))
		if h.a.Active() {
			t.Error("Active after an envelope without id")
		}
	})
}

// ─── Playback sequence ───────────────────────────────────────────────────────

func TestArbiter_Preannounce(t *testing.T) {
	no := false
	tests := []struct {
		name       string
		env        Envelope
		wantChimes []tts.Chime
		wantMedia  []string
	}{
		{"default chime", Envelope{ID: 1, Message: "hi", MediaID: "/main.mp3"}, []tts.Chime{tts.ChimeAnnounce}, []string{"/main.mp3"}},
		{"custom media", Envelope{ID: 1, Message: "hi", MediaID: "/main.mp3", PreannounceMediaID: "/ding.mp3"}, nil, []string{"/ding.mp3", "/main.mp3"}},
		{"disabled", Envelope{ID: 1, Message: "hi", MediaID: "/main.mp3", Preannounce: &no, PreannounceMediaID: "/ding.mp3"}, nil, []string{"/main.mp3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.deliver(t, EventAnnouncement, tt.env)
			h.clk.Advance(tts.Duration(tts.ChimeAnnounce))
			if tt.env.PreannounceMediaID != "" && tt.env.Preannounce == nil {
				if got := h.ui.shown(); len(got) != 0 {
					t.Fatal("message shown before the pre-announcement ended")
				}
				h.finishMedia(nil)
			}
			if got := h.ui.shown(); !slices.Equal(got, []int{1}) {
				t.Fatalf("shown = %v, want [1]", got)
			}
			if got := h.player.Chimes(); !slices.Equal(got, tt.wantChimes) {
				t.Errorf("chimes = %v, want %v", got, tt.wantChimes)
			}
			if got := h.player.Media(); !slices.Equal(got, tt.wantMedia) {
				t.Errorf("media = %v, want %v", got, tt.wantMedia)
			}
			if !h.ui.has(ui.Blur{Reason: ui.BlurAnnouncement, Shown: true}) {
				t.Error("announcement overlay not shown")
			}
		})
	}
}

func TestArbiter_AnnouncementCompletion(t *testing.T) {
	tests := []struct {
		name     string
		remote   bool
		wantDone bool
	}{
		{"local", false, true},
		{"remote", true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.player.RemoteTarget = tt.remote
			h.deliver(t, EventAnnouncement, Envelope{ID: 9, Message: "dinner", MediaID: "/dinner.mp3", Preannounce: new(bool)})
			h.finishMedia(errors.New("decode failed"))

			waitFor(t, "ack", func() bool { return len(h.acked()) == 1 })
			if got := h.restarts(); !slices.Equal(got, []time.Duration{0}) {
				t.Errorf("restarts = %v, want [0]", got)
			}
			h.do(func() {
				if !h.a.Active() {
					t.Error("announcement cleared before the display duration")
				}
			})

			h.clk.Advance(testDisplay)
			if !h.ui.has(ui.NotificationCleared{}) {
				t.Error("notification not cleared")
			}
			done := slices.Contains(h.player.Chimes(), tts.ChimeDone)
			if done != tt.wantDone {
				t.Errorf("done chime = %v, want %v", done, tt.wantDone)
			}
			h.do(func() {
				if h.a.Active() {
					t.Error("still active after clearing")
				}
			})
		})
	}
}

func TestArbiter_NoDoneChimeWhenQueued(t *testing.T) {
	h := newHarness(t)
	h.announce(t, 1)
	h.announce(t, 2)
	h.playThrough(t)
	if slices.Contains(h.player.Chimes(), tts.ChimeDone) {
		t.Error("done chime played with a notification waiting")
	}
	if got := h.ui.shown(); !slices.Equal(got, []int{1}) {
		t.Fatalf("shown = %v", got)
	}
	h.clk.Advance(tts.Duration(tts.ChimeAnnounce))
	if got := h.ui.shown(); !slices.Equal(got, []int{1, 2}) {
		t.Errorf("shown = %v, want [1 2]", got)
	}
}

// ─── Question ────────────────────────────────────────────────────────────────

func (h *harness) askAndCapture(t *testing.T, id int) func(string) {
	t.Helper()
	h.deliver(t, EventAnnouncement, Envelope{ID: id, Message: "Lights off?", AskQuestion: true, Preannounce: new(bool)})
	h.clk.Advance(noMediaDelay)
	waitFor(t, "ack", func() bool { return len(h.acked()) == 1 })
	h.clk.Advance(chimeSettle)

	var cont []pipeline.ContinueOptions
	h.do(func() { cont = slices.Clone(h.engine.continues) })
	if len(cont) != 1 {
		t.Fatalf("continuations = %d, want 1", len(cont))
	}
	if cont[0].EndStage != pipeline.StageSTT || cont[0].OnSTTEnd == nil {
		t.Fatalf("continuation = %+v, want stt capture", cont[0])
	}
	return func(text string) { h.do(func() { cont[0].OnSTTEnd(text) }) }
}

func TestArbiter_QuestionAnswer(t *testing.T) {
	tests := []struct {
		name      string
		result    string
		err       error
		matched   bool
		wantChime tts.Chime
	}{
		{"matched", `{"matched":true,"id":"yes"}`, nil, true, tts.ChimeDone},
		{"no match", `{"matched":false}`, nil, false, tts.ChimeError},
		{"submission failed", "", errors.New("timeout"), false, tts.ChimeError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			if tt.result != "" {
				h.conn.Results = map[string]json.RawMessage{questionAnsweredType: json.RawMessage(tt.result)}
			}
			if tt.err != nil {
				h.conn.SetError(questionAnsweredType, tt.err)
			}
			answer := h.askAndCapture(t, 4)
			if got := h.player.Chimes(); !slices.Equal(got, []tts.Chime{tts.ChimeWake}) {
				t.Fatalf("chimes before capture = %v, want wake", got)
			}

			answer("yes please")
			waitFor(t, "answer result", func() bool { return h.ui.has(ui.AnswerResult{Matched: tt.matched}) })
			if got := h.answers(); !slices.Equal(got, []string{"yes please"}) {
				t.Errorf("answers = %v", got)
			}
			if got := h.player.Chimes(); got[len(got)-1] != tt.wantChime {
				t.Errorf("last chime = %v, want %v", got[len(got)-1], tt.wantChime)
			}
			if flashed := h.ui.has(ui.Bar{Mode: ui.BarFlash}); flashed == tt.matched {
				t.Errorf("error flash = %v with matched = %v", flashed, tt.matched)
			}
			waitFor(t, "cleanup restart", func() bool { return slices.Equal(h.restarts(), []time.Duration{0}) })

			// A late transcript is ignored.
			answer("again")
			h.clk.Advance(answerSafety)
			if n := len(h.answers()); n != 1 {
				t.Errorf("answers = %d after cleanup, want 1", n)
			}
		})
	}
}

func TestArbiter_QuestionCleanupRace(t *testing.T) {
	h := newHarness(t)
	answer := h.askAndCapture(t, 4)

	// Hold the backend reply so the cleanup timer wins.
	block := make(chan struct{})
	h.do(func() { h.a.caller = &slowCaller{Conn: h.conn, release: block} })

	answer("maybe")
	h.clk.Advance(answerCleanup)
	if got := h.restarts(); !slices.Equal(got, []time.Duration{0}) {
		t.Fatalf("restarts = %v, want cleanup restart", got)
	}
	close(block)
	waitFor(t, "answer sent", func() bool { return len(h.answers()) == 1 })
	h.do(func() {})
	if got := h.restarts(); len(got) != 1 {
		t.Errorf("restarts = %v, late result restarted again", got)
	}
}

// slowCaller delays every call until release is closed.
type slowCaller struct {
	*mock.Conn
	release chan struct{}
}

func (s *slowCaller) Call(ctx context.Context, typ string, f transport.Fields) (json.RawMessage, error) {
	<-s.release
	return s.Conn.Call(ctx, typ, f)
}

func TestArbiter_QuestionSafetyTimeout(t *testing.T) {
	h := newHarness(t)
	h.askAndCapture(t, 4)
	h.clk.Advance(answerSafety - time.Millisecond)
	if n := len(h.answers()); n != 0 {
		t.Fatalf("answers = %d before the safety timeout", n)
	}
	h.clk.Advance(time.Millisecond)
	waitFor(t, "empty answer", func() bool { return slices.Equal(h.answers(), []string{""}) })
}

func TestArbiter_QuestionRemoteSkipsChime(t *testing.T) {
	h := newHarness(t)
	h.player.RemoteTarget = true
	h.deliver(t, EventAnnouncement, Envelope{ID: 4, AskQuestion: true, Preannounce: new(bool)})
	h.clk.Advance(noMediaDelay)
	h.do(func() {
		if n := len(h.engine.continues); n != 1 {
			t.Errorf("continuations = %d, want capture without settle delay", n)
		}
	})
	if got := h.player.Chimes(); len(got) != 0 {
		t.Errorf("chimes = %v on a remote target", got)
	}
}

// ─── Start conversation ──────────────────────────────────────────────────────

func TestArbiter_StartConversation(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, EventStartConversation, Envelope{ID: 3, Message: "Hi", ExtraSystemPrompt: "be brief", Preannounce: new(bool)})
	h.clk.Advance(noMediaDelay)

	waitFor(t, "ack", func() bool { return len(h.acked()) == 1 })
	h.do(func() {
		if len(h.engine.continues) != 1 || h.engine.continues[0].ExtraSystemPrompt != "be brief" {
			t.Fatalf("continuations = %+v", h.engine.continues)
		}
		if h.engine.continues[0].OnSTTEnd != nil {
			t.Error("conversation installed an answer capture")
		}
		if h.a.Active() {
			t.Error("slot still active after the conversation started")
		}
	})
	if !h.ui.has(ui.Blur{Reason: ui.BlurPipeline, Shown: true}) {
		t.Error("pipeline overlay not shown")
	}
}

// ─── Cancel ──────────────────────────────────────────────────────────────────

func TestArbiter_CancelDuringMedia(t *testing.T) {
	h := newHarness(t)
	h.deliver(t, EventAnnouncement, Envelope{ID: 1, MediaID: "/long.mp3", Preannounce: new(bool)})
	h.announce(t, 2)

	h.do(h.a.Cancel)
	waitFor(t, "ack", func() bool { return slices.Equal(h.acked(), []int{1}) })
	if got := h.restarts(); !slices.Equal(got, []time.Duration{0}) {
		t.Errorf("restarts = %v, want [0]", got)
	}
	if h.player.FinishMedia(nil) {
		t.Error("media still pending after cancel")
	}
	h.do(func() {
		if h.a.Active() || h.a.Queued() {
			t.Error("state left after cancel")
		}
		if h.a.PlayQueued() {
			t.Error("queued envelope survived cancel")
		}
	})

	h.do(h.a.Cancel)
	h.clk.Advance(time.Minute)
	if got := h.acked(); len(got) != 1 {
		t.Errorf("acked = %v, want a single ack", got)
	}
}

func TestArbiter_CancelQuestionReleasesBackend(t *testing.T) {
	h := newHarness(t)
	h.askAndCapture(t, 4)
	h.do(h.a.CancelQuestion)

	waitFor(t, "empty answer", func() bool { return slices.Equal(h.answers(), []string{""}) })
	h.clk.Advance(answerSafety)
	if n := len(h.answers()); n != 1 {
		t.Errorf("answers = %d, want 1", n)
	}
	if got := h.restarts(); len(got) != 0 {
		t.Errorf("CancelQuestion restarted the engine: %v", got)
	}
}

// ─── Hidden buffering and passthrough ────────────────────────────────────────

func TestArbiter_HiddenHoldsNewest(t *testing.T) {
	h := newHarness(t)
	h.do(func() { h.a.SetHidden(true) })
	h.announce(t, 1)
	h.announce(t, 2)
	h.clk.Advance(time.Minute)
	if got := h.ui.shown(); len(got) != 0 {
		t.Fatalf("shown = %v while hidden", got)
	}

	h.do(func() {
		h.a.SetHidden(false)
		if !h.a.ReplayHeld() {
			t.Error("ReplayHeld = false")
		}
		if h.a.ReplayHeld() {
			t.Error("second ReplayHeld = true")
		}
	})
	h.clk.Advance(tts.Duration(tts.ChimeAnnounce))
	if got := h.ui.shown(); !slices.Equal(got, []int{2}) {
		t.Errorf("shown = %v, want [2]", got)
	}
}

func TestArbiter_MediaPlayerPassthrough(t *testing.T) {
	h := newHarness(t)
	h.do(func() {
		h.a.HandleRaw(json.RawMessage(`{"type":"media_player","data":{"command":"volume_set","volume":0.4}}`))
	})
	if len(h.media.cmds) != 1 {
		t.Fatalf("commands = %d, want 1", len(h.media.cmds))
	}
	cmd := h.media.cmds[0]
	if cmd.Command != "volume_set" || cmd.Volume == nil || *cmd.Volume != 0.4 {
		t.Errorf("command = %+v", cmd)
	}
}

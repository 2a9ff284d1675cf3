package pipeline

import (
	"errors"
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
	"github.com/MrWong99/voicesat/pkg/audio"
)

// ─── Test doubles ────────────────────────────────────────────────────────────

type fakeOut struct {
	mu      sync.Mutex
	starts  int
	stops   int
	clears  int
	handler audio.HandlerFunc
}

func (f *fakeOut) StartSending(h audio.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	f.handler = h
}

func (f *fakeOut) StopSending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeOut) ClearBuffer() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

type fakeDetector struct {
	starts, stops int
	err           error
}

func (d *fakeDetector) Start() error {
	d.starts++
	return d.err
}

func (d *fakeDetector) Stop() { d.stops++ }

type recorder struct {
	mu     sync.Mutex
	events []ui.Event
}

func (r *recorder) Publish(ev ui.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) has(want ui.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.events, want)
}

type harness struct {
	clk    *clock.Fake
	lp     *loop.Loop
	conn   *mock.Conn
	out    *fakeOut
	player *ttsmock.Player
	ui     *recorder
	e      *Engine

	turns int
}

var testConfig = Config{
	Entity:               "assist_satellite.kitchen",
	ContinueConversation: true,
	ChimeOnWakeWord:      true,
	ChimeOnRequestSent:   true,
}

func newHarness(t *testing.T, cfg Config, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		clk:    clock.NewFake(time.Unix(1_700_000_000, 0)),
		conn:   &mock.Conn{},
		out:    &fakeOut{},
		player: &ttsmock.Player{},
		ui:     &recorder{},
	}
	h.lp = loop.New(h.clk)
	h.conn.OnSubscribe = func(s *mock.Subscription) {
		if s.Type == runPipelineType {
			s.Emit(map[string]any{"type": "init", "handler_id": 7})
		}
	}
	opts = append([]Option{WithUI(h.ui)}, opts...)
	h.e = New(h.lp, h.conn, h.out, h.player, cfg, opts...)
	h.e.SetHooks(Hooks{TurnComplete: func() { h.turns++ }})
	h.player.SetOnComplete(func(failed bool) { h.do(func() { h.e.PlaybackComplete(failed) }) })
	t.Cleanup(func() { h.do(h.e.Close) })
	return h
}

func (h *harness) do(fn func()) { h.lp.Post(fn) }

func (h *harness) start(t *testing.T) {
	t.Helper()
	var err error
	h.do(func() { err = h.e.Start(t.Context(), RunOptions{}) })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func (h *harness) state() State {
	var s State
	h.do(func() { s = h.e.State() })
	return s
}

// emit delivers a backend event to the newest run subscription.
func (h *harness) emit(t *testing.T, typ string, data any) {
	t.Helper()
	sub := h.conn.Last(runPipelineType)
	if sub == nil {
		t.Fatal("no run subscription")
	}
	msg := map[string]any{"type": typ}
	if data != nil {
		msg["data"] = data
	}
	sub.Emit(msg)
}

type obj = map[string]any

func (h *harness) runToWakeWord(t *testing.T) {
	t.Helper()
	h.emit(t, "run-start", obj{"runner_data": obj{"stt_binary_handler_id": 7}})
	h.emit(t, "wake_word-start", nil)
	h.emit(t, "wake_word-end", obj{"wake_word_output": obj{"wake_word_id": "ok_nabu"}})
}

func (h *harness) runs() int { return len(h.conn.Subscriptions(runPipelineType)) }

// ─── Start / stop ────────────────────────────────────────────────────────────

func TestEngine_StartSubscribesAndSendsAudio(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)

	sub := h.conn.Last(runPipelineType)
	if sub == nil {
		t.Fatal("no run subscription")
	}
	for k, want := range map[string]any{
		"entity_id":   "assist_satellite.kitchen",
		"start_stage": "wake_word",
		"end_stage":   "tts",
		"sample_rate": SampleRate,
	} {
		if got := sub.Fields[k]; got != want {
			t.Errorf("field %s = %v, want %v", k, got, want)
		}
	}
	if _, ok := sub.Fields["conversation_id"]; ok {
		t.Error("conversation_id set on a fresh run")
	}
	if h.out.starts != 1 {
		t.Errorf("StartSending calls = %d, want 1", h.out.starts)
	}
	id, ok := h.out.handler()
	if !ok || id != 7 {
		t.Errorf("handler = (%d, %v), want (7, true)", id, ok)
	}
}

func TestEngine_StartErrors(t *testing.T) {
	t.Run("no entity", func(t *testing.T) {
		h := newHarness(t, Config{})
		var err error
		h.do(func() { err = h.e.Start(t.Context(), RunOptions{}) })
		if !errors.Is(err, ErrNoSatellite) {
			t.Errorf("err = %v, want ErrNoSatellite", err)
		}
	})
	t.Run("subscribe fails", func(t *testing.T) {
		h := newHarness(t, testConfig)
		boom := errors.New("boom")
		h.conn.SetError(runPipelineType, boom)
		var err error
		h.do(func() { err = h.e.Start(t.Context(), RunOptions{}) })
		if !errors.Is(err, boom) {
			t.Errorf("err = %v, want wrapped boom", err)
		}
		if h.out.starts != 0 {
			t.Error("audio sending started after failed subscribe")
		}
	})
}

func TestEngine_StartCompletesOnInit(t *testing.T) {
	h := newHarness(t, testConfig)
	h.conn.OnSubscribe = nil
	h.start(t)

	if h.out.starts != 0 {
		t.Fatal("audio sending started before init")
	}
	if _, ok := h.e.HandlerID(); ok {
		t.Fatal("handler id set before init")
	}
	// The loop stays free while the backend is silent.
	if st := h.state(); st == Error {
		t.Fatalf("state = %v", st)
	}

	h.conn.Last(runPipelineType).Emit(obj{"type": "init", "handler_id": 9})
	if h.out.starts != 1 {
		t.Errorf("StartSending calls = %d, want 1", h.out.starts)
	}
	if id, ok := h.out.handler(); !ok || id != 9 {
		t.Errorf("handler = (%d, %v), want (9, true)", id, ok)
	}
	var streaming bool
	h.do(func() { streaming = h.e.Streaming() })
	if !streaming {
		t.Error("engine not streaming after init")
	}

	// A late timeout for the completed start is ignored.
	h.clk.Advance(initTimeout)
	if h.runs() != 1 || h.conn.ActiveCount(runPipelineType) != 1 {
		t.Errorf("runs = %d active = %d, want 1 and 1", h.runs(), h.conn.ActiveCount(runPipelineType))
	}
}

func TestEngine_InitTimeoutBacksOff(t *testing.T) {
	h := newHarness(t, testConfig)
	h.conn.OnSubscribe = nil
	h.start(t)

	h.clk.Advance(initTimeout)
	if h.conn.ActiveCount(runPipelineType) != 0 {
		t.Error("timed out run still subscribed")
	}
	if !h.ui.has(ui.Bar{Mode: ui.BarError}) {
		t.Error("error bar not shown after init timeout")
	}
	if h.out.starts != 0 {
		t.Error("audio sending started without init")
	}

	h.clk.Advance(5 * time.Second)
	if h.runs() != 2 {
		t.Errorf("runs = %d, want a retry after the first backoff step", h.runs())
	}
}

func TestEngine_InitForDroppedRunIgnored(t *testing.T) {
	h := newHarness(t, testConfig)
	h.conn.OnSubscribe = nil
	h.start(t)
	stale := h.conn.Last(runPipelineType)
	h.do(h.e.Stop)

	stale.Emit(obj{"type": "init", "handler_id": 4})
	if h.out.starts != 0 {
		t.Error("init of a dropped run started sending")
	}
}

func TestEngine_StopSwallowsAndClears(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.do(h.e.Stop)
	if h.conn.ActiveCount(runPipelineType) != 0 {
		t.Error("run still subscribed after Stop")
	}
	if _, ok := h.e.HandlerID(); ok {
		t.Error("handler id still set after Stop")
	}
	if h.out.stops == 0 {
		t.Error("StopSending not called")
	}
}

// ─── Restart ─────────────────────────────────────────────────────────────────

func TestEngine_RestartIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)

	h.do(func() {
		h.e.Restart(time.Second)
		h.e.Restart(time.Second)
		h.e.Restart(0)
	})
	if h.runs() != 1 {
		t.Fatalf("runs before delay = %d, want 1", h.runs())
	}
	h.clk.Advance(time.Second)

	if h.runs() != 2 {
		t.Errorf("runs = %d, want exactly one new run", h.runs())
	}
	if n := h.conn.ActiveCount(runPipelineType); n != 1 {
		t.Errorf("active runs = %d, want 1", n)
	}
	if h.clk.Pending() != 0 {
		t.Errorf("pending timers = %d, want 0", h.clk.Pending())
	}
}

func TestEngine_EventsIgnoredWhileRestarting(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.emit(t, "run-start", nil)
	h.do(func() {
		h.e.Restart(time.Second)
		h.e.HandleEvent(SttStart{})
	})
	if s := h.state(); s != Listening {
		t.Errorf("state = %v, want LISTENING", s)
	}
}

// ─── Backoff ─────────────────────────────────────────────────────────────────

func TestBackoff_GrowsLinearlyAndCaps(t *testing.T) {
	var b Backoff
	want := []time.Duration{5, 10, 15, 20, 25, 30, 30, 30}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("attempt %d: delay = %v, want %v", i+1, got, w*time.Second)
		}
	}
	b.Reset()
	if got := b.Next(); got != RetryBaseDelay {
		t.Errorf("after reset: delay = %v, want %v", got, RetryBaseDelay)
	}
}

func TestEngine_BackoffResetsOnWakeWordAndReconnect(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)

	var delays []time.Duration
	h.do(func() {
		for range 3 {
			delays = append(delays, h.e.NextRetryDelay())
		}
	})
	if !slices.Equal(delays, []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}) {
		t.Fatalf("delays = %v", delays)
	}

	h.runToWakeWord(t)
	var d time.Duration
	h.do(func() { d = h.e.NextRetryDelay() })
	if d != 5*time.Second {
		t.Errorf("after wake word: delay = %v, want 5s", d)
	}

	h.do(func() {
		h.e.NextRetryDelay()
		h.e.ResetRetryState()
		d = h.e.NextRetryDelay()
	})
	if d != 5*time.Second {
		t.Errorf("after reconnect reset: delay = %v, want 5s", d)
	}
}

func TestEngine_UnexpectedErrorBacksOff(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.emit(t, "run-start", nil)
	h.emit(t, "error", obj{"code": "stt-stream-failed", "message": "boom"})

	if !h.ui.has(ui.Bar{Mode: ui.BarError}) {
		t.Error("error bar not shown")
	}
	var unavailable bool
	h.do(func() { unavailable = h.e.Unavailable() })
	if !unavailable {
		t.Error("service not marked unavailable")
	}

	h.clk.Advance(4900 * time.Millisecond)
	if h.runs() != 1 {
		t.Fatalf("restarted before backoff elapsed (runs = %d)", h.runs())
	}
	h.clk.Advance(100 * time.Millisecond)
	if h.runs() != 2 {
		t.Errorf("runs = %d after 5s, want 2", h.runs())
	}

	// The second failure waits twice as long.
	h.emit(t, "run-start", nil)
	h.emit(t, "error", obj{"code": "stt-stream-failed"})
	h.clk.Advance(9 * time.Second)
	if h.runs() != 2 {
		t.Fatalf("second restart too early (runs = %d)", h.runs())
	}
	h.clk.Advance(time.Second)
	if h.runs() != 3 {
		t.Errorf("runs = %d after 10s, want 3", h.runs())
	}
}

func TestEngine_ExpectedErrorRestartsImmediately(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.runToWakeWord(t)
	h.emit(t, "stt-start", nil)
	h.emit(t, "error", obj{"code": "stt-no-text-recognized"})

	if s := h.state(); s != Idle {
		t.Errorf("state = %v, want IDLE", s)
	}
	if !slices.Contains(h.player.Chimes(), tts.ChimeDone) {
		t.Errorf("chimes = %v, want done chime", h.player.Chimes())
	}
	h.clk.Advance(0)
	if h.runs() != 2 {
		t.Errorf("runs = %d, want immediate restart", h.runs())
	}
}

// ─── Stale events ────────────────────────────────────────────────────────────

func TestEngine_StaleEventsIgnored(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		typ   string
		data  any
	}{
		{name: "wake word end before run start", typ: "wake_word-end", data: obj{"wake_word_output": obj{"wake_word_id": "x"}}},
		{name: "run end before run start", typ: "run-end"},
		{name: "error before run start", typ: "error", data: obj{"code": "boom"}},
		{
			name: "run end in wake word phase",
			setup: func(t *testing.T, h *harness) {
				h.emit(t, "run-start", nil)
				h.emit(t, "wake_word-start", nil)
			},
			typ: "run-end",
		},
		{
			name: "wake word end without output",
			setup: func(t *testing.T, h *harness) {
				h.emit(t, "run-start", nil)
			},
			typ:  "wake_word-end",
			data: obj{"wake_word_output": nil},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig)
			h.start(t)
			if tt.setup != nil {
				tt.setup(t, h)
			}
			before := h.state()
			h.emit(t, tt.typ, tt.data)
			h.clk.Advance(time.Minute)
			if h.runs() != 1 {
				t.Errorf("runs = %d, want no restart", h.runs())
			}
			if s := h.state(); s != before {
				t.Errorf("state = %v, want %v", s, before)
			}
		})
	}
}

func TestEngine_EmptyWakeWordOutputMarksUnavailable(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.emit(t, "run-start", nil)
	h.emit(t, "wake_word-end", obj{"wake_word_output": obj{}})

	if !h.ui.has(ui.Bar{Mode: ui.BarError}) {
		t.Error("error bar not shown")
	}
	h.clk.Advance(5 * time.Second)
	if h.runs() != 2 {
		t.Errorf("runs = %d, want backoff restart", h.runs())
	}

	// wake_word-start on the recovered run clears the indicator after 2s.
	h.emit(t, "run-start", nil)
	h.emit(t, "wake_word-start", nil)
	h.clk.Advance(2 * time.Second)
	var unavailable bool
	h.do(func() { unavailable = h.e.Unavailable() })
	if unavailable {
		t.Error("still unavailable after recovery delay")
	}
}

// ─── Turns ───────────────────────────────────────────────────────────────────

func TestEngine_SuppressedTTSStillCleansUp(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.runToWakeWord(t)
	h.emit(t, "stt-end", obj{"stt_output": obj{"text": "do the thing"}})
	h.emit(t, "intent-start", nil)
	h.emit(t, "intent-end", obj{"intent_output": obj{"response": obj{
		"response_type": "error",
		"speech":        obj{"plain": obj{"speech": "Sorry, I couldn't understand that"}},
	}}})

	if !h.ui.has(ui.Bar{Mode: ui.BarFlash}) {
		t.Error("transient error bar not shown")
	}
	if !slices.Contains(h.player.Chimes(), tts.ChimeError) {
		t.Error("error chime not played")
	}

	h.ui.reset()
	h.emit(t, "tts-end", obj{"tts_output": obj{"url": "/api/tts_proxy/abc.mp3"}})

	if len(h.player.Plays()) != 0 {
		t.Errorf("plays = %v, want none", h.player.Plays())
	}
	if !h.ui.has(ui.ChatCleared{}) {
		t.Error("chat not cleared")
	}
	if !h.ui.has(ui.Blur{Reason: ui.BlurPipeline, Shown: false}) {
		t.Error("overlay not hidden")
	}
	if s := h.state(); s != Idle {
		t.Errorf("state = %v, want IDLE", s)
	}
	if h.turns != 1 {
		t.Errorf("turn complete hook ran %d times, want 1", h.turns)
	}

	h.clk.Advance(3 * time.Second)
	if !h.ui.has(ui.Bar{Mode: ui.BarNormal}) {
		t.Error("transient error bar never cleared")
	}
	if h.runs() != 2 {
		t.Errorf("runs = %d, want a fresh run", h.runs())
	}
}

func TestEngine_FullTurn(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.runToWakeWord(t)

	if s := h.state(); s != WakeWordDetected {
		t.Fatalf("state = %v, want WAKE_WORD_DETECTED", s)
	}
	if !slices.Contains(h.player.Chimes(), tts.ChimeWake) {
		t.Error("wake chime not played")
	}
	if h.out.stops != 0 {
		t.Error("audio sending stopped for the wake chime")
	}
	if _, ok := h.e.HandlerID(); !ok {
		t.Error("handler id cleared for the wake chime")
	}
	if !h.ui.has(ui.Blur{Reason: ui.BlurPipeline, Shown: true}) {
		t.Error("overlay not shown")
	}

	h.emit(t, "stt-start", nil)
	h.emit(t, "stt-end", obj{"stt_output": obj{"text": "turn on the lights"}})
	h.emit(t, "intent-start", nil)
	h.emit(t, "intent-progress", obj{"chat_log_delta": obj{"content": "Turned "}})
	h.emit(t, "intent-progress", obj{"chat_log_delta": obj{"content": "on"}})
	h.emit(t, "intent-end", obj{"intent_output": obj{"response": obj{"speech": obj{"plain": obj{"speech": "Turned on the lights"}}}}})
	h.emit(t, "tts-start", nil)
	h.emit(t, "tts-end", obj{"tts_output": obj{"url": "/api/tts_proxy/abc.mp3"}})

	for _, want := range []ui.Event{
		ui.Transcript{Text: "turn on the lights"},
		ui.Response{Text: "Turned on", Partial: true},
		ui.Response{Text: "Turned on the lights"},
	} {
		if !h.ui.has(want) {
			t.Errorf("missing ui event %#v", want)
		}
	}
	if got := h.player.Plays(); !slices.Equal(got, []string{"/api/tts_proxy/abc.mp3"}) {
		t.Errorf("plays = %v", got)
	}

	h.clk.Advance(0)
	h.player.Complete(false)

	if s := h.state(); s != Idle {
		t.Errorf("state = %v, want IDLE", s)
	}
	if h.turns != 1 {
		t.Errorf("turn complete hook ran %d times, want 1", h.turns)
	}
	if c := h.player.Chimes(); c[len(c)-1] != tts.ChimeDone {
		t.Errorf("last chime = %v, want done", c[len(c)-1])
	}
}

func TestEngine_ContinueConversation(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.runToWakeWord(t)
	h.emit(t, "intent-end", obj{"intent_output": obj{
		"response":              "What color?",
		"continue_conversation": true,
		"conversation_id":       "conv-1",
	}})
	h.emit(t, "tts-start", nil)
	h.emit(t, "tts-end", obj{"tts_output": obj{"url_path": "/api/tts_proxy/q.mp3"}})
	h.clk.Advance(0)
	h.player.Complete(false)

	sub := h.conn.Last(runPipelineType)
	if sub.Fields["start_stage"] != "stt" || sub.Fields["conversation_id"] != "conv-1" {
		t.Fatalf("continuation fields = %v", sub.Fields)
	}
	h.emit(t, "run-start", nil)
	if s := h.state(); s != STT {
		t.Errorf("state = %v, want STT", s)
	}
	if h.turns != 0 {
		t.Error("turn completed although the conversation continues")
	}
}

func TestEngine_AskQuestionCapture(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)

	var answers []string
	h.do(func() {
		h.e.RestartContinue("", ContinueOptions{
			EndStage: StageSTT,
			OnSTTEnd: func(text string) { answers = append(answers, text) },
		})
	})
	sub := h.conn.Last(runPipelineType)
	if sub.Fields["end_stage"] != "stt" {
		t.Fatalf("end_stage = %v, want stt", sub.Fields["end_stage"])
	}
	h.emit(t, "run-start", nil)
	h.emit(t, "stt-end", obj{"stt_output": obj{"text": "blue"}})
	h.emit(t, "run-end", nil)
	h.clk.Advance(time.Minute)

	if !slices.Equal(answers, []string{"blue"}) {
		t.Errorf("answers = %v", answers)
	}
	if h.runs() != 2 {
		t.Errorf("runs = %d, want the notification to own the restart", h.runs())
	}
}

func TestEngine_AskQuestionErrorSendsEmptyAnswer(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	var answers []string
	h.do(func() {
		h.e.RestartContinue("", ContinueOptions{EndStage: StageSTT, OnSTTEnd: func(s string) { answers = append(answers, s) }})
	})
	h.emit(t, "run-start", nil)
	h.emit(t, "error", obj{"code": "stt-stream-failed"})
	if !slices.Equal(answers, []string{""}) {
		t.Errorf("answers = %q, want one empty answer", answers)
	}
}

func TestEngine_StreamingTTS(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.emit(t, "run-start", obj{"tts_output": obj{"url": "/api/tts_proxy/stream.mp3", "stream_response": true}})
	h.emit(t, "wake_word-end", obj{"wake_word_output": obj{"wake_word_id": "ok_nabu"}})
	h.emit(t, "intent-start", nil)
	h.emit(t, "intent-progress", obj{"tts_start_streaming": true})

	if s := h.state(); s != TTS {
		t.Errorf("state = %v, want TTS", s)
	}
	h.emit(t, "tts-end", obj{"tts_output": obj{"url": "/api/tts_proxy/final.mp3"}})
	if got := h.player.Plays(); !slices.Equal(got, []string{"/api/tts_proxy/stream.mp3"}) {
		t.Errorf("plays = %v, want only the streaming URL", got)
	}
	if h.player.Fallback() != "/api/tts_proxy/final.mp3" {
		t.Errorf("fallback = %q", h.player.Fallback())
	}
}

func TestEngine_RunEndDeferredWhilePlaying(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.runToWakeWord(t)
	h.emit(t, "tts-start", nil)
	h.player.Play("/x.mp3")
	h.emit(t, "run-end", nil)
	if h.runs() != 1 {
		t.Fatal("restarted while TTS was playing")
	}
	h.player.Complete(false)
	h.clk.Advance(0)
	if h.runs() != 2 {
		t.Errorf("runs = %d, want deferred run-end restart", h.runs())
	}
}

func TestEngine_PlaybackFailureLingers(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.runToWakeWord(t)
	h.emit(t, "tts-start", nil)
	h.emit(t, "tts-end", obj{"tts_output": obj{"url": "/x.mp3"}})
	h.clk.Advance(0)
	h.ui.reset()
	h.player.Complete(true)

	if h.ui.has(ui.ChatCleared{}) {
		t.Error("chat cleared immediately after failed playback")
	}
	if slices.Contains(h.player.Chimes(), tts.ChimeDone) {
		t.Error("done chime played after failed playback")
	}
	h.clk.Advance(5 * time.Second)
	if !h.ui.has(ui.ChatCleared{}) {
		t.Error("chat not cleared after linger")
	}
}

// ─── Settings ────────────────────────────────────────────────────────────────

func TestEngine_MutedPollsUntilUnmuted(t *testing.T) {
	h := newHarness(t, testConfig)
	h.do(func() { h.e.SetMuted(true) })
	h.start(t)
	if h.runs() != 0 {
		t.Fatal("subscribed while muted")
	}
	if !h.ui.has(ui.Bar{Mode: ui.BarError}) {
		t.Error("muted indicator not shown")
	}
	h.clk.Advance(2 * time.Second)
	if h.runs() != 0 {
		t.Fatal("subscribed while still muted")
	}
	h.do(func() { h.e.SetMuted(false) })
	h.clk.Advance(2 * time.Second)
	if h.runs() != 1 {
		t.Errorf("runs = %d after unmute, want 1", h.runs())
	}
}

func TestEngine_OnDeviceHandoff(t *testing.T) {
	det := &fakeDetector{}
	h := newHarness(t, testConfig, WithDetector(det))
	h.do(func() { h.e.SetOnDevice(true) })
	h.start(t)

	if det.starts != 1 || h.runs() != 0 {
		t.Fatalf("detector starts = %d, runs = %d; want local detection only", det.starts, h.runs())
	}
	if s := h.state(); s != Listening {
		t.Errorf("state = %v, want LISTENING", s)
	}

	stopsBefore := h.out.stops
	h.do(h.e.WakeWordDetected)
	if s := h.state(); s != WakeWordDetected {
		t.Errorf("state = %v, want WAKE_WORD_DETECTED", s)
	}
	if h.out.stops == stopsBefore {
		t.Error("audio sending not suspended during chime")
	}
	h.clk.Advance(tts.Duration(tts.ChimeWake))
	if h.runs() != 0 {
		t.Fatal("run subscribed before the chime window ended")
	}
	h.clk.Advance(chimeResumeMargin)
	if h.out.clears != 1 {
		t.Errorf("buffer clears = %d, want 1", h.out.clears)
	}
	sub := h.conn.Last(runPipelineType)
	if sub == nil || sub.Fields["start_stage"] != "stt" {
		t.Fatalf("handoff run = %v, want start_stage stt", sub)
	}
	h.emit(t, "run-start", nil)
	if s := h.state(); s != STT {
		t.Errorf("state = %v, want STT", s)
	}
}

func TestEngine_Displaced(t *testing.T) {
	h := newHarness(t, testConfig)
	displaced := false
	h.do(func() {
		h.e.SetHooks(Hooks{Displaced: func() { displaced = true }})
	})
	h.start(t)
	h.emit(t, "displaced", nil)

	if !displaced {
		t.Error("displaced hook not called")
	}
	if !h.ui.has(ui.StartRequired{Reason: ui.StartDisplaced}) {
		t.Error("start required not published")
	}
	if h.conn.ActiveCount(runPipelineType) != 0 {
		t.Error("run still subscribed")
	}
	h.clk.Advance(time.Minute)
	if h.runs() != 1 {
		t.Error("restarted after displacement")
	}
}

func TestEngine_IdleTimeout(t *testing.T) {
	cfg := testConfig
	cfg.IdleTimeout = time.Minute
	h := newHarness(t, cfg)
	h.start(t)
	h.emit(t, "run-start", nil)

	h.clk.Advance(time.Minute)
	h.clk.Advance(0)
	if h.runs() != 2 {
		t.Fatalf("runs = %d, want idle refresh", h.runs())
	}

	// During a turn the timer re-arms instead of restarting.
	h.runToWakeWord(t)
	h.clk.Advance(time.Minute)
	if h.runs() != 2 {
		t.Errorf("runs = %d, idle timeout interrupted a turn", h.runs())
	}
}

func TestEngine_StateSync(t *testing.T) {
	h := newHarness(t, testConfig)
	h.start(t)
	h.emit(t, "run-start", nil)
	h.runToWakeWord(t)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var states []any
		for _, c := range h.conn.Calls(updateStateType) {
			states = append(states, c.Fields["state"])
		}
		if slices.Equal(states, []any{"LISTENING", "WAKE_WORD_DETECTED"}) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("update_state calls = %v", h.conn.Calls(updateStateType))
}

package notify

import (
	"encoding/json"
	"log/slog"

	"github.com/MrWong99/voicesat/internal/pipeline"
	"github.com/MrWong99/voicesat/internal/transport"
	"github.com/MrWong99/voicesat/internal/tts"
	"github.com/MrWong99/voicesat/internal/ui"
)

// kindBehavior is what differs between notification kinds once the shared
// playback sequence has finished.
type kindBehavior interface {
	// complete runs after the media (or the no-media delay) ended.
	complete(a *Arbiter, s *slot, seq uint64)

	// cancel releases kind-specific state of a playback being aborted.
	cancel(a *Arbiter, s *slot)
}

// ─── Announcement ────────────────────────────────────────────────────────────

// announcement stays on screen for the display duration, then hands over to
// the next queued notification or plays the done chime.
type announcement struct{}

func (announcement) complete(a *Arbiter, s *slot, seq uint64) {
	a.ack(s)
	// The integration cancels the running pipeline to announce.
	a.engine.Restart(0)
	s.clear = a.lp.After(a.display, func() {
		s.clear = nil
		if s.seq != seq {
			return
		}
		a.clearUI(s)
		a.finish(s)
		if a.PlayQueued() {
			return
		}
		if a.engine.WakeSound() && !a.player.Remote() {
			a.player.PlayChime(tts.ChimeDone)
		}
	})
}

func (announcement) cancel(*Arbiter, *slot) {}

// ─── Question ────────────────────────────────────────────────────────────────

// question captures a spoken answer with a speech-to-text only run and
// submits it to the integration.
type question struct{}

type answerResult struct {
	Matched bool   `json:"matched"`
	ID      string `json:"id"`
}

func (question) complete(a *Arbiter, s *slot, seq uint64) {
	a.ack(s)
	id := s.current.ID
	remote := a.player.Remote()
	a.ui.Publish(ui.Blur{Reason: ui.BlurPipeline, Shown: true})

	capture := func() {
		s.settle = nil
		if s.seq != seq {
			return
		}
		slog.Info("notify: capturing answer", "id", id)
		a.engine.RestartContinue("", pipeline.ContinueOptions{
			EndStage: pipeline.StageSTT,
			OnSTTEnd: func(text string) {
				if s.seq != seq || s.answerSent {
					return
				}
				s.answerSent = true
				a.submitAnswer(s, seq, id, text, remote)
			},
		})
		if s.seq != seq || s.answerSent {
			return
		}
		s.safety = a.lp.After(answerSafety, func() {
			s.safety = nil
			if s.seq != seq || s.answerSent {
				return
			}
			slog.Warn("notify: no answer captured, sending empty answer", "id", id)
			s.answerSent = true
			a.submitAnswer(s, seq, id, "", remote)
		})
	}
	if remote {
		capture()
		return
	}
	// Let the chime fade before the microphone run starts.
	a.player.PlayChime(tts.ChimeWake)
	s.settle = a.lp.After(chimeSettle, capture)
}

// submitAnswer sends the answer and cleans up when the result arrives or
// after answerCleanup, whichever comes first. A failed submission counts as
// no match.
func (a *Arbiter) submitAnswer(s *slot, seq uint64, id int, text string, remote bool) {
	stopQuestionTimers(s)
	cleaned := false
	cleanup := func() {
		if cleaned || s.seq != seq {
			return
		}
		cleaned = true
		s.cleanup.Stop()
		s.cleanup = nil
		a.clearUI(s)
		a.ui.Publish(ui.ChatCleared{})
		a.ui.Publish(ui.Blur{Reason: ui.BlurPipeline, Shown: false})
		a.finish(s)
		if !a.PlayQueued() {
			a.engine.Restart(0)
		}
	}
	s.cleanup = a.lp.After(answerCleanup, cleanup)

	fields := transport.Fields{"entity_id": a.entity, "announce_id": id, "sentence": text}
	a.send(questionAnsweredType, fields, func(raw json.RawMessage, err error) {
		var res answerResult
		if err != nil {
			slog.Error("notify: answer submission failed", "id", id, "err", err)
		} else if len(raw) > 0 {
			if err := json.Unmarshal(raw, &res); err != nil {
				slog.Warn("notify: bad answer result", "id", id, "err", err)
			}
		}
		slog.Info("notify: answer submitted", "id", id, "sentence", text, "matched", res.Matched, "match_id", res.ID)
		if s.seq != seq {
			return
		}
		a.ui.Publish(ui.AnswerResult{Matched: res.Matched})
		if !remote {
			chime := tts.ChimeDone
			if !res.Matched {
				chime = tts.ChimeError
			}
			a.player.PlayChime(chime)
		}
		if !res.Matched {
			a.ui.Publish(ui.Bar{Mode: ui.BarFlash})
		}
		cleanup()
	})
}

func (question) cancel(a *Arbiter, s *slot) {
	stopQuestionTimers(s)
	s.cleanup.Stop()
	s.cleanup = nil
	if s.current != nil && !s.answerSent {
		s.answerSent = true
		id := s.current.ID
		fields := transport.Fields{"entity_id": a.entity, "announce_id": id, "sentence": ""}
		a.send(questionAnsweredType, fields, func(_ json.RawMessage, err error) {
			if err != nil {
				slog.Debug("notify: releasing question failed", "id", id, "err", err)
			}
		})
	}
	a.ui.Publish(ui.Blur{Reason: ui.BlurPipeline, Shown: false})
}

func stopQuestionTimers(s *slot) {
	s.settle.Stop()
	s.settle = nil
	s.safety.Stop()
	s.safety = nil
}

// ─── Start conversation ──────────────────────────────────────────────────────

// conversation clears the prompt and opens a full conversation turn.
type conversation struct{}

func (conversation) complete(a *Arbiter, s *slot, _ uint64) {
	a.ack(s)
	extra := s.current.ExtraSystemPrompt
	a.clearUI(s)
	a.finish(s)
	a.ui.Publish(ui.Blur{Reason: ui.BlurPipeline, Shown: true})
	a.engine.RestartContinue("", pipeline.ContinueOptions{ExtraSystemPrompt: extra})
}

func (conversation) cancel(*Arbiter, *slot) {}

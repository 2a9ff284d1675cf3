// Package visibility pauses the satellite while no surface is watching and
// resumes it when one comes back.
//
// Hiding is debounced so quick hide/show flips never touch the microphone.
// Resuming cancels pending engine restarts before it waits for the
// microphone, then clears the paused flag in the same loop callback that
// restarts the pipeline, so no timer can start a run in between.
package visibility

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/pipeline"
)

// Debounce is how long a hide must last before the microphone pauses.
const Debounce = 500 * time.Millisecond

// Engine is the part of the pipeline engine visibility drives.
type Engine interface {
	Interacting() bool
	SetPaused(bool)
	SetState(pipeline.State)
	AbortTurn()
	ResetForResume()
	Restart(delay time.Duration)
}

// Mic is the capture device paused while hidden.
type Mic interface {
	Pause()
	Resume(ctx context.Context) error
}

// Notifications is the part of the notification arbiter visibility drives.
type Notifications interface {
	CancelQuestion()
	SetHidden(bool)
	ReplayHeld() bool
	Active() bool
}

// Coordinator tracks visibility. Hide and Show may be called from any
// goroutine except the loop itself.
type Coordinator struct {
	lp     *loop.Loop
	engine Engine
	mic    Mic
	notes  Notifications

	// Loop-owned.
	hidden   bool
	gen      uint64
	debounce *loop.Timer
}

// New returns a coordinator for a visible satellite.
func New(lp *loop.Loop, engine Engine, mic Mic, notes Notifications) *Coordinator {
	return &Coordinator{lp: lp, engine: engine, mic: mic, notes: notes}
}

// Hidden reports whether the satellite is hidden. It must be called on the
// loop.
func (c *Coordinator) Hidden() bool { return c.hidden }

// Hide blocks backend events at once, drops a running turn and pauses the
// microphone after [Debounce].
func (c *Coordinator) Hide() {
	c.do(func() {
		c.debounce.Stop()
		c.debounce = nil
		c.hidden = true
		c.gen++
		c.engine.SetPaused(true)
		c.notes.SetHidden(true)
		c.notes.CancelQuestion()
		if c.engine.Interacting() {
			slog.Info("visibility: hidden during interaction, dropping turn")
			c.engine.AbortTurn()
		}
		c.debounce = c.lp.After(Debounce, func() {
			c.debounce = nil
			slog.Info("visibility: hidden, pausing microphone")
			c.engine.SetState(pipeline.Paused)
			c.mic.Pause()
		})
	})
}

// Show resumes a hidden satellite: it replays the newest notification that
// arrived while hidden or restarts the pipeline. A Hide that lands while the
// microphone resumes wins and Show returns without restarting.
func (c *Coordinator) Show(ctx context.Context) error {
	var (
		resume bool
		gen    uint64
	)
	c.do(func() {
		c.debounce.Stop()
		c.debounce = nil
		if !c.hidden {
			return
		}
		c.engine.ResetForResume()
		resume = true
		gen = c.gen
	})
	if !resume {
		return nil
	}

	slog.Info("visibility: shown, resuming")
	if err := c.mic.Resume(ctx); err != nil {
		// Stay hidden so the next Show retries.
		return fmt.Errorf("visibility: resume microphone: %w", err)
	}

	c.do(func() {
		if c.gen != gen || !c.hidden {
			slog.Debug("visibility: hidden again during resume")
			return
		}
		c.hidden = false
		c.engine.SetPaused(false)
		c.notes.SetHidden(false)
		// A replayed notification restarts the pipeline once it has played.
		if c.notes.ReplayHeld() && c.notes.Active() {
			return
		}
		c.engine.Restart(0)
	})
	return nil
}

// do runs fn on the loop and waits for it.
func (c *Coordinator) do(fn func()) {
	done := make(chan struct{})
	c.lp.Post(func() {
		defer close(done)
		fn()
	})
	<-done
}

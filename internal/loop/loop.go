// Package loop provides the cooperative single-threaded executor that every
// stateful satellite component runs on.
//
// A [Loop] never runs two callbacks at the same time. [Loop.Post] executes the
// callback immediately on the calling goroutine when the loop is idle and
// queues it otherwise; the goroutine that is currently draining the loop runs
// queued callbacks in FIFO order before returning. A callback that posts from
// inside the loop is therefore queued rather than run recursively.
//
// Timers created with [Loop.After] deliver their callbacks through the loop. A
// [Timer] stopped from inside the loop is guaranteed never to run, even if the
// underlying clock already fired and its delivery is sitting in the queue.
package loop

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voicesat/internal/clock"
)

// Loop serialises callbacks. The zero value is not usable; call [New].
type Loop struct {
	clk clock.Clock

	mu      sync.Mutex
	queue   []func()
	running bool
}

// New returns a [Loop] scheduling timers on clk. A nil clk selects
// [clock.Real].
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Loop{clk: clk}
}

// Clock returns the clock the loop schedules timers on.
func (l *Loop) Clock() clock.Clock { return l.clk }

// Now is shorthand for l.Clock().Now().
func (l *Loop) Now() time.Time { return l.clk.Now() }

// Post schedules fn. If no callback is running, fn and anything it posts run
// before Post returns.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	l.mu.Unlock()
	l.drain()
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		l.run(fn)
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("loop: callback panicked", "panic", r)
		}
	}()
	fn()
}

// Timer is a cancellable delayed callback delivered through a [Loop]. A nil
// *Timer is valid and stopping it is a no-op.
type Timer struct {
	t       clock.Timer
	stopped atomic.Bool
}

// After runs fn on the loop once d has elapsed.
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.t = l.clk.AfterFunc(d, func() {
		l.Post(func() {
			if t.stopped.Swap(true) {
				return
			}
			fn()
		})
	})
	return t
}

// Stop cancels the timer. It reports whether the callback had not yet run.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	if t.stopped.Swap(true) {
		return false
	}
	t.t.Stop()
	return true
}

// Active reports whether the timer is still armed.
func (t *Timer) Active() bool {
	return t != nil && !t.stopped.Load()
}

package wakeword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicesat/internal/loop"
	"github.com/MrWong99/voicesat/internal/observe"
	"github.com/MrWong99/voicesat/pkg/audio"
)

// ErrNotLoaded is returned by [Detector.Start] before any model was loaded.
var ErrNotLoaded = errors.New("wakeword: models not loaded")

// queueDepth bounds the number of chunks waiting for inference.
const queueDepth = 64

// Handoff receives positive detections. It is invoked on the session loop.
type Handoff interface {
	WakeWordDetected()
}

// Detector owns the inference chain for the active wake word. Audio is fed
// from the capture goroutine, cut into exact [ChunkSize] chunks and drained
// by a single worker so inference never overlaps. After a detection the
// detector deactivates itself, drops queued audio and hands off; the
// pipeline reactivates it with [Detector.Start] when it returns to
// listening.
type Detector struct {
	provider ModelProvider
	lp       *loop.Loop
	metrics  *observe.Metrics
	now      func() time.Time

	// loadMu serialises model loads.
	loadMu sync.Mutex

	// infMu serialises the worker against model swaps and resets.
	infMu sync.Mutex
	inf   *Inference

	mu          sync.Mutex
	handoff     Handoff
	model       string
	sensitivity Sensitivity
	chunker     Chunker
	gen         uint64
	active      bool
	dropped     int

	queue    chan queuedChunk
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type queuedChunk struct {
	gen     uint64
	samples []float32
}

// DetectorOption configures a [Detector].
type DetectorOption func(*Detector)

// WithMetrics records inference latency and detections to m.
func WithMetrics(m *observe.Metrics) DetectorOption {
	return func(d *Detector) { d.metrics = m }
}

// WithClock overrides the time source used for the cooldown.
func WithClock(now func() time.Time) DetectorOption {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// NewDetector returns a detector loading models from provider and posting
// detections to lp. Call [Detector.Close] to stop its worker.
func NewDetector(provider ModelProvider, lp *loop.Loop, opts ...DetectorOption) *Detector {
	d := &Detector{
		provider:    provider,
		lp:          lp,
		now:         lp.Now,
		model:       DefaultModel,
		sensitivity: SensitivityModerate,
		queue:       make(chan queuedChunk, queueDepth),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.wg.Add(1)
	go d.work()
	return d
}

// SetHandoff registers the detection receiver.
func (d *Detector) SetHandoff(h Handoff) {
	d.mu.Lock()
	d.handoff = h
	d.mu.Unlock()
}

// Load loads model and builds a fresh inference chain using the threshold
// for sensitivity. The current chain is detached before the provider runs,
// since the provider may release models the chain still references; audio
// fed during the load is dropped. A failed load reattaches the old chain.
func (d *Detector) Load(ctx context.Context, model string, sensitivity Sensitivity) (err error) {
	if model == "" {
		model = DefaultModel
	}
	if sensitivity == "" {
		sensitivity = SensitivityModerate
	}
	ctx, span := observe.StartSpan(ctx, "wakeword.load",
		observe.AttrModel.String(model),
		observe.AttrSensitivity.String(string(sensitivity)),
	)
	defer func() { observe.EndSpan(span, err) }()

	d.loadMu.Lock()
	defer d.loadMu.Unlock()

	// Waits for a running ProcessChunk to return.
	d.infMu.Lock()
	prev := d.inf
	d.inf = nil
	d.infMu.Unlock()

	models, err := d.provider.Load(ctx, model)
	if err != nil {
		d.infMu.Lock()
		d.inf = prev
		d.infMu.Unlock()
		return fmt.Errorf("wakeword: load %q: %w", model, err)
	}
	opts := []InferenceOption{
		WithThreshold(Threshold(model, sensitivity)),
		WithNow(d.now),
	}
	if d.metrics != nil {
		m := d.metrics
		opts = append(opts, WithStageTimer(func(stage string, dur time.Duration) {
			m.RecordInference(context.Background(), stage, dur)
		}))
	}
	inf := NewInference(models, opts...)

	d.infMu.Lock()
	d.inf = inf
	d.infMu.Unlock()

	d.mu.Lock()
	d.model, d.sensitivity = model, sensitivity
	d.gen++
	d.chunker.Reset()
	d.mu.Unlock()

	observe.Logger(ctx).Info("wakeword: model ready",
		"model", model,
		"sensitivity", string(sensitivity),
		"threshold", inf.Threshold(),
		"window", inf.Window(),
	)
	return nil
}

// Loaded reports whether an inference chain exists.
func (d *Detector) Loaded() bool {
	d.infMu.Lock()
	defer d.infMu.Unlock()
	return d.inf != nil
}

// Model returns the loaded wake word name.
func (d *Detector) Model() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.model
}

// Sensitivity returns the active sensitivity label.
func (d *Detector) Sensitivity() Sensitivity {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sensitivity
}

// SetSensitivity updates the threshold of the running chain in place.
func (d *Detector) SetSensitivity(s Sensitivity) {
	d.mu.Lock()
	d.sensitivity = s
	model := d.model
	d.mu.Unlock()

	t := Threshold(model, s)
	d.infMu.Lock()
	if d.inf != nil {
		d.inf.SetThreshold(t)
	}
	d.infMu.Unlock()
	slog.Info("wakeword: threshold updated", "model", model, "sensitivity", string(s), "threshold", t)
}

// Start resets the chain and begins accepting audio.
func (d *Detector) Start() error {
	d.infMu.Lock()
	if d.inf == nil {
		d.infMu.Unlock()
		return ErrNotLoaded
	}
	d.inf.Reset()
	d.infMu.Unlock()

	d.mu.Lock()
	d.active = true
	d.gen++
	d.chunker.Reset()
	d.mu.Unlock()
	return nil
}

// Restart resets and reactivates a loaded detector. It is a no-op before
// the first [Detector.Load].
func (d *Detector) Restart() {
	if err := d.Start(); err != nil && !errors.Is(err, ErrNotLoaded) {
		slog.Warn("wakeword: restart failed", "err", err)
	}
}

// Stop stops accepting audio and drops anything queued.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.active = false
	d.gen++
	d.chunker.Reset()
	d.mu.Unlock()
}

// Active reports whether audio is being accepted.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Feed accepts a captured frame. It is called on the capture goroutine and
// never blocks; chunks that do not fit the queue are dropped.
func (d *Detector) Feed(fr audio.Frame) {
	d.mu.Lock()
	if !d.active {
		d.mu.Unlock()
		return
	}
	samples := audio.ResampleFloat(fr.Samples, fr.SampleRate, audio.TargetSampleRate)
	chunks := d.chunker.Push(samples)
	gen := d.gen
	d.mu.Unlock()

	for _, c := range chunks {
		select {
		case d.queue <- queuedChunk{gen: gen, samples: c}:
		default:
			d.mu.Lock()
			d.dropped++
			n := d.dropped
			d.mu.Unlock()
			if n == 1 || n%100 == 0 {
				slog.Warn("wakeword: inference falling behind, dropping audio", "dropped_chunks", n)
			}
		}
	}
}

// Close stops the worker and releases the models.
func (d *Detector) Close() error {
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
	return d.provider.Close()
}

func (d *Detector) work() {
	defer d.wg.Done()
	for {
		select {
		case <-d.done:
			return
		case c := <-d.queue:
			d.process(c)
		}
	}
}

func (d *Detector) process(c queuedChunk) {
	d.mu.Lock()
	live := d.active && c.gen == d.gen
	d.mu.Unlock()
	if !live {
		return
	}

	d.infMu.Lock()
	inf := d.inf
	if inf == nil {
		d.infMu.Unlock()
		return
	}
	res, err := inf.ProcessChunk(c.samples)
	d.infMu.Unlock()
	if err != nil {
		slog.Warn("wakeword: inference failed, chunk dropped", "err", err)
		return
	}
	if !res.Detected {
		return
	}

	d.mu.Lock()
	if !d.active || c.gen != d.gen {
		d.mu.Unlock()
		return
	}
	d.active = false
	d.gen++
	d.chunker.Reset()
	h := d.handoff
	model := d.model
	d.mu.Unlock()

	slog.Info("wakeword: detected", "model", model, "score", res.Score, "vad", res.VADScore)
	if d.metrics != nil {
		d.metrics.RecordWakeWord(context.Background(), "on_device")
	}
	if h != nil {
		d.lp.Post(h.WakeWordDetected)
	}
}

// Chunker cuts an arbitrary stream of samples into exact [ChunkSize]
// chunks, preserving order. The zero value is ready to use.
type Chunker struct {
	buf []float32
}

// Push appends samples and returns every completed chunk.
func (c *Chunker) Push(samples []float32) [][]float32 {
	c.buf = append(c.buf, samples...)
	var out [][]float32
	for len(c.buf) >= ChunkSize {
		chunk := make([]float32, ChunkSize)
		copy(chunk, c.buf[:ChunkSize])
		out = append(out, chunk)
		c.buf = c.buf[ChunkSize:]
	}
	if len(c.buf) == 0 {
		c.buf = nil
	}
	return out
}

// Pending returns the number of buffered samples.
func (c *Chunker) Pending() int { return len(c.buf) }

// Reset discards buffered samples.
func (c *Chunker) Reset() { c.buf = nil }

// Package wakeword implements on-device wake-word detection: a streaming
// four-stage inference chain (voice activity, mel spectrogram, embedding,
// keyword classifier) fed with 80ms chunks of 16 kHz audio, plus the
// [Detector] that owns model loading, thresholds and the hand-off to the
// pipeline.
//
// The numeric constants in this package are tied to the openWakeWord model
// family and must not be tuned.
package wakeword

import (
	"errors"
	"fmt"
	"time"
)

// Streaming constants shared with the model family.
const (
	ChunkSize         = 1280 // 80ms at 16 kHz
	MelContextSamples = 480
	MelInputSize      = ChunkSize + MelContextSamples
	MelFramesPerChunk = 8
	MelBins           = 32
	MelWindow         = 76
	MelMaxBuffer      = 970
	EmbeddingDim      = 96
	EmbeddingMax      = 120

	DefaultKeywordWindow = 16
	DefaultThreshold     = 0.5

	VADFrameSize  = 640
	VADStateSize  = 2 * 1 * 64 * 2 // h and c, each [2,1,64]
	VADMaxHistory = 125

	melScale      = 32767
	vadSpeechProb = 0.5

	// Cooldown is the minimum spacing between two positive detections.
	Cooldown = 2000 * time.Millisecond
)

// ErrBadChunk is returned by [Inference.ProcessChunk] for input that is not
// exactly [ChunkSize] samples long.
var ErrBadChunk = errors.New("wakeword: chunk must be exactly 1280 samples")

// VADState is the opaque recurrent state carried between voice activity
// model calls. The zero value is the initial state.
type VADState []float32

// VADModel scores a [VADFrameSize]-sample frame for speech.
type VADModel interface {
	Speech(frame []float32, state VADState) (prob float32, next VADState, err error)
}

// MelModel computes mel frames for [MelInputSize] samples scaled to int16
// magnitude. It returns the frames flattened, [MelBins] values per frame.
type MelModel interface {
	Mel(samples []float32) ([]float32, error)
}

// EmbeddingModel reduces [MelWindow] mel frames to one embedding of at least
// [EmbeddingDim] values.
type EmbeddingModel interface {
	Embed(frames [][]float32) ([]float32, error)
}

// KeywordModel scores a window of embeddings for its wake word.
type KeywordModel interface {
	Score(window [][]float32) (float32, error)

	// Window is the number of embeddings the model consumes.
	Window() int
}

// Models bundles one instance of every stage.
type Models struct {
	VAD       VADModel
	Mel       MelModel
	Embedding EmbeddingModel
	Keyword   KeywordModel
}

// Result reports the outcome of one chunk. Score and VADScore are filled in
// even when Detected is false.
type Result struct {
	Detected bool
	Score    float32
	VADScore float32
}

// StageTimer receives per-stage latencies. Stages are "vad", "mel",
// "embedding" and "keyword".
type StageTimer func(stage string, d time.Duration)

// Inference is the stateful streaming chain. It is not safe for concurrent
// use: chunks must be processed strictly one after another.
type Inference struct {
	models    Models
	window    int
	threshold float32
	now       func() time.Time
	timer     StageTimer

	mel        [][]float32
	melContext []float32
	embeddings [][]float32
	vadState   VADState
	vadScores  []float32
	lastDetect time.Time
}

// InferenceOption configures an [Inference].
type InferenceOption func(*Inference)

// WithThreshold sets the keyword score cutoff.
func WithThreshold(t float32) InferenceOption {
	return func(i *Inference) { i.threshold = t }
}

// WithNow overrides the clock used for the cooldown.
func WithNow(now func() time.Time) InferenceOption {
	return func(i *Inference) {
		if now != nil {
			i.now = now
		}
	}
}

// WithStageTimer registers a latency observer.
func WithStageTimer(fn StageTimer) InferenceOption {
	return func(i *Inference) { i.timer = fn }
}

// NewInference returns a chain over models in its reset state.
func NewInference(models Models, opts ...InferenceOption) *Inference {
	i := &Inference{
		models:    models,
		window:    DefaultKeywordWindow,
		threshold: DefaultThreshold,
		now:       time.Now,
	}
	if models.Keyword != nil && models.Keyword.Window() > 0 {
		i.window = models.Keyword.Window()
	}
	for _, opt := range opts {
		opt(i)
	}
	i.Reset()
	return i
}

// SetThreshold updates the keyword score cutoff.
func (i *Inference) SetThreshold(t float32) { i.threshold = t }

// Threshold returns the keyword score cutoff.
func (i *Inference) Threshold() float32 { return i.threshold }

// Window returns the keyword window in embeddings.
func (i *Inference) Window() int { return i.window }

// Reset returns every buffer to its startup value: the mel buffer holds
// [MelWindow] frames of 1.0, context and recurrent state are zero and the
// cooldown is cleared.
func (i *Inference) Reset() {
	i.mel = make([][]float32, MelWindow)
	for f := range i.mel {
		frame := make([]float32, MelBins)
		for b := range frame {
			frame[b] = 1
		}
		i.mel[f] = frame
	}
	i.melContext = make([]float32, MelContextSamples)
	i.embeddings = nil
	i.vadState = make(VADState, VADStateSize)
	i.vadScores = nil
	i.lastDetect = time.Time{}
}

// ProcessChunk runs one chunk through the chain. Buffers are only updated
// once every model call for the chunk has succeeded, so a failing chunk
// leaves the state exactly as it was.
func (i *Inference) ProcessChunk(chunk []float32) (Result, error) {
	if len(chunk) != ChunkSize {
		return Result{}, ErrBadChunk
	}

	// 1. Voice activity over two sub-frames, averaged.
	start := time.Now()
	state := i.vadState
	var total float32
	for off := 0; off < ChunkSize; off += VADFrameSize {
		p, next, err := i.models.VAD.Speech(chunk[off:off+VADFrameSize], state)
		if err != nil {
			return Result{}, fmt.Errorf("wakeword: vad: %w", err)
		}
		total += p
		state = next
	}
	vadScore := total / float32(ChunkSize/VADFrameSize)
	i.observe("vad", start)

	// 2. Mel frames with left context.
	start = time.Now()
	input := make([]float32, MelInputSize)
	for k, s := range i.melContext {
		input[k] = s * melScale
	}
	for k, s := range chunk {
		input[MelContextSamples+k] = s * melScale
	}
	raw, err := i.models.Mel.Mel(input)
	if err != nil {
		return Result{}, fmt.Errorf("wakeword: mel: %w", err)
	}
	frames := len(raw) / MelBins
	if frames < MelFramesPerChunk {
		return Result{}, fmt.Errorf("wakeword: mel: got %d frames, want at least %d", frames, MelFramesPerChunk)
	}
	newMel := make([][]float32, MelFramesPerChunk)
	for f := range newMel {
		src := raw[(frames-MelFramesPerChunk+f)*MelBins:]
		frame := make([]float32, MelBins)
		for b := range frame {
			frame[b] = src[b]/10 + 2
		}
		newMel[f] = frame
	}
	i.observe("mel", start)

	mel := appendCapped(i.mel, newMel, MelMaxBuffer)

	// 3. One embedding from the newest mel window.
	var embedding []float32
	if len(mel) >= MelWindow {
		start = time.Now()
		e, err := i.models.Embedding.Embed(mel[len(mel)-MelWindow:])
		if err != nil {
			return Result{}, fmt.Errorf("wakeword: embedding: %w", err)
		}
		if len(e) < EmbeddingDim {
			return Result{}, fmt.Errorf("wakeword: embedding: got %d values, want %d", len(e), EmbeddingDim)
		}
		embedding = append([]float32(nil), e[:EmbeddingDim]...)
		i.observe("embedding", start)
	}

	embeddings := i.embeddings
	if embedding != nil {
		embeddings = appendCapped(i.embeddings, [][]float32{embedding}, EmbeddingMax)
	}

	// 4. Keyword score once the window is filled.
	var score float32
	scored := false
	if embedding != nil && len(embeddings) >= i.window {
		start = time.Now()
		score, err = i.models.Keyword.Score(embeddings[len(embeddings)-i.window:])
		if err != nil {
			return Result{}, fmt.Errorf("wakeword: keyword: %w", err)
		}
		scored = true
		i.observe("keyword", start)
	}

	// Commit.
	i.vadState = state
	i.vadScores = append(i.vadScores, vadScore)
	if len(i.vadScores) > VADMaxHistory {
		i.vadScores = i.vadScores[len(i.vadScores)-VADMaxHistory:]
	}
	i.melContext = append(i.melContext[:0], chunk[ChunkSize-MelContextSamples:]...)
	i.mel = mel
	i.embeddings = embeddings

	if !scored {
		return Result{VADScore: vadScore}, nil
	}
	res := Result{Score: score, VADScore: vadScore}
	if score > i.threshold && i.speechRecently() {
		now := i.now()
		if i.lastDetect.IsZero() || now.Sub(i.lastDetect) > Cooldown {
			i.lastDetect = now
			res.Detected = true
		}
	}
	return res, nil
}

// speechRecently checks the voice activity scores four to seven chunks back,
// which lines up with the classifier's latency.
func (i *Inference) speechRecently() bool {
	n := len(i.vadScores)
	if n < 4 {
		return false
	}
	for k := max(0, n-7); k < max(0, n-4); k++ {
		if i.vadScores[k] > vadSpeechProb {
			return true
		}
	}
	return false
}

func (i *Inference) observe(stage string, start time.Time) {
	if i.timer != nil {
		i.timer(stage, time.Since(start))
	}
}

// appendCapped returns buf+add keeping at most limit newest entries. buf is
// never modified in place.
func appendCapped(buf, add [][]float32, limit int) [][]float32 {
	n := len(buf) + len(add)
	drop := max(0, n-limit)
	out := make([][]float32, 0, n-drop)
	if drop < len(buf) {
		out = append(out, buf[drop:]...)
		out = append(out, add...)
	} else {
		out = append(out, add[drop-len(buf):]...)
	}
	return out
}

package wakeword

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/sync/errgroup"
)

// ModelProvider loads model sets. The shared feature models are loaded once;
// switching wake words reloads only the keyword classifier.
type ModelProvider interface {
	Load(ctx context.Context, model string) (Models, error)
	Close() error
}

// ONNXProvider loads models from ONNX files in a directory using ONNX
// Runtime. It is safe for concurrent use.
type ONNXProvider struct {
	dir string
	lib string

	mu          sync.Mutex
	vad         *onnxVAD
	mel         *onnxMel
	embedding   *onnxEmbedding
	keyword     *onnxKeyword
	keywordName string
}

var _ ModelProvider = (*ONNXProvider)(nil)

// NewONNXProvider returns a provider reading <dir>/<name>.onnx. lib is the
// path to the ONNX Runtime shared library; empty uses the platform default.
func NewONNXProvider(dir, lib string) *ONNXProvider {
	return &ONNXProvider{dir: dir, lib: lib}
}

var (
	envOnce sync.Once
	envErr  error
)

func initEnvironment(lib string) error {
	envOnce.Do(func() {
		if lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		if err := ort.InitializeEnvironment(); err != nil && err.Error() != "the ONNX runtime is already initialized" {
			envErr = fmt.Errorf("wakeword: initialize onnx runtime: %w", err)
		}
	})
	return envErr
}

// Load implements [ModelProvider]. The shared models load in parallel on
// first use.
func (p *ONNXProvider) Load(ctx context.Context, model string) (Models, error) {
	if err := initEnvironment(p.lib); err != nil {
		return Models{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.vad == nil {
		var (
			vad *onnxVAD
			mel *onnxMel
			emb *onnxEmbedding
		)
		if err := ctx.Err(); err != nil {
			return Models{}, err
		}
		var g errgroup.Group
		g.Go(func() (err error) { vad, err = openVAD(p.path(vadFile)); return err })
		g.Go(func() (err error) { mel, err = openMel(p.path(melFile)); return err })
		g.Go(func() (err error) { emb, err = openEmbedding(p.path(embeddingFile)); return err })
		if err := g.Wait(); err != nil {
			if vad != nil {
				vad.destroy()
			}
			if mel != nil {
				mel.destroy()
			}
			if emb != nil {
				emb.destroy()
			}
			return Models{}, err
		}
		p.vad, p.mel, p.embedding = vad, mel, emb
		slog.Info("wakeword: feature models loaded", "dir", p.dir)
	}

	if p.keyword == nil || p.keywordName != model {
		kw, err := openKeyword(p.path(KeywordFile(model)))
		if err != nil {
			return Models{}, err
		}
		if p.keyword != nil {
			p.keyword.destroy()
		}
		p.keyword, p.keywordName = kw, model
		slog.Info("wakeword: keyword model loaded", "model", model, "window", kw.window)
	}

	return Models{VAD: p.vad, Mel: p.mel, Embedding: p.embedding, Keyword: p.keyword}, nil
}

// Close releases every session.
func (p *ONNXProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.vad != nil {
		p.vad.destroy()
	}
	if p.mel != nil {
		p.mel.destroy()
	}
	if p.embedding != nil {
		p.embedding.destroy()
	}
	if p.keyword != nil {
		p.keyword.destroy()
	}
	p.vad, p.mel, p.embedding, p.keyword = nil, nil, nil, nil
	return nil
}

func (p *ONNXProvider) path(stem string) string {
	return filepath.Join(p.dir, stem+".onnx")
}

// ─── sessions ─────────────────────────────────────────────────────────────────

type session struct {
	name string
	s    *ort.DynamicAdvancedSession
	in   []ort.InputOutputInfo
	out  []ort.InputOutputInfo
}

func openSession(path string, inNames, outNames []string) (*session, error) {
	ins, outs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("wakeword: inspect %s: %w", filepath.Base(path), err)
	}
	if inNames == nil {
		inNames = infoNames(ins)
	}
	if outNames == nil {
		outNames = infoNames(outs)
	}
	s, err := ort.NewDynamicAdvancedSession(path, inNames, outNames, nil)
	if err != nil {
		return nil, fmt.Errorf("wakeword: open %s: %w", filepath.Base(path), err)
	}
	return &session{name: filepath.Base(path), s: s, in: ins, out: outNames2Info(outs, outNames)}, nil
}

func (s *session) run(inputs []ort.Value) ([]ort.Value, error) {
	outputs := make([]ort.Value, len(s.out))
	if err := s.s.Run(inputs, outputs); err != nil {
		destroyValues(outputs)
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	return outputs, nil
}

func (s *session) input(name string) (ort.InputOutputInfo, bool) {
	for _, info := range s.in {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

func (s *session) destroy() {
	if s != nil && s.s != nil {
		_ = s.s.Destroy()
	}
}

func infoNames(infos []ort.InputOutputInfo) []string {
	names := make([]string, len(infos))
	for i, info := range infos {
		names[i] = info.Name
	}
	return names
}

func outNames2Info(infos []ort.InputOutputInfo, names []string) []ort.InputOutputInfo {
	out := make([]ort.InputOutputInfo, 0, len(names))
	for _, n := range names {
		for _, info := range infos {
			if info.Name == n {
				out = append(out, info)
			}
		}
	}
	return out
}

func destroyValues(vals []ort.Value) {
	for _, v := range vals {
		if v != nil {
			_ = v.Destroy()
		}
	}
}

func floats(v ort.Value) ([]float32, error) {
	t, ok := v.(*ort.Tensor[float32])
	if !ok {
		return nil, errors.New("unexpected output tensor type")
	}
	return t.GetData(), nil
}

// ─── Silero VAD ───────────────────────────────────────────────────────────────

// onnxVAD supports both Silero layouts: separate h/c tensors (input, sr, h,
// c) and the combined state tensor (input, state, sr).
type onnxVAD struct {
	s        *session
	combined bool
	srScalar bool
}

func openVAD(path string) (*onnxVAD, error) {
	ins, _, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("wakeword: inspect %s: %w", filepath.Base(path), err)
	}
	combined := slices.ContainsFunc(ins, func(i ort.InputOutputInfo) bool { return i.Name == "state" })
	inNames := []string{"input", "sr", "h", "c"}
	outNames := []string{"output", "hn", "cn"}
	if combined {
		inNames = []string{"input", "state", "sr"}
		outNames = []string{"output", "stateN"}
	}
	s, err := openSession(path, inNames, outNames)
	if err != nil {
		return nil, err
	}
	v := &onnxVAD{s: s, combined: combined}
	if sr, ok := s.input("sr"); ok {
		v.srScalar = len(sr.Dimensions) == 0
	}
	return v, nil
}

func (v *onnxVAD) destroy() { v.s.destroy() }

func (v *onnxVAD) Speech(frame []float32, state VADState) (float32, VADState, error) {
	if len(state) != VADStateSize {
		state = make(VADState, VADStateSize)
	}
	var owned []ort.Value
	defer func() { destroyValues(owned) }()

	in, err := ort.NewTensor(ort.NewShape(1, int64(len(frame))), slices.Clone(frame))
	if err != nil {
		return 0, nil, err
	}
	owned = append(owned, in)

	var sr ort.Value
	if v.srScalar {
		sr, err = ort.NewScalar(int64(16000))
	} else {
		sr, err = ort.NewTensor(ort.NewShape(1), []int64{16000})
	}
	if err != nil {
		return 0, nil, err
	}
	owned = append(owned, sr)

	var inputs []ort.Value
	half := VADStateSize / 2
	if v.combined {
		st, err := ort.NewTensor(ort.NewShape(2, 1, int64(half)), slices.Clone(state))
		if err != nil {
			return 0, nil, err
		}
		owned = append(owned, st)
		inputs = []ort.Value{in, st, sr}
	} else {
		h, err := ort.NewTensor(ort.NewShape(2, 1, int64(half/2)), slices.Clone(state[:half]))
		if err != nil {
			return 0, nil, err
		}
		owned = append(owned, h)
		c, err := ort.NewTensor(ort.NewShape(2, 1, int64(half/2)), slices.Clone(state[half:]))
		if err != nil {
			return 0, nil, err
		}
		owned = append(owned, c)
		inputs = []ort.Value{in, sr, h, c}
	}

	outputs, err := v.s.run(inputs)
	if err != nil {
		return 0, nil, err
	}
	defer destroyValues(outputs)

	prob, err := floats(outputs[0])
	if err != nil {
		return 0, nil, err
	}
	if len(prob) == 0 {
		return 0, nil, errors.New("silero output is empty")
	}
	next := make(VADState, 0, VADStateSize)
	for _, o := range outputs[1:] {
		d, err := floats(o)
		if err != nil {
			return 0, nil, err
		}
		next = append(next, d...)
	}
	return prob[0], next, nil
}

// ─── Mel spectrogram ──────────────────────────────────────────────────────────

type onnxMel struct{ s *session }

func openMel(path string) (*onnxMel, error) {
	s, err := openSession(path, nil, nil)
	if err != nil {
		return nil, err
	}
	return &onnxMel{s: s}, nil
}

func (m *onnxMel) destroy() { m.s.destroy() }

func (m *onnxMel) Mel(samples []float32) ([]float32, error) {
	in, err := ort.NewTensor(ort.NewShape(1, int64(len(samples))), slices.Clone(samples))
	if err != nil {
		return nil, err
	}
	defer in.Destroy()
	outputs, err := m.s.run([]ort.Value{in})
	if err != nil {
		return nil, err
	}
	defer destroyValues(outputs)
	d, err := floats(outputs[0])
	if err != nil {
		return nil, err
	}
	return slices.Clone(d), nil
}

// ─── Embedding ────────────────────────────────────────────────────────────────

type onnxEmbedding struct{ s *session }

func openEmbedding(path string) (*onnxEmbedding, error) {
	s, err := openSession(path, nil, nil)
	if err != nil {
		return nil, err
	}
	return &onnxEmbedding{s: s}, nil
}

func (e *onnxEmbedding) destroy() { e.s.destroy() }

func (e *onnxEmbedding) Embed(frames [][]float32) ([]float32, error) {
	data := make([]float32, 0, len(frames)*MelBins)
	for _, f := range frames {
		data = append(data, f...)
	}
	in, err := ort.NewTensor(ort.NewShape(1, int64(len(frames)), MelBins, 1), data)
	if err != nil {
		return nil, err
	}
	defer in.Destroy()
	outputs, err := e.s.run([]ort.Value{in})
	if err != nil {
		return nil, err
	}
	defer destroyValues(outputs)
	d, err := floats(outputs[0])
	if err != nil {
		return nil, err
	}
	return slices.Clone(d), nil
}

// ─── Keyword ──────────────────────────────────────────────────────────────────

type onnxKeyword struct {
	s      *session
	window int
}

func openKeyword(path string) (*onnxKeyword, error) {
	s, err := openSession(path, nil, nil)
	if err != nil {
		return nil, err
	}
	window := DefaultKeywordWindow
	if len(s.in) > 0 && len(s.in[0].Dimensions) > 1 && s.in[0].Dimensions[1] > 0 {
		window = int(s.in[0].Dimensions[1])
	}
	return &onnxKeyword{s: s, window: window}, nil
}

func (k *onnxKeyword) destroy() { k.s.destroy() }

func (k *onnxKeyword) Window() int { return k.window }

func (k *onnxKeyword) Score(window [][]float32) (float32, error) {
	data := make([]float32, 0, len(window)*EmbeddingDim)
	for _, e := range window {
		data = append(data, e...)
	}
	in, err := ort.NewTensor(ort.NewShape(1, int64(len(window)), EmbeddingDim), data)
	if err != nil {
		return 0, err
	}
	defer in.Destroy()
	outputs, err := k.s.run([]ort.Value{in})
	if err != nil {
		return 0, err
	}
	defer destroyValues(outputs)
	d, err := floats(outputs[0])
	if err != nil {
		return 0, err
	}
	if len(d) == 0 {
		return 0, errors.New("keyword output is empty")
	}
	return d[0], nil
}

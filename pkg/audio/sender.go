package audio

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Default sender parameters.
const (
	defaultSendInterval = 100 * time.Millisecond
	defaultMaxBuffered  = 5 * time.Second
	sendTimeout         = 2 * time.Second
)

// HandlerFunc reports the routing byte of the backend run that currently
// accepts audio. ok is false between runs.
type HandlerFunc func() (id byte, ok bool)

// Sender batches captured frames and periodically writes one routed packet
// to a [BinarySink]: a single routing byte followed by mono 16 kHz
// little-endian int16 PCM.
//
// Frames are accepted through [Sender.Push] at any time. Packets are only
// produced between [Sender.StartSending] and [Sender.StopSending]. Each flush
// takes the whole buffer atomically, so no partially flushed state is ever
// observable. All methods are safe for concurrent use.
type Sender struct {
	sink        BinarySink
	interval    time.Duration
	maxBuffered time.Duration
	onSent      func(n int)

	mu       sync.Mutex
	buf      []float32
	rate     int
	handler  HandlerFunc
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce *sync.Once
}

// SenderOption configures a [Sender].
type SenderOption func(*Sender)

// WithSendInterval sets the flush cadence. The default is 100ms.
func WithSendInterval(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxBuffered bounds how much audio is retained while no run is
// accepting it. Older samples are discarded first. The default is 5s.
func WithMaxBuffered(d time.Duration) SenderOption {
	return func(s *Sender) {
		if d > 0 {
			s.maxBuffered = d
		}
	}
}

// WithSentHook registers fn to be called with the size of every packet
// successfully written to the sink.
func WithSentHook(fn func(n int)) SenderOption {
	return func(s *Sender) { s.onSent = fn }
}

// NewSender returns a [Sender] writing to sink.
func NewSender(sink BinarySink, opts ...SenderOption) *Sender {
	s := &Sender{
		sink:        sink,
		interval:    defaultSendInterval,
		maxBuffered: defaultMaxBuffered,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Push appends a captured frame to the buffer.
func (s *Sender) Push(fr Frame) {
	if len(fr.Samples) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rate != fr.SampleRate && len(s.buf) > 0 {
		s.buf = s.buf[:0]
	}
	s.rate = fr.SampleRate
	s.buf = append(s.buf, fr.Samples...)
	if limit := int(s.maxBuffered.Seconds() * float64(fr.SampleRate)); limit > 0 && len(s.buf) > limit {
		s.buf = append(s.buf[:0], s.buf[len(s.buf)-limit:]...)
	}
}

// StartSending begins periodic flushing, routing packets to handler. A
// second call replaces the handler without restarting the ticker.
func (s *Sender) StartSending(handler HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	if s.done != nil {
		return
	}
	done := make(chan struct{})
	s.done = done
	s.stopOnce = &sync.Once{}
	s.wg.Add(1)
	go s.tick(done)
}

// StopSending halts periodic flushing. Buffered audio is retained.
func (s *Sender) StopSending() {
	s.mu.Lock()
	done, once := s.done, s.stopOnce
	s.done = nil
	s.handler = nil
	s.mu.Unlock()
	if done == nil {
		return
	}
	once.Do(func() { close(done) })
	s.wg.Wait()
}

// Sending reports whether periodic flushing is active.
func (s *Sender) Sending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// ClearBuffer discards buffered audio.
func (s *Sender) ClearBuffer() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	s.mu.Unlock()
}

// Buffered returns the number of buffered samples.
func (s *Sender) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

func (s *Sender) tick(done chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			s.Flush(ctx)
			cancel()
		}
	}
}

// Flush sends the buffered audio as one packet. Without an active handler
// or buffered audio it silently discards the buffer.
func (s *Sender) Flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.buf) == 0 {
		s.mu.Unlock()
		return
	}
	samples := make([]float32, len(s.buf))
	copy(samples, s.buf)
	s.buf = s.buf[:0]
	rate := s.rate
	handler := s.handler
	s.mu.Unlock()

	if handler == nil {
		return
	}
	id, ok := handler()
	if !ok {
		return
	}

	pcm := FloatToPCM16(ResampleFloat(samples, rate, TargetSampleRate))
	packet := make([]byte, 0, len(pcm)+1)
	packet = append(packet, id)
	packet = append(packet, pcm...)

	if err := s.sink.SendBinary(ctx, packet); err != nil {
		slog.Debug("audio sender: dropping packet", "bytes", len(packet), "err", err)
		return
	}
	if s.onSent != nil {
		s.onSent(len(packet))
	}
}

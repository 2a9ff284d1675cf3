// Package audio defines the capture and playback abstractions and the sample
// processing primitives used by the voice satellite.
//
// The two primary device abstractions are:
//
//   - [Source]: a restartable microphone that pushes [Frame] values to any
//     number of listeners registered through [Source.Subscribe].
//   - [Sink]: an output device that plays [AudioFrame] clips and reports
//     when a clip has drained.
//
// Hardware-backed implementations live in audio/device; in-memory fakes live
// in audio/mock. A [Source] and a [Sink] are never wired to each other: the
// capture path has no route to the output device.
//
// The outbound path to the backend is handled by [Sender], which batches
// captured frames and writes routed PCM packets to a [BinarySink].
package audio

import "context"

// Source is a microphone. Implementations must be safe for concurrent use.
type Source interface {
	// Start acquires the device and begins delivering frames. It returns a
	// [*MicError] when the device cannot be acquired.
	Start(ctx context.Context) error

	// Stop releases the device. Safe to call more than once.
	Stop() error

	// Pause suspends delivery without releasing the device.
	Pause()

	// Resume restarts delivery after [Source.Pause].
	Resume(ctx context.Context) error

	// Subscribe registers fn for every captured frame and returns a function
	// that removes the registration. fn is called on the capture goroutine and
	// must not block.
	Subscribe(fn func(Frame)) (cancel func())

	// SampleRate is the device-native capture rate in Hz.
	SampleRate() int
}

// Sink is an audio output device. Implementations must be safe for
// concurrent use.
type Sink interface {
	// Play queues frame for output and returns immediately. done is called
	// exactly once: with nil after the clip has drained, or with the error
	// that interrupted it. Starting a new clip cancels the previous one.
	Play(frame AudioFrame, done func(error))

	// Stop interrupts any clip in progress. Safe to call when idle.
	Stop()

	// Format is the format the sink expects frames in.
	Format() Format

	// SetVolume sets output gain in [0, 1].
	SetVolume(v float64)
}

// Pauser is implemented by sinks that can hold a clip and continue it
// later. A paused clip does not complete.
type Pauser interface {
	Pause()
	Resume()
}

// BinarySink receives routed outbound audio packets.
type BinarySink interface {
	SendBinary(ctx context.Context, payload []byte) error
}

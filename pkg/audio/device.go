// Package audio defines the device abstractions and sample conversions used by
// Lexivision's live practice sessions.
//
// The two device abstractions are:
//
//   - [Microphone] opens a [Capture] that delivers fixed-size mono frames of
//     normalised float32 samples.
//   - [Speaker] opens an [Output] that plays [Buffer] values at positions on
//     its own monotonic clock and returns a [Handle] per scheduled buffer.
//
// Backends live in sub-packages (audio/pcm, audio/discord). The interfaces are
// kept narrow so the session engine stays decoupled from device details.
//
// This package lives under pkg/ because external code is expected to provide
// its own backends.
package audio

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrPermissionDenied is returned by [Microphone.Open] or [Speaker.Open]
	// when the platform refuses access to the device.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceClosed is returned by [Output.Schedule] after the output has
	// been closed.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// Microphone is a source of captured audio.
type Microphone interface {
	// Open starts capturing mono audio at format.SampleRate, delivered in frames
	// of frameSamples samples. ctx governs the open attempt only.
	Open(ctx context.Context, format Format, frameSamples int) (Capture, error)
}

// Capture is a running microphone stream.
//
// Frames returns a channel closed when the device becomes unavailable or the
// capture is closed. A close that the caller did not request means the
// microphone was lost.
type Capture interface {
	Frames() <-chan []float32
	Close() error
}

// Speaker is a sink for synthesised audio.
type Speaker interface {
	Open(ctx context.Context, format Format) (Output, error)
}

// Output plays buffers on a monotonic timeline.
//
// Implementations must be safe for concurrent use.
type Output interface {
	// Now reports the current position of the output clock, measured from the
	// moment the output was opened.
	Now() time.Duration

	// Schedule queues buf to start playing at the given clock position. A
	// position in the past starts playback immediately.
	Schedule(buf Buffer, at time.Duration) (Handle, error)

	// Close stops all scheduled playback and releases the device.
	Close() error
}

// Handle tracks one scheduled buffer.
type Handle interface {
	// Stop cancels playback. It is always legal, including after the buffer
	// finished or the output closed.
	Stop()

	// Done is closed when playback completes naturally or is stopped.
	Done() <-chan struct{}
}

// Devices pairs the microphone and speaker of one backend.
type Devices struct {
	Microphone Microphone
	Speaker    Speaker

	// Close releases backend-wide resources such as a voice connection or
	// a bot session. It may be nil.
	Close func() error
}

package audio

import "time"

// Sample rates used by the live session pipeline.
const (
	// CaptureSampleRate is the microphone rate expected by live transports.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of synthesised audio returned by live models.
	PlaybackSampleRate = 24000

	// DefaultFrameSamples is the number of mono samples per capture frame.
	DefaultFrameSamples = 4096
)

// AudioFrame is a block of interleaved little-endian int16 PCM flowing between
// devices and codecs.
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (e.g., 48000 for Discord Opus, 16000 for capture).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Buffer is a decoded, playable block of normalised mono samples in [-1, 1].
type Buffer struct {
	Samples    []float32
	SampleRate int
}

// Duration reports how long the buffer plays at its sample rate.
func (b Buffer) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}

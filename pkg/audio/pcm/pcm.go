// Package pcm is an audio backend over raw little-endian 16-bit mono PCM
// streams. Capture reads from a file or pipe and playback writes to one; the
// path "-" selects stdin or stdout.
//
// Typical pipeline on Linux:
//
//	arecord -f S16_LE -r 16000 -c 1 -t raw | lexivision practice -word ephemeral | aplay -f S16_LE -r 24000 -c 1 -t raw
package pcm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/JPBrill/Lexivision/pkg/audio"
)

// Stdio is the path that selects stdin for capture and stdout for playback.
const Stdio = "-"

// Microphone reads capture frames from a raw PCM stream.
type Microphone struct {
	path string

	// Paced delays each frame by its real-time duration. Enable it for
	// recorded files; live pipes already arrive in real time.
	Paced bool

	// open is os.Open by default; tests substitute readers.
	open func(path string) (io.ReadCloser, error)
}

// NewMicrophone returns a Microphone reading from path.
func NewMicrophone(path string) *Microphone {
	return &Microphone{path: path, open: openReader}
}

func openReader(path string) (io.ReadCloser, error) {
	if path == Stdio {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(path)
}

// Open implements [audio.Microphone]. The stream is assumed to already be at
// format.SampleRate.
func (m *Microphone) Open(_ context.Context, format audio.Format, frameSamples int) (audio.Capture, error) {
	if frameSamples <= 0 {
		frameSamples = audio.DefaultFrameSamples
	}
	r, err := m.open(m.path)
	if err != nil {
		return nil, classifyOpenErr("open capture", m.path, err)
	}
	c := &capture{
		r:            r,
		frameSamples: frameSamples,
		frames:       make(chan []float32, 4),
		done:         make(chan struct{}),
		stopped:      make(chan struct{}),
	}
	if m.Paced && format.SampleRate > 0 {
		c.pace = time.Duration(frameSamples) * time.Second / time.Duration(format.SampleRate)
	}
	go c.run()
	return c, nil
}

type capture struct {
	r            io.ReadCloser
	frameSamples int
	pace         time.Duration

	frames    chan []float32
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func (c *capture) Frames() <-chan []float32 { return c.frames }

// Close stops the reader. A blocked read on a pipe returns once the reader
// is closed; stdin is never closed, so its goroutine may outlive Close.
func (c *capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.r.Close()
	})
	return err
}

func (c *capture) run() {
	defer close(c.stopped)
	defer close(c.frames)

	var ticker *time.Ticker
	if c.pace > 0 {
		ticker = time.NewTicker(c.pace)
		defer ticker.Stop()
	}
	raw := make([]byte, c.frameSamples*2)
	for {
		if _, err := io.ReadFull(c.r, raw); err != nil {
			select {
			case <-c.done:
			default:
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					slog.Info("pcm: capture stream ended")
				} else {
					slog.Warn("pcm: capture read failed", "err", err)
				}
			}
			return
		}
		samples, err := audio.PCM16ToFloat32(raw)
		if err != nil {
			continue
		}
		if ticker != nil {
			select {
			case <-ticker.C:
			case <-c.done:
				return
			}
		}
		select {
		case c.frames <- samples:
		case <-c.done:
			return
		}
	}
}

// Speaker writes scheduled playback to a raw PCM stream in real time.
type Speaker struct {
	path string

	// create is os.Create by default; tests substitute writers.
	create func(path string) (io.WriteCloser, error)
}

// NewSpeaker returns a Speaker writing to path.
func NewSpeaker(path string) *Speaker {
	return &Speaker{path: path, create: createWriter}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func createWriter(path string) (io.WriteCloser, error) {
	if path == Stdio {
		return nopWriteCloser{os.Stdout}, nil
	}
	return os.Create(path)
}

// Open implements [audio.Speaker]. Buffers at another rate are resampled to
// format.SampleRate before writing.
func (s *Speaker) Open(_ context.Context, format audio.Format) (audio.Output, error) {
	w, err := s.create(s.path)
	if err != nil {
		return nil, classifyOpenErr("open playback", s.path, err)
	}
	o := &output{w: w, rate: format.SampleRate}
	o.Playout = audio.NewPlayout(o.write)
	return o, nil
}

type output struct {
	*audio.Playout
	w    io.WriteCloser
	rate int

	closeOnce sync.Once
}

func (o *output) write(frame audio.AudioFrame) error {
	data := frame.Data
	if o.rate > 0 && frame.SampleRate != o.rate {
		data = audio.ResampleMono16(data, frame.SampleRate, o.rate)
	}
	_, err := o.w.Write(data)
	return err
}

func (o *output) Close() error {
	var err error
	o.closeOnce.Do(func() {
		_ = o.Playout.Close()
		err = o.w.Close()
	})
	return err
}

func classifyOpenErr(op, path string, err error) error {
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("pcm: %s %q: %w: %w", op, path, audio.ErrPermissionDenied, err)
	}
	return fmt.Errorf("pcm: %s %q: %w", op, path, err)
}

// Package mock provides in-memory implementations of [audio.Microphone],
// [audio.Speaker] and [audio.Output] for unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on arguments, and expose fields that control return values. The
// [Output] runs on a manual clock: nothing plays until the test says so.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	spk := &mock.Speaker{}
//	eng := engine.New(transport, mic, spk)
//	...
//	mic.Capture().Push(make([]float32, 4096))
//	spk.Output().SetNow(2 * time.Second)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/JPBrill/Lexivision/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// OpenCalls records the arguments of every Open call.
	OpenCalls []OpenCall

	captures []*Capture
}

// OpenCall records the arguments of a single [Microphone.Open] call.
type OpenCall struct {
	Format       audio.Format
	FrameSamples int
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(_ context.Context, format audio.Format, frameSamples int) (audio.Capture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OpenCalls = append(m.OpenCalls, OpenCall{Format: format, FrameSamples: frameSamples})
	if m.OpenErr != nil {
		return nil, m.OpenErr
	}
	c := &Capture{frames: make(chan []float32, 256)}
	m.captures = append(m.captures, c)
	return c, nil
}

// Capture returns the most recently opened capture, or nil.
func (m *Microphone) Capture() *Capture {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.captures) == 0 {
		return nil
	}
	return m.captures[len(m.captures)-1]
}

// Opens reports how many captures were opened successfully.
func (m *Microphone) Opens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.captures)
}

// Capture is a mock implementation of [audio.Capture].
type Capture struct {
	mu     sync.Mutex
	frames chan []float32
	ended  bool
	closeN int
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan []float32 { return c.frames }

// Push delivers a frame to the reader. It reports false if the capture has
// ended or its buffer is full.
func (c *Capture) Push(frame []float32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	select {
	case c.frames <- frame:
		return true
	default:
		return false
	}
}

// Lose ends the frame stream without a Close call, as a device unplug would.
func (c *Capture) Lose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.end()
}

// Close implements [audio.Capture].
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeN++
	c.end()
	return nil
}

// Closed reports whether Close was called at least once.
func (c *Capture) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeN > 0
}

func (c *Capture) end() {
	if !c.ended {
		c.ended = true
		close(c.frames)
	}
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// Start is the initial clock position of every opened [Output].
	Start time.Duration

	// OpenFormats records the format of every Open call.
	OpenFormats []audio.Format

	outputs []*Output
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context, format audio.Format) (audio.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenFormats = append(s.OpenFormats, format)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	o := &Output{now: s.Start}
	s.outputs = append(s.outputs, o)
	return o, nil
}

// Output returns the most recently opened output, or nil.
func (s *Speaker) Output() *Output {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outputs) == 0 {
		return nil
	}
	return s.outputs[len(s.outputs)-1]
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock implementation of [audio.Output] with a manual clock.
type Output struct {
	mu sync.Mutex

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	now       time.Duration
	scheduled []*Handle
	closed    bool
	onStop    func()
}

// Handle is a mock implementation of [audio.Handle].
type Handle struct {
	Buffer audio.Buffer
	At     time.Duration

	mu      sync.Mutex
	done    chan struct{}
	stopped bool
	ended   bool
	onStop  func()
}

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// SetNow moves the clock. It does not complete any handle.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(buf audio.Buffer, at time.Duration) (audio.Handle, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil, audio.ErrDeviceClosed
	}
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	h := &Handle{Buffer: buf, At: at, done: make(chan struct{}), onStop: o.onStop}
	o.scheduled = append(o.scheduled, h)
	return h, nil
}

// OnStop sets fn to run whenever Stop cuts a handle scheduled afterwards
// short. fn runs without any mock lock held.
func (o *Output) OnStop(fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onStop = fn
}

// Close implements [audio.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

// Closed reports whether Close was called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// Scheduled returns a snapshot of every handle scheduled so far, in order.
func (o *Output) Scheduled() []*Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Handle(nil), o.scheduled...)
}

// Finish completes the handle naturally, as if its buffer played out.
func (h *Handle) Finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.end()
}

// Stop implements [audio.Handle].
func (h *Handle) Stop() {
	h.mu.Lock()
	cut := !h.ended
	if cut {
		h.stopped = true
	}
	h.end()
	h.mu.Unlock()
	if cut && h.onStop != nil {
		h.onStop()
	}
}

// Done implements [audio.Handle].
func (h *Handle) Done() <-chan struct{} { return h.done }

// Stopped reports whether Stop cut playback short.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (h *Handle) end() {
	if !h.ended {
		h.ended = true
		close(h.done)
	}
}

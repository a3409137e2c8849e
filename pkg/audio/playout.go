package audio

import (
	"log/slog"
	"sync"
	"time"
)

// SliceDuration is the granularity at which [Playout] hands audio to its sink.
const SliceDuration = 20 * time.Millisecond

// SinkFunc receives rendered PCM16 frames in playback order. Timestamp carries
// the frame's position on the output clock.
type SinkFunc func(AudioFrame) error

// Playout is an [Output] backed by the wall clock. Each scheduled buffer waits
// for its start position, then is written to the sink in [SliceDuration]
// slices paced in real time. Backends wrap it around a byte stream or a voice
// connection.
type Playout struct {
	sink  SinkFunc
	epoch time.Time

	writeMu sync.Mutex

	mu      sync.Mutex
	handles map[*playoutHandle]struct{}
	closed  bool
	wg      sync.WaitGroup
}

var _ Output = (*Playout)(nil)

// NewPlayout returns a Playout whose clock starts now.
func NewPlayout(sink SinkFunc) *Playout {
	return &Playout{
		sink:    sink,
		epoch:   time.Now(),
		handles: make(map[*playoutHandle]struct{}),
	}
}

// Now implements [Output].
func (p *Playout) Now() time.Duration {
	return time.Since(p.epoch)
}

// Schedule implements [Output].
func (p *Playout) Schedule(buf Buffer, at time.Duration) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrDeviceClosed
	}
	h := &playoutHandle{stop: make(chan struct{}), done: make(chan struct{})}
	p.handles[h] = struct{}{}
	p.wg.Add(1)
	go p.play(h, buf, at)
	return h, nil
}

// Close implements [Output]. It stops every scheduled buffer and waits for
// their goroutines to exit. Safe to call more than once.
func (p *Playout) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for h := range p.handles {
		h.Stop()
	}
	p.mu.Unlock()
	p.wg.Wait()
	return nil
}

func (p *Playout) play(h *playoutHandle, buf Buffer, at time.Duration) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.handles, h)
		p.mu.Unlock()
		close(h.done)
	}()

	if buf.SampleRate <= 0 || len(buf.Samples) == 0 {
		return
	}
	if !h.sleepUntil(p.epoch.Add(at)) {
		return
	}

	step := max(int(int64(buf.SampleRate)*int64(SliceDuration)/int64(time.Second)), 1)
	for off := 0; off < len(buf.Samples); off += step {
		end := min(off+step, len(buf.Samples))
		pos := at + samplesDuration(off, buf.SampleRate)
		frame := AudioFrame{
			Data:       Float32ToPCM16(buf.Samples[off:end]),
			SampleRate: buf.SampleRate,
			Channels:   1,
			Timestamp:  pos,
		}
		p.writeMu.Lock()
		err := p.sink(frame)
		p.writeMu.Unlock()
		if err != nil {
			slog.Warn("audio: playout sink write failed", "err", err)
			return
		}
		if !h.sleepUntil(p.epoch.Add(at + samplesDuration(end, buf.SampleRate))) {
			return
		}
	}
}

func samplesDuration(n, rate int) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(rate)
}

type playoutHandle struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func (h *playoutHandle) Stop() {
	h.once.Do(func() { close(h.stop) })
}

func (h *playoutHandle) Done() <-chan struct{} { return h.done }

// sleepUntil blocks until t or until the handle is stopped. It reports whether
// playback should continue.
func (h *playoutHandle) sleepUntil(t time.Time) bool {
	d := time.Until(t)
	if d <= 0 {
		select {
		case <-h.stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-h.stop:
		return false
	}
}

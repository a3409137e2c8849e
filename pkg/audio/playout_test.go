package audio_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/JPBrill/Lexivision/pkg/audio"
)

type recordingSink struct {
	mu     sync.Mutex
	frames []audio.AudioFrame
}

func (s *recordingSink) write(f audio.AudioFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, f)
	return nil
}

func (s *recordingSink) snapshot() []audio.AudioFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.AudioFrame(nil), s.frames...)
}

func waitDone(t *testing.T, h audio.Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handle")
	}
}

func TestPlayout_RendersBufferInSlices(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	p := audio.NewPlayout(sink.write)
	defer p.Close()

	buf := audio.Buffer{Samples: make([]float32, 2400), SampleRate: audio.PlaybackSampleRate}
	at := p.Now()
	h, err := p.Schedule(buf, at)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	waitDone(t, h)

	frames := sink.snapshot()
	if len(frames) != 5 {
		t.Fatalf("got %d frames, want 5", len(frames))
	}
	total := 0
	for i, f := range frames {
		total += len(f.Data) / 2
		if want := at + time.Duration(i)*audio.SliceDuration; f.Timestamp != want {
			t.Errorf("frame %d timestamp = %v, want %v", i, f.Timestamp, want)
		}
	}
	if total != 2400 {
		t.Errorf("rendered %d samples, want 2400", total)
	}
}

func TestPlayout_StopBeforeStart(t *testing.T) {
	t.Parallel()
	sink := &recordingSink{}
	p := audio.NewPlayout(sink.write)
	defer p.Close()

	h, err := p.Schedule(audio.Buffer{Samples: make([]float32, 240), SampleRate: 24000}, p.Now()+time.Hour)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	h.Stop()
	h.Stop()
	waitDone(t, h)
	if n := len(sink.snapshot()); n != 0 {
		t.Errorf("sink received %d frames after stop", n)
	}
}

func TestPlayout_CloseStopsHandlesAndRejectsSchedule(t *testing.T) {
	t.Parallel()
	p := audio.NewPlayout(func(audio.AudioFrame) error { return nil })

	h, err := p.Schedule(audio.Buffer{Samples: make([]float32, 240), SampleRate: 24000}, p.Now()+time.Hour)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitDone(t, h)

	if _, err := p.Schedule(audio.Buffer{Samples: make([]float32, 1), SampleRate: 24000}, 0); !errors.Is(err, audio.ErrDeviceClosed) {
		t.Errorf("Schedule after Close err = %v, want ErrDeviceClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestBufferDuration(t *testing.T) {
	t.Parallel()
	b := audio.Buffer{Samples: make([]float32, 12000), SampleRate: 24000}
	if got := b.Duration(); got != 500*time.Millisecond {
		t.Errorf("Duration = %v, want 500ms", got)
	}
	if got := (audio.Buffer{Samples: make([]float32, 10)}).Duration(); got != 0 {
		t.Errorf("zero-rate Duration = %v", got)
	}
}

package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/JPBrill/Lexivision/internal/engine"
	"github.com/JPBrill/Lexivision/internal/observe"
	"github.com/JPBrill/Lexivision/pkg/audio"
	audiomock "github.com/JPBrill/Lexivision/pkg/audio/mock"
	"github.com/JPBrill/Lexivision/pkg/provider/live"
	livemock "github.com/JPBrill/Lexivision/pkg/provider/live/mock"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

// tb is the subset of testing.TB that *rapid.T also provides.
type tb interface {
	Helper()
	Fatalf(format string, args ...any)
}

func waitFor(t tb, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitDone(t tb, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("session did not end")
	}
}

type transcript struct {
	Text    string
	IsUser  bool
	IsFinal bool
}

// recorder captures every callback of a session.
type recorder struct {
	mu          sync.Mutex
	transcripts []transcript
	volumes     []float64
	listening   []bool
	closes      int
	interrupts  []int // len(listening) at each interruption
	ended       []engine.EndReason
}

func (r *recorder) callbacks() engine.Callbacks {
	return engine.Callbacks{
		Transcript: func(text string, isUser, isFinal bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transcripts = append(r.transcripts, transcript{text, isUser, isFinal})
		},
		Volume: func(level float64) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.volumes = append(r.volumes, level)
		},
		ListeningChanged: func(listening bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.listening = append(r.listening, listening)
		},
		Interrupted: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.interrupts = append(r.interrupts, len(r.listening))
		},
		CloseRequested: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.closes++
		},
		Ended: func(reason engine.EndReason) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.ended = append(r.ended, reason)
		},
	}
}

func (r *recorder) Transcripts() []transcript {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcript(nil), r.transcripts...)
}

func (r *recorder) Volumes() []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.volumes...)
}

func (r *recorder) Listening() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.listening...)
}

func (r *recorder) Interrupts() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.interrupts...)
}

func (r *recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func (r *recorder) Ended() []engine.EndReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.EndReason(nil), r.ended...)
}

type harness struct {
	tr     *livemock.Transport
	mic    *audiomock.Microphone
	spk    *audiomock.Speaker
	eng    *engine.Engine
	rec    *recorder
	reader *sdkmetric.ManualReader
}

func newHarness(t *testing.T, opts ...engine.Option) *harness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &harness{
		tr:     &livemock.Transport{},
		mic:    &audiomock.Microphone{},
		spk:    &audiomock.Speaker{},
		rec:    &recorder{},
		reader: reader,
	}
	h.eng = engine.New(h.tr, h.mic, h.spk, append([]engine.Option{engine.WithMetrics(m)}, opts...)...)
	t.Cleanup(h.eng.Stop)
	return h
}

// start opens a conversation session on "ephemeral" and returns its connection.
func (h *harness) start(t *testing.T) *livemock.Connection {
	t.Helper()
	if err := h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, h.rec.callbacks()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := h.eng.State(); got != engine.StateOpen {
		t.Fatalf("State() = %v, want open", got)
	}
	return h.tr.Conn()
}

func (h *harness) counter(t *testing.T, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

// chunk returns PCM16 silence lasting d at the model output rate.
func chunk(d time.Duration) live.AudioChunk {
	samples := int(d * live.OutputSampleRate / time.Second)
	return live.AudioChunk{Data: make([]byte, samples*2)}
}

func assertReleased(t *testing.T, h *harness) {
	t.Helper()
	if c := h.mic.Capture(); c != nil && !c.Closed() {
		t.Error("microphone capture was not closed")
	}
	if o := h.spk.Output(); o != nil && !o.Closed() {
		t.Error("speaker output was not closed")
	}
	if c := h.tr.Conn(); c != nil && !c.Closed() {
		t.Error("transport connection was not closed")
	}
	if got := h.eng.State(); got != engine.StateIdle {
		t.Errorf("State() = %v, want idle", got)
	}
}

// ─── Start ────────────────────────────────────────────────────────────────────

func TestStart_ConfiguresTransport(t *testing.T) {
	t.Parallel()
	h := newHarness(t, engine.WithVoice("Puck"))
	h.start(t)

	calls := h.tr.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(calls))
	}
	cfg := calls[0].Cfg
	if cfg.Model != engine.DefaultModel {
		t.Errorf("Model = %q, want %q", cfg.Model, engine.DefaultModel)
	}
	if cfg.Voice != "Puck" {
		t.Errorf("Voice = %q, want Puck", cfg.Voice)
	}
	if !cfg.InputTranscription || !cfg.OutputTranscription {
		t.Error("transcription flags not set")
	}
	if !strings.Contains(cfg.Instructions, `"ephemeral"`) {
		t.Errorf("instructions do not name the word: %q", cfg.Instructions)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].Name != engine.CloseToolName {
		t.Fatalf("Tools = %+v, want one %s", cfg.Tools, engine.CloseToolName)
	}
	if req, _ := cfg.Tools[0].Parameters["required"].([]string); len(req) != 1 || req[0] != "reason" {
		t.Errorf("required = %v, want [reason]", cfg.Tools[0].Parameters["required"])
	}

	if got := h.mic.OpenCalls; len(got) != 1 || got[0].FrameSamples != audio.DefaultFrameSamples ||
		got[0].Format.SampleRate != live.InputSampleRate {
		t.Errorf("microphone opened with %+v", got)
	}
	if got := h.spk.OpenFormats; len(got) != 1 || got[0].SampleRate != live.OutputSampleRate {
		t.Errorf("speaker opened with %+v", got)
	}
}

func TestStart_PronunciationInstructions(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	if err := h.eng.Start(context.Background(), "  paradigm ", engine.ModePronunciation, engine.Callbacks{}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	instr := h.tr.Calls()[0].Cfg.Instructions
	if !strings.Contains(instr, `"paradigm"`) || !strings.Contains(instr, "phonetic correction") {
		t.Errorf("unexpected pronunciation instructions: %q", instr)
	}
}

func TestStart_RejectsInvalidInput(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	if err := h.eng.Start(context.Background(), "   ", engine.ModeConversation, engine.Callbacks{}); !errors.Is(err, engine.ErrInvalidWord) {
		t.Errorf("blank word: err = %v, want ErrInvalidWord", err)
	}
	if err := h.eng.Start(context.Background(), "word", engine.Mode("karaoke"), engine.Callbacks{}); !errors.Is(err, engine.ErrInvalidMode) {
		t.Errorf("bad mode: err = %v, want ErrInvalidMode", err)
	}
	if len(h.tr.Calls()) != 0 || h.mic.Opens() != 0 {
		t.Error("invalid input must not acquire resources")
	}
}

func TestStart_MicrophoneDenied(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.mic.OpenErr = fmt.Errorf("pcm: open /dev/mic: %w", audio.ErrPermissionDenied)

	err := h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, h.rec.callbacks())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if len(h.spk.OpenFormats) != 0 || len(h.tr.Calls()) != 0 {
		t.Error("nothing else may be acquired after the microphone is denied")
	}
	if h.eng.State() != engine.StateIdle {
		t.Errorf("State() = %v, want idle", h.eng.State())
	}
	if got := h.counter(t, "lexivision.sessions.start_failures"); got != 1 {
		t.Errorf("start failures = %d, want 1", got)
	}
}

func TestStart_SpeakerDeniedReleasesMicrophone(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.spk.OpenErr = audio.ErrPermissionDenied

	err := h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, h.rec.callbacks())
	if !errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if !h.mic.Capture().Closed() {
		t.Error("microphone not released")
	}
}

func TestStart_ModelUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tr.ConnectErr = fmt.Errorf("gemini: setup: %w", live.ErrUnavailable)

	err := h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, h.rec.callbacks())
	if !errors.Is(err, live.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	assertReleased(t, h)
	if len(h.rec.Ended()) != 0 {
		t.Error("Ended must not fire for a session that never opened")
	}
}

func TestStart_GenericConnectFailureIsNotUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tr.ConnectErr = errors.New("dial tcp: connection refused")

	err := h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, h.rec.callbacks())
	if err == nil || errors.Is(err, live.ErrUnavailable) || errors.Is(err, audio.ErrPermissionDenied) {
		t.Fatalf("err = %v, want a generic failure", err)
	}
	assertReleased(t, h)
}

func TestStart_ContextCancelledWhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tr.Gate = make(chan struct{})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := h.eng.Start(ctx, "ephemeral", engine.ModeConversation, h.rec.callbacks())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
	assertReleased(t, h)
}

func TestStart_ReplacesActiveSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	first := h.start(t)

	if err := h.eng.Start(context.Background(), "eloquent", engine.ModeConversation, engine.Callbacks{}); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if !first.Closed() {
		t.Error("first connection was not closed")
	}
	waitFor(t, "first session Ended", func() bool { return len(h.rec.Ended()) == 1 })
	if got := h.rec.Ended()[0]; got != engine.EndStopped {
		t.Errorf("first session ended with %q, want stopped", got)
	}
	if h.eng.State() != engine.StateOpen {
		t.Errorf("State() = %v, want open", h.eng.State())
	}
	if h.tr.Conn() == first {
		t.Error("second session reused the first connection")
	}
}

// ─── Stop ─────────────────────────────────────────────────────────────────────

func TestStop_IdleIsNoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.eng.Stop()
	h.eng.Stop()
	if h.eng.State() != engine.StateIdle {
		t.Errorf("State() = %v, want idle", h.eng.State())
	}
	waitDone(t, h.eng.Done())
}

func TestStop_Idempotent(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)

	h.eng.Stop()
	h.eng.Stop()

	assertReleased(t, h)
	waitFor(t, "Ended", func() bool { return len(h.rec.Ended()) > 0 })
	if got := h.rec.Ended(); len(got) != 1 || got[0] != engine.EndStopped {
		t.Errorf("Ended = %v, want [stopped]", got)
	}
}

func TestStop_WhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tr.Gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, h.rec.callbacks())
	}()
	waitFor(t, "connect attempt", func() bool { return len(h.tr.Calls()) == 1 })
	if got := h.eng.State(); got != engine.StateConnecting {
		t.Errorf("State() = %v, want connecting", got)
	}

	h.eng.Stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, engine.ErrStopped) {
			t.Errorf("Start err = %v, want ErrStopped", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
	assertReleased(t, h)
}

func TestStop_FromCallback(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	stopped := make(chan struct{})
	cb := engine.Callbacks{
		Transcript: func(string, bool, bool) {
			h.eng.Stop()
			close(stopped)
		},
	}
	if err := h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.tr.Conn().Push(live.OutputTranscript{Text: "Hello"})

	waitDone(t, stopped)
	assertReleased(t, h)
}

// ─── Capture ──────────────────────────────────────────────────────────────────

func TestCapture_SendsQuantizedFramesAndVolume(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)

	h.mic.Capture().Push([]float32{0.5, -0.5, 1})
	waitFor(t, "frame sent", func() bool { return len(conn.Audio()) == 1 })

	want := audio.Float32ToPCM16([]float32{0.5, -0.5, 1})
	if got := conn.Audio()[0]; string(got) != string(want) {
		t.Errorf("sent %v, want %v", got, want)
	}
	waitFor(t, "volume", func() bool { return len(h.rec.Volumes()) == 1 })
	if got, want := h.rec.Volumes()[0], audio.RMS([]float32{0.5, -0.5, 1}); got != want {
		t.Errorf("volume = %v, want %v", got, want)
	}
}

func TestCapture_QueuesFramesUntilOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tr.Gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, h.rec.callbacks())
	}()
	waitFor(t, "microphone", func() bool { return h.mic.Capture() != nil })
	for i := range 3 {
		h.mic.Capture().Push([]float32{float32(i+1) / 10})
	}
	waitFor(t, "frames consumed", func() bool { return len(h.rec.Volumes()) == 3 })

	close(h.tr.Gate)
	if err := <-errCh; err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := h.tr.Conn().Audio()
	if len(got) != 3 {
		t.Fatalf("sent %d frames, want 3", len(got))
	}
	for i, frame := range got {
		want := audio.Float32ToPCM16([]float32{float32(i+1) / 10})
		if string(frame) != string(want) {
			t.Errorf("frame %d out of order", i)
		}
	}
}

func TestCapture_PendingQueueDropsOldest(t *testing.T) {
	t.Parallel()
	h := newHarness(t, engine.WithPendingLimit(2))
	h.tr.Gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, h.rec.callbacks())
	}()
	waitFor(t, "microphone", func() bool { return h.mic.Capture() != nil })
	for i := range 3 {
		h.mic.Capture().Push([]float32{float32(i+1) / 10})
	}
	waitFor(t, "frames consumed", func() bool { return len(h.rec.Volumes()) == 3 })
	close(h.tr.Gate)
	if err := <-errCh; err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := h.tr.Conn().Audio()
	if len(got) != 2 {
		t.Fatalf("sent %d frames, want 2", len(got))
	}
	if string(got[0]) != string(audio.Float32ToPCM16([]float32{0.2})) {
		t.Error("oldest frame was not the one dropped")
	}
	if n := h.counter(t, "lexivision.audio.frames_dropped"); n != 1 {
		t.Errorf("frames dropped = %d, want 1", n)
	}
}

func TestCapture_MicrophoneLostEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.start(t)
	done := h.eng.Done()

	h.mic.Capture().Lose()

	waitDone(t, done)
	assertReleased(t, h)
	waitFor(t, "Ended", func() bool { return len(h.rec.Ended()) == 1 })
	if got := h.rec.Ended()[0]; got != engine.EndMicrophoneLost {
		t.Errorf("Ended = %q, want microphone_lost", got)
	}
}

func TestCapture_MicrophoneLostWhileConnecting(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.tr.Gate = make(chan struct{})

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, h.rec.callbacks())
	}()
	waitFor(t, "microphone", func() bool { return h.mic.Capture() != nil })
	h.mic.Capture().Lose()

	if err := <-errCh; !errors.Is(err, engine.ErrMicrophoneLost) {
		t.Fatalf("err = %v, want ErrMicrophoneLost", err)
	}
	assertReleased(t, h)
}

// ─── Playback ─────────────────────────────────────────────────────────────────

func TestPlayback_EphemeralScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.spk.Start = 3 * time.Second
	conn := h.start(t)
	out := h.spk.Output()

	conn.Push(chunk(500 * time.Millisecond))
	waitFor(t, "first chunk", func() bool { return len(out.Scheduled()) == 1 })
	conn.Push(chunk(500 * time.Millisecond))
	waitFor(t, "second chunk", func() bool { return len(out.Scheduled()) == 2 })

	sched := out.Scheduled()
	if sched[0].At != 3*time.Second {
		t.Errorf("first chunk at %v, want 3s", sched[0].At)
	}
	if sched[1].At != 3500*time.Millisecond {
		t.Errorf("second chunk at %v, want 3.5s", sched[1].At)
	}
	if sched[0].Buffer.SampleRate != live.OutputSampleRate {
		t.Errorf("buffer rate = %d", sched[0].Buffer.SampleRate)
	}

	waitFor(t, "listening=false", func() bool { return len(h.rec.Listening()) == 1 })
	sched[0].Finish()
	sched[1].Finish()
	waitFor(t, "listening=true", func() bool { return len(h.rec.Listening()) == 2 })
	if got := h.rec.Listening(); got[0] || !got[1] {
		t.Errorf("listening = %v, want [false true]", got)
	}
}

func TestPlayback_CatchesUpWithClock(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)
	out := h.spk.Output()

	conn.Push(chunk(100 * time.Millisecond))
	waitFor(t, "first chunk", func() bool { return len(out.Scheduled()) == 1 })
	out.SetNow(2 * time.Second)
	conn.Push(chunk(100 * time.Millisecond))
	waitFor(t, "second chunk", func() bool { return len(out.Scheduled()) == 2 })

	if got := out.Scheduled()[1].At; got != 2*time.Second {
		t.Errorf("late chunk at %v, want the clock (2s)", got)
	}
}

func TestPlayback_SkipsMalformedChunk(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)
	out := h.spk.Output()

	conn.Push(live.AudioChunk{Data: []byte{0x01}})
	conn.Push(chunk(100 * time.Millisecond))
	waitFor(t, "valid chunk", func() bool { return len(out.Scheduled()) == 1 })

	if got := out.Scheduled()[0].At; got != 0 {
		t.Errorf("valid chunk at %v, want 0", got)
	}
	if h.eng.State() != engine.StateOpen {
		t.Error("malformed chunk ended the session")
	}
	if n := h.counter(t, "lexivision.audio.chunks_skipped"); n != 1 {
		t.Errorf("chunks skipped = %d, want 1", n)
	}
}

func TestPlayback_Interruption(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)
	out := h.spk.Output()

	conn.Push(live.OutputTranscript{Text: "Let me tell you"})
	conn.Push(chunk(time.Second))
	conn.Push(chunk(time.Second))
	waitFor(t, "two chunks", func() bool { return len(out.Scheduled()) == 2 })

	conn.Push(live.Interrupted{})
	waitFor(t, "listening=true", func() bool { return len(h.rec.Listening()) == 2 })
	if got := h.rec.Interrupts(); len(got) != 1 || got[0] != 1 {
		t.Errorf("interrupts = %v, want one between listening=false and listening=true", got)
	}

	for i, hd := range out.Scheduled() {
		if !hd.Stopped() {
			t.Errorf("handle %d not stopped", i)
		}
	}
	if conn.Closed() {
		t.Error("interruption closed the connection")
	}
	if h.mic.Capture().Closed() {
		t.Error("interruption closed the microphone")
	}

	out.SetNow(250 * time.Millisecond)
	conn.Push(chunk(100 * time.Millisecond))
	waitFor(t, "post-interrupt chunk", func() bool { return len(out.Scheduled()) == 3 })
	if got := out.Scheduled()[2].At; got != 250*time.Millisecond {
		t.Errorf("cursor not reset: chunk at %v, want 250ms", got)
	}
	waitFor(t, "listening=false", func() bool { return len(h.rec.Listening()) == 3 })
	if got := h.rec.Listening(); got[0] || !got[1] || got[2] {
		t.Errorf("listening = %v, want [false true false]", got)
	}

	// The interrupted text never becomes final.
	conn.Push(live.TurnComplete{})
	conn.Push(live.OutputTranscript{Text: "x"})
	waitFor(t, "post-turn transcript", func() bool {
		tr := h.rec.Transcripts()
		return len(tr) > 0 && tr[len(tr)-1].Text == "x"
	})
	for _, tr := range h.rec.Transcripts() {
		if tr.IsFinal {
			t.Errorf("unexpected final transcript %+v", tr)
		}
	}
}

func TestPlayback_StopStopsHandles(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)
	out := h.spk.Output()

	conn.Push(chunk(time.Second))
	waitFor(t, "chunk", func() bool { return len(out.Scheduled()) == 1 })
	h.eng.Stop()

	if !out.Scheduled()[0].Stopped() {
		t.Error("in-flight handle not stopped on teardown")
	}
}

// ─── Transcripts ──────────────────────────────────────────────────────────────

func TestTranscripts_Scenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)

	conn.Push(live.InputTranscript{Text: "I th"})
	conn.Push(live.InputTranscript{Text: "ink it means temporary"})
	conn.Push(live.TurnComplete{})

	waitFor(t, "three transcripts", func() bool { return len(h.rec.Transcripts()) == 3 })
	want := []transcript{
		{"I th", true, false},
		{"I think it means temporary", true, false},
		{"I think it means temporary", true, true},
	}
	for i, got := range h.rec.Transcripts() {
		if got != want[i] {
			t.Errorf("transcript %d = %+v, want %+v", i, got, want[i])
		}
	}
}

func TestTranscripts_FinalOrderAndReset(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)

	conn.Push(live.OutputTranscript{Text: "Have you "})
	conn.Push(live.InputTranscript{Text: "Yes"})
	conn.Push(live.OutputTranscript{Text: "heard it?"})
	conn.Push(live.TurnComplete{})
	conn.Push(live.OutputTranscript{Text: "Great"})
	conn.Push(live.TurnComplete{})

	waitFor(t, "transcripts", func() bool { return len(h.rec.Transcripts()) == 7 })
	var finals []transcript
	for _, tr := range h.rec.Transcripts() {
		if tr.IsFinal {
			finals = append(finals, tr)
		}
	}
	want := []transcript{
		{"Yes", true, true},
		{"Have you heard it?", false, true},
		{"Great", false, true},
	}
	if len(finals) != len(want) {
		t.Fatalf("finals = %+v, want %+v", finals, want)
	}
	for i := range want {
		if finals[i] != want[i] {
			t.Errorf("final %d = %+v, want %+v", i, finals[i], want[i])
		}
	}
}

// ─── Tool calls ───────────────────────────────────────────────────────────────

func TestToolCall_CloseScenario(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)
	done := h.eng.Done()

	conn.Push(live.ToolCall{ID: "call-1", Name: engine.CloseToolName, Args: map[string]any{"reason": "user finished"}})

	waitDone(t, done)
	waitFor(t, "Ended", func() bool { return len(h.rec.Ended()) == 1 })
	if got := h.rec.Closes(); got != 1 {
		t.Errorf("CloseRequested fired %d times, want 1", got)
	}
	resps := conn.ToolResponses()
	if len(resps) != 1 {
		t.Fatalf("tool responses = %d, want 1", len(resps))
	}
	if resps[0].CallID != "call-1" || resps[0].Name != engine.CloseToolName || resps[0].Result["result"] != "ok" {
		t.Errorf("response = %+v", resps[0])
	}
	if got := h.rec.Ended()[0]; got != engine.EndCloseRequested {
		t.Errorf("Ended = %q, want close_requested", got)
	}
	assertReleased(t, h)
}

func TestToolCall_UnknownToolKeepsSessionOpen(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)

	conn.Push(live.ToolCall{ID: "c7", Name: "lookUp"})
	waitFor(t, "tool response", func() bool { return len(conn.ToolResponses()) == 1 })

	resp := conn.ToolResponses()[0]
	if resp.CallID != "c7" || resp.Result["error"] == nil {
		t.Errorf("response = %+v, want an error result for c7", resp)
	}
	if h.eng.State() != engine.StateOpen {
		t.Errorf("State() = %v, want open", h.eng.State())
	}
	if h.rec.Closes() != 0 {
		t.Error("CloseRequested fired for an unknown tool")
	}
}

func TestToolCall_AnsweredDespiteCallbackPanic(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var closes sync.WaitGroup
	closes.Add(1)
	cb := engine.Callbacks{
		CloseRequested: func() {
			defer closes.Done()
			panic("boom")
		},
		Transcript: func(string, bool, bool) { panic("also boom") },
	}
	if err := h.eng.Start(context.Background(), "ephemeral", engine.ModeConversation, cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	conn := h.tr.Conn()
	done := h.eng.Done()

	conn.Push(live.InputTranscript{Text: "hi"})
	conn.Push(live.ToolCall{ID: "call-9", Name: engine.CloseToolName, Args: map[string]any{"reason": "done"}})

	waitDone(t, done)
	closes.Wait()
	if resps := conn.ToolResponses(); len(resps) != 1 || resps[0].CallID != "call-9" {
		t.Errorf("responses = %+v, want one for call-9", resps)
	}
}

func TestToolCall_EveryCallAnsweredOnStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)

	const n = 20
	for i := range n {
		conn.Push(live.ToolCall{ID: fmt.Sprintf("c%d", i), Name: "lookUp"})
	}
	h.eng.Stop()

	resps := conn.ToolResponses()
	if len(resps) != n {
		t.Fatalf("responses = %d, want %d", len(resps), n)
	}
	seen := make(map[string]bool, n)
	for _, r := range resps {
		if seen[r.CallID] {
			t.Errorf("call %s answered twice", r.CallID)
		}
		seen[r.CallID] = true
	}
}

func TestToolCall_AnsweredWhenDeliveredDuringTeardown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)
	out := h.spk.Output()
	out.OnStop(func() {
		conn.Push(live.ToolCall{ID: "late", Name: "lookUp"})
	})

	conn.Push(chunk(time.Second))
	waitFor(t, "chunk", func() bool { return len(out.Scheduled()) == 1 })
	h.eng.Stop()

	if !out.Scheduled()[0].Stopped() {
		t.Fatal("in-flight handle not stopped on teardown")
	}
	resps := conn.ToolResponses()
	if len(resps) != 1 || resps[0].CallID != "late" {
		t.Errorf("responses = %+v, want the call delivered while handles stopped", resps)
	}
	if !conn.Closed() {
		t.Error("connection left open")
	}
}

// ─── Transport failure ────────────────────────────────────────────────────────

func TestTransportFailureEndsSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	conn := h.start(t)
	done := h.eng.Done()

	conn.Push(chunk(time.Second))
	waitFor(t, "chunk", func() bool { return len(h.spk.Output().Scheduled()) == 1 })
	conn.Fail(errors.New("websocket: close 1011"))

	waitDone(t, done)
	assertReleased(t, h)
	if !h.spk.Output().Scheduled()[0].Stopped() {
		t.Error("in-flight handle survived transport failure")
	}
	waitFor(t, "Ended", func() bool { return len(h.rec.Ended()) == 1 })
	if got := h.rec.Ended()[0]; got != engine.EndTransportError {
		t.Errorf("Ended = %q, want transport_error", got)
	}
	if n := h.counter(t, "lexivision.transport.errors"); n != 1 {
		t.Errorf("transport errors = %d, want 1", n)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    engine.Mode
		wantErr bool
	}{
		{"", engine.ModeConversation, false},
		{"conversation", engine.ModeConversation, false},
		{" Pronunciation ", engine.ModePronunciation, false},
		{"karaoke", "", true},
	}
	for _, tc := range tests {
		got, err := engine.ParseMode(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseMode(%q) = %q, %v", tc.in, got, err)
		}
		if tc.wantErr && !errors.Is(err, engine.ErrInvalidMode) {
			t.Errorf("ParseMode(%q) err = %v, want ErrInvalidMode", tc.in, err)
		}
	}
}

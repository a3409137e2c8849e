package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/JPBrill/Lexivision/internal/observe"
	"github.com/JPBrill/Lexivision/pkg/audio"
	"github.com/JPBrill/Lexivision/pkg/provider/live"
)

// session is one practice session. Fields below the loop-owned marker are
// read and written only by the loop goroutine.
type session struct {
	e    *Engine
	id   string
	word string
	mode Mode
	cfg  live.Config
	cb   Callbacks

	ctx           context.Context
	span          trace.Span
	log           *slog.Logger
	connectCtx    context.Context
	cancelConnect context.CancelFunc
	notify        *notifier

	state    atomic.Int32
	stopCh   chan struct{}
	stopOnce sync.Once
	opened   chan struct{}
	done     chan struct{}

	// startErr is written by the loop before done is closed.
	startErr error

	// ── loop-owned ──

	capture   audio.Capture
	out       audio.Output
	conn      live.Connection
	pending   [][]byte
	inflight  map[uint64]audio.Handle
	nextID    uint64
	nextStart time.Duration
	inText    strings.Builder
	outText   strings.Builder
	isOpen    bool

	ended    chan uint64
	quit     chan struct{}
	watchers sync.WaitGroup
}

type connectResult struct {
	conn live.Connection
	err  error
}

// newSession must be called with e.mu held.
func (e *Engine) newSession(ctx context.Context, word string, mode Mode, cb Callbacks) *session {
	id := uuid.NewString()
	sctx, span := observe.StartSessionSpan(context.WithoutCancel(ctx), "engine.session",
		observe.Session{ID: id, Word: word, Mode: string(mode)})
	log := observe.Logger(sctx)

	s := &session{
		e:        e,
		id:       id,
		word:     word,
		mode:     mode,
		cfg:      e.sessionConfig(word, mode, e.voice),
		cb:       cb,
		ctx:      sctx,
		span:     span,
		log:      log,
		notify:   newNotifier(log),
		stopCh:   make(chan struct{}),
		opened:   make(chan struct{}),
		done:     make(chan struct{}),
		inflight: make(map[uint64]audio.Handle),
		ended:    make(chan uint64),
		quit:     make(chan struct{}),
	}
	s.connectCtx, s.cancelConnect = context.WithCancel(ctx)
	s.state.Store(int32(StateConnecting))
	return s
}

// stop requests teardown and waits for it. Safe to call repeatedly and from
// any goroutine except the loop itself.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancelConnect()
	})
	<-s.done
}

func (s *session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *session) loop() {
	start := time.Now()
	if err := s.acquire(); err != nil {
		if isClosed(s.stopCh) {
			err = ErrStopped
		}
		s.teardown(EndStopped, err, nil)
		return
	}

	connected := make(chan connectResult, 1)
	go func() {
		conn, err := s.e.transport.Connect(s.connectCtx, s.cfg)
		connected <- connectResult{conn: conn, err: err}
	}()

	frames := s.capture.Frames()
	var events <-chan live.Event

	for {
		select {
		case <-s.stopCh:
			s.teardown(EndStopped, ErrStopped, connected)
			return

		case res := <-connected:
			connected = nil
			s.e.metrics.ConnectDuration.Record(s.ctx, time.Since(start).Seconds())
			if res.err == nil && isClosed(s.stopCh) {
				_ = res.conn.Close()
				s.teardown(EndStopped, ErrStopped, nil)
				return
			}
			if res.err != nil {
				if res.conn != nil {
					_ = res.conn.Close()
				}
				s.teardown(EndTransportError, s.connectError(res.err), nil)
				return
			}
			s.conn = res.conn
			events = res.conn.Events()
			s.open()

		case frame, ok := <-frames:
			if !ok {
				s.log.Warn("engine: microphone stream ended")
				s.teardown(EndMicrophoneLost, ErrMicrophoneLost, connected)
				return
			}
			s.onFrame(frame)

		case ev, ok := <-events:
			if !ok {
				err := s.conn.Err()
				s.log.Error("engine: transport connection lost", "err", err)
				s.e.metrics.TransportErrors.Add(s.ctx, 1)
				s.span.RecordError(fmt.Errorf("transport: %w", errOrClosed(err)))
				s.teardown(EndTransportError, err, nil)
				return
			}
			if s.dispatch(ev) {
				s.teardown(EndCloseRequested, nil, nil)
				return
			}

		case id := <-s.ended:
			s.onHandleEnded(id)
		}
	}
}

// acquire opens the microphone, then the speaker.
func (s *session) acquire() error {
	capture, err := s.e.mic.Open(s.connectCtx,
		audio.Format{SampleRate: live.InputSampleRate, Channels: 1}, s.e.frameSamples)
	if err != nil {
		return fmt.Errorf("engine: open microphone: %w", err)
	}
	s.capture = capture

	out, err := s.e.speaker.Open(s.connectCtx,
		audio.Format{SampleRate: live.OutputSampleRate, Channels: 1})
	if err != nil {
		return fmt.Errorf("engine: open speaker: %w", err)
	}
	s.out = out
	return nil
}

func (s *session) connectError(err error) error {
	if errors.Is(err, context.Canceled) && isClosed(s.stopCh) {
		return ErrStopped
	}
	return fmt.Errorf("engine: connect %s: %w", s.cfg.Model, err)
}

// open moves the session to OPEN and flushes frames captured while
// connecting, oldest first.
func (s *session) open() {
	s.isOpen = true
	s.setState(StateOpen)
	s.e.metrics.SessionsStarted.Add(s.ctx, 1, metric.WithAttributes(observe.Attr("mode", string(s.mode))))
	s.e.metrics.ActiveSessions.Add(s.ctx, 1)

	if n := len(s.pending); n > 0 {
		s.log.Debug("engine: flushing frames captured while connecting", "frames", n)
	}
	for _, pcm := range s.pending {
		s.send(pcm)
	}
	s.pending = nil

	s.log.Info("engine: session open")
	close(s.opened)
}

func (s *session) teardown(reason EndReason, cause error, connecting <-chan connectResult) {
	s.setState(StateClosing)
	s.cancelConnect()

	if connecting != nil {
		if res := <-connecting; res.conn != nil {
			_ = res.conn.Close()
		}
	}

	for id, h := range s.inflight {
		h.Stop()
		delete(s.inflight, id)
	}
	close(s.quit)
	s.watchers.Wait()

	if s.conn != nil {
		s.answerBufferedToolCalls()
		if err := s.conn.Close(); err != nil {
			s.log.Warn("engine: close connection", "err", err)
		}
	}
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			s.log.Warn("engine: close microphone", "err", err)
		}
	}
	if s.out != nil {
		if err := s.out.Close(); err != nil {
			s.log.Warn("engine: close speaker", "err", err)
		}
	}

	if s.isOpen {
		s.e.metrics.ActiveSessions.Add(s.ctx, -1)
		s.log.Info("engine: session ended", "reason", string(reason))
		s.span.SetAttributes(attribute.String("session.end_reason", string(reason)))
		if cause != nil && reason == EndTransportError {
			s.span.SetStatus(codes.Error, cause.Error())
		}
		s.emitEnded(reason)
	} else {
		if cause == nil {
			cause = ErrStopped
		}
		s.startErr = cause
		s.e.metrics.RecordStartFailure(s.ctx, failureReason(cause))
		s.log.Warn("engine: session failed to start", "err", cause)
		s.span.RecordError(cause)
		s.span.SetStatus(codes.Error, cause.Error())
	}

	s.setState(StateIdle)
	s.e.detach(s)
	s.notify.close()
	s.span.End()
	close(s.done)
}

// answerBufferedToolCalls answers tool calls that were already delivered but
// not yet dispatched, so no call goes unanswered because of teardown.
func (s *session) answerBufferedToolCalls() {
	events := s.conn.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if call, isCall := ev.(live.ToolCall); isCall {
				s.respond(call)
			}
		default:
			return
		}
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, audio.ErrPermissionDenied):
		return "permission"
	case errors.Is(err, live.ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, ErrMicrophoneLost):
		return "microphone_lost"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

func errOrClosed(err error) error {
	if err == nil {
		return live.ErrClosed
	}
	return err
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

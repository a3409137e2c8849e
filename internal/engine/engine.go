// Package engine runs live practice sessions: it streams microphone audio to a
// realtime model, plays the model's synthesised speech back without gaps,
// reports live transcripts and lets the model end the session through a tool
// call.
//
// An [Engine] holds at most one session at a time. [Engine.Start] blocks until
// the session is open or has failed; [Engine.Stop] tears it down. Each session
// is driven by a single event loop goroutine that owns the transport
// connection, both audio devices, the playback cursor and the set of
// in-flight playback handles. Nothing else touches them.
//
// Callbacks are delivered in order on a separate goroutine per session, so a
// callback may call [Engine.Stop] without deadlocking.
//
// This package is internal because it encapsulates application-private
// session logic and is not intended for import by external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/JPBrill/Lexivision/internal/observe"
	"github.com/JPBrill/Lexivision/pkg/audio"
	"github.com/JPBrill/Lexivision/pkg/provider/live"
)

// Defaults for [New].
const (
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	DefaultVoice = "Kore"

	// DefaultPendingLimit bounds the frames held while the transport is
	// connecting. At 4096 samples per frame this is a little over 8 s of audio.
	DefaultPendingLimit = 32
)

var (
	// ErrInvalidWord is returned by Start when the target word is blank.
	ErrInvalidWord = errors.New("engine: target word must not be empty")

	// ErrInvalidMode is returned by Start for an unknown practice mode.
	ErrInvalidMode = errors.New("engine: invalid practice mode")

	// ErrStopped is returned by Start when Stop, or a newer Start, ended the
	// session before it opened.
	ErrStopped = errors.New("engine: session stopped before it opened")

	// ErrMicrophoneLost is returned by Start when the capture stream ended
	// while connecting. Once a session is open the same condition ends it
	// with [EndMicrophoneLost].
	ErrMicrophoneLost = errors.New("engine: microphone became unavailable")
)

// Mode selects the tutor persona and its system instructions.
type Mode string

const (
	ModeConversation  Mode = "conversation"
	ModePronunciation Mode = "pronunciation"
)

// ParseMode converts a user-supplied string into a [Mode]. The empty string
// selects [ModeConversation].
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeConversation, nil
	case ModeConversation, ModePronunciation:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

func (m Mode) valid() bool {
	return m == ModeConversation || m == ModePronunciation
}

// State is the lifecycle state of the engine's current session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// EndReason says why an open session ended.
type EndReason string

const (
	EndStopped        EndReason = "stopped"
	EndCloseRequested EndReason = "close_requested"
	EndMicrophoneLost EndReason = "microphone_lost"
	EndTransportError EndReason = "transport_error"
)

// Callbacks receive session output. Any field may be nil. All callbacks of a
// session run sequentially on one goroutine, in the order the events occurred.
// A callback must not block for long: later events queue behind it.
type Callbacks struct {
	// Transcript reports accumulated text for the current turn. Partial
	// updates carry the whole text so far; the final update for a speaker
	// arrives once per turn.
	Transcript func(text string, isUser, isFinal bool)

	// Volume reports the RMS level of each captured microphone frame.
	Volume func(level float64)

	// ListeningChanged reports false when the tutor starts speaking and true
	// when its queued audio has finished or was interrupted.
	ListeningChanged func(listening bool)

	// Interrupted fires when the learner cuts the tutor off. Partial text
	// reported before it will never become final. It precedes the
	// ListeningChanged(true) of the same interruption.
	Interrupted func()

	// CloseRequested fires when the model asks to end the session.
	CloseRequested func()

	// Ended fires last, after every device and the connection were released.
	// It is only called for sessions that opened.
	Ended func(reason EndReason)
}

// Option is a functional option for configuring an [Engine].
type Option func(*Engine)

// WithModel overrides [DefaultModel].
func WithModel(model string) Option {
	return func(e *Engine) { e.model = model }
}

// WithVoice overrides [DefaultVoice].
func WithVoice(voice string) Option {
	return func(e *Engine) { e.voice = voice }
}

// WithFrameSamples sets the microphone frame size. The default is
// [audio.DefaultFrameSamples].
func WithFrameSamples(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.frameSamples = n
		}
	}
}

// WithPendingLimit bounds the frames held while connecting. When the queue is
// full the oldest frame is dropped. The default is [DefaultPendingLimit].
func WithPendingLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pendingLimit = n
		}
	}
}

// WithMetrics records session telemetry into m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine runs one live practice session at a time.
//
// All methods are safe for concurrent use.
type Engine struct {
	transport live.Transport
	mic       audio.Microphone
	speaker   audio.Speaker

	model        string
	frameSamples int
	pendingLimit int
	metrics      *observe.Metrics

	mu    sync.Mutex
	voice string
	cur   *session
}

// New creates an Engine. No device or connection is opened until Start.
func New(transport live.Transport, mic audio.Microphone, speaker audio.Speaker, opts ...Option) *Engine {
	e := &Engine{
		transport:    transport,
		mic:          mic,
		speaker:      speaker,
		model:        DefaultModel,
		voice:        DefaultVoice,
		frameSamples: audio.DefaultFrameSamples,
		pendingLimit: DefaultPendingLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// SetVoice changes the voice used by sessions started afterwards.
func (e *Engine) SetVoice(voice string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.voice = voice
}

// Start opens a practice session for word in the given mode and blocks until
// the transport has accepted it.
//
// A session that is already active is stopped and replaced. ctx bounds only
// the connect phase; once Start returns nil the session lives until Stop, the
// model's close request, microphone loss or a transport failure.
//
// Errors wrap [audio.ErrPermissionDenied] when a device refused access and
// [live.ErrUnavailable] when the model or tier is not available. After an
// error the engine is idle and holds no resources.
func (e *Engine) Start(ctx context.Context, word string, mode Mode, cb Callbacks) error {
	word = strings.TrimSpace(word)
	if word == "" {
		return ErrInvalidWord
	}
	if !mode.valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}

	e.mu.Lock()
	s := e.newSession(ctx, word, mode, cb)
	prev := e.cur
	e.cur = s
	e.mu.Unlock()

	if prev != nil {
		prev.log.Info("engine: replacing active session", "next_session_id", s.id)
		prev.stop()
	}

	go s.loop()

	select {
	case <-s.opened:
		return nil
	case <-s.done:
		return s.startErr
	}
}

// Stop ends the current session and waits until every resource is released.
// It never fails, is a no-op when idle and may be called from a callback.
func (e *Engine) Stop() {
	e.mu.Lock()
	s := e.cur
	e.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

// State reports the lifecycle state of the current session.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return StateIdle
	}
	return State(e.cur.state.Load())
}

// Done returns a channel that is closed when the current session has been
// torn down. When idle the returned channel is already closed.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == nil {
		return closedCh
	}
	return e.cur.done
}

// detach clears the current session if it is still s.
func (e *Engine) detach(s *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cur == s {
		e.cur = nil
	}
}

var closedCh = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

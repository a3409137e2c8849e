package app

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/JPBrill/Lexivision/internal/engine"
	"github.com/JPBrill/Lexivision/internal/observe"
	"github.com/JPBrill/Lexivision/internal/practice/phonetic"
	"github.com/JPBrill/Lexivision/internal/wordstore"
)

// recordTimeout bounds writing a finished session to the store.
const recordTimeout = 5 * time.Second

// ErrNoPractice is returned by [SessionManager.Stop] when nothing is active.
var ErrNoPractice = errors.New("app: no practice session is active")

// PracticeEngine is the part of [engine.Engine] the manager drives.
type PracticeEngine interface {
	Start(ctx context.Context, word string, mode engine.Mode, cb engine.Callbacks) error
	Stop()
	State() engine.State
}

// Turn is one line of a practice transcript. Speaker is "user" or "tutor".
type Turn struct {
	Speaker     string    `json:"speaker"`
	Text        string    `json:"text"`
	Final       bool      `json:"final"`
	Interrupted bool      `json:"interrupted,omitempty"`
	At          time.Time `json:"at"`
}

// PracticeStatus is a snapshot of the current practice session.
type PracticeStatus struct {
	Active         bool                      `json:"active"`
	State          string                    `json:"state"`
	SessionID      string                    `json:"sessionId,omitempty"`
	UserID         string                    `json:"userId,omitempty"`
	Word           string                    `json:"word,omitempty"`
	Mode           string                    `json:"mode,omitempty"`
	StartedAt      time.Time                 `json:"startedAt,omitzero"`
	Listening      bool                      `json:"listening"`
	Volume         float64                   `json:"volume"`
	TargetUses     int                       `json:"targetUses"`
	CloseRequested bool                      `json:"closeRequested"`
	Transcript     []Turn                    `json:"transcript"`
	Last           *wordstore.PracticeRecord `json:"last,omitempty"`
}

// attempt is one call to Start. Mutable fields are guarded by
// SessionManager.mu.
type attempt struct {
	id      uint64
	user    string
	word    string
	mode    engine.Mode
	started time.Time

	finished chan struct{}
	once     sync.Once

	turns          []Turn
	openTurn       map[bool]int // in-progress turn index by isUser
	listening      bool
	volume         float64
	uses           int
	userTurns      int
	modelTurns     int
	closeRequested bool
	record         *wordstore.PracticeRecord
}

func (a *attempt) finish() { a.once.Do(func() { close(a.finished) }) }

// SessionManager runs practice sessions on one engine for the learner at the
// keyboard (or microphone). It keeps the live transcript, counts uses of the
// target word in the learner's final turns and writes a
// [wordstore.PracticeRecord] when a session ends.
//
// Only one session is active at a time; starting another stops and replaces
// it. All exported methods are safe for concurrent use.
type SessionManager struct {
	eng     PracticeEngine
	store   wordstore.Store
	matcher *phonetic.Matcher
	metrics *observe.Metrics
	now     func() time.Time
	onTurn  func(Turn)

	mu     sync.Mutex
	nextID uint64
	cur    *attempt
	last   *wordstore.PracticeRecord
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Engine  PracticeEngine
	Store   wordstore.Store
	Matcher *phonetic.Matcher // default phonetic.New()
	Metrics *observe.Metrics  // default observe.DefaultMetrics()
	Now     func() time.Time  // default time.Now

	// OnTurn, if set, receives every final turn. It runs on the engine's
	// callback goroutine and must return quickly.
	OnTurn func(Turn)
}

// NewSessionManager creates a [SessionManager].
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	m := &SessionManager{
		eng:     cfg.Engine,
		store:   cfg.Store,
		matcher: cfg.Matcher,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		onTurn:  cfg.OnTurn,
	}
	if m.matcher == nil {
		m.matcher = phonetic.New()
	}
	if m.metrics == nil {
		m.metrics = observe.DefaultMetrics()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m
}

// Start opens a practice session on word for userID and blocks until it is
// open. userID may be empty for anonymous practice.
func (m *SessionManager) Start(ctx context.Context, userID, word string, mode engine.Mode) (PracticeStatus, error) {
	m.mu.Lock()
	m.nextID++
	a := &attempt{
		id:        m.nextID,
		user:      userID,
		word:      word,
		mode:      mode,
		started:   m.now().UTC(),
		finished:  make(chan struct{}),
		openTurn:  make(map[bool]int),
		listening: true,
	}
	m.cur = a
	m.mu.Unlock()

	log := observe.Logger(ctx).With("practice_id", a.id, "word", word, "mode", mode)
	if err := m.eng.Start(ctx, word, mode, m.callbacks(a)); err != nil {
		m.mu.Lock()
		if m.cur == a {
			m.cur = nil
		}
		m.mu.Unlock()
		a.finish()
		log.Warn("practice: start failed", "err", err)
		return PracticeStatus{}, err
	}
	log.Info("practice: session open")
	return m.Status(), nil
}

// Stop ends the active session and waits, bounded by ctx, until its record
// is written. The record is nil when the session was stopped before it
// opened.
func (m *SessionManager) Stop(ctx context.Context) (*wordstore.PracticeRecord, error) {
	m.mu.Lock()
	a := m.cur
	m.mu.Unlock()
	if a == nil {
		return nil, ErrNoPractice
	}

	m.eng.Stop()
	return m.await(ctx, a)
}

// Wait blocks until the active session ends on its own (the tutor closed it
// or the microphone was lost) and returns its record.
func (m *SessionManager) Wait(ctx context.Context) (*wordstore.PracticeRecord, error) {
	m.mu.Lock()
	a := m.cur
	m.mu.Unlock()
	if a == nil {
		return nil, ErrNoPractice
	}
	return m.await(ctx, a)
}

func (m *SessionManager) await(ctx context.Context, a *attempt) (*wordstore.PracticeRecord, error) {
	select {
	case <-a.finished:
	case <-ctx.Done():
		return nil, fmt.Errorf("app: waiting for practice record: %w", ctx.Err())
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return a.record, nil
}

// Status returns a snapshot of the active session, or of an idle manager
// with the most recent record.
func (m *SessionManager) Status() PracticeStatus {
	state := m.eng.State()

	m.mu.Lock()
	defer m.mu.Unlock()
	st := PracticeStatus{State: state.String(), Transcript: []Turn{}, Last: m.last}
	a := m.cur
	if a == nil {
		return st
	}
	st.Active = state != engine.StateIdle
	st.SessionID = fmt.Sprintf("practice-%d", a.id)
	st.UserID = a.user
	st.Word = a.word
	st.Mode = string(a.mode)
	st.StartedAt = a.started
	st.Listening = a.listening
	st.Volume = a.volume
	st.TargetUses = a.uses
	st.CloseRequested = a.closeRequested
	st.Transcript = slices.Clone(a.turns)
	return st
}

// History returns the user's finished sessions, newest first.
func (m *SessionManager) History(ctx context.Context, userID string, limit int) ([]wordstore.PracticeRecord, error) {
	return m.store.PracticeHistory(ctx, userID, limit)
}

// Close stops any active session. It is used during shutdown.
func (m *SessionManager) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if _, err := m.Stop(ctx); err != nil && !errors.Is(err, ErrNoPractice) {
		return err
	}
	return nil
}

func (m *SessionManager) callbacks(a *attempt) engine.Callbacks {
	return engine.Callbacks{
		Transcript: func(text string, isUser, isFinal bool) {
			m.onTranscript(a, text, isUser, isFinal)
		},
		Volume: func(level float64) {
			m.mu.Lock()
			a.volume = level
			m.mu.Unlock()
		},
		ListeningChanged: func(listening bool) {
			m.mu.Lock()
			a.listening = listening
			m.mu.Unlock()
		},
		Interrupted: func() {
			m.onInterrupted(a)
		},
		CloseRequested: func() {
			m.mu.Lock()
			a.closeRequested = true
			m.mu.Unlock()
		},
		Ended: func(reason engine.EndReason) {
			m.onEnded(a, reason)
		},
	}
}

func (m *SessionManager) onTranscript(a *attempt, text string, isUser, isFinal bool) {
	speaker := "tutor"
	if isUser {
		speaker = "user"
	}

	m.mu.Lock()
	idx, open := a.openTurn[isUser]
	if !open {
		a.turns = append(a.turns, Turn{Speaker: speaker})
		idx = len(a.turns) - 1
		a.openTurn[isUser] = idx
	}
	a.turns[idx].Text = text
	a.turns[idx].At = m.now().UTC()

	var (
		uses  []phonetic.Use
		final Turn
	)
	if isFinal {
		a.turns[idx].Final = true
		final = a.turns[idx]
		delete(a.openTurn, isUser)
		if isUser {
			a.userTurns++
			uses = m.matcher.Uses(text, a.word)
			a.uses += len(uses)
		} else {
			a.modelTurns++
		}
	}
	m.mu.Unlock()

	for _, u := range uses {
		match := "phonetic"
		if u.Exact {
			match = "exact"
		}
		m.metrics.TargetWordUses.Add(context.Background(), 1, metric.WithAttributes(observe.Attr("match", match)))
	}
	if isFinal && m.onTurn != nil {
		m.onTurn(final)
	}
}

// onInterrupted closes the turns that were in progress. Their partial text
// stays in the transcript but never becomes final, so the next partial opens
// a fresh turn.
func (m *SessionManager) onInterrupted(a *attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if idx, open := a.openTurn[false]; open {
		a.turns[idx].Interrupted = true
	}
	clear(a.openTurn)
}

func (m *SessionManager) onEnded(a *attempt, reason engine.EndReason) {
	m.mu.Lock()
	rec := wordstore.PracticeRecord{
		UserID:     a.user,
		Word:       a.word,
		Mode:       string(a.mode),
		StartedAt:  a.started,
		EndedAt:    m.now().UTC(),
		UserTurns:  a.userTurns,
		ModelTurns: a.modelTurns,
		TargetUses: a.uses,
		EndReason:  string(reason),
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	log := observe.Logger(ctx).With("practice_id", a.id, "word", a.word)

	saved, err := m.store.RecordPractice(ctx, rec)
	if err != nil {
		log.Error("practice: failed to record session", "err", err)
		saved = rec
	} else {
		m.metrics.PracticeRecords.Add(ctx, 1)
	}
	log.Info("practice: session ended", "reason", reason, "target_uses", rec.TargetUses,
		"user_turns", rec.UserTurns, "duration", rec.EndedAt.Sub(rec.StartedAt))

	m.mu.Lock()
	a.record = &saved
	m.last = &saved
	if m.cur == a {
		m.cur = nil
	}
	m.mu.Unlock()
	a.finish()
}

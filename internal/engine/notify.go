package engine

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// notifier runs callbacks one at a time, in post order, on its own goroutine.
// Posting never blocks, so a slow callback cannot stall the event loop.
type notifier struct {
	log *slog.Logger

	mu     sync.Mutex
	queue  []func()
	closed bool
	wake   chan struct{}
}

func newNotifier(log *slog.Logger) *notifier {
	n := &notifier{log: log, wake: make(chan struct{}, 1)}
	go n.run()
	return n
}

func (n *notifier) post(fn func()) {
	if fn == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	n.signal()
}

// close lets the goroutine exit once everything already posted has run.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.signal()
}

func (n *notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-n.wake
			continue
		}
		for _, fn := range batch {
			n.call(fn)
		}
	}
}

func (n *notifier) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("engine: callback panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Typed helpers so the loop never has to nil-check callbacks.

func (s *session) emitTranscript(text string, isUser, isFinal bool) {
	if cb := s.cb.Transcript; cb != nil {
		s.notify.post(func() { cb(text, isUser, isFinal) })
	}
}

func (s *session) emitVolume(level float64) {
	if cb := s.cb.Volume; cb != nil {
		s.notify.post(func() { cb(level) })
	}
}

func (s *session) emitListening(listening bool) {
	if cb := s.cb.ListeningChanged; cb != nil {
		s.notify.post(func() { cb(listening) })
	}
}

func (s *session) emitInterrupted() {
	if cb := s.cb.Interrupted; cb != nil {
		s.notify.post(cb)
	}
}

func (s *session) emitCloseRequested() {
	if cb := s.cb.CloseRequested; cb != nil {
		s.notify.post(cb)
	}
}

func (s *session) emitEnded(reason EndReason) {
	if cb := s.cb.Ended; cb != nil {
		s.notify.post(func() { cb(reason) })
	}
}

// Package mock provides test doubles for the live package interfaces.
//
// Use Transport to verify Connect calls and hand out controllable
// connections. Use Connection to push server events and inspect what the
// engine sent.
//
// Example:
//
//	tr := &mock.Transport{}
//	eng := engine.New(tr, mic, spk)
//	_ = eng.Start(ctx, "ephemeral", engine.ModeConversation, cb)
//	conn := tr.Conn()
//	conn.Push(live.AudioChunk{Data: pcm})
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/JPBrill/Lexivision/pkg/provider/live"
)

// ConnectCall records a single invocation of Transport.Connect.
type ConnectCall struct {
	Cfg live.Config
}

// Transport is a mock implementation of live.Transport.
type Transport struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect wait until the channel is closed or the
	// context is cancelled.
	Gate chan struct{}

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	conns []*Connection
}

// Connect records the call and returns a fresh Connection or ConnectErr.
func (t *Transport) Connect(ctx context.Context, cfg live.Config) (live.Connection, error) {
	t.mu.Lock()
	t.ConnectCalls = append(t.ConnectCalls, ConnectCall{Cfg: cfg})
	gate := t.Gate
	t.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ConnectErr != nil {
		return nil, t.ConnectErr
	}
	c := NewConnection()
	t.conns = append(t.conns, c)
	return c, nil
}

// Conn returns the most recent connection handed out, or nil.
func (t *Transport) Conn() *Connection {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.conns) == 0 {
		return nil
	}
	return t.conns[len(t.conns)-1]
}

// Calls returns a copy of the recorded Connect calls.
func (t *Transport) Calls() []ConnectCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]ConnectCall(nil), t.ConnectCalls...)
}

// Connection is a mock implementation of live.Connection.
type Connection struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned by SendAudio after recording.
	SendAudioErr error

	events    chan live.Event
	ended     bool
	err       error
	audio     [][]byte
	responses []live.ToolResponse
	closes    int
}

// NewConnection returns an open Connection with a buffered event stream.
func NewConnection() *Connection {
	return &Connection{events: make(chan live.Event, 256)}
}

// Push delivers a server event. It reports false once the stream has ended.
func (c *Connection) Push(ev live.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.events <- ev
	return true
}

// Fail ends the event stream as a dropped connection would.
func (c *Connection) Fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return
	}
	if err == nil {
		err = errors.New("mock: connection lost")
	}
	c.err = err
	c.ended = true
	close(c.events)
}

// SendAudio records the frame.
func (c *Connection) SendAudio(pcm []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closes > 0 {
		return live.ErrClosed
	}
	c.audio = append(c.audio, append([]byte(nil), pcm...))
	return c.SendAudioErr
}

// SendToolResponse records the response, including after Close, so tests
// can check that teardown still answers every call.
func (c *Connection) SendToolResponse(resp live.ToolResponse) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, resp)
	if c.closes > 0 {
		return live.ErrClosed
	}
	return nil
}

// Events implements live.Connection.
func (c *Connection) Events() <-chan live.Event { return c.events }

// Err implements live.Connection.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close ends the stream. Safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if !c.ended {
		c.ended = true
		close(c.events)
	}
	return nil
}

// Audio returns a copy of every frame sent, in order.
func (c *Connection) Audio() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.audio...)
}

// ToolResponses returns a copy of every tool response sent, in order.
func (c *Connection) ToolResponses() []live.ToolResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]live.ToolResponse(nil), c.responses...)
}

// Closed reports whether Close was called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes > 0
}

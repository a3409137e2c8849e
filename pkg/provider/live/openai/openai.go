// Package openai implements live.Transport for OpenAI's Realtime API.
//
// It opens a WebSocket to the Realtime endpoint and exchanges JSON events.
// The Realtime API works at 24 kHz in both directions, so 16 kHz microphone
// frames are resampled before they are appended to the input buffer. Server
// VAD drives turn taking; a speech_started event during a response is
// surfaced as [live.Interrupted].
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/JPBrill/Lexivision/pkg/audio"
	"github.com/JPBrill/Lexivision/pkg/provider/live"
	"github.com/coder/websocket"
)

var _ live.Transport = (*Transport)(nil)
var _ live.Connection = (*session)(nil)

const (
	// DefaultModel is the realtime model used when none is configured.
	DefaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// transcriptionModel transcribes the user's speech when requested.
	transcriptionModel = "whisper-1"

	realtimeSampleRate = 24000

	setupTimeout = 15 * time.Second
	flushTimeout = 2 * time.Second
	eventBuffer  = 64
	sendBuffer   = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements live.Transport for the OpenAI Realtime API.
type Transport struct {
	apiKey  string
	baseURL string
}

// New creates an OpenAI Realtime Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{apiKey: apiKey, baseURL: defaultBaseURL}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Connect dials the Realtime endpoint, configures the session and asks the
// model to open the conversation.
func (t *Transport) Connect(ctx context.Context, cfg live.Config) (live.Connection, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	setupCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, setupTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.Dial(setupCtx, fmt.Sprintf("%s?model=%s", t.baseURL, model), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + t.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("openai: dial model %q: %w: %w", model, live.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	if err := handshake(setupCtx, conn, cfg); err != nil {
		conn.Close(websocket.StatusNormalClosure, "setup failed")
		var se *serverError
		if errors.As(err, &se) && se.Code == "model_not_found" {
			return nil, fmt.Errorf("openai: model %q: %w: %w", model, live.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("openai: setup: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:      conn,
		events:    make(chan live.Event, eventBuffer),
		sendCh:    make(chan []byte, sendBuffer),
		closing:   make(chan struct{}),
		flushed:   make(chan struct{}),
		ctx:       sessCtx,
		cancel:    cancel,
		itemDelta: make(map[string]bool),
	}
	s.wg.Add(2)
	go s.receiveLoop()
	go s.writeLoop()
	return s, nil
}

// handshake waits for session.created, sends session.update, waits for
// session.updated and then requests the opening response.
func handshake(ctx context.Context, conn *websocket.Conn, cfg live.Config) error {
	if err := awaitEvent(ctx, conn, "session.created"); err != nil {
		return err
	}
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputTranscription{Model: transcriptionModel}
	}
	for _, tool := range cfg.Tools {
		params.Tools = append(params.Tools, oaiTool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	if err := writeJSON(ctx, conn, sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		return err
	}
	if err := awaitEvent(ctx, conn, "session.updated"); err != nil {
		return err
	}
	return writeJSON(ctx, conn, map[string]string{"type": "response.create"})
}

func awaitEvent(ctx context.Context, conn *websocket.Conn, typ string) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		if evt.Type == "error" && evt.Error != nil {
			return evt.Error
		}
		if evt.Type == typ {
			return nil
		}
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── Protocol message types ─────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Tools                   []oaiTool           `json:"tools,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 PCM16 at 24 kHz
}

type createItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

type serverError struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverError) Error() string {
	return fmt.Sprintf("openai: %s (%s): %s", e.Type, e.Code, e.Message)
}

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta, response.audio_transcript.delta and
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverError `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event
	sendCh chan []byte

	closing chan struct{}
	flushed chan struct{}

	mu     sync.Mutex
	errVal error
	closed bool

	// Receive-loop state.
	responding bool
	itemDelta  map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("openai: read: %w", err))
			}
			return
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		for _, ev := range s.translate(&evt) {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *session) translate(evt *serverEvent) []live.Event {
	switch evt.Type {
	case "response.audio.delta", "response.output_audio.delta":
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(data) == 0 {
			return nil
		}
		s.responding = true
		return []live.Event{live.AudioChunk{Data: data}}

	case "response.audio_transcript.delta", "response.output_audio_transcript.delta":
		if evt.Delta == "" {
			return nil
		}
		return []live.Event{live.OutputTranscript{Text: evt.Delta}}

	case "conversation.item.input_audio_transcription.delta":
		if evt.Delta == "" {
			return nil
		}
		s.itemDelta[evt.ItemID] = true
		return []live.Event{live.InputTranscript{Text: evt.Delta}}

	case "conversation.item.input_audio_transcription.completed":
		streamed := s.itemDelta[evt.ItemID]
		delete(s.itemDelta, evt.ItemID)
		if streamed || evt.Transcript == "" {
			return nil
		}
		return []live.Event{live.InputTranscript{Text: evt.Transcript}}

	case "input_audio_buffer.speech_started":
		if !s.responding {
			return nil
		}
		s.responding = false
		return []live.Event{live.Interrupted{}}

	case "response.done":
		s.responding = false
		return []live.Event{live.TurnComplete{}}

	case "response.function_call_arguments.done":
		args := map[string]any{}
		if evt.Arguments != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
				slog.Warn("openai: tool call arguments are not a JSON object", "name", evt.Name, "err", err)
			}
		}
		return []live.Event{live.ToolCall{ID: evt.CallID, Name: evt.Name, Args: args}}

	case "error":
		if evt.Error != nil {
			slog.Warn("openai: server error", "code", evt.Error.Code, "message", evt.Error.Message)
		}
	}
	return nil
}

func (s *session) writeLoop() {
	defer s.wg.Done()
	defer close(s.flushed)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.closing:
			s.flush()
			return
		case data := <-s.sendCh:
			if err := s.conn.Write(s.ctx, websocket.MessageText, data); err != nil {
				if s.ctx.Err() == nil {
					s.fail(fmt.Errorf("openai: write: %w", err))
				}
				return
			}
		}
	}
}

func (s *session) flush() {
	for {
		select {
		case data := <-s.sendCh:
			ctx, cancel := context.WithTimeout(s.ctx, flushTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *session) fail(err error) {
	s.mu.Lock()
	if s.errVal == nil && !s.closed {
		s.errVal = err
	}
	s.mu.Unlock()
	s.cancel()
	s.conn.Close(websocket.StatusInternalError, "session error")
}

func (s *session) enqueue(wait bool, msgs ...any) error {
	select {
	case <-s.closing:
		return live.ErrClosed
	case <-s.ctx.Done():
		return live.ErrClosed
	default:
	}
	for _, v := range msgs {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("openai: marshal: %w", err)
		}
		if !wait {
			select {
			case s.sendCh <- data:
				continue
			default:
				return errors.New("openai: send queue full")
			}
		}
		select {
		case s.sendCh <- data:
		case <-s.ctx.Done():
			return live.ErrClosed
		}
	}
	return nil
}

// SendAudio resamples a 16 kHz frame to 24 kHz and appends it to the input
// buffer.
func (s *session) SendAudio(pcm []byte) error {
	resampled := audio.ResampleMono16(pcm, live.InputSampleRate, realtimeSampleRate)
	return s.enqueue(false, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(resampled),
	})
}

// SendToolResponse returns the function output and asks for the next response.
func (s *session) SendToolResponse(resp live.ToolResponse) error {
	output, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("openai: marshal tool result: %w", err)
	}
	return s.enqueue(true,
		createItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{Type: "function_call_output", CallID: resp.CallID, Output: string(output)},
		},
		map[string]string{"type": "response.create"},
	)
}

func (s *session) Events() <-chan live.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close flushes queued messages and terminates the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closing)
	select {
	case <-s.flushed:
	case <-time.After(flushTimeout):
	}
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	s.wg.Wait()
	return nil
}

// Package gemini implements live.Transport for Google's Gemini Live API.
//
// It opens a bidirectional WebSocket to the BidiGenerateContent endpoint and
// exchanges JSON messages. Microphone audio is sent as base64 PCM inside
// realtimeInput messages; server content is translated into live events in a
// fixed order per message so that transcripts precede the audio they describe.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JPBrill/Lexivision/pkg/provider/live"
	"github.com/coder/websocket"
)

var _ live.Transport = (*Transport)(nil)
var _ live.Connection = (*session)(nil)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	setupTimeout      = 15 * time.Second
	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	eventBuffer  = 64
	sendBuffer   = 64
	flushTimeout = 2 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Transport.
type Option func(*Transport)

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local server.
func WithBaseURL(url string) Option {
	return func(t *Transport) { t.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for setupComplete when the
// caller's context has no deadline.
func WithSetupTimeout(d time.Duration) Option {
	return func(t *Transport) { t.setupTimeout = d }
}

// ── Transport ──────────────────────────────────────────────────────────────────

// Transport implements live.Transport for the Gemini Live API.
type Transport struct {
	apiKey       string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a Gemini Live Transport with the given API key and options.
func New(apiKey string, opts ...Option) *Transport {
	t := &Transport{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		setupTimeout: setupTimeout,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Connect dials the Live endpoint, sends the setup message and waits for
// setupComplete. A missing model or tier is reported as [live.ErrUnavailable].
func (t *Transport) Connect(ctx context.Context, cfg live.Config) (live.Connection, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		t.baseURL, t.apiKey,
	)

	setupCtx := ctx
	if _, ok := ctx.Deadline(); !ok && t.setupTimeout > 0 {
		var cancel context.CancelFunc
		setupCtx, cancel = context.WithTimeout(ctx, t.setupTimeout)
		defer cancel()
	}

	conn, resp, err := websocket.Dial(setupCtx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Content-Type": []string{"application/json"}},
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("gemini: dial model %q: %w: %w", model, live.ErrUnavailable, err)
		}
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	if err := writeJSON(setupCtx, conn, buildSetup(model, cfg)); err != nil {
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: send setup: %w", err)
	}
	if err := awaitSetupComplete(setupCtx, conn); err != nil {
		conn.Close(websocket.StatusNormalClosure, "setup failed")
		return nil, classify(model, err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:    conn,
		events:  make(chan live.Event, eventBuffer),
		sendCh:  make(chan []byte, sendBuffer),
		closing: make(chan struct{}),
		flushed: make(chan struct{}),
		ctx:     sessCtx,
		cancel:  sessCancel,
	}
	s.wg.Add(3)
	go s.receiveLoop()
	go s.writeLoop()
	go s.keepaliveLoop()
	return s, nil
}

// awaitSetupComplete reads until the server acknowledges the setup message.
func awaitSetupComplete(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// classify wraps setup failures, marking model-not-found as unavailable.
func classify(model string, err error) error {
	var ge *geminiError
	if errors.As(err, &ge) && (ge.Code == http.StatusNotFound || ge.Status == "NOT_FOUND") {
		return fmt.Errorf("gemini: model %q: %w: %w", model, live.ErrUnavailable, err)
	}
	var ce websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.StatusPolicyViolation &&
		strings.Contains(strings.ToLower(ce.Reason), "not found") {
		return fmt.Errorf("gemini: model %q: %w: %w", model, live.ErrUnavailable, err)
	}
	return fmt.Errorf("gemini: setup: %w", err)
}

func buildSetup(model string, cfg live.Config) setupMessage {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}
	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		msg.Setup.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}
	return msg
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	Tools                    []geminiTool     `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string `json:"text,omitempty"`
	InlineData *blob  `json:"inlineData,omitempty"`
}

type blob struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type geminiTool struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parametersJsonSchema,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	Audio *blob `json:"audio,omitempty"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	ToolCall      *toolCallMsg     `json:"toolCall,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *geminiError) Error() string {
	return fmt.Sprintf("gemini: server error %d %s: %s", e.Code, e.Status, e.Message)
}

type goAway struct {
	TimeLeft string `json:"timeLeft"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCallMsg struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan live.Event
	sendCh chan []byte

	// closing asks writeLoop to flush queued messages; flushed confirms it.
	closing chan struct{}
	flushed chan struct{}

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// receiveLoop reads messages and translates them into events. It owns the
// events channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer s.cancel()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("gemini: read: %w", err))
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed message", "err", err)
			continue
		}
		if msg.Error != nil {
			s.fail(msg.Error)
			return
		}
		if msg.GoAway != nil {
			slog.Warn("gemini: server going away", "time_left", msg.GoAway.TimeLeft)
		}
		for _, ev := range translate(&msg) {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

// translate converts one server message into events. Transcripts come first,
// then audio, then interruption and turn completion, then tool calls.
func translate(msg *serverMessage) []live.Event {
	var evs []live.Event
	if sc := msg.ServerContent; sc != nil {
		if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
			evs = append(evs, live.InputTranscript{Text: sc.InputTranscription.Text})
		}
		if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
			evs = append(evs, live.OutputTranscript{Text: sc.OutputTranscription.Text})
		}
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
					continue
				}
				data, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					slog.Debug("gemini: skipping undecodable audio part", "err", err)
					continue
				}
				evs = append(evs, live.AudioChunk{Data: data})
			}
		}
		if sc.Interrupted {
			evs = append(evs, live.Interrupted{})
		}
		if sc.TurnComplete {
			evs = append(evs, live.TurnComplete{})
		}
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			evs = append(evs, live.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	return evs
}

// writeLoop is the only writer on the WebSocket after setup.
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
					s.fail(fmt.Errorf("gemini: write: %w", err))
				}
				return
			}
		}
	}
}

// flush writes whatever is still queued, so that tool responses sent just
// before Close reach the server.
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

// keepaliveLoop pings the server so idle sessions survive proxies.
func (s *session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				slog.Warn("gemini: keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// fail records the first error and tears the session down.
func (s *session) fail(err error) {
	s.mu.Lock()
	if s.errVal == nil && !s.closed {
		s.errVal = err
	}
	s.mu.Unlock()
	s.cancel()
	s.conn.Close(websocket.StatusInternalError, "session error")
}

func (s *session) enqueue(v any, wait bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	select {
	case <-s.closing:
		return live.ErrClosed
	case <-s.ctx.Done():
		return live.ErrClosed
	default:
	}
	if !wait {
		select {
		case s.sendCh <- data:
			return nil
		default:
			return errors.New("gemini: send queue full")
		}
	}
	select {
	case s.sendCh <- data:
		return nil
	case <-s.ctx.Done():
		return live.ErrClosed
	}
}

// ── live.Connection methods ────────────────────────────────────────────────────

// SendAudio queues one PCM16 frame at 16 kHz without waiting on the network.
func (s *session) SendAudio(pcm []byte) error {
	return s.enqueue(realtimeInputMessage{
		RealtimeInput: realtimeInput{
			Audio: &blob{MIMEType: live.InputMIMEType, Data: base64.StdEncoding.EncodeToString(pcm)},
		},
	}, false)
}

// SendToolResponse queues a function response, waiting for queue space.
func (s *session) SendToolResponse(resp live.ToolResponse) error {
	result := resp.Result
	if result == nil {
		result = map[string]any{}
	}
	return s.enqueue(toolResponseMessage{
		ToolResponse: toolResponse{
			FunctionResponses: []functionResponse{{ID: resp.CallID, Name: resp.Name, Response: result}},
		},
	}, true)
}

// Events returns the inbound event stream.
func (s *session) Events() <-chan live.Event { return s.events }

// Err returns the error that ended the session, if any.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session. Idempotent.
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

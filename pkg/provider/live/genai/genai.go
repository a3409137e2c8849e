// Package genai implements live.Transport on top of the official
// google.golang.org/genai SDK. It speaks the same Gemini Live protocol as the
// gemini package but lets the SDK handle authentication, including Vertex AI
// credentials.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/JPBrill/Lexivision/pkg/provider/live"
	"github.com/gorilla/websocket"
	"google.golang.org/genai"
)

var _ live.Transport = (*Transport)(nil)
var _ live.Connection = (*session)(nil)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	eventBuffer  = 64
	sendBuffer   = 64
	flushTimeout = 2 * time.Second
)

// Transport implements live.Transport with a genai client.
type Transport struct {
	client *genai.Client
}

// New wraps an existing client. The client must be configured with an API
// version, which the Live API requires.
func New(client *genai.Client) *Transport {
	return &Transport{client: client}
}

// NewFromAPIKey creates a Gemini API client for apiKey. A non-empty baseURL
// overrides the endpoint, mainly for tests.
func NewFromAPIKey(ctx context.Context, apiKey, baseURL string) (*Transport, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			APIVersion: "v1beta",
			BaseURL:    baseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("genai: create client: %w", err)
	}
	return New(client), nil
}

type connectResult struct {
	sess *genai.Session
	err  error
}

// Connect opens a Live session and waits for setupComplete. The SDK dial does
// not observe ctx, so cancellation abandons the attempt and closes whatever
// session it eventually yields.
func (t *Transport) Connect(ctx context.Context, cfg live.Config) (live.Connection, error) {
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	conf := buildConfig(cfg)

	ch := make(chan connectResult, 1)
	go func() {
		sess, err := t.client.Live.Connect(ctx, model, conf)
		if err != nil {
			ch <- connectResult{err: err}
			return
		}
		if err := awaitSetupComplete(sess); err != nil {
			_ = sess.Close()
			ch <- connectResult{err: err}
			return
		}
		ch <- connectResult{sess: sess}
	}()

	var r connectResult
	select {
	case r = <-ch:
	case <-ctx.Done():
		go func() {
			if late := <-ch; late.sess != nil {
				_ = late.sess.Close()
			}
		}()
		return nil, ctx.Err()
	}
	if r.err != nil {
		if isUnavailable(r.err) {
			return nil, fmt.Errorf("genai: model %q: %w: %w", model, live.ErrUnavailable, r.err)
		}
		return nil, fmt.Errorf("genai: connect: %w", r.err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		sess:    r.sess,
		events:  make(chan live.Event, eventBuffer),
		sendCh:  make(chan func() error, sendBuffer),
		closing: make(chan struct{}),
		flushed: make(chan struct{}),
		ctx:     sessCtx,
		cancel:  cancel,
	}
	s.wg.Add(2)
	go s.receiveLoop()
	go s.writeLoop()
	return s, nil
}

func awaitSetupComplete(sess *genai.Session) error {
	for {
		msg, err := sess.Receive()
		if err != nil {
			return err
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// isUnavailable reports whether err means the model or tier does not exist
// for this key.
func isUnavailable(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return true
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation &&
		strings.Contains(strings.ToLower(ce.Text), "not found") {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") || strings.Contains(msg, "not found") || strings.Contains(msg, "not_found")
}

func buildConfig(cfg live.Config) *genai.LiveConnectConfig {
	conf := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		conf.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: cfg.Instructions}}}
	}
	if cfg.Voice != "" {
		conf.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice}},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = &genai.FunctionDeclaration{
				Name:                 t.Name,
				Description:          t.Description,
				ParametersJsonSchema: t.Parameters,
			}
		}
		conf.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	if cfg.InputTranscription {
		conf.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if cfg.OutputTranscription {
		conf.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return conf
}

// translate orders events the same way as the raw WebSocket transport.
func translate(msg *genai.LiveServerMessage) []live.Event {
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
				if p == nil || p.InlineData == nil || !strings.HasPrefix(p.InlineData.MIMEType, "audio/") {
					continue
				}
				evs = append(evs, live.AudioChunk{Data: p.InlineData.Data})
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
			if fc == nil {
				continue
			}
			evs = append(evs, live.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args})
		}
	}
	return evs
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	sess   *genai.Session
	events chan live.Event
	sendCh chan func() error

	closing chan struct{}
	flushed chan struct{}

	mu     sync.Mutex
	errVal error
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.events)
	defer s.cancel()

	for {
		msg, err := s.sess.Receive()
		if err != nil {
			if s.ctx.Err() == nil {
				s.fail(fmt.Errorf("genai: receive: %w", err))
			}
			return
		}
		if msg.GoAway != nil {
			slog.Warn("genai: server going away", "time_left", msg.GoAway.TimeLeft)
		}
		for _, ev := range translate(msg) {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
	}
}

func (s *session) writeLoop() {
	defer s.wg.Done()
	defer close(s.flushed)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.closing:
			for {
				select {
				case send := <-s.sendCh:
					if send() != nil {
						return
					}
				default:
					return
				}
			}
		case send := <-s.sendCh:
			if err := send(); err != nil {
				if s.ctx.Err() == nil {
					s.fail(fmt.Errorf("genai: write: %w", err))
				}
				return
			}
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
	_ = s.sess.Close()
}

func (s *session) enqueue(send func() error, wait bool) error {
	select {
	case <-s.closing:
		return live.ErrClosed
	case <-s.ctx.Done():
		return live.ErrClosed
	default:
	}
	if !wait {
		select {
		case s.sendCh <- send:
			return nil
		default:
			return errors.New("genai: send queue full")
		}
	}
	select {
	case s.sendCh <- send:
		return nil
	case <-s.ctx.Done():
		return live.ErrClosed
	}
}

// SendAudio queues one PCM16 frame at 16 kHz.
func (s *session) SendAudio(pcm []byte) error {
	return s.enqueue(func() error {
		return s.sess.SendRealtimeInput(genai.LiveRealtimeInput{
			Audio: &genai.Blob{MIMEType: live.InputMIMEType, Data: pcm},
		})
	}, false)
}

// SendToolResponse queues a function response.
func (s *session) SendToolResponse(resp live.ToolResponse) error {
	result := resp.Result
	if result == nil {
		result = map[string]any{}
	}
	return s.enqueue(func() error {
		return s.sess.SendToolResponse(genai.LiveToolResponseInput{
			FunctionResponses: []*genai.FunctionResponse{{ID: resp.CallID, Name: resp.Name, Response: result}},
		})
	}, true)
}

func (s *session) Events() <-chan live.Event { return s.events }

func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close flushes queued messages, then closes the session. Idempotent.
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
	_ = s.sess.Close()
	s.wg.Wait()
	return nil
}

// Package live defines the Transport interface for realtime model backends.
//
// A live transport wraps a bidirectional voice model service (Gemini Live,
// OpenAI Realtime) that accepts streamed microphone audio and answers with
// streamed synthesised audio, transcripts and tool calls over one persistent
// connection.
//
// The central abstraction is [Connection]: outbound audio and tool responses
// go in through methods, everything the model says comes back as an ordered
// stream of [Event] values. Consumers switch on the concrete event type.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
)

// Wire audio formats shared by every transport.
const (
	// InputSampleRate is the rate of PCM16 mono audio sent with SendAudio.
	InputSampleRate = 16000

	// InputMIMEType describes the encoding of SendAudio payloads.
	InputMIMEType = "audio/pcm;rate=16000"

	// OutputSampleRate is the rate of PCM16 mono audio delivered in [AudioChunk].
	OutputSampleRate = 24000
)

var (
	// ErrUnavailable is returned by Connect when the requested model or the
	// caller's access tier is not available. It is distinct from network and
	// protocol failures so that callers can tell the user to pick another model.
	ErrUnavailable = errors.New("live: model unavailable")

	// ErrClosed is returned by Connection methods after Close, or after the
	// remote side ended the session.
	ErrClosed = errors.New("live: connection closed")
)

// ToolDeclaration describes a function the model may call.
type ToolDeclaration struct {
	Name        string
	Description string

	// Parameters is a JSON Schema object describing the arguments.
	Parameters map[string]any
}

// Config is the initial configuration for a new live connection. Responses are
// always audio.
type Config struct {
	// Model is the provider-specific model identifier.
	Model string

	// Voice names the prebuilt voice used for synthesised speech.
	Voice string

	// Instructions is the system-level prompt for the whole session.
	Instructions string

	// Tools lists the functions the model may call.
	Tools []ToolDeclaration

	// InputTranscription requests transcripts of the user's speech.
	InputTranscription bool

	// OutputTranscription requests transcripts of the model's speech.
	OutputTranscription bool
}

// ToolResponse answers one [ToolCall].
type ToolResponse struct {
	// CallID correlates the response with [ToolCall.ID].
	CallID string
	Name   string
	Result map[string]any
}

// Event is one item of the inbound stream. The concrete types are
// [AudioChunk], [InputTranscript], [OutputTranscript], [TurnComplete],
// [Interrupted] and [ToolCall].
type Event interface {
	isEvent()
}

// AudioChunk carries PCM16 mono audio at [OutputSampleRate].
type AudioChunk struct {
	Data []byte
}

// InputTranscript is a fragment of the transcript of the user's speech.
type InputTranscript struct {
	Text string
}

// OutputTranscript is a fragment of the transcript of the model's speech.
type OutputTranscript struct {
	Text string
}

// TurnComplete marks the end of the model's turn.
type TurnComplete struct{}

// Interrupted reports that the user barged in and the current model turn was
// abandoned. Audio already delivered for the turn should be discarded.
type Interrupted struct{}

// ToolCall is a request from the model to run a declared function. Every
// call must be answered with exactly one [ToolResponse].
type ToolCall struct {
	ID   string
	Name string
	Args map[string]any
}

func (AudioChunk) isEvent()       {}
func (InputTranscript) isEvent()  {}
func (OutputTranscript) isEvent() {}
func (TurnComplete) isEvent()     {}
func (Interrupted) isEvent()      {}
func (ToolCall) isEvent()         {}

// Connection is an open live session.
//
// Callers must call Close when the connection is no longer needed.
type Connection interface {
	// SendAudio queues one PCM16 frame at [InputSampleRate]. It never waits on
	// the network; a full send queue drops the frame and returns an error.
	SendAudio(pcm []byte) error

	// SendToolResponse queues the answer to a tool call.
	SendToolResponse(resp ToolResponse) error

	// Events returns the ordered inbound stream. The channel is closed when the
	// connection ends; call Err afterwards to learn why.
	Events() <-chan Event

	// Err returns the error that ended the connection, or nil after a clean
	// Close.
	Err() error

	// Close terminates the connection. Calling Close more than once is safe.
	Close() error
}

// Transport opens live connections.
type Transport interface {
	// Connect establishes a new session and waits until the remote side has
	// accepted the configuration. Returns an error wrapping [ErrUnavailable]
	// when the model or tier is not available.
	Connect(ctx context.Context, cfg Config) (Connection, error)
}

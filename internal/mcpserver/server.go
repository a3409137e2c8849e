// Package mcpserver exposes the lexicon as Model Context Protocol tools so
// desktop assistants can look up definitions, suggestions and the word of the
// day.
//
// Typical usage:
//
//	srv := mcpserver.New(lex, "v1.0.0")
//	err := srv.ServeStdio(ctx)
package mcpserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/JPBrill/Lexivision/internal/lexicon"
	"github.com/JPBrill/Lexivision/internal/observe"
)

// Tool names.
const (
	ToolDefine       = "define_word"
	ToolSuggest      = "suggest_words"
	ToolWordOfTheDay = "word_of_the_day"
	ToolIllustrate   = "illustrate_word"
)

const instructions = "Lexivision is a visual dictionary for language learners. " +
	"Use define_word for definitions with IPA phonetics, suggest_words for study ideas " +
	"at a proficiency level, and word_of_the_day for today's featured word."

// Server wraps an [mcp.Server] whose tools call a [lexicon.Service].
type Server struct {
	lex    *lexicon.Service
	server *mcp.Server
}

// DefineInput is the define_word argument.
type DefineInput struct {
	Word string `json:"word" jsonschema:"the word to define"`
}

// SuggestInput is the suggest_words argument.
type SuggestInput struct {
	Level string `json:"level,omitempty" jsonschema:"Beginner, Intermediate or Advanced; defaults to Intermediate"`
}

// SuggestOutput is the suggest_words result.
type SuggestOutput struct {
	Level string   `json:"level"`
	Words []string `json:"words"`
}

// WordOfTheDayOutput is the word_of_the_day result. The illustration, when
// available, is attached as image content.
type WordOfTheDayOutput struct {
	Day   string        `json:"day"`
	Entry lexicon.Entry `json:"entry"`
}

// IllustrateInput is the illustrate_word argument.
type IllustrateInput struct {
	Word        string `json:"word" jsonschema:"the word to illustrate"`
	Description string `json:"description,omitempty" jsonschema:"optional definition to guide the picture"`
}

// New builds the server and registers its tools. illustrate_word is only
// offered when lex can generate images.
func New(lex *lexicon.Service, version string) *Server {
	s := &Server{
		lex: lex,
		server: mcp.NewServer(&mcp.Implementation{Name: "lexivision", Version: version}, &mcp.ServerOptions{
			Instructions: instructions,
			Logger:       slog.Default(),
		}),
	}

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolDefine,
		Description: "Define an English word: IPA phonetics, definition, part of speech and an example sentence.",
	}, s.define)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolSuggest,
		Description: "Suggest five useful words to study at a proficiency level.",
	}, s.suggest)
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        ToolWordOfTheDay,
		Description: "Today's featured word with its definition and, when available, an illustration.",
	}, s.wordOfTheDay)
	if lex.CanIllustrate() {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        ToolIllustrate,
			Description: "Draw a 16:9 educational illustration of a word.",
		}, s.illustrate)
	}
	return s
}

// MCP returns the underlying server.
func (s *Server) MCP() *mcp.Server { return s.server }

// Run serves a single client over t until the client disconnects or ctx is
// cancelled.
func (s *Server) Run(ctx context.Context, t mcp.Transport) error {
	return s.server.Run(ctx, t)
}

// ServeStdio serves over the process's standard input and output.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) define(ctx context.Context, _ *mcp.CallToolRequest, in DefineInput) (*mcp.CallToolResult, lexicon.Entry, error) {
	observe.Logger(ctx).Debug("mcp: define", "word", in.Word)
	entry, err := s.lex.Define(ctx, in.Word)
	if err != nil {
		return nil, lexicon.Entry{}, err
	}
	return nil, entry, nil
}

func (s *Server) suggest(ctx context.Context, _ *mcp.CallToolRequest, in SuggestInput) (*mcp.CallToolResult, SuggestOutput, error) {
	level, err := lexicon.ParseLevel(in.Level)
	if err != nil {
		return nil, SuggestOutput{}, err
	}
	return nil, SuggestOutput{Level: string(level), Words: s.lex.Suggest(ctx, level)}, nil
}

func (s *Server) wordOfTheDay(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, WordOfTheDayOutput, error) {
	wotd, err := s.lex.WordOfTheDay(ctx)
	if err != nil {
		return nil, WordOfTheDayOutput{}, err
	}
	out := WordOfTheDayOutput{Day: wotd.Day.Format("2006-01-02"), Entry: wotd.Entry}
	if wotd.Image == "" {
		return nil, out, nil
	}

	img, err := lexicon.ParseDataURL(wotd.Image)
	if err != nil {
		observe.Logger(ctx).Warn("mcp: word of the day image unreadable", "err", err)
		return nil, out, nil
	}
	text := fmt.Sprintf("%s %s (%s): %s\nExample: %s", out.Entry.Word, out.Entry.Phonetics,
		out.Entry.PartOfSpeech, out.Entry.Definition, out.Entry.Example)
	return &mcp.CallToolResult{Content: []mcp.Content{
		&mcp.TextContent{Text: text},
		&mcp.ImageContent{Data: img.Data, MIMEType: img.MIMEType},
	}}, out, nil
}

func (s *Server) illustrate(ctx context.Context, _ *mcp.CallToolRequest, in IllustrateInput) (*mcp.CallToolResult, any, error) {
	img, err := s.lex.Illustrate(ctx, in.Word, in.Description)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{
		&mcp.ImageContent{Data: img.Data, MIMEType: img.MIMEType},
	}}, nil, nil
}

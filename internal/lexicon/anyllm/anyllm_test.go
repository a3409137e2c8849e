package anyllm

import (
	"encoding/json"
	"strings"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"padded", "  [\"x\"]\n", `["x"]`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n[1,2]\n```", `[1,2]`},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractJSON(tt.in); got != tt.want {
				t.Errorf("extractJSON(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestBuildParams_EmbedsSchema(t *testing.T) {
	g := &Generator{model: "gpt-4o-mini"}
	schema := map[string]any{"type": "array", "items": map[string]any{"type": "string"}}

	params, err := g.buildParams("Suggest 5 words.", schema)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if params.Model != "gpt-4o-mini" {
		t.Errorf("model: got %q", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first message role: got %q", params.Messages[0].Role)
	}
	raw, _ := json.Marshal(schema)
	if !strings.Contains(params.Messages[0].ContentString(), string(raw)) {
		t.Errorf("system prompt should contain the schema, got %q", params.Messages[0].ContentString())
	}
	if params.Messages[1].ContentString() != "Suggest 5 words." {
		t.Errorf("user prompt: got %q", params.Messages[1].ContentString())
	}
	if params.Temperature == nil {
		t.Error("temperature should be set")
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty provider name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "m", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_Ollama(t *testing.T) {
	g, err := New("ollama", "llama3")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.model != "llama3" {
		t.Errorf("model: got %q", g.model)
	}
}

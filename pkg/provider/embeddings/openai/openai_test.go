package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeEmbeddings serves POST /embeddings, answering each input with a vector
// of the requested (or default) size whose first element is the input index.
type fakeEmbeddings struct {
	mu       sync.Mutex
	requests []map[string]any
	dims     int
}

func (f *fakeEmbeddings) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/embeddings") {
		http.NotFound(w, r)
		return
	}
	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	dims := f.dims
	if d, ok := req["dimensions"].(float64); ok {
		dims = int(d)
	}
	n := 1
	if arr, ok := req["input"].([]any); ok {
		n = len(arr)
	}

	var data []string
	// Reverse order checks that results are placed by index.
	for i := n - 1; i >= 0; i-- {
		vec := make([]string, dims)
		for j := range vec {
			vec[j] = "0"
		}
		vec[0] = fmt.Sprint(i)
		data = append(data, fmt.Sprintf(`{"object":"embedding","index":%d,"embedding":[%s]}`, i, strings.Join(vec, ",")))
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"object":"list","model":%q,"data":[%s],"usage":{"prompt_tokens":1,"total_tokens":1}}`,
		req["model"], strings.Join(data, ","))
}

func (f *fakeEmbeddings) lastRequest(t *testing.T) map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatal("no request received")
	}
	return f.requests[len(f.requests)-1]
}

func newFake(t *testing.T, dims int) (*fakeEmbeddings, string) {
	t.Helper()
	f := &fakeEmbeddings{dims: dims}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv.URL + "/v1/"
}

func TestEmbed(t *testing.T) {
	t.Parallel()
	fake, url := newFake(t, 1536)
	p, err := New("sk-test", "", WithBaseURL(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	vec, err := p.Embed(context.Background(), "serendipity: finding good things by chance")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 1536 {
		t.Errorf("len = %d, want 1536", len(vec))
	}
	req := fake.lastRequest(t)
	if req["model"] != DefaultModel {
		t.Errorf("model = %v, want %s", req["model"], DefaultModel)
	}
	if _, ok := req["dimensions"]; ok {
		t.Error("dimensions sent although the native size was requested")
	}
}

func TestEmbedBatch_OrdersByIndex(t *testing.T) {
	t.Parallel()
	_, url := newFake(t, 1536)
	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("len = %d, want 3", len(out))
	}
	for i, v := range out {
		if v[0] != float32(i) {
			t.Errorf("out[%d][0] = %v, want %d", i, v[0], i)
		}
	}

	empty, err := p.EmbedBatch(context.Background(), nil)
	if err != nil || empty != nil {
		t.Errorf("EmbedBatch(nil) = %v, %v", empty, err)
	}
}

func TestWithDimensions(t *testing.T) {
	t.Parallel()
	fake, url := newFake(t, 1536)
	p, err := New("sk-test", "text-embedding-3-large", WithBaseURL(url), WithDimensions(256))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.Dimensions() != 256 {
		t.Errorf("Dimensions = %d, want 256", p.Dimensions())
	}

	vec, err := p.Embed(context.Background(), "lucid")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 256 {
		t.Errorf("len = %d, want 256", len(vec))
	}
	if got := fake.lastRequest(t)["dimensions"]; got != float64(256) {
		t.Errorf("dimensions = %v, want 256", got)
	}
}

func TestEmbed_WrongSizeRejected(t *testing.T) {
	t.Parallel()
	_, url := newFake(t, 8)
	p, err := New("sk-test", "text-embedding-3-small", WithBaseURL(url))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := p.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error for a vector of the wrong size")
	}
}

func TestModelDimensions(t *testing.T) {
	t.Parallel()
	tests := map[string]int{
		"text-embedding-3-small": 1536,
		"text-embedding-3-large": 3072,
		"text-embedding-ada-002": 1536,
		"some-future-model":      1536,
	}
	for model, want := range tests {
		if got := (&Provider{model: model}).Dimensions(); got != want {
			t.Errorf("%s: Dimensions() = %d, want %d", model, got, want)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "text-embedding-3-small"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", "", WithDimensions(-1)); err == nil {
		t.Error("expected error for negative dimensions")
	}
	p, err := New("sk-test", "text-embedding-3-small", WithDimensions(1536), WithOrganization("org-1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.shrink {
		t.Error("native size should not be sent as a dimensions override")
	}
}

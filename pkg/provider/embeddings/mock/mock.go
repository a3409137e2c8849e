// Package mock provides a test double for the embeddings.Provider interface.
//
// Vectors maps input text to a canned vector. Texts without an entry get
// EmbedResult.
//
//	p := &mock.Provider{
//	    Vectors:         map[string][]float32{"happy": {1, 0, 0}},
//	    DimensionsValue: 3,
//	}
package mock

import (
	"context"
	"slices"
	"sync"

	"github.com/JPBrill/Lexivision/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vectors holds per-text results.
	Vectors map[string][]float32

	// EmbedResult is returned for texts missing from Vectors.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	DimensionsValue int
	ModelIDValue    string

	texts []string
}

func (p *Provider) lookup(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return slices.Clone(v)
	}
	return slices.Clone(p.EmbedResult)
}

// Embed records text and returns its vector.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.lookup(text), nil
}

// EmbedBatch records texts and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.texts = append(p.texts, texts...)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.lookup(t)
	}
	return out, nil
}

func (p *Provider) Dimensions() int { return p.DimensionsValue }

func (p *Provider) ModelID() string {
	if p.ModelIDValue == "" {
		return "mock-embeddings"
	}
	return p.ModelIDValue
}

// Texts returns every text embedded so far, in call order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.texts)
}

// Package embeddings defines the Provider interface for text-embedding
// backends.
//
// Lexivision embeds each saved word together with its definition so the word
// store can find related vocabulary by vector similarity.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider maps text to dense float32 vectors.
//
// All vectors from one Provider share the length reported by Dimensions.
// Vectors from different models must not be compared.
type Provider interface {
	// Embed returns the vector for text. Text is passed through verbatim.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds several texts in one call. The i-th result belongs to
	// texts[i]. On error no partial result is returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions is the length of every returned vector.
	Dimensions() int

	// ModelID names the embedding model, for logging.
	ModelID() string
}

package memory

import "context"

// Embedder turns text into a fixed-dimension float vector for similarity
// search. Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed produces a vector embedding for the given text. A nil vector
	// with a nil error means the implementation does not embed (noop);
	// callers should then skip similarity features entirely.
	Embed(ctx context.Context, text string) ([]float32, error)
}

// NoopEmbedder is the do-nothing Embedder used when no embedding provider
// is configured. It always returns a nil vector, which disables recall.
type NoopEmbedder struct{}

// Embed returns nil, nil.
func (NoopEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, nil
}

var _ Embedder = NoopEmbedder{}

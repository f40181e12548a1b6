// Package llm is the boundary to the language-model provider: a chat caller
// with provider-side session support, an embedder for profile vectors, and a
// pure cost model over token usage.
package llm

import (
	"context"
	"errors"
)

// ErrSessionExpired marks a failure caused by the provider discarding its
// side of the conversational state. Callers fall back to injecting stored
// history instead of failing the generation.
var ErrSessionExpired = errors.New("provider session expired")

func IsSessionExpired(err error) bool { return errors.Is(err, ErrSessionExpired) }

type Usage struct {
	CachedInputTokens   int
	UncachedInputTokens int
	OutputTokens        int
}

type Request struct {
	Instructions string
	Prompt       string
	// SessionID references provider-side conversational state from a prior
	// response. Empty means stateless.
	SessionID string
}

type Response struct {
	Text string
	// SessionID chains the next request to this response.
	SessionID string
	Usage     Usage
}

// Caller runs one completion. Implementations own the request timeout.
type Caller interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Embedder turns text into a vector for similarity search.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

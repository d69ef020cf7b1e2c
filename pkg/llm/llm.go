// Package llm defines the language-model collaborator interfaces consumed by
// the memory engine: completion (summarization, fact extraction, intent and
// entity fallback, answer generation) and optional cross-encoder reranking.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrUnavailable is returned when the language model cannot be reached
	// or times out. Callers degrade rather than surface this to users.
	ErrUnavailable = errors.New("language model unavailable")

	// ErrBadResponse is returned when the model's output cannot be parsed
	// into the expected structure.
	ErrBadResponse = errors.New("unparseable model response")
)

// Completer turns a prompt into a text completion.
type Completer interface {
	// Complete sends the prompt and returns the model's text response.
	Complete(ctx context.Context, prompt string) (string, error)

	// Close releases any resources held by the completer.
	Close() error
}

// Reranker reorders candidate texts by relevance to a query.
type Reranker interface {
	// Rerank returns candidate indices in descending relevance order.
	// Every input index appears exactly once in the result.
	Rerank(ctx context.Context, query string, candidates []string) ([]int, error)
}

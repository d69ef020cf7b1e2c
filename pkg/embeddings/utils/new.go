// Package embeddingutils is the embeddings utility package
package embeddingutils

import (
	"fmt"

	"github.com/corridorhq/mnemo/pkg/embeddings"
	"github.com/corridorhq/mnemo/pkg/embeddings/mock"
	"github.com/corridorhq/mnemo/pkg/embeddings/ollama"
)

type NewEmbedderOpts struct {
	ProviderType string
	TargetURL    string
	Model        string
	Dimensions   uint
}

func NewEmbedder(o *NewEmbedderOpts) (embeddings.Embedder, error) {
	switch o.ProviderType {
	case "ollama":
		return ollama.NewEmbedder(ollama.EmbedderConfig{
			BaseURL: o.TargetURL,
			Model:   o.Model,
		})
	case "mock":
		return mock.NewEmbedderWithDimensions(int(o.Dimensions)), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", o.ProviderType)
	}
}

// Package ollama provides the local-inference embedding path, used when
// capability detection finds an Ollama runtime on the host.
package ollama

import (
	"context"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/stm/memory"
	"github.com/ollama/ollama/api"
)

type Model string

const (
	ModelMXBAI Model = "mxbai-embed-large"
)

// modelDimensions maps known embedding models to their vector size.
var modelDimensions = map[Model]int{
	ModelMXBAI: 1024,
}

type embedder struct {
	client *api.Client
	model  Model
	dims   int
}

// NewEmbedder creates an Embedder backed by a local Ollama instance,
// configured from the OLLAMA_HOST environment.
func NewEmbedder(model Model) (memory.Embedder, error) {
	cli, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, err
	}
	dims, ok := modelDimensions[model]
	if !ok {
		return nil, fmt.Errorf("unknown embedding model: %s", model)
	}
	return &embedder{client: cli, model: model, dims: dims}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: string(e.model),
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("no embedding returned for model %s", e.model)
	}
	return resp.Embeddings[0], nil
}

func (e *embedder) Dimensions() int { return e.dims }

func (e *embedder) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return e.client.Heartbeat(ctx) == nil
}

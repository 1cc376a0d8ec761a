// Package openai provides the remote embedding fallback, used when the
// host has network but no local inference runtime.
package openai

import (
	"context"
	"fmt"
	"time"

	"github.com/aschepis/backscratcher/stm/memory"
	goopenai "github.com/sashabaranov/go-openai"
)

type embedder struct {
	client *goopenai.Client
	model  goopenai.EmbeddingModel
	dims   int
}

// NewEmbedder creates an Embedder that defers vector computation to the
// OpenAI embeddings API.
func NewEmbedder(apiKey string) (memory.Embedder, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	return &embedder{
		client: goopenai.NewClient(apiKey),
		model:  goopenai.SmallEmbedding3,
		dims:   1536,
	}, nil
}

func (e *embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, goopenai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("no embedding returned")
	}
	return resp.Data[0].Embedding, nil
}

func (e *embedder) Dimensions() int { return e.dims }

func (e *embedder) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := e.client.ListModels(ctx)
	return err == nil
}

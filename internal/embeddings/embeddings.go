// Package embeddings computes message embeddings for later semantic search
// over transcripts. Everything here is best effort: a missing API key or a
// failed request never blocks the chat path.
package embeddings

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

const defaultModel = "text-embedding-3-small"

type Client struct {
	api   *openai.Client
	model string
}

// New returns a client, or nil when no API key is configured. A nil *Client
// is safe to call; Embed just reports itself unavailable.
func New(apiKey, model string) *Client {
	if apiKey == "" {
		return nil
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{api: openai.NewClient(apiKey), model: model}
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if c == nil {
		return nil, fmt.Errorf("embeddings not configured")
	}
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}

// Encode serializes a vector for storage as a message column.
func Encode(vec []float32) ([]byte, error) {
	if len(vec) == 0 {
		return nil, nil
	}
	return json.Marshal(vec)
}

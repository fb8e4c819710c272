package embeddings

import (
	"context"
	"fmt"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/cortex/pkg/models"
)

// openAIProvider calls the OpenAI embeddings API. Any endpoint speaking the
// same wire format works through the BaseURL override.
type openAIProvider struct {
	client *openai.Client
	model  string
	dim    int
}

var _ Provider = (*openAIProvider)(nil)

func newOpenAI(cfg models.EmbeddingConfig, creds Config) *openAIProvider {
	clientCfg := openai.DefaultConfig(creds.APIKey)
	if cfg.Endpoint != "" {
		clientCfg.BaseURL = cfg.Endpoint
	} else if creds.BaseURL != "" {
		clientCfg.BaseURL = creds.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-3-small"
	}
	return &openAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		dim:    cfg.Dim,
	}
}

func (p *openAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}
	results := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(results) {
			return nil, fmt.Errorf("embedding index %d out of range for %d inputs", data.Index, len(texts))
		}
		results[data.Index] = data.Embedding
	}
	for i, r := range results {
		if r == nil {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
		if p.dim > 0 && len(r) != p.dim {
			return nil, fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(r), p.dim)
		}
	}
	return results, nil
}

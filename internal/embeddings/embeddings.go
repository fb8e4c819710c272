// Package embeddings turns text into vectors via a pluggable provider.
package embeddings

import (
	"context"

	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

// Provider produces embeddings for a batch of inputs. Implementations return
// one vector per input, in input order.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Config carries provider credentials resolved from the environment.
type Config struct {
	APIKey  string
	BaseURL string
}

// New builds a provider for the given embedding config.
func New(cfg models.EmbeddingConfig, creds Config) (Provider, error) {
	switch cfg.Provider {
	case "openai", "":
		return newOpenAI(cfg, creds), nil
	default:
		return nil, errs.InvalidArgumentf("unknown embedding provider %q", cfg.Provider)
	}
}

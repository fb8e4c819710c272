package embeddings

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Batcher splits large inputs into provider-sized batches and embeds them
// with bounded concurrency. Output order always matches input order.
type Batcher struct {
	provider    Provider
	batchSize   int
	concurrency int
}

const (
	defaultBatchSize   = 256
	defaultConcurrency = 4
)

// NewBatcher wraps a provider. Zero values pick the defaults.
func NewBatcher(provider Provider, batchSize, concurrency int) *Batcher {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Batcher{provider: provider, batchSize: batchSize, concurrency: concurrency}
}

// Embed produces one vector per input text.
func (b *Batcher) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)

	for start := 0; start < len(texts); start += b.batchSize {
		end := start + b.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		start, end := start, end
		g.Go(func() error {
			vecs, err := b.provider.Embed(gctx, texts[start:end])
			if err != nil {
				return err
			}
			mu.Lock()
			copy(results[start:end], vecs)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

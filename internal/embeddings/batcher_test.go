package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
)

// fakeProvider embeds each "n" input as [n].
type fakeProvider struct {
	calls atomic.Int64
	fail  bool
}

func (f *fakeProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls.Add(1)
	if f.fail {
		return nil, errors.New("upstream unavailable")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		n, err := strconv.Atoi(t)
		if err != nil {
			return nil, err
		}
		out[i] = []float32{float32(n)}
	}
	return out, nil
}

func TestBatcherPreservesOrder(t *testing.T) {
	provider := &fakeProvider{}
	b := NewBatcher(provider, 7, 3)

	texts := make([]string, 100)
	for i := range texts {
		texts[i] = fmt.Sprint(i)
	}

	vecs, err := b.Embed(context.Background(), texts)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if len(vecs) != 100 {
		t.Fatalf("got %d vectors, want 100", len(vecs))
	}
	for i, v := range vecs {
		if len(v) != 1 || v[0] != float32(i) {
			t.Fatalf("vector %d = %v", i, v)
		}
	}
	// ceil(100 / 7) batches.
	if got := provider.calls.Load(); got != 15 {
		t.Errorf("provider calls = %d, want 15", got)
	}
}

func TestBatcherEmptyInput(t *testing.T) {
	b := NewBatcher(&fakeProvider{}, 0, 0)
	vecs, err := b.Embed(context.Background(), nil)
	if err != nil || vecs != nil {
		t.Fatalf("empty input: %v, %v", vecs, err)
	}
}

func TestBatcherPropagatesError(t *testing.T) {
	b := NewBatcher(&fakeProvider{fail: true}, 2, 2)
	_, err := b.Embed(context.Background(), []string{"1", "2", "3"})
	if err == nil {
		t.Fatal("expected error")
	}
}

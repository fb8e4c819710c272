package vector

import (
	"context"
	"math"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/haasonsaas/cortex/internal/storage"
	"github.com/haasonsaas/cortex/pkg/errs"
	"github.com/haasonsaas/cortex/pkg/models"
)

func testStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := storage.Open(storage.Config{SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewSQLStore(db)
}

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite", []float32{1, 0}, []float32{-1, 0}, -1},
		{"mismatched length", []float32{1, 2}, []float32{1, 2, 3}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 2}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CosineSimilarity(tt.a, tt.b)
			if math.Abs(got-tt.want) > 1e-6 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUpsertGetDelete(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entry := Entry{
		PassageID: "passage-1",
		Embedding: []float32{0.1, 0.2, 0.3},
		Metadata:  Metadata{OwnerTag: models.PassageTagAgent, OwnerID: "agent-1", Text: "hello"},
	}
	if err := s.Upsert(ctx, entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.Get(ctx, "passage-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Metadata.OwnerID != "agent-1" || got.Metadata.Text != "hello" {
		t.Errorf("metadata: %+v", got.Metadata)
	}
	if len(got.Embedding) != 3 || got.Embedding[2] != 0.3 {
		t.Errorf("embedding: %v", got.Embedding)
	}

	// Upsert replaces.
	entry.Embedding = []float32{1, 1, 1}
	if err := s.Upsert(ctx, entry); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	got, err = s.Get(ctx, "passage-1")
	if err != nil || got.Embedding[0] != 1 {
		t.Fatalf("after replace: %v, %v", got, err)
	}

	if err := s.Delete(ctx, "passage-1", "passage-never-existed"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "passage-1"); !errs.IsNotFound(err) {
		t.Errorf("get deleted: want not_found, got %v", err)
	}
}

func TestUpsertRejectsEmpty(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	if err := s.Upsert(ctx, Entry{PassageID: "p", Embedding: nil}); !errs.IsInvalidArgument(err) {
		t.Errorf("empty embedding: want invalid_argument, got %v", err)
	}
	if err := s.Upsert(ctx, Entry{Embedding: []float32{1}}); !errs.IsInvalidArgument(err) {
		t.Errorf("empty id: want invalid_argument, got %v", err)
	}
}

func TestUpsertBatchIsAtomic(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	seed := Entry{
		PassageID: "passage-1",
		Embedding: []float32{1, 0, 0},
		Metadata:  Metadata{OwnerTag: models.PassageTagAgent, OwnerID: "agent-1", Text: "original"},
	}
	if err := s.Upsert(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// A batch with a bad entry must not apply any of its writes, including
	// the replacement of passage-1 that precedes the bad entry.
	update := seed
	update.Embedding = []float32{0, 1, 0}
	bad := Entry{PassageID: "passage-2", Embedding: nil}
	if err := s.Upsert(ctx, update, bad); !errs.IsInvalidArgument(err) {
		t.Fatalf("mixed batch: want invalid_argument, got %v", err)
	}

	got, err := s.Get(ctx, "passage-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Embedding[0] != 1 || got.Embedding[1] != 0 {
		t.Errorf("partial batch applied: %v", got.Embedding)
	}
	if _, err := s.Get(ctx, "passage-2"); !errs.IsNotFound(err) {
		t.Errorf("bad entry landed: %v", err)
	}
}

func TestSearchRankingAndFilters(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	entries := []Entry{
		{PassageID: "passage-a", Embedding: []float32{1, 0, 0},
			Metadata: Metadata{OwnerTag: models.PassageTagAgent, OwnerID: "agent-1", Text: "exact"}},
		{PassageID: "passage-b", Embedding: []float32{0.9, 0.1, 0},
			Metadata: Metadata{OwnerTag: models.PassageTagAgent, OwnerID: "agent-1", Text: "close"}},
		{PassageID: "passage-c", Embedding: []float32{0, 1, 0},
			Metadata: Metadata{OwnerTag: models.PassageTagAgent, OwnerID: "agent-1", Text: "orthogonal"}},
		{PassageID: "passage-d", Embedding: []float32{1, 0, 0},
			Metadata: Metadata{OwnerTag: models.PassageTagAgent, OwnerID: "agent-2", Text: "other agent"}},
		{PassageID: "passage-e", Embedding: []float32{1, 0, 0},
			Metadata: Metadata{OwnerTag: models.PassageTagSource, OwnerID: "source-1", Text: "source chunk"}},
	}
	if err := s.Upsert(ctx, entries...); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	hits, err := s.Search(ctx, []float32{1, 0, 0}, Query{
		OwnerTag: models.PassageTagAgent,
		OwnerIDs: []string{"agent-1"},
		Dim:      3,
		TopK:     2,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].PassageID != "passage-a" || hits[1].PassageID != "passage-b" {
		t.Errorf("order: %s, %s", hits[0].PassageID, hits[1].PassageID)
	}
	if hits[0].Similarity < hits[1].Similarity {
		t.Errorf("not descending: %v then %v", hits[0].Similarity, hits[1].Similarity)
	}

	// Min similarity cuts the orthogonal passage even at a wide TopK.
	hits, err = s.Search(ctx, []float32{1, 0, 0}, Query{
		OwnerTag:      models.PassageTagAgent,
		OwnerIDs:      []string{"agent-1"},
		Dim:           3,
		TopK:          10,
		MinSimilarity: 0.5,
	})
	if err != nil {
		t.Fatalf("search with floor: %v", err)
	}
	for _, h := range hits {
		if h.PassageID == "passage-c" {
			t.Error("orthogonal passage survived the similarity floor")
		}
	}

	// Source tag search over multiple owners.
	hits, err = s.Search(ctx, []float32{1, 0, 0}, Query{
		OwnerTag: models.PassageTagSource,
		OwnerIDs: []string{"source-1", "source-2"},
		Dim:      3,
		TopK:     10,
	})
	if err != nil || len(hits) != 1 || hits[0].PassageID != "passage-e" {
		t.Fatalf("source search: %+v, %v", hits, err)
	}

	// Empty owner set matches nothing.
	hits, err = s.Search(ctx, []float32{1, 0, 0}, Query{
		OwnerTag: models.PassageTagAgent,
		Dim:      3,
		TopK:     10,
	})
	if err != nil || hits != nil {
		t.Fatalf("empty owners: %+v, %v", hits, err)
	}

	// Dimension mismatch is an invalid argument, not a silent miss.
	if _, err := s.Search(ctx, []float32{1, 0}, Query{
		OwnerTag: models.PassageTagAgent,
		OwnerIDs: []string{"agent-1"},
		Dim:      3,
		TopK:     10,
	}); !errs.IsInvalidArgument(err) {
		t.Errorf("dim mismatch: want invalid_argument, got %v", err)
	}
}

func TestSearchTieBreaksOnID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"passage-z", "passage-a", "passage-m"} {
		if err := s.Upsert(ctx, Entry{
			PassageID: id,
			Embedding: []float32{1, 0},
			Metadata:  Metadata{OwnerTag: models.PassageTagAgent, OwnerID: "agent-1"},
		}); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}

	hits, err := s.Search(ctx, []float32{1, 0}, Query{
		OwnerTag: models.PassageTagAgent,
		OwnerIDs: []string{"agent-1"},
		Dim:      2,
		TopK:     3,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	want := []string{"passage-a", "passage-m", "passage-z"}
	for i, w := range want {
		if hits[i].PassageID != w {
			t.Errorf("hit %d = %s, want %s", i, hits[i].PassageID, w)
		}
	}
}

func TestEntryFromPassageTruncatesText(t *testing.T) {
	long := make([]byte, 3000)
	for i := range long {
		long[i] = 'x'
	}
	p := models.NewAgentPassage("agent-1", string(long), []float32{1}, models.EmbeddingConfig{Dim: 1})
	e := EntryFromPassage(p)
	if len(e.Metadata.Text) != metadataTextLimit {
		t.Errorf("text length = %d, want %d", len(e.Metadata.Text), metadataTextLimit)
	}
	if e.Metadata.OwnerTag != models.PassageTagAgent || e.Metadata.OwnerID != "agent-1" {
		t.Errorf("metadata: %+v", e.Metadata)
	}
}

func TestEntryFromPassageTruncatesByRune(t *testing.T) {
	long := strings.Repeat("日", 1500)
	p := models.NewAgentPassage("agent-1", long, []float32{1}, models.EmbeddingConfig{Dim: 1})
	e := EntryFromPassage(p)
	if !utf8.ValidString(e.Metadata.Text) {
		t.Fatal("truncation split a multi-byte character")
	}
	if got := utf8.RuneCountInString(e.Metadata.Text); got != metadataTextLimit {
		t.Errorf("rune count = %d, want %d", got, metadataTextLimit)
	}
}

package memory

import (
	"context"
	"testing"
	"time"
)

func putSearchRecord(t *testing.T, store *Store, embedder Embedder, id, content string, created time.Time) {
	t.Helper()
	ctx := context.Background()
	rec := testRecord(id, "tenant-a", content, created)
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put %s: %v", id, err)
	}
	if embedder != nil {
		vec, err := embedder.Embed(ctx, content)
		if err != nil {
			t.Fatalf("Embed %s: %v", id, err)
		}
		if err := store.SetEmbedding(ctx, "tenant-a", id, vec); err != nil {
			t.Fatalf("SetEmbedding %s: %v", id, err)
		}
	}
}

func TestSearchMemory_RanksByCosineSimilarity(t *testing.T) {
	store := newTestStore(t)
	embedder := NewLexicalEmbedder(0)
	ctx := context.Background()
	now := time.Now()

	putSearchRecord(t, store, embedder, "coffee", "user prefers dark roast coffee in the morning", now)
	putSearchRecord(t, store, embedder, "tea", "user drinks green tea after lunch", now)
	putSearchRecord(t, store, embedder, "bike", "user commutes by bicycle on weekdays", now)

	vec, err := embedder.Embed(ctx, "what coffee does the user like in the morning")
	if err != nil {
		t.Fatalf("Embed query: %v", err)
	}

	results, err := store.SearchMemory(ctx, "tenant-a", &SearchQuery{
		Text:      "what coffee does the user like in the morning",
		Embedding: vec,
		Threshold: 0.1,
		Limit:     5,
	})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results, got 0")
	}
	if results[0].Record.ID != "coffee" {
		t.Errorf("top result = %s, want coffee", results[0].Record.ID)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score > results[i-1].Score {
			t.Errorf("results not sorted by score: %v then %v", results[i-1].Score, results[i].Score)
		}
	}
}

func TestSearchMemory_LexicalFallbackWithoutEmbeddings(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// No embeddings stored at all: scoring must still work.
	putSearchRecord(t, store, nil, "match", "the quarterly report deadline is friday", now)
	putSearchRecord(t, store, nil, "miss", "completely unrelated grocery list", now)

	results, err := store.SearchMemory(ctx, "tenant-a", &SearchQuery{
		Text:      "when is the quarterly report deadline",
		Threshold: 0.1,
	})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != "match" {
		t.Fatalf("results = %v, want just match", resultIDs(results))
	}
}

func TestSearchMemory_ThresholdDropsWeakMatches(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	putSearchRecord(t, store, nil, "weak", "the user mentioned a thing once", now)

	results, err := store.SearchMemory(ctx, "tenant-a", &SearchQuery{
		Text:      "the",
		Threshold: 0.9,
	})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results above 0.9 threshold = %d, want 0", len(results))
	}
}

func TestSearchMemory_SessionFilter(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	sessA, sessB := "sess-a", "sess-b"
	recA := testRecord("in-a", "tenant-a", "shared topic keyword", now)
	recA.SessionID = &sessA
	recB := testRecord("in-b", "tenant-a", "shared topic keyword", now)
	recB.SessionID = &sessB
	for _, rec := range []*MemoryRecord{recA, recB} {
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	results, err := store.SearchMemory(ctx, "tenant-a", &SearchQuery{
		Text:      "shared topic keyword",
		SessionID: &sessA,
		Threshold: 0.1,
	})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(results) != 1 || results[0].Record.ID != "in-a" {
		t.Fatalf("results = %v, want just in-a", resultIDs(results))
	}
}

func TestSearchMemory_RecencySort(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	putSearchRecord(t, store, nil, "older", "project alpha status update", now.Add(-time.Hour))
	putSearchRecord(t, store, nil, "newer", "project alpha status update", now)

	results, err := store.SearchMemory(ctx, "tenant-a", &SearchQuery{
		Text:      "project alpha status",
		Threshold: 0.1,
		Sort:      SortRecency,
	})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Record.ID != "newer" {
		t.Errorf("first result = %s, want newer", results[0].Record.ID)
	}
}

func TestSearchMemory_EqualScoresOrderByLastAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	// Identical content yields identical lexical scores, so ordering falls
	// through to the access-time tie-break.
	putSearchRecord(t, store, nil, "stale", "favorite restaurant is the noodle bar", now.Add(-2*time.Hour))
	putSearchRecord(t, store, nil, "fresh", "favorite restaurant is the noodle bar", now)

	results, err := store.SearchMemory(ctx, "tenant-a", &SearchQuery{
		Text:      "favorite restaurant noodle bar",
		Threshold: 0.1,
	})
	if err != nil {
		t.Fatalf("SearchMemory: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Score != results[1].Score {
		t.Fatalf("scores differ (%v vs %v), tie-break not exercised", results[0].Score, results[1].Score)
	}
	if results[0].Record.ID != "fresh" {
		t.Errorf("first result = %s, want fresh", results[0].Record.ID)
	}
}

func TestCosineSimilarity(t *testing.T) {
	a := []float32{1, 0, 0}
	if got := CosineSimilarity(a, []float32{1, 0, 0}); got < 0.999 {
		t.Errorf("identical vectors = %v, want ~1", got)
	}
	if got := CosineSimilarity(a, []float32{0, 1, 0}); got != 0 {
		t.Errorf("orthogonal vectors = %v, want 0", got)
	}
	if got := CosineSimilarity(a, []float32{-1, 0, 0}); got > -0.999 {
		t.Errorf("opposite vectors = %v, want ~-1", got)
	}
	if got := CosineSimilarity(a, []float32{1, 0}); got != 0 {
		t.Errorf("mismatched dims = %v, want 0", got)
	}
}

func TestEmbeddingRoundTrip(t *testing.T) {
	vec := []float32{0.5, -1.25, 3.75}
	got, err := DecodeEmbedding(EncodeEmbedding(vec))
	if err != nil {
		t.Fatalf("DecodeEmbedding: %v", err)
	}
	if len(got) != len(vec) {
		t.Fatalf("len = %d, want %d", len(got), len(vec))
	}
	for i := range vec {
		if got[i] != vec[i] {
			t.Errorf("dim %d = %v, want %v", i, got[i], vec[i])
		}
	}
}

func resultIDs(results []SearchResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Record.ID
	}
	return out
}

package memory

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/fnv"
	"math"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Embedder is a pluggable interface for turning text into vectors.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	// Ready reports whether the backing model is reachable. Writes never
	// block on an unready embedder; records are stored without a vector and
	// re-embedded later.
	Ready(ctx context.Context) bool
}

// EncodeEmbedding encodes a []float32 into a []byte for storage.
func EncodeEmbedding(vec []float32) []byte {
	if vec == nil {
		return nil
	}
	b := make([]byte, len(vec)*4)
	for i, f := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(f))
	}
	return b
}

// DecodeEmbedding decodes a []byte into a []float32.
func DecodeEmbedding(b []byte) ([]float32, error) {
	if b == nil {
		return nil, nil
	}
	if len(b)%4 != 0 {
		return nil, errors.New("invalid embedding blob length")
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}

// CosineSimilarity between two equal-length vectors, clamped to [-1, 1].
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		fa, fb := float64(a[i]), float64(b[i])
		dot += fa * fb
		na += fa * fa
		nb += fb * fb
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(-1, math.Min(1, sim))
}

// LexicalEmbedder is the degraded, fully-offline embedding path: a
// deterministic bag-of-words hashing projection. Scores are coarser than a
// real model's but overlapping vocabulary still lands near in vector space,
// which keeps local search usable when no inference runtime is available.
type LexicalEmbedder struct {
	dims int
}

// NewLexicalEmbedder creates a hashing embedder with the given
// dimensionality (128 when dims <= 0).
func NewLexicalEmbedder(dims int) *LexicalEmbedder {
	if dims <= 0 {
		dims = 128
	}
	return &LexicalEmbedder{dims: dims}
}

func (e *LexicalEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return vec, nil
	}

	for _, word := range words {
		h := fnv.New32a()
		_, _ = h.Write([]byte(word))
		hash := h.Sum32()
		// Spread each word over a few dimensions so partial overlap still
		// produces measurable similarity.
		for i := uint32(0); i < 3; i++ {
			dim := int((hash + i*2654435761) % uint32(e.dims)) //nolint:gosec // dims is small
			vec[dim] += float32(math.Sin(float64(hash+i)*0.1) + 1.0)
		}
	}

	var mag float64
	for _, v := range vec {
		mag += float64(v) * float64(v)
	}
	if mag > 0 {
		inv := float32(1 / math.Sqrt(mag))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, nil
}

func (e *LexicalEmbedder) Dimensions() int { return e.dims }

func (e *LexicalEmbedder) Ready(context.Context) bool { return true }

// CachedEmbedder wraps an Embedder with an LRU cache keyed by input text.
// Re-embedding the same content (updates, query repeats) is common enough
// that skipping the model round trip is worth a little memory.
type CachedEmbedder struct {
	inner Embedder
	cache *lru.Cache[string, []float32]
}

// NewCachedEmbedder wraps inner with a cache of the given size (256 when
// size <= 0).
func NewCachedEmbedder(inner Embedder, size int) (*CachedEmbedder, error) {
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, err
	}
	return &CachedEmbedder{inner: inner, cache: cache}, nil
}

func (e *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := e.cache.Get(text); ok {
		return vec, nil
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Add(text, vec)
	return vec, nil
}

func (e *CachedEmbedder) Dimensions() int { return e.inner.Dimensions() }

func (e *CachedEmbedder) Ready(ctx context.Context) bool { return e.inner.Ready(ctx) }

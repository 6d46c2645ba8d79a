package retrieval

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// HashingEmbedder maps text into a fixed-dimension vector by feature
// hashing its tokens. It is deterministic and needs no model service,
// which makes it the default for local deployments and tests; swap in a
// model-backed Embedder for semantic quality.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates an embedder producing dims-wide vectors.
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashingEmbedder{dims: dims}
}

// Embed implements Embedder. The vector is L2-normalized so cosine
// similarity degenerates to a dot product.
func (e *HashingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if tok == "" {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dims))
		// The next hash bit decides the sign, spreading collisions.
		if sum&(1<<31) != 0 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

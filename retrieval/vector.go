package retrieval

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/pgvector/pgvector-go"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/expertflow-ai/expertflow/types"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Match is one nearest-neighbor hit from a vector index.
type Match struct {
	ID       string
	Score    float64
	Metadata map[string]any
}

// VectorIndex is the nearest-neighbor search capability consumed by the
// vector retriever. An empty kind searches the whole tenant corpus;
// otherwise only candidates indexed under that kind match.
type VectorIndex interface {
	Search(ctx context.Context, tenantID, kind string, embedding []float32, topK int) ([]Match, error)
}

// VectorRetriever ranks candidates by embedding similarity, descending.
type VectorRetriever struct {
	index    VectorIndex
	embedder Embedder
	logger   *zap.Logger
}

// NewVectorRetriever creates a vector-similarity retriever.
func NewVectorRetriever(index VectorIndex, embedder Embedder, logger *zap.Logger) *VectorRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VectorRetriever{
		index:    index,
		embedder: embedder,
		logger:   logger.With(zap.String("component", "vector_retriever")),
	}
}

// Source implements Retriever.
func (r *VectorRetriever) Source() types.Source {
	return types.SourceVector
}

// Retrieve implements Retriever.
func (r *VectorRetriever) Retrieve(ctx context.Context, query, tenantID string, topK int, params Params) ([]types.RankedItem, error) {
	embedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, types.NewError(types.ErrRetrieval, "embed query").WithCause(err)
	}

	matches, err := r.index.Search(ctx, tenantID, params.Kind, embedding, topK)
	if err != nil {
		return nil, types.NewError(types.ErrRetrieval, "vector search").WithCause(err)
	}

	items := make([]types.RankedItem, 0, len(matches))
	for i, m := range matches {
		if m.Score < params.MinScore {
			continue
		}
		items = append(items, types.RankedItem{
			ID:       m.ID,
			Rank:     i + 1,
			Score:    m.Score,
			Source:   types.SourceVector,
			Metadata: m.Metadata,
		})
	}

	r.logger.Debug("vector retrieval completed",
		zap.String("tenant_id", tenantID),
		zap.Int("matches", len(items)),
	)
	return items, nil
}

// EmbeddingRow is the pgvector-backed storage model for indexed
// candidates.
type EmbeddingRow struct {
	ID        string          `gorm:"primaryKey"`
	TenantID  string          `gorm:"index"`
	Kind      string          `gorm:"index"`
	Embedding pgvector.Vector `gorm:"type:vector(1536)"`
	Title     string
}

// TableName sets the table used by PgvectorIndex.
func (EmbeddingRow) TableName() string { return "embeddings" }

// PgvectorIndex searches a postgres table with a pgvector column using
// cosine distance.
type PgvectorIndex struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewPgvectorIndex creates a pgvector-backed index over db.
func NewPgvectorIndex(db *gorm.DB, logger *zap.Logger) *PgvectorIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PgvectorIndex{db: db, logger: logger.With(zap.String("component", "pgvector_index"))}
}

// Search implements VectorIndex. Cosine distance is converted to a
// similarity in [0,1].
func (idx *PgvectorIndex) Search(ctx context.Context, tenantID, kind string, embedding []float32, topK int) ([]Match, error) {
	var rows []struct {
		ID       string
		Title    string
		Distance float64
	}
	q := idx.db.WithContext(ctx).
		Table("embeddings").
		Select("id, title, embedding <=> ? AS distance", pgvector.NewVector(embedding)).
		Where("tenant_id = ?", tenantID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	err := q.Order("distance").
		Limit(topK).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}

	matches := make([]Match, 0, len(rows))
	for _, row := range rows {
		matches = append(matches, Match{
			ID:       row.ID,
			Score:    1 - row.Distance,
			Metadata: map[string]any{"title": row.Title},
		})
	}
	return matches, nil
}

// InMemoryVectorIndex is a cosine-similarity index for tests and small
// deployments without postgres.
type InMemoryVectorIndex struct {
	mu      sync.RWMutex
	entries map[string][]memoryEntry // tenantID -> entries
}

type memoryEntry struct {
	id        string
	kind      string
	embedding []float32
	metadata  map[string]any
}

// NewInMemoryVectorIndex creates an empty in-memory index.
func NewInMemoryVectorIndex() *InMemoryVectorIndex {
	return &InMemoryVectorIndex{entries: make(map[string][]memoryEntry)}
}

// Add indexes one candidate for a tenant under the given kind.
func (idx *InMemoryVectorIndex) Add(tenantID, id, kind string, embedding []float32, metadata map[string]any) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[tenantID] = append(idx.entries[tenantID], memoryEntry{id: id, kind: kind, embedding: embedding, metadata: metadata})
}

// Search implements VectorIndex.
func (idx *InMemoryVectorIndex) Search(ctx context.Context, tenantID, kind string, embedding []float32, topK int) ([]Match, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	entries := idx.entries[tenantID]
	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		if kind != "" && e.kind != kind {
			continue
		}
		matches = append(matches, Match{
			ID:       e.id,
			Score:    cosineSimilarity(embedding, e.embedding),
			Metadata: e.metadata,
		})
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
	if len(matches) > topK && topK > 0 {
		matches = matches[:topK]
	}
	return matches, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

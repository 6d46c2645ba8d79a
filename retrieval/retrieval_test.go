package retrieval

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/expertflow-ai/expertflow/types"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

func TestVectorRetrieverRanksBySimilarity(t *testing.T) {
	t.Parallel()

	idx := NewInMemoryVectorIndex()
	idx.Add("t1", "go-expert", KindAgent, []float32{1, 0}, nil)
	idx.Add("t1", "py-expert", KindAgent, []float32{0, 1}, nil)
	idx.Add("t1", "generalist", KindAgent, []float32{0.9, 0.1}, nil)
	idx.Add("t2", "other-tenant", KindAgent, []float32{1, 0}, nil)

	r := NewVectorRetriever(idx, &stubEmbedder{vec: []float32{1, 0}}, zap.NewNop())

	items, err := r.Retrieve(context.Background(), "goroutines", "t1", 10, Params{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].ID != "go-expert" || items[0].Rank != 1 {
		t.Fatalf("top item = %s rank %d, want go-expert rank 1", items[0].ID, items[0].Rank)
	}
	if items[1].ID != "generalist" {
		t.Fatalf("second item = %s, want generalist", items[1].ID)
	}
	for _, item := range items {
		if item.ID == "other-tenant" {
			t.Fatal("tenant isolation violated")
		}
		if item.Source != types.SourceVector {
			t.Fatalf("source = %s, want vector", item.Source)
		}
	}
}

func TestVectorRetrieverKindSeparatesCorpora(t *testing.T) {
	t.Parallel()

	idx := NewInMemoryVectorIndex()
	// The documents sit closer to the query than the agent does; a
	// kind-blind search would fill the topK with them.
	idx.Add("t1", "doc-1", KindDocument, []float32{1, 0}, nil)
	idx.Add("t1", "doc-2", KindDocument, []float32{0.99, 0.01}, nil)
	idx.Add("t1", "go-expert", KindAgent, []float32{0.7, 0.3}, nil)

	r := NewVectorRetriever(idx, &stubEmbedder{vec: []float32{1, 0}}, zap.NewNop())

	agents, err := r.Retrieve(context.Background(), "goroutines", "t1", 2, Params{Kind: KindAgent})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "go-expert" {
		t.Fatalf("agent search returned %v, want only go-expert", agents)
	}

	docs, err := r.Retrieve(context.Background(), "goroutines", "t1", 10, Params{Kind: KindDocument})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("document search returned %d items, want 2", len(docs))
	}
	for _, item := range docs {
		if item.ID == "go-expert" {
			t.Fatal("agent leaked into the document corpus")
		}
	}

	all, err := r.Retrieve(context.Background(), "goroutines", "t1", 10, Params{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("unscoped search returned %d items, want 3", len(all))
	}
}

func TestVectorRetrieverEmbedErrorIsRetrieval(t *testing.T) {
	t.Parallel()

	r := NewVectorRetriever(NewInMemoryVectorIndex(), &stubEmbedder{err: context.DeadlineExceeded}, zap.NewNop())

	items, err := r.Retrieve(context.Background(), "q", "t1", 5, Params{})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(items) != 0 {
		t.Fatal("failed retrieval must return an empty list")
	}
	if types.GetErrorCode(err) != types.ErrRetrieval {
		t.Fatalf("code = %s, want RETRIEVAL", types.GetErrorCode(err))
	}
}

func buildGraph(t *testing.T) *InMemoryGraphStore {
	t.Helper()
	s := NewInMemoryGraphStore()
	// concept "billing" -> invoice-expert (1 hop) -> ledger-expert (2 hops)
	s.AddConcept("t1", "billing", "c:billing")
	s.AddEntity("t1", "invoice-expert")
	s.AddEntity("t1", "ledger-expert")
	s.AddEdge("t1", "c:billing", "invoice-expert")
	s.AddEdge("t1", "invoice-expert", "ledger-expert")
	// second path to ledger-expert, longer; shortest must win
	s.AddConcept("t1", "refunds", "c:refunds")
	s.AddEdge("t1", "c:refunds", "mid")
	s.AddEdge("t1", "mid", "ledger-expert")
	return s
}

func TestGraphRetrieverShortestPathWins(t *testing.T) {
	t.Parallel()

	r := NewGraphRetriever(buildGraph(t), 3, zap.NewNop())

	items, err := r.Retrieve(context.Background(), "billing and refunds question", "t1", 10, Params{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(items))
	}
	if items[0].ID != "invoice-expert" {
		t.Fatalf("top = %s, want invoice-expert", items[0].ID)
	}

	// ledger-expert is reachable at distance 2 via either concept; the
	// deduped distance must be 2, scored 1/(1+0.3*2).
	ledger := items[1]
	if ledger.ID != "ledger-expert" {
		t.Fatalf("second = %s, want ledger-expert", ledger.ID)
	}
	wantScore := 1.0 / (1.0 + 0.3*2)
	if ledger.Score != wantScore {
		t.Fatalf("score = %v, want %v", ledger.Score, wantScore)
	}
}

func TestGraphRetrieverNoConceptsNoResults(t *testing.T) {
	t.Parallel()

	r := NewGraphRetriever(buildGraph(t), 3, zap.NewNop())
	items, err := r.Retrieve(context.Background(), "completely unrelated topic", "t1", 10, Params{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no results, got %d", len(items))
	}
}

func TestGraphRetrieverMaxHopsBound(t *testing.T) {
	t.Parallel()

	r := NewGraphRetriever(buildGraph(t), 3, zap.NewNop())
	items, err := r.Retrieve(context.Background(), "billing", "t1", 10, Params{MaxHops: 1})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 1 || items[0].ID != "invoice-expert" {
		t.Fatalf("maxHops=1 should only reach invoice-expert, got %v", items)
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&UsageRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestRelationalRetrieverScoresByOverlapAndSuccess(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	records := []UsageRecord{
		{TenantID: "t1", CandidateID: "strong", Keywords: "kubernetes deployment scaling", SuccessCount: 9, FailureCount: 1},
		{TenantID: "t1", CandidateID: "weak", Keywords: "kubernetes deployment scaling", SuccessCount: 1, FailureCount: 9},
		{TenantID: "t1", CandidateID: "unrelated", Keywords: "payroll taxes", SuccessCount: 10, FailureCount: 0},
		{TenantID: "t2", CandidateID: "foreign", Keywords: "kubernetes deployment scaling", SuccessCount: 5, FailureCount: 0},
	}
	if err := db.Create(&records).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	r := NewRelationalRetriever(db, zap.NewNop())
	items, err := r.Retrieve(context.Background(), "kubernetes deployment help", "t1", 10, Params{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 candidates, got %d: %v", len(items), items)
	}
	if items[0].ID != "strong" || items[1].ID != "weak" {
		t.Fatalf("order = [%s %s], want [strong weak]", items[0].ID, items[1].ID)
	}
	if items[0].Score <= items[1].Score {
		t.Fatal("success weighting should separate the scores")
	}
}

func TestRelationalRetrieverEmptyTenant(t *testing.T) {
	t.Parallel()

	r := NewRelationalRetriever(openTestDB(t), zap.NewNop())
	items, err := r.Retrieve(context.Background(), "anything", "empty-tenant", 10, Params{})
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no items, got %d", len(items))
	}
}

package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/expertflow-ai/expertflow/types"
)

// Path is one traversal result: the entity reached and how far away it
// sits from a matched concept node.
type Path struct {
	EntityID string
	SeedID   string
	Distance int
}

// GraphStore is the relationship-graph capability consumed by the graph
// retriever.
type GraphStore interface {
	// MatchConcepts returns ids of vocabulary nodes mentioned by the
	// query terms.
	MatchConcepts(ctx context.Context, tenantID string, terms []string) ([]string, error)
	// Traverse walks outward from the seed nodes up to maxHops and
	// returns every entity reached with its distance.
	Traverse(ctx context.Context, tenantID string, seedIDs []string, maxHops int) ([]Path, error)
}

// GraphRetriever ranks entities by graph proximity to concepts extracted
// from the query. A shorter path means a better rank; an entity reachable
// through several paths keeps only its shortest one.
type GraphRetriever struct {
	store          GraphStore
	defaultMaxHops int
	logger         *zap.Logger
}

// NewGraphRetriever creates a graph-traversal retriever.
func NewGraphRetriever(store GraphStore, defaultMaxHops int, logger *zap.Logger) *GraphRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultMaxHops <= 0 {
		defaultMaxHops = 2
	}
	return &GraphRetriever{
		store:          store,
		defaultMaxHops: defaultMaxHops,
		logger:         logger.With(zap.String("component", "graph_retriever")),
	}
}

// Source implements Retriever.
func (r *GraphRetriever) Source() types.Source {
	return types.SourceGraph
}

// Retrieve implements Retriever.
func (r *GraphRetriever) Retrieve(ctx context.Context, query, tenantID string, topK int, params Params) ([]types.RankedItem, error) {
	maxHops := params.MaxHops
	if maxHops <= 0 {
		maxHops = r.defaultMaxHops
	}

	seeds, err := r.store.MatchConcepts(ctx, tenantID, tokenize(query))
	if err != nil {
		return nil, types.NewError(types.ErrRetrieval, "concept match").WithCause(err)
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	paths, err := r.store.Traverse(ctx, tenantID, seeds, maxHops)
	if err != nil {
		return nil, types.NewError(types.ErrRetrieval, "graph traversal").WithCause(err)
	}

	// Keep each entity's shortest path only.
	shortest := make(map[string]Path)
	for _, p := range paths {
		prev, ok := shortest[p.EntityID]
		if !ok || p.Distance < prev.Distance {
			shortest[p.EntityID] = p
		}
	}

	deduped := make([]Path, 0, len(shortest))
	for _, p := range shortest {
		deduped = append(deduped, p)
	}
	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].Distance != deduped[j].Distance {
			return deduped[i].Distance < deduped[j].Distance
		}
		return deduped[i].EntityID < deduped[j].EntityID
	})
	if topK > 0 && len(deduped) > topK {
		deduped = deduped[:topK]
	}

	items := make([]types.RankedItem, 0, len(deduped))
	for i, p := range deduped {
		score := 1.0 / (1.0 + 0.3*float64(p.Distance))
		if score < params.MinScore {
			continue
		}
		items = append(items, types.RankedItem{
			ID:     p.EntityID,
			Rank:   i + 1,
			Score:  score,
			Source: types.SourceGraph,
			Metadata: map[string]any{
				"seed":     p.SeedID,
				"distance": p.Distance,
			},
		})
	}

	r.logger.Debug("graph retrieval completed",
		zap.String("tenant_id", tenantID),
		zap.Int("seeds", len(seeds)),
		zap.Int("entities", len(items)),
	)
	return items, nil
}

// InMemoryGraphStore holds a concept vocabulary and an undirected
// relationship graph per tenant. Reference data: safe for concurrent
// read once loaded.
type InMemoryGraphStore struct {
	mu       sync.RWMutex
	concepts map[string]map[string]string   // tenantID -> concept term -> node id
	adjacent map[string]map[string][]string // tenantID -> node id -> neighbor ids
	entities map[string]map[string]bool     // tenantID -> node id -> is entity
}

// NewInMemoryGraphStore creates an empty graph store.
func NewInMemoryGraphStore() *InMemoryGraphStore {
	return &InMemoryGraphStore{
		concepts: make(map[string]map[string]string),
		adjacent: make(map[string]map[string][]string),
		entities: make(map[string]map[string]bool),
	}
}

// AddConcept registers a vocabulary term pointing at a concept node.
func (s *InMemoryGraphStore) AddConcept(tenantID, term, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.concepts[tenantID] == nil {
		s.concepts[tenantID] = make(map[string]string)
	}
	s.concepts[tenantID][strings.ToLower(term)] = nodeID
}

// AddEntity marks a node as a rankable entity.
func (s *InMemoryGraphStore) AddEntity(tenantID, nodeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entities[tenantID] == nil {
		s.entities[tenantID] = make(map[string]bool)
	}
	s.entities[tenantID][nodeID] = true
}

// AddEdge links two nodes bidirectionally.
func (s *InMemoryGraphStore) AddEdge(tenantID, from, to string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adjacent[tenantID] == nil {
		s.adjacent[tenantID] = make(map[string][]string)
	}
	s.adjacent[tenantID][from] = append(s.adjacent[tenantID][from], to)
	s.adjacent[tenantID][to] = append(s.adjacent[tenantID][to], from)
}

// MatchConcepts implements GraphStore.
func (s *InMemoryGraphStore) MatchConcepts(ctx context.Context, tenantID string, terms []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vocab := s.concepts[tenantID]
	seen := make(map[string]bool)
	var seeds []string
	for _, term := range terms {
		if id, ok := vocab[term]; ok && !seen[id] {
			seen[id] = true
			seeds = append(seeds, id)
		}
	}
	sort.Strings(seeds)
	return seeds, nil
}

// Traverse implements GraphStore with breadth-first search from each
// seed, bounded by maxHops.
func (s *InMemoryGraphStore) Traverse(ctx context.Context, tenantID string, seedIDs []string, maxHops int) ([]Path, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	adj := s.adjacent[tenantID]
	entities := s.entities[tenantID]

	var paths []Path
	for _, seed := range seedIDs {
		visited := map[string]bool{seed: true}
		frontier := []string{seed}
		for depth := 1; depth <= maxHops && len(frontier) > 0; depth++ {
			var next []string
			for _, node := range frontier {
				for _, neighbor := range adj[node] {
					if visited[neighbor] {
						continue
					}
					visited[neighbor] = true
					next = append(next, neighbor)
					if entities[neighbor] {
						paths = append(paths, Path{EntityID: neighbor, SeedID: seed, Distance: depth})
					}
				}
			}
			frontier = next
		}
		// A seed that is itself an entity counts at distance zero.
		if entities[seed] {
			paths = append(paths, Path{EntityID: seed, SeedID: seed, Distance: 0})
		}
	}
	return paths, nil
}

// Package retrieval provides the three ranked-list sources fused by the
// engine: vector similarity, relationship-graph traversal, and tenant
// usage history. Retrievers fail gracefully: on error they return an
// empty list plus the error and let the caller decide whether that is
// fatal.
package retrieval

import (
	"context"
	"strings"

	"github.com/expertflow-ai/expertflow/types"
)

// Candidate kinds stored in the vector index. Agent cards and evidence
// documents share one index; Kind keeps their searches apart.
const (
	KindAgent    = "agent"
	KindDocument = "document"
)

// Params tunes a single retrieval call. Zero values fall back to each
// retriever's configured defaults.
type Params struct {
	MaxHops  int               `json:"max_hops,omitempty"`
	MinScore float64           `json:"min_score,omitempty"`
	Kind     string            `json:"kind,omitempty"`
	Filters  map[string]string `json:"filters,omitempty"`
}

// Retriever is the one capability all sources share.
type Retriever interface {
	// Source identifies the ranked lists this retriever produces.
	Source() types.Source
	// Retrieve returns a ranked list for the query, scoped to the
	// tenant. Rank is 1-based and local to this source.
	Retrieve(ctx context.Context, query, tenantID string, topK int, params Params) ([]types.RankedItem, error)
}

// tokenize lowercases and splits on whitespace, dropping short noise
// tokens.
func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,;:!?\"'()")
		if len(f) > 2 {
			out = append(out, f)
		}
	}
	return out
}

// overlap returns the fraction of query tokens found in the candidate
// token set.
func overlap(queryTokens []string, candidate string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	set := make(map[string]bool)
	for _, tok := range tokenize(candidate) {
		set[tok] = true
	}
	matched := 0
	for _, tok := range queryTokens {
		if set[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}

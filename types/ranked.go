package types

// Source identifies which retrieval backend produced a ranked item.
type Source string

const (
	SourceVector     Source = "vector"
	SourceGraph      Source = "graph"
	SourceRelational Source = "relational"
)

// RankedItem is one entry of a single retriever's output. Rank is 1-based
// and local to the producing source. Items are immutable once produced.
type RankedItem struct {
	ID       string         `json:"id"`
	Rank     int            `json:"rank"`
	Score    float64        `json:"score"`
	Source   Source         `json:"source"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// RankedList is one source's complete ranked output for a query.
type RankedList struct {
	Source Source       `json:"source"`
	Items  []RankedItem `json:"items"`
}

// Contribution records how much one source added to an item's fused score.
type Contribution struct {
	Rank   int     `json:"rank"`
	Score  float64 `json:"score"`
	Weight float64 `json:"weight"`
}

// FusionResult is one item of a fused ranking with its per-source
// explanation. Derived per query, never persisted.
type FusionResult struct {
	ID         string                  `json:"id"`
	FusedScore float64                 `json:"fused_score"`
	Sources    map[Source]Contribution `json:"sources"`
}

// Citation points a response fragment back at the evidence that supports
// it, carrying the fusion explanation for transparency.
type Citation struct {
	ItemID     string                  `json:"item_id"`
	FusedScore float64                 `json:"fused_score"`
	Sources    map[Source]Contribution `json:"sources"`
}

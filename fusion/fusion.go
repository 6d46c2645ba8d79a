// Package fusion implements Reciprocal Rank Fusion over ranked lists
// from heterogeneous retrieval sources. It is pure: no I/O, no logging,
// deterministic output for identical input regardless of list order.
package fusion

import (
	"sort"

	"github.com/expertflow-ai/expertflow/types"
)

// DefaultK is the standard RRF smoothing constant.
const DefaultK = 60

// Fuse combines ranked lists with unit source weights. Each list
// contributes the raw 1/(k+rank) per item; an item found by more sources
// accrues more evidence and is favored.
func Fuse(lists []types.RankedList, k int) []types.FusionResult {
	unit := make(map[types.Source]float64, len(lists))
	for _, list := range lists {
		unit[list.Source] = 1
	}
	return fuse(lists, unit, k)
}

// WeightedFuse combines ranked lists with per-source weights. Weights are
// normalized to sum to one so that the ranking is scale-invariant; a
// source present in the input but absent from the weight map receives an
// equal share of the remaining weight (the mean of the provided weights).
func WeightedFuse(lists []types.RankedList, weights map[types.Source]float64, k int) []types.FusionResult {
	return fuse(lists, normalizeWeights(lists, weights), k)
}

func fuse(lists []types.RankedList, norm map[types.Source]float64, k int) []types.FusionResult {
	if len(lists) == 0 {
		return nil
	}
	if k <= 0 {
		k = DefaultK
	}

	acc := make(map[string]*types.FusionResult)
	for _, list := range lists {
		w := norm[list.Source]
		for _, item := range bestRanks(list.Items) {
			contribution := w / float64(k+item.Rank)

			fr, ok := acc[item.ID]
			if !ok {
				fr = &types.FusionResult{
					ID:      item.ID,
					Sources: make(map[types.Source]types.Contribution),
				}
				acc[item.ID] = fr
			}
			fr.FusedScore += contribution
			fr.Sources[list.Source] = types.Contribution{
				Rank:   item.Rank,
				Score:  item.Score,
				Weight: w,
			}
		}
	}

	results := make([]types.FusionResult, 0, len(acc))
	for _, fr := range acc {
		results = append(results, *fr)
	}

	// Descending fused score; ties broken lexicographically by id so the
	// output never depends on input list order or map iteration.
	sort.Slice(results, func(i, j int) bool {
		if results[i].FusedScore != results[j].FusedScore {
			return results[i].FusedScore > results[j].FusedScore
		}
		return results[i].ID < results[j].ID
	})

	return results
}

// normalizeWeights resolves the effective per-source weight for every
// source present in the input, normalized to sum to one. With no weights
// at all every source gets an equal share.
func normalizeWeights(lists []types.RankedList, weights map[types.Source]float64) map[types.Source]float64 {
	present := make([]types.Source, 0, len(lists))
	seen := make(map[types.Source]bool)
	for _, list := range lists {
		if !seen[list.Source] {
			seen[list.Source] = true
			present = append(present, list.Source)
		}
	}

	raw := make(map[types.Source]float64, len(present))
	var providedSum float64
	var providedCount int
	for _, s := range present {
		if w, ok := weights[s]; ok && w > 0 {
			raw[s] = w
			providedSum += w
			providedCount++
		}
	}

	// Unweighted sources share the remaining mass equally: each gets the
	// mean provided weight, or a flat 1 when no weights were given.
	fill := 1.0
	if providedCount > 0 {
		fill = providedSum / float64(providedCount)
	}
	total := providedSum
	for _, s := range present {
		if _, ok := raw[s]; !ok {
			raw[s] = fill
			total += fill
		}
	}

	norm := make(map[types.Source]float64, len(raw))
	for s, w := range raw {
		norm[s] = w / total
	}
	return norm
}

// bestRanks collapses duplicate ids within one list to the item's best
// (lowest) rank.
func bestRanks(items []types.RankedItem) []types.RankedItem {
	best := make(map[string]types.RankedItem, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if item.Rank < 1 {
			continue
		}
		prev, ok := best[item.ID]
		if !ok {
			best[item.ID] = item
			order = append(order, item.ID)
			continue
		}
		if item.Rank < prev.Rank {
			best[item.ID] = item
		}
	}
	out := make([]types.RankedItem, 0, len(best))
	for _, id := range order {
		out = append(out, best[id])
	}
	return out
}

// Citations derives citation records from a fused ranking, preserving the
// per-source explanation for each cited item.
func Citations(results []types.FusionResult, limit int) []types.Citation {
	if limit <= 0 || limit > len(results) {
		limit = len(results)
	}
	citations := make([]types.Citation, 0, limit)
	for _, fr := range results[:limit] {
		citations = append(citations, types.Citation{
			ItemID:     fr.ID,
			FusedScore: fr.FusedScore,
			Sources:    fr.Sources,
		})
	}
	return citations
}

// MeanScore returns the average fused score of a ranking, the basis of
// the retrieval-confidence metric. Empty input yields zero.
func MeanScore(results []types.FusionResult) float64 {
	if len(results) == 0 {
		return 0
	}
	var sum float64
	for _, fr := range results {
		sum += fr.FusedScore
	}
	return sum / float64(len(results))
}

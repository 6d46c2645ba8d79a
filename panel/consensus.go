package panel

import (
	"strings"

	"github.com/expertflow-ai/expertflow/types"
)

// consensusLevel measures pairwise agreement across successful
// responses as the mean Jaccard similarity of their token sets. It is
// always in [0,1]: identical responses score 1, fully divergent ones 0.
// Error responses are excluded. Fewer than two successful responses
// give full agreement by definition.
func consensusLevel(responses []types.PanelResponse) float64 {
	var texts []string
	for _, r := range responses {
		if r.Err == "" {
			texts = append(texts, r.Content)
		}
	}
	if len(texts) < 2 {
		return 1
	}

	sets := make([]map[string]bool, len(texts))
	for i, text := range texts {
		sets[i] = tokenSet(text)
	}

	var sum float64
	pairs := 0
	for i := 0; i < len(sets); i++ {
		for j := i + 1; j < len(sets); j++ {
			sum += jaccard(sets[i], sets[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,!?;:\"'()")
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	intersection := 0
	for tok := range a {
		if b[tok] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

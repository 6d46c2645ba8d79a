package retrieval

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/expertflow-ai/expertflow/types"
)

// UsageRecord is one historical outcome row: which candidate served which
// kind of query for a tenant, and how it went.
type UsageRecord struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	TenantID     string `gorm:"index"`
	CandidateID  string `gorm:"index"`
	Keywords     string
	SuccessCount int
	FailureCount int
}

// TableName sets the table used by RelationalRetriever.
func (UsageRecord) TableName() string { return "usage_records" }

// RelationalRetriever scores candidates by keyword overlap with the query
// weighted by their historical success rate for the tenant.
type RelationalRetriever struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRelationalRetriever creates a history-backed retriever over db.
func NewRelationalRetriever(db *gorm.DB, logger *zap.Logger) *RelationalRetriever {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RelationalRetriever{
		db:     db,
		logger: logger.With(zap.String("component", "relational_retriever")),
	}
}

// Source implements Retriever.
func (r *RelationalRetriever) Source() types.Source {
	return types.SourceRelational
}

// Retrieve implements Retriever.
func (r *RelationalRetriever) Retrieve(ctx context.Context, query, tenantID string, topK int, params Params) ([]types.RankedItem, error) {
	var records []UsageRecord
	err := r.db.WithContext(ctx).
		Where("tenant_id = ?", tenantID).
		Find(&records).Error
	if err != nil {
		return nil, types.NewError(types.ErrRetrieval, "usage history query").WithCause(err)
	}

	queryTokens := tokenize(query)

	type scored struct {
		id    string
		score float64
	}
	// A candidate can have several usage rows; keep its best score.
	best := make(map[string]float64)
	for _, rec := range records {
		score := relevance(queryTokens, rec)
		if score <= 0 || score < params.MinScore {
			continue
		}
		if score > best[rec.CandidateID] {
			best[rec.CandidateID] = score
		}
	}

	ranked := make([]scored, 0, len(best))
	for id, score := range best {
		ranked = append(ranked, scored{id: id, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}

	items := make([]types.RankedItem, 0, len(ranked))
	for i, s := range ranked {
		items = append(items, types.RankedItem{
			ID:     s.id,
			Rank:   i + 1,
			Score:  s.score,
			Source: types.SourceRelational,
		})
	}

	r.logger.Debug("relational retrieval completed",
		zap.String("tenant_id", tenantID),
		zap.Int("rows", len(records)),
		zap.Int("candidates", len(items)),
	)
	return items, nil
}

// relevance blends keyword overlap with the record's historical success
// rate. A record with no outcomes yet gets a neutral 0.5 success factor.
func relevance(queryTokens []string, rec UsageRecord) float64 {
	match := overlap(queryTokens, rec.Keywords)
	if match == 0 {
		return 0
	}
	total := rec.SuccessCount + rec.FailureCount
	successRate := 0.5
	if total > 0 {
		successRate = float64(rec.SuccessCount) / float64(total)
	}
	return match * (0.5 + 0.5*successRate)
}

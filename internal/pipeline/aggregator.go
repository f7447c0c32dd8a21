package pipeline

import (
	"fmt"
	"sort"

	"resume-ranker/internal/types"
)

// Aggregator 将分块命中按简历聚合为排序分
// 输入已按相似度降序排列，输出顺序无要求
type Aggregator interface {
	Name() string
	Aggregate(hits []types.SimilarityHit) []types.RankedResume
}

// MaxScoreAggregator 取每份简历的最高分块作为简历得分
type MaxScoreAggregator struct{}

func (MaxScoreAggregator) Name() string { return "max" }

func (MaxScoreAggregator) Aggregate(hits []types.SimilarityHit) []types.RankedResume {
	best := make(map[string]int, len(hits))
	out := make([]types.RankedResume, 0)
	for _, h := range hits {
		idx, seen := best[h.ResumeID]
		if !seen {
			best[h.ResumeID] = len(out)
			out = append(out, rankedFromHit(h))
			continue
		}
		cur := &out[idx]
		if h.Score > cur.BestScore || (h.Score == cur.BestScore && h.ChunkIndex < cur.MatchedChunkIndex) {
			*cur = rankedFromHit(h)
		}
	}
	return out
}

// TopMeanAggregator 取每份简历前 N 个分块得分的平均值，匹配文本仍为最高分块
type TopMeanAggregator struct {
	N int
}

func (a TopMeanAggregator) Name() string { return "top_mean" }

func (a TopMeanAggregator) Aggregate(hits []types.SimilarityHit) []types.RankedResume {
	n := a.N
	if n <= 0 {
		n = 1
	}

	grouped := make(map[string][]types.SimilarityHit)
	order := make([]string, 0)
	for _, h := range hits {
		if _, ok := grouped[h.ResumeID]; !ok {
			order = append(order, h.ResumeID)
		}
		grouped[h.ResumeID] = append(grouped[h.ResumeID], h)
	}

	out := make([]types.RankedResume, 0, len(order))
	for _, id := range order {
		group := grouped[id]
		sort.SliceStable(group, func(i, j int) bool {
			if group[i].Score != group[j].Score {
				return group[i].Score > group[j].Score
			}
			return group[i].ChunkIndex < group[j].ChunkIndex
		})
		top := group
		if len(top) > n {
			top = top[:n]
		}
		var sum float64
		for _, h := range top {
			sum += float64(h.Score)
		}
		r := rankedFromHit(group[0])
		r.BestScore = float32(sum / float64(len(top)))
		out = append(out, r)
	}
	return out
}

// NewAggregator 按名称创建聚合器
func NewAggregator(name string, topMeanN int) (Aggregator, error) {
	switch name {
	case "", "max":
		return MaxScoreAggregator{}, nil
	case "top_mean":
		return TopMeanAggregator{N: topMeanN}, nil
	default:
		return nil, fmt.Errorf("未知的聚合方式: %s", name)
	}
}

// SortRanked 按得分降序排列，同分时 resume_id 小者在前
func SortRanked(ranked []types.RankedResume) {
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].BestScore != ranked[j].BestScore {
			return ranked[i].BestScore > ranked[j].BestScore
		}
		return ranked[i].ResumeID < ranked[j].ResumeID
	})
}

func rankedFromHit(h types.SimilarityHit) types.RankedResume {
	return types.RankedResume{
		ResumeID:          h.ResumeID,
		BestScore:         h.Score,
		MatchedChunkText:  h.Text,
		MatchedChunkIndex: h.ChunkIndex,
	}
}

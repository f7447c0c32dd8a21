package pipeline

import (
	"testing"

	"resume-ranker/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxScoreAggregator(t *testing.T) {
	hits := []types.SimilarityHit{
		{ResumeID: "R1", ChunkIndex: 0, Text: "python backend", Score: 0.9},
		{ResumeID: "R2", ChunkIndex: 3, Text: "go services", Score: 0.8},
		{ResumeID: "R1", ChunkIndex: 1, Text: "hobbies", Score: 0.5},
	}

	ranked := MaxScoreAggregator{}.Aggregate(hits)
	SortRanked(ranked)

	require.Len(t, ranked, 2)
	assert.Equal(t, "R1", ranked[0].ResumeID)
	assert.InDelta(t, 0.9, ranked[0].BestScore, 1e-6)
	assert.Equal(t, "python backend", ranked[0].MatchedChunkText)
	assert.Equal(t, 0, ranked[0].MatchedChunkIndex)
	assert.Equal(t, "R2", ranked[1].ResumeID)
	assert.InDelta(t, 0.8, ranked[1].BestScore, 1e-6)
	assert.Equal(t, 3, ranked[1].MatchedChunkIndex)
}

func TestMaxScoreAggregator_UnsortedInput(t *testing.T) {
	hits := []types.SimilarityHit{
		{ResumeID: "R1", ChunkIndex: 4, Text: "low", Score: 0.1},
		{ResumeID: "R1", ChunkIndex: 2, Text: "high", Score: 0.7},
		{ResumeID: "R1", ChunkIndex: 1, Text: "high-earlier", Score: 0.7},
	}
	ranked := MaxScoreAggregator{}.Aggregate(hits)
	require.Len(t, ranked, 1)
	assert.Equal(t, "high-earlier", ranked[0].MatchedChunkText)
}

func TestTopMeanAggregator(t *testing.T) {
	hits := []types.SimilarityHit{
		{ResumeID: "R1", ChunkIndex: 0, Text: "a", Score: 0.9},
		{ResumeID: "R2", ChunkIndex: 0, Text: "b", Score: 0.8},
		{ResumeID: "R2", ChunkIndex: 1, Text: "c", Score: 0.8},
		{ResumeID: "R1", ChunkIndex: 1, Text: "d", Score: 0.1},
		{ResumeID: "R1", ChunkIndex: 2, Text: "e", Score: 0.05},
	}

	ranked := TopMeanAggregator{N: 2}.Aggregate(hits)
	SortRanked(ranked)

	require.Len(t, ranked, 2)
	assert.Equal(t, "R2", ranked[0].ResumeID)
	assert.InDelta(t, 0.8, ranked[0].BestScore, 1e-6)
	assert.Equal(t, "R1", ranked[1].ResumeID)
	assert.InDelta(t, 0.5, ranked[1].BestScore, 1e-6)
	assert.Equal(t, "a", ranked[1].MatchedChunkText)
}

func TestSortRanked_TieBreaksByResumeID(t *testing.T) {
	ranked := []types.RankedResume{
		{ResumeID: "R3", BestScore: 0.5},
		{ResumeID: "R1", BestScore: 0.5},
		{ResumeID: "R2", BestScore: 0.7},
	}
	SortRanked(ranked)
	assert.Equal(t, []string{"R2", "R1", "R3"}, []string{ranked[0].ResumeID, ranked[1].ResumeID, ranked[2].ResumeID})
}

func TestNewAggregator(t *testing.T) {
	a, err := NewAggregator("", 0)
	require.NoError(t, err)
	assert.Equal(t, "max", a.Name())

	a, err = NewAggregator("top_mean", 3)
	require.NoError(t, err)
	assert.Equal(t, TopMeanAggregator{N: 3}, a)

	_, err = NewAggregator("median", 0)
	assert.Error(t, err)
}

func TestAggregate_NoHits(t *testing.T) {
	assert.Empty(t, MaxScoreAggregator{}.Aggregate(nil))
	assert.Empty(t, TopMeanAggregator{N: 2}.Aggregate(nil))
}

package embed

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// axisEmbedder maps known texts to fixed unit vectors so similarity is
// fully determined by the table.
type axisEmbedder map[string][]float32

func (a axisEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := a[t]
		if !ok {
			return nil, errors.New("unknown text " + t)
		}
		out[i] = v
	}
	return out, nil
}

func TestRankOrdersByCosineSimilarity(t *testing.T) {
	ctx := context.Background()
	e := axisEmbedder{
		"query":    {1, 0, 0},
		"aligned":  {1, 0, 0},
		"nearby":   {1, 1, 0},
		"opposite": {-1, 0, 0},
	}

	matches, err := Rank(ctx, e, "query", []string{"opposite", "nearby", "aligned"}, 0)
	require.NoError(t, err)
	require.Len(t, matches, 3)

	require.Equal(t, 2, matches[0].Index) // aligned
	require.InDelta(t, 1.0, matches[0].Score, 1e-9)
	require.Equal(t, 1, matches[1].Index) // nearby
	require.InDelta(t, 0.7071, matches[1].Score, 1e-4)
	require.Equal(t, 0, matches[2].Index) // opposite
	require.InDelta(t, -1.0, matches[2].Score, 1e-9)
}

func TestRankAppliesLimitAndKeepsInputOrderOnTies(t *testing.T) {
	ctx := context.Background()
	e := axisEmbedder{
		"query": {0, 1},
		"tie-a": {0, 2},
		"tie-b": {0, 3},
		"far":   {1, 0},
	}

	matches, err := Rank(ctx, e, "query", []string{"tie-a", "tie-b", "far"}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, 0, matches[0].Index)
	require.Equal(t, 1, matches[1].Index)
}

func TestRankEmptyCandidates(t *testing.T) {
	matches, err := Rank(context.Background(), axisEmbedder{}, "query", nil, 5)
	require.NoError(t, err)
	require.Nil(t, matches)
}

func TestRankPropagatesEmbedderErrors(t *testing.T) {
	boom := errors.New("quota exceeded")
	e := EmbedderFunc(func(context.Context, []string) ([][]float32, error) {
		return nil, boom
	})
	_, err := Rank(context.Background(), e, "query", []string{"a"}, 0)
	require.ErrorIs(t, err, boom)
}

func TestRankRejectsShapeMismatches(t *testing.T) {
	short := EmbedderFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		return make([][]float32, len(texts)-1), nil
	})
	_, err := Rank(context.Background(), short, "query", []string{"a"}, 0)
	require.ErrorContains(t, err, "vectors")

	ragged := EmbedderFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range out {
			out[i] = make([]float32, i+1)
		}
		return out, nil
	})
	_, err = Rank(context.Background(), ragged, "query", []string{"a"}, 0)
	require.ErrorContains(t, err, "dimensions")
}

func TestZeroVectorsScoreZero(t *testing.T) {
	ctx := context.Background()
	e := axisEmbedder{
		"query": {0, 0},
		"doc":   {1, 1},
	}
	matches, err := Rank(ctx, e, "query", []string{"doc"}, 0)
	require.NoError(t, err)
	require.Zero(t, matches[0].Score)
}

package vector

import (
	"testing"

	"github.com/memorose/memorose/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertRejectsDimensionDrift(t *testing.T) {
	s := NewStore(4)
	require.NoError(t, s.Upsert("a", []float32{1, 0, 0, 0}))

	err := s.Upsert("b", []float32{1, 0})
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindFatalInvariant))
	assert.Equal(t, 1, s.Len())
}

func TestANNOrdering(t *testing.T) {
	s := NewStore(3)
	require.NoError(t, s.Upsert("exact", []float32{1, 0, 0}))
	require.NoError(t, s.Upsert("close", []float32{0.9, 0.1, 0}))
	require.NoError(t, s.Upsert("far", []float32{0, 0, 1}))
	require.NoError(t, s.Upsert("opposite", []float32{-1, 0, 0}))

	matches, err := s.ANN([]float32{1, 0, 0}, 4, nil)
	require.NoError(t, err)
	require.Len(t, matches, 4)

	assert.Equal(t, "exact", matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-6)
	assert.Equal(t, "close", matches[1].ID)
	assert.Equal(t, "far", matches[2].ID)
	assert.InDelta(t, 0.0, matches[2].Similarity, 1e-6)
	assert.Equal(t, "opposite", matches[3].ID)
	assert.InDelta(t, -1.0, matches[3].Similarity, 1e-6)
}

func TestANNRespectsKAndFilter(t *testing.T) {
	s := NewStore(2)
	require.NoError(t, s.Upsert("a", []float32{1, 0}))
	require.NoError(t, s.Upsert("b", []float32{0.9, 0.1}))
	require.NoError(t, s.Upsert("c", []float32{0.8, 0.2}))

	matches, err := s.ANN([]float32{1, 0}, 2, nil)
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	matches, err = s.ANN([]float32{1, 0}, 3, func(id string) bool { return id != "a" })
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "b", matches[0].ID)
}

func TestANNTieBreaksByID(t *testing.T) {
	s := NewStore(2)
	require.NoError(t, s.Upsert("z", []float32{1, 0}))
	require.NoError(t, s.Upsert("a", []float32{1, 0}))
	require.NoError(t, s.Upsert("m", []float32{2, 0})) // same direction, same cosine

	matches, err := s.ANN([]float32{1, 0}, 3, nil)
	require.NoError(t, err)
	require.Len(t, matches, 3)
	assert.Equal(t, []string{"a", "m", "z"}, []string{matches[0].ID, matches[1].ID, matches[2].ID})
}

func TestDeleteAndReset(t *testing.T) {
	s := NewStore(2)
	require.NoError(t, s.Upsert("a", []float32{1, 0}))
	s.Delete("a")
	s.Delete("missing")
	assert.Zero(t, s.Len())

	require.NoError(t, s.Upsert("b", []float32{0, 1}))
	s.Reset()
	assert.Zero(t, s.Len())
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 1}, []float32{2, 2}), 1e-6)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, -1.0, Cosine([]float32{1, 0}, []float32{-1, 0}), 1e-6)
	assert.Zero(t, Cosine([]float32{1}, []float32{1, 2}), "mismatched lengths score zero")
}

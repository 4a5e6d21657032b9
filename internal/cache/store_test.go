package cache

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path, 16, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGetMiss_NoError(t *testing.T) {
	s := openTestStore(t)
	vec, ok, err := s.Get(context.Background(), "nothing here", "m1")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, vec)
}

func TestSetGet_RoundTripBitForBit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, dims := range []int{1, 2, 3, 17, 256, 1024, 4096} {
		text := fmt.Sprintf("input-%d", dims)
		vec := make([]float32, dims)
		for i := range vec {
			vec[i] = float32(math.Sin(float64(i))) * float32(i%7-3)
		}
		vec[0] = -0.000001
		require.NoError(t, s.Set(ctx, text, "m1", vec, ""))
		got, ok, err := s.Get(ctx, text, "m1")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, vec, got, "dims %d", dims)
	}
}

func TestGet_SurvivesLRUBypass(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	s, err := Open(path, 0, 0) // no LRU front
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	vec := []float32{1.5, -2.25, 3.125}
	require.NoError(t, s.Set(ctx, "text", "m1", vec, "d1"))
	got, ok, err := s.Get(ctx, "text", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, vec, got)
}

func TestKeyIsModelScoped(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "same text", "model-a", []float32{1}, ""))
	_, ok, err := s.Get(ctx, "same text", "model-b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCheckModelVersion_InvalidatesOnDigestChange(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	invalidated, err := s.CheckModelVersion(ctx, "m1", "digest-1")
	require.NoError(t, err)
	require.False(t, invalidated)

	require.NoError(t, s.Set(ctx, "some text", "m1", []float32{0.5, 0.25}, "digest-1"))

	invalidated, err = s.CheckModelVersion(ctx, "m1", "digest-1")
	require.NoError(t, err)
	require.False(t, invalidated)

	invalidated, err = s.CheckModelVersion(ctx, "m1", "digest-2")
	require.NoError(t, err)
	require.True(t, invalidated)

	_, ok, err := s.Get(ctx, "some text", "m1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeleteAndHas(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "text", "m1", []float32{1, 2}, ""))
	ok, err := s.Has(ctx, "text", "m1")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.Delete(ctx, "text", "m1"))
	ok, err = s.Has(ctx, "text", "m1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestClearModel(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", "m1", []float32{1}, ""))
	require.NoError(t, s.Set(ctx, "b", "m1", []float32{2}, ""))
	require.NoError(t, s.Set(ctx, "c", "m2", []float32{3}, ""))
	n, err := s.ClearModel(ctx, "m1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	_, ok, err := s.Get(ctx, "c", "m2")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPrune_CountBasedOldestFirst(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Set(ctx, fmt.Sprintf("t%d", i), "m1", []float32{float32(i)}, ""))
	}
	n, err := s.Prune(ctx, 4, 0)
	require.NoError(t, err)
	require.EqualValues(t, 6, n)
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, stats.Entries)
}

func TestPrune_AgeBased(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "old", "m1", []float32{1}, ""))
	_, err := s.db.ExecContext(ctx, `UPDATE embedding_cache SET ctime = ?`, time.Now().Add(-48*time.Hour).Unix())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "new", "m1", []float32{2}, ""))
	n, err := s.Prune(ctx, 0, 24*time.Hour)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
	_, ok, err := s.Get(ctx, "new", "m1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestStats_CountersAndReset(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Set(ctx, "a", "m1", []float32{1}, ""))
	_, _, _ = s.Get(ctx, "a", "m1")
	_, _, _ = s.Get(ctx, "missing", "m1")
	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Hits)
	require.EqualValues(t, 1, stats.Misses)
	require.InDelta(t, 0.5, stats.HitRate(), 1e-9)

	require.NoError(t, s.ClearAll(ctx))
	stats, err = s.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.Hits)
	require.EqualValues(t, 0, stats.Misses)
	require.EqualValues(t, 0, stats.Entries)
}

func TestGetManySetMany_Positional(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	texts := []string{"one", "two", "three"}
	vecs := [][]float32{{1}, nil, {3}}
	require.NoError(t, s.SetMany(ctx, texts, vecs, "m1", ""))
	got, err := s.GetMany(ctx, texts, "m1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []float32{1}, got[0])
	require.Nil(t, got[1])
	require.Equal(t, []float32{3}, got[2])
}

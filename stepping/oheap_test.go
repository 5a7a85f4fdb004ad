package stepping_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/etclab/dyno/crypto"
	"github.com/etclab/dyno/oheap"
	"github.com/etclab/dyno/stepping"
)

func TestOHeapGrowShrinkCapacity(t *testing.T) {
	key := crypto.GenerateKey()
	h := stepping.NewOHeap()

	for i := 0; i < 5; i++ {
		require.NoError(t, h.Grow(key))
	}
	require.Equal(t, 5, h.Capacity())

	for i := 0; i < 3; i++ {
		require.NoError(t, h.Shrink(key))
	}
	require.Equal(t, 2, h.Capacity())
}

func TestOHeapInsertExtractMinAcrossSlots(t *testing.T) {
	key := crypto.GenerateKey()
	h := stepping.NewOHeap()
	for i := 0; i < 4; i++ {
		require.NoError(t, h.Grow(key))
	}

	for _, k := range []oheap.Key{9, 1, 5} {
		require.NoError(t, h.Insert(oheap.Block{Key: k, Val: oheap.Val(k)}, key))
	}
	require.Equal(t, 3, h.Size())

	min, err := h.FindMin(key)
	require.NoError(t, err)
	require.Equal(t, oheap.Key(1), min.Key)

	extracted, err := h.ExtractMin(key)
	require.NoError(t, err)
	require.Equal(t, oheap.Key(1), extracted.Key)
	require.Equal(t, 2, h.Size())
}

func TestOHeapExtractMinOnEmptyReturnsDummy(t *testing.T) {
	key := crypto.GenerateKey()
	h := stepping.NewOHeap()
	require.NoError(t, h.Grow(key))

	b, err := h.ExtractMin(key)
	require.NoError(t, err)
	require.True(t, b.Pos == 0)
}

func TestOHeapInsertAtCapacityPanics(t *testing.T) {
	key := crypto.GenerateKey()
	h := stepping.NewOHeap()
	require.NoError(t, h.Grow(key))
	require.NoError(t, h.Insert(oheap.Block{Key: 1, Val: 10}, key))
	require.PanicsWithValue(t, stepping.ErrFull, func() { h.Insert(oheap.Block{Key: 2, Val: 20}, key) })
}

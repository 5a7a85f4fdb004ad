package stepping_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/etclab/dyno/crypto"
	"github.com/etclab/dyno/omap"
	"github.com/etclab/dyno/stepping"
)

func TestOMapGrowShrinkCapacity(t *testing.T) {
	key := crypto.GenerateKey()
	m := stepping.NewOMap()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Grow(key))
	}
	require.Equal(t, 5, m.Capacity())

	for i := 0; i < 3; i++ {
		require.NoError(t, m.Shrink(key))
	}
	require.Equal(t, 2, m.Capacity())
}

func TestOMapInsertReadSurviveGrowth(t *testing.T) {
	key := crypto.GenerateKey()
	m := stepping.NewOMap()
	for i := 0; i < 4; i++ {
		require.NoError(t, m.Grow(key))
	}

	require.NoError(t, m.Insert(3, 30, key))
	require.NoError(t, m.Insert(7, 70, key))

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Grow(key))
	}

	v, err := m.Read(3, key)
	require.NoError(t, err)
	require.Equal(t, omap.Val(30), v)

	v, err = m.Read(7, key)
	require.NoError(t, err)
	require.Equal(t, omap.Val(70), v)
}

func TestOMapReadAndRemoveAcrossSlots(t *testing.T) {
	key := crypto.GenerateKey()
	m := stepping.NewOMap()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Grow(key))
	}
	require.NoError(t, m.Insert(1, 10, key))

	v, err := m.ReadAndRemove(1, key)
	require.NoError(t, err)
	require.Equal(t, omap.Val(10), v)

	v, err = m.Read(1, key)
	require.NoError(t, err)
	require.Equal(t, omap.Val(0), v)
}

func TestOMapShrinkToEmpty(t *testing.T) {
	key := crypto.GenerateKey()
	m := stepping.NewOMap()
	require.NoError(t, m.Grow(key))
	require.NoError(t, m.Shrink(key))
	require.Equal(t, 0, m.Capacity())
	require.NoError(t, m.Shrink(key))
	require.Equal(t, 0, m.Capacity())
}

func TestOMapInsertAtCapacityPanics(t *testing.T) {
	key := crypto.GenerateKey()
	m := stepping.NewOMap()
	require.NoError(t, m.Grow(key))
	require.NoError(t, m.Insert(1, 10, key))
	require.PanicsWithValue(t, stepping.ErrFull, func() { m.Insert(2, 20, key) })
}

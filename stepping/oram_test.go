package stepping_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/etclab/dyno/crypto"
	"github.com/etclab/dyno/oram"
	"github.com/etclab/dyno/stepping"
)

func TestGrowIncreasesCapacity(t *testing.T) {
	key := crypto.GenerateKey()
	o := stepping.NewORAM(8)

	for i := 0; i < 5; i++ {
		require.NoError(t, o.Grow(key))
	}
	require.Equal(t, 5, o.Capacity())
}

func TestInsertReadSurviveGrowth(t *testing.T) {
	key := crypto.GenerateKey()
	o := stepping.NewORAM(8)

	for i := 0; i < 4; i++ {
		require.NoError(t, o.Grow(key))
	}

	val := make([]byte, 8)
	copy(val, "payload!")
	require.NoError(t, o.Insert(oram.Key(2), val, key))

	res, err := o.Read(oram.Key(2), key)
	require.NoError(t, err)
	require.Equal(t, val, res.Val)

	for i := 0; i < 4; i++ {
		require.NoError(t, o.Grow(key))
	}

	res, err = o.Read(oram.Key(2), key)
	require.NoError(t, err)
	require.Equal(t, val, res.Val)
}

func TestReadAndRemoveAfterGrowth(t *testing.T) {
	key := crypto.GenerateKey()
	o := stepping.NewORAM(8)
	for i := 0; i < 3; i++ {
		require.NoError(t, o.Grow(key))
	}

	val := make([]byte, 8)
	require.NoError(t, o.Insert(oram.Key(1), val, key))

	res, err := o.ReadAndRemove(oram.Key(1), key)
	require.NoError(t, err)
	require.Equal(t, oram.Key(1), res.Key)

	res, err = o.Read(oram.Key(1), key)
	require.NoError(t, err)
	require.Equal(t, oram.Key(0), res.Key)
}

func TestShrinkDisabled(t *testing.T) {
	key := crypto.GenerateKey()
	o := stepping.NewORAM(8)
	require.NoError(t, o.Grow(key))
	err := o.Shrink(key)
	require.ErrorIs(t, err, stepping.ErrShrinkDisabled)
}

func TestOutOfRangeKeyPanics(t *testing.T) {
	key := crypto.GenerateKey()
	o := stepping.NewORAM(8)
	for i := 0; i < 4; i++ {
		require.NoError(t, o.Grow(key))
	}

	require.PanicsWithValue(t, stepping.ErrInvalidKey, func() { o.Read(oram.Key(0), key) })
	require.PanicsWithValue(t, stepping.ErrInvalidKey, func() { o.Read(oram.Key(5), key) })
}

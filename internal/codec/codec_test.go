package codec_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/etclab/dyno/internal/codec"
)

func TestUint32RoundTrip(t *testing.T) {
	buf := make([]byte, codec.Uint32Size)
	codec.PutUint32(buf, 0xdeadbeef)
	require.Equal(t, uint32(0xdeadbeef), codec.Uint32(buf))
}

func TestPointerRoundTrip(t *testing.T) {
	buf := make([]byte, codec.PointerSize)
	codec.PutPointer(buf, 7, 42)
	key, pos := codec.Pointer(buf)
	require.Equal(t, uint32(7), key)
	require.Equal(t, uint32(42), pos)
}

func TestPointerSizeIsTwoUint32s(t *testing.T) {
	require.Equal(t, 2*codec.Uint32Size, codec.PointerSize)
}

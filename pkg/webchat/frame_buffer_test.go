package webchat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameBuffer_SinceAndTrim(t *testing.T) {
	b := newFrameBuffer(3)
	for i := uint64(1); i <= 5; i++ {
		b.Add(i, []byte{byte('a' + i - 1)})
	}
	require.Equal(t, 3, b.Len())

	frames, ok := b.Since(3)
	require.True(t, ok)
	require.Equal(t, [][]byte{[]byte("d"), []byte("e")}, frames)

	frames, ok = b.Since(5)
	require.True(t, ok)
	require.Empty(t, frames)

	// frames 2 and 3 were trimmed
	_, ok = b.Since(1)
	require.False(t, ok)
}

func TestFrameBuffer_IgnoresEmptyFrames(t *testing.T) {
	b := newFrameBuffer(0)
	b.Add(1, nil)
	require.Zero(t, b.Len())
}

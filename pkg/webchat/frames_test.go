package webchat

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseClientFrame(t *testing.T) {
	f, err := ParseClientFrame([]byte(" PING "))
	require.NoError(t, err)
	require.Equal(t, ClientPing, f.Type)

	f, err = ParseClientFrame([]byte(`{"type":"Request","text":"hi","attachments":[{"id":"a1","name":"x.txt"}]}`))
	require.NoError(t, err)
	require.Equal(t, ClientRequest, f.Type)
	require.Equal(t, "hi", f.Text)
	require.Len(t, f.Attachments, 1)

	f, err = ParseClientFrame([]byte(`{"type":"stop","id":"m1"}`))
	require.NoError(t, err)
	require.Equal(t, "m1", f.ID)

	_, err = ParseClientFrame([]byte(`{"type":"stop"}`))
	require.ErrorContains(t, err, "without id")
	_, err = ParseClientFrame([]byte(`{}`))
	require.Error(t, err)
	_, err = ParseClientFrame([]byte(`not json`))
	require.Error(t, err)
}

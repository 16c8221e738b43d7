package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesJSONToFile(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "chatshell.log")
	s := DefaultSettings()
	s.Level = "debug"
	s.Format = "json"
	s.File = path
	require.NoError(t, Init(s))
	require.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	log.Debug().Str("component", "test").Msg("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"component":"test"`)
	require.Contains(t, string(data), `"message":"hello"`)
}

func TestInit_RejectsBadSettings(t *testing.T) {
	prev, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	s := DefaultSettings()
	s.Level = "loud"
	require.Error(t, Init(s))

	s = DefaultSettings()
	s.Format = "xml"
	require.Error(t, Init(s))
}

package theme

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveMode(t *testing.T) {
	require.Equal(t, ModeDark, ResolveMode(ModeSystem, true))
	require.Equal(t, ModeLight, ResolveMode(ModeSystem, false))
	require.Equal(t, ModeLight, ResolveMode(ModeLight, true))
	require.Equal(t, ModeDark, ResolveMode(ModeDark, false))
	require.Equal(t, ModeLight, ResolveMode("", false))
}

func TestApplier_ApplyAndClear(t *testing.T) {
	a := NewApplier()
	cfg := Config{
		Name:  "brand",
		Light: map[Var]string{Primary: "#0055ff", SidebarAccent: "#eef", Background: " "},
		Dark:  map[Var]string{Primary: "#88aaff"},
	}
	require.NoError(t, a.Apply(cfg, ModeLight))
	name, mode := a.Active()
	require.Equal(t, "brand", name)
	require.Equal(t, ModeLight, mode)
	require.Equal(t, ":root {\n  --primary: #0055ff;\n  --sidebar-accent: #eef;\n}\n", a.CSS(""))

	require.NoError(t, a.Apply(cfg, ModeDark))
	require.Equal(t, map[Var]string{Primary: "#88aaff"}, a.Values())

	require.Error(t, a.Apply(cfg, ModeSystem))

	a.Clear()
	require.Empty(t, a.Values())
	require.Equal(t, ".app {\n}\n", a.CSS(".app"))
}

func TestApplier_RejectsUnknownVariables(t *testing.T) {
	a := NewApplier()
	require.NoError(t, a.Apply(Default(), ModeLight))
	before := a.Values()

	err := a.Apply(Config{Name: "bad", Light: map[Var]string{"--nope": "red", Primary: "blue"}}, ModeLight)
	require.ErrorContains(t, err, "--nope")
	require.Equal(t, before, a.Values())
}

func TestCSS_SanitizesValues(t *testing.T) {
	a := NewApplier()
	require.NoError(t, a.Apply(Config{Light: map[Var]string{Primary: "red; } body { color: blue"}}, ModeLight))
	require.Equal(t, ":root {\n  --primary: red  body  color: blue;\n}\n", a.CSS(":root"))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "theme.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: ocean\nlight:\n  --primary: \"#06c\"\ndark:\n  --primary: \"#39f\"\n"), 0o644))
	c, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "ocean", c.Name)
	require.Equal(t, "#39f", c.Dark[Primary])

	require.NoError(t, os.WriteFile(path, []byte("name: x\nlight:\n  --bogus: red\n"), 0o644))
	_, err = LoadFile(path)
	require.Error(t, err)
}

func TestVarsAreKnown(t *testing.T) {
	for _, v := range Vars() {
		require.True(t, v.Known())
	}
	require.False(t, Var("--primary-x").Known())
}

package typography

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestElement_Defaults(t *testing.T) {
	require.Equal(t, "h1", Element(H1))
	require.Equal(t, "h6", Element(Subtitle1))
	require.Equal(t, "p", Element(Body2))
	require.Equal(t, "span", Element(Caption))
	require.Equal(t, Fallback, Element("display4"))
	require.Len(t, Variants(), 14)
}

func TestMapping_WithOverrides(t *testing.T) {
	base := Default()
	m, err := base.With(map[Variant]string{Body1: "DIV", "lead": "p"})
	require.NoError(t, err)
	require.Equal(t, "div", m.Element(Body1))
	require.Equal(t, "p", m.Element("lead"))
	require.Equal(t, "p", base.Element(Body1))

	_, err = base.With(map[Variant]string{H1: "script"})
	require.ErrorContains(t, err, "h1=script")
}

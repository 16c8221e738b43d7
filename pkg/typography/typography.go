// Package typography maps text variants to the HTML element that renders them.
package typography

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

type Variant string

const (
	H1        Variant = "h1"
	H2        Variant = "h2"
	H3        Variant = "h3"
	H4        Variant = "h4"
	H5        Variant = "h5"
	H6        Variant = "h6"
	Subtitle1 Variant = "subtitle1"
	Subtitle2 Variant = "subtitle2"
	Body1     Variant = "body1"
	Body2     Variant = "body2"
	Caption   Variant = "caption"
	Overline  Variant = "overline"
	Button    Variant = "button"
	Inherit   Variant = "inherit"
)

// Fallback is the element used for variants without a mapping.
const Fallback = "span"

var defaults = map[Variant]string{
	H1:        "h1",
	H2:        "h2",
	H3:        "h3",
	H4:        "h4",
	H5:        "h5",
	H6:        "h6",
	Subtitle1: "h6",
	Subtitle2: "h6",
	Body1:     "p",
	Body2:     "p",
	Caption:   "span",
	Overline:  "span",
	Button:    "span",
	Inherit:   "p",
}

var allowedElements = map[string]struct{}{
	"h1": {}, "h2": {}, "h3": {}, "h4": {}, "h5": {}, "h6": {},
	"p": {}, "span": {}, "div": {}, "label": {}, "legend": {}, "small": {}, "strong": {}, "em": {},
}

// Mapping is an immutable variant to element table.
type Mapping struct {
	m map[Variant]string
}

func Default() Mapping {
	return Mapping{m: defaults}
}

func Variants() []Variant {
	out := make([]Variant, 0, len(defaults))
	for v := range defaults {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Element returns the element for v, or Fallback for unknown variants.
func (m Mapping) Element(v Variant) string {
	if e, ok := m.m[v]; ok {
		return e
	}
	return Fallback
}

// Element looks v up in the default mapping.
func Element(v Variant) string {
	return Default().Element(v)
}

// With returns a copy with overrides applied. Overrides may add variants but
// must name a known HTML text element.
func (m Mapping) With(overrides map[Variant]string) (Mapping, error) {
	out := make(map[Variant]string, len(m.m)+len(overrides))
	for k, v := range m.m {
		out[k] = v
	}
	var bad []string
	for k, v := range overrides {
		e := strings.ToLower(strings.TrimSpace(v))
		if _, ok := allowedElements[e]; !ok || k == "" {
			bad = append(bad, string(k)+"="+v)
			continue
		}
		out[k] = e
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return m, errors.Errorf("invalid typography overrides: %s", strings.Join(bad, ", "))
	}
	return Mapping{m: out}, nil
}

package render

import (
	"strings"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

// Plain renders text with numbered citation markers and a trailing source list.
type Plain struct{}

func (Plain) Render(msg chat.Message) (string, error) {
	a := Annotate(msg, nil)
	if len(a.Sources) == 0 {
		return a.Text, nil
	}
	var b strings.Builder
	b.WriteString(a.Text)
	b.WriteString("\n\nSources:\n")
	for i, c := range a.Sources {
		b.WriteString(sourceLine(i+1, c, func(title, url string) string {
			if url == "" {
				return title
			}
			return title + " <" + url + ">"
		}))
		b.WriteString("\n")
	}
	return b.String(), nil
}

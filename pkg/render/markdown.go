package render

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

// Markdown renders message text as GitHub-flavoured markdown to HTML.
// Raw HTML in message text is not passed through.
type Markdown struct {
	md goldmark.Markdown
}

func NewMarkdown() *Markdown {
	return &Markdown{md: goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(html.WithXHTML()),
	)}
}

func (m *Markdown) Source(msg chat.Message) string {
	a := Annotate(msg, nil)
	if len(a.Sources) == 0 {
		return a.Text
	}
	var b strings.Builder
	b.WriteString(a.Text)
	b.WriteString("\n\n**Sources**\n\n")
	for i, c := range a.Sources {
		b.WriteString(sourceLine(i+1, c, markdownLink))
		b.WriteString("\n")
	}
	return b.String()
}

func markdownLink(title, url string) string {
	title = strings.NewReplacer("[", `\[`, "]", `\]`).Replace(title)
	if url == "" {
		return title
	}
	return "[" + title + "](" + url + ")"
}

func (m *Markdown) Render(msg chat.Message) (string, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(m.Source(msg)), &buf); err != nil {
		return "", errors.Wrapf(err, "render markdown for message %s", msg.ID)
	}
	return buf.String(), nil
}

// Package render turns chat messages into display text: HTML via goldmark,
// styled terminal output via glamour, or plain text with footnotes.
package render

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

type Renderer interface {
	Render(msg chat.Message) (string, error)
}

// Annotated is message text with numbered citation markers inserted at their anchors.
type Annotated struct {
	Text    string
	Sources []chat.Citation
}

// Annotate numbers citations by first appearance and inserts "[n]" after the text each
// citation was attached to. escape is applied to text runs, never to markers.
func Annotate(msg chat.Message, escape func(string) string) Annotated {
	if escape == nil {
		escape = func(s string) string { return s }
	}
	if len(msg.ContentParts) == 0 {
		return Annotated{Text: escape(msg.Content)}
	}
	parts := make([]chat.ContentPart, len(msg.ContentParts))
	copy(parts, msg.ContentParts)
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })

	numbers := map[string]int{}
	var sources []chat.Citation
	var b strings.Builder
	for _, p := range parts {
		byID := map[string]chat.Citation{}
		for _, c := range p.Citations {
			byID[c.ID] = c
		}
		anchors := append([]chat.CitationAnchor(nil), p.Anchors...)
		sort.SliceStable(anchors, func(i, j int) bool { return anchors[i].Offset < anchors[j].Offset })

		runes := []rune(p.Text)
		pos := 0
		for _, a := range anchors {
			c, ok := byID[a.CitationID]
			if !ok {
				continue
			}
			off := min(max(a.Offset, pos), len(runes))
			run := string(runes[pos:off])
			body := strings.TrimRightFunc(run, unicode.IsSpace)
			b.WriteString(escape(body))
			pos = off
			n, seen := numbers[c.ID]
			if !seen {
				sources = append(sources, c)
				n = len(sources)
				numbers[c.ID] = n
			}
			writeMarker(&b, n)
			// whitespace before the anchor moves after the marker
			b.WriteString(run[len(body):])
		}
		b.WriteString(escape(string(runes[pos:])))
	}
	return Annotated{Text: b.String(), Sources: sources}
}

// writeMarker separates the marker from preceding text by exactly one space.
func writeMarker(b *strings.Builder, n int) {
	if last, _ := utf8.DecodeLastRuneInString(b.String()); b.Len() > 0 && !unicode.IsSpace(last) {
		b.WriteByte(' ')
	}
	fmt.Fprintf(b, "[%d]", n)
}

func sourceLine(n int, c chat.Citation, link func(title, url string) string) string {
	line := fmt.Sprintf("%d. %s", n, link(c.Title, c.Link()))
	if c.PageNumber > 0 {
		line += fmt.Sprintf(" (p. %d)", c.PageNumber)
	}
	return line
}

// Names lists the renderers available through ByName.
func Names() []string {
	return []string{"markdown", "plain", "terminal"}
}

func ByName(name string) (Renderer, error) {
	switch name {
	case "markdown", "html":
		return NewMarkdown(), nil
	case "plain", "":
		return Plain{}, nil
	case "terminal":
		return NewTerminal("dark", 80)
	}
	return nil, errors.Errorf("unknown renderer %q", name)
}

package render

import (
	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

// Terminal renders the markdown source of a message with glamour.
type Terminal struct {
	md *Markdown
	tr *glamour.TermRenderer
}

// NewTerminal uses a glamour standard style ("dark", "light", "notty", ...).
func NewTerminal(style string, width int) (*Terminal, error) {
	opts := []glamour.TermRendererOption{glamour.WithStandardStyle(style)}
	if width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	tr, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create terminal renderer")
	}
	return &Terminal{md: NewMarkdown(), tr: tr}, nil
}

func (t *Terminal) Render(msg chat.Message) (string, error) {
	out, err := t.tr.Render(t.md.Source(msg))
	if err != nil {
		return "", errors.Wrapf(err, "render message %s for terminal", msg.ID)
	}
	return out, nil
}

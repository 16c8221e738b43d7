package chat

import (
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

type Attachment struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MIMEType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Citation references a web page (URL) or a downloadable document (DownloadURL + PageNumber).
type Citation struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	URL         string `json:"url,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	PageNumber  int    `json:"page_number,omitempty"`
}

func (c Citation) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("citation id is empty")
	}
	if strings.TrimSpace(c.Title) == "" {
		return errors.Errorf("citation %s: title is empty", c.ID)
	}
	if c.URL != "" && c.DownloadURL != "" {
		return errors.Errorf("citation %s: url and download_url are mutually exclusive", c.ID)
	}
	if c.PageNumber < 0 {
		return errors.Errorf("citation %s: negative page number", c.ID)
	}
	return nil
}

// Link returns whichever location the citation carries.
func (c Citation) Link() string {
	if c.URL != "" {
		return c.URL
	}
	return c.DownloadURL
}

// CitationAnchor pins a citation to the rune offset of its part's text at attach time.
type CitationAnchor struct {
	CitationID string `json:"citation_id"`
	Offset     int    `json:"offset"`
}

type ContentPart struct {
	Index     int              `json:"index"`
	Text      string           `json:"text"`
	Citations []Citation       `json:"citations"`
	Anchors   []CitationAnchor `json:"anchors,omitempty"`
}

func (p ContentPart) Clone() ContentPart {
	out := p
	out.Citations = append([]Citation(nil), p.Citations...)
	out.Anchors = append([]CitationAnchor(nil), p.Anchors...)
	return out
}

type Message struct {
	ID           string        `json:"id"`
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	Attachments  []Attachment  `json:"attachments,omitempty"`
	Stream       bool          `json:"stream,omitempty"`
	Done         bool          `json:"done,omitempty"`
	Stopped      bool          `json:"stopped,omitempty"`
	ContentParts []ContentPart `json:"content_parts,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

func (m Message) Clone() Message {
	out := m
	out.Attachments = append([]Attachment(nil), m.Attachments...)
	if m.ContentParts != nil {
		out.ContentParts = make([]ContentPart, 0, len(m.ContentParts))
		for _, p := range m.ContentParts {
			out.ContentParts = append(out.ContentParts, p.Clone())
		}
	}
	return out
}

// RenderedText is the visible text of the message: parts joined in index order,
// or Content when the message has no parts.
func (m Message) RenderedText() string {
	if len(m.ContentParts) == 0 {
		return m.Content
	}
	parts := append([]ContentPart(nil), m.ContentParts...)
	sort.SliceStable(parts, func(i, j int) bool { return parts[i].Index < parts[j].Index })
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

// Citations returns every citation of the message in part order, deduplicated by id.
func (m Message) Citations() []Citation {
	seen := map[string]struct{}{}
	var out []Citation
	for _, p := range m.ContentParts {
		for _, c := range p.Citations {
			if _, ok := seen[c.ID]; ok {
				continue
			}
			seen[c.ID] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

type ContentPartChunk struct {
	Index    int       `json:"index"`
	Text     string    `json:"text"`
	Citation *Citation `json:"citation,omitempty"`
}

// Chunk is one streaming event for a logical message. Exactly one of Content or
// ContentPartChunk carries payload; a final chunk may carry neither.
type Chunk struct {
	ID               string            `json:"id"`
	Content          string            `json:"content,omitempty"`
	ContentPartChunk *ContentPartChunk `json:"contentPartChunk,omitempty"`
	Stream           bool              `json:"stream"`
	Done             bool              `json:"done"`
}

func (c Chunk) IsPartChunk() bool {
	return c.ContentPartChunk != nil
}

type Model struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

type AgentMode struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

type Suggestion struct {
	ID   string `json:"id" yaml:"id"`
	Text string `json:"text" yaml:"text"`
}

type ConversationSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

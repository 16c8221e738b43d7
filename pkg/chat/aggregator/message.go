package aggregator

import (
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

var (
	ErrEmptyID        = errors.New("aggregator: chunk id is empty")
	ErrIDMismatch     = errors.New("aggregator: chunk id does not match message")
	ErrFinalized      = errors.New("aggregator: message is already done")
	ErrStopped        = errors.New("aggregator: message was stopped")
	ErrModeMismatch   = errors.New("aggregator: chunk shape does not match message stream mode")
	ErrAmbiguousChunk = errors.New("aggregator: chunk carries both content and contentPartChunk")
	ErrNegativeIndex  = errors.New("aggregator: content part index is negative")
)

// Mode is locked by the first content-bearing chunk of a message.
type Mode int

const (
	ModeUnset Mode = iota
	ModeWhole
	ModeParts
)

func (m Mode) String() string {
	switch m {
	case ModeWhole:
		return "whole"
	case ModeParts:
		return "parts"
	default:
		return "unset"
	}
}

type Status string

const (
	StatusStreaming Status = "streaming"
	StatusDone      Status = "done"
	StatusStopped   Status = "stopped"
)

type partAccumulator struct {
	index     int
	text      strings.Builder
	runes     int
	citations []chat.Citation
	anchors   []chat.CitationAnchor
	seen      map[string]struct{}
}

func (p *partAccumulator) appendText(s string) {
	if s == "" {
		return
	}
	p.text.WriteString(s)
	p.runes += utf8.RuneCountInString(s)
}

// attach pins c to the end of the text accumulated so far at this index.
func (p *partAccumulator) attach(c chat.Citation) {
	if p.seen == nil {
		p.seen = map[string]struct{}{}
	}
	if _, ok := p.seen[c.ID]; ok {
		return
	}
	p.seen[c.ID] = struct{}{}
	p.citations = append(p.citations, c)
	p.anchors = append(p.anchors, chat.CitationAnchor{CitationID: c.ID, Offset: p.runes})
}

func (p *partAccumulator) snapshot() chat.ContentPart {
	return chat.ContentPart{
		Index:     p.index,
		Text:      p.text.String(),
		Citations: append([]chat.Citation{}, p.citations...),
		Anchors:   append([]chat.CitationAnchor(nil), p.anchors...),
	}
}

// MessageAggregator rebuilds one logical streamed message from its chunks.
type MessageAggregator struct {
	id   string
	role chat.Role
	now  func() time.Time

	// emit orders the Aggregator callbacks of this message
	emit sync.Mutex

	mu        sync.Mutex
	mode      Mode
	status    Status
	content   strings.Builder
	parts     map[int]*partAccumulator
	chunks    int
	createdAt time.Time
	updatedAt time.Time
}

type MessageOption func(*MessageAggregator)

func WithRole(role chat.Role) MessageOption {
	return func(a *MessageAggregator) {
		if role.Valid() {
			a.role = role
		}
	}
}

func WithClock(now func() time.Time) MessageOption {
	return func(a *MessageAggregator) {
		if now != nil {
			a.now = now
		}
	}
}

func NewMessageAggregator(id string, opts ...MessageOption) *MessageAggregator {
	a := &MessageAggregator{
		id:     id,
		role:   chat.RoleAssistant,
		now:    time.Now,
		status: StatusStreaming,
		parts:  map[int]*partAccumulator{},
	}
	for _, o := range opts {
		o(a)
	}
	a.createdAt = a.now()
	a.updatedAt = a.createdAt
	return a
}

func (a *MessageAggregator) ID() string { return a.id }

func (a *MessageAggregator) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Accepted is the number of chunks applied so far.
func (a *MessageAggregator) Accepted() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.chunks
}

func (a *MessageAggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Apply folds c into the message. Rejected chunks leave the message untouched.
func (a *MessageAggregator) Apply(c chat.Chunk) (chat.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if c.ID != a.id {
		return a.snapshotLocked(), errors.Wrapf(ErrIDMismatch, "got %q, want %q", c.ID, a.id)
	}
	switch a.status {
	case StatusDone:
		return a.snapshotLocked(), ErrFinalized
	case StatusStopped:
		return a.snapshotLocked(), ErrStopped
	case StatusStreaming:
	}
	if c.IsPartChunk() && c.Content != "" {
		return a.snapshotLocked(), ErrAmbiguousChunk
	}

	if c.IsPartChunk() {
		pc := c.ContentPartChunk
		if a.mode == ModeWhole {
			return a.snapshotLocked(), ErrModeMismatch
		}
		if pc.Index < 0 {
			return a.snapshotLocked(), errors.Wrapf(ErrNegativeIndex, "index %d", pc.Index)
		}
		if pc.Citation != nil {
			if err := pc.Citation.Validate(); err != nil {
				return a.snapshotLocked(), errors.Wrap(err, "aggregator: invalid citation")
			}
		}
		if pc.Text != "" || pc.Citation != nil {
			a.mode = ModeParts
			part := a.parts[pc.Index]
			if part == nil {
				part = &partAccumulator{index: pc.Index}
				a.parts[pc.Index] = part
			}
			part.appendText(pc.Text)
			if pc.Citation != nil {
				part.attach(*pc.Citation)
			}
		}
	} else if c.Content != "" {
		if a.mode == ModeParts {
			return a.snapshotLocked(), ErrModeMismatch
		}
		a.mode = ModeWhole
		a.content.WriteString(c.Content)
	}

	a.chunks++
	if c.Done {
		a.status = StatusDone
	}
	a.updatedAt = a.now()
	return a.snapshotLocked(), nil
}

// Stop freezes the message as-is and reports whether it was still streaming.
// Stopping a finished message changes nothing.
func (a *MessageAggregator) Stop() (chat.Message, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusStreaming {
		return a.snapshotLocked(), false
	}
	a.status = StatusStopped
	a.updatedAt = a.now()
	return a.snapshotLocked(), true
}

func (a *MessageAggregator) Snapshot() chat.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *MessageAggregator) snapshotLocked() chat.Message {
	msg := chat.Message{
		ID:        a.id,
		Role:      a.role,
		Stream:    true,
		Done:      a.status == StatusDone,
		Stopped:   a.status == StatusStopped,
		CreatedAt: a.createdAt,
		UpdatedAt: a.updatedAt,
	}
	if a.mode == ModeParts {
		indices := make([]int, 0, len(a.parts))
		for idx := range a.parts {
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		var b strings.Builder
		msg.ContentParts = make([]chat.ContentPart, 0, len(indices))
		for _, idx := range indices {
			p := a.parts[idx].snapshot()
			b.WriteString(p.Text)
			msg.ContentParts = append(msg.ContentParts, p)
		}
		msg.Content = b.String()
		return msg
	}
	msg.Content = a.content.String()
	return msg
}

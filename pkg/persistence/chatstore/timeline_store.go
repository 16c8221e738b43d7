package chatstore

import (
	"cmp"
	"context"
	"strings"
	"time"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

// ConversationRecord is the conversation index row used for history listings.
type ConversationRecord struct {
	ConvID          string `json:"conv_id"`
	UserID          string `json:"user_id"`
	Title           string `json:"title"`
	CreatedAtMs     int64  `json:"created_at_ms"`
	LastActivityMs  int64  `json:"last_activity_ms"`
	LastSeenVersion uint64 `json:"last_seen_version"`
	HasTimeline     bool   `json:"has_timeline"`
	Status          string `json:"status"`
	LastError       string `json:"last_error,omitempty"`
}

const defaultConversationLimit = 200

// StatusActive is assumed for conversations that never reported a status.
const StatusActive = "active"

// withDefaults trims the text fields and fills timestamps and status.
func (r ConversationRecord) withDefaults(now int64) ConversationRecord {
	for _, f := range []*string{&r.ConvID, &r.UserID, &r.Title, &r.Status, &r.LastError} {
		*f = strings.TrimSpace(*f)
	}
	if r.CreatedAtMs <= 0 {
		r.CreatedAtMs = now
	}
	if r.LastActivityMs <= 0 {
		r.LastActivityMs = r.CreatedAtMs
	}
	if r.Status == "" {
		r.Status = StatusActive
	}
	r.HasTimeline = r.HasTimeline || r.LastSeenVersion > 0
	return r
}

// mergeOnto applies r as a partial update of prev. Empty fields of r keep prev's
// values, creation time never moves and activity and version only grow.
func (r ConversationRecord) mergeOnto(prev ConversationRecord, now int64) ConversationRecord {
	statusGiven := strings.TrimSpace(r.Status) != ""
	next := r.withDefaults(now)
	if prev.ConvID == "" {
		return next
	}
	if !statusGiven {
		next.Status = prev.Status
	}
	next.CreatedAtMs = prev.CreatedAtMs
	next.LastActivityMs = max(next.LastActivityMs, prev.LastActivityMs)
	next.LastSeenVersion = max(next.LastSeenVersion, prev.LastSeenVersion)
	next.HasTimeline = next.HasTimeline || prev.HasTimeline
	next.UserID = cmp.Or(next.UserID, prev.UserID)
	next.Title = cmp.Or(next.Title, prev.Title)
	next.LastError = cmp.Or(next.LastError, prev.LastError)
	return next
}

// Summary converts the record into the history entry shown by the widget.
func (r ConversationRecord) Summary() chat.ConversationSummary {
	title := r.Title
	if title == "" {
		title = r.ConvID
	}
	return chat.ConversationSummary{
		ID:        r.ConvID,
		Title:     title,
		UpdatedAt: time.UnixMilli(r.LastActivityMs).UTC(),
	}
}

// Entry is one persisted message with the projection version of its last write.
type Entry struct {
	Message     chat.Message `json:"message"`
	Version     uint64       `json:"version"`
	CreatedAtMs int64        `json:"created_at_ms"`
	UpdatedAtMs int64        `json:"updated_at_ms"`
}

type Snapshot struct {
	ConvID       string  `json:"conv_id"`
	Version      uint64  `json:"version"`
	ServerTimeMs int64   `json:"server_time_ms"`
	Entries      []Entry `json:"entries"`
}

// Messages returns the snapshot messages in projection order.
func (s Snapshot) Messages() []chat.Message {
	out := make([]chat.Message, 0, len(s.Entries))
	for _, e := range s.Entries {
		out = append(out, e.Message)
	}
	return out
}

// TimelineStore is the durable hydration store for conversation messages.
//
// A message is upserted under a per-conversation monotonic version; snapshots
// can be taken in full or incrementally since a version.
type TimelineStore interface {
	Upsert(ctx context.Context, convID string, version uint64, msg chat.Message) error
	GetSnapshot(ctx context.Context, convID string, sinceVersion uint64, limit int) (Snapshot, error)
	UpsertConversation(ctx context.Context, record ConversationRecord) error
	GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error)
	ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error)
	Close() error
}

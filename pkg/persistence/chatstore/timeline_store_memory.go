package chatstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

// InMemoryTimelineStore is a size-limited TimelineStore that follows the
// ordering semantics of the SQLite store.
type InMemoryTimelineStore struct {
	mu                sync.Mutex
	maxEntriesPerConv int
	convs             map[string]*inMemTimeline
	conversations     map[string]ConversationRecord
}

type inMemTimeline struct {
	version uint64
	entries map[string]Entry
}

var _ TimelineStore = &InMemoryTimelineStore{}

func NewInMemoryTimelineStore(maxEntriesPerConv int) *InMemoryTimelineStore {
	if maxEntriesPerConv <= 0 {
		maxEntriesPerConv = 5000
	}
	return &InMemoryTimelineStore{
		maxEntriesPerConv: maxEntriesPerConv,
		convs:             map[string]*inMemTimeline{},
		conversations:     map[string]ConversationRecord{},
	}
}

var errNilMemoryStore = errors.New("in-memory timeline store: nil store")

func (s *InMemoryTimelineStore) Close() error { return nil }

func (s *InMemoryTimelineStore) UpsertConversation(_ context.Context, record ConversationRecord) error {
	if s == nil {
		return errNilMemoryStore
	}
	id := strings.TrimSpace(record.ConvID)
	if id == "" {
		return errors.New("in-memory timeline store: conversation record has no conv id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations[id] = record.mergeOnto(s.conversations[id], time.Now().UnixMilli())
	return nil
}

func (s *InMemoryTimelineStore) GetConversation(_ context.Context, convID string) (ConversationRecord, bool, error) {
	if s == nil {
		return ConversationRecord{}, false, errNilMemoryStore
	}
	id := strings.TrimSpace(convID)
	if id == "" {
		return ConversationRecord{}, false, errors.New("in-memory timeline store: empty conv id")
	}
	s.mu.Lock()
	rec, ok := s.conversations[id]
	s.mu.Unlock()
	return rec, ok, nil
}

// ListConversations returns the most recently active conversations first.
func (s *InMemoryTimelineStore) ListConversations(_ context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	if s == nil {
		return nil, errNilMemoryStore
	}
	s.mu.Lock()
	out := make([]ConversationRecord, 0, len(s.conversations))
	for _, rec := range s.conversations {
		if rec.LastActivityMs >= sinceMs {
			out = append(out, rec)
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.LastActivityMs != b.LastActivityMs {
			return a.LastActivityMs > b.LastActivityMs
		}
		return a.ConvID < b.ConvID
	})
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	return out[:min(limit, len(out))], nil
}

func validateUpsert(prefix, convID string, version uint64, msg chat.Message) error {
	if convID == "" {
		return errors.New(prefix + ": convID is empty")
	}
	if version == 0 {
		return errors.New(prefix + ": version is 0")
	}
	if msg.ID == "" {
		return errors.New(prefix + ": message id is empty")
	}
	if !msg.Role.Valid() {
		return errors.Errorf("%s: message %s has invalid role %q", prefix, msg.ID, msg.Role)
	}
	return nil
}

func (s *InMemoryTimelineStore) Upsert(_ context.Context, convID string, version uint64, msg chat.Message) error {
	if s == nil {
		return errNilMemoryStore
	}
	if err := validateUpsert("in-memory timeline store", convID, version, msg); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.convs[convID]
	if conv == nil {
		conv = &inMemTimeline{entries: map[string]Entry{}}
		s.convs[convID] = conv
	}

	existing, seen := conv.entries[msg.ID]
	if seen && version < existing.Version {
		// stale write from a slower producer
		return nil
	}

	now := time.Now().UnixMilli()
	createdAt := now
	if !msg.CreatedAt.IsZero() {
		createdAt = msg.CreatedAt.UnixMilli()
	}
	if seen && existing.CreatedAtMs > 0 {
		createdAt = existing.CreatedAtMs
	}

	conv.entries[msg.ID] = Entry{
		Message:     msg.Clone(),
		Version:     version,
		CreatedAtMs: createdAt,
		UpdatedAtMs: now,
	}
	if version > conv.version {
		conv.version = version
	}
	progress := ConversationRecord{ConvID: convID, LastActivityMs: now, LastSeenVersion: conv.version}
	s.conversations[convID] = progress.mergeOnto(s.conversations[convID], now)

	// evict the oldest versions past the per-conversation limit
	if len(conv.entries) > s.maxEntriesPerConv {
		ordered := sortedEntries(conv.entries)
		toDrop := len(conv.entries) - s.maxEntriesPerConv
		for i := 0; i < toDrop && i < len(ordered); i++ {
			delete(conv.entries, ordered[i].Message.ID)
		}
	}
	return nil
}

func sortedEntries(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Version == out[j].Version {
			return out[i].Message.ID < out[j].Message.ID
		}
		return out[i].Version < out[j].Version
	})
	return out
}

func (s *InMemoryTimelineStore) GetSnapshot(_ context.Context, convID string, sinceVersion uint64, limit int) (Snapshot, error) {
	if s == nil {
		return Snapshot{}, errNilMemoryStore
	}
	if convID == "" {
		return Snapshot{}, errors.New("in-memory timeline store: convID is empty")
	}
	if limit <= 0 {
		limit = 5000
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{ConvID: convID, ServerTimeMs: time.Now().UnixMilli()}
	conv := s.convs[convID]
	if conv == nil {
		return snap, nil
	}
	snap.Version = conv.version
	for _, e := range sortedEntries(conv.entries) {
		if sinceVersion > 0 && e.Version <= sinceVersion {
			continue
		}
		if len(snap.Entries) == limit {
			break
		}
		e.Message = e.Message.Clone()
		snap.Entries = append(snap.Entries, e)
	}
	return snap, nil
}

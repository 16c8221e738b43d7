package chatstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

// SQLiteTimelineStore keeps one JSON row per (conv_id, message_id), a head version per
// conversation and the conversation index.
type SQLiteTimelineStore struct {
	db *sql.DB
}

var _ TimelineStore = &SQLiteTimelineStore{}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS timeline_heads (
	conv_id TEXT PRIMARY KEY,
	version INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS timeline_messages (
	conv_id       TEXT NOT NULL,
	message_id    TEXT NOT NULL,
	role          TEXT NOT NULL,
	done          INTEGER NOT NULL DEFAULT 0,
	stopped       INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	updated_at_ms INTEGER NOT NULL,
	version       INTEGER NOT NULL,
	body          TEXT NOT NULL,
	PRIMARY KEY (conv_id, message_id)
);
CREATE INDEX IF NOT EXISTS timeline_messages_version ON timeline_messages(conv_id, version);
CREATE TABLE IF NOT EXISTS conversations (
	conv_id           TEXT PRIMARY KEY,
	user_id           TEXT NOT NULL DEFAULT '',
	title             TEXT NOT NULL DEFAULT '',
	created_at_ms     INTEGER NOT NULL,
	last_activity_ms  INTEGER NOT NULL,
	last_seen_version INTEGER NOT NULL DEFAULT 0,
	has_timeline      INTEGER NOT NULL DEFAULT 0,
	status            TEXT NOT NULL DEFAULT '',
	last_error        TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS conversations_recent ON conversations(last_activity_ms DESC, conv_id);
CREATE INDEX IF NOT EXISTS conversations_user ON conversations(user_id);
`

func sqliteErr(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, "sqlite timeline store: "+op)
}

func NewSQLiteTimelineStore(dsn string) (*SQLiteTimelineStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite timeline store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, sqliteErr(err, "open")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, sqliteErr(err, "migrate")
	}
	return &SQLiteTimelineStore{db: db}, nil
}

// SQLiteTimelineDSNForFile enables WAL and a busy timeout for one writer with concurrent readers.
func SQLiteTimelineDSNForFile(path string) (string, error) {
	if path == "" {
		return "", errors.New("sqlite timeline store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteTimelineStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteTimelineStore) ready(ctx context.Context) (context.Context, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("sqlite timeline store: db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx, nil
}

// An empty status or text field never overwrites a stored value.
const upsertConversationSQL = `
INSERT INTO conversations (
	conv_id, user_id, title, created_at_ms, last_activity_ms,
	last_seen_version, has_timeline, status, last_error
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(conv_id) DO UPDATE SET
	user_id           = COALESCE(NULLIF(excluded.user_id, ''), conversations.user_id),
	title             = COALESCE(NULLIF(excluded.title, ''), conversations.title),
	status            = COALESCE(NULLIF(excluded.status, ''), conversations.status),
	last_error        = COALESCE(NULLIF(excluded.last_error, ''), conversations.last_error),
	last_activity_ms  = MAX(conversations.last_activity_ms, excluded.last_activity_ms),
	last_seen_version = MAX(conversations.last_seen_version, excluded.last_seen_version),
	has_timeline      = MAX(conversations.has_timeline, excluded.has_timeline)
`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func writeConversation(ctx context.Context, db execer, rec ConversationRecord) error {
	seen, err := toSQLInt(rec.LastSeenVersion)
	if err != nil {
		return sqliteErr(err, "last_seen_version")
	}
	_, err = db.ExecContext(ctx, upsertConversationSQL,
		rec.ConvID, rec.UserID, rec.Title, rec.CreatedAtMs, rec.LastActivityMs,
		seen, boolToInt(rec.HasTimeline), rec.Status, rec.LastError)
	return sqliteErr(err, "upsert conversation")
}

func (s *SQLiteTimelineStore) UpsertConversation(ctx context.Context, record ConversationRecord) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	statusGiven := strings.TrimSpace(record.Status) != ""
	record = record.withDefaults(time.Now().UnixMilli())
	if record.ConvID == "" {
		return errors.New("sqlite timeline store: conversation record has no conv id")
	}
	if !statusGiven {
		record.Status = ""
	}
	return writeConversation(ctx, s.db, record)
}

const conversationColumns = `conv_id, user_id, title, created_at_ms, last_activity_ms,
	last_seen_version, has_timeline, status, last_error`

type rowScanner interface {
	Scan(dest ...any) error
}

func readConversation(row rowScanner) (ConversationRecord, error) {
	var (
		rec      ConversationRecord
		seen     int64
		timeline int64
	)
	err := row.Scan(&rec.ConvID, &rec.UserID, &rec.Title, &rec.CreatedAtMs, &rec.LastActivityMs,
		&seen, &timeline, &rec.Status, &rec.LastError)
	if err != nil {
		return ConversationRecord{}, err
	}
	if rec.LastSeenVersion, err = fromSQLInt(seen); err != nil {
		return ConversationRecord{}, sqliteErr(err, "conversation version")
	}
	rec.HasTimeline = timeline != 0
	rec.Status = statusOrActive(rec.Status)
	return rec, nil
}

func statusOrActive(status string) string {
	if status == "" {
		return StatusActive
	}
	return status
}

func (s *SQLiteTimelineStore) GetConversation(ctx context.Context, convID string) (ConversationRecord, bool, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return ConversationRecord{}, false, err
	}
	id := strings.TrimSpace(convID)
	if id == "" {
		return ConversationRecord{}, false, errors.New("sqlite timeline store: empty conv id")
	}
	rec, err := readConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE conv_id = ?`, id))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ConversationRecord{}, false, nil
	case err != nil:
		return ConversationRecord{}, false, sqliteErr(err, "get conversation")
	}
	return rec, true, nil
}

// ListConversations returns the most recently active conversations first.
func (s *SQLiteTimelineStore) ListConversations(ctx context.Context, limit int, sinceMs int64) ([]ConversationRecord, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultConversationLimit
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE last_activity_ms >= ?
		ORDER BY last_activity_ms DESC, conv_id ASC
		LIMIT ?`, sinceMs, limit)
	if err != nil {
		return nil, sqliteErr(err, "list conversations")
	}
	defer func() { _ = rows.Close() }()

	var out []ConversationRecord
	for rows.Next() {
		rec, err := readConversation(rows)
		if err != nil {
			return nil, sqliteErr(err, "scan conversation")
		}
		out = append(out, rec)
	}
	return out, sqliteErr(rows.Err(), "list conversations")
}

const upsertMessageSQL = `
INSERT INTO timeline_messages (conv_id, message_id, role, done, stopped, created_at_ms, updated_at_ms, version, body)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(conv_id, message_id) DO UPDATE SET
	role          = excluded.role,
	done          = excluded.done,
	stopped       = excluded.stopped,
	updated_at_ms = excluded.updated_at_ms,
	version       = excluded.version,
	body          = excluded.body
WHERE excluded.version >= timeline_messages.version
`

// Upsert writes the message, advances the head version and the conversation index in one
// transaction. created_at_ms is fixed by the first write and writes older than the stored
// version of a message are ignored.
func (s *SQLiteTimelineStore) Upsert(ctx context.Context, convID string, version uint64, msg chat.Message) error {
	ctx, err := s.ready(ctx)
	if err != nil {
		return err
	}
	if err := validateUpsert("sqlite timeline store", convID, version, msg); err != nil {
		return err
	}
	v, err := toSQLInt(version)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return sqliteErr(err, "encode message")
	}
	now := time.Now().UnixMilli()
	created := now
	if !msg.CreatedAt.IsZero() {
		created = msg.CreatedAt.UnixMilli()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return sqliteErr(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, upsertMessageSQL, convID, msg.ID, string(msg.Role),
		boolToInt(msg.Done), boolToInt(msg.Stopped), created, now, v, string(body)); err != nil {
		return sqliteErr(err, "upsert message")
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO timeline_heads (conv_id, version) VALUES (?, ?)
		ON CONFLICT(conv_id) DO UPDATE SET version = MAX(timeline_heads.version, excluded.version)`,
		convID, v); err != nil {
		return sqliteErr(err, "advance head")
	}
	var head int64
	if err := tx.QueryRowContext(ctx, `SELECT version FROM timeline_heads WHERE conv_id = ?`, convID).Scan(&head); err != nil {
		return sqliteErr(err, "read head")
	}
	headU, err := fromSQLInt(head)
	if err != nil {
		return err
	}
	if err := writeConversation(ctx, tx, ConversationRecord{
		ConvID:          convID,
		CreatedAtMs:     now,
		LastActivityMs:  now,
		LastSeenVersion: headU,
		HasTimeline:     true,
	}); err != nil {
		return err
	}
	return sqliteErr(tx.Commit(), "commit")
}

func (s *SQLiteTimelineStore) GetSnapshot(ctx context.Context, convID string, sinceVersion uint64, limit int) (Snapshot, error) {
	ctx, err := s.ready(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	if convID == "" {
		return Snapshot{}, errors.New("sqlite timeline store: convID is empty")
	}
	if limit <= 0 {
		limit = 5000
	}
	since, err := toSQLInt(sinceVersion)
	if err != nil {
		return Snapshot{}, err
	}

	snap := Snapshot{ConvID: convID, ServerTimeMs: time.Now().UnixMilli()}
	var head int64
	err = s.db.QueryRowContext(ctx, `SELECT version FROM timeline_heads WHERE conv_id = ?`, convID).Scan(&head)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, sqliteErr(err, "read head")
	}
	if snap.Version, err = fromSQLInt(head); err != nil {
		return Snapshot{}, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT body, version, created_at_ms, updated_at_ms
		FROM timeline_messages
		WHERE conv_id = ? AND version > ?
		ORDER BY version ASC, message_id ASC
		LIMIT ?`, convID, since, limit)
	if err != nil {
		return Snapshot{}, sqliteErr(err, "query snapshot")
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			body string
			v    int64
			e    Entry
		)
		if err := rows.Scan(&body, &v, &e.CreatedAtMs, &e.UpdatedAtMs); err != nil {
			return Snapshot{}, sqliteErr(err, "scan message")
		}
		if err := json.Unmarshal([]byte(body), &e.Message); err != nil {
			return Snapshot{}, sqliteErr(err, "decode message")
		}
		if e.Version, err = fromSQLInt(v); err != nil {
			return Snapshot{}, err
		}
		snap.Entries = append(snap.Entries, e)
	}
	return snap, sqliteErr(rows.Err(), "query snapshot")
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func toSQLInt(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, errors.Errorf("sqlite timeline store: version %d overflows int64", v)
	}
	return int64(v), nil
}

func fromSQLInt(v int64) (uint64, error) {
	if v < 0 {
		return 0, errors.Errorf("sqlite timeline store: negative version %d", v)
	}
	return uint64(v), nil
}

// Package attachments stores files uploaded with chat requests.
package attachments

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/config"
)

var (
	ErrNotFound = errors.New("attachment not found")
	ErrTooLarge = errors.New("attachment exceeds the size limit")
)

// Upload is an incoming file. Size is -1 when unknown.
type Upload struct {
	Name     string
	MIMEType string
	Size     int64
	Body     io.Reader
}

type Store interface {
	Put(ctx context.Context, up Upload) (chat.Attachment, error)
	Open(ctx context.Context, id string) (io.ReadCloser, chat.Attachment, error)
}

// CleanName keeps the base name and drops path separators.
func CleanName(name string) string {
	name = path.Base(strings.ReplaceAll(strings.TrimSpace(name), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// PolicyStore enforces the current attachment policy before delegating.
type PolicyStore struct {
	inner  Store
	policy func() config.AttachmentPolicy
}

func NewPolicyStore(inner Store, policy func() config.AttachmentPolicy) *PolicyStore {
	return &PolicyStore{inner: inner, policy: policy}
}

// Put buffers the body up to the size limit, sniffs a missing MIME type and checks the policy.
func (s *PolicyStore) Put(ctx context.Context, up Upload) (chat.Attachment, error) {
	if up.Body == nil {
		return chat.Attachment{}, errors.New("upload has no body")
	}
	p := s.policy()
	r := up.Body
	if p.MaxSizeBytes > 0 {
		r = io.LimitReader(up.Body, p.MaxSizeBytes+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return chat.Attachment{}, errors.Wrap(err, "read upload")
	}
	if p.MaxSizeBytes > 0 && int64(len(data)) > p.MaxSizeBytes {
		return chat.Attachment{}, errors.Wrapf(ErrTooLarge, "%s", up.Name)
	}
	up.Name = CleanName(up.Name)
	up.Size = int64(len(data))
	if up.MIMEType == "" {
		up.MIMEType = http.DetectContentType(data)
	}
	if err := p.Allows(up.Name, up.MIMEType, up.Size); err != nil {
		return chat.Attachment{}, err
	}
	up.Body = bytes.NewReader(data)
	return s.inner.Put(ctx, up)
}

func (s *PolicyStore) Open(ctx context.Context, id string) (io.ReadCloser, chat.Attachment, error) {
	return s.inner.Open(ctx, id)
}

type memoryEntry struct {
	att  chat.Attachment
	data []byte
}

// MemoryStore keeps uploads in process. URLs point at URLPrefix + id.
type MemoryStore struct {
	URLPrefix string

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

func NewMemoryStore(urlPrefix string) *MemoryStore {
	return &MemoryStore{URLPrefix: urlPrefix, entries: map[string]memoryEntry{}}
}

func (s *MemoryStore) Put(_ context.Context, up Upload) (chat.Attachment, error) {
	data, err := io.ReadAll(up.Body)
	if err != nil {
		return chat.Attachment{}, errors.Wrap(err, "read upload")
	}
	id := uuid.NewString()
	att := chat.Attachment{
		ID:       id,
		Name:     CleanName(up.Name),
		MIMEType: up.MIMEType,
		Size:     int64(len(data)),
		URL:      s.URLPrefix + id,
	}
	s.mu.Lock()
	s.entries[id] = memoryEntry{att: att, data: data}
	s.mu.Unlock()
	return att, nil
}

func (s *MemoryStore) Open(_ context.Context, id string) (io.ReadCloser, chat.Attachment, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, chat.Attachment{}, errors.Wrapf(ErrNotFound, "%s", id)
	}
	return io.NopCloser(bytes.NewReader(e.data)), e.att, nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

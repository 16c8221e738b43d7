package prefs

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// FilePort keeps all keys in one JSON object on disk. Writes from other
// processes are picked up with fsnotify.
type FilePort struct {
	path string
	mu   sync.Mutex
}

var _ Port = &FilePort{}

func NewFilePort(path string) (*FilePort, error) {
	if path == "" {
		return nil, errors.New("prefs: file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "prefs: create directory")
	}
	return &FilePort{path: path}, nil
}

func (p *FilePort) Path() string { return p.path }

func (p *FilePort) read() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "prefs: read file")
	}
	out := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errors.Wrapf(err, "prefs: parse %s", p.path)
	}
	return out, nil
}

func (p *FilePort) Load(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	values, err := p.read()
	if err != nil {
		return nil, false, err
	}
	v, ok := values[key]
	return []byte(v), ok, nil
}

// Save rewrites the file through a temp file and rename.
func (p *FilePort) Save(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return errors.Errorf("prefs: value for %q is not valid JSON", key)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	values, err := p.read()
	if err != nil {
		return err
	}
	values[key] = json.RawMessage(append([]byte(nil), value...))
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return errors.Wrap(err, "prefs: encode file")
	}
	tmp, err := os.CreateTemp(filepath.Dir(p.path), ".prefs-*.json")
	if err != nil {
		return errors.Wrap(err, "prefs: create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "prefs: write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "prefs: close temp file")
	}
	if err := os.Rename(tmp.Name(), p.path); err != nil {
		_ = os.Remove(tmp.Name())
		return errors.Wrap(err, "prefs: replace file")
	}
	return nil
}

// Watch watches the parent directory so rename-based replacements are seen,
// and reports keys whose values differ from the previous read.
func (p *FilePort) Watch(ctx context.Context, fn WatchFunc) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "prefs: create watcher")
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(p.path)); err != nil {
		return errors.Wrap(err, "prefs: watch directory")
	}

	p.mu.Lock()
	last, err := p.read()
	p.mu.Unlock()
	if err != nil {
		return err
	}
	target := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Str("component", "prefs").Str("path", p.path).Msg("watch error")
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			p.mu.Lock()
			current, err := p.read()
			p.mu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("component", "prefs").Str("path", p.path).Msg("reload failed")
				continue
			}
			for _, key := range changedKeys(last, current) {
				v, ok := current[key]
				fn(key, []byte(v), ok)
			}
			last = current
		}
	}
}

func changedKeys(before, after map[string]json.RawMessage) []string {
	var keys []string
	for k, v := range after {
		if old, ok := before[k]; !ok || !bytes.Equal(old, v) {
			keys = append(keys, k)
		}
	}
	for k := range before {
		if _, ok := after[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Package prefs holds UI preferences (sidebar state, colour theme) behind an
// injected persistence port. Stores sharing a backend stay in sync through
// Run, which applies writes made by other stores and notifies subscribers.
package prefs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	SidebarKey      = "sidebar-collapsed"
	DefaultThemeKey = "theme"
)

type Theme string

const (
	ThemeLight  Theme = "light"
	ThemeDark   Theme = "dark"
	ThemeSystem Theme = "system"
)

func (t Theme) Valid() bool {
	switch t {
	case ThemeLight, ThemeDark, ThemeSystem:
		return true
	}
	return false
}

func ParseTheme(s string) (Theme, error) {
	t := Theme(s)
	if !t.Valid() {
		return "", errors.Errorf("invalid theme %q (want light, dark or system)", s)
	}
	return t, nil
}

// WatchFunc receives changes made through a port. ok is false when the key was removed.
type WatchFunc func(key string, value []byte, ok bool)

// Port persists raw JSON values by key.
type Port interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte) error
	// Watch blocks until ctx is done, calling fn for every change.
	Watch(ctx context.Context, fn WatchFunc) error
}

type Snapshot struct {
	SidebarCollapsed bool  `json:"sidebar_collapsed"`
	Theme            Theme `json:"theme"`
}

type Store struct {
	port         Port
	themeKey     string
	defaultTheme Theme

	mu     sync.Mutex
	state  Snapshot
	subs   map[int]func(Snapshot)
	nextID int
}

type Option func(*Store)

func WithThemeKey(key string) Option {
	return func(s *Store) {
		if key != "" {
			s.themeKey = key
		}
	}
}

func WithDefaultTheme(t Theme) Option {
	return func(s *Store) {
		if t.Valid() {
			s.defaultTheme = t
		}
	}
}

// NewStore loads the current values from port. Missing or invalid values fall back to defaults.
func NewStore(ctx context.Context, port Port, opts ...Option) (*Store, error) {
	if port == nil {
		return nil, errors.New("prefs: port is nil")
	}
	s := &Store{
		port:         port,
		themeKey:     DefaultThemeKey,
		defaultTheme: ThemeSystem,
		subs:         map[int]func(Snapshot){},
	}
	for _, o := range opts {
		o(s)
	}
	s.state = Snapshot{Theme: s.defaultTheme}

	if raw, ok, err := port.Load(ctx, SidebarKey); err != nil {
		return nil, errors.Wrap(err, "prefs: load sidebar state")
	} else if ok {
		s.state.SidebarCollapsed = s.decodeBool(raw)
	}
	if raw, ok, err := port.Load(ctx, s.themeKey); err != nil {
		return nil, errors.Wrap(err, "prefs: load theme")
	} else if ok {
		s.state.Theme = s.decodeTheme(raw)
	}
	return s, nil
}

func (s *Store) ThemeKey() string { return s.themeKey }

func (s *Store) decodeBool(raw []byte) bool {
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Debug().Err(err).Str("component", "prefs").Str("key", SidebarKey).Msg("ignoring invalid persisted value")
		return false
	}
	return v
}

func (s *Store) decodeTheme(raw []byte) Theme {
	var v string
	if err := json.Unmarshal(raw, &v); err != nil || !Theme(v).Valid() {
		log.Debug().Str("component", "prefs").Str("key", s.themeKey).Msg("ignoring invalid persisted theme")
		return s.defaultTheme
	}
	return Theme(v)
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Store) SidebarCollapsed() bool {
	return s.Snapshot().SidebarCollapsed
}

func (s *Store) Theme() Theme {
	return s.Snapshot().Theme
}

func (s *Store) SetSidebarCollapsed(ctx context.Context, collapsed bool) error {
	raw, _ := json.Marshal(collapsed)
	if err := s.port.Save(ctx, SidebarKey, raw); err != nil {
		return errors.Wrap(err, "prefs: save sidebar state")
	}
	s.update(func(st *Snapshot) { st.SidebarCollapsed = collapsed })
	return nil
}

// ToggleSidebar flips the sidebar state and returns the new value.
func (s *Store) ToggleSidebar(ctx context.Context) (bool, error) {
	next := !s.SidebarCollapsed()
	if err := s.SetSidebarCollapsed(ctx, next); err != nil {
		return !next, err
	}
	return next, nil
}

func (s *Store) SetTheme(ctx context.Context, t Theme) error {
	if !t.Valid() {
		return errors.Errorf("prefs: invalid theme %q", t)
	}
	raw, _ := json.Marshal(string(t))
	if err := s.port.Save(ctx, s.themeKey, raw); err != nil {
		return errors.Wrap(err, "prefs: save theme")
	}
	s.update(func(st *Snapshot) { st.Theme = t })
	return nil
}

// Subscribe registers fn for state changes and returns the unsubscribe function.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

// update applies fn and notifies subscribers when the state changed.
func (s *Store) update(fn func(*Snapshot)) {
	s.mu.Lock()
	before := s.state
	fn(&s.state)
	after := s.state
	var subs []func(Snapshot)
	if before != after {
		for _, sub := range s.subs {
			subs = append(subs, sub)
		}
	}
	s.mu.Unlock()
	for _, sub := range subs {
		sub(after)
	}
}

// Run applies changes written by other stores on the same backend until ctx is done.
func (s *Store) Run(ctx context.Context) error {
	err := s.port.Watch(ctx, s.onExternal)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Store) onExternal(key string, value []byte, ok bool) {
	switch key {
	case SidebarKey:
		v := false
		if ok {
			v = s.decodeBool(value)
		}
		s.update(func(st *Snapshot) { st.SidebarCollapsed = v })
	case s.themeKey:
		t := s.defaultTheme
		if ok {
			t = s.decodeTheme(value)
		}
		s.update(func(st *Snapshot) { st.Theme = t })
	}
}

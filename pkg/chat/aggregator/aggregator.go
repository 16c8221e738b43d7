// Package aggregator reconstructs streamed chat messages from partial chunks.
//
// Two wire shapes are supported. Whole-message chunks append their content to a
// single running string. Part-indexed chunks append to an accumulator per index;
// indices may interleave freely and are rendered in ascending index order.
// A chunk with done=true finalizes the message after its payload is applied, and
// Stop freezes whatever has been accumulated. Both states reject further chunks.
package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/go-go-golems/chatshell/pkg/chat"
)

// Aggregator tracks many streamed messages keyed by id. It is safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	messages map[string]*MessageAggregator
	order    []string
	onUpdate func(chat.Message)
	msgOpts  []MessageOption
}

type Option func(*Aggregator)

// WithOnUpdate registers a callback invoked with a snapshot after every accepted chunk and stop.
// Snapshots of one message arrive in order.
func WithOnUpdate(fn func(chat.Message)) Option {
	return func(a *Aggregator) {
		a.onUpdate = fn
	}
}

func WithMessageOptions(opts ...MessageOption) Option {
	return func(a *Aggregator) {
		a.msgOpts = append(a.msgOpts, opts...)
	}
}

func New(opts ...Option) *Aggregator {
	a := &Aggregator{messages: map[string]*MessageAggregator{}}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Aggregator) getOrCreate(id string) *MessageAggregator {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.messages[id]
	if !ok {
		m = NewMessageAggregator(id, a.msgOpts...)
		a.messages[id] = m
		a.order = append(a.order, id)
	}
	return m
}

func (a *Aggregator) lookup(id string) (*MessageAggregator, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.messages[id]
	return m, ok
}

// Apply routes c to the message it belongs to, creating it on first sight.
func (a *Aggregator) Apply(c chat.Chunk) (chat.Message, error) {
	return a.ApplyFunc(c, nil)
}

// ApplyFunc is Apply with fn called on the accepted snapshot after onUpdate. Callbacks
// of one message run one at a time in the order its chunks and stop were applied.
// fn must not apply chunks to, or stop, the same message.
func (a *Aggregator) ApplyFunc(c chat.Chunk, fn func(chat.Message)) (chat.Message, error) {
	if c.ID == "" {
		return chat.Message{}, ErrEmptyID
	}
	m := a.getOrCreate(c.ID)
	m.emit.Lock()
	defer m.emit.Unlock()
	msg, err := m.Apply(c)
	if err != nil {
		return msg, err
	}
	a.notify(msg, fn)
	return msg, nil
}

func (a *Aggregator) notify(msg chat.Message, fn func(chat.Message)) {
	if a.onUpdate != nil {
		a.onUpdate(msg)
	}
	if fn != nil {
		fn(msg)
	}
}

// Stop freezes the message with the given id. The boolean reports whether this call
// stopped a streaming message; unknown and finished ids report false.
func (a *Aggregator) Stop(id string) (chat.Message, bool) {
	return a.StopFunc(id, nil)
}

// StopFunc is Stop with fn called when this call froze the message, ordered like ApplyFunc.
func (a *Aggregator) StopFunc(id string, fn func(chat.Message)) (chat.Message, bool) {
	m, ok := a.lookup(id)
	if !ok {
		return chat.Message{}, false
	}
	m.emit.Lock()
	defer m.emit.Unlock()
	msg, stopped := m.Stop()
	if stopped {
		a.notify(msg, fn)
	}
	return msg, stopped
}

// StopAll freezes every message that is still streaming and returns their snapshots.
func (a *Aggregator) StopAll() []chat.Message {
	var out []chat.Message
	for _, id := range a.ids() {
		if msg, ok := a.Stop(id); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (a *Aggregator) Get(id string) (chat.Message, bool) {
	m, ok := a.lookup(id)
	if !ok {
		return chat.Message{}, false
	}
	return m.Snapshot(), true
}

func (a *Aggregator) Status(id string) (Status, bool) {
	m, ok := a.lookup(id)
	if !ok {
		return "", false
	}
	return m.Status(), true
}

// Messages returns snapshots in first-seen order.
func (a *Aggregator) Messages() []chat.Message {
	ids := a.ids()
	out := make([]chat.Message, 0, len(ids))
	for _, id := range ids {
		if m, ok := a.lookup(id); ok {
			out = append(out, m.Snapshot())
		}
	}
	return out
}

// Streaming returns the ids still accepting chunks, sorted.
func (a *Aggregator) Streaming() []string {
	var out []string
	for _, id := range a.ids() {
		if m, ok := a.lookup(id); ok && m.Status() == StatusStreaming {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Forget drops finished messages older than cutoff and returns how many were dropped.
func (a *Aggregator) Forget(cutoff time.Time) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	kept := a.order[:0]
	dropped := 0
	for _, id := range a.order {
		m := a.messages[id]
		if m != nil && m.Status() != StatusStreaming && m.Snapshot().UpdatedAt.Before(cutoff) {
			delete(a.messages, id)
			dropped++
			continue
		}
		kept = append(kept, id)
	}
	a.order = kept
	return dropped
}

func (a *Aggregator) ids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.order...)
}

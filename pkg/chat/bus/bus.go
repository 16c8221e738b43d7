// Package bus carries chat service events to subscribers.
//
// LocalBus dispatches synchronously in-process. WatermillBus routes events
// through a watermill publisher/subscriber pair (in-memory gochannel or Redis
// Streams) and dispatches them from a single consumer goroutine, so handlers
// observe events in publish order for a topic.
package bus

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatshell/pkg/chat/events"
)

var ErrClosed = errors.New("event bus is closed")

type Handler func(ctx context.Context, ev events.Event)

type Subscription interface {
	Unsubscribe()
}

type EventBus interface {
	Publish(ctx context.Context, ev events.Event) error
	Subscribe(t events.Type, h Handler) Subscription
	Close() error
}

type subscription struct {
	once sync.Once
	fn   func()
}

func (s *subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.fn)
}

// LocalBus invokes handlers synchronously, in subscription order, outside of its lock.
type LocalBus struct {
	mu       sync.Mutex
	nextID   uint64
	handlers map[events.Type]map[uint64]Handler
	closed   bool
}

var _ EventBus = &LocalBus{}

func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: map[events.Type]map[uint64]Handler{}}
}

func (b *LocalBus) Subscribe(t events.Type, h Handler) Subscription {
	if h == nil {
		return &subscription{fn: func() {}}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	if b.handlers[t] == nil {
		b.handlers[t] = map[uint64]Handler{}
	}
	b.handlers[t][id] = h
	return &subscription{fn: func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[t], id)
		if len(b.handlers[t]) == 0 {
			delete(b.handlers, t)
		}
	}}
}

func (b *LocalBus) Publish(ctx context.Context, ev events.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	type entry struct {
		id uint64
		h  Handler
	}
	var targets []entry
	for _, t := range []events.Type{ev.Type, events.TypeAll} {
		for id, h := range b.handlers[t] {
			targets = append(targets, entry{id: id, h: h})
		}
	}
	b.mu.Unlock()

	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	for _, e := range targets {
		e.h(ctx, ev)
	}
	return nil
}

func (b *LocalBus) HandlerCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, hs := range b.handlers {
		n += len(hs)
	}
	return n
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.handlers = map[events.Type]map[uint64]Handler{}
	return nil
}

package prefs

import (
	"context"
	"sync"
)

// MemoryPort is an in-process backend. Every store sharing it sees the others' writes.
type MemoryPort struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[int]WatchFunc
	nextID   int
}

var _ Port = &MemoryPort{}

func NewMemoryPort() *MemoryPort {
	return &MemoryPort{values: map[string][]byte{}, watchers: map[int]WatchFunc{}}
}

func (p *MemoryPort) Load(_ context.Context, key string) ([]byte, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (p *MemoryPort) Save(_ context.Context, key string, value []byte) error {
	p.mu.Lock()
	p.values[key] = append([]byte(nil), value...)
	watchers := make([]WatchFunc, 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.mu.Unlock()
	for _, w := range watchers {
		w(key, append([]byte(nil), value...), true)
	}
	return nil
}

func (p *MemoryPort) Delete(_ context.Context, key string) {
	p.mu.Lock()
	delete(p.values, key)
	watchers := make([]WatchFunc, 0, len(p.watchers))
	for _, w := range p.watchers {
		watchers = append(watchers, w)
	}
	p.mu.Unlock()
	for _, w := range watchers {
		w(key, nil, false)
	}
}

func (p *MemoryPort) Watch(ctx context.Context, fn WatchFunc) error {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.watchers[id] = fn
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.watchers, id)
		p.mu.Unlock()
	}()
	<-ctx.Done()
	return ctx.Err()
}

func (p *MemoryPort) Watchers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.watchers)
}

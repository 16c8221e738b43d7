package webchat

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (h *Hub) SetEvictionConfig(idle, interval time.Duration) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.evictIdle = idle
	h.evictInterval = interval
	h.mu.Unlock()
}

// StartEvictionLoop closes idle conversations every interval until ctx is done.
// It is a no-op when eviction is not configured or the loop already runs.
func (h *Hub) StartEvictionLoop(ctx context.Context) {
	if h == nil {
		return
	}
	if ctx == nil {
		panic("webchat: StartEvictionLoop requires non-nil ctx")
	}
	h.mu.Lock()
	if h.evictRunning || h.evictIdle <= 0 || h.evictInterval <= 0 {
		h.mu.Unlock()
		return
	}
	h.evictRunning = true
	interval := h.evictInterval
	h.mu.Unlock()

	go h.runEvictionLoop(ctx, interval)
}

func (h *Hub) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.evictRunning = false
			h.mu.Unlock()
			return
		case now := <-ticker.C:
			if n := h.evictIdleOnce(ctx, now); n > 0 {
				log.Info().Str("component", "webchat").Int("evicted", n).Msg("evicted idle conversations")
			}
		}
	}
}

// evictIdleOnce closes conversations idle for longer than the configured window
// and drops the aggregation state of old finished responses in the others.
func (h *Hub) evictIdleOnce(ctx context.Context, now time.Time) int {
	if h == nil {
		return 0
	}
	if now.IsZero() {
		now = h.now()
	}

	h.mu.Lock()
	idle := h.evictIdle
	if idle <= 0 {
		h.mu.Unlock()
		return 0
	}
	convs := make([]*Conversation, 0, len(h.convs))
	for _, c := range h.convs {
		convs = append(convs, c)
	}
	h.mu.Unlock()

	evicted := 0
	for _, c := range convs {
		if !shouldEvict(now, idle, c) {
			if c.svc != nil {
				c.svc.Forget(now.Add(-idle))
			}
			continue
		}
		h.mu.Lock()
		current, ok := h.convs[c.ID]
		if !ok || current != c {
			h.mu.Unlock()
			continue
		}
		delete(h.convs, c.ID)
		h.mu.Unlock()

		c.close(ctx)
		evicted++
	}
	return evicted
}

func shouldEvict(now time.Time, idle time.Duration, c *Conversation) bool {
	if c == nil {
		return false
	}
	if c.pool != nil && !c.pool.IsEmpty() {
		return false
	}
	if c.busy() {
		return false
	}
	last := c.LastActivity()
	if last.IsZero() {
		return false
	}
	return now.Sub(last) >= idle
}

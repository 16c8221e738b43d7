package webchat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatshell/pkg/chat/bus"
	"github.com/go-go-golems/chatshell/pkg/chat/playback"
	"github.com/go-go-golems/chatshell/pkg/chat/service"
)

// Conversation is the live state of one chat: its service, the websocket
// clients attached to it and the projector persisting its timeline.
type Conversation struct {
	ID string

	svc       *service.ChatService
	bus       bus.EventBus
	pool      *ConnectionPool
	projector *TimelineProjector
	frames    *frameBuffer
	responder *playback.Responder
	subs      []bus.Subscription

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

func (c *Conversation) Service() *service.ChatService { return c.svc }

func (c *Conversation) Clients() int { return c.pool.Count() }

func (c *Conversation) touch(now time.Time) {
	c.mu.Lock()
	if now.After(c.lastActivity) {
		c.lastActivity = now
	}
	c.mu.Unlock()
}

func (c *Conversation) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// busy reports whether a response is still streaming.
func (c *Conversation) busy() bool {
	return c.svc != nil && len(c.svc.State().Streaming) > 0
}

// discard releases a conversation that lost a creation race. It never projected
// anything, so its hydrated messages are not flushed again.
func (c *Conversation) discard(ctx context.Context) {
	c.projector = nil
	c.close(ctx)
}

// close stops in-flight responses, detaches clients and releases the bus.
func (c *Conversation) close(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	if c.svc != nil {
		c.svc.Dispose(ctx)
	}
	if c.responder != nil {
		c.responder.Wait()
	}
	for _, s := range c.subs {
		s.Unsubscribe()
	}
	if c.projector != nil && c.svc != nil {
		if err := c.projector.Flush(ctx, c.svc.State().Messages); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conv_id", c.ID).Msg("timeline flush failed")
		}
	}
	if c.pool != nil {
		c.pool.CloseAll()
	}
	if c.bus != nil {
		_ = c.bus.Close()
	}
}

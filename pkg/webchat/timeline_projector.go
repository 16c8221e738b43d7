package webchat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatshell/pkg/chat"
	"github.com/go-go-golems/chatshell/pkg/chat/events"
	"github.com/go-go-golems/chatshell/pkg/persistence/chatstore"
)

const defaultProjectionThrottle = 250 * time.Millisecond

// TimelineProjector persists the messages carried by chat service events into a TimelineStore.
//
// Streaming updates of one message are written at most once per throttle window;
// the final and stopped snapshots are always written. Versions continue from the
// stored snapshot version so incremental reads stay ordered across restarts.
type TimelineProjector struct {
	convID   string
	store    chatstore.TimelineStore
	base     uint64
	throttle func() time.Duration
	now      func() time.Time
	onUpsert func(msg chat.Message, version uint64)

	mu        sync.Mutex
	lastWrite map[string]time.Time
	lastSeq   uint64
	titled    bool
}

type ProjectorOption func(*TimelineProjector)

func WithBaseVersion(v uint64) ProjectorOption {
	return func(p *TimelineProjector) { p.base = v }
}

// WithThrottle reads the throttle window on every streaming update, so config patches apply immediately.
func WithThrottle(fn func() time.Duration) ProjectorOption {
	return func(p *TimelineProjector) {
		if fn != nil {
			p.throttle = fn
		}
	}
}

func WithProjectorClock(now func() time.Time) ProjectorOption {
	return func(p *TimelineProjector) {
		if now != nil {
			p.now = now
		}
	}
}

func WithOnUpsert(fn func(msg chat.Message, version uint64)) ProjectorOption {
	return func(p *TimelineProjector) { p.onUpsert = fn }
}

func NewTimelineProjector(convID string, store chatstore.TimelineStore, opts ...ProjectorOption) *TimelineProjector {
	p := &TimelineProjector{
		convID:    convID,
		store:     store,
		throttle:  func() time.Duration { return defaultProjectionThrottle },
		now:       time.Now,
		lastWrite: map[string]time.Time{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Handle matches bus.Handler.
func (p *TimelineProjector) Handle(ctx context.Context, ev events.Event) {
	if err := p.Apply(ctx, ev); err != nil {
		log.Warn().Err(err).Str("component", "timeline_projector").Str("conv_id", p.convID).
			Str("event", string(ev.Type)).Msg("projection failed")
	}
}

func (p *TimelineProjector) Apply(ctx context.Context, ev events.Event) error {
	if p == nil || p.store == nil || ev.Seq == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	version := p.base + ev.Seq
	p.mu.Lock()
	p.lastSeq = max(p.lastSeq, ev.Seq)
	p.mu.Unlock()

	switch ev.Type {
	case events.TypeRequest:
		msg, ok := ev.Message()
		if !ok {
			return nil
		}
		if err := p.upsert(ctx, version, msg); err != nil {
			return err
		}
		return p.titleFrom(ctx, msg)

	case events.TypeResponse:
		msg, ok := ev.Message()
		if !ok {
			return nil
		}
		if msg.Done || msg.Stopped {
			return p.final(ctx, version, msg)
		}
		now := p.now()
		p.mu.Lock()
		last, seen := p.lastWrite[msg.ID]
		if seen && now.Sub(last) < p.throttle() {
			p.mu.Unlock()
			return nil
		}
		p.lastWrite[msg.ID] = now
		p.mu.Unlock()
		return p.upsert(ctx, version, msg)

	case events.TypeResponseDone, events.TypeResponseStopped:
		msg, ok := ev.Message()
		if !ok {
			return nil
		}
		return p.final(ctx, version, msg)

	case events.TypeConversation:
		payload, ok := ev.Payload.(events.ConversationPayload)
		if !ok {
			return nil
		}
		for _, msg := range payload.Messages {
			if err := p.upsert(ctx, version, msg); err != nil {
				return err
			}
		}
	}
	return nil
}

// Flush writes the final snapshot of every finished message past the last projected
// event, one version per message in conversation order, so a rehydrated snapshot lists
// them as they were sent. It runs on shutdown when queued events may never arrive.
func (p *TimelineProjector) Flush(ctx context.Context, msgs []chat.Message) error {
	if p == nil || p.store == nil {
		return nil
	}
	finished := make([]chat.Message, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Role == chat.RoleAssistant && !msg.Done && !msg.Stopped {
			continue
		}
		finished = append(finished, msg)
	}
	p.mu.Lock()
	first := p.base + p.lastSeq + 1
	p.lastSeq += uint64(len(finished))
	p.lastWrite = map[string]time.Time{}
	p.mu.Unlock()
	for i, msg := range finished {
		if err := p.upsert(ctx, first+uint64(i), msg); err != nil {
			return err
		}
	}
	return nil
}

func (p *TimelineProjector) final(ctx context.Context, version uint64, msg chat.Message) error {
	p.mu.Lock()
	delete(p.lastWrite, msg.ID)
	p.mu.Unlock()
	return p.upsert(ctx, version, msg)
}

func (p *TimelineProjector) upsert(ctx context.Context, version uint64, msg chat.Message) error {
	if err := p.store.Upsert(ctx, p.convID, version, msg); err != nil {
		return err
	}
	if p.onUpsert != nil {
		p.onUpsert(msg, version)
	}
	return nil
}

// titleFrom names the conversation after its first user request.
func (p *TimelineProjector) titleFrom(ctx context.Context, msg chat.Message) error {
	p.mu.Lock()
	if p.titled {
		p.mu.Unlock()
		return nil
	}
	p.titled = true
	p.mu.Unlock()

	rec, ok, err := p.store.GetConversation(ctx, p.convID)
	if err != nil {
		return err
	}
	if ok && rec.Title != "" {
		return nil
	}
	title := conversationTitle(msg)
	if title == "" {
		return nil
	}
	return p.store.UpsertConversation(ctx, chatstore.ConversationRecord{ConvID: p.convID, Title: title})
}

func conversationTitle(msg chat.Message) string {
	text := strings.Join(strings.Fields(msg.Content), " ")
	if text == "" && len(msg.Attachments) > 0 {
		text = msg.Attachments[0].Name
	}
	runes := []rune(text)
	if len(runes) > 60 {
		return string(runes[:59]) + "…"
	}
	return text
}

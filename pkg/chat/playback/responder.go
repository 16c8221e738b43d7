package playback

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatshell/pkg/chat/events"
)

// ResponseService is the part of the chat service a responder drives.
type ResponseService interface {
	Sink
	ResponseContext(ctx context.Context, id string) context.Context
	SetError(ctx context.Context, message string) error
}

// Responder answers every request event with a scenario playback.
type Responder struct {
	Service  ResponseService
	Scenario string
	Interval time.Duration
	NewID    func() string

	wg sync.WaitGroup
}

// HandleRequest matches bus.Handler. Playback runs in its own goroutine so the
// publishing call returns immediately.
func (r *Responder) HandleRequest(ctx context.Context, ev events.Event) {
	if ev.Type != events.TypeRequest {
		return
	}
	msg, ok := ev.Message()
	if !ok {
		return
	}
	newID := r.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	id := newID()
	chunks, err := Scenario(r.Scenario, id, msg.Content)
	if err != nil {
		log.Warn().Err(err).Str("component", "playback").Str("conv_id", ev.ConvID).Msg("no scenario")
		_ = r.Service.SetError(context.WithoutCancel(ctx), err.Error())
		return
	}
	rctx := r.Service.ResponseContext(context.WithoutCancel(ctx), id)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := Play(rctx, r.Service, chunks, r.Interval); err != nil && rctx.Err() == nil {
			log.Warn().Err(err).Str("component", "playback").Str("conv_id", ev.ConvID).Str("message_id", id).Msg("playback failed")
		}
	}()
}

// Wait blocks until every started playback has returned.
func (r *Responder) Wait() {
	r.wg.Wait()
}

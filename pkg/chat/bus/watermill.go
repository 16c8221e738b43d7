package bus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatshell/pkg/chat/events"
)

// TopicForConv is the watermill topic carrying one conversation's events.
func TopicForConv(convID string) string {
	return "chat." + convID
}

// WatermillBus publishes JSON-encoded events to a topic and fans them out to
// local handlers from a single consumer goroutine.
type WatermillBus struct {
	topic      string
	publisher  message.Publisher
	subscriber message.Subscriber
	ownsSub    bool
	local      *LocalBus

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

var _ EventBus = &WatermillBus{}

type WatermillOption func(*WatermillBus)

// WithSubscriberOwnership makes Close also close the subscriber (per-conversation subscribers).
func WithSubscriberOwnership() WatermillOption {
	return func(b *WatermillBus) {
		b.ownsSub = true
	}
}

func NewWatermillBus(topic string, pub message.Publisher, sub message.Subscriber, opts ...WatermillOption) (*WatermillBus, error) {
	if topic == "" {
		return nil, errors.New("watermill bus: topic is empty")
	}
	if pub == nil {
		return nil, errors.New("watermill bus: publisher is nil")
	}
	if sub == nil {
		return nil, errors.New("watermill bus: subscriber is nil")
	}
	b := &WatermillBus{
		topic:      topic,
		publisher:  pub,
		subscriber: sub,
		local:      NewLocalBus(),
	}
	for _, o := range opts {
		o(b)
	}
	return b, nil
}

// Start subscribes to the topic. Events published before Start may be lost on non-persistent transports.
func (b *WatermillBus) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := b.subscriber.Subscribe(runCtx, b.topic)
	if err != nil {
		b.mu.Unlock()
		cancel()
		return errors.Wrap(err, "watermill bus: subscribe")
	}
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	done := b.done
	b.mu.Unlock()

	go b.consume(runCtx, ch, done)
	return nil
}

func (b *WatermillBus) consume(ctx context.Context, ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	logger := log.With().Str("component", "bus").Str("topic", b.topic).Logger()
	logger.Debug().Msg("watermill bus: consumer started")
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("watermill bus: consumer stopped")
			return
		case msg, ok := <-ch:
			if !ok {
				logger.Debug().Msg("watermill bus: subscription closed")
				return
			}
			var ev events.Event
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				logger.Warn().Err(err).Str("uuid", msg.UUID).Msg("watermill bus: failed to decode event")
				msg.Ack()
				continue
			}
			_ = b.local.Publish(msg.Context(), ev)
			msg.Ack()
		}
	}
}

func (b *WatermillBus) Publish(ctx context.Context, ev events.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "watermill bus: encode event")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	msg.Metadata.Set("event_type", string(ev.Type))
	msg.Metadata.Set("conv_id", ev.ConvID)
	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return errors.Wrap(err, "watermill bus: publish")
	}
	return nil
}

func (b *WatermillBus) Subscribe(t events.Type, h Handler) Subscription {
	return b.local.Subscribe(t, h)
}

func (b *WatermillBus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Close stops the consumer and waits for it to exit. The publisher is shared and left open.
func (b *WatermillBus) Close() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel, b.done, b.running = nil, nil, false
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	var err error
	if b.ownsSub {
		err = b.subscriber.Close()
	}
	_ = b.local.Close()
	return err
}

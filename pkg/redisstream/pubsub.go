package redisstream

import (
	"context"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// PubSub bundles the publisher/subscriber pair chosen from Settings.
type PubSub struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Client is nil for the in-memory transport.
	Client redis.UniversalClient

	group    string
	consumer string
	closers  []func() error
}

// NewClient returns a go-redis client for the configured server.
func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: s.Addr, Password: s.Password, DB: s.DB})
}

// BuildPubSub returns a Redis Streams pair when enabled, otherwise an in-memory gochannel.
func BuildPubSub(s Settings) (*PubSub, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	logger := NewZerologAdapter(log.Logger)
	if !s.Enabled {
		gc := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &PubSub{
			Publisher:  gc,
			Subscriber: gc,
			closers:    []func() error{gc.Close},
		}, nil
	}

	client := NewClient(s)
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	sub, err := newGroupSubscriber(client, s.Group, s.Consumer)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, err
	}
	return &PubSub{
		Publisher:  pub,
		Subscriber: sub,
		Client:     client,
		group:      s.Group,
		consumer:   s.Consumer,
		closers:    []func() error{sub.Close, pub.Close, client.Close},
	}, nil
}

// Close releases the subscriber, publisher and client in that order.
func (p *PubSub) Close() error {
	if p == nil {
		return nil
	}
	var first error
	for _, c := range p.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	p.closers = nil
	return first
}

func newGroupSubscriber(client redis.UniversalClient, group, consumer string) (message.Subscriber, error) {
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, NewZerologAdapter(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}
	return sub, nil
}

// ConversationSubscriber returns a subscriber owned by one conversation stream. Its
// consumer group starts at the stream tail so a rehydrated conversation does not
// replay events it already projected. The caller closes the subscriber.
func (p *PubSub) ConversationSubscriber(ctx context.Context, stream string) (message.Subscriber, error) {
	if p == nil || p.Client == nil {
		return nil, errors.New("conversation subscribers need a redis client")
	}
	if err := EnsureGroupAtTail(ctx, p.Client, stream, p.group); err != nil {
		return nil, err
	}
	return newGroupSubscriber(p.Client, p.group, p.consumer)
}

// EnsureGroupAtTail creates group on stream at "$". An existing group keeps its position.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	if client == nil {
		return errors.New("redis client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	switch {
	case err == nil:
		log.Debug().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("consumer group created at tail")
		return nil
	case redis.HasErrorPrefix(err, "BUSYGROUP"):
		return nil
	default:
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
}

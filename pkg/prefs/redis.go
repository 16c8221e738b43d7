package prefs

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisPort stores values in a hash and announces changed keys on a pub/sub channel.
type RedisPort struct {
	client  redis.UniversalClient
	hash    string
	channel string
}

var _ Port = &RedisPort{}

// NewRedisPort namespaces the hash and channel, e.g. per user.
func NewRedisPort(client redis.UniversalClient, namespace string) (*RedisPort, error) {
	if client == nil {
		return nil, errors.New("prefs: redis client is nil")
	}
	if namespace == "" {
		namespace = "default"
	}
	return &RedisPort{
		client:  client,
		hash:    "chatshell:prefs:" + namespace,
		channel: "chatshell:prefs:" + namespace + ":changed",
	}, nil
}

func (p *RedisPort) Load(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := p.client.HGet(ctx, p.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "prefs: redis get %s", key)
	}
	return v, true, nil
}

func (p *RedisPort) Save(ctx context.Context, key string, value []byte) error {
	if err := p.client.HSet(ctx, p.hash, key, value).Err(); err != nil {
		return errors.Wrapf(err, "prefs: redis set %s", key)
	}
	if err := p.client.Publish(ctx, p.channel, key).Err(); err != nil {
		return errors.Wrapf(err, "prefs: redis publish %s", key)
	}
	return nil
}

func (p *RedisPort) Watch(ctx context.Context, fn WatchFunc) error {
	sub := p.client.Subscribe(ctx, p.channel)
	defer func() { _ = sub.Close() }()
	if _, err := sub.Receive(ctx); err != nil {
		return errors.Wrap(err, "prefs: redis subscribe")
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			v, found, err := p.Load(ctx, msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("component", "prefs").Str("key", msg.Payload).Msg("reload failed")
				continue
			}
			fn(msg.Payload, v, found)
		}
	}
}

package services

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient narrows redis operations used by services.
type RedisClient interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	GetDel(ctx context.Context, key string) (string, error)
	Expire(ctx context.Context, key string, expiration time.Duration) error
	Del(ctx context.Context, keys ...string) error
	SAdd(ctx context.Context, key string, members ...any) error
	SRem(ctx context.Context, key string, members ...any) error
	SMembers(ctx context.Context, key string) ([]string, error)
	Publish(ctx context.Context, channel string, message any) error
}

// PubSubMessage is a single pub/sub delivery.
type PubSubMessage struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Messages is closed after Close.
type Subscription interface {
	Messages() <-chan PubSubMessage
	Close() error
}

// Subscriber opens pub/sub subscriptions.
type Subscriber interface {
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
}

// RedisAdapter wraps *redis.Client to satisfy RedisClient and Subscriber.
type RedisAdapter struct {
	client *redis.Client
}

// NewRedisAdapter builds a RedisClient adapter around a redis client.
func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *RedisAdapter) Get(ctx context.Context, key string) (string, error) {
	return r.client.Get(ctx, key).Result()
}

func (r *RedisAdapter) GetDel(ctx context.Context, key string) (string, error) {
	return r.client.GetDel(ctx, key).Result()
}

func (r *RedisAdapter) Expire(ctx context.Context, key string, expiration time.Duration) error {
	return r.client.Expire(ctx, key, expiration).Err()
}

func (r *RedisAdapter) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

func (r *RedisAdapter) SAdd(ctx context.Context, key string, members ...any) error {
	return r.client.SAdd(ctx, key, members...).Err()
}

func (r *RedisAdapter) SRem(ctx context.Context, key string, members ...any) error {
	return r.client.SRem(ctx, key, members...).Err()
}

func (r *RedisAdapter) SMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

func (r *RedisAdapter) Publish(ctx context.Context, channel string, message any) error {
	return r.client.Publish(ctx, channel, message).Err()
}

// Subscribe waits for the subscription to be confirmed before returning so
// callers do not miss messages published right after.
func (r *RedisAdapter) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	return newRedisSubscription(ps.Channel(), ps.Close), nil
}

// redisSubscription re-publishes go-redis messages as PubSubMessage values
// until Close.
type redisSubscription struct {
	messages chan PubSubMessage
	closed   chan struct{}
	once     sync.Once
	closeFn  func() error
}

func newRedisSubscription(src <-chan *redis.Message, closeFn func() error) *redisSubscription {
	sub := &redisSubscription{
		messages: make(chan PubSubMessage),
		closed:   make(chan struct{}),
		closeFn:  closeFn,
	}
	go sub.forward(src)
	return sub
}

func (s *redisSubscription) forward(src <-chan *redis.Message) {
	defer close(s.messages)
	for {
		select {
		case <-s.closed:
			return
		case msg, ok := <-src:
			if !ok {
				return
			}
			select {
			case s.messages <- PubSubMessage{Channel: msg.Channel, Payload: msg.Payload}:
			case <-s.closed:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan PubSubMessage {
	return s.messages
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.closeFn()
	})
	return err
}

package services

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeRedis struct {
	mu        sync.Mutex
	values    map[string]string
	ttls      map[string]time.Duration
	sets      map[string]map[string]struct{}
	published []PubSubMessage
	subs      []*fakeSubscription

	SetErr       error
	GetErr       error
	ExpireErr    error
	PublishErr   error
	SubscribeErr error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		values: map[string]string{},
		ttls:   map[string]time.Duration{},
		sets:   map[string]map[string]struct{}{},
	}
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetErr != nil {
		return f.SetErr
	}
	f.values[key] = fmt.Sprint(value)
	f.ttls[key] = expiration
	return nil
}

func (f *fakeRedis) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return "", f.GetErr
	}
	v, ok := f.values[key]
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeRedis) GetDel(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return "", f.GetErr
	}
	v, ok := f.values[key]
	if !ok {
		return "", redis.Nil
	}
	delete(f.values, key)
	delete(f.ttls, key)
	return v, nil
}

func (f *fakeRedis) Expire(ctx context.Context, key string, expiration time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExpireErr != nil {
		return f.ExpireErr
	}
	_, isValue := f.values[key]
	_, isSet := f.sets[key]
	if isValue || isSet {
		f.ttls[key] = expiration
	}
	return nil
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range keys {
		delete(f.values, key)
		delete(f.sets, key)
		delete(f.ttls, key)
	}
	return nil
}

func (f *fakeRedis) SAdd(ctx context.Context, key string, members ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetErr != nil {
		return f.SetErr
	}
	if f.sets[key] == nil {
		f.sets[key] = map[string]struct{}{}
	}
	for _, m := range members {
		f.sets[key][fmt.Sprint(m)] = struct{}{}
	}
	return nil
}

func (f *fakeRedis) SRem(ctx context.Context, key string, members ...any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], fmt.Sprint(m))
	}
	if len(f.sets[key]) == 0 {
		delete(f.sets, key)
	}
	return nil
}

func (f *fakeRedis) SMembers(ctx context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.GetErr != nil {
		return nil, f.GetErr
	}
	members := make([]string, 0, len(f.sets[key]))
	for m := range f.sets[key] {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) error {
	f.mu.Lock()
	if f.PublishErr != nil {
		f.mu.Unlock()
		return f.PublishErr
	}
	var payload string
	switch m := message.(type) {
	case []byte:
		payload = string(m)
	default:
		payload = fmt.Sprint(m)
	}
	msg := PubSubMessage{Channel: channel, Payload: payload}
	f.published = append(f.published, msg)
	subs := append([]*fakeSubscription(nil), f.subs...)
	f.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(msg)
	}
	return nil
}

func (f *fakeRedis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	sub := &fakeSubscription{
		channels: channels,
		messages: make(chan PubSubMessage, 16),
	}
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeRedis) Published(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, msg := range f.published {
		if msg.Channel == channel {
			out = append(out, msg.Payload)
		}
	}
	return out
}

type fakeSubscription struct {
	mu       sync.Mutex
	channels []string
	messages chan PubSubMessage
	closed   bool
}

func (s *fakeSubscription) deliver(msg PubSubMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.channels {
		if ch == msg.Channel {
			s.messages <- msg
			return
		}
	}
}

// Drop ends the subscription from the server side.
func (s *fakeSubscription) Drop() {
	_ = s.Close()
}

func (s *fakeSubscription) Messages() <-chan PubSubMessage {
	return s.messages
}

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.messages)
	}
	return nil
}

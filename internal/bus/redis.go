// Package bus carries change notifications between server processes.
// Each document has one logical channel on a shared Redis broker; a
// process holds at most one subscription per document no matter how
// many of its connections are attached.
package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Handler receives the raw payload of one published message. It is
// called from the subscription's pump goroutine, one message at a time,
// in the order the broker delivered them.
type Handler func(payload []byte)

type Bus struct {
	client *redis.Client
}

func New(redisURL string) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Bus{client: client}, nil
}

// NewWithClient wraps an existing Redis client; the caller keeps
// ownership of the client's lifecycle.
func NewWithClient(client *redis.Client) *Bus {
	return &Bus{client: client}
}

func channelFor(documentID string) string {
	return "doc:" + documentID
}

func (b *Bus) Publish(ctx context.Context, documentID string, payload []byte) error {
	if err := b.client.Publish(ctx, channelFor(documentID), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channelFor(documentID), err)
	}
	return nil
}

// Subscribe attaches handler to a document's channel. It returns once
// the broker has confirmed the subscription, so messages published
// after Subscribe returns are guaranteed to reach the handler.
func (b *Bus) Subscribe(ctx context.Context, documentID string, handler Handler) (*Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channelFor(documentID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", channelFor(documentID), err)
	}

	sub := &Subscription{pubsub: pubsub, done: make(chan struct{})}
	go sub.pump(handler)
	return sub, nil
}

func (b *Bus) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Bus) Close() error {
	return b.client.Close()
}

type Subscription struct {
	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) pump(handler Handler) {
	defer close(s.done)
	for msg := range s.pubsub.Channel() {
		handler([]byte(msg.Payload))
	}
}

// Close tears down the subscription and waits for the pump goroutine
// to drain, so no handler call is in flight once Close returns.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.pubsub.Close()
		<-s.done
	})
	return err
}

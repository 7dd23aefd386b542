// Package session fans note traffic out between API instances over Redis
// pub/sub.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisRelay publishes room traffic on one channel per note.
type RedisRelay struct {
	client *redis.Client
	prefix string
}

// NewRedisRelay connects to the Redis server at redisURL.
func NewRedisRelay(redisURL string) (*RedisRelay, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisRelayWithClient(client), nil
}

// NewRedisRelayWithClient creates a relay from an existing Redis client
func NewRedisRelayWithClient(client *redis.Client) *RedisRelay {
	return &RedisRelay{
		client: client,
		prefix: "carenote:note:",
	}
}

func (r *RedisRelay) channel(noteID string) string {
	return r.prefix + noteID
}

func (r *RedisRelay) Publish(ctx context.Context, noteID string, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel(noteID), payload).Err(); err != nil {
		return fmt.Errorf("publish note %s: %w", noteID, err)
	}
	return nil
}

// Subscribe delivers every payload published for noteID to fn until the
// returned cancel func is called. fn runs on a single goroutine.
func (r *RedisRelay) Subscribe(ctx context.Context, noteID string, fn func([]byte)) (func(), error) {
	pubsub := r.client.Subscribe(ctx, r.channel(noteID))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe note %s: %w", noteID, err)
	}

	messages := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			fn([]byte(msg.Payload))
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

// Close closes the Redis connection
func (r *RedisRelay) Close() error {
	return r.client.Close()
}

// Ping checks if Redis is reachable
func (r *RedisRelay) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

package namespace

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps the namespace in a Redis key and announces every write
// on the "<key>:changes" channel, so consoles sharing the key converge.
type RedisStorage struct {
	client *redis.Client
	key    string
}

func NewRedisStorage(client *redis.Client, key string) *RedisStorage {
	return &RedisStorage{client: client, key: key}
}

func (s *RedisStorage) channel() string {
	return s.key + ":changes"
}

func (s *RedisStorage) Load(ctx context.Context) (string, error) {
	ns, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", s.key, err)
	}
	return ns, nil
}

func (s *RedisStorage) Save(ctx context.Context, ns string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key, ns, 0)
		pipe.Publish(ctx, s.channel(), ns)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStorage) Clear(ctx context.Context) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.key)
		pipe.Publish(ctx, s.channel(), "")
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStorage) Changes(ctx context.Context) (<-chan string, error) {
	pubsub := s.client.Subscribe(ctx, s.channel())
	// Wait for the subscription confirmation so no write is missed after
	// Changes returns.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", s.channel(), err)
	}

	out := make(chan string, 1)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

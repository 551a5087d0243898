package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "presence:school:"

// RedisTransport carries fanout over Redis pub/sub and ephemeral state over
// plain SET EX keys. The subscriber holds its own connection: a connection in
// subscribe mode can't run commands, so sharing one client would deadlock
// the KV calls.
type RedisTransport struct {
	client *redis.Client
	sub    *redis.Client
	pubsub *redis.PubSub
}

func NewRedisTransport(rawURL string) (*RedisTransport, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}
	subOpt := *opt
	sub := redis.NewClient(&subOpt)
	if err := sub.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis (subscriber): %w", err)
	}

	logger.Info().Str("addr", opt.Addr).Msg("bridge: connected to Redis")
	return &RedisTransport{
		client: client,
		sub:    sub,
	}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, schoolID int64, payload []byte) error {
	channel := redisChannelPrefix + strconv.FormatInt(schoolID, 10)
	return t.client.Publish(ctx, channel, payload).Err()
}

func (t *RedisTransport) Subscribe(handler func(schoolID int64, payload []byte)) error {
	if t.pubsub != nil {
		return errors.New("bridge: redis transport already subscribed")
	}
	t.pubsub = t.sub.PSubscribe(context.Background(), redisChannelPrefix+"*")
	go func() {
		for msg := range t.pubsub.Channel() {
			schoolID, err := strconv.ParseInt(strings.TrimPrefix(msg.Channel, redisChannelPrefix), 10, 64)
			if err != nil {
				logger.Warn().Str("channel", msg.Channel).Msg("bridge: message on unparseable channel")
				continue
			}
			handler(schoolID, []byte(msg.Payload))
		}
	}()
	return nil
}

func (t *RedisTransport) SetEphemeral(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return t.client.Set(ctx, "presence:"+key, value, ttl).Err()
}

func (t *RedisTransport) GetEphemeral(ctx context.Context, key string) ([]byte, error) {
	value, err := t.client.Get(ctx, "presence:"+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoEntry
	}
	return value, err
}

func (t *RedisTransport) Enabled() bool {
	return true
}

func (t *RedisTransport) Close() {
	if t.pubsub != nil {
		t.pubsub.Close()
	}
	t.sub.Close()
	t.client.Close()
}

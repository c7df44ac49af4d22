package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/plaza-social/plaza/internal/logging"
)

// RedisConfig configures NewRedis.
type RedisConfig struct {
	// URL is a redis:// URL; when set it wins over Addr/Password/DB.
	URL      string
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Redis is a Cache backed by a Redis server. Keys are namespaced by Prefix.
type Redis struct {
	client *redis.Client
	prefix string
	logger *logging.Logger
}

var _ Cache = (*Redis)(nil)

// NewRedis connects lazily; call Ping to verify connectivity.
func NewRedis(cfg RedisConfig, logger *logging.Logger) (*Redis, error) {
	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		if cfg.Addr == "" {
			return nil, fmt.Errorf("redis address is required")
		}
		opts = &redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB}
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &Redis{client: redis.NewClient(opts), prefix: cfg.Prefix, logger: logger}, nil
}

func (r *Redis) key(k string) string {
	return r.prefix + k
}

func (r *Redis) Get(ctx context.Context, key string, v any) (bool, error) {
	raw, err := r.client.Get(ctx, r.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

func (r *Redis) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(key), raw, ttl).Err()
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.key(k)
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.client.Publish(ctx, r.key(channel), payload).Err()
}

// Subscribe starts a goroutine draining the subscription until cancel is
// called or ctx is done. cancel waits for the goroutine to exit.
func (r *Redis) Subscribe(ctx context.Context, channel string, fn Handler) (func(), error) {
	sub := r.client.Subscribe(ctx, r.key(channel))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	ctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				fn([]byte(msg.Payload))
			}
		}
	}()

	cancel := func() {
		stop()
		if err := sub.Close(); err != nil {
			r.logger.WithError(err).Debug("redis unsubscribe")
		}
		<-done
	}
	return cancel, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}

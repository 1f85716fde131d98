package database

import (
	"context"
	"strings"

	"go.uber.org/zap"
	r "gopkg.in/redis.v5"
)

const redisPrefix = "_WEBLLM_CHAT_"

// RedisStore keeps values in redis. A DSN of the form redis://... takes
// precedence over the address options.
type RedisStore struct {
	client *r.Client
	logger *zap.Logger
}

// NewRedis connects to redis and checks the connection.
func NewRedis(opts Options, logger *zap.Logger) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var ropts *r.Options
	if strings.HasPrefix(opts.DSN, "redis://") {
		var err error
		if ropts, err = r.ParseURL(opts.DSN); err != nil {
			return nil, err
		}
	} else {
		ropts = &r.Options{Addr: opts.RedisAddr, Password: opts.RedisPassword, DB: opts.RedisDB}
	}
	client := r.NewClient(ropts)
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	logger.Info("Connected to redis", zap.String("addr", ropts.Addr))
	return &RedisStore{client: client, logger: logger}, nil
}

func redisKey(key string) string { return redisPrefix + key }

// redis.v5 has no context support; ctx is accepted for the interface.
func (s *RedisStore) Get(_ context.Context, key string) ([]byte, error) {
	b, err := s.client.Get(redisKey(key)).Bytes()
	if err == r.Nil {
		return nil, notFound(key)
	}
	return b, err
}

func (s *RedisStore) Put(_ context.Context, key string, value []byte) error {
	return s.client.Set(redisKey(key), value, 0).Err()
}

func (s *RedisStore) Delete(_ context.Context, key string) error {
	return s.client.Del(redisKey(key)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

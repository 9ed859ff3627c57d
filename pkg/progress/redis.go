package progress

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// saveScript sets the field only when it moves the cursor forward.
const saveScript = `
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur and tonumber(cur) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`

type redisClient interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// RedisStore keeps cursors in a single Redis hash.
type RedisStore struct {
	client redisClient
	closer func() error
	key    string
	logger *logrus.Entry
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", cfg.Addr)
	}
	store := newRedisStore(client, cfg.Prefix)
	store.closer = client.Close
	return store, nil
}

func newRedisStore(client redisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "checkpoint-pipeline"
	}
	return &RedisStore{
		client: client,
		key:    prefix + ":progress",
		logger: logrus.WithField("component", "progress.redis"),
	}
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, workflow string) (uint64, bool, error) {
	val, err := s.client.HGet(ctx, s.key, workflow).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to read progress for %s", workflow)
	}
	seq, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, errors.Wrapf(err, "corrupt progress value %q for %s", val, workflow)
	}
	return seq, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, workflow string, seq uint64) error {
	updated, err := s.client.Eval(ctx, saveScript, []string{s.key}, workflow, strconv.FormatUint(seq, 10)).Int()
	if err != nil {
		return errors.Wrapf(err, "failed to save progress for %s", workflow)
	}
	if updated == 0 {
		s.logger.WithField("workflow", workflow).WithField("proposed", seq).Warn("Ignoring progress regression")
	}
	return nil
}

// Close releases the connection.
func (s *RedisStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

package lock

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Only the owner token may delete the key.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis is a Locker backed by SET NX with a per-acquisition token.
type Redis struct {
	rdb       redis.UniversalClient
	keyPrefix string
	logger    *slog.Logger
}

// NewRedis creates a Locker on rdb. Keys are stored under keyPrefix.
func NewRedis(rdb redis.UniversalClient, keyPrefix string, logger *slog.Logger) *Redis {
	if keyPrefix == "" {
		keyPrefix = "cigraph:lock:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, keyPrefix: keyPrefix, logger: logger}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func (l *Redis) Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	lockKey := l.keyPrefix + key
	token := uuid.NewString()

	ok, err := l.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	l.logger.Debug("Acquired lock", "key", key)
	return &redisLock{owner: l, key: lockKey, token: token}, nil
}

type redisLock struct {
	owner *Redis
	key   string
	token string
}

func (h *redisLock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, h.owner.rdb, []string{h.key}, h.token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	h.owner.logger.Debug("Released lock", "key", h.key)
	return nil
}

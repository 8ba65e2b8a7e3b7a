package guardrails

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/liamcoop/automation/txn"
)

// RedisLedger reserves keys with SET NX. A reservation made inside a unit of
// work is deleted again if the unit rolls back.
type RedisLedger struct {
	client *backend.Client
	prefix string
}

func NewRedisLedger(client *backend.Client, prefix string) *RedisLedger {
	return &RedisLedger{client: client, prefix: prefix}
}

func (l *RedisLedger) key(namespace, key string) string {
	return l.prefix + namespace + ":" + key
}

func (l *RedisLedger) PutIfAbsent(ctx context.Context, namespace, key string, snapshot any, ttl time.Duration) (bool, error) {
	value, err := json.Marshal(snapshot)
	if err != nil {
		return false, fmt.Errorf("failed to encode guardrail snapshot: %w", err)
	}
	redisKey := l.key(namespace, key)
	ok, err := l.client.SetNX(ctx, redisKey, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis error reserving %s: %w", redisKey, err)
	}
	if ok {
		txn.OnRollback(ctx, func() {
			_ = l.client.Del(context.Background(), redisKey).Err()
		})
	}
	return ok, nil
}

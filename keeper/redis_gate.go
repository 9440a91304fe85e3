package keeper

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultClaimTTL    = 5 * time.Minute
	redisClaimTimeout  = time.Second
	redisClaimTokenLen = 16
)

// releaseClaimScript deletes the claim only if it is still held by the caller
var releaseClaimScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisGate extends a process local gate with a claim in redis, so that keeper replicas sharing
// one redis do not work the same item at the same time.
// The local gate is always consulted first. Claims expire after claimTTL so a crashed replica
// does not hold a key forever.
type RedisGate struct {
	log       *zap.Logger
	local     Gate
	client    *redis.Client
	keyPrefix string
	claimTTL  time.Duration
	token     string
}

func NewRedisGate(log *zap.Logger, local Gate, client *redis.Client, keyPrefix string, claimTTL time.Duration) (*RedisGate, error) {
	token := make([]byte, redisClaimTokenLen)
	if _, err := rand.Read(token); err != nil {
		return nil, err
	}
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &RedisGate{
		log:       log.Named("gate"),
		local:     local,
		client:    client,
		keyPrefix: keyPrefix,
		claimTTL:  claimTTL,
		token:     hex.EncodeToString(token),
	}, nil
}

func (g *RedisGate) TryAdmit(key string) bool {
	if !g.local.TryAdmit(key) {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisClaimTimeout)
	defer cancel()
	claimed, err := g.client.SetNX(ctx, g.keyPrefix+key, g.token, g.claimTTL).Result()
	if err != nil {
		// fail closed, another replica may hold the key
		g.log.Error("Failed to claim work item in redis", zap.String("key", key), zap.Error(err))
		g.local.Release(key)
		return false
	}
	if !claimed {
		g.log.Debug("Work item claimed by another replica", zap.String("key", key))
		g.local.Release(key)
		return false
	}
	return true
}

func (g *RedisGate) Release(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisClaimTimeout)
	defer cancel()
	if err := releaseClaimScript.Run(ctx, g.client, []string{g.keyPrefix + key}, g.token).Err(); err != nil {
		// the claim expires on its own
		g.log.Warn("Failed to release work item claim", zap.String("key", key), zap.Error(err))
	}
	g.local.Release(key)
}

// DeleteAll deletes all the claims with the gate prefix. It can be very slow and should only be used for testing.
func (g *RedisGate) DeleteAll(ctx context.Context) error {
	keys, err := g.client.Keys(ctx, g.keyPrefix+"*").Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return g.client.Del(ctx, keys...).Err()
}

package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

type PresenceCache interface {
	// AddMember 加入或续期，刷新 TTL 也直接调用它
	AddMember(ctx context.Context, padID, memberID, name string, ttl time.Duration) error
	RemoveMember(ctx context.Context, padID, memberID string) error
	GetAliveMembers(ctx context.Context, padID string) ([]PresenceMember, error)
}

type PresenceMember struct {
	MemberID string `json:"memberId"`
	Name     string `json:"name,omitempty"`
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, padID, memberID, name string, ttl time.Duration) error {
	tx := p.rdb.TxPipeline()
	// score 用 expireAt（Unix 秒）表达逻辑 TTL
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(padID), redis.Z{Score: float64(expireAt), Member: memberID})
	tx.HSet(ctx, namesKey(padID), memberID, name)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, padID, memberID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(padID), memberID)
	tx.HDel(ctx, namesKey(padID), memberID)
	_, err := tx.Exec(ctx)
	return err
}

// KEYS[1] = roomKey(padID)
// KEYS[2] = namesKey(padID)
// ARGV[1] = now (unix seconds)
var cleanupScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembers(ctx context.Context, padID string) ([]PresenceMember, error) {
	// step1: 清理过期成员，expireAt <= now 视为过期
	now := time.Now().Unix()
	if err := cleanupScript.Run(ctx, p.rdb, []string{roomKey(padID), namesKey(padID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	// step2: 查询在线成员
	alive, err := p.rdb.ZRangeByScore(ctx, roomKey(padID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(alive) == 0 {
		return nil, nil
	}

	// step3: 批量取名字
	names, err := p.rdb.HMGet(ctx, namesKey(padID), alive...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(alive))
	for i, id := range alive {
		name := ""
		if i < len(names) && names[i] != nil {
			name, _ = names[i].(string)
		}
		members = append(members, PresenceMember{MemberID: id, Name: name})
	}
	return members, nil
}

package cache

import (
	"context"
	"errors"

	redis "github.com/redis/go-redis/v9"
)

// HistoryCache 每个 pad 的消息日志，新加入的节点从头回放。
// 归档节点裁剪后用 Replace 整体换成从最新 root 检查点开始的日志。
type HistoryCache interface {
	Append(ctx context.Context, padID string, raw []byte) error
	Replace(ctx context.Context, padID string, raws [][]byte) error
	Load(ctx context.Context, padID string) ([][]byte, error)
	Pads(ctx context.Context) ([]string, error)
}

type redisHistory struct {
	rdb redis.UniversalClient
}

func NewRedisHistory(rdb redis.UniversalClient) HistoryCache {
	return &redisHistory{rdb: rdb}
}

func (h *redisHistory) Append(ctx context.Context, padID string, raw []byte) error {
	if err := h.rdb.RPush(ctx, historyKey(padID), raw).Err(); err != nil {
		return err
	}
	return h.rdb.SAdd(ctx, padsKey(), padID).Err()
}

// Replace 在一个事务里删掉旧日志并写入新日志，读者看不到中间状态
func (h *redisHistory) Replace(ctx context.Context, padID string, raws [][]byte) error {
	key := historyKey(padID)
	_, err := h.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(raws) > 0 {
			vals := make([]interface{}, len(raws))
			for i, raw := range raws {
				vals[i] = raw
			}
			pipe.RPush(ctx, key, vals...)
		}
		pipe.SAdd(ctx, padsKey(), padID)
		return nil
	})
	return err
}

func (h *redisHistory) Load(ctx context.Context, padID string) ([][]byte, error) {
	vals, err := h.rdb.LRange(ctx, historyKey(padID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (h *redisHistory) Pads(ctx context.Context) ([]string, error) {
	pads, err := h.rdb.SMembers(ctx, padsKey()).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return pads, nil
}

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	redis "github.com/redis/go-redis/v9"
)

func TestMemoryHistory(t *testing.T) {
	ctx := context.Background()
	h := NewMemoryHistory()

	raw := []byte(`{"v":1}`)
	assert.Equal(t, h.Append(ctx, "b", raw), nil)
	// 调用方之后改写切片不影响已存的记录
	raw[0] = 'x'
	assert.Equal(t, h.Append(ctx, "b", []byte(`{"v":2}`)), nil)
	assert.Equal(t, h.Append(ctx, "a", []byte(`{"v":3}`)), nil)

	got, err := h.Load(ctx, "b")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(got), 2)
	assert.Equal(t, string(got[0]), `{"v":1}`)
	assert.Equal(t, string(got[1]), `{"v":2}`)

	empty, err := h.Load(ctx, "missing")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(empty), 0)

	pads, err := h.Pads(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, pads, []string{"a", "b"})

	// Replace 整体替换，之后的 Append 接在新日志后面
	assert.Equal(t, h.Replace(ctx, "b", [][]byte{[]byte(`{"v":9}`)}), nil)
	assert.Equal(t, h.Append(ctx, "b", []byte(`{"v":10}`)), nil)
	got, err = h.Load(ctx, "b")
	assert.Equal(t, err, nil)
	assert.Equal(t, len(got), 2)
	assert.Equal(t, string(got[0]), `{"v":9}`)
	assert.Equal(t, string(got[1]), `{"v":10}`)
}

func TestMemoryPresenceExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	p := &memoryPresence{rooms: make(map[string]map[string]memoryMember), now: func() time.Time { return now }}

	assert.Equal(t, p.AddMember(ctx, "pad", "m2", "bob", 10*time.Second), nil)
	assert.Equal(t, p.AddMember(ctx, "pad", "m1", "alice", 30*time.Second), nil)

	members, err := p.GetAliveMembers(ctx, "pad")
	assert.Equal(t, err, nil)
	assert.Equal(t, members, []PresenceMember{{MemberID: "m1", Name: "alice"}, {MemberID: "m2", Name: "bob"}})

	now = now.Add(10 * time.Second)
	members, _ = p.GetAliveMembers(ctx, "pad")
	assert.Equal(t, members, []PresenceMember{{MemberID: "m1", Name: "alice"}})

	// 续期
	assert.Equal(t, p.AddMember(ctx, "pad", "m1", "alice", time.Minute), nil)
	now = now.Add(25 * time.Second)
	members, _ = p.GetAliveMembers(ctx, "pad")
	assert.Equal(t, len(members), 1)

	assert.Equal(t, p.RemoveMember(ctx, "pad", "m1"), nil)
	members, _ = p.GetAliveMembers(ctx, "pad")
	assert.Equal(t, len(members), 0)
}

func testRedis(t *testing.T) redis.UniversalClient {
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{"127.0.0.1:6379"}})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestRedisPresence(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	padID := "presence-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { rdb.Del(ctx, roomKey(padID), namesKey(padID)) })

	p := NewRedisPresence(rdb)
	assert.Equal(t, p.AddMember(ctx, padID, "m1", "alice", time.Minute), nil)
	assert.Equal(t, p.AddMember(ctx, padID, "m2", "bob", time.Minute), nil)
	// 已经过期的成员会被清理脚本删掉
	assert.Equal(t, p.AddMember(ctx, padID, "m3", "gone", -time.Minute), nil)

	members, err := p.GetAliveMembers(ctx, padID)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(members), 2)
	names := map[string]string{}
	for _, m := range members {
		names[m.MemberID] = m.Name
	}
	assert.Equal(t, names, map[string]string{"m1": "alice", "m2": "bob"})

	n, err := rdb.HLen(ctx, namesKey(padID)).Result()
	assert.Equal(t, err, nil)
	assert.Equal(t, n, int64(2))

	assert.Equal(t, p.RemoveMember(ctx, padID, "m1"), nil)
	members, _ = p.GetAliveMembers(ctx, padID)
	assert.Equal(t, members, []PresenceMember{{MemberID: "m2", Name: "bob"}})
}

func TestRedisHistory(t *testing.T) {
	rdb := testRedis(t)
	ctx := context.Background()
	padID := "history-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() {
		rdb.Del(ctx, historyKey(padID))
		rdb.SRem(ctx, padsKey(), padID)
	})

	h := NewRedisHistory(rdb)
	assert.Equal(t, h.Append(ctx, padID, []byte("one")), nil)
	assert.Equal(t, h.Append(ctx, padID, []byte("two")), nil)

	got, err := h.Load(ctx, padID)
	assert.Equal(t, err, nil)
	assert.Equal(t, got, [][]byte{[]byte("one"), []byte("two")})

	assert.Equal(t, h.Replace(ctx, padID, [][]byte{[]byte("three")}), nil)
	got, err = h.Load(ctx, padID)
	assert.Equal(t, err, nil)
	assert.Equal(t, got, [][]byte{[]byte("three")})

	pads, err := h.Pads(ctx)
	assert.Equal(t, err, nil)
	found := false
	for _, id := range pads {
		found = found || id == padID
	}
	assert.Equal(t, found, true)
}

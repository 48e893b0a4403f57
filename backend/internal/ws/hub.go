package ws

import (
	"context"
	"sync"

	"github.com/golang/glog"

	"chainpad/backend/internal/cache"
)

type Hub struct {
	// 在线状态落在外部存储，多实例共享
	presence cache.PresenceCache
	mu       sync.RWMutex
	// padID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入 pad 房间
func (h *Hub) Join(padID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[padID] == nil {
		// 一个用户可能开多个标签页，按连接而不是按用户存
		h.rooms[padID] = make(map[*Conn]struct{})
	}
	h.rooms[padID][c] = struct{}{}
}

// Leave 将连接从 pad 房间移除
func (h *Hub) Leave(padID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[padID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, padID)
		}
	}
}

// Count 本实例上 pad 的连接数
func (h *Hub) Count(padID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[padID])
}

// Broadcast 发给房间里除 from 以外的连接
func (h *Hub) Broadcast(padID string, from *Conn, msg ServerMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[padID] {
		if c != from {
			c.Enqueue(msg)
		}
	}
}

func (h *Hub) BroadcastPresence(ctx context.Context, padID string) {
	members, err := h.presence.GetAliveMembers(ctx, padID)
	if err != nil {
		glog.Warningf("get members of %s: %v", padID, err)
		return
	}
	h.Broadcast(padID, nil, ServerMessage{Type: TypePresence, PadID: padID, Members: members})
}

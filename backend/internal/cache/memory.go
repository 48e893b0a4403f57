package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// 内存实现：单机开发和测试用，进程重启即丢

type memoryHistory struct {
	mu   sync.RWMutex
	logs map[string][][]byte
}

func NewMemoryHistory() HistoryCache {
	return &memoryHistory{logs: make(map[string][][]byte)}
}

func (h *memoryHistory) Append(_ context.Context, padID string, raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logs[padID] = append(h.logs[padID], append([]byte(nil), raw...))
	return nil
}

func (h *memoryHistory) Replace(_ context.Context, padID string, raws [][]byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	log := make([][]byte, len(raws))
	for i, raw := range raws {
		log[i] = append([]byte(nil), raw...)
	}
	h.logs[padID] = log
	return nil
}

func (h *memoryHistory) Load(_ context.Context, padID string) ([][]byte, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([][]byte(nil), h.logs[padID]...), nil
}

func (h *memoryHistory) Pads(_ context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	pads := make([]string, 0, len(h.logs))
	for id := range h.logs {
		pads = append(pads, id)
	}
	sort.Strings(pads)
	return pads, nil
}

type memoryMember struct {
	name     string
	expireAt time.Time
}

type memoryPresence struct {
	mu    sync.Mutex
	rooms map[string]map[string]memoryMember
	now   func() time.Time
}

func NewMemoryPresence() PresenceCache {
	return &memoryPresence{rooms: make(map[string]map[string]memoryMember), now: time.Now}
}

func (p *memoryPresence) AddMember(_ context.Context, padID, memberID, name string, ttl time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rooms[padID] == nil {
		p.rooms[padID] = make(map[string]memoryMember)
	}
	p.rooms[padID][memberID] = memoryMember{name: name, expireAt: p.now().Add(ttl)}
	return nil
}

func (p *memoryPresence) RemoveMember(_ context.Context, padID, memberID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms[padID], memberID)
	if len(p.rooms[padID]) == 0 {
		delete(p.rooms, padID)
	}
	return nil
}

func (p *memoryPresence) GetAliveMembers(_ context.Context, padID string) ([]PresenceMember, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var members []PresenceMember
	for id, m := range p.rooms[padID] {
		if !m.expireAt.After(now) {
			delete(p.rooms[padID], id)
			continue
		}
		members = append(members, PresenceMember{MemberID: id, Name: m.name})
	}
	// 按 memberId 排序，结果稳定
	sort.Slice(members, func(i, j int) bool { return members[i].MemberID < members[j].MemberID })
	return members, nil
}

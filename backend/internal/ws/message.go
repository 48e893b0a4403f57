package ws

import (
	"chainpad/backend/internal/cache"
	"chainpad/backend/internal/wire"
)

// 信封类型
// 服务端 -> 客户端：welcome, history, synced, message, presence, error
// 客户端 -> 服务端：message, heartbeat
const (
	TypeWelcome   = "welcome"
	TypeHistory   = "history"
	TypeSynced    = "synced"
	TypeMessage   = "message"
	TypeHeartbeat = "heartbeat"
	TypePresence  = "presence"
	TypeError     = "error"
)

type ClientMessage struct {
	Type    string        `json:"type"`
	Message *wire.Message `json:"message,omitempty"`
}

// PadConfig 同一个 pad 的节点必须一致的参数
type PadConfig struct {
	CheckpointInterval int    `json:"checkpointInterval"`
}

type ServerMessage struct {
	Type   string `json:"type"`
	PadID  string `json:"padId,omitempty"`
	ConnID string `json:"connId,omitempty"`
	// 服务端分配的节点名，每个连接唯一
	UserName string                 `json:"userName,omitempty"`
	Config   *PadConfig             `json:"config,omitempty"`
	Message  *wire.Message          `json:"message,omitempty"`
	History  []wire.Message         `json:"history,omitempty"`
	Members  []cache.PresenceMember `json:"members,omitempty"`
	Content  string                 `json:"content,omitempty"`
}

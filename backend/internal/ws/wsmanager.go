package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"chainpad/backend/internal/collab"
	"chainpad/backend/internal/wire"
)

// 允许本地开发环境的来源
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type ManagerOptions struct {
	PresenceTTL time.Duration `mapstructure:"presence_ttl"`
	// 超过这么久没有任何客户端消息（包括心跳）就断开，0 表示不限
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type Manager struct {
	h        *Hub
	registry *collab.Registry
	sem      *collab.SemaphoreControl
	opts     ManagerOptions
}

func NewManager(h *Hub, registry *collab.Registry, sem *collab.SemaphoreControl, opts ManagerOptions) *Manager {
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = time.Minute
	}
	if sem == nil {
		sem = collab.NewSemaphoreControl(collab.DefaultSemaphore)
	}
	return &Manager{h: h, registry: registry, sem: sem, opts: opts}
}

// WebSocketConnect GET /pads/:padId/ws
// 顺序：welcome -> history -> synced，之后是实时消息
func (m *Manager) WebSocketConnect(c *gin.Context) {
	padID := c.Param("padId")
	name := c.GetString("username")
	if name == "" {
		name = strings.TrimSpace(c.Query("name"))
	}
	if name == "" {
		name = "anonymous"
	}
	ctx := c.Request.Context()

	pad, err := m.registry.Get(ctx, padID)
	if err != nil {
		glog.Errorf("load pad %s: %v", padID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": "PAD_UNAVAILABLE", "message": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		glog.Warningf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	id := ulid.Make().String()
	wsConn := NewConn(conn, m.h, pad, id, name, m.sem)
	defer wsConn.shutdown()

	// 先启动写循环
	go wsConn.writeLoop()

	cfg := m.registry.Config()
	wsConn.Enqueue(ServerMessage{
		Type:     TypeWelcome,
		PadID:    padID,
		ConnID:   id,
		UserName: name + "@" + id,
		Config:   &PadConfig{CheckpointInterval: cfg.CheckpointInterval},
	})
	err = pad.Attach(func(history []wire.Message) {
		m.h.Join(padID, wsConn)
		wsConn.Enqueue(ServerMessage{Type: TypeHistory, PadID: padID, History: history})
		wsConn.Enqueue(ServerMessage{Type: TypeSynced, PadID: padID})
	})
	if err != nil {
		wsConn.Enqueue(ServerMessage{Type: TypeError, Content: err.Error()})
		return
	}
	defer func() {
		m.h.Leave(padID, wsConn)
		if err := m.h.presence.RemoveMember(ctx, padID, id); err != nil {
			glog.Warningf("remove member error: %v", err)
		}
		m.h.BroadcastPresence(ctx, padID)
	}()

	if err := m.h.presence.AddMember(ctx, padID, id, name, m.opts.PresenceTTL); err != nil {
		glog.Warningf("add member error: %v", err)
	}
	m.h.BroadcastPresence(ctx, padID)
	glog.V(1).Infof("conn %s (%s) joined pad %s", id, name, padID)

	// 阻塞至连接关闭
	wsConn.readLoop(ctx, m.opts.PresenceTTL, m.opts.ReadTimeout)
}

package ws

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"chainpad/backend/internal/collab"
	"chainpad/backend/internal/wire"
)

const (
	writeWait  = 10 * time.Second
	submitWait = 200 * time.Millisecond
	sendBuffer = 256
)

type Conn struct {
	ws    *websocket.Conn
	hub   *Hub
	pad   *collab.Pad
	padID string
	id    string
	name  string
	// 出站队列，由 writeLoop 独占写 websocket
	send chan ServerMessage
	done chan struct{}
	once sync.Once
	// 限制同时进入归档节点的提交数量
	sem *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, pad *collab.Pad, id, name string, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:    ws,
		hub:   hub,
		pad:   pad,
		padID: pad.ID(),
		id:    id,
		name:  name,
		send:  make(chan ServerMessage, sendBuffer),
		done:  make(chan struct{}),
		sem:   sem,
	}
}

func (c *Conn) ID() string { return c.id }

// Enqueue 不阻塞。队列满说明客户端跟不上，直接断开，
// 客户端重连后会从历史补齐，不能静默丢消息。
func (c *Conn) Enqueue(msg ServerMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
		glog.Warningf("conn %s (pad=%s) too slow, closing", c.id, c.padID)
		c.shutdown()
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Conn) handleMessage(ctx context.Context, cm ClientMessage) {
	if cm.Message == nil {
		c.Enqueue(ServerMessage{Type: TypeError, Content: "MISSING_MESSAGE"})
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, submitWait)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		c.Enqueue(ServerMessage{Type: TypeError, Content: err.Error()})
		return
	}
	defer c.sem.Release()

	msg := *cm.Message
	_, err := c.pad.Submit(submitCtx, msg, func(m wire.Message) {
		c.hub.Broadcast(c.padID, c, ServerMessage{Type: TypeMessage, PadID: c.padID, Message: &m})
	})
	if err != nil {
		glog.Warningf("conn %s (pad=%s) submit %s: %v", c.id, c.padID, msg.Hash.Short(), err)
		c.Enqueue(ServerMessage{Type: TypeError, Content: err.Error()})
	}
}

func (c *Conn) readLoop(ctx context.Context, presenceTTL, readTimeout time.Duration) {
	for {
		if readTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		}
		var cm ClientMessage
		if err := c.ws.ReadJSON(&cm); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Warningf("read json error (conn=%s, pad=%s): %v", c.id, c.padID, err)
			}
			return
		}
		switch cm.Type {
		case TypeHeartbeat:
			if err := c.hub.presence.AddMember(ctx, c.padID, c.id, c.name, presenceTTL); err != nil {
				glog.Warningf("add member error: %v", err)
			}
			c.hub.BroadcastPresence(ctx, c.padID)
		case TypeMessage:
			c.handleMessage(ctx, cm)
		default:
			c.Enqueue(ServerMessage{Type: TypeError, Content: "UNKNOWN_TYPE"})
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(msg); err != nil {
				glog.V(1).Infof("write json error (conn=%s, pad=%s): %v", c.id, c.padID, err)
				c.shutdown()
				return
			}
		}
	}
}

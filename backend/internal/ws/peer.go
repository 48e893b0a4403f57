package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"chainpad/backend/internal/cache"
	"chainpad/backend/internal/chainpad"
	"chainpad/backend/internal/wire"
)

var ErrNoWelcome = errors.New("NO_WELCOME")

type PeerOptions struct {
	Header http.Header
	// 心跳间隔，0 表示不发
	Heartbeat time.Duration
	AutoSync  bool
}

// Peer 通过中继加入 pad 的客户端节点：一个 chainpad.Engine 加一条 websocket
type Peer struct {
	ws      *websocket.Conn
	engine  *chainpad.Engine
	welcome ServerMessage

	send    chan ClientMessage
	synced  chan struct{}
	closing chan struct{}
	wg      sync.WaitGroup

	syncOnce sync.Once
	stopOnce sync.Once

	mu      sync.Mutex
	err     error
	members []cache.PresenceMember
}

// Dial 连接中继，读到 welcome 后按其中的参数创建引擎。
// 引擎在历史回放完（收到 synced）后才启动，之前的本地编辑先排队。
func Dial(ctx context.Context, url string, opts PeerOptions) (*Peer, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	var welcome ServerMessage
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	if welcome.Type != TypeWelcome || welcome.Config == nil {
		conn.Close()
		return nil, fmt.Errorf("%w: got %q %s", ErrNoWelcome, welcome.Type, welcome.Content)
	}

	engine, err := chainpad.New(chainpad.Config{
		UserName:           welcome.UserName,
		CheckpointInterval: welcome.Config.CheckpointInterval,
		AutoSync:           opts.AutoSync,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	p := &Peer{
		ws:      conn,
		engine:  engine,
		welcome: welcome,
		send:    make(chan ClientMessage, sendBuffer),
		synced:  make(chan struct{}),
		closing: make(chan struct{}),
	}
	engine.OnMessage(func(msg wire.Message, done func()) {
		select {
		case p.send <- ClientMessage{Type: TypeMessage, Message: &msg}:
			done()
		case <-p.closing:
		}
	})

	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop(opts.Heartbeat)
	return p, nil
}

func (p *Peer) Engine() *chainpad.Engine {
	return p.engine
}

func (p *Peer) PadID() string {
	return p.welcome.PadID
}

// Synced 历史回放完成后关闭
func (p *Peer) Synced() <-chan struct{} {
	return p.synced
}

func (p *Peer) WaitSynced(ctx context.Context) error {
	select {
	case <-p.synced:
		return nil
	case <-p.closing:
		if err := p.Err(); err != nil {
			return err
		}
		return websocket.ErrCloseSent
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitIdle 等到没有待确认操作、没有缓冲消息、出站队列为空
func (p *Peer) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.engine.Pending() == 0 && p.engine.Buffered() == 0 && len(p.send) == 0 {
			return nil
		}
		select {
		case <-ticker.C:
		case <-p.closing:
			return p.Err()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Done 连接关闭（主动或被动）后关闭
func (p *Peer) Done() <-chan struct{} {
	return p.closing
}

// Members 最近一次收到的在线成员
func (p *Peer) Members() []cache.PresenceMember {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]cache.PresenceMember(nil), p.members...)
}

// Err 连接异常断开的原因；正常关闭返回 nil
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close 发完出站队列后关闭连接并终止引擎
func (p *Peer) Close() error {
	p.stop(nil)
	p.wg.Wait()
	p.engine.Abort()
	return p.Err()
}

func (p *Peer) stop(err error) {
	p.stopOnce.Do(func() {
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			p.mu.Lock()
			p.err = err
			p.mu.Unlock()
		}
		close(p.closing)
	})
}

func (p *Peer) deliver(msg wire.Message) {
	if err := p.engine.Message(msg); err != nil {
		glog.V(2).Infof("peer %s: message %s: %v", p.engine.UserName(), msg.Hash.Short(), err)
	}
}

// restore 中继裁剪过的历史以检查点开头，从它开始重建链
func (p *Peer) restore(history []wire.Message) {
	if len(history) == 0 || history[0].Kind != wire.KindCheckpoint || p.engine.State() != chainpad.StateCreated {
		return
	}
	if err := p.engine.Restore(history[0]); err != nil {
		glog.Warningf("peer %s: restore from %s: %v", p.engine.UserName(), history[0].Hash.Short(), err)
	}
}

func (p *Peer) readLoop() {
	defer p.wg.Done()
	for {
		var sm ServerMessage
		if err := p.ws.ReadJSON(&sm); err != nil {
			p.stop(err)
			return
		}
		switch sm.Type {
		case TypeHistory:
			p.restore(sm.History)
			for _, msg := range sm.History {
				p.deliver(msg)
			}
		case TypeSynced:
			if err := p.engine.Start(); err != nil {
				p.stop(err)
				return
			}
			p.syncOnce.Do(func() { close(p.synced) })
		case TypeMessage:
			if sm.Message != nil {
				p.deliver(*sm.Message)
			}
		case TypePresence:
			p.mu.Lock()
			p.members = sm.Members
			p.mu.Unlock()
		case TypeError:
			glog.Warningf("peer %s: relay error: %s", p.engine.UserName(), sm.Content)
		}
	}
}

func (p *Peer) writeLoop(heartbeat time.Duration) {
	defer p.wg.Done()
	var tick <-chan time.Time
	if heartbeat > 0 {
		ticker := time.NewTicker(heartbeat)
		defer ticker.Stop()
		tick = ticker.C
		// 加入后立即报到一次
		if err := p.write(ClientMessage{Type: TypeHeartbeat}); err != nil {
			p.stop(err)
		}
	}
	for {
		select {
		case msg := <-p.send:
			if err := p.write(msg); err != nil {
				p.stop(err)
				_ = p.ws.Close()
				return
			}
		case <-tick:
			if err := p.write(ClientMessage{Type: TypeHeartbeat}); err != nil {
				p.stop(err)
				_ = p.ws.Close()
				return
			}
		case <-p.closing:
			p.drain()
			return
		}
	}
}

// drain 把已经排队的消息发完，再发关闭帧
func (p *Peer) drain() {
	defer p.ws.Close()
	for {
		select {
		case msg := <-p.send:
			if err := p.write(msg); err != nil {
				return
			}
		default:
			_ = p.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

func (p *Peer) write(msg ClientMessage) error {
	_ = p.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return p.ws.WriteJSON(msg)
}

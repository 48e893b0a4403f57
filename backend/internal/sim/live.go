package sim

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"chainpad/backend/internal/chainpad"
	"chainpad/backend/internal/wire"
)

// mailbox 无界收件箱，发送方永远不阻塞
type mailbox struct {
	mu   sync.Mutex
	msgs []wire.Message
	wake chan struct{}
}

func (m *mailbox) push(msg wire.Message) {
	m.mu.Lock()
	m.msgs = append(m.msgs, msg)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *mailbox) drain() []wire.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.msgs
	m.msgs = nil
	return out
}

// Live 用真实的 goroutine 连接多个节点：每个节点一个收件协程。
// 用来检验 Engine 在并发调用下的行为。
type Live struct {
	peers   []*chainpad.Engine
	boxes   []*mailbox
	pending atomic.Int64
}

func NewLive(peers ...*chainpad.Engine) *Live {
	l := &Live{peers: peers}
	for range peers {
		l.boxes = append(l.boxes, &mailbox{wake: make(chan struct{}, 1)})
	}
	for i, e := range peers {
		i := i
		e.OnMessage(func(msg wire.Message, done func()) {
			for j, box := range l.boxes {
				if j == i {
					continue
				}
				l.pending.Add(1)
				box.push(msg)
			}
			done()
		})
	}
	return l
}

// Run 启动收件协程，直到 ctx 结束
func (l *Live) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := range l.peers {
		e, box := l.peers[i], l.boxes[i]
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-box.wake:
				}
				for _, msg := range box.drain() {
					_ = e.Message(msg)
					l.pending.Add(-1)
				}
			}
		})
	}
	return g.Wait()
}

// Quiet 所有消息都已投递并且没有节点还有待确认操作
func (l *Live) Quiet() bool {
	if l.pending.Load() != 0 {
		return false
	}
	for _, e := range l.peers {
		if e.Pending() > 0 {
			return false
		}
	}
	return l.pending.Load() == 0
}

// Edit 每个节点一个协程并发执行 fn
func Edit(ctx context.Context, peers []*chainpad.Engine, fn func(ctx context.Context, i int, e *chainpad.Engine) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, e := range peers {
		i, e := i, e
		g.Go(func() error { return fn(ctx, i, e) })
	}
	return g.Wait()
}

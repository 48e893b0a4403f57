package sim

import (
	"errors"
	"math/rand"
	"sort"

	"chainpad/backend/internal/chainpad"
	"chainpad/backend/internal/wire"
)

var ErrNoProgress = errors.New("NO_PROGRESS")

type delivery struct {
	at  int
	seq int
	run func()
}

// Network 单线程、可复现的模拟网络。
// 每条消息和每个 done 都带随机延迟，同一时刻按入队顺序执行，
// 所以到达顺序是乱的，但同一个 seed 结果完全一样。
type Network struct {
	rng      *rand.Rand
	maxDelay int
	now      int
	seq      int
	queue    []delivery
	peers    []*chainpad.Engine
	sent     map[string][]wire.Message
}

func NewNetwork(seed int64, maxDelay int) *Network {
	if maxDelay < 1 {
		maxDelay = 1
	}
	return &Network{
		rng:      rand.New(rand.NewSource(seed)),
		maxDelay: maxDelay,
		sent:     make(map[string][]wire.Message),
	}
}

func (n *Network) Rand() *rand.Rand {
	return n.rng
}

// Join 把节点接入网络。先 Join 所有节点再开始编辑，晚加入的节点收不到之前的消息。
func (n *Network) Join(e *chainpad.Engine) {
	n.peers = append(n.peers, e)
	e.OnMessage(func(msg wire.Message, done func()) {
		n.sent[e.UserName()] = append(n.sent[e.UserName()], msg)
		for _, other := range n.peers {
			if other == e {
				continue
			}
			other := other
			n.schedule(func() { _ = other.Message(msg) })
		}
		n.schedule(done)
	})
}

// Sent 节点发出过的所有消息，按发送顺序
func (n *Network) Sent(userName string) []wire.Message {
	return append([]wire.Message(nil), n.sent[userName]...)
}

func (n *Network) Peers() []*chainpad.Engine {
	return n.peers
}

func (n *Network) schedule(f func()) {
	n.seq++
	n.queue = append(n.queue, delivery{at: n.now + 1 + n.rng.Intn(n.maxDelay), seq: n.seq, run: f})
}

// Step 执行最早到期的一次投递，队列为空时返回 false
func (n *Network) Step() bool {
	if len(n.queue) == 0 {
		return false
	}
	sort.Slice(n.queue, func(i, j int) bool {
		if n.queue[i].at != n.queue[j].at {
			return n.queue[i].at < n.queue[j].at
		}
		return n.queue[i].seq < n.queue[j].seq
	})
	d := n.queue[0]
	n.queue = n.queue[1:]
	n.now = d.at
	d.run()
	return true
}

// InFlight 还没投递的消息和 done 数量
func (n *Network) InFlight() int {
	return len(n.queue)
}

// Settle 不断投递并让所有节点 sync，直到网络为空且没有待确认操作
func (n *Network) Settle(maxSteps int) error {
	for i := 0; i < maxSteps; i++ {
		n.Step()
		busy := false
		for _, p := range n.peers {
			if p.Pending() > 0 {
				busy = true
				_ = p.Sync()
			}
		}
		if !busy && len(n.queue) == 0 {
			return nil
		}
	}
	return ErrNoProgress
}

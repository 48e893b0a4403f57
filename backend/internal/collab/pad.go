package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/sync/singleflight"

	"chainpad/backend/internal/cache"
	"chainpad/backend/internal/chain"
	"chainpad/backend/internal/chainpad"
	"chainpad/backend/internal/ot"
	"chainpad/backend/internal/wire"
)

var (
	// 消息本身不合法（哈希不符、格式错误、越界），不转发
	ErrRejected  = errors.New("MESSAGE_REJECTED")
	ErrPadClosed = errors.New("PAD_CLOSED")
)

// CheckpointSaver 检查点归档，store.CheckpointStore 实现
type CheckpointSaver interface {
	SaveCheckpoint(ctx context.Context, padID string, b *chain.Block) error
}

// Registry 管理中继上所有的 pad。
// 每个 pad 有一个只读的归档节点：校验客户端消息、派生检查点，
// 新区块发到 Kafka，检查点写 MySQL。
type Registry struct {
	cfg         chainpad.Config
	history     cache.HistoryCache
	dispatcher  *KafkaDispatcher
	checkpoints CheckpointSaver
	// 限制并发的检查点写入
	sem *SemaphoreControl

	mu   sync.RWMutex
	pads map[string]*Pad
	// 同一个 pad 同时只回放一次历史
	sf    singleflight.Group
	saves sync.WaitGroup
}

// NewRegistry dispatcher 和 checkpoints 可以为 nil
func NewRegistry(cfg chainpad.Config, history cache.HistoryCache, dispatcher *KafkaDispatcher, checkpoints CheckpointSaver, sem *SemaphoreControl) *Registry {
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = chainpad.DefaultCheckpointInterval
	}
	if sem == nil {
		sem = NewSemaphoreControl(DefaultSemaphore)
	}
	return &Registry{
		cfg:         cfg,
		history:     history,
		dispatcher:  dispatcher,
		checkpoints: checkpoints,
		sem:         sem,
		pads:        make(map[string]*Pad),
	}
}

// Config 所有节点加入 pad 时必须使用的参数
func (r *Registry) Config() chainpad.Config {
	return r.cfg
}

func (r *Registry) Get(ctx context.Context, padID string) (*Pad, error) {
	r.mu.RLock()
	p := r.pads[padID]
	r.mu.RUnlock()
	if p != nil {
		return p, nil
	}
	v, err, _ := r.sf.Do(padID, func() (interface{}, error) {
		r.mu.RLock()
		p := r.pads[padID]
		r.mu.RUnlock()
		if p != nil {
			return p, nil
		}
		p, err := r.load(ctx, padID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.pads[padID] = p
		r.mu.Unlock()
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	if p, ok := v.(*Pad); ok {
		return p, nil
	}
	return nil, errors.New("internal type error")
}

// Pads 有历史记录的 pad
func (r *Registry) Pads(ctx context.Context) ([]string, error) {
	return r.history.Pads(ctx)
}

// Close 关闭所有归档节点，等待检查点写完
func (r *Registry) Close() {
	r.mu.Lock()
	for id, p := range r.pads {
		p.close()
		delete(r.pads, id)
	}
	r.mu.Unlock()
	r.saves.Wait()
}

func (r *Registry) load(ctx context.Context, padID string) (*Pad, error) {
	raws, err := r.history.Load(ctx, padID)
	if err != nil {
		return nil, fmt.Errorf("load history of %s: %w", padID, err)
	}
	// 归档节点不带初始内容，初始内容作为第一条消息写进历史
	engine, err := chainpad.New(chainpad.Config{
		UserName:           relayName(padID),
		CheckpointInterval: r.cfg.CheckpointInterval,
	})
	if err != nil {
		return nil, err
	}
	p := &Pad{
		id:      padID,
		engine:  engine,
		history: r.history,
		seen:    make(map[chain.Hash]struct{}, len(raws)),
	}
	var msgs []wire.Message
	for _, raw := range raws {
		msg, err := wire.Unmarshal(raw)
		if err != nil {
			glog.Warningf("pad %s: skip bad history entry: %v", padID, err)
			continue
		}
		if _, dup := p.seen[msg.Hash]; dup {
			continue
		}
		p.seen[msg.Hash] = struct{}{}
		msgs = append(msgs, msg)
	}
	// 裁剪过的历史以 root 检查点开头
	if len(msgs) > 0 && msgs[0].Kind == wire.KindCheckpoint {
		if err := engine.Restore(msgs[0]); err != nil {
			glog.Warningf("pad %s: restore from %s: %v", padID, msgs[0].Hash.Short(), err)
		}
	}
	if err := engine.Start(); err != nil {
		return nil, err
	}
	for _, msg := range msgs {
		p.log = append(p.log, msg)
		if err := engine.Message(msg); err != nil {
			glog.V(2).Infof("pad %s: history entry %s: %v", padID, msg.Hash.Short(), err)
		}
	}
	if len(p.log) == 0 && r.cfg.InitialState != "" {
		if err := p.seed(ctx, r.cfg.InitialState); err != nil {
			return nil, err
		}
	}
	// 历史回放时归档节点就可能推进了 root
	p.root = chain.Genesis().Digest()
	if root := engine.Root(); root.Depth > 0 && (len(p.log) == 0 || p.log[0].Hash != root.Hash) {
		p.trimLocked(ctx)
	}
	// 回放完成后才订阅，避免重启时重复发布
	engine.OnBlock(func(b *chain.Block) { r.publish(padID, b) })
	glog.Infof("pad %s loaded: %d messages, tip %s", padID, len(p.log), engine.AuthBlock().Hash.Short())
	return p, nil
}

func relayName(padID string) string {
	return "relay:" + padID
}

func (r *Registry) publish(padID string, b *chain.Block) {
	if r.dispatcher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if err := r.dispatcher.Enqueue(ctx, NewBlockEvent(padID, b)); err != nil {
			glog.Warningf("pad %s: drop block event %s: %v", padID, b.Hash.Short(), err)
		}
		cancel()
	}
	if r.checkpoints == nil || !b.IsCheckpoint() {
		return
	}
	r.saves.Add(1)
	go func() {
		defer r.saves.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.sem.Acquire(ctx); err != nil {
			glog.Errorf("pad %s: checkpoint %s not saved: %v", padID, b.Hash.Short(), err)
			return
		}
		defer r.sem.Release()
		if err := r.checkpoints.SaveCheckpoint(ctx, padID, b); err != nil {
			glog.Errorf("pad %s: save checkpoint %s: %v", padID, b.Hash.Short(), err)
		}
	}()
}

// Pad 一个文档的中继状态
type Pad struct {
	id      string
	engine  *chainpad.Engine
	history cache.HistoryCache

	mu   sync.Mutex
	log  []wire.Message
	seen map[chain.Hash]struct{}
	// 历史开头对应的归档 root
	root   chain.Hash
	closed bool
}

func (p *Pad) ID() string {
	return p.id
}

// Submit 校验一条客户端消息，写入历史，并在持锁状态下调用 fanout 转发。
// 重复的消息返回 false 且不转发。
func (p *Pad) Submit(ctx context.Context, msg wire.Message, fanout func(wire.Message)) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false, ErrPadClosed
	}
	if _, dup := p.seen[msg.Hash]; dup {
		return false, nil
	}
	err := p.engine.Message(msg)
	switch {
	case err == nil:
	case errors.Is(err, chainpad.ErrInvalidState):
		return false, ErrPadClosed
	case errors.Is(err, chain.ErrPruned):
		// 落后太多的分支中继已经裁掉了，照样转发，其他节点自己判断；
		// 不进历史，新节点用不上
		p.seen[msg.Hash] = struct{}{}
		if fanout != nil {
			fanout(msg)
		}
		return true, nil
	case chainpad.IsDropped(err):
		return false, fmt.Errorf("%w: %v", ErrRejected, err)
	default:
		return false, err
	}
	if err := p.appendLocked(ctx, msg); err != nil {
		return false, err
	}
	if fanout != nil {
		fanout(msg)
	}
	if p.engine.Root().Hash != p.root {
		p.trimLocked(ctx)
	}
	return true, nil
}

func (p *Pad) appendLocked(ctx context.Context, msg wire.Message) error {
	raw, err := wire.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.history.Append(ctx, p.id, raw); err != nil {
		return fmt.Errorf("append history of %s: %w", p.id, err)
	}
	p.seen[msg.Hash] = struct{}{}
	p.log = append(p.log, msg)
	return nil
}

// seed 空 pad 的初始内容：以中继的名义写在创世块之后
func (p *Pad) seed(ctx context.Context, initial string) error {
	patch := chain.NewPatch(chain.Genesis().Digest(), 1, relayName(p.id), ot.New(0, 0, initial))
	msg := wire.FromPatch(patch)
	if err := p.engine.Message(msg); err != nil {
		return fmt.Errorf("seed %s: %w", p.id, err)
	}
	return p.appendLocked(ctx, msg)
}

// trimLocked 归档节点裁剪之后，历史换成从新 root 检查点开始：
// root 之前的消息和已裁剪的分支不再回放给新节点。写失败时保留旧历史。
func (p *Pad) trimLocked(ctx context.Context) {
	root := p.engine.Root()
	head := wire.FromPatch(root.Patch)
	kept := []wire.Message{head}
	for _, m := range p.log {
		if m.Hash == head.Hash || m.Depth <= root.Depth {
			continue
		}
		if _, ok := p.engine.BlockForHash(m.Hash); !ok && p.engine.IsPruned(m.Hash) {
			continue
		}
		kept = append(kept, m)
	}
	raws := make([][]byte, 0, len(kept))
	for _, m := range kept {
		raw, err := wire.Marshal(m)
		if err != nil {
			glog.Errorf("pad %s: trim history: %v", p.id, err)
			return
		}
		raws = append(raws, raw)
	}
	if err := p.history.Replace(ctx, p.id, raws); err != nil {
		glog.Errorf("pad %s: trim history at %s: %v", p.id, root.Hash.Short(), err)
		return
	}
	seen := make(map[chain.Hash]struct{}, len(kept))
	for _, m := range kept {
		seen[m.Hash] = struct{}{}
	}
	glog.V(2).Infof("pad %s: history trimmed at %s, %d -> %d messages", p.id, root.Hash.Short(), len(p.log), len(kept))
	p.log, p.seen, p.root = kept, seen, root.Hash
}

// Attach 持锁调用 fn 并传入历史：从 root 检查点（或创世块之后）开始的全部消息。
// fn 里完成订阅，之后 Submit 的消息一定排在这份历史之后。
func (p *Pad) Attach(fn func(history []wire.Message)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPadClosed
	}
	fn(append([]wire.Message(nil), p.log...))
	return nil
}

type Status struct {
	PadID              string     `json:"padId"`
	Doc                string     `json:"doc"`
	Tip                chain.Hash `json:"tip"`
	Depth              int        `json:"depth"`
	Root               chain.Hash `json:"root"`
	Messages           int        `json:"messages"`
	Retained           int        `json:"retained"`
	Buffered           int        `json:"buffered"`
	CheckpointInterval int        `json:"checkpointInterval"`
}

func (p *Pad) Status() Status {
	p.mu.Lock()
	n := len(p.log)
	p.mu.Unlock()
	st := Status{
		PadID:              p.id,
		Doc:                p.engine.AuthDoc(),
		Messages:           n,
		Retained:           p.engine.Retained(),
		Buffered:           p.engine.Buffered(),
		CheckpointInterval: p.engine.CheckpointInterval(),
	}
	if tip := p.engine.AuthBlock(); tip != nil {
		st.Tip = tip.Hash
		st.Depth = tip.Depth
	}
	if root := p.engine.Root(); root != nil {
		st.Root = root.Hash
	}
	return st
}

func (p *Pad) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.engine.Abort()
}

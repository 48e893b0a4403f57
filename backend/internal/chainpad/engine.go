package chainpad

import (
	"errors"
	"fmt"
	"sync"
	"unicode/utf8"

	"github.com/golang/glog"

	"chainpad/backend/internal/causal"
	"chainpad/backend/internal/chain"
	"chainpad/backend/internal/merge"
	"chainpad/backend/internal/ot"
	"chainpad/backend/internal/wire"
)

type State int

const (
	StateCreated State = iota
	StateStarted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStarted:
		return "STARTED"
	case StateAborted:
		return "ABORTED"
	}
	return "UNKNOWN"
}

// Engine 一个节点上的同步引擎。
// 本地编辑进入待确认队列，远端消息经因果缓冲接入哈希链，
// tip 变化时把队列变换到新 tip 上，重新计算 userDoc。
// 所有节点从同一个空文档创世块开始，InitialState 作为第一条待确认操作提交。
// 所有方法可以并发调用；回调在不持锁的情况下串行执行。
type Engine struct {
	mu  sync.Mutex
	cfg Config

	state   State
	store   *chain.Store
	buffer  *causal.Buffer
	rebaser *merge.Rebaser

	pending []merge.Pending
	userDoc string
	// 本节点派生出的检查点，先于待确认操作发出
	announce []wire.Message

	// Start 之前收到的消息和 sync 请求
	inbox         []chain.Patch
	syncRequested bool

	inFlight *send

	onMessage []MessageHandler
	onPatch   []PatchHandler
	onBlock   []BlockHandler

	events   []event
	flushing bool
}

func New(cfg Config) (*Engine, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	store := chain.NewStore()
	e := &Engine{
		cfg:     cfg,
		state:   StateCreated,
		store:   store,
		buffer:  causal.New(),
		rebaser: merge.NewRebaser(cfg.UserName, store),
		userDoc: cfg.InitialState,
	}
	if cfg.InitialState != "" {
		e.pending = []merge.Pending{{Op: ot.New(0, 0, cfg.InitialState)}}
	}
	return e, nil
}

// Restore 只能在 Start 之前调用：以检查点 msg 为 root 和 tip 重建本地链，
// 待确认队列搬到检查点的内容上。用于中途加入时跳过检查点之前的历史。
func (e *Engine) Restore(msg wire.Message) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateCreated {
		return ErrInvalidState
	}
	p, err := msg.Patch()
	if err != nil {
		return err
	}
	if !p.IsCheckpoint() {
		return fmt.Errorf("%w: restore from %v %s", ErrNotCheckpoint, p.Kind, msg.Hash.Short())
	}
	oldTip := e.store.Tip()
	e.store = chain.NewStoreFrom(p)
	e.rebaser = merge.NewRebaser(e.cfg.UserName, e.store)
	e.buffer.Reset()
	e.pending = e.rebaser.Rebase(e.pending, oldTip, e.store.Tip())
	e.refreshLocked()
	glog.Infof("chainpad: %s restored at %s depth %d", e.cfg.UserName, msg.Hash.Short(), p.Depth)
	return nil
}

func (e *Engine) Start() error {
	e.mu.Lock()
	switch e.state {
	case StateAborted:
		e.mu.Unlock()
		return ErrInvalidState
	case StateStarted:
		e.mu.Unlock()
		return nil
	}
	e.state = StateStarted
	glog.Infof("chainpad: %s started at %s", e.cfg.UserName, e.store.Tip().Hash.Short())

	inbox := e.inbox
	e.inbox = nil
	for _, p := range inbox {
		if err := e.acceptLocked(p); err != nil {
			glog.Warningf("chainpad: %s drop queued %s: %v", e.cfg.UserName, p.Digest().Short(), err)
		}
	}
	withPending := e.syncRequested || e.cfg.AutoSync
	e.syncRequested = false
	e.sendLocked(withPending)
	e.mu.Unlock()
	e.flush()
	return nil
}

// Abort 释放全部状态，之后的 done 回调都是空操作。可重复调用。
func (e *Engine) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateAborted {
		return
	}
	e.state = StateAborted
	e.store = nil
	e.rebaser = nil
	e.buffer.Reset()
	e.pending = nil
	e.announce = nil
	e.userDoc = ""
	e.inbox = nil
	e.inFlight = nil
	e.events = nil
	e.onMessage, e.onPatch, e.onBlock = nil, nil, nil
	glog.Infof("chainpad: %s aborted", e.cfg.UserName)
}

// Change 在 userDoc 上做一次本地编辑：立即生效，进入待确认队列
func (e *Engine) Change(offset, toRemove int, toInsert string) error {
	e.mu.Lock()
	if e.state == StateAborted {
		e.mu.Unlock()
		return ErrInvalidState
	}
	op := ot.New(offset, toRemove, toInsert)
	if err := op.Check(utf8.RuneCountInString(e.userDoc)); err != nil {
		e.mu.Unlock()
		return err
	}
	if op.IsNoop() {
		e.mu.Unlock()
		return nil
	}
	next, err := op.Apply(e.userDoc)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	e.pending = append(e.pending, merge.Pending{Op: op})
	e.userDoc = next
	e.events = append(e.events, event{kind: evPatch})
	if e.cfg.AutoSync {
		e.sendLocked(true)
	}
	e.mu.Unlock()
	e.flush()
	return nil
}

// Sync 没有在途消息时，把最早的待确认操作绑定到当前 tip 发出去
func (e *Engine) Sync() error {
	e.mu.Lock()
	if e.state == StateAborted {
		e.mu.Unlock()
		return ErrInvalidState
	}
	e.sendLocked(true)
	e.mu.Unlock()
	e.flush()
	return nil
}

// sendLocked 一次只有一条在途消息：先发派生的检查点，
// withPending 时再把队首的待确认操作绑定到当前 tip 发出去。
func (e *Engine) sendLocked(withPending bool) {
	if e.state != StateStarted {
		if withPending {
			e.syncRequested = true
		}
		return
	}
	for e.inFlight == nil {
		var msg wire.Message
		switch {
		case len(e.announce) > 0:
			msg = e.announce[0]
			e.announce = e.announce[1:]
		case withPending && len(e.pending) > 0:
			head := &e.pending[0]
			if head.Op.IsNoop() {
				e.pending = e.pending[1:]
				continue
			}
			tip := e.store.Tip()
			p := chain.NewPatch(tip.Hash, tip.Depth+1, e.cfg.UserName, head.Op)
			msg = wire.FromPatch(p)
			head.Sent = append(head.Sent, msg.Hash)
			glog.V(2).Infof("chainpad: %s send %s on %s", e.cfg.UserName, msg.Hash.Short(), p.Parent.Short())
		default:
			return
		}

		if len(e.onMessage) == 0 {
			// 没有传输层，直接当作发送完成
			if err := e.ingestLocked(msg); err != nil {
				return
			}
			continue
		}
		s := &send{msg: msg, remaining: len(e.onMessage)}
		e.inFlight = s
		e.events = append(e.events, event{kind: evSend, send: s, handlers: e.onMessage})
	}
}

// Message 接收一条远端消息。
// 返回值只说明消息为什么被丢弃，丢弃的消息不会改变任何状态。
func (e *Engine) Message(msg wire.Message) error {
	e.mu.Lock()
	if e.state == StateAborted {
		e.mu.Unlock()
		return ErrInvalidState
	}
	if e.state == StateCreated {
		p, err := msg.Patch()
		if err == nil {
			e.inbox = append(e.inbox, p)
		}
		e.mu.Unlock()
		return err
	}
	err := e.ingestLocked(msg)
	e.sendLocked(e.cfg.AutoSync)
	e.mu.Unlock()
	e.flush()
	return err
}

func (e *Engine) ingestLocked(msg wire.Message) error {
	p, err := msg.Patch()
	if err == nil {
		err = e.acceptLocked(p)
	}
	if err != nil {
		glog.Warningf("chainpad: %s drop %s from %q: %v", e.cfg.UserName, msg.Hash.Short(), msg.Author, err)
	}
	return err
}

func (e *Engine) acceptLocked(p chain.Patch) error {
	oldTip := e.store.Tip()
	created, buffered, err := e.buffer.Accept(p, e.resolveLocked)
	if buffered {
		glog.V(2).Infof("chainpad: %s buffered %s, parent %s unknown", e.cfg.UserName, p.Digest().Short(), p.Parent.Short())
		return nil
	}
	// p 本身被丢弃时，释放出来的检查点照样参与分叉选择
	for _, b := range created {
		e.events = append(e.events, event{kind: evBlock, block: b})
	}
	newTip := merge.Best(oldTip, created...)
	if newTip == oldTip {
		return err
	}
	if serr := e.store.SetTip(newTip.Hash); serr != nil {
		return serr
	}
	if newTip.Parent() != oldTip.Hash {
		glog.V(2).Infof("chainpad: %s switch %s -> %s", e.cfg.UserName, oldTip.Hash.Short(), newTip.Hash.Short())
	}
	e.pending = e.rebaser.Rebase(e.pending, oldTip, newTip)
	e.refreshLocked()
	e.truncateLocked()
	return err
}

// resolveLocked 接入一个 patch；patch 块凑满一个周期时派生检查点。
// 派生的检查点由每个算出它的节点广播一次，
// 这样父块在别处已被裁剪的节点也能收到它，从检查点继续。
func (e *Engine) resolveLocked(p chain.Patch) ([]*chain.Block, error) {
	b, created, err := e.store.Append(p)
	if err != nil || !created {
		return nil, err
	}
	out := []*chain.Block{b}
	if !b.IsCheckpoint() && b.SinceCheckpoint == e.cfg.CheckpointInterval {
		cp, ok, err := e.store.Append(chain.NewCheckpoint(b.Hash, b.Depth+1, b.Doc))
		switch {
		case err != nil:
			glog.Errorf("chainpad: %s checkpoint on %s: %v", e.cfg.UserName, b.Hash.Short(), err)
		case ok:
			glog.V(2).Infof("chainpad: %s checkpoint %s at depth %d", e.cfg.UserName, cp.Hash.Short(), cp.Depth)
			out = append(out, cp)
			e.announce = append(e.announce, wire.FromPatch(cp.Patch))
		}
	}
	return out, nil
}

// refreshLocked 按新 tip 重算 userDoc。
// 队列里的操作不会被丢弃：万一某个操作超出文档范围，收缩到范围内继续。
func (e *Engine) refreshLocked() {
	tip := e.store.Tip()
	doc, err := ot.ApplyAll(tip.Doc, merge.Ops(e.pending)...)
	if err != nil {
		doc = tip.Doc
		for i := range e.pending {
			next, aerr := e.pending[i].Op.Apply(doc)
			if aerr != nil {
				glog.Errorf("chainpad: %s pending %v does not fit %s, clamped: %v", e.cfg.UserName, e.pending[i].Op, tip.Hash.Short(), aerr)
				e.pending[i].Op = e.pending[i].Op.Clamp(utf8.RuneCountInString(doc))
				next, _ = e.pending[i].Op.Apply(doc)
			}
			doc = next
		}
	}
	if doc != e.userDoc {
		e.userDoc = doc
		e.events = append(e.events, event{kind: evPatch})
	}
}

// truncateLocked 主链上最近的检查点之前再保留两个完整周期，更早的区块裁掉。
// 因果缓冲非空时不裁剪。
func (e *Engine) truncateLocked() {
	if e.buffer.Len() > 0 {
		return
	}
	cur, ok := e.store.Get(e.store.Tip().Checkpoint)
	for i := 0; ok && i < retainedEpochs; i++ {
		var behind *chain.Block
		if behind, ok = e.store.Get(cur.Parent()); ok {
			cur, ok = e.store.Get(behind.Checkpoint)
		}
	}
	if !ok || cur.Hash == e.store.Root().Hash {
		return
	}
	n, err := e.store.Truncate(cur.Hash)
	if err != nil {
		glog.Errorf("chainpad: %s truncate at %s: %v", e.cfg.UserName, cur.Hash.Short(), err)
		return
	}
	e.rebaser.Forget()
	glog.V(2).Infof("chainpad: %s pruned %d blocks behind %s", e.cfg.UserName, n, cur.Hash.Short())
}

func (e *Engine) OnMessage(h MessageHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAborted {
		e.onMessage = append(e.onMessage, h)
	}
}

func (e *Engine) OnPatch(h PatchHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAborted {
		e.onPatch = append(e.onPatch, h)
	}
}

func (e *Engine) OnBlock(h BlockHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateAborted {
		e.onBlock = append(e.onBlock, h)
	}
}

// 以下查询在 Abort 之后返回零值

func (e *Engine) AuthDoc() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return ""
	}
	return e.store.Tip().Doc
}

func (e *Engine) UserDoc() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.userDoc
}

func (e *Engine) AuthBlock() *chain.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	return e.store.Tip()
}

// Root 裁剪边界上的检查点
func (e *Engine) Root() *chain.Block {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil
	}
	return e.store.Root()
}

// IsPruned h 是否是已裁剪（或落在裁剪边界之外）的区块
func (e *Engine) IsPruned(h chain.Hash) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return false
	}
	return e.store.IsPruned(h)
}

func (e *Engine) BlockForHash(h chain.Hash) (*chain.Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return nil, false
	}
	return e.store.Get(h)
}

// DepthOfState doc 距 tip 的块数，找不到返回 -1
func (e *Engine) DepthOfState(doc string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return -1
	}
	return e.store.DepthOfState(doc)
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Pending 待确认的本地操作数量
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Buffered 因父块未到而暂存的消息数量
func (e *Engine) Buffered() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffer.Len()
}

// Retained 保留的区块数量
func (e *Engine) Retained() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.store == nil {
		return 0
	}
	return e.store.Len()
}

func (e *Engine) UserName() string {
	return e.cfg.UserName
}

func (e *Engine) CheckpointInterval() int {
	return e.cfg.CheckpointInterval
}

// IsDropped 消息被丢弃（而不是暂存）的原因是否属于远端输入错误
func IsDropped(err error) bool {
	return errors.Is(err, wire.ErrHashMismatch) || errors.Is(err, wire.ErrVersion) ||
		errors.Is(err, wire.ErrMalformed) || errors.Is(err, ot.ErrRange) ||
		errors.Is(err, chain.ErrSnapshotMismatch) || errors.Is(err, chain.ErrPruned) ||
		errors.Is(err, chain.ErrDepthMismatch)
}

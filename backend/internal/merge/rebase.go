package merge

import (
	"github.com/golang/glog"

	"chainpad/backend/internal/chain"
	"chainpad/backend/internal/ot"
)

// Pending 本地还没被链确认的操作。
// 队列里的操作依次基于 authDoc 执行；Sent 记录它提交过的所有区块哈希。
type Pending struct {
	Op   ot.Operation
	Sent []chain.Hash
}

// Rebaser tip 变化时把本地队列沿链搬到新 tip 上
type Rebaser struct {
	self  string
	store *chain.Store
	// 已确认的本地区块 -> 同一操作提交过的所有哈希，分叉回滚时用来恢复
	acked map[chain.Hash][]chain.Hash
}

func NewRebaser(self string, store *chain.Store) *Rebaser {
	return &Rebaser{self: self, store: store, acked: make(map[chain.Hash][]chain.Hash)}
}

// Rebase 把 queue 从基于 from.Doc 变成基于 to.Doc，调用前 store 的 tip 已经是 to：
//   - 旧分支上的区块倒序撤销，自己的区块重新放回队首；
//   - 新分支上的区块顺序变换过去，命中队首 Sent 的区块视为确认。
func (r *Rebaser) Rebase(queue []Pending, from, to *chain.Block) []Pending {
	if from.Hash == to.Hash {
		return queue
	}
	anc, err := r.store.CommonAncestor(from, to)
	if err != nil {
		glog.Warningf("merge: rebase %s -> %s without ancestor: %v", from.Hash.Short(), to.Hash.Short(), err)
		return r.fallback(queue, from, to)
	}
	undo, err := r.store.Path(anc, from)
	if err != nil {
		return r.fallback(queue, from, to)
	}
	redo, err := r.store.Path(anc, to)
	if err != nil {
		return r.fallback(queue, from, to)
	}

	for i := len(undo) - 1; i >= 0; i-- {
		queue = r.revert(queue, undo[i])
	}
	for _, b := range redo {
		queue = r.advance(queue, b)
	}
	return compact(queue)
}

// revert 撤销 tip 上的区块 b，queue 从基于 b.Doc 变成基于父块内容
func (r *Rebaser) revert(queue []Pending, b *chain.Block) []Pending {
	if b.IsCheckpoint() {
		return queue
	}
	if b.Author() == r.self {
		sent, ok := r.acked[b.Hash]
		if !ok {
			sent = []chain.Hash{b.Hash}
		}
		for _, h := range sent {
			delete(r.acked, h)
		}
		glog.V(2).Infof("merge: own block %s reverted, back to queue", b.Hash.Short())
		return append([]Pending{{Op: b.Patch.Op, Sent: sent}}, queue...)
	}
	parent, ok := r.store.Get(b.Parent())
	if !ok {
		glog.Errorf("merge: revert %s without parent", b.Hash.Short())
		return queue
	}
	inv, err := ot.Invert(b.Patch.Op, parent.Doc)
	if err != nil {
		glog.Errorf("merge: invert %s: %v", b.Hash.Short(), err)
		return queue
	}
	return transformAll(queue, inv, true)
}

// advance 让 queue 经过新分支上的区块 b
func (r *Rebaser) advance(queue []Pending, b *chain.Block) []Pending {
	if b.IsCheckpoint() {
		return queue
	}
	if len(queue) > 0 && contains(queue[0].Sent, b.Hash) {
		head := queue[0]
		for _, h := range head.Sent {
			r.acked[h] = head.Sent
		}
		rest := queue[1:]
		parent, ok := r.store.Get(b.Parent())
		if !ok || len(rest) == 0 {
			return rest
		}
		// rest 基于 apply(head.Op)，与区块内容可能略有出入，用 diff 修正
		expected, err := head.Op.Apply(parent.Doc)
		if err != nil || expected == b.Doc {
			return rest
		}
		return transformAll(rest, ot.Diff(expected, b.Doc), true)
	}
	return transformAll(queue, b.Patch.Op, Before(r.self, b.Author()))
}

// fallback 找不到公共祖先（已被裁剪）时：沿 from 往回撤销到主链或裁剪边界，
// 自己的区块照常放回队列；到得了主链就正常前进，
// 否则先去掉已确认的队首，再按两个文档的差异变换。
func (r *Rebaser) fallback(queue []Pending, from, to *chain.Block) []Pending {
	cur := from
	for !r.store.IsCanonical(cur.Hash) {
		parent, ok := r.store.Get(cur.Parent())
		if !ok {
			break
		}
		queue = r.revert(queue, cur)
		cur = parent
	}
	if r.store.IsCanonical(cur.Hash) {
		if redo, err := r.store.Path(cur, to); err == nil {
			for _, b := range redo {
				queue = r.advance(queue, b)
			}
			return compact(queue)
		}
	}

	base := cur.Doc
	for len(queue) > 0 && r.anyCanonical(queue[0].Sent) {
		next, err := queue[0].Op.Apply(base)
		if err != nil {
			break
		}
		base = next
		queue = queue[1:]
	}
	return compact(transformAll(queue, ot.Diff(base, to.Doc), true))
}

func (r *Rebaser) anyCanonical(hs []chain.Hash) bool {
	for _, h := range hs {
		if r.store.IsCanonical(h) {
			return true
		}
	}
	return false
}

// Forget 清理已经不在 store 里的确认记录
func (r *Rebaser) Forget() {
	for h := range r.acked {
		if _, ok := r.store.Get(h); !ok {
			delete(r.acked, h)
		}
	}
}

// Ops 取出队列里的操作
func Ops(queue []Pending) []ot.Operation {
	ops := make([]ot.Operation, len(queue))
	for i, p := range queue {
		ops[i] = p.Op
	}
	return ops
}

func transformAll(queue []Pending, by ot.Operation, queueWins bool) []Pending {
	if len(queue) == 0 || by.IsNoop() {
		return queue
	}
	ops := ot.TransformSequence(Ops(queue), by, queueWins)
	out := make([]Pending, len(queue))
	for i, p := range queue {
		out[i] = Pending{Op: ops[i], Sent: p.Sent}
	}
	return out
}

// compact 丢掉没提交过的空操作
func compact(queue []Pending) []Pending {
	out := queue[:0:0]
	for _, p := range queue {
		if p.Op.IsNoop() && len(p.Sent) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

func contains(hs []chain.Hash, h chain.Hash) bool {
	for _, x := range hs {
		if x == h {
			return true
		}
	}
	return false
}

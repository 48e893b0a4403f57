package causal

import (
	"bytes"
	"errors"
	"sort"

	"github.com/golang/glog"

	"chainpad/backend/internal/chain"
)

// ResolveFunc 把一个 Patch 接入链，返回本次新建的区块（可能带一个派生的检查点）。
// 父块未知时必须返回 chain.ErrUnknownParent。
type ResolveFunc func(p chain.Patch) ([]*chain.Block, error)

// Buffer 暂存父块还没到的消息，父块到达后级联释放
type Buffer struct {
	// parent hash -> digest -> patch
	waiting map[chain.Hash]map[chain.Hash]chain.Patch
	n       int
}

func New() *Buffer {
	return &Buffer{waiting: make(map[chain.Hash]map[chain.Hash]chain.Patch)}
}

// Accept 尝试立即接入 p。
// 父块未知时暂存，buffered=true；接入成功后释放所有等待新区块的消息（广度优先）。
// p 本身已被裁剪时同样释放等它的消息：它们会被标记为已裁剪，
// 其中的检查点可能作为新的 root 候选被收下，这时 resolved 和 err 同时非空。
// 级联释放的消息出错时记日志并丢弃，只有 p 本身的错误会返回。
func (b *Buffer) Accept(p chain.Patch, resolve ResolveFunc) (resolved []*chain.Block, buffered bool, err error) {
	created, err := resolve(p)
	if errors.Is(err, chain.ErrUnknownParent) {
		b.hold(p)
		return nil, true, nil
	}
	var queue []chain.Hash
	switch {
	case errors.Is(err, chain.ErrPruned):
		queue = append(queue, p.Digest())
	case err != nil:
		return nil, false, err
	}

	resolved = append(resolved, created...)
	for _, blk := range created {
		queue = append(queue, blk.Hash)
	}
	for len(queue) > 0 {
		parent := queue[0]
		queue = queue[1:]
		for _, next := range b.release(parent) {
			more, rerr := resolve(next)
			if rerr != nil {
				if errors.Is(rerr, chain.ErrPruned) {
					// 等它的消息也一并标记
					queue = append(queue, next.Digest())
					continue
				}
				glog.Warningf("causal: drop buffered %s on %s: %v", next.Digest().Short(), parent.Short(), rerr)
				continue
			}
			resolved = append(resolved, more...)
			for _, blk := range more {
				queue = append(queue, blk.Hash)
			}
		}
	}
	return resolved, false, err
}

func (b *Buffer) hold(p chain.Patch) {
	set := b.waiting[p.Parent]
	if set == nil {
		set = make(map[chain.Hash]chain.Patch)
		b.waiting[p.Parent] = set
	}
	d := p.Digest()
	if _, dup := set[d]; dup {
		return
	}
	set[d] = p
	b.n++
	glog.V(2).Infof("causal: hold %s waiting for %s (%d buffered)", d.Short(), p.Parent.Short(), b.n)
}

func (b *Buffer) release(parent chain.Hash) []chain.Patch {
	set, ok := b.waiting[parent]
	if !ok {
		return nil
	}
	delete(b.waiting, parent)
	b.n -= len(set)
	out := make([]chain.Patch, 0, len(set))
	for _, p := range set {
		out = append(out, p)
	}
	// 固定顺序，便于复现
	sort.Slice(out, func(i, j int) bool {
		di, dj := out[i].Digest(), out[j].Digest()
		return bytes.Compare(di[:], dj[:]) < 0
	})
	return out
}

// Len 当前暂存的消息数量
func (b *Buffer) Len() int {
	return b.n
}

func (b *Buffer) Reset() {
	b.waiting = make(map[chain.Hash]map[chain.Hash]chain.Patch)
	b.n = 0
}

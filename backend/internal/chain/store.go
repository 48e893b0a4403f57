package chain

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrUnknownParent    = errors.New("UNKNOWN_PARENT")
	ErrPruned           = errors.New("PRUNED")
	ErrSnapshotMismatch = errors.New("SNAPSHOT_MISMATCH")
	ErrNotAncestor      = errors.New("NOT_ANCESTOR")
	ErrDepthMismatch    = errors.New("DEPTH_MISMATCH")
)

// Store 按哈希索引的区块集合 + 一个可变的 tip。
// 不加锁，由持有者（Engine）串行访问。
type Store struct {
	blocks map[Hash]*Block
	root   *Block
	tip    *Block
	// 已裁剪区块的哈希及其深度，用来区分"父块还没到"和"父块已经被裁掉"。
	// 比 root 更浅的记录在下一次裁剪时清掉，之后靠深度判断。
	pruned map[Hash]int
}

// NewStore 从共享的空文档创世检查点开始
func NewStore() *Store {
	return NewStoreFrom(Genesis())
}

// NewStoreFrom 以检查点 cp 为 root 和 tip，用于从快照恢复
func NewStoreFrom(cp Patch) *Store {
	h := cp.Digest()
	root := &Block{Hash: h, Patch: cp, Doc: cp.Snapshot, Depth: cp.Depth, Checkpoint: h}
	return &Store{
		blocks: map[Hash]*Block{h: root},
		root:   root,
		tip:    root,
		pruned: make(map[Hash]int),
	}
}

// Append 校验并插入区块，不移动 tip。
// 已存在的哈希直接返回原区块，created=false。
//
// 父块不在本地时：父块没被裁剪且深度还在 root 之后，返回 ErrUnknownParent 等父块到达；
// 否则它属于裁剪边界之外，检查点作为孤立的 root 候选收下（快照自带完整内容），
// 普通 patch 记为已裁剪并返回 ErrPruned。
func (s *Store) Append(p Patch) (b *Block, created bool, err error) {
	h := p.Digest()
	if b, ok := s.blocks[h]; ok {
		return b, false, nil
	}
	if _, ok := s.pruned[h]; ok {
		return nil, false, fmt.Errorf("%w: block %s", ErrPruned, h.Short())
	}
	parent, ok := s.blocks[p.Parent]
	if !ok {
		_, gone := s.pruned[p.Parent]
		if !gone && p.Depth-1 >= s.root.Depth {
			return nil, false, fmt.Errorf("%w: %s", ErrUnknownParent, p.Parent.Short())
		}
		if p.IsCheckpoint() && p.Depth >= s.root.Depth {
			b = &Block{Hash: h, Patch: p, Doc: p.Snapshot, Depth: p.Depth, Checkpoint: h}
			s.blocks[h] = b
			return b, true, nil
		}
		s.pruned[h] = p.Depth
		return nil, false, fmt.Errorf("%w: parent %s", ErrPruned, p.Parent.Short())
	}
	if p.Depth != parent.Depth+1 {
		return nil, false, fmt.Errorf("%w: block %s depth %d after %d", ErrDepthMismatch, h.Short(), p.Depth, parent.Depth)
	}

	b = &Block{Hash: h, Patch: p, Depth: p.Depth}
	switch p.Kind {
	case KindCheckpoint:
		if p.Snapshot != parent.Doc {
			return nil, false, fmt.Errorf("%w: checkpoint %s", ErrSnapshotMismatch, h.Short())
		}
		b.Doc = p.Snapshot
		b.Checkpoint = h
	case KindPatch:
		doc, err := p.Op.Apply(parent.Doc)
		if err != nil {
			return nil, false, fmt.Errorf("block %s: %w", h.Short(), err)
		}
		b.Doc = doc
		b.Checkpoint = parent.Checkpoint
		b.SinceCheckpoint = parent.SinceCheckpoint + 1
	default:
		return nil, false, fmt.Errorf("block %s: unknown %v", h.Short(), p.Kind)
	}
	s.blocks[h] = b
	return b, true, nil
}

func (s *Store) Get(h Hash) (*Block, bool) {
	b, ok := s.blocks[h]
	return b, ok
}

func (s *Store) Tip() *Block {
	return s.tip
}

func (s *Store) Root() *Block {
	return s.root
}

// Len 保留的区块数量
func (s *Store) Len() int {
	return len(s.blocks)
}

func (s *Store) SetTip(h Hash) error {
	b, ok := s.blocks[h]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParent, h.Short())
	}
	s.tip = b
	return nil
}

// IsPruned 是否是已裁剪区块的哈希
func (s *Store) IsPruned(h Hash) bool {
	_, ok := s.pruned[h]
	return ok
}

// IsCanonical h 是否在 root 到 tip 的主链上
func (s *Store) IsCanonical(h Hash) bool {
	b, ok := s.blocks[h]
	if !ok {
		return false
	}
	cur := s.tip
	for cur != nil && cur.Depth > b.Depth {
		cur = s.blocks[cur.Parent()]
	}
	return cur != nil && cur.Hash == h
}

// CommonAncestor 两个区块的最近公共祖先；
// 回溯到裁剪边界之外时返回 ErrUnknownParent。
func (s *Store) CommonAncestor(a, b *Block) (*Block, error) {
	var err error
	for a.Depth > b.Depth {
		if a, err = s.parentOf(a); err != nil {
			return nil, err
		}
	}
	for b.Depth > a.Depth {
		if b, err = s.parentOf(b); err != nil {
			return nil, err
		}
	}
	for a.Hash != b.Hash {
		if a, err = s.parentOf(a); err != nil {
			return nil, err
		}
		if b, err = s.parentOf(b); err != nil {
			return nil, err
		}
	}
	return a, nil
}

// Path 返回 from（不含）到 to（含）之间的区块，按深度递增。
// from 必须是 to 的祖先。
func (s *Store) Path(from, to *Block) ([]*Block, error) {
	if to.Depth < from.Depth {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotAncestor, from.Hash.Short(), to.Hash.Short())
	}
	out := make([]*Block, to.Depth-from.Depth)
	cur := to
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = cur
		p, err := s.parentOf(cur)
		if err != nil {
			return nil, err
		}
		cur = p
	}
	if cur.Hash != from.Hash {
		return nil, fmt.Errorf("%w: %s -> %s", ErrNotAncestor, from.Hash.Short(), to.Hash.Short())
	}
	return out, nil
}

func (s *Store) parentOf(b *Block) (*Block, error) {
	p, ok := s.blocks[b.Parent()]
	if !ok {
		return nil, fmt.Errorf("%w: parent of %s", ErrUnknownParent, b.Hash.Short())
	}
	return p, nil
}

// DepthOfState 从 tip 沿主链往回找内容等于 doc 的区块，
// 返回它距 tip 的块数；找不到（或已被裁剪）返回 -1。
func (s *Store) DepthOfState(doc string) int {
	for cur := s.tip; cur != nil; cur = s.blocks[cur.Parent()] {
		if cur.Doc == doc {
			return s.tip.Depth - cur.Depth
		}
	}
	return -1
}

// Truncate 以 h 为新的 root，丢弃所有不是 h 后代的区块，返回丢弃数量。
// tip 必须是 h 的后代。比 h 浅的裁剪记录一并清掉。
func (s *Store) Truncate(h Hash) (int, error) {
	root, ok := s.blocks[h]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownParent, h.Short())
	}
	if root == s.root {
		return 0, nil
	}
	if _, err := s.Path(root, s.tip); err != nil {
		return 0, err
	}

	all := make([]*Block, 0, len(s.blocks))
	for _, b := range s.blocks {
		all = append(all, b)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Depth < all[j].Depth })

	// 按深度从浅到深，父块保留的才保留
	keep := map[Hash]*Block{h: root}
	for _, b := range all {
		if b.Depth <= root.Depth {
			continue
		}
		if _, ok := keep[b.Parent()]; ok {
			keep[b.Hash] = b
		}
	}
	removed := 0
	for hash, b := range s.blocks {
		if _, ok := keep[hash]; !ok {
			s.pruned[hash] = b.Depth
			removed++
		}
	}
	for hash, depth := range s.pruned {
		if depth < root.Depth {
			delete(s.pruned, hash)
		}
	}
	s.blocks = keep
	s.root = root
	return removed, nil
}

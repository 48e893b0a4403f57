package causal

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"

	"chainpad/backend/internal/chain"
	"chainpad/backend/internal/ot"
)

func storeResolver(s *chain.Store) ResolveFunc {
	return func(p chain.Patch) ([]*chain.Block, error) {
		b, created, err := s.Append(p)
		if err != nil || !created {
			return nil, err
		}
		return []*chain.Block{b}, nil
	}
}

// 一条线性历史：g <- p1 <- p2 <- p3，以及 p1 上的一个分叉 q2
func history() (patches []chain.Patch, fork chain.Patch) {
	parent := chain.Genesis().Digest()
	for i := 0; i < 3; i++ {
		p := chain.NewPatch(parent, i+1, "a", ot.New(i, 0, "x"))
		patches = append(patches, p)
		parent = p.Digest()
	}
	fork = chain.NewPatch(patches[0].Digest(), 2, "b", ot.New(0, 0, "y"))
	return patches, fork
}

func TestAcceptInOrder(t *testing.T) {
	patches, _ := history()
	s := chain.NewStore()
	buf := New()

	for _, p := range patches {
		got, buffered, err := buf.Accept(p, storeResolver(s))
		assert.Equal(t, err, nil)
		assert.Equal(t, buffered, false)
		assert.Equal(t, len(got), 1)
	}
	assert.Equal(t, buf.Len(), 0)
	assert.Equal(t, s.Len(), 4)
}

func TestAcceptCascades(t *testing.T) {
	patches, fork := history()
	s := chain.NewStore()
	buf := New()

	for _, p := range []chain.Patch{patches[2], fork, patches[1]} {
		got, buffered, err := buf.Accept(p, storeResolver(s))
		assert.Equal(t, err, nil)
		assert.Equal(t, buffered, true)
		assert.Equal(t, len(got), 0)
	}
	assert.Equal(t, buf.Len(), 3)

	// 重复的消息不会重复暂存
	_, buffered, _ := buf.Accept(patches[2], storeResolver(s))
	assert.Equal(t, buffered, true)
	assert.Equal(t, buf.Len(), 3)

	got, buffered, err := buf.Accept(patches[0], storeResolver(s))
	assert.Equal(t, err, nil)
	assert.Equal(t, buffered, false)
	assert.Equal(t, len(got), 4)
	assert.Equal(t, got[0].Hash, patches[0].Digest())
	assert.Equal(t, got[len(got)-1].Hash, patches[2].Digest())
	assert.Equal(t, buf.Len(), 0)
	assert.Equal(t, s.Len(), 5)
}

func TestAcceptDropsBadCascade(t *testing.T) {
	patches, _ := history()
	s := chain.NewStore()
	buf := New()

	// 父块是 p1，但删除越界
	bad := chain.NewPatch(patches[0].Digest(), 2, "c", ot.New(0, 9, ""))
	_, buffered, _ := buf.Accept(bad, storeResolver(s))
	assert.Equal(t, buffered, true)

	got, _, err := buf.Accept(patches[0], storeResolver(s))
	assert.Equal(t, err, nil)
	assert.Equal(t, len(got), 1)
	assert.Equal(t, buf.Len(), 0)
}

func TestAcceptReturnsOwnError(t *testing.T) {
	s := chain.NewStore()
	buf := New()
	_, buffered, err := buf.Accept(chain.NewPatch(s.Tip().Hash, 1, "a", ot.New(1, 0, "x")), storeResolver(s))
	assert.Equal(t, buffered, false)
	if !errors.Is(err, ot.ErrRange) {
		t.Fatalf("Accept() error = %v, want ErrRange", err)
	}
}

// 已裁剪的消息释放等它的消息：普通 patch 跟着标记为已裁剪，检查点作为孤立块收下
func TestAcceptPrunedReleasesWaiters(t *testing.T) {
	patches, fork := history()
	s := chain.NewStore()
	buf := New()
	for _, p := range patches[:2] {
		_, _, err := buf.Accept(p, storeResolver(s))
		assert.Equal(t, err, nil)
	}
	b2, _ := s.Get(patches[1].Digest())
	if err := s.SetTip(b2.Hash); err != nil {
		t.Fatalf("SetTip() error = %v", err)
	}
	if _, err := s.Truncate(b2.Hash); err != nil {
		t.Fatalf("Truncate() error = %v", err)
	}

	// fork 的父块 p1 已在 root 之前；等 fork 的是一个 patch 和一个检查点
	child := chain.NewPatch(fork.Digest(), 3, "b", ot.New(0, 0, "z"))
	cp := chain.NewCheckpoint(fork.Digest(), 3, "yx")
	for _, p := range []chain.Patch{child, cp} {
		_, buffered, err := buf.Accept(p, storeResolver(s))
		assert.Equal(t, err, nil)
		assert.Equal(t, buffered, true)
	}
	assert.Equal(t, buf.Len(), 2)

	got, buffered, err := buf.Accept(fork, storeResolver(s))
	if !errors.Is(err, chain.ErrPruned) {
		t.Fatalf("Accept() error = %v, want ErrPruned", err)
	}
	assert.Equal(t, buffered, false)
	assert.Equal(t, len(got), 1)
	assert.Equal(t, got[0].Hash, cp.Digest())
	assert.Equal(t, got[0].Doc, "yx")
	assert.Equal(t, buf.Len(), 0)
	assert.Equal(t, s.IsPruned(child.Digest()), true)
}

func TestReset(t *testing.T) {
	patches, _ := history()
	buf := New()
	_, _, _ = buf.Accept(patches[1], storeResolver(chain.NewStore()))
	assert.Equal(t, buf.Len(), 1)
	buf.Reset()
	assert.Equal(t, buf.Len(), 0)
}

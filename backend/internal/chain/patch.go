package chain

import (
	"encoding/binary"
	"fmt"

	"chainpad/backend/internal/ot"
)

// FormatVersion 哈希输入的编码版本，改动编码必须升级
const FormatVersion byte = 2

type Kind byte

const (
	KindCheckpoint Kind = 1
	KindPatch      Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindCheckpoint:
		return "checkpoint"
	case KindPatch:
		return "patch"
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// Patch 绑定了父状态的一次编辑，或者一个检查点快照
type Patch struct {
	Kind   Kind
	Parent Hash
	// 距创世块的距离，等于父块深度 + 1
	Depth int
	// 以下两项只在 KindPatch 时有意义
	Author string
	Op     ot.Operation
	// 只在 KindCheckpoint 时有意义
	Snapshot string
}

func NewPatch(parent Hash, depth int, author string, op ot.Operation) Patch {
	return Patch{Kind: KindPatch, Parent: parent, Depth: depth, Author: author, Op: op}
}

// NewCheckpoint 检查点没有作者，同一父块、同一快照在任何节点上得到同一个哈希
func NewCheckpoint(parent Hash, depth int, snapshot string) Patch {
	return Patch{Kind: KindCheckpoint, Parent: parent, Depth: depth, Snapshot: snapshot}
}

// Genesis 所有节点共享的空文档创世检查点
func Genesis() Patch {
	return NewCheckpoint(ZeroHash, 0, "")
}

func (p Patch) IsCheckpoint() bool {
	return p.Kind == KindCheckpoint
}

// Encode 哈希输入的规范编码：
//
//	version(1) | kind(1) | parent(32) | uvarint depth | body
//	checkpoint body: uvarint(len) snapshot
//	patch body:      uvarint(len) author | uvarint offset | uvarint toRemove | uvarint(len) toInsert
func (p Patch) Encode() []byte {
	buf := make([]byte, 0, 2+HashSize+len(p.Author)+len(p.Op.ToInsert)+len(p.Snapshot)+24)
	buf = append(buf, FormatVersion, byte(p.Kind))
	buf = append(buf, p.Parent[:]...)
	buf = binary.AppendUvarint(buf, uint64(p.Depth))
	switch p.Kind {
	case KindCheckpoint:
		buf = appendString(buf, p.Snapshot)
	default:
		buf = appendString(buf, p.Author)
		buf = binary.AppendUvarint(buf, uint64(p.Op.Offset))
		buf = binary.AppendUvarint(buf, uint64(p.Op.ToRemove))
		buf = appendString(buf, p.Op.ToInsert)
	}
	return buf
}

// Digest 区块哈希 = H(encode(patch))
func (p Patch) Digest() Hash {
	return digest(p.Encode())
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

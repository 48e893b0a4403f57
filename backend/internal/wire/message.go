package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"chainpad/backend/internal/chain"
	"chainpad/backend/internal/ot"
	"chainpad/backend/internal/ot/delta"
)

// Version 消息信封版本
const Version = 1

const (
	KindPatch      = "patch"
	KindCheckpoint = "checkpoint"
)

var (
	// 重新计算的哈希与消息声明的不一致，直接丢弃
	ErrHashMismatch = errors.New("HASH_MISMATCH")
	ErrVersion      = errors.New("UNSUPPORTED_VERSION")
	ErrMalformed    = errors.New("MALFORMED_MESSAGE")
)

// Message 节点之间传输的一条记录，对应一个 Patch 或一个检查点。
// 例：{"v":1,"kind":"patch","parent":"…","depth":3,"hash":"…","author":"alice","ops":[{"kind":"retain","count":5},{"kind":"insert","text":"!"}]}
type Message struct {
	Version  int         `json:"v"`
	Kind     string      `json:"kind"`
	Parent   chain.Hash  `json:"parent"`
	Depth    int         `json:"depth"`
	Hash     chain.Hash  `json:"hash"`
	Author   string      `json:"author,omitempty"`
	Ops      delta.Delta `json:"ops,omitempty"`
	Snapshot string      `json:"snapshot,omitempty"`
}

func FromPatch(p chain.Patch) Message {
	m := Message{
		Version: Version,
		Parent:  p.Parent,
		Depth:   p.Depth,
		Hash:    p.Digest(),
	}
	if p.IsCheckpoint() {
		m.Kind = KindCheckpoint
		m.Snapshot = p.Snapshot
		return m
	}
	m.Kind = KindPatch
	m.Author = p.Author
	m.Ops = delta.FromOperation(p.Op)
	return m
}

// Patch 还原 Patch 并校验哈希
func (m Message) Patch() (chain.Patch, error) {
	if m.Version != Version {
		return chain.Patch{}, fmt.Errorf("%w: %d", ErrVersion, m.Version)
	}
	if m.Depth < 0 {
		return chain.Patch{}, fmt.Errorf("%w: depth %d", ErrMalformed, m.Depth)
	}
	var p chain.Patch
	switch m.Kind {
	case KindCheckpoint:
		p = chain.NewCheckpoint(m.Parent, m.Depth, m.Snapshot)
	case KindPatch:
		op, err := m.Ops.Operation()
		if err != nil {
			return chain.Patch{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		if op.Offset < 0 || op.ToRemove < 0 {
			return chain.Patch{}, fmt.Errorf("%w: %v", ot.ErrRange, op)
		}
		p = chain.NewPatch(m.Parent, m.Depth, m.Author, op)
	default:
		return chain.Patch{}, fmt.Errorf("%w: kind %q", ErrMalformed, m.Kind)
	}
	if got := p.Digest(); got != m.Hash {
		return chain.Patch{}, fmt.Errorf("%w: claimed %s, computed %s", ErrHashMismatch, m.Hash.Short(), got.Short())
	}
	return p, nil
}

func Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func Unmarshal(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

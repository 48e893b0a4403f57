package delta

import (
	"errors"
	"fmt"

	"chainpad/backend/internal/ot"
)

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// delta 不能表示成单个 Operation
var ErrNotSingleEdit = errors.New("NOT_SINGLE_EDIT")

type Op struct {
	Kind  Kind   `json:"kind"`            // "retain" / "insert" / "delete"
	Count int    `json:"count,omitempty"` // retain/delete 的长度（rune）
	Text  string `json:"text,omitempty"`  // insert 的文本
}

// 用户操作序列，传输格式： "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

// FromOperation 编码成 retain / delete / insert，长度为 0 的步骤省略
func FromOperation(op ot.Operation) Delta {
	d := make(Delta, 0, 3)
	if op.Offset > 0 {
		d = append(d, Op{Kind: KindRetain, Count: op.Offset})
	}
	if op.ToRemove > 0 {
		d = append(d, Op{Kind: KindDelete, Count: op.ToRemove})
	}
	if op.ToInsert != "" {
		d = append(d, Op{Kind: KindInsert, Text: op.ToInsert})
	}
	return d
}

// Operation 解码回单个操作：
// 开头的 retain 累加成 offset，之后的 delete/insert 合并成一次编辑；
// 编辑之后只允许再出现 retain。
func (d Delta) Operation() (ot.Operation, error) {
	var op ot.Operation
	editing, done := false, false
	for i, step := range d {
		switch step.Kind {
		case KindRetain:
			if step.Count < 0 {
				return ot.Operation{}, fmt.Errorf("%w: negative retain at %d", ErrNotSingleEdit, i)
			}
			if editing {
				done = true
				continue
			}
			op.Offset += step.Count
		case KindDelete:
			if done || step.Count < 0 {
				return ot.Operation{}, fmt.Errorf("%w: delete at %d", ErrNotSingleEdit, i)
			}
			editing = true
			op.ToRemove += step.Count
		case KindInsert:
			if done {
				return ot.Operation{}, fmt.Errorf("%w: insert at %d", ErrNotSingleEdit, i)
			}
			editing = true
			op.ToInsert += step.Text
		default:
			return ot.Operation{}, fmt.Errorf("%w: unknown kind %q", ErrNotSingleEdit, step.Kind)
		}
	}
	return op, nil
}

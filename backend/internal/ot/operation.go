package ot

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// 操作越界：offset/toRemove 超出文档长度
var ErrRange = errors.New("RANGE_ERROR")

// Operation 一次原子编辑：在 Offset 处删除 ToRemove 个字符，再插入 ToInsert。
// 偏移和长度都按 rune 计算，不是字节。
type Operation struct {
	Offset   int    `json:"offset"`
	ToRemove int    `json:"toRemove"`
	ToInsert string `json:"toInsert"`
}

func New(offset, toRemove int, toInsert string) Operation {
	return Operation{Offset: offset, ToRemove: toRemove, ToInsert: toInsert}
}

// 空操作：对任何文档都没有影响
func (op Operation) IsNoop() bool {
	return op.ToRemove == 0 && op.ToInsert == ""
}

func (op Operation) String() string {
	return fmt.Sprintf("op(%d,-%d,+%q)", op.Offset, op.ToRemove, op.ToInsert)
}

func (op Operation) InsertLen() int {
	return utf8.RuneCountInString(op.ToInsert)
}

// Check 校验 op 能否作用在长度为 docLen 的文档上
func (op Operation) Check(docLen int) error {
	if op.Offset < 0 || op.ToRemove < 0 || op.Offset+op.ToRemove > docLen {
		return fmt.Errorf("%w: %v on length %d", ErrRange, op, docLen)
	}
	return nil
}

// Apply 返回应用 op 之后的新文档，不修改 doc
func (op Operation) Apply(doc string) (string, error) {
	r := []rune(doc)
	if err := op.Check(len(r)); err != nil {
		return "", err
	}
	if op.IsNoop() {
		return doc, nil
	}
	var b strings.Builder
	b.Grow(len(doc) + len(op.ToInsert))
	b.WriteString(string(r[:op.Offset]))
	b.WriteString(op.ToInsert)
	b.WriteString(string(r[op.Offset+op.ToRemove:]))
	return b.String(), nil
}

// Invert 返回撤销 op 的操作，doc 为 op 作用之前的文档
func Invert(op Operation, doc string) (Operation, error) {
	r := []rune(doc)
	if err := op.Check(len(r)); err != nil {
		return Operation{}, err
	}
	return Operation{
		Offset:   op.Offset,
		ToRemove: op.InsertLen(),
		ToInsert: string(r[op.Offset : op.Offset+op.ToRemove]),
	}, nil
}

// Diff 生成把 from 变成 to 的单个操作：去掉公共前缀和公共后缀，中间部分即为修改区域
func Diff(from, to string) Operation {
	a, b := []rune(from), []rune(to)
	prefix := 0
	for prefix < len(a) && prefix < len(b) && a[prefix] == b[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(a)-prefix && suffix < len(b)-prefix &&
		a[len(a)-1-suffix] == b[len(b)-1-suffix] {
		suffix++
	}
	return Operation{
		Offset:   prefix,
		ToRemove: len(a) - prefix - suffix,
		ToInsert: string(b[prefix : len(b)-suffix]),
	}
}

// Clamp 把 op 收缩到长度为 docLen 的文档范围内，插入的文本原样保留
func (op Operation) Clamp(docLen int) Operation {
	op.Offset = max(0, min(op.Offset, docLen))
	op.ToRemove = max(0, min(op.ToRemove, docLen-op.Offset))
	return op
}

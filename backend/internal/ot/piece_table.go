package ot

import (
	"fmt"
	"strings"
)

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable 用来在文档快照上重放本地未确认的操作
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
	length   int
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r, length: len(r)}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	return pt.length
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		b.WriteString(string(pt.slice(p)))
	}
	return b.String()
}

func (pt *PieceTable) slice(p piece) []rune {
	if p.buf == bufAdd {
		return pt.add[p.offset : p.offset+p.length]
	}
	return pt.original[p.offset : p.offset+p.length]
}

// Apply 原地修改；出错时表保持不变
func (pt *PieceTable) Apply(op Operation) error {
	if err := op.Check(pt.length); err != nil {
		return err
	}
	if op.ToRemove > 0 {
		pt.remove(op.Offset, op.ToRemove)
	}
	if op.ToInsert != "" {
		pt.insert(op.Offset, []rune(op.ToInsert))
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text []rune) {
	start := len(pt.add)
	pt.add = append(pt.add, text...)
	added := piece{buf: bufAdd, offset: start, length: len(text)}
	pt.length += len(text)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, added)
		return
	}

	// 只拆目标 piece，其余原样拷贝
	cur := pt.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	pieces := make([]piece, 0, len(pt.pieces)+2)
	pieces = append(pieces, pt.pieces[:idx]...)
	if left.length > 0 {
		pieces = append(pieces, left)
	}
	pieces = append(pieces, added)
	if right.length > 0 {
		pieces = append(pieces, right)
	}
	pieces = append(pieces, pt.pieces[idx+1:]...)
	pt.pieces = pieces
}

func (pt *PieceTable) remove(pos, count int) {
	pt.length -= count
	idx, offset := pt.locate(pos)
	for count > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := min(count, cur.length-offset)

		switch {
		case offset == 0 && take == cur.length:
			// 整个 piece 都删掉，idx 不动（现在指向下一个 piece）
			pt.pieces = append(pt.pieces[:idx], pt.pieces[idx+1:]...)
		case offset == 0:
			pt.pieces[idx] = piece{buf: cur.buf, offset: cur.offset + take, length: cur.length - take}
			idx++
		case offset+take == cur.length:
			pt.pieces[idx] = piece{buf: cur.buf, offset: cur.offset, length: offset}
			idx++
		default:
			// 只删中间一段：拆成 左 / 右 两段
			left := piece{buf: cur.buf, offset: cur.offset, length: offset}
			right := piece{buf: cur.buf, offset: cur.offset + offset + take, length: cur.length - offset - take}
			pieces := make([]piece, 0, len(pt.pieces)+1)
			pieces = append(pieces, pt.pieces[:idx]...)
			pieces = append(pieces, left, right)
			pieces = append(pieces, pt.pieces[idx+1:]...)
			pt.pieces = pieces
			idx += 2
		}
		offset = 0
		count -= take
	}
}

// 根据逻辑位置 pos，找到对应的 piece 下标 idx 和在该 piece 内的偏移 offset
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}

// ApplyAll 在 doc 上依次重放 ops
func ApplyAll(doc string, ops ...Operation) (string, error) {
	return Replay(NewPieceTable(doc), ops...)
}

// Replay 把 ops 依次应用到 buf 上，返回最终文本
func Replay(buf Buffer, ops ...Operation) (string, error) {
	for i, op := range ops {
		if err := buf.Apply(op); err != nil {
			return "", fmt.Errorf("operation %d: %w", i, err)
		}
	}
	return buf.String(), nil
}

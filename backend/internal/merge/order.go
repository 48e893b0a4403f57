package merge

import (
	"bytes"

	"chainpad/backend/internal/chain"
)

// Before 作者之间的全序：作者名小的排在前面。
// 同一位置的并发插入按这个顺序排列，所有节点结果一致。
func Before(a, b string) bool {
	return a < b
}

// Prefer 分叉选择：a 是否优于 b。
// 深度大的优先；深度相同比作者；作者相同比哈希。
// tip 是所有区块里的最大值，只取决于区块集合，与到达顺序无关。
func Prefer(a, b *chain.Block) bool {
	if a.Depth != b.Depth {
		return a.Depth > b.Depth
	}
	if a.Author() != b.Author() {
		return Before(a.Author(), b.Author())
	}
	return bytes.Compare(a.Hash[:], b.Hash[:]) < 0
}

// Best 从 cur 和 candidates 里选出最优的区块
func Best(cur *chain.Block, candidates ...*chain.Block) *chain.Block {
	for _, b := range candidates {
		if Prefer(b, cur) {
			cur = b
		}
	}
	return cur
}

package chain

// Content 区块对应的文档内容
type Content struct {
	Doc string
}

// Block 链上的不可变节点，创建后不再修改
type Block struct {
	Hash  Hash
	Patch Patch
	Doc   string
	// 距创世块的距离，创世块为 0
	Depth int
	// 本分支上最近的检查点（检查点块指向自己）
	Checkpoint Hash
	// 最近检查点之后累计的 patch 块数量
	SinceCheckpoint int
}

func (b *Block) Parent() Hash {
	return b.Patch.Parent
}

func (b *Block) Author() string {
	return b.Patch.Author
}

func (b *Block) IsCheckpoint() bool {
	return b.Patch.IsCheckpoint()
}

func (b *Block) Content() Content {
	return Content{Doc: b.Doc}
}

// Equals 按哈希比较
func (b *Block) Equals(other *Block) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.Hash == other.Hash
}

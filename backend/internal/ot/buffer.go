package ot

// 文本缓冲区：可以原地应用操作
type Buffer interface {
	Len() int
	Apply(op Operation) error
	String() string
}

/*
Piece Table 示意

初始文本 "Hello world"：

- original buffer: "Hello world"
- add buffer: ""
- pieces:

[ (orig, offset=0, length=11) ]

执行 Operation{Offset: 5, ToInsert: " collaborative"} 后：
- add buffer = " collaborative"
- 原来的一个 piece 拆成三段：

[
  (orig, offset=0, length=5),       // "Hello"
  (add,  offset=0, length=14),      // " collaborative"
  (orig, offset=5, length=6),       // " world"
]

original 只读不写，所以从字符串构造出来的表不会和调用方共享可变数据。
*/

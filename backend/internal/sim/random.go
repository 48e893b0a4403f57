package sim

import (
	"math/rand"
	"unicode/utf8"

	"chainpad/backend/internal/ot"
)

const alphabet = "abcdefghijklmnopqrstuvwxyz ĀβЖ"

func RandomText(rng *rand.Rand, n int) string {
	letters := []rune(alphabet)
	out := make([]rune, n)
	for i := range out {
		out[i] = letters[rng.Intn(len(letters))]
	}
	return string(out)
}

// RandomOperation 生成一个能作用在 doc 上的随机操作，插入多于删除
func RandomOperation(rng *rand.Rand, doc string) ot.Operation {
	n := utf8.RuneCountInString(doc)
	offset := rng.Intn(n + 1)
	remove := 0
	if n > offset && rng.Intn(3) == 0 {
		remove = 1 + rng.Intn(min(n-offset, 5))
	}
	insert := ""
	if remove == 0 || rng.Intn(2) == 0 {
		insert = RandomText(rng, 1+rng.Intn(6))
	}
	return ot.New(offset, remove, insert)
}

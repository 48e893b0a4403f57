package chain

import (
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// HashSize 摘要长度（BLAKE2b-256）
const HashSize = 32

var ErrBadHash = errors.New("BAD_HASH")

// Hash 区块的内容地址
type Hash [HashSize]byte

// ZeroHash 创世块的父哈希
var ZeroHash Hash

func digest(b []byte) Hash {
	return blake2b.Sum256(b)
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short 日志里用的前 8 位
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != 2*HashSize {
		return h, fmt.Errorf("%w: length %d", ErrBadHash, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return h, fmt.Errorf("%w: %v", ErrBadHash, err)
	}
	return h, nil
}

func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *Hash) UnmarshalText(b []byte) error {
	parsed, err := ParseHash(string(b))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

package cache

import "fmt"

// 键语义：
// - roomKey(padID):    pad 在线成员（ZSet<memberId, expireAtUnix>，score=expireAt）
// - namesKey(padID):   pad 内 memberId→name 映射（Hash）
// - historyKey(padID): pad 的全部消息，按接收顺序（List<wire json>）
// - padsKey():         有历史的 pad 索引（Set<padID>）
//
// 同一个 pad 的键共用 {pad:...} hash tag，集群下 Lua 脚本里的多个键落在同一个 slot。

const (
	keyRoomFmt    = "chainpad:presence:{pad:%s}"
	keyNamesFmt   = "chainpad:presence:names:{pad:%s}"
	keyHistoryFmt = "chainpad:history:{pad:%s}"
	keyPadsSet    = "chainpad:pads"
)

func roomKey(padID string) string    { return fmt.Sprintf(keyRoomFmt, padID) }
func namesKey(padID string) string   { return fmt.Sprintf(keyNamesFmt, padID) }
func historyKey(padID string) string { return fmt.Sprintf(keyHistoryFmt, padID) }
func padsKey() string                { return keyPadsSet }

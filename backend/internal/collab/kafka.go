package collab

import (
	"time"

	"github.com/oklog/ulid/v2"

	"chainpad/backend/internal/chain"
	"chainpad/backend/internal/ot/delta"
)

const (
	EventBlockAccepted = "BLOCK_ACCEPTED"
	EventCheckpoint    = "CHECKPOINT_CREATED"
)

// BlockEvent 中继的归档节点每新建一个区块发布一条
type BlockEvent struct {
	EventType string      `json:"eventType"`
	EventID   string      `json:"eventId"`
	PadID     string      `json:"padId"`
	Hash      chain.Hash  `json:"hash"`
	Parent    chain.Hash  `json:"parent"`
	Author    string      `json:"author,omitempty"`
	Depth     int         `json:"depth"`
	Ops       delta.Delta `json:"ops,omitempty"`
	// 检查点不带快照，快照落 MySQL
	SnapshotLen int       `json:"snapshotLen,omitempty"`
	AcceptedAt  time.Time `json:"acceptedAt"`
}

func NewBlockEvent(padID string, b *chain.Block) BlockEvent {
	evt := BlockEvent{
		EventType:  EventBlockAccepted,
		EventID:    ulid.Make().String(),
		PadID:      padID,
		Hash:       b.Hash,
		Parent:     b.Parent(),
		Depth:      b.Depth,
		AcceptedAt: time.Now().UTC(),
	}
	if b.IsCheckpoint() {
		evt.EventType = EventCheckpoint
		evt.SnapshotLen = len(b.Doc)
		return evt
	}
	evt.Author = b.Author()
	evt.Ops = delta.FromOperation(b.Patch.Op)
	return evt
}

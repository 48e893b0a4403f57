package store

import (
	"context"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"chainpad/backend/internal/chain"
)

// PadCheckpoint 归档的检查点。(pad_id, hash) 唯一，重复写入视为成功。
type PadCheckpoint struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	PadID     string `gorm:"type:varchar(64);not null;uniqueIndex:uk_pad_hash,priority:1;index:idx_pad_depth,priority:1"`
	Hash      string `gorm:"type:char(64);not null;uniqueIndex:uk_pad_hash,priority:2"`
	Parent    string `gorm:"type:char(64);not null"`
	Depth     int    `gorm:"not null;index:idx_pad_depth,priority:2"`
	Snapshot  string `gorm:"type:longtext"`
	CreatedAt time.Time
}

func (PadCheckpoint) TableName() string { return "pad_checkpoints" }

type CheckpointStore struct{ db *gorm.DB }

func NewCheckpointStore(db *gorm.DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, padID string, b *chain.Block) error {
	row := PadCheckpoint{
		PadID:    padID,
		Hash:     b.Hash.String(),
		Parent:   b.Parent().String(),
		Depth:    b.Depth,
		Snapshot: b.Doc,
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if isDuplicate(err) {
		return nil
	}
	return err
}

// LatestCheckpoint 最深的检查点；没有时返回 nil, nil
func (s *CheckpointStore) LatestCheckpoint(ctx context.Context, padID string) (*PadCheckpoint, error) {
	var row PadCheckpoint
	err := s.db.WithContext(ctx).
		Where("pad_id = ?", padID).
		Order("depth DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

// 1062: Duplicate entry
func isDuplicate(err error) bool {
	var mysqlErr *mysql.MySQLError
	return errors.As(err, &mysqlErr) && mysqlErr.Number == 1062
}

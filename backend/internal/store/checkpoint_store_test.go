package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/go-sql-driver/mysql"

	"chainpad/backend/internal/chain"
	"chainpad/backend/internal/ot"
)

func TestIsDuplicate(t *testing.T) {
	dup := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}
	assert.Equal(t, isDuplicate(dup), true)
	assert.Equal(t, isDuplicate(fmt.Errorf("insert: %w", dup)), true)
	assert.Equal(t, isDuplicate(&mysql.MySQLError{Number: 1146}), false)
	assert.Equal(t, isDuplicate(errors.New("boom")), false)
	assert.Equal(t, isDuplicate(nil), false)
}

func TestCheckpointStore(t *testing.T) {
	dsn := os.Getenv("CHAINPAD_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: CHAINPAD_TEST_MYSQL_DSN not set")
	}
	db, err := InitMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	ctx := context.Background()
	padID := "store-test-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { db.Where("pad_id = ?", padID).Delete(&PadCheckpoint{}) })

	s := chain.NewStore()
	b1, _, err := s.Append(chain.NewPatch(s.Root().Hash, 1, "alice", ot.New(0, 0, "hello")))
	assert.Equal(t, err, nil)
	cp, _, err := s.Append(chain.NewCheckpoint(b1.Hash, 2, b1.Doc))
	assert.Equal(t, err, nil)

	cs := NewCheckpointStore(db)
	missing, err := cs.LatestCheckpoint(ctx, padID)
	assert.Equal(t, err, nil)
	assert.Equal(t, missing == nil, true)

	assert.Equal(t, cs.SaveCheckpoint(ctx, padID, s.Root()), nil)
	assert.Equal(t, cs.SaveCheckpoint(ctx, padID, cp), nil)
	// 重复写入不报错
	assert.Equal(t, cs.SaveCheckpoint(ctx, padID, cp), nil)

	latest, err := cs.LatestCheckpoint(ctx, padID)
	assert.Equal(t, err, nil)
	assert.Equal(t, latest.Hash, cp.Hash.String())
	assert.Equal(t, latest.Depth, 2)
	assert.Equal(t, latest.Snapshot, "hello")
}

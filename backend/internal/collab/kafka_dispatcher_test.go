package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/go-playground/assert/v2"

	"chainpad/backend/internal/chain"
	"chainpad/backend/internal/ot"
)

func testBlocks(t *testing.T) (*chain.Block, *chain.Block) {
	s := chain.NewStore()
	seed, _, err := s.Append(chain.NewPatch(s.Root().Hash, 1, "bob", ot.New(0, 0, "abc")))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	b, _, err := s.Append(chain.NewPatch(seed.Hash, 2, "alice", ot.New(3, 0, "d")))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	cp, _, err := s.Append(chain.NewCheckpoint(b.Hash, 3, b.Doc))
	if err != nil {
		t.Fatalf("append checkpoint: %v", err)
	}
	return b, cp
}

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func TestNewBlockEvent(t *testing.T) {
	b, cp := testBlocks(t)

	evt := NewBlockEvent("pad-1", b)
	assert.Equal(t, evt.EventType, EventBlockAccepted)
	assert.Equal(t, evt.PadID, "pad-1")
	assert.Equal(t, evt.Hash, b.Hash)
	assert.Equal(t, evt.Author, "alice")
	assert.Equal(t, evt.Depth, 2)
	assert.Equal(t, len(evt.EventID), 26)
	op, err := evt.Ops.Operation()
	assert.Equal(t, err, nil)
	assert.Equal(t, op, ot.New(3, 0, "d"))

	cpEvt := NewBlockEvent("pad-1", cp)
	assert.Equal(t, cpEvt.EventType, EventCheckpoint)
	assert.Equal(t, cpEvt.Author, "")
	assert.Equal(t, cpEvt.SnapshotLen, 4)
	assert.Equal(t, cpEvt.Parent, b.Hash)
}

func TestKafkaDispatcherSends(t *testing.T) {
	b, _ := testBlocks(t)
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt BlockEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.PadID != "pad-1" || evt.Hash != b.Hash {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "blocks", NewSemaphoreControl(1), KafkaDispatcherOptions{QueueSize: 4, Workers: 1})
	assert.Equal(t, d.Enqueue(context.Background(), NewBlockEvent("pad-1", b)), nil)
	d.Close()
	assert.Equal(t, producer.Close(), nil)
}

func TestKafkaDispatcherRetries(t *testing.T) {
	b, _ := testBlocks(t)
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	d := NewKafkaDispatcher(producer, "blocks", nil, KafkaDispatcherOptions{
		QueueSize:   1,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	assert.Equal(t, d.Enqueue(context.Background(), NewBlockEvent("pad-1", b)), nil)
	d.Close()
	// 三次期望全部被消费
	assert.Equal(t, producer.Close(), nil)
}

func TestKafkaDispatcherEnqueueTimeout(t *testing.T) {
	b, _ := testBlocks(t)
	sem := NewSemaphoreControl(1)
	// 占住信号量，worker 卡在 Acquire 上
	assert.Equal(t, sem.Acquire(context.Background()), nil)

	d := NewKafkaDispatcher(nil, "", sem, KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	ctx := context.Background()
	assert.Equal(t, d.Enqueue(ctx, NewBlockEvent("pad-1", b)), nil)

	// worker 取走第一条后队列还能放一条，第三条一定超时
	deadline, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	var err error
	for i := 0; i < 2 && err == nil; i++ {
		err = d.Enqueue(deadline, NewBlockEvent("pad-1", b))
	}
	assert.Equal(t, err, context.DeadlineExceeded)

	assert.Equal(t, sem.Release(), nil)
	d.Close()
	assert.Equal(t, sem.InUse(), 0)
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl(1)
	assert.Equal(t, s.Release(), ErrNotAcquired)
	assert.Equal(t, s.Acquire(context.Background()), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, s.Acquire(ctx), ErrAcquireTimeout)
	assert.Equal(t, s.InUse(), 1)
	assert.Equal(t, s.Release(), nil)
	assert.Equal(t, s.InUse(), 0)
}

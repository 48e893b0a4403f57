package chainpad

import (
	"sync"

	"chainpad/backend/internal/chain"
	"chainpad/backend/internal/wire"
)

// MessageHandler 传输层回调：把 msg 发给其他节点，完成后调用 done。
// 所有 handler 都调用 done 之后才会发下一条。
type MessageHandler func(msg wire.Message, done func())

// PatchHandler userDoc 变化时回调
type PatchHandler func()

// BlockHandler 每个新建的区块回调一次
type BlockHandler func(b *chain.Block)

type eventKind int

const (
	evPatch eventKind = iota
	evSend
	evBlock
)

type event struct {
	kind  eventKind
	block *chain.Block
	send  *send
	// 发送时的 handler 快照
	handlers []MessageHandler
}

// send 一条正在发送的消息
type send struct {
	msg       wire.Message
	remaining int
}

// flush 在不持锁的情况下依次派发事件。
// handler 里可以再调用 Engine（包括 done），产生的新事件由最外层的 flush 继续派发。
func (e *Engine) flush() {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return
	}
	e.flushing = true
	for {
		if e.state != StateStarted || len(e.events) == 0 {
			e.flushing = false
			e.mu.Unlock()
			return
		}
		ev := e.events[0]
		e.events = e.events[1:]
		onPatch, onBlock := e.onPatch, e.onBlock
		e.mu.Unlock()

		switch ev.kind {
		case evPatch:
			for _, h := range onPatch {
				h()
			}
		case evBlock:
			for _, h := range onBlock {
				h(ev.block)
			}
		case evSend:
			for _, h := range ev.handlers {
				h(ev.send.msg, e.completion(ev.send))
			}
		}

		e.mu.Lock()
	}
}

// completion 每个 handler 一个 done，重复调用只算一次
func (e *Engine) completion(s *send) func() {
	var once sync.Once
	return func() {
		once.Do(func() { e.complete(s) })
	}
}

func (e *Engine) complete(s *send) {
	e.mu.Lock()
	if e.state == StateAborted || e.inFlight != s {
		e.mu.Unlock()
		return
	}
	s.remaining--
	if s.remaining > 0 {
		e.mu.Unlock()
		return
	}
	e.inFlight = nil
	// 发送完成后把自己的消息也接入本地链
	e.ingestLocked(s.msg)
	e.sendLocked(e.cfg.AutoSync)
	e.mu.Unlock()
	e.flush()
}

package chainpad

import "errors"

var (
	// 在不允许的状态下调用（例如 Abort 之后编辑）
	ErrInvalidState  = errors.New("INVALID_STATE")
	ErrConfig        = errors.New("INVALID_CONFIG")
	// Restore 只接受检查点消息
	ErrNotCheckpoint = errors.New("NOT_CHECKPOINT")
)

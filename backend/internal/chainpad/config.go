package chainpad

import (
	"fmt"

	"github.com/google/uuid"
)

// DefaultCheckpointInterval 默认每 100 个 patch 生成一个检查点
const DefaultCheckpointInterval = 100

// retainedEpochs 最近的检查点之前保留的完整周期数
const retainedEpochs = 2

type Config struct {
	// 节点身份，同时参与并发插入的排序；为空时随机生成
	UserName     string `mapstructure:"user_name"`
	InitialState string `mapstructure:"initial_state"`
	// 同一个 pad 的所有节点必须一致
	CheckpointInterval int `mapstructure:"checkpoint_interval"`
	// 本地编辑和发送完成后自动 sync
	AutoSync bool `mapstructure:"auto_sync"`
}

func (c Config) withDefaults() (Config, error) {
	if c.CheckpointInterval < 0 {
		return c, fmt.Errorf("%w: checkpoint interval %d", ErrConfig, c.CheckpointInterval)
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = DefaultCheckpointInterval
	}
	if c.UserName == "" {
		c.UserName = uuid.NewString()
	}
	return c, nil
}

package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"chainpad/backend/internal/chainpad"
	"chainpad/backend/internal/collab"
	"chainpad/backend/internal/ws"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 直连调试时打开，经网关转发时关闭
		CORS bool `mapstructure:"cors"`
	} `mapstructure:"running"`
	// 为空时用内存实现
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	// 为空时不归档检查点
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"mysql"`
	// brokers 为空时不发事件
	Kafka struct {
		Brokers    []string                      `mapstructure:"brokers"`
		Topic      string                        `mapstructure:"topic"`
		Dispatcher collab.KafkaDispatcherOptions `mapstructure:"dispatcher"`
	} `mapstructure:"kafka"`
	Auth struct {
		// 为空时不鉴权
		Secret   string        `mapstructure:"secret"`
		TokenTTL time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`
	// 新建 pad 的参数，所有客户端从 welcome 里拿
	Pad       chainpad.Config   `mapstructure:"pad"`
	WS        ws.ManagerOptions `mapstructure:"ws"`
	Semaphore struct {
		Submit     int `mapstructure:"submit"`
		Kafka      int `mapstructure:"kafka"`
		Checkpoint int `mapstructure:"checkpoint"`
	} `mapstructure:"semaphore"`
}

// Load 读取 <name>.yaml，环境变量 CHAINPAD_<SECTION>_<KEY> 覆盖同名配置
func Load(name string) (*Config, error) {
	cfg := &Config{}
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("CHAINPAD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv 只覆盖 viper 知道的键，可能只从环境变量给出的键要先注册默认值
	v.SetDefault("running.port", 3004)
	v.SetDefault("redis.password", "")
	v.SetDefault("mysql.dsn", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("kafka.topic", "chainpad.blocks")
	v.SetDefault("auth.token_ttl", time.Hour)
	v.SetDefault("pad.checkpoint_interval", chainpad.DefaultCheckpointInterval)
	v.SetDefault("ws.presence_ttl", time.Minute)
	v.SetDefault("ws.read_timeout", 2*time.Minute)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

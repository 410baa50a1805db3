package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"port"`
		// 多节点部署时区分自己发出的 pub/sub 消息，留空自动生成
		NodeID string `mapstructure:"nodeId"`
	} `mapstructure:"running"`
	Mysql struct {
		// oplog 使用的驱动：mysql 或 sqlite3
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
		// 文档权限和快照所在库，留空时所有人可加入且没有快照
		DocumentDSN string `mapstructure:"documentDsn"`
	} `mapstructure:"mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"redis"`
	Kafka struct {
		Brokers   []string `mapstructure:"brokers"`
		Topic     string   `mapstructure:"topic"`
		QueueSize int      `mapstructure:"queueSize"`
		Workers   int      `mapstructure:"workers"`
		MaxRetry  int      `mapstructure:"maxRetry"`
	} `mapstructure:"kafka"`
	Auth struct {
		JWTSecret string `mapstructure:"jwtSecret"`
	} `mapstructure:"auth"`
	Collab struct {
		SubmitTimeout   time.Duration `mapstructure:"submitTimeout"`
		JoinTailLimit   int           `mapstructure:"joinTailLimit"`
		MaxPayloadBytes int           `mapstructure:"maxPayloadBytes"`
		OutboxSize      int           `mapstructure:"outboxSize"`
	} `mapstructure:"collab"`
	Idempotency struct {
		TTL time.Duration `mapstructure:"ttl"`
	} `mapstructure:"idempotency"`
	Presence struct {
		TTL           time.Duration `mapstructure:"ttl"`
		SweepInterval time.Duration `mapstructure:"sweepInterval"`
		CursorRate    float64       `mapstructure:"cursorRate"`
	} `mapstructure:"presence"`
	Lock struct {
		DefaultTTL time.Duration `mapstructure:"defaultTTL"`
		MaxTTL     time.Duration `mapstructure:"maxTTL"`
	} `mapstructure:"lock"`
	Http struct {
		EnableCORS     bool     `mapstructure:"enableCORS"`
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
		MaxFrameBytes  int64    `mapstructure:"maxFrameBytes"`
	} `mapstructure:"http"`
}

func setDefaults(v *viper.Viper) {
	// 只有设置过默认值的键才会被 AutomaticEnv 覆盖到 Unmarshal 结果里，
	// 列表型环境变量用逗号分隔
	v.SetDefault("running.port", 8082)
	v.SetDefault("running.nodeId", "")
	v.SetDefault("mysql.driver", "sqlite3")
	v.SetDefault("mysql.dsn", "file:sync.db?_busy_timeout=5000")
	v.SetDefault("mysql.documentDsn", "")
	v.SetDefault("redis.addrs", []string{})
	v.SetDefault("redis.password", "")
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "doc-ops")
	v.SetDefault("kafka.queueSize", 10_000)
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.maxRetry", 3)
	v.SetDefault("collab.submitTimeout", 5*time.Second)
	v.SetDefault("collab.joinTailLimit", 500)
	v.SetDefault("collab.maxPayloadBytes", 1<<20)
	v.SetDefault("collab.outboxSize", 256)
	v.SetDefault("idempotency.ttl", 5*time.Minute)
	v.SetDefault("presence.ttl", 60*time.Second)
	v.SetDefault("presence.sweepInterval", 30*time.Second)
	v.SetDefault("presence.cursorRate", 10.0)
	v.SetDefault("lock.defaultTTL", 30*time.Second)
	v.SetDefault("lock.maxTTL", 5*time.Minute)
	v.SetDefault("auth.jwtSecret", "")
	v.SetDefault("http.enableCORS", false)
	v.SetDefault("http.allowedOrigins", []string{})
	v.SetDefault("http.maxFrameBytes", 2<<20)
}

// Load 读取 syncConfig.yaml；path 非空时只读这个文件。
// 环境变量 SYNC_MYSQL_DSN 之类覆盖同名配置项
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("SYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("syncConfig")
		v.SetConfigType("yaml")
		// 兼容从项目根目录或 backend 目录启动
		v.AddConfigPath("./backend/config")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// 没有配置文件时只用默认值和环境变量
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Mysql.Driver {
	case "mysql", "sqlite3":
	default:
		return fmt.Errorf("config: mysql.driver must be mysql or sqlite3, got %q", c.Mysql.Driver)
	}
	if c.Mysql.DSN == "" {
		return errors.New("config: mysql.dsn is required")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("config: auth.jwtSecret is required")
	}
	if c.Running.Port <= 0 || c.Running.Port > 65535 {
		return fmt.Errorf("config: invalid running.port %d", c.Running.Port)
	}
	if c.Lock.MaxTTL < c.Lock.DefaultTTL {
		return fmt.Errorf("config: lock.maxTTL %s below lock.defaultTTL %s", c.Lock.MaxTTL, c.Lock.DefaultTTL)
	}
	return nil
}

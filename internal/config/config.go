package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	HTTPPort    string `yaml:"http_port"`
	PostgresDSN string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	QueueName   string `yaml:"queue_name"`
	IntervalMS  int    `yaml:"scheduler_interval_ms"` // 调度周期（毫秒）
	LockTTLMS   int    `yaml:"scheduler_lock_ttl_ms"` // 单个 job 锁的过期时间（毫秒）
	HeartbeatMS int    `yaml:"heartbeat_ttl_ms"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
}

const (
	DefaultIntervalMS  = 60000
	DefaultLockTTLMS   = 60000
	DefaultHeartbeatMS = 30000
)

func defaults() AppConfig {
	return AppConfig{
		HTTPPort:    "8080",
		PostgresDSN: "host=localhost port=5432 user=avault dbname=avault sslmode=disable",
		RedisURL:    "redis://localhost:6379",
		QueueName:   "backup-jobs",
		IntervalMS:  DefaultIntervalMS,
		LockTTLMS:   DefaultLockTTLMS,
		HeartbeatMS: DefaultHeartbeatMS,
		LogLevel:    "info",
		LogFormat:   "text",
	}
}

// Load 读取配置：默认值 -> CONFIG_FILE 指向的 yaml -> 环境变量
func Load() (AppConfig, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	cfg.HTTPPort = envString("HTTP_PORT", cfg.HTTPPort)
	cfg.PostgresDSN = envString("DATABASE_URL", cfg.PostgresDSN)
	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.QueueName = envString("QUEUE_NAME", cfg.QueueName)
	cfg.IntervalMS = envPositiveInt("SCHEDULER_INTERVAL_MS", cfg.IntervalMS)
	cfg.LockTTLMS = envPositiveInt("SCHEDULER_LOCK_TTL_MS", cfg.LockTTLMS)
	cfg.HeartbeatMS = envPositiveInt("HEARTBEAT_TTL_MS", cfg.HeartbeatMS)
	cfg.LogLevel = strings.ToLower(envString("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(envString("LOG_FORMAT", cfg.LogFormat))

	// yaml 中的非法值回退到默认值
	if cfg.IntervalMS <= 0 {
		cfg.IntervalMS = DefaultIntervalMS
	}
	if cfg.LockTTLMS <= 0 {
		cfg.LockTTLMS = DefaultLockTTLMS
	}
	if cfg.HeartbeatMS <= 0 {
		cfg.HeartbeatMS = DefaultHeartbeatMS
	}
	return cfg, nil
}

func (c AppConfig) TickInterval() time.Duration {
	return msDuration(c.IntervalMS)
}

func (c AppConfig) LockTTL() time.Duration {
	return msDuration(c.LockTTLMS)
}

func (c AppConfig) HeartbeatTTL() time.Duration {
	return msDuration(c.HeartbeatMS)
}

// msDuration 毫秒转 time.Duration，超出范围时取最大值而不是溢出为负数
func msDuration(ms int) time.Duration {
	if int64(ms) > math.MaxInt64/int64(time.Millisecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

func loadFile(path string, cfg *AppConfig) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envPositiveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Health       HealthConfig       `yaml:"health"`
	Remote       RemoteConfig       `yaml:"remote"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// OrchestratorConfig 协调器配置
type OrchestratorConfig struct {
	HTTPEnabled     bool          `yaml:"http_enabled"`
	HTTPAddress     string        `yaml:"http_address"`
	MonitorInterval time.Duration `yaml:"monitor_interval"`
	MonitorDuration time.Duration `yaml:"monitor_duration"`
}

// HealthConfig 健康检查配置
type HealthConfig struct {
	ProbeTimeout     time.Duration `yaml:"probe_timeout"`
	CheckInterval    time.Duration `yaml:"check_interval"`
	DegradedFraction float64       `yaml:"degraded_fraction"`
	MinDiskFreeGB    float64       `yaml:"min_disk_free_gb"`
}

// RemoteConfig 远程执行配置
type RemoteConfig struct {
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ConnectRetries  int           `yaml:"connect_retries"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	DeployTimeout   time.Duration `yaml:"deploy_timeout"`
	StopGracePeriod time.Duration `yaml:"stop_grace_period"`
	Entrypoint      string        `yaml:"entrypoint"`
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	Weights ScoreWeights `yaml:"weights"`
}

// ScoreWeights 打分权重配置
//
// 默认值：效率 40、负载均衡 20、亲和 15、GPU 10、偏好节点 5。
// 效率项在 30%-70% 目标利用率区间内取满分，区间外向 0 线性衰减。
type ScoreWeights struct {
	Efficiency    float64 `yaml:"efficiency"`
	LoadBalance   float64 `yaml:"load_balance"`
	Affinity      float64 `yaml:"affinity"`
	GPU           float64 `yaml:"gpu"`
	PreferredNode float64 `yaml:"preferred_node"`
	TargetLow     float64 `yaml:"target_low"`
	TargetHigh    float64 `yaml:"target_high"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	File        string `yaml:"file"`
	MaxSizeMB   int    `yaml:"max_size_mb"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAgeDays  int    `yaml:"max_age_days"`
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{
			HTTPEnabled:     false,
			HTTPAddress:     "0.0.0.0:8780",
			MonitorInterval: 10 * time.Second,
			MonitorDuration: 0,
		},
		Health: HealthConfig{
			ProbeTimeout:     5 * time.Second,
			CheckInterval:    30 * time.Second,
			DegradedFraction: 0.9,
			MinDiskFreeGB:    1.0,
		},
		Remote: RemoteConfig{
			ConnectTimeout:  10 * time.Second,
			ConnectRetries:  3,
			RetryBackoff:    2 * time.Second,
			DeployTimeout:   5 * time.Minute,
			StopGracePeriod: 10 * time.Second,
			Entrypoint:      "./run.sh",
		},
		Scheduler: SchedulerConfig{
			Weights: DefaultScoreWeights(),
		},
		Logging: LoggingConfig{
			Level:       getEnvOrDefault("FLOTILLA_LOG_LEVEL", "info"),
			Development: false,
			MaxSizeMB:   100,
			MaxBackups:  3,
			MaxAgeDays:  7,
		},
	}
}

// DefaultScoreWeights 获取默认打分权重
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		Efficiency:    40,
		LoadBalance:   20,
		Affinity:      15,
		GPU:           10,
		PreferredNode: 5,
		TargetLow:     0.3,
		TargetHigh:    0.7,
	}
}

// LoadConfig 从文件加载配置，缺省字段使用默认值
func LoadConfig(path string) (*Config, error) {
	config := GetDefaultConfig()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate 校验配置合法性
func (c *Config) Validate() error {
	if c.Remote.ConnectRetries < 0 {
		return NewConfigError("remote.connect_retries", "must not be negative", c.Remote.ConnectRetries)
	}
	if c.Remote.ConnectTimeout <= 0 {
		return NewConfigError("remote.connect_timeout", "must be positive", c.Remote.ConnectTimeout)
	}
	if c.Orchestrator.MonitorInterval <= 0 {
		return NewConfigError("orchestrator.monitor_interval", "must be positive", c.Orchestrator.MonitorInterval)
	}
	if c.Health.CheckInterval <= 0 {
		return NewConfigError("health.check_interval", "must be positive", c.Health.CheckInterval)
	}
	if c.Health.DegradedFraction <= 0 || c.Health.DegradedFraction > 1 {
		return NewConfigError("health.degraded_fraction", "must be in (0, 1]", c.Health.DegradedFraction)
	}
	w := c.Scheduler.Weights
	if w.TargetLow < 0 || w.TargetHigh > 1 || w.TargetLow >= w.TargetHigh {
		return NewConfigError("scheduler.weights", "target band must satisfy 0 <= low < high <= 1", w)
	}
	return nil
}

// getEnvOrDefault 获取环境变量或使用默认值
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault 获取环境变量整数值或使用默认值
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

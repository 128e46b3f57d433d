package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Config 应用程序配置
type Config struct {
	Server  ServerConfig  `json:"server"`
	Store   StoreConfig   `json:"store"`
	TM      TMConfig      `json:"tm"`
	Editing EditingConfig `json:"editing"`
	Bus     BusConfig     `json:"bus"`
	Search  SearchConfig  `json:"search"`
	Offline OfflineConfig `json:"offline"`
	Log     LogConfig     `json:"log"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// StoreConfig 行存储配置
type StoreConfig struct {
	DataRoot        string `json:"data_root"`
	ImportBatchSize int    `json:"import_batch_size"`
}

// TMConfig 翻译记忆配置
type TMConfig struct {
	SimilarityThreshold    float32 `json:"tm_similarity_threshold"`
	FuzzyContainsThreshold float64 `json:"tm_fuzzy_contains_threshold"`
	EmbeddingBatch         int     `json:"tm_embedding_batch"`
	RebuildStaleRatio      float64 `json:"tm_rebuild_stale_ratio"`
	EngineDefault          string  `json:"tm_engine_default"`
	SyncWorkerParallelism  int     `json:"sync_worker_parallelism"`
}

// EditingConfig 编辑锁配置
type EditingConfig struct {
	EditLockLeaseSeconds int `json:"edit_lock_lease_seconds"`
}

// LeaseDuration 锁租约时长
func (c EditingConfig) LeaseDuration() time.Duration {
	return time.Duration(c.EditLockLeaseSeconds) * time.Second
}

// SweepInterval 过期扫描周期，不大于租约的1/3
func (c EditingConfig) SweepInterval() time.Duration {
	return c.LeaseDuration() / 3
}

// BusConfig 协作总线配置
type BusConfig struct {
	SubscriberQueueMax int           `json:"bus_subscriber_queue_max"`
	DisconnectGrace    time.Duration `json:"disconnect_grace"`
}

// SearchConfig 搜索配置
type SearchConfig struct {
	DeadlineMS int `json:"search_deadline_ms"`
}

// Deadline 单次查询时限
func (c SearchConfig) Deadline() time.Duration {
	return time.Duration(c.DeadlineMS) * time.Millisecond
}

// OfflineConfig 离线副本配置
type OfflineConfig struct {
	ReplicaRoot      string        `json:"replica_root"`
	ReplayMaxBackoff time.Duration `json:"replay_max_backoff"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // json or text
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8720,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			DataRoot:        "data",
			ImportBatchSize: 1000,
		},
		TM: TMConfig{
			SimilarityThreshold:    0.80,
			FuzzyContainsThreshold: 0.50,
			EmbeddingBatch:         128,
			RebuildStaleRatio:      0.20,
			EngineDefault:          "fast",
			SyncWorkerParallelism:  runtime.NumCPU(),
		},
		Editing: EditingConfig{
			EditLockLeaseSeconds: 90,
		},
		Bus: BusConfig{
			SubscriberQueueMax: 256,
			DisconnectGrace:    10 * time.Second,
		},
		Search: SearchConfig{
			DeadlineMS: 500,
		},
		Offline: OfflineConfig{
			ReplicaRoot:      "offline",
			ReplayMaxBackoff: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig 从文件加载配置
func LoadConfig(configPath string) (*Config, error) {
	// 如果没有指定配置文件，使用默认配置
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("配置文件不存在: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// 在默认配置之上解析，缺失字段保持默认值
	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadConfigOrDefault 尝试从常见位置加载配置文件
func LoadConfigOrDefault() *Config {
	possiblePaths := []string{
		"config.json",
		"./config/config.json",
		"/etc/ldm/config.json",
	}

	if envPath := os.Getenv("LDM_CONFIG"); envPath != "" {
		if config, err := LoadConfig(envPath); err == nil {
			return config
		}
	}

	for _, path := range possiblePaths {
		if absPath, err := filepath.Abs(path); err == nil {
			if config, err := LoadConfig(absPath); err == nil {
				return config
			}
		}
	}

	return DefaultConfig()
}

// validateConfig 验证配置
func validateConfig(config *Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("无效的端口号: %d", config.Server.Port)
	}

	if config.Store.ImportBatchSize < 1 {
		return fmt.Errorf("导入批大小必须大于0")
	}

	if config.TM.SimilarityThreshold < -1 || config.TM.SimilarityThreshold > 1 {
		return fmt.Errorf("相似度阈值必须在[-1,1]区间: %f", config.TM.SimilarityThreshold)
	}

	if config.TM.FuzzyContainsThreshold < 0 || config.TM.FuzzyContainsThreshold > 1 {
		return fmt.Errorf("包含匹配阈值必须在[0,1]区间: %f", config.TM.FuzzyContainsThreshold)
	}

	if config.TM.EmbeddingBatch < 1 {
		return fmt.Errorf("嵌入批大小必须大于0")
	}

	if config.TM.SyncWorkerParallelism < 1 {
		return fmt.Errorf("同步并行度必须大于0")
	}

	if config.TM.EngineDefault != "fast" && config.TM.EngineDefault != "deep" {
		return fmt.Errorf("未知的默认嵌入引擎: %s", config.TM.EngineDefault)
	}

	if config.Editing.EditLockLeaseSeconds < 1 {
		return fmt.Errorf("编辑锁租约必须大于0秒")
	}

	if config.Bus.SubscriberQueueMax < 1 {
		return fmt.Errorf("订阅者队列上限必须大于0")
	}

	if config.Search.DeadlineMS < 1 {
		return fmt.Errorf("搜索时限必须大于0毫秒")
	}

	return nil
}

// GetListenAddress 返回监听地址
func (c *Config) GetListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

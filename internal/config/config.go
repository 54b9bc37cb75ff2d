package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"mitmhijack/pkg/domain"

	"gopkg.in/yaml.v3"
)

// Config 配置文件结构体
type Config struct {
	Version   string    `yaml:"version"`
	Sqlite    Sqlite    `yaml:"sqlite"`
	Log       Log       `yaml:"log"`
	MITM      MITM      `yaml:"mitm"`
	Timing    Timing    `yaml:"timing"`
	LogStream LogStream `yaml:"logStream"`
	Engine    Engine    `yaml:"engine"`
	HTTPAPI   HTTPAPI   `yaml:"httpapi"`
}

// Sqlite 数据库配置
type Sqlite struct {
	Db     string `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

// Log 日志配置
type Log struct {
	Level  string   `yaml:"level"`
	Writer []string `yaml:"writer"`
	File   string   `yaml:"file"` // 为空时使用平台默认目录
}

// MITM 代理与浏览器配置
type MITM struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	DownstreamProxy string `yaml:"downstreamProxy"`
	DevToolsURL     string `yaml:"devToolsURL"`
	LaunchBrowser   bool   `yaml:"launchBrowser"`
	BrowserPath     string `yaml:"browserPath"`
	Headless        bool   `yaml:"headless"`
}

// Timing 周期任务间隔，单位毫秒
type Timing struct {
	RecoverIntervalMS     int `yaml:"recoverIntervalMS"`
	HookRefreshIntervalMS int `yaml:"hookRefreshIntervalMS"`
	LogDiffIntervalMS     int `yaml:"logDiffIntervalMS"`
	CommandTimeoutMS      int `yaml:"commandTimeoutMS"`
}

// LogStream 日志流缓冲配置
type LogStream struct {
	Capacity int `yaml:"capacity"`
}

// Engine 拦截引擎配置
type Engine struct {
	Concurrency       int `yaml:"concurrency"`
	PendingCapacity   int `yaml:"pendingCapacity"`
	TrackerTTLSeconds int `yaml:"trackerTTLSeconds"`
}

// HTTPAPI HTTP 控制接口配置
type HTTPAPI struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Version: "1.0.0",
		Sqlite: Sqlite{
			Db:     "data.db",
			Prefix: "mitm_",
		},
		Log: Log{
			Level: "debug",
			// file需要在console之前，因为打包后控制台不可写会影响文件日志
			Writer: []string{"file", "console"},
		},
		MITM: MITM{
			Host:        "127.0.0.1",
			Port:        8083,
			DevToolsURL: "http://127.0.0.1:9222",
		},
		Timing: Timing{
			RecoverIntervalMS:     500,
			HookRefreshIntervalMS: 1000,
			LogDiffIntervalMS:     1000,
			CommandTimeoutMS:      3000,
		},
		LogStream: LogStream{Capacity: 25},
		Engine: Engine{
			Concurrency:       4,
			PendingCapacity:   64,
			TrackerTTLSeconds: 300,
		},
		HTTPAPI: HTTPAPI{
			Enabled: false,
			Addr:    "127.0.0.1:18083",
		},
	}
}

// Load 在默认配置上叠加 yaml 文件，文件不存在时返回默认配置
func Load(path string) (*Config, error) {
	cfg := NewConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch {
	case c.Timing.RecoverIntervalMS <= 0:
		return fmt.Errorf("%w: timing.recoverIntervalMS must be positive", domain.ErrInvalidConfig)
	case c.Timing.HookRefreshIntervalMS <= 0:
		return fmt.Errorf("%w: timing.hookRefreshIntervalMS must be positive", domain.ErrInvalidConfig)
	case c.Timing.LogDiffIntervalMS <= 0:
		return fmt.Errorf("%w: timing.logDiffIntervalMS must be positive", domain.ErrInvalidConfig)
	case c.LogStream.Capacity < 1:
		return fmt.Errorf("%w: logStream.capacity must be at least 1", domain.ErrInvalidConfig)
	case c.MITM.Port < 0 || c.MITM.Port > 65535:
		return fmt.Errorf("%w: mitm.port out of range", domain.ErrInvalidConfig)
	}
	return nil
}

// RecoverInterval 恢复轮询间隔
func (t Timing) RecoverInterval() time.Duration {
	return time.Duration(t.RecoverIntervalMS) * time.Millisecond
}

// HookRefreshInterval 钩子刷新间隔
func (t Timing) HookRefreshInterval() time.Duration {
	return time.Duration(t.HookRefreshIntervalMS) * time.Millisecond
}

// LogDiffInterval 日志对比间隔
func (t Timing) LogDiffInterval() time.Duration {
	return time.Duration(t.LogDiffIntervalMS) * time.Millisecond
}

// CommandTimeout 单条引擎命令超时
func (t Timing) CommandTimeout() time.Duration {
	if t.CommandTimeoutMS <= 0 {
		return 3 * time.Second
	}
	return time.Duration(t.CommandTimeoutMS) * time.Millisecond
}

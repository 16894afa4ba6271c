package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LookupFunc 与 os.LookupEnv 同签名，用于注入环境变量来源。
type LookupFunc func(key string) (string, bool)

// Config 描述一次部署运行在启动阶段需要加载的全部配置。
type Config struct {
	Network  string                    `yaml:"network"`
	Networks map[string]NetworkProfile `yaml:"networks"`
	Deploy   DeployConfig              `yaml:"deploy"`
	Ledger   LedgerConfig              `yaml:"ledger"`
	Announce AnnounceConfig            `yaml:"announce"`
	Metrics  MetricsConfig             `yaml:"metrics"`
	Log      LogConfig                 `yaml:"log"`
	Runtime  RuntimeConfig             `yaml:"runtime"`
}

// DeployConfig 控制部署目标合约以及确认等待策略。
type DeployConfig struct {
	Contract      string        `yaml:"contract"`
	ArtifactsDir  string        `yaml:"artifacts_dir"`
	Timeout       time.Duration `yaml:"timeout"`
	Confirmations uint64        `yaml:"confirmations"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	GasLimit      uint64        `yaml:"gas_limit"`
}

// LedgerConfig 描述部署记录的持久化方式。
// Driver 可选 none、file、mysql、postgres。
type LedgerConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// AnnounceConfig 描述部署结果的广播渠道，未填写地址的渠道不会启用。
type AnnounceConfig struct {
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	NATS     NATSConfig     `yaml:"nats"`
}

// RedisConfig 对应 Redis list 渠道。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// RabbitMQConfig 对应 RabbitMQ 队列渠道。
type RabbitMQConfig struct {
	URL     string `yaml:"url"`
	Queue   string `yaml:"queue"`
	Durable bool   `yaml:"durable"`
}

// NATSConfig 对应 NATS subject 渠道。
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// MetricsConfig 控制 Prometheus 文本文件的输出位置，为空时不输出。
type MetricsConfig struct {
	TextfilePath string `yaml:"textfile_path"`
}

// LogConfig 控制结构化日志与审计日志。
type LogConfig struct {
	Level     string   `yaml:"level"`
	Format    string   `yaml:"format"`
	Outputs   []string `yaml:"outputs"`
	AuditPath string   `yaml:"audit_path"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Default 返回未加载任何文件时使用的配置。
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults(".")
	return cfg
}

// Load 解析指定路径的 YAML 配置文件；path 为空时返回默认配置。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return Default(), nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查无法通过默认值修正的字段。
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "none", "file", "mysql", "postgres":
	default:
		return fmt.Errorf("unsupported ledger driver %q", c.Ledger.Driver)
	}
	if (c.Ledger.Driver == "mysql" || c.Ledger.Driver == "postgres") && strings.TrimSpace(c.Ledger.DSN) == "" {
		return fmt.Errorf("ledger driver %s requires a dsn", c.Ledger.Driver)
	}
	if c.Deploy.Timeout < 0 {
		return errors.New("deploy timeout must not be negative")
	}
	if _, ok := c.Networks[c.Network]; !ok {
		return fmt.Errorf("network %q is not defined", c.Network)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Networks == nil {
		c.Networks = DefaultNetworks()
	} else {
		for name, profile := range DefaultNetworks() {
			if _, ok := c.Networks[name]; !ok {
				c.Networks[name] = profile
			}
		}
	}
	if c.Network == "" {
		c.Network = "sepolia"
	}

	if c.Deploy.Contract == "" {
		c.Deploy.Contract = "VotingSystem"
	}
	if c.Deploy.ArtifactsDir == "" {
		c.Deploy.ArtifactsDir = filepath.Join(baseDir, "artifacts")
	} else if !filepath.IsAbs(c.Deploy.ArtifactsDir) {
		c.Deploy.ArtifactsDir = filepath.Join(baseDir, c.Deploy.ArtifactsDir)
	}
	if c.Deploy.Timeout == 0 {
		c.Deploy.Timeout = 5 * time.Minute
	}
	if c.Deploy.Confirmations == 0 {
		c.Deploy.Confirmations = 1
	}
	if c.Deploy.PollInterval <= 0 {
		c.Deploy.PollInterval = 2 * time.Second
	}

	if c.Ledger.Driver == "" {
		c.Ledger.Driver = "none"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	if c.Runtime.DataDir == "" {
		c.Runtime.DataDir = filepath.Join(baseDir, "data")
	} else if !filepath.IsAbs(c.Runtime.DataDir) {
		c.Runtime.DataDir = filepath.Join(baseDir, c.Runtime.DataDir)
	}
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Endpoint EndpointConfig `yaml:"endpoint"`
	Live     LiveConfig     `yaml:"live"`
	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`
	Paths    PathsConfig    `yaml:"paths"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// EndpointConfig 辅导端点配置
type EndpointConfig struct {
	URL string `yaml:"url"`
	// APIKey 用于向令牌服务换取临时令牌
	APIKey string `yaml:"api_key"`
	// TokenURL 令牌服务地址；为空时直接用 APIKey 连接
	TokenURL string `yaml:"token_url"`
}

type LiveConfig struct {
	ResponseTimeout  time.Duration `yaml:"response_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type CaptureConfig struct {
	ScreenFrameInterval time.Duration `yaml:"screen_frame_interval"`
}

type PlaybackConfig struct {
	ConsolidateAfter   int           `yaml:"consolidate_after"`
	Cushion            time.Duration `yaml:"cushion"`
	MinCushionDuration time.Duration `yaml:"min_cushion_duration"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Output string `yaml:"output"`
}

type PathsConfig struct {
	Content      string `yaml:"content"`
	TranscriptDB string `yaml:"transcript_db"`
}

// Load 从文件加载配置
func Load(path string) (*Config, error) {
	fmt.Printf("📋 Loading config from: %s\n", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	fmt.Printf("✅ Config parsed successfully\n")

	// 从环境变量覆盖敏感信息
	if apiKey := os.Getenv("SAGETALK_API_KEY"); apiKey != "" {
		fmt.Printf("🔑 Using SAGETALK_API_KEY from environment variable\n")
		cfg.Endpoint.APIKey = apiKey
	} else if cfg.Endpoint.APIKey != "" {
		fmt.Printf("🔑 Using API key from config file\n")
	}
	if url := os.Getenv("SAGETALK_ENDPOINT_URL"); url != "" {
		fmt.Printf("🌐 Using SAGETALK_ENDPOINT_URL from environment: %s\n", url)
		cfg.Endpoint.URL = url
	}

	// 打印关键配置
	fmt.Printf("\n📊 Configuration Summary:\n")
	fmt.Printf("   Server: %s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("   Endpoint: %s\n", cfg.Endpoint.URL)
	fmt.Printf("   Content Path: %s\n", cfg.Paths.Content)
	if cfg.Paths.TranscriptDB != "" {
		fmt.Printf("   Transcript DB: %s\n", cfg.Paths.TranscriptDB)
	}
	fmt.Printf("\n")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	fmt.Printf("✅ Config validation passed\n\n")

	return &cfg, nil
}

// Validate 验证配置
func (c *Config) Validate() error {
	if c.Endpoint.URL == "" {
		return fmt.Errorf("endpoint url is required (set SAGETALK_ENDPOINT_URL env var or config)")
	}
	if c.Paths.Content == "" {
		return fmt.Errorf("content path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	return nil
}

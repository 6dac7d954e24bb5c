package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config 全局配置
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	LLM     LLMConfig     `yaml:"llm"`
	Session SessionConfig `yaml:"session"`
	Stream  StreamConfig  `yaml:"stream"`
	Logging LoggingConfig `yaml:"logging"`
	Paths   PathsConfig   `yaml:"paths"`
	CORS    CORSConfig    `yaml:"cors"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Addr 返回监听地址。
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LLMConfig 文本生成服务配置
type LLMConfig struct {
	Provider   string            `yaml:"provider"` // "openai", "openrouter" or "anthropic"
	OpenAI     LLMProviderConfig `yaml:"openai"`
	OpenRouter LLMProviderConfig `yaml:"openrouter"`
	Anthropic  LLMProviderConfig `yaml:"anthropic"`
	Models     ModelsConfig      `yaml:"models"`
	Timeout    time.Duration     `yaml:"timeout"`
}

// LLMProviderConfig LLM 提供商配置
type LLMProviderConfig struct {
	APIKey      string  `yaml:"api_key"`
	APIURL      string  `yaml:"api_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// ModelsConfig 按任务选择模型；为空时回落到提供商的默认 Model。
type ModelsConfig struct {
	Reply        string `yaml:"reply"`
	Tokenization string `yaml:"tokenization"`
	Grading      string `yaml:"grading"`
	Verification string `yaml:"verification"`
}

type SessionConfig struct {
	DefaultLevel string `yaml:"default_level"`
	DefaultTopic string `yaml:"default_topic"`
	DefaultScene string `yaml:"default_scene"`
}

type StreamConfig struct {
	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stdout", "stderr" or a file path
}

type PathsConfig struct {
	// Scenes 为空时使用内置情景目录。
	Scenes string `yaml:"scenes"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default 返回一份可直接运行的默认配置（API Key 仍需从环境变量提供）。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
		},
		LLM: LLMConfig{
			Provider: "openrouter",
			OpenAI: LLMProviderConfig{
				APIURL: "https://api.openai.com/v1",
				Model:  "gpt-4o",
			},
			OpenRouter: LLMProviderConfig{
				APIURL: "https://openrouter.ai/api/v1",
				Model:  "deepseek/deepseek-chat-v3-0324",
			},
			Anthropic: LLMProviderConfig{
				APIURL:    "https://api.anthropic.com/v1",
				Model:     "claude-3-5-haiku-latest",
				MaxTokens: 1024,
			},
			Timeout: 60 * time.Second,
		},
		Session: SessionConfig{
			DefaultLevel: "A1",
			DefaultTopic: "日常对话",
		},
		Stream: StreamConfig{
			PingInterval: 30 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
	}
}

// Load 从文件加载配置；文件中未出现的字段保留默认值。
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		logrus.WithField("path", path).Info("📋 Loading config")

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// applyEnv 从环境变量覆盖敏感信息。
func (c *Config) applyEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		c.LLM.OpenAI.APIKey = key
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" {
		c.LLM.OpenRouter.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		c.LLM.Anthropic.APIKey = key
	}
	// LLM_API_KEY 作用于当前选中的提供商，优先级最高。
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		if p := c.LLM.Active(); p != nil {
			p.APIKey = key
		}
	}
	if level := os.Getenv("HANCHAT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Active 返回当前选中提供商的配置，未知提供商返回 nil。
func (l *LLMConfig) Active() *LLMProviderConfig {
	switch l.Provider {
	case "openai":
		return &l.OpenAI
	case "openrouter":
		return &l.OpenRouter
	case "anthropic":
		return &l.Anthropic
	default:
		return nil
	}
}

// ModelFor 返回某个任务使用的模型名。
func (l *LLMConfig) ModelFor(task string) string {
	var m string
	switch task {
	case "reply":
		m = l.Models.Reply
	case "tokenization":
		m = l.Models.Tokenization
	case "grading":
		m = l.Models.Grading
	case "verification":
		m = l.Models.Verification
	}
	if m == "" {
		if p := l.Active(); p != nil {
			m = p.Model
		}
	}
	return m
}

// Validate 验证配置
func (c *Config) Validate() error {
	p := c.LLM.Active()
	if p == nil {
		return fmt.Errorf("unsupported LLM provider: %q", c.LLM.Provider)
	}
	if p.APIKey == "" {
		return fmt.Errorf("%s API key is required (set LLM_API_KEY env var or config)", c.LLM.Provider)
	}
	if p.Model == "" {
		return fmt.Errorf("%s model is required", c.LLM.Provider)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server port must be positive, got %d", c.Server.Port)
	}
	if c.Session.DefaultLevel == "" {
		return fmt.Errorf("session default_level is required")
	}
	return nil
}

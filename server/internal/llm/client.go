package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hanchat/server/internal/config"
)

// Client LLM 客户端接口
type Client interface {
	// Complete 完成文本生成任务；schema 非空时要求结构化 JSON 输出。
	Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error)
}

// Message 消息结构
type Message struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// JSONSchema JSON Schema 定义（用于结构化输出）
type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict,omitempty"`
}

// ErrEmptyContent 服务返回成功但没有任何文本。
var ErrEmptyContent = errors.New("llm: empty content in response")

// NewClient 按当前提供商创建客户端，model 为空时使用提供商默认模型。
func NewClient(cfg config.LLMConfig, model string) (Client, error) {
	p := cfg.Active()
	if p == nil {
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	providerCfg := *p
	if model != "" {
		providerCfg.Model = model
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	switch cfg.Provider {
	case "openai", "openrouter":
		return NewOpenAIClient(providerCfg, timeout), nil
	case "anthropic":
		c, err := NewAnthropicClient(providerCfg, timeout)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
}

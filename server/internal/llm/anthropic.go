package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"

	"hanchat/server/internal/config"
)

// AnthropicClient Anthropic 客户端，基于 any-llm-go 的 anthropic provider。
type AnthropicClient struct {
	backend anyllmlib.Provider
	config  config.LLMProviderConfig
	timeout time.Duration
}

// NewAnthropicClient 创建 Anthropic 客户端
func NewAnthropicClient(cfg config.LLMProviderConfig, timeout time.Duration) (*AnthropicClient, error) {
	var opts []anyllmlib.Option
	if cfg.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(cfg.APIKey))
	}
	if base := anthropicBaseURL(cfg.APIURL); base != "" {
		opts = append(opts, anyllmlib.WithBaseURL(base))
	}
	backend, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create anthropic backend: %w", err)
	}
	return &AnthropicClient{backend: backend, config: cfg, timeout: timeout}, nil
}

// anthropicBaseURL 去掉配置里的 /v1 后缀，SDK 自己拼接 /v1/messages。
func anthropicBaseURL(apiURL string) string {
	base := strings.TrimSuffix(strings.TrimSpace(apiURL), "/")
	return strings.TrimSuffix(base, "/v1")
}

// Complete 完成文本生成（Anthropic）。
// Messages API 没有 response_format，schema 以指令形式拼进 system prompt。
func (c *AnthropicClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	params, err := c.buildParams(messages, schema)
	if err != nil {
		return "", err
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	resp, err := c.backend.Completion(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	content := resp.Choices[0].Message.ContentString()
	if content == "" {
		return "", ErrEmptyContent
	}
	return content, nil
}

// buildParams 合并所有 system 消息并附加 schema 指令；其余消息按原顺序保留。
func (c *AnthropicClient) buildParams(messages []Message, schema *JSONSchema) (anyllmlib.CompletionParams, error) {
	var (
		systemParts []string
		turns       []anyllmlib.Message
	)
	for _, msg := range messages {
		if msg.Role == "system" {
			systemParts = append(systemParts, msg.Content)
			continue
		}
		turns = append(turns, anyllmlib.Message{Role: msg.Role, Content: msg.Content})
	}

	if schema != nil {
		schemaJSON, err := json.Marshal(schema.Schema)
		if err != nil {
			return anyllmlib.CompletionParams{}, fmt.Errorf("marshal schema: %w", err)
		}
		systemParts = append(systemParts,
			"Respond with a single JSON object only, no prose, matching this JSON schema: "+string(schemaJSON))
	}

	var all []anyllmlib.Message
	if len(systemParts) > 0 {
		all = append(all, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: strings.Join(systemParts, "\n\n")})
	}
	all = append(all, turns...)

	maxTokens := c.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anyllmlib.CompletionParams{
		Model:     c.config.Model,
		Messages:  all,
		MaxTokens: &maxTokens,
	}
	if c.config.Temperature != 0 {
		t := c.config.Temperature
		params.Temperature = &t
	}
	return params, nil
}

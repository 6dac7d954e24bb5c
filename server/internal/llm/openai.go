package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"hanchat/server/internal/config"
)

// OpenAIClient 面向 OpenAI 兼容接口（OpenAI / OpenRouter）的客户端。
type OpenAIClient struct {
	client oai.Client
	config config.LLMProviderConfig
}

// NewOpenAIClient 创建 OpenAI 兼容客户端。SDK 自带的重试被关闭，重试策略不属于这里。
func NewOpenAIClient(cfg config.LLMProviderConfig, timeout time.Duration) *OpenAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.APIURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(cfg.APIURL, "/")+"/"))
	}
	return &OpenAIClient{
		client: oai.NewClient(opts...),
		config: cfg,
	}
}

// Complete 完成文本生成（OpenAI 兼容）
func (c *OpenAIClient) Complete(ctx context.Context, messages []Message, schema *JSONSchema) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(c.config.Model),
		Messages: convertMessages(messages),
	}
	if c.config.Temperature != 0 {
		params.Temperature = param.NewOpt(c.config.Temperature)
	}
	if c.config.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(c.config.MaxTokens))
	}
	if schema != nil {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   schema.Name,
					Schema: schema.Schema,
					Strict: param.NewOpt(schema.Strict),
				},
			},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", ErrEmptyContent
	}
	return content, nil
}

func convertMessages(messages []Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			out = append(out, oai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, oai.AssistantMessage(m.Content))
		default:
			out = append(out, oai.UserMessage(m.Content))
		}
	}
	return out
}
